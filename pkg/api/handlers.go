package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/polcohq/polco/pkg/docstore"
	"github.com/polcohq/polco/pkg/report"
)

const defaultRunLimit = 50

type errorResponse struct {
	Error string `json:"error"`
}

type runListItem struct {
	RunID      string    `json:"run_id"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Stores     int       `json:"stores"`
	Failures   int       `json:"failures"`
}

type storeListItem struct {
	StoreID   string     `json:"store_id"`
	Name      string     `json:"name"`
	City      string     `json:"city,omitempty"`
	Report    bool       `json:"report"`
	PDF       bool       `json:"pdf"`
	Map       bool       `json:"map"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})

			return
		}

		limit = parsed
	}

	records, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list runs"})

		return
	}

	items := make([]runListItem, 0, len(records))
	for _, record := range records {
		items = append(items, runListItem{
			RunID:      record.RunID,
			State:      record.State,
			StartedAt:  record.StartedAt,
			FinishedAt: record.FinishedAt,
			Stores:     record.Stores,
			Failures:   record.Failures,
		})
	}

	writeJSON(w, http.StatusOK, items)
}

// handleGetRun returns the full run document, including per-store stage
// results, as recorded at the end of the run.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	record, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not found"})

			return
		}

		s.log.WithError(err).WithField("run_id", runID).Error("Failed to get run")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to get run"})

		return
	}

	if record.SummaryJSON != "" {
		writeRawJSON(w, http.StatusOK, []byte(record.SummaryJSON))

		return
	}

	writeJSON(w, http.StatusOK, runListItem{
		RunID:      record.RunID,
		State:      record.State,
		StartedAt:  record.StartedAt,
		FinishedAt: record.FinishedAt,
		Stores:     record.Stores,
		Failures:   record.Failures,
	})
}

// handleListStores returns the roster joined with artifact presence from
// the report directories.
func (s *server) handleListStores(w http.ResponseWriter, r *http.Request) {
	artifacts := map[string]report.IndexEntry{}

	index, err := report.GenerateIndex(
		s.cfg.Global.ReportsDir, s.cfg.Global.PDFDir, s.cfg.Global.MapsDir)
	if err != nil {
		s.log.WithError(err).Debug("No artifact index available")
	} else {
		for _, entry := range index.Stores {
			artifacts[entry.StoreID] = entry
		}
	}

	stores := s.roster.All()
	items := make([]storeListItem, 0, len(stores))

	for _, store := range stores {
		item := storeListItem{
			StoreID: store.ID,
			Name:    store.Name,
			City:    store.City,
		}

		if entry, ok := artifacts[store.ID]; ok {
			item.Report = entry.Report != ""
			item.PDF = entry.PDF != ""
			item.Map = entry.Map != ""
			updated := entry.UpdatedAt
			item.UpdatedAt = &updated
		}

		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, items)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	//nolint:errcheck // response write errors are not actionable
	json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	//nolint:errcheck // response write errors are not actionable
	w.Write(data)
}
