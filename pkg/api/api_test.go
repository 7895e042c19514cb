package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/polcohq/polco/pkg/config"
	"github.com/polcohq/polco/pkg/docstore"
	"github.com/polcohq/polco/pkg/roster"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRosterCSV = `store_id,store_name,ville
101,Store Lyon,Lyon
202,Store Lille,Lille
`

func setupTestServer(t *testing.T) (*server, docstore.Store, *config.Config) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ReportsDir: t.TempDir(),
			PDFDir:     t.TempDir(),
			MapsDir:    t.TempDir(),
		},
	}

	store := docstore.NewStore(log, &config.DocstoreConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, store.Stop()) })

	ros, err := roster.Parse(strings.NewReader(testRosterCSV))
	require.NoError(t, err)

	return NewServer(log, cfg, store, ros).(*server), store, cfg
}

func doRequest(t *testing.T, srv *server, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)

	return rec
}

func TestHealth(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	rec := doRequest(t, srv, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestListRuns(t *testing.T) {
	srv, store, _ := setupTestServer(t)

	now := time.Now()

	require.NoError(t, store.UpsertRun(context.Background(), &docstore.RunRecord{
		RunID:     "run-old",
		State:     "completed",
		StartedAt: now.Add(-2 * time.Hour),
		Stores:    2,
	}))
	require.NoError(t, store.UpsertRun(context.Background(), &docstore.RunRecord{
		RunID:     "run-new",
		State:     "completed",
		StartedAt: now.Add(-1 * time.Hour),
		Stores:    3,
		Failures:  1,
	}))

	rec := doRequest(t, srv, "/api/v1/runs")
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []runListItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "run-new", runs[0].RunID, "newest run first")
	assert.Equal(t, 1, runs[0].Failures)

	// Limit caps the list.
	rec = doRequest(t, srv, "/api/v1/runs?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)
}

func TestListRuns_InvalidLimit(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	rec := doRequest(t, srv, "/api/v1/runs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun(t *testing.T) {
	srv, store, _ := setupTestServer(t)

	require.NoError(t, store.UpsertRun(context.Background(), &docstore.RunRecord{
		RunID:       "run-42",
		State:       "completed",
		StartedAt:   time.Now(),
		SummaryJSON: `{"id":"run-42","state":"completed","results":[]}`,
	}))

	rec := doRequest(t, srv, "/api/v1/runs/run-42")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-42", body["id"], "full run document is returned verbatim")
}

func TestGetRun_NotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	rec := doRequest(t, srv, "/api/v1/runs/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run not found", body.Error)
}

func TestListStores(t *testing.T) {
	srv, _, cfg := setupTestServer(t)

	// Store 101 has a report and a map, no PDF.
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Global.ReportsDir, "101"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.Global.ReportsDir, "101", "report.md"), []byte("# r"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Global.MapsDir, "101"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.Global.MapsDir, "101", "map_overview.png"), []byte("png"), 0o644))

	rec := doRequest(t, srv, "/api/v1/stores")
	require.Equal(t, http.StatusOK, rec.Code)

	var stores []storeListItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stores))
	require.Len(t, stores, 2)

	byID := map[string]storeListItem{}
	for _, item := range stores {
		byID[item.StoreID] = item
	}

	assert.True(t, byID["101"].Report)
	assert.True(t, byID["101"].Map)
	assert.False(t, byID["101"].PDF)
	assert.NotNil(t, byID["101"].UpdatedAt)

	assert.Equal(t, "Store Lille", byID["202"].Name)
	assert.False(t, byID["202"].Report)
	assert.Nil(t, byID["202"].UpdatedAt)
}

func TestStaticReports(t *testing.T) {
	srv, _, cfg := setupTestServer(t)

	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Global.ReportsDir, "101"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.Global.ReportsDir, "101", "report.md"), []byte("# Store Lyon"), 0o644))

	rec := doRequest(t, srv, "/reports/101/report.md")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# Store Lyon")
}

func TestServerLifecycle(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ReportsDir: t.TempDir(),
			PDFDir:     t.TempDir(),
			MapsDir:    t.TempDir(),
		},
		API: &config.APIConfig{Listen: "127.0.0.1:0"},
	}

	store := docstore.NewStore(log, &config.DocstoreConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, store.Start(context.Background()))
	defer store.Stop() //nolint:errcheck

	ros, err := roster.Parse(strings.NewReader(testRosterCSV))
	require.NoError(t, err)

	srv := NewServer(log, cfg, store, ros)
	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, srv.Stop())
}
