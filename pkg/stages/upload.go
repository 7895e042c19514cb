package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/polcohq/polco/pkg/docstore"
	"github.com/polcohq/polco/pkg/fsutil"
	"github.com/polcohq/polco/pkg/pipeline"
	"github.com/polcohq/polco/pkg/roster"
	"github.com/polcohq/polco/pkg/warehouse"
)

// uploadMinSuccessRatio is the fraction of query exports that must succeed
// for a store to stay in the run. A store with most of its data present
// still yields a usable report.
const uploadMinSuccessRatio = 0.5

// UploadStage runs the warehouse extractions for each store, exports them
// as CSV artifacts and consolidates them into the store's data document.
type UploadStage struct {
	deps     *Deps
	queryIDs []string
}

// Compile-time interface checks.
var (
	_ pipeline.Stage          = (*UploadStage)(nil)
	_ pipeline.StoreFinalizer = (*UploadStage)(nil)
)

// NewUploadStage creates the upload stage. queryIDs optionally restricts
// the run to a subset of the configured queries.
func NewUploadStage(deps *Deps, queryIDs []string) *UploadStage {
	return &UploadStage{deps: deps, queryIDs: queryIDs}
}

// Name implements pipeline.Stage.
func (s *UploadStage) Name() string { return "upload" }

// Prepare validates the query selection before any store runs.
func (s *UploadStage) Prepare(_ context.Context) error {
	if _, err := s.deps.Queries.Select(s.queryIDs); err != nil {
		return err
	}

	return fsutil.EnsureDir(s.deps.Config.Global.DataDir)
}

// Policy implements pipeline.Stage.
func (s *UploadStage) Policy() pipeline.Policy {
	policy := s.deps.basePolicy()
	policy.MinSuccessRatio = uploadMinSuccessRatio

	return policy
}

// Tasks produces one export task per selected query.
func (s *UploadStage) Tasks(_ context.Context, store roster.Store) ([]pipeline.Task, error) {
	queries, err := s.deps.Queries.Select(s.queryIDs)
	if err != nil {
		return nil, err
	}

	storeDir := filepath.Join(s.deps.Config.Global.DataDir, store.ID)

	tasks := make([]pipeline.Task, 0, len(queries))

	for _, query := range queries {
		tasks = append(tasks, pipeline.Task{
			Name: query.ID,
			Run: func(ctx context.Context) error {
				return s.exportQuery(ctx, query, store, storeDir)
			},
		})
	}

	return tasks, nil
}

// exportQuery renders, executes and materializes a single query.
func (s *UploadStage) exportQuery(ctx context.Context, query warehouse.Query, store roster.Store, storeDir string) error {
	sql, err := query.Render(store)
	if err != nil {
		// A template that fails for this store will fail every attempt.
		return fmt.Errorf("rendering %s: %w", query.ID, err)
	}

	rs, err := s.deps.Warehouse.Execute(ctx, sql)
	if err != nil {
		return err
	}

	if _, err := warehouse.WriteCSV(storeDir, store.ID, query.Output, rs); err != nil {
		return err
	}

	return nil
}

// FinalizeStore merges the store's CSV exports and any captation markdown
// already on disk into the store data document.
func (s *UploadStage) FinalizeStore(ctx context.Context, store roster.Store) error {
	storeDir := filepath.Join(s.deps.Config.Global.DataDir, store.ID)

	entries, err := os.ReadDir(storeDir)
	if err != nil {
		return fmt.Errorf("reading store dir: %w", err)
	}

	doc := StoreDataDocument{
		StoreID:   store.ID,
		StoreName: store.Name,
		Files:     make(map[string]string),
		UpdatedAt: time.Now(),
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		isCSV := strings.HasSuffix(name, ".csv")
		isCaptation := strings.HasPrefix(name, "captation_") && strings.HasSuffix(name, ".md")

		if !isCSV && !isCaptation {
			continue
		}

		content, err := os.ReadFile(filepath.Join(storeDir, name))
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}

		doc.Files[name] = string(content)

		if isCSV {
			doc.CSVCount++
		}
	}

	doc.FileCount = len(doc.Files)

	if doc.CSVCount == 0 {
		return fmt.Errorf("no csv exports found for store %s", store.ID)
	}

	document, err := docstore.NewDocument(s.deps.Config.Docstore.Collections.Data, DataDocID(store.ID), doc)
	if err != nil {
		return err
	}

	return s.deps.Docstore.UpsertDocument(ctx, document)
}
