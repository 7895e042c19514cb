package stages

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/polcohq/polco/pkg/docstore"
	"github.com/polcohq/polco/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractStage(t *testing.T) {
	deps := testDeps(t)
	store := testStore()
	ctx := context.Background()

	analysis, err := docstore.NewDocument(deps.Config.Docstore.Collections.Analysis,
		AnalysisDocID(store.ID), AnalysisDocument{
			StoreID:   store.ID,
			StoreName: store.Name,
			Sections: map[string]string{
				"actions":   "Do things.",
				"contexte":  "The context.",
				"cibles":    "The targets.",
				"potentiel": "The potential.",
				"offre":     "The offer.",
			},
			Complete: true,
		})
	require.NoError(t, err)
	require.NoError(t, deps.Docstore.UpsertDocument(ctx, analysis))

	// A numeric warehouse export next to the store data becomes a chart.
	storeDir := filepath.Join(deps.Config.Global.DataDir, store.ID)
	require.NoError(t, os.MkdirAll(storeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, "FR_1183_ca.csv"),
		[]byte("rayon,ca\nRunning,12000\nCycling,8000\n"), 0o644))

	stage := NewExtractStage(deps)
	require.NoError(t, stage.Prepare(ctx))

	for _, err := range runTasks(t, stage, store) {
		require.NoError(t, err)
	}

	reportPath := filepath.Join(deps.Config.Global.ReportsDir, store.ID, "report.md")

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)

	report := string(data)
	assert.Contains(t, report, "# Store Lyon Part-Dieu")
	assert.Contains(t, report, "**Ville :** Lyon")

	// Sections in canonical order regardless of map iteration.
	idxContexte := strings.Index(report, "## Contexte et zone de chalandise")
	idxActions := strings.Index(report, "## Plan d'actions")
	require.Positive(t, idxContexte)
	require.Positive(t, idxActions)
	assert.Less(t, idxContexte, idxActions)

	assert.Contains(t, report, "![chart_FR_1183_ca](chart_FR_1183_ca.png)")
	assert.Contains(t, report, "map_overview.png")

	// Chart rendered from the export and copied next to the report.
	info, err := os.Stat(filepath.Join(deps.Config.Global.ReportsDir, store.ID, "chart_FR_1183_ca.png"))
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestExtractStage_NonNumericExportHasNoChart(t *testing.T) {
	deps := testDeps(t)
	store := testStore()
	ctx := context.Background()

	analysis, err := docstore.NewDocument(deps.Config.Docstore.Collections.Analysis,
		AnalysisDocID(store.ID), AnalysisDocument{
			StoreID:  store.ID,
			Sections: map[string]string{"contexte": "The context."},
		})
	require.NoError(t, err)
	require.NoError(t, deps.Docstore.UpsertDocument(ctx, analysis))

	storeDir := filepath.Join(deps.Config.Global.DataDir, store.ID)
	require.NoError(t, os.MkdirAll(storeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, "FR_1183_labels.csv"),
		[]byte("rayon,libelle\nRunning,Course a pied\n"), 0o644))

	stage := NewExtractStage(deps)
	require.NoError(t, stage.Prepare(ctx))

	for _, err := range runTasks(t, stage, store) {
		require.NoError(t, err)
	}

	data, err := os.ReadFile(filepath.Join(deps.Config.Global.ReportsDir, store.ID, "report.md"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "## Graphiques")
}

func TestExtractStage_MissingAnalysisIsPermanent(t *testing.T) {
	deps := testDeps(t)
	stage := NewExtractStage(deps)
	require.NoError(t, stage.Prepare(context.Background()))

	errs := runTasks(t, stage, testStore())
	require.Len(t, errs, 1)
	require.Error(t, errs[0])
	assert.True(t, retry.IsPermanent(errs[0]))
}
