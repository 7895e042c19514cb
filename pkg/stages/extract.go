package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/polcohq/polco/pkg/docstore"
	"github.com/polcohq/polco/pkg/fsutil"
	"github.com/polcohq/polco/pkg/pipeline"
	"github.com/polcohq/polco/pkg/render"
	"github.com/polcohq/polco/pkg/retry"
	"github.com/polcohq/polco/pkg/roster"
)

// sectionTitles maps section ids to their report headings.
var sectionTitles = map[string]string{
	"contexte":  "Contexte et zone de chalandise",
	"cibles":    "Cibles et clientele",
	"potentiel": "Potentiel commercial",
	"offre":     "Offre et assortiment",
	"actions":   "Plan d'actions",
}

// ExtractStage assembles each store's analysis document into a single
// Markdown report and gathers the chart images it references.
type ExtractStage struct {
	deps *Deps
}

// Compile-time interface check.
var _ pipeline.Stage = (*ExtractStage)(nil)

// NewExtractStage creates the extract stage.
func NewExtractStage(deps *Deps) *ExtractStage {
	return &ExtractStage{deps: deps}
}

// Name implements pipeline.Stage.
func (s *ExtractStage) Name() string { return "extract" }

// Prepare implements pipeline.Stage.
func (s *ExtractStage) Prepare(_ context.Context) error {
	return fsutil.EnsureDir(s.deps.Config.Global.ReportsDir)
}

// Policy implements pipeline.Stage.
func (s *ExtractStage) Policy() pipeline.Policy {
	policy := s.deps.basePolicy()
	// Report assembly is local file work; one task per store.
	policy.Concurrency = 1

	return policy
}

// Tasks produces the single assembly task for a store.
func (s *ExtractStage) Tasks(_ context.Context, store roster.Store) ([]pipeline.Task, error) {
	return []pipeline.Task{{
		Name: "assemble",
		Run: func(ctx context.Context) error {
			return s.assembleReport(ctx, store)
		},
	}}, nil
}

// assembleReport writes reports/<store>/report.md from the analysis
// document and copies chart images exported alongside the store data.
func (s *ExtractStage) assembleReport(ctx context.Context, store roster.Store) error {
	doc, err := s.deps.Docstore.GetDocument(ctx,
		s.deps.Config.Docstore.Collections.Analysis, AnalysisDocID(store.ID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return retry.Permanent(fmt.Errorf("store %s has no analysis document", store.ID))
		}

		return err
	}

	var analysis AnalysisDocument
	if err := doc.Decode(&analysis); err != nil {
		return retry.Permanent(err)
	}

	if len(analysis.Sections) == 0 {
		return retry.Permanent(fmt.Errorf("analysis document for store %s has no sections", store.ID))
	}

	reportDir := filepath.Join(s.deps.Config.Global.ReportsDir, store.ID)

	if err := s.generateCharts(store); err != nil {
		return err
	}

	charts, err := s.copyCharts(store, reportDir)
	if err != nil {
		return err
	}

	report := renderReport(store, &analysis, charts)

	return writeMarkdownArtifact(filepath.Join(reportDir, "report.md"), report)
}

// generateCharts renders a bar chart beside each CSV export carrying a
// numeric column. Exports without a chartable series are skipped.
func (s *ExtractStage) generateCharts(store roster.Store) error {
	dataDir := filepath.Join(s.deps.Config.Global.DataDir, store.ID)

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("reading data dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}

		data, ok, err := render.ChartFromCSV(filepath.Join(dataDir, name))
		if err != nil {
			s.deps.Log.WithError(err).WithField("file", name).
				Warn("Skipping chart for unreadable export")

			continue
		}

		if !ok {
			continue
		}

		out := filepath.Join(dataDir, "chart_"+strings.TrimSuffix(name, ".csv")+".png")
		if err := render.RenderBarChart(data, out); err != nil {
			return fmt.Errorf("rendering chart for %s: %w", name, err)
		}
	}

	return nil
}

// copyCharts copies chart images from the store's data directory next to
// the report so relative references resolve.
func (s *ExtractStage) copyCharts(store roster.Store, reportDir string) ([]string, error) {
	dataDir := filepath.Join(s.deps.Config.Global.DataDir, store.ID)

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading data dir: %w", err)
	}

	var charts []string

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".png") {
			continue
		}

		if err := fsutil.EnsureDir(reportDir); err != nil {
			return nil, err
		}

		src := filepath.Join(dataDir, name)
		if err := fsutil.CopyFile(src, filepath.Join(reportDir, name)); err != nil {
			return nil, err
		}

		charts = append(charts, name)
	}

	return charts, nil
}

// renderReport produces the final report markdown: title block, sections
// in canonical order, then chart and map references.
func renderReport(store roster.Store, analysis *AnalysisDocument, charts []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", store.Name)

	if store.City != "" {
		fmt.Fprintf(&b, "**Ville :** %s  \n", store.City)
	}

	if store.Address != "" {
		fmt.Fprintf(&b, "**Adresse :** %s  \n", store.Address)
	}

	fmt.Fprintf(&b, "**Magasin :** %s  \n", store.ID)
	fmt.Fprintf(&b, "**Date :** %s\n\n", time.Now().Format("02/01/2006"))

	for _, section := range analysisSections {
		content, ok := analysis.Sections[section]
		if !ok {
			continue
		}

		fmt.Fprintf(&b, "## %s\n\n%s\n\n", sectionTitles[section], strings.TrimSpace(content))
	}

	if len(charts) > 0 {
		b.WriteString("## Graphiques\n\n")

		for _, chart := range charts {
			fmt.Fprintf(&b, "![%s](%s)\n\n", strings.TrimSuffix(chart, ".png"), chart)
		}
	}

	b.WriteString("## Localisation\n\n![Zone de chalandise](map_overview.png)\n")

	return b.String()
}
