package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/polcohq/polco/pkg/fsutil"
	"github.com/polcohq/polco/pkg/pipeline"
	"github.com/polcohq/polco/pkg/retry"
	"github.com/polcohq/polco/pkg/roster"
)

// PDFStage renders each store's markdown report to a PDF via the
// configured headless browser.
type PDFStage struct {
	deps *Deps
}

// Compile-time interface check.
var _ pipeline.Stage = (*PDFStage)(nil)

// NewPDFStage creates the pdf stage.
func NewPDFStage(deps *Deps) *PDFStage {
	return &PDFStage{deps: deps}
}

// Name implements pipeline.Stage.
func (s *PDFStage) Name() string { return "pdf" }

// Prepare implements pipeline.Stage.
func (s *PDFStage) Prepare(_ context.Context) error {
	return fsutil.EnsureDir(s.deps.Config.Global.PDFDir)
}

// Policy implements pipeline.Stage.
func (s *PDFStage) Policy() pipeline.Policy {
	policy := s.deps.basePolicy()
	// One browser process at a time keeps memory in check on the
	// pipeline host.
	policy.Concurrency = 1

	return policy
}

// PDFName returns the PDF filename for a store.
func PDFName(store roster.Store) string {
	return fmt.Sprintf("FR_%s_%s.pdf", store.ID, slugify(store.Name))
}

// Tasks produces the single conversion task for a store.
func (s *PDFStage) Tasks(_ context.Context, store roster.Store) ([]pipeline.Task, error) {
	return []pipeline.Task{{
		Name: "convert",
		Run: func(ctx context.Context) error {
			return s.convert(ctx, store)
		},
	}}, nil
}

// convert reads the store's report markdown and writes the PDF,
// overwriting any previous version.
func (s *PDFStage) convert(ctx context.Context, store roster.Store) error {
	reportPath := filepath.Join(s.deps.Config.Global.ReportsDir, store.ID, "report.md")

	source, err := os.ReadFile(reportPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return retry.Permanent(fmt.Errorf("store %s has no extracted report", store.ID))
		}

		return err
	}

	lang, err := s.deps.storeLanguage(store)
	if err != nil {
		return retry.Permanent(err)
	}

	pdfPath := filepath.Join(s.deps.Config.Global.PDFDir, PDFName(store))

	return s.deps.Converter.ConvertMarkdown(ctx, source, store.Name, langCode(lang), pdfPath)
}

// langCode maps a narrative language to its HTML lang attribute.
func langCode(language string) string {
	codes := map[string]string{
		"french":     "fr",
		"spanish":    "es",
		"italian":    "it",
		"german":     "de",
		"portuguese": "pt",
		"english":    "en",
		"dutch":      "nl",
		"polish":     "pl",
	}

	if code, ok := codes[language]; ok {
		return code
	}

	return "fr"
}
