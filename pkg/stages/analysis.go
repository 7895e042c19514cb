package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polcohq/polco/pkg/docstore"
	"github.com/polcohq/polco/pkg/oracle"
	"github.com/polcohq/polco/pkg/pipeline"
	"github.com/polcohq/polco/pkg/retry"
	"github.com/polcohq/polco/pkg/roster"
)

// analysisSections are the five report sections, in report order. Each
// maps to a prompt file <id>.md in the sections directory.
var analysisSections = []string{
	"contexte",
	"cibles",
	"potentiel",
	"offre",
	"actions",
}

// AnalysisStage writes the five-section commercial analysis for each
// store by prompting the oracle with the store's warehouse data and
// captation research.
type AnalysisStage struct {
	deps           *Deps
	sectionPrompts map[string]string

	mu      sync.Mutex
	results map[string]*AnalysisDocument
}

// Compile-time interface checks.
var (
	_ pipeline.Stage          = (*AnalysisStage)(nil)
	_ pipeline.SkipCheck      = (*AnalysisStage)(nil)
	_ pipeline.StoreFinalizer = (*AnalysisStage)(nil)
)

// NewAnalysisStage creates the analysis stage.
func NewAnalysisStage(deps *Deps) *AnalysisStage {
	return &AnalysisStage{
		deps:    deps,
		results: make(map[string]*AnalysisDocument),
	}
}

// Name implements pipeline.Stage.
func (s *AnalysisStage) Name() string { return "analysis" }

// Prepare loads the five section prompt files.
func (s *AnalysisStage) Prepare(_ context.Context) error {
	s.sectionPrompts = make(map[string]string, len(analysisSections))

	for _, section := range analysisSections {
		path := filepath.Join(s.deps.Config.Prompts.SectionsDir, section+".md")

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading section prompt %s: %w", section, err)
		}

		if len(strings.TrimSpace(string(data))) == 0 {
			return fmt.Errorf("section prompt %s is empty", section)
		}

		s.sectionPrompts[section] = string(data)
	}

	return nil
}

// Policy implements pipeline.Stage.
func (s *AnalysisStage) Policy() pipeline.Policy {
	return s.deps.basePolicy()
}

// ShouldSkip resumes past stores whose analysis is already complete.
func (s *AnalysisStage) ShouldSkip(ctx context.Context, store roster.Store) (bool, string) {
	doc, err := s.deps.Docstore.GetDocument(ctx,
		s.deps.Config.Docstore.Collections.Analysis, AnalysisDocID(store.ID))
	if err != nil {
		return false, ""
	}

	var analysis AnalysisDocument
	if err := doc.Decode(&analysis); err != nil {
		return false, ""
	}

	if analysis.Complete && len(analysis.Sections) == len(analysisSections) {
		return true, "analysis already complete"
	}

	return false, ""
}

// Tasks produces one oracle task per analysis section. The store's data
// and captation documents are loaded up front; a store without them
// cannot be analyzed at all.
func (s *AnalysisStage) Tasks(ctx context.Context, store roster.Store) ([]pipeline.Task, error) {
	lang, err := s.deps.storeLanguage(store)
	if err != nil {
		return nil, err
	}

	data, captation, err := s.loadSourceDocuments(ctx, store)
	if err != nil {
		return nil, err
	}

	analysisContext := buildAnalysisContext(store, data, captation)

	s.mu.Lock()
	s.results[store.ID] = &AnalysisDocument{
		StoreID:   store.ID,
		StoreName: store.Name,
		Language:  lang,
		Sections:  make(map[string]string, len(analysisSections)),
	}
	s.mu.Unlock()

	tasks := make([]pipeline.Task, 0, len(analysisSections))

	for _, section := range analysisSections {
		tasks = append(tasks, pipeline.Task{
			Name: section,
			Run: func(ctx context.Context) error {
				return s.runSection(ctx, store, section, lang, analysisContext)
			},
		})
	}

	return tasks, nil
}

// runSection generates one analysis section.
func (s *AnalysisStage) runSection(ctx context.Context, store roster.Store, section, lang, analysisContext string) error {
	prompt := s.sectionPrompts[section] + "\n\n---\n\n" + analysisContext

	content, err := s.deps.Oracle.Generate(ctx, oracle.Request{
		System: fmt.Sprintf("You are a senior retail strategy analyst. Write in %s, in markdown.", lang),
		Prompt: prompt,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.results[store.ID].Sections[section] = content
	s.mu.Unlock()

	return nil
}

// FinalizeStore upserts the assembled analysis document. Complete is only
// set when every section was produced, so a partially analyzed store is
// re-attempted on the next run instead of being resumed past.
func (s *AnalysisStage) FinalizeStore(ctx context.Context, store roster.Store) error {
	s.mu.Lock()
	result := s.results[store.ID]
	s.mu.Unlock()

	if result == nil {
		return fmt.Errorf("no analysis results collected for store %s", store.ID)
	}

	result.Complete = len(result.Sections) == len(analysisSections)
	result.UpdatedAt = time.Now()

	document, err := docstore.NewDocument(
		s.deps.Config.Docstore.Collections.Analysis, AnalysisDocID(store.ID), *result)
	if err != nil {
		return err
	}

	return s.deps.Docstore.UpsertDocument(ctx, document)
}

// loadSourceDocuments fetches the upload and captation outputs a store's
// analysis is grounded on. Missing sources are permanent: retrying will
// not make them appear within this run.
func (s *AnalysisStage) loadSourceDocuments(ctx context.Context, store roster.Store) (*StoreDataDocument, *CaptationDocument, error) {
	collections := s.deps.Config.Docstore.Collections

	dataDoc, err := s.deps.Docstore.GetDocument(ctx, collections.Data, DataDocID(store.ID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil, retry.Permanent(fmt.Errorf("store %s has no uploaded data", store.ID))
		}

		return nil, nil, err
	}

	var data StoreDataDocument
	if err := dataDoc.Decode(&data); err != nil {
		return nil, nil, err
	}

	captationDoc, err := s.deps.Docstore.GetDocument(ctx, collections.Captation, DataDocID(store.ID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			// Captation is enriching but not mandatory.
			return &data, nil, nil
		}

		return nil, nil, err
	}

	var captation CaptationDocument
	if err := captationDoc.Decode(&captation); err != nil {
		return nil, nil, err
	}

	return &data, &captation, nil
}

// buildAnalysisContext assembles the grounding material handed to every
// section prompt.
func buildAnalysisContext(store roster.Store, data *StoreDataDocument, captation *CaptationDocument) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Magasin %s (%s)\n\n", store.Name, store.ID)

	if store.City != "" {
		fmt.Fprintf(&b, "Ville: %s\n", store.City)
	}

	if store.Address != "" {
		fmt.Fprintf(&b, "Adresse: %s\n", store.Address)
	}

	b.WriteString("\n## Donnees magasin\n\n")

	// Stable file order keeps the prompt context identical across re-runs.
	names := make([]string, 0, len(data.Files))

	for name := range data.Files {
		if strings.HasSuffix(name, ".csv") {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintf(&b, "### %s\n\n```csv\n%s\n```\n\n", name, strings.TrimSpace(data.Files[name]))
	}

	if captation != nil {
		b.WriteString("## Captation locale\n\n")

		for _, section := range captation.Sections {
			fmt.Fprintf(&b, "### %s\n\n%s\n\n", section.Title, strings.TrimSpace(section.Content))
		}
	}

	return b.String()
}
