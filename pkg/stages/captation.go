package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polcohq/polco/pkg/docstore"
	"github.com/polcohq/polco/pkg/fsutil"
	"github.com/polcohq/polco/pkg/oracle"
	"github.com/polcohq/polco/pkg/pipeline"
	"github.com/polcohq/polco/pkg/roster"
	"github.com/sirupsen/logrus"
)

// CaptationStage researches each store's local market by running the
// numbered captation prompts through the search-grounded oracle. Each
// answer lands as a markdown artifact and the merged set as the store's
// captation document.
type CaptationStage struct {
	deps    *Deps
	prompts []CaptationPrompt

	mu      sync.Mutex
	answers map[string]map[int]CaptationSection
	langs   map[string]string
}

// Compile-time interface checks.
var (
	_ pipeline.Stage          = (*CaptationStage)(nil)
	_ pipeline.StoreFinalizer = (*CaptationStage)(nil)
)

// NewCaptationStage creates the captation stage.
func NewCaptationStage(deps *Deps) *CaptationStage {
	return &CaptationStage{
		deps:    deps,
		answers: make(map[string]map[int]CaptationSection),
		langs:   make(map[string]string),
	}
}

// Name implements pipeline.Stage.
func (s *CaptationStage) Name() string { return "captation" }

// Prepare loads the captation prompt file.
func (s *CaptationStage) Prepare(_ context.Context) error {
	prompts, err := LoadCaptationPrompts(s.deps.Config.Prompts.CaptationFile)
	if err != nil {
		return err
	}

	if len(prompts) != expectedCaptationPrompts {
		s.deps.Log.WithFields(logrus.Fields{
			"expected": expectedCaptationPrompts,
			"found":    len(prompts),
		}).Warn("Unexpected captation prompt count")
	}

	s.prompts = prompts

	return nil
}

// Policy implements pipeline.Stage.
func (s *CaptationStage) Policy() pipeline.Policy {
	return s.deps.basePolicy()
}

// Tasks produces one oracle task per captation prompt.
func (s *CaptationStage) Tasks(_ context.Context, store roster.Store) ([]pipeline.Task, error) {
	lang, err := s.deps.storeLanguage(store)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.answers[store.ID] = make(map[int]CaptationSection, len(s.prompts))
	s.langs[store.ID] = lang
	s.mu.Unlock()

	tasks := make([]pipeline.Task, 0, len(s.prompts))

	for _, prompt := range s.prompts {
		tasks = append(tasks, pipeline.Task{
			Name: fmt.Sprintf("prompt-%d", prompt.Number),
			Run: func(ctx context.Context) error {
				return s.runPrompt(ctx, store, prompt, lang)
			},
		})
	}

	return tasks, nil
}

// runPrompt answers one prompt for one store and writes its artifact.
func (s *CaptationStage) runPrompt(ctx context.Context, store roster.Store, prompt CaptationPrompt, lang string) error {
	content, err := s.deps.Oracle.Generate(ctx, oracle.Request{
		Model:     s.deps.Config.Oracle.CaptationModel,
		System:    captationSystemPrompt(lang),
		Prompt:    renderPromptBody(prompt.Body, store),
		UseSearch: true,
	})
	if err != nil {
		return err
	}

	storeDir := filepath.Join(s.deps.Config.Global.DataDir, store.ID)
	artifact := filepath.Join(storeDir, fmt.Sprintf("captation_%d_%s.md", prompt.Number, prompt.Slug()))

	if err := writeMarkdownArtifact(artifact, content); err != nil {
		return err
	}

	s.mu.Lock()
	s.answers[store.ID][prompt.Number] = CaptationSection{
		Number:  prompt.Number,
		Title:   prompt.Title,
		Content: content,
	}
	s.mu.Unlock()

	return nil
}

// FinalizeStore merges the store's answered prompts into its captation
// document.
func (s *CaptationStage) FinalizeStore(ctx context.Context, store roster.Store) error {
	s.mu.Lock()
	answers := s.answers[store.ID]
	lang := s.langs[store.ID]
	s.mu.Unlock()

	if len(answers) == 0 {
		return fmt.Errorf("no captation answers collected for store %s", store.ID)
	}

	doc := CaptationDocument{
		StoreID:   store.ID,
		Language:  lang,
		UpdatedAt: time.Now(),
	}

	for _, section := range answers {
		doc.Sections = append(doc.Sections, section)
	}

	sort.Slice(doc.Sections, func(i, j int) bool {
		return doc.Sections[i].Number < doc.Sections[j].Number
	})

	document, err := docstore.NewDocument(
		s.deps.Config.Docstore.Collections.Captation, DataDocID(store.ID), doc)
	if err != nil {
		return err
	}

	return s.deps.Docstore.UpsertDocument(ctx, document)
}

// captationSystemPrompt frames the research persona in the store's
// language.
func captationSystemPrompt(lang string) string {
	return fmt.Sprintf(
		"You are a retail market researcher. Answer in %s, in markdown, citing concrete local facts.",
		lang)
}

// renderPromptBody substitutes the store placeholders the prompt authors
// use.
func renderPromptBody(body string, store roster.Store) string {
	replacer := strings.NewReplacer(
		"{store_name}", store.Name,
		"{store_city}", store.City,
		"{store_address}", store.Address,
		"{store_id}", store.ID,
	)

	return replacer.Replace(body)
}

// writeMarkdownArtifact writes a stage output file, creating its directory.
func writeMarkdownArtifact(path, content string) error {
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	return fsutil.WriteFileAtomic(path, []byte(content), 0644)
}
