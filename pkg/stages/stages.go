// Package stages implements the six steps of the report pipeline: upload,
// captation, analysis, extract, pdf and geo. Each stage satisfies the
// pipeline.Stage interface and records its output either as files under
// the artifact directories or as keyed documents in the docstore.
package stages

import (
	"fmt"
	"strings"
	"time"

	"github.com/polcohq/polco/pkg/config"
	"github.com/polcohq/polco/pkg/docstore"
	"github.com/polcohq/polco/pkg/oracle"
	"github.com/polcohq/polco/pkg/pipeline"
	"github.com/polcohq/polco/pkg/render"
	"github.com/polcohq/polco/pkg/roster"
	"github.com/polcohq/polco/pkg/warehouse"
	"github.com/sirupsen/logrus"
)

// Deps bundles the shared dependencies the stages draw from.
type Deps struct {
	Log       logrus.FieldLogger
	Config    *config.Config
	Docstore  docstore.Store
	Warehouse warehouse.Executor
	Queries   *warehouse.QuerySet
	Oracle    oracle.Generator
	Converter *render.Converter
	Maps      *render.MapRenderer
}

// Build returns the full pipeline in execution order.
func Build(deps *Deps, queryIDs []string) []pipeline.Stage {
	return []pipeline.Stage{
		NewUploadStage(deps, queryIDs),
		NewCaptationStage(deps),
		NewAnalysisStage(deps),
		NewExtractStage(deps),
		NewPDFStage(deps),
		NewGeoStage(deps),
	}
}

// basePolicy derives the stage execution policy from the pipeline config.
func (d *Deps) basePolicy() pipeline.Policy {
	return pipeline.Policy{
		Concurrency: d.Config.Pipeline.Concurrency,
		TaskTimeout: d.Config.Pipeline.TaskTimeout,
		Retry:       d.Config.Pipeline.Retry,
	}
}

// StoreDataDocument is the consolidated warehouse export for one store,
// upserted to the data collection after the upload stage.
type StoreDataDocument struct {
	StoreID   string            `json:"store_id"`
	StoreName string            `json:"store_name"`
	Files     map[string]string `json:"files"`
	FileCount int               `json:"file_count"`
	CSVCount  int               `json:"csv_count"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CaptationSection is one answered captation prompt.
type CaptationSection struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// CaptationDocument is the merged captation research for one store.
type CaptationDocument struct {
	StoreID   string             `json:"store_id"`
	Language  string             `json:"language"`
	Sections  []CaptationSection `json:"sections"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// AnalysisDocument is the five-section commercial analysis for one store.
type AnalysisDocument struct {
	StoreID   string            `json:"store_id"`
	StoreName string            `json:"store_name"`
	Language  string            `json:"language"`
	Sections  map[string]string `json:"sections"`
	Complete  bool              `json:"complete"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// DataDocID returns the data/captation collection document id for a store.
func DataDocID(storeID string) string {
	return "store_" + storeID
}

// AnalysisDocID returns the analysis collection document id for a store.
func AnalysisDocID(storeID string) string {
	return "analyzer_" + storeID
}

// slugify reduces a title to a filesystem-safe lowercase token.
func slugify(s string) string {
	var b strings.Builder

	lastUnderscore := false

	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)

			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
			}

			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

// storeLanguage resolves the narrative language for a store, honoring the
// configured fallback. An unknown locale without a fallback is an error.
func (d *Deps) storeLanguage(store roster.Store) (string, error) {
	lang, ok := store.Language(d.Config.Roster.DefaultLanguage)
	if !ok {
		return "", fmt.Errorf("unknown locale for store %s (country %q) and no default language configured",
			store.ID, store.CountryName)
	}

	return lang, nil
}
