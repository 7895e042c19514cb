// Package warehouse runs the per-store SQL extractions against Athena and
// materializes the results as CSV artifacts.
package warehouse

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"github.com/polcohq/polco/pkg/roster"
	"gopkg.in/yaml.v3"
)

// DefaultDateOffset is the month offset applied to date-windowed queries,
// keeping extractions aligned with the last closed accounting period.
const DefaultDateOffset = -3

// Query is one templated SQL extraction. The SQL body is a text/template
// rendered per store.
type Query struct {
	ID     string `yaml:"id"`
	Output string `yaml:"output"`
	SQL    string `yaml:"sql"`
}

// queryParams are the values available to query templates.
type queryParams struct {
	StoreID        string
	BusinessUnitID string
	DateOffset     int
}

// QuerySet is the ordered collection of queries loaded from the queries
// file.
type QuerySet struct {
	queries []Query
	byID    map[string]Query
}

type queriesFile struct {
	Queries []Query `yaml:"queries"`
}

// LoadQueries reads the queries YAML file at path.
func LoadQueries(path string) (*QuerySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading queries file: %w", err)
	}

	return ParseQueries(data)
}

// ParseQueries parses queries YAML content.
func ParseQueries(data []byte) (*QuerySet, error) {
	var file queriesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing queries file: %w", err)
	}

	if len(file.Queries) == 0 {
		return nil, fmt.Errorf("queries file defines no queries")
	}

	qs := &QuerySet{byID: make(map[string]Query, len(file.Queries))}

	for _, q := range file.Queries {
		if q.ID == "" {
			return nil, fmt.Errorf("query with empty id")
		}

		if q.SQL == "" {
			return nil, fmt.Errorf("query %s has no sql", q.ID)
		}

		if q.Output == "" {
			q.Output = q.ID
		}

		if _, exists := qs.byID[q.ID]; exists {
			return nil, fmt.Errorf("duplicate query id %q", q.ID)
		}

		// Fail at load time rather than mid-run.
		if _, err := template.New(q.ID).Parse(q.SQL); err != nil {
			return nil, fmt.Errorf("query %s has invalid template: %w", q.ID, err)
		}

		qs.queries = append(qs.queries, q)
		qs.byID[q.ID] = q
	}

	return qs, nil
}

// All returns every query in file order.
func (qs *QuerySet) All() []Query {
	out := make([]Query, len(qs.queries))
	copy(out, qs.queries)

	return out
}

// Get returns the query with the given id.
func (qs *QuerySet) Get(id string) (Query, bool) {
	q, ok := qs.byID[id]

	return q, ok
}

// Select returns the queries for the given ids in file order. Empty ids
// selects all queries.
func (qs *QuerySet) Select(ids []string) ([]Query, error) {
	if len(ids) == 0 {
		return qs.All(), nil
	}

	wanted := make(map[string]bool, len(ids))

	for _, id := range ids {
		if _, ok := qs.byID[id]; !ok {
			return nil, fmt.Errorf("unknown query id %q", id)
		}

		wanted[id] = true
	}

	selected := make([]Query, 0, len(wanted))

	for _, q := range qs.queries {
		if wanted[q.ID] {
			selected = append(selected, q)
		}
	}

	return selected, nil
}

// Render produces the SQL for a store.
func (q Query) Render(store roster.Store) (string, error) {
	tmpl, err := template.New(q.ID).Parse(q.SQL)
	if err != nil {
		return "", fmt.Errorf("parsing query %s: %w", q.ID, err)
	}

	var buf bytes.Buffer

	err = tmpl.Execute(&buf, queryParams{
		StoreID:        store.ID,
		BusinessUnitID: store.BusinessUnitID(),
		DateOffset:     DefaultDateOffset,
	})
	if err != nil {
		return "", fmt.Errorf("rendering query %s: %w", q.ID, err)
	}

	return buf.String(), nil
}
