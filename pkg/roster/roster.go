// Package roster loads the store reference data that scopes every pipeline
// run. The roster is read-only: stages receive Store values and never mutate
// them.
package roster

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Store is one retail store from the roster.
type Store struct {
	ID          string
	Name        string
	City        string
	Address     string
	CountryName string
	Latitude    float64
	Longitude   float64
}

// Roster is the immutable set of known stores, in file order.
type Roster struct {
	stores []Store
	byID   map[string]Store
}

// Filter narrows a roster to the scope of one invocation.
type Filter struct {
	StoreID string   // single store id; wins over IDs
	IDs     []string // explicit list of store ids
	Limit   int      // first N stores; 0 = no limit
	Test    bool     // first store only
}

// Load reads the roster CSV at path. Required headers: store_id and
// store_name; ville, adresse, country_name, latitude and longitude are
// optional.
func Load(path string) (*Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening roster: %w", err)
	}

	defer func() { _ = f.Close() }()

	return Parse(f)
}

// Parse reads roster CSV content from r.
func Parse(r io.Reader) (*Roster, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading roster header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}

	for _, required := range []string{"store_id", "store_name"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("roster is missing required column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}

		return strings.TrimSpace(row[i])
	}

	ros := &Roster{byID: make(map[string]Store)}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("reading roster row: %w", err)
		}

		id := field(row, "store_id")
		if id == "" {
			continue
		}

		if _, exists := ros.byID[id]; exists {
			return nil, fmt.Errorf("duplicate store id %q in roster", id)
		}

		store := Store{
			ID:          id,
			Name:        field(row, "store_name"),
			City:        field(row, "ville"),
			Address:     field(row, "adresse"),
			CountryName: field(row, "country_name"),
		}

		if lat := field(row, "latitude"); lat != "" {
			store.Latitude, _ = strconv.ParseFloat(lat, 64)
		}

		if lon := field(row, "longitude"); lon != "" {
			store.Longitude, _ = strconv.ParseFloat(lon, 64)
		}

		ros.stores = append(ros.stores, store)
		ros.byID[id] = store
	}

	if len(ros.stores) == 0 {
		return nil, fmt.Errorf("roster contains no stores")
	}

	return ros, nil
}

// Len returns the number of stores in the roster.
func (r *Roster) Len() int {
	return len(r.stores)
}

// Get returns the store with the given id.
func (r *Roster) Get(id string) (Store, bool) {
	s, ok := r.byID[id]

	return s, ok
}

// All returns every store in roster order.
func (r *Roster) All() []Store {
	out := make([]Store, len(r.stores))
	copy(out, r.stores)

	return out
}

// IDs returns every store id in roster order.
func (r *Roster) IDs() []string {
	ids := make([]string, len(r.stores))
	for i, s := range r.stores {
		ids[i] = s.ID
	}

	return ids
}

// Select applies a scope filter and returns the matching stores in roster
// order. Unknown ids are an error so a typo'd --store-id fails loudly
// instead of producing an empty run.
func (r *Roster) Select(f Filter) ([]Store, error) {
	var selected []Store

	switch {
	case f.StoreID != "":
		s, ok := r.byID[f.StoreID]
		if !ok {
			return nil, fmt.Errorf("unknown store id %q", f.StoreID)
		}

		selected = []Store{s}
	case len(f.IDs) > 0:
		selected = make([]Store, 0, len(f.IDs))

		for _, id := range f.IDs {
			s, ok := r.byID[id]
			if !ok {
				return nil, fmt.Errorf("unknown store id %q", id)
			}

			selected = append(selected, s)
		}
	default:
		selected = r.All()
	}

	if f.Test && len(selected) > 1 {
		selected = selected[:1]
	}

	if f.Limit > 0 && len(selected) > f.Limit {
		selected = selected[:f.Limit]
	}

	return selected, nil
}

// BusinessUnitID returns the warehouse business unit identifier for a store.
func (s Store) BusinessUnitID() string {
	return fmt.Sprintf("7-%s-%s", s.ID, s.ID)
}
