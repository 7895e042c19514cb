package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/polcohq/polco/pkg/docstore"
	"github.com/polcohq/polco/pkg/fsutil"
	"github.com/polcohq/polco/pkg/pipeline"
	"github.com/polcohq/polco/pkg/render"
	"github.com/polcohq/polco/pkg/roster"
)

// mapArtifact is the filename of the store location map, referenced by the
// extracted report.
const mapArtifact = "map_overview.png"

// coordinatePair matches "45.7640, 4.8357" style coordinates in captation
// text, as prompt authors ask the oracle to emit for competitors.
var coordinatePair = regexp.MustCompile(`(-?\d{1,2}\.\d{3,8})\s*,\s*(-?\d{1,3}\.\d{3,8})`)

// GeoStage renders the store location map: geocode the address when the
// roster has no coordinates, collect competitor markers from the
// captation research and fetch a static map image.
type GeoStage struct {
	deps *Deps
}

// Compile-time interface check.
var _ pipeline.Stage = (*GeoStage)(nil)

// NewGeoStage creates the geo stage.
func NewGeoStage(deps *Deps) *GeoStage {
	return &GeoStage{deps: deps}
}

// Name implements pipeline.Stage.
func (s *GeoStage) Name() string { return "geo" }

// Prepare implements pipeline.Stage.
func (s *GeoStage) Prepare(_ context.Context) error {
	return fsutil.EnsureDir(s.deps.Config.Global.MapsDir)
}

// Policy implements pipeline.Stage.
func (s *GeoStage) Policy() pipeline.Policy {
	policy := s.deps.basePolicy()
	// Public geocoders throttle aggressively; keep requests serial.
	policy.Concurrency = 1

	return policy
}

// Tasks produces the single map task for a store.
func (s *GeoStage) Tasks(_ context.Context, store roster.Store) ([]pipeline.Task, error) {
	return []pipeline.Task{{
		Name: "map",
		Run: func(ctx context.Context) error {
			return s.renderMap(ctx, store)
		},
	}}, nil
}

// renderMap fetches and writes the store's map artifact, copying it next
// to the extracted report when one exists.
func (s *GeoStage) renderMap(ctx context.Context, store roster.Store) error {
	center, err := s.locate(ctx, store)
	if err != nil {
		return err
	}

	markers := s.competitorMarkers(ctx, store, center)

	image, err := s.deps.Maps.FetchStaticMap(ctx, center, markers)
	if err != nil {
		return err
	}

	mapDir := filepath.Join(s.deps.Config.Global.MapsDir, store.ID)
	if err := fsutil.EnsureDir(mapDir); err != nil {
		return err
	}

	mapPath := filepath.Join(mapDir, mapArtifact)
	if err := fsutil.WriteFileAtomic(mapPath, image, 0644); err != nil {
		return err
	}

	// The extracted report references the map by relative path.
	reportDir := filepath.Join(s.deps.Config.Global.ReportsDir, store.ID)
	if info, err := os.Stat(reportDir); err == nil && info.IsDir() {
		if err := fsutil.CopyFile(mapPath, filepath.Join(reportDir, mapArtifact)); err != nil {
			return err
		}
	}

	return nil
}

// locate resolves the store position, preferring roster coordinates over a
// geocoder round trip.
func (s *GeoStage) locate(ctx context.Context, store roster.Store) (render.Location, error) {
	if store.Latitude != 0 || store.Longitude != 0 {
		return render.Location{Latitude: store.Latitude, Longitude: store.Longitude}, nil
	}

	address := strings.TrimSpace(strings.Join([]string{store.Address, store.City}, ", "))
	if strings.Trim(address, ", ") == "" {
		return render.Location{}, fmt.Errorf("store %s has neither coordinates nor an address", store.ID)
	}

	return s.deps.Maps.Geocode(ctx, address)
}

// competitorMarkers extracts competitor coordinates from the store's
// captation document. A missing or unparseable document just means an
// unannotated map.
func (s *GeoStage) competitorMarkers(ctx context.Context, store roster.Store, center render.Location) []render.Marker {
	doc, err := s.deps.Docstore.GetDocument(ctx,
		s.deps.Config.Docstore.Collections.Captation, DataDocID(store.ID))
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			s.deps.Log.WithError(err).WithField("store", store.ID).
				Warn("Could not load captation document for map markers")
		}

		return nil
	}

	var captation CaptationDocument
	if err := doc.Decode(&captation); err != nil {
		return nil
	}

	var content strings.Builder
	for _, section := range captation.Sections {
		content.WriteString(section.Content)
		content.WriteString("\n")
	}

	return ParseMarkers(content.String(), center)
}

// ParseMarkers extracts coordinate pairs from captation text, dropping the
// store's own position and anything implausibly far from it.
func ParseMarkers(content string, center render.Location) []render.Marker {
	matches := coordinatePair.FindAllStringSubmatch(content, -1)

	var markers []render.Marker

	seen := make(map[string]bool)

	for _, match := range matches {
		lat, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			continue
		}

		lon, err := strconv.ParseFloat(match[2], 64)
		if err != nil {
			continue
		}

		// Competitors beyond roughly half a degree are noise, not
		// catchment-area neighbors.
		if abs(lat-center.Latitude) > 0.5 || abs(lon-center.Longitude) > 0.5 {
			continue
		}

		if lat == center.Latitude && lon == center.Longitude {
			continue
		}

		key := match[1] + "," + match[2]
		if seen[key] {
			continue
		}

		seen[key] = true

		markers = append(markers, render.Marker{
			Label:    fmt.Sprintf("competitor-%d", len(markers)+1),
			Location: render.Location{Latitude: lat, Longitude: lon},
		})
	}

	return markers
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}

	return v
}
