package render

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/polcohq/polco/pkg/config"
	"github.com/polcohq/polco/pkg/retry"
	"github.com/sirupsen/logrus"
)

// Location is a geocoded point.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Marker is a labelled point drawn on a static map.
type Marker struct {
	Label string
	Location
}

// MapRenderer geocodes addresses and fetches static map images. Both
// endpoints are plain HTTP services (Nominatim-style geocoder, static map
// tile service).
type MapRenderer struct {
	log  logrus.FieldLogger
	cfg  *config.RendererConfig
	http *http.Client
}

// NewMapRenderer creates a map renderer from the configuration.
func NewMapRenderer(log logrus.FieldLogger, cfg *config.RendererConfig) *MapRenderer {
	return &MapRenderer{
		log:  log.WithField("component", "render/map"),
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// geocodeResult is the subset of the Nominatim response we use.
type geocodeResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocode resolves an address to coordinates. No match is permanent; the
// address will not start resolving on a retry.
func (m *MapRenderer) Geocode(ctx context.Context, address string) (Location, error) {
	endpoint := fmt.Sprintf("%s?q=%s&format=json&limit=1",
		m.cfg.GeocoderEndpoint, url.QueryEscape(address))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Location{}, retry.Permanent(fmt.Errorf("building geocode request: %w", err))
	}

	req.Header.Set("User-Agent", "polco-report-pipeline")

	resp, err := m.http.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("calling geocoder: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Location{}, fmt.Errorf("reading geocoder response: %w", err)
	}

	if err := classifyHTTPStatus("geocoder", resp.StatusCode); err != nil {
		return Location{}, err
	}

	var results []geocodeResult
	if err := json.Unmarshal(data, &results); err != nil {
		return Location{}, retry.Transient(fmt.Errorf("decoding geocoder response: %w", err))
	}

	if len(results) == 0 {
		return Location{}, retry.Permanent(fmt.Errorf("no geocoding match for %q", address))
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return Location{}, retry.Permanent(fmt.Errorf("parsing latitude: %w", err))
	}

	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return Location{}, retry.Permanent(fmt.Errorf("parsing longitude: %w", err))
	}

	return Location{Latitude: lat, Longitude: lon}, nil
}

// FetchStaticMap downloads a map image centered on the location with the
// given markers. The URL template uses {lat}, {lon} and {markers}
// placeholders.
func (m *MapRenderer) FetchStaticMap(ctx context.Context, center Location, markers []Marker) ([]byte, error) {
	endpoint := m.cfg.StaticMapURL
	endpoint = strings.ReplaceAll(endpoint, "{lat}", formatCoord(center.Latitude))
	endpoint = strings.ReplaceAll(endpoint, "{lon}", formatCoord(center.Longitude))
	endpoint = strings.ReplaceAll(endpoint, "{markers}", encodeMarkers(center, markers))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("building map request: %w", err))
	}

	req.Header.Set("User-Agent", "polco-report-pipeline")

	resp, err := m.http.Do(req)
	if err != nil {
		// Map tile services flake; let the retry layer have another go.
		return nil, retry.Transient(fmt.Errorf("fetching map: %w", err))
	}

	defer func() { _ = resp.Body.Close() }()

	if err := classifyHTTPStatus("map service", resp.StatusCode); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("reading map image: %w", err))
	}

	if len(data) == 0 {
		return nil, retry.Transient(fmt.Errorf("map service returned an empty image"))
	}

	m.log.WithField("bytes", len(data)).Debug("Map image fetched")

	return data, nil
}

// encodeMarkers renders the marker list as a pipe-separated lat,lon list,
// center first.
func encodeMarkers(center Location, markers []Marker) string {
	parts := make([]string, 0, len(markers)+1)
	parts = append(parts, formatCoord(center.Latitude)+","+formatCoord(center.Longitude))

	for _, marker := range markers {
		parts = append(parts, formatCoord(marker.Latitude)+","+formatCoord(marker.Longitude))
	}

	return url.QueryEscape(strings.Join(parts, "|"))
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// classifyHTTPStatus maps an HTTP status onto the retry taxonomy.
func classifyHTTPStatus(service string, status int) error {
	if status == http.StatusOK {
		return nil
	}

	err := fmt.Errorf("%s returned %d", service, status)

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return retry.Transient(err)
	default:
		return retry.Permanent(err)
	}
}
