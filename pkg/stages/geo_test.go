package stages

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/polcohq/polco/pkg/config"
	"github.com/polcohq/polco/pkg/docstore"
	"github.com/polcohq/polco/pkg/render"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarkers(t *testing.T) {
	center := render.Location{Latitude: 45.7640, Longitude: 4.8357}

	content := `
Local competitors:
- Sport 2000 (45.7712, 4.8401)
- Intersport at 45.7555, 4.8212
- Duplicate mention 45.7712, 4.8401
- Some shop in Paris (48.8566, 2.3522)
Turnover grew 12.5, 13.2 percent year over year.
`

	markers := ParseMarkers(content, center)

	require.Len(t, markers, 2, "duplicates and far-away points dropped")
	assert.InDelta(t, 45.7712, markers[0].Latitude, 0.0001)
	assert.InDelta(t, 45.7555, markers[1].Latitude, 0.0001)
}

func TestParseMarkers_Empty(t *testing.T) {
	markers := ParseMarkers("no coordinates here", render.Location{Latitude: 45, Longitude: 4})
	assert.Empty(t, markers)
}

func TestGeoStage(t *testing.T) {
	deps := testDeps(t)

	mapSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer mapSrv.Close()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	deps.Maps = render.NewMapRenderer(log, &config.RendererConfig{
		StaticMapURL: mapSrv.URL + "/map?center={lat},{lon}&markers={markers}",
	})

	store := testStore()
	ctx := context.Background()

	captation, err := docstore.NewDocument(deps.Config.Docstore.Collections.Captation,
		DataDocID(store.ID), CaptationDocument{
			StoreID: store.ID,
			Sections: []CaptationSection{
				{Number: 3, Title: "Concurrence locale", Content: "Sport 2000 at 45.7712, 4.8401"},
			},
		})
	require.NoError(t, err)
	require.NoError(t, deps.Docstore.UpsertDocument(ctx, captation))

	// An extracted report exists; the map should be copied next to it.
	reportDir := filepath.Join(deps.Config.Global.ReportsDir, store.ID)
	require.NoError(t, os.MkdirAll(reportDir, 0o755))

	stage := NewGeoStage(deps)
	require.NoError(t, stage.Prepare(ctx))

	for _, err := range runTasks(t, stage, store) {
		require.NoError(t, err)
	}

	mapPath := filepath.Join(deps.Config.Global.MapsDir, store.ID, "map_overview.png")

	data, err := os.ReadFile(mapPath)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	_, err = os.Stat(filepath.Join(reportDir, "map_overview.png"))
	require.NoError(t, err, "map copied next to the report")
}

func TestGeoStage_GeocodesWhenNoCoordinates(t *testing.T) {
	deps := testDeps(t)

	geocoded := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/geocode" {
			geocoded = true

			_, _ = w.Write([]byte(`[{"lat":"50.6292","lon":"3.0573"}]`))

			return
		}

		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	deps.Maps = render.NewMapRenderer(log, &config.RendererConfig{
		GeocoderEndpoint: srv.URL + "/geocode",
		StaticMapURL:     srv.URL + "/map?c={lat},{lon}",
	})

	store := testStore()
	store.Latitude = 0
	store.Longitude = 0

	stage := NewGeoStage(deps)
	require.NoError(t, stage.Prepare(context.Background()))

	for _, err := range runTasks(t, stage, store) {
		require.NoError(t, err)
	}

	assert.True(t, geocoded)
}

func TestGeoStage_NoAddressNoCoordinates(t *testing.T) {
	deps := testDeps(t)
	deps.Maps = render.NewMapRenderer(logrus.New(), &config.RendererConfig{})

	store := testStore()
	store.Latitude = 0
	store.Longitude = 0
	store.Address = ""
	store.City = ""

	stage := NewGeoStage(deps)

	errs := runTasks(t, stage, store)
	require.Len(t, errs, 1)
	require.Error(t, errs[0])
}
