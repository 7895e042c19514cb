package roster

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRoster = `store_id,store_name,ville,adresse,country_name,latitude,longitude
101,Store Lyon,Lyon,12 rue de la Soie,France,45.7640,4.8357
202,Store Lille,Lille,3 place du Theatre,France,50.6292,3.0573
303,Store Madrid,Madrid,Calle Mayor 8,Espagne,40.4168,-3.7038
`

func mustParse(t *testing.T, content string) *Roster {
	t.Helper()

	ros, err := Parse(strings.NewReader(content))
	require.NoError(t, err)

	return ros
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stores.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleRoster), 0o644))

	ros, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, ros.Len())

	store, ok := ros.Get("202")
	require.True(t, ok)
	assert.Equal(t, "Store Lille", store.Name)
	assert.Equal(t, "Lille", store.City)
	assert.InDelta(t, 50.6292, store.Latitude, 0.0001)
	assert.Equal(t, []string{"101", "202", "303"}, ros.IDs())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
}

func TestParse_MissingRequiredColumn(t *testing.T) {
	_, err := Parse(strings.NewReader("store_name,ville\nStore Lyon,Lyon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store_id")
}

func TestParse_DuplicateID(t *testing.T) {
	content := "store_id,store_name\n101,A\n101,B\n"

	_, err := Parse(strings.NewReader(content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse(strings.NewReader("store_id,store_name\n"))
	require.Error(t, err)
}

func TestParse_OptionalColumnsAbsent(t *testing.T) {
	ros := mustParse(t, "store_id,store_name\n101,Store Lyon\n")

	store, ok := ros.Get("101")
	require.True(t, ok)
	assert.Empty(t, store.City)
	assert.Zero(t, store.Latitude)
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		filter  Filter
		wantIDs []string
		wantErr bool
	}{
		{
			name:    "all stores by default",
			filter:  Filter{},
			wantIDs: []string{"101", "202", "303"},
		},
		{
			name:    "single store",
			filter:  Filter{StoreID: "202"},
			wantIDs: []string{"202"},
		},
		{
			name:    "explicit list preserves roster order of selection",
			filter:  Filter{IDs: []string{"303", "101"}},
			wantIDs: []string{"303", "101"},
		},
		{
			name:    "limit truncates",
			filter:  Filter{Limit: 2},
			wantIDs: []string{"101", "202"},
		},
		{
			name:    "test mode takes first store only",
			filter:  Filter{Test: true},
			wantIDs: []string{"101"},
		},
		{
			name:    "store id wins over list",
			filter:  Filter{StoreID: "303", IDs: []string{"101", "202"}},
			wantIDs: []string{"303"},
		},
		{
			name:    "unknown single id",
			filter:  Filter{StoreID: "999"},
			wantErr: true,
		},
		{
			name:    "unknown id in list",
			filter:  Filter{IDs: []string{"101", "999"}},
			wantErr: true,
		},
	}

	ros := mustParse(t, sampleRoster)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stores, err := ros.Select(tt.filter)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)

			ids := make([]string, len(stores))
			for i, s := range stores {
				ids[i] = s.ID
			}

			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestBusinessUnitID(t *testing.T) {
	store := Store{ID: "1183"}
	assert.Equal(t, "7-1183-1183", store.BusinessUnitID())
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		country  string
		wantLang string
		wantOK   bool
	}{
		{"France", "french", true},
		{"  france  ", "french", true},
		{"ESPAGNE", "spanish", true},
		{"Italy", "italian", true},
		{"Atlantis", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.country, func(t *testing.T) {
			lang, ok := DetectLanguage(tt.country)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantLang, lang)
		})
	}
}

func TestStoreLanguage_Fallback(t *testing.T) {
	known := Store{CountryName: "France"}
	lang, ok := known.Language("english")
	require.True(t, ok)
	assert.Equal(t, "french", lang)

	unknown := Store{CountryName: "Atlantis"}
	lang, ok = unknown.Language("english")
	require.True(t, ok)
	assert.Equal(t, "english", lang)

	_, ok = unknown.Language("")
	assert.False(t, ok)
}
