package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/polcohq/polco/pkg/fsutil"
)

// IndexFile is the artifact index filename, written into the reports
// directory.
const IndexFile = "index.json"

// IndexEntry lists the artifacts available for one store.
type IndexEntry struct {
	StoreID   string    `json:"store_id"`
	Report    string    `json:"report,omitempty"`
	PDF       string    `json:"pdf,omitempty"`
	Map       string    `json:"map,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Index is the regenerable catalogue of report artifacts on disk.
type Index struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Stores      []IndexEntry `json:"stores"`
}

// GenerateIndex scans the artifact directories and builds the index. It
// works purely from disk so it can be regenerated at any time.
func GenerateIndex(reportsDir, pdfDir, mapsDir string) (*Index, error) {
	entries, err := os.ReadDir(reportsDir)
	if err != nil {
		return nil, fmt.Errorf("reading reports dir: %w", err)
	}

	index := &Index{GeneratedAt: time.Now()}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		storeID := entry.Name()
		item := IndexEntry{StoreID: storeID}

		reportPath := filepath.Join(reportsDir, storeID, "report.md")
		if info, err := os.Stat(reportPath); err == nil {
			item.Report = reportPath
			item.UpdatedAt = info.ModTime()
		}

		if pdf, modTime := findStorePDF(pdfDir, storeID); pdf != "" {
			item.PDF = pdf

			if modTime.After(item.UpdatedAt) {
				item.UpdatedAt = modTime
			}
		}

		mapPath := filepath.Join(mapsDir, storeID, "map_overview.png")
		if info, err := os.Stat(mapPath); err == nil {
			item.Map = mapPath

			if info.ModTime().After(item.UpdatedAt) {
				item.UpdatedAt = info.ModTime()
			}
		}

		if item.Report == "" && item.PDF == "" && item.Map == "" {
			continue
		}

		index.Stores = append(index.Stores, item)
	}

	return index, nil
}

// WriteIndex writes the index into the reports directory.
func WriteIndex(reportsDir string, index *Index) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}

	path := filepath.Join(reportsDir, IndexFile)
	if err := fsutil.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}

// findStorePDF locates the store's PDF by the FR_<store>_ naming
// convention.
func findStorePDF(pdfDir, storeID string) (string, time.Time) {
	entries, err := os.ReadDir(pdfDir)
	if err != nil {
		return "", time.Time{}
	}

	prefix := "FR_" + storeID + "_"

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".pdf") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return filepath.Join(pdfDir, name), time.Time{}
		}

		return filepath.Join(pdfDir, name), info.ModTime()
	}

	return "", time.Time{}
}
