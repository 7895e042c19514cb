package warehouse

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"

	"github.com/polcohq/polco/pkg/fsutil"
)

// ArtifactName returns the CSV filename for a store's query output.
func ArtifactName(storeID, output string) string {
	return fmt.Sprintf("FR_%s_%s.csv", storeID, output)
}

// WriteCSV writes a result set to dir using the standard artifact naming
// and returns the full path. The write is atomic so a re-run never leaves
// a truncated artifact behind.
func WriteCSV(dir, storeID, output string, rs *ResultSet) (string, error) {
	if err := fsutil.EnsureDir(dir); err != nil {
		return "", err
	}

	var buf bytes.Buffer

	w := csv.NewWriter(&buf)

	if err := w.Write(rs.Columns); err != nil {
		return "", fmt.Errorf("writing csv header: %w", err)
	}

	for _, row := range rs.Rows {
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("writing csv row: %w", err)
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flushing csv: %w", err)
	}

	path := filepath.Join(dir, ArtifactName(storeID, output))
	if err := fsutil.WriteFileAtomic(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}

	return path, nil
}
