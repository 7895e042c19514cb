package docstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Document is one JSON payload in a named collection. The doc id is the
// store id for per-store documents.
type Document struct {
	ID         uint   `gorm:"primaryKey"`
	Collection string `gorm:"not null;uniqueIndex:idx_docs_coll_id"`
	DocID      string `gorm:"not null;uniqueIndex:idx_docs_coll_id"`
	Payload    string `gorm:"type:text"`
	UpdatedAt  time.Time
}

// NewDocument builds a document from any JSON-serializable value.
func NewDocument(collection, docID string, v any) (*Document, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document payload: %w", err)
	}

	return &Document{
		Collection: collection,
		DocID:      docID,
		Payload:    string(payload),
		UpdatedAt:  time.Now(),
	}, nil
}

// Decode unmarshals the payload into v.
func (d *Document) Decode(v any) error {
	if err := json.Unmarshal([]byte(d.Payload), v); err != nil {
		return fmt.Errorf("decoding document %s/%s: %w", d.Collection, d.DocID, err)
	}

	return nil
}

// RunRecord is one pipeline run as stored in the database. The full run,
// including per-store results, is serialized as JSON.
type RunRecord struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"not null;uniqueIndex"`
	State      string `gorm:"index"`
	StartedAt  time.Time
	FinishedAt time.Time
	Stores     int
	Failures   int

	SummaryJSON string `gorm:"type:text"`
}
