// Package docstore persists pipeline documents and run records. Documents
// are schemaless JSON payloads keyed by (collection, doc_id), which keeps
// the captation and analysis stages decoupled from each other's shapes.
package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/polcohq/polco/pkg/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested document or run does not exist.
var ErrNotFound = errors.New("not found")

// Store provides persistence for documents and pipeline run records.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	UpsertDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, collection, docID string) (*Document, error)
	ListDocuments(ctx context.Context, collection string) ([]Document, error)
	ListDocumentIDs(ctx context.Context, collection string) ([]string, error)
	DeleteDocument(ctx context.Context, collection, docID string) error

	UpsertRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DocstoreConfig
	db  *gorm.DB
}

// NewStore creates a document Store backed by the configured driver.
func NewStore(log logrus.FieldLogger, cfg *config.DocstoreConfig) Store {
	return &store{
		log: log.WithField("component", "docstore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported docstore driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening document database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Document{},
		&RunRecord{},
	); err != nil {
		return fmt.Errorf("running docstore migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Document database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// UpsertDocument inserts or updates a document keyed by collection + doc_id.
func (s *store) UpsertDocument(ctx context.Context, doc *Document) error {
	result := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", doc.Collection, doc.DocID).
		Assign(doc).
		FirstOrCreate(doc)
	if result.Error != nil {
		return fmt.Errorf("upserting document: %w", result.Error)
	}

	return nil
}

// GetDocument returns the document with the given collection and doc id.
func (s *store) GetDocument(ctx context.Context, collection, docID string) (*Document, error) {
	var doc Document
	if err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, docID).
		First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting document: %w", err)
	}

	return &doc, nil
}

// ListDocuments returns all documents in a collection ordered by doc id.
func (s *store) ListDocuments(ctx context.Context, collection string) ([]Document, error) {
	var docs []Document
	if err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("doc_id ASC").
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}

	return docs, nil
}

// ListDocumentIDs returns just the doc ids in a collection.
func (s *store) ListDocumentIDs(ctx context.Context, collection string) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("collection = ?", collection).
		Order("doc_id ASC").
		Pluck("doc_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing document ids: %w", err)
	}

	return ids, nil
}

// DeleteDocument removes a document. Deleting a missing document is not an
// error.
func (s *store) DeleteDocument(ctx context.Context, collection, docID string) error {
	if err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, docID).
		Delete(&Document{}).Error; err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}

	return nil
}

// UpsertRun inserts or updates a run record keyed by run_id.
func (s *store) UpsertRun(ctx context.Context, run *RunRecord) error {
	result := s.db.WithContext(ctx).
		Where("run_id = ?", run.RunID).
		Assign(run).
		FirstOrCreate(run)
	if result.Error != nil {
		return fmt.Errorf("upserting run record: %w", result.Error)
	}

	return nil
}

// GetRun returns the run record with the given run id.
func (s *store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var run RunRecord
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting run record: %w", err)
	}

	return &run, nil
}

// ListRuns returns run records newest first, capped at limit when limit > 0.
func (s *store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	query := s.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var runs []RunRecord
	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing run records: %w", err)
	}

	return runs, nil
}
