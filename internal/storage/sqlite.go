package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"almlp/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) Write(ctx context.Context, images []model.Configuration, meta model.Metadata) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, img := range toStoredImages(images, meta) {
		payload, err := EncodeImage(img)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO images (run_id, kind, record_key, step, round, idx, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, meta.RunID, string(meta.Kind), meta.Key, meta.Step, meta.Round, img.Index, payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Images(ctx context.Context, runID string) ([]model.StoredImage, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM images WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StoredImage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		img, err := DecodeImage(payload)
		if err != nil {
			return nil, fmt.Errorf("decode image for run %s: %w", runID, err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortImages(out)
	return out, nil
}

func (s *SQLiteStore) SaveRunSummary(ctx context.Context, summary model.RunSummary) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	summary.VersionedRecord = currentVersion()
	payload, err := EncodeRunSummary(summary)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (run_id, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, summary.RunID, summary.SchemaVersion, summary.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetRunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunSummary{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RunSummary{}, false, nil
		}
		return model.RunSummary{}, false, err
	}

	summary, err := DecodeRunSummary(payload)
	if err != nil {
		return model.RunSummary{}, false, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return summary, true, nil
}

func (s *SQLiteStore) ListRunSummaries(ctx context.Context) ([]model.RunSummary, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT run_id, payload FROM runs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RunSummary
	for rows.Next() {
		var (
			runID   string
			payload []byte
		)
		if err := rows.Scan(&runID, &payload); err != nil {
			return nil, err
		}
		summary, err := DecodeRunSummary(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", runID, err)
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			record_key TEXT NOT NULL,
			step INTEGER NOT NULL,
			round INTEGER NOT NULL,
			idx INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS images_run_id ON images (run_id);
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
