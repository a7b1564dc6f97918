package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"almlp/internal/model"
)

const (
	imagePrefix = "img/"
	runPrefix   = "run/"
)

// BadgerStore keeps images and run summaries in a badger key-value store.
// An empty directory opens an in-memory instance.
type BadgerStore struct {
	dir string

	mu sync.RWMutex
	db *badger.DB
}

func NewBadgerStore(dir string) *BadgerStore {
	return &BadgerStore{dir: dir}
}

func (s *BadgerStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	opts := badger.DefaultOptions(s.dir).WithLogger(nil)
	if s.dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open badger: %w", err)
	}
	s.db = db
	return nil
}

func imageKey(meta model.Metadata, index int) []byte {
	return []byte(fmt.Sprintf("%s%s/%06d/%06d/%s/%06d", imagePrefix, meta.RunID, meta.Round, meta.Step, meta.Key, index))
}

func (s *BadgerStore) Write(_ context.Context, images []model.Configuration, meta model.Metadata) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		for _, img := range toStoredImages(images, meta) {
			payload, err := EncodeImage(img)
			if err != nil {
				return err
			}
			if err := txn.Set(imageKey(meta, img.Index), payload); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Images(_ context.Context, runID string) ([]model.StoredImage, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var out []model.StoredImage
	prefix := []byte(imagePrefix + runID + "/")
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			payload, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			img, err := DecodeImage(payload)
			if err != nil {
				return fmt.Errorf("decode image %s: %w", it.Item().Key(), err)
			}
			out = append(out, img)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortImages(out)
	return out, nil
}

func (s *BadgerStore) SaveRunSummary(_ context.Context, summary model.RunSummary) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	summary.VersionedRecord = currentVersion()
	payload, err := EncodeRunSummary(summary)
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runPrefix+summary.RunID), payload)
	})
}

func (s *BadgerStore) GetRunSummary(_ context.Context, runID string) (model.RunSummary, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunSummary{}, false, err
	}

	var payload []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runPrefix + runID))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.RunSummary{}, false, nil
	}
	if err != nil {
		return model.RunSummary{}, false, err
	}
	summary, err := DecodeRunSummary(payload)
	if err != nil {
		return model.RunSummary{}, false, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return summary, true, nil
}

func (s *BadgerStore) ListRunSummaries(_ context.Context) ([]model.RunSummary, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var out []model.RunSummary
	prefix := []byte(runPrefix)
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			payload, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			summary, err := DecodeRunSummary(payload)
			if err != nil {
				return fmt.Errorf("decode run %s: %w", it.Item().Key(), err)
			}
			out = append(out, summary)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BadgerStore) getDB() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}
