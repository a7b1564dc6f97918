package storage

import (
	"context"
	"errors"
	"sync"

	"almlp/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	images      map[string][]model.StoredImage
	summaries   map[string]model.RunSummary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.images = make(map[string][]model.StoredImage)
	s.summaries = make(map[string]model.RunSummary)
	return nil
}

func (s *MemoryStore) Write(_ context.Context, images []model.Configuration, meta model.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.images[meta.RunID] = append(s.images[meta.RunID], toStoredImages(images, meta)...)
	return nil
}

func (s *MemoryStore) Images(_ context.Context, runID string) ([]model.StoredImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.images[runID]
	copied := make([]model.StoredImage, len(stored))
	copy(copied, stored)
	sortImages(copied)
	return copied, nil
}

func (s *MemoryStore) SaveRunSummary(_ context.Context, summary model.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	summary.VersionedRecord = currentVersion()
	s.summaries[summary.RunID] = summary
	return nil
}

func (s *MemoryStore) GetRunSummary(_ context.Context, runID string) (model.RunSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.summaries[runID]
	return summary, ok, nil
}

func (s *MemoryStore) ListRunSummaries(_ context.Context) ([]model.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunSummary, 0, len(s.summaries))
	for _, summary := range s.summaries {
		out = append(out, summary)
	}
	sortSummaries(out)
	return out, nil
}
