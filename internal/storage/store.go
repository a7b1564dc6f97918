package storage

import (
	"context"
	"sort"

	"almlp/internal/model"
)

// Sink receives queried images. Callers treat it as fire-and-forget.
type Sink interface {
	Write(ctx context.Context, images []model.Configuration, meta model.Metadata) error
}

// Store is a Sink with a read side for inspecting finished runs.
type Store interface {
	Sink
	Init(ctx context.Context) error
	Images(ctx context.Context, runID string) ([]model.StoredImage, error)
	SaveRunSummary(ctx context.Context, summary model.RunSummary) error
	GetRunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error)
	ListRunSummaries(ctx context.Context) ([]model.RunSummary, error)
}

func toStoredImages(images []model.Configuration, meta model.Metadata) []model.StoredImage {
	out := make([]model.StoredImage, 0, len(images))
	for i, img := range images {
		stored := model.StoredImage{
			VersionedRecord: currentVersion(),
			Metadata:        meta,
			Index:           i,
			Structure:       img.Structure.Clone(),
		}
		if r, ok := img.Results(); ok {
			stored.Results = &r
		}
		out = append(out, stored)
	}
	return out
}

func sortImages(images []model.StoredImage) {
	sort.SliceStable(images, func(i, j int) bool {
		a, b := images[i].Metadata, images[j].Metadata
		if a.Round != b.Round {
			return a.Round < b.Round
		}
		if a.Step != b.Step {
			return a.Step < b.Step
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return images[i].Index < images[j].Index
	})
}

func sortSummaries(summaries []model.RunSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		if !summaries[i].CreatedAtUTC.Equal(summaries[j].CreatedAtUTC) {
			return summaries[i].CreatedAtUTC.After(summaries[j].CreatedAtUTC)
		}
		return summaries[i].RunID < summaries[j].RunID
	})
}
