package calc

import (
	"context"
	"fmt"

	"almlp/internal/model"
)

// SinglePoint serves the frozen results of one labeled configuration.
type SinglePoint struct {
	id        string
	structure model.Structure
	results   model.Results
}

func NewSinglePoint(cfg model.Configuration) (*SinglePoint, error) {
	r, ok := cfg.Results()
	if !ok {
		return nil, fmt.Errorf("single point: %w", model.ErrUnlabeled)
	}
	return &SinglePoint{
		id:        NewID("singlepoint"),
		structure: cfg.Structure.Clone(),
		results:   r,
	}, nil
}

func (c *SinglePoint) ID() string   { return c.id }
func (c *SinglePoint) Name() string { return "singlepoint" }

func (c *SinglePoint) Stale(s model.Structure) bool {
	return !model.SameStructure(c.structure, s)
}

func (c *SinglePoint) Calculate(_ context.Context, s model.Structure, props model.Property) (model.Results, error) {
	if c.Stale(s) {
		return model.Results{}, ErrNoRecord
	}
	return c.results.Restrict(props), nil
}

// Configuration returns a labeled copy of the frozen configuration.
func (c *SinglePoint) Configuration() model.Configuration {
	return model.Labeled(c.structure, c.results)
}

// Recorded serves previously recorded results keyed by structure
// fingerprint. It never computes anything itself.
type Recorded struct {
	id      string
	name    string
	records map[string]model.Results
}

func NewRecorded(name string) *Recorded {
	if name == "" {
		name = "recorded"
	}
	return &Recorded{
		id:      NewID("recorded"),
		name:    name,
		records: make(map[string]model.Results),
	}
}

func (c *Recorded) ID() string   { return c.id }
func (c *Recorded) Name() string { return c.name }
func (c *Recorded) Len() int     { return len(c.records) }

func (c *Recorded) Record(cfgs ...model.Configuration) error {
	for i, cfg := range cfgs {
		r, ok := cfg.Results()
		if !ok {
			return fmt.Errorf("record %d: %w", i, model.ErrUnlabeled)
		}
		c.records[cfg.Fingerprint()] = r
	}
	return nil
}

func (c *Recorded) Stale(s model.Structure) bool {
	_, ok := c.records[s.Fingerprint()]
	return !ok
}

func (c *Recorded) Calculate(_ context.Context, s model.Structure, props model.Property) (model.Results, error) {
	r, ok := c.records[s.Fingerprint()]
	if !ok {
		return model.Results{}, fmt.Errorf("%s: %w", c.name, ErrNoRecord)
	}
	return r.Restrict(props), nil
}
