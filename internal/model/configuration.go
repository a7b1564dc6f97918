package model

import (
	"errors"
	"fmt"
)

var ErrUnlabeled = errors.New("configuration has no valid results")

// Configuration is a structure plus an optional attached result set. The
// results are bound to the fingerprint they were computed at and are reported
// invalid as soon as the structure no longer matches it.
type Configuration struct {
	Structure
	results     *Results
	fingerprint string
}

func NewConfiguration(s Structure) Configuration {
	return Configuration{Structure: s.Clone()}
}

// Labeled returns a configuration whose results are bound to s as it is now.
func Labeled(s Structure, r Results) Configuration {
	c := NewConfiguration(s)
	c.SetResults(r)
	return c
}

func (c *Configuration) SetResults(r Results) {
	copied := r.Clone()
	c.results = &copied
	c.fingerprint = c.Structure.Fingerprint()
}

func (c *Configuration) ClearResults() {
	c.results = nil
	c.fingerprint = ""
}

// Results returns the attached result set if it is still valid for the
// current structure.
func (c Configuration) Results() (Results, bool) {
	if c.results == nil {
		return Results{}, false
	}
	if c.fingerprint != c.Structure.Fingerprint() {
		return Results{}, false
	}
	return c.results.Clone(), true
}

func (c Configuration) IsLabeled() bool {
	_, ok := c.Results()
	return ok
}

func (c Configuration) Energy() (float64, error) {
	r, ok := c.Results()
	if !ok || !r.Has(PropEnergy) {
		return 0, fmt.Errorf("energy: %w", ErrUnlabeled)
	}
	return r.Energy, nil
}

func (c Configuration) Forces() ([]Vec3, error) {
	r, ok := c.Results()
	if !ok || !r.Has(PropForces) {
		return nil, fmt.Errorf("forces: %w", ErrUnlabeled)
	}
	return r.Forces, nil
}

func (c Configuration) Clone() Configuration {
	out := Configuration{Structure: c.Structure.Clone(), fingerprint: c.fingerprint}
	if c.results != nil {
		copied := c.results.Clone()
		out.results = &copied
	}
	return out
}

// SetPositions replaces the geometry and drops the attached results.
func (c *Configuration) SetPositions(positions []Vec3) {
	c.Positions = append([]Vec3(nil), positions...)
	c.ClearResults()
}
