package testutil

import (
	"context"
	"errors"

	"almlp/internal/calc"
	"almlp/internal/model"
)

// FuncCalculator evaluates Fn for every uncached structure and counts calls.
type FuncCalculator struct {
	id    string
	name  string
	Fn    func(s model.Structure) model.Results
	Err   error
	Calls int
	cache calc.Cache
}

func NewFuncCalculator(name string, fn func(s model.Structure) model.Results) *FuncCalculator {
	return &FuncCalculator{id: calc.NewID(name), name: name, Fn: fn}
}

func (c *FuncCalculator) ID() string   { return c.id }
func (c *FuncCalculator) Name() string { return c.name }

func (c *FuncCalculator) Calculate(_ context.Context, s model.Structure, props model.Property) (model.Results, error) {
	if c.Err != nil {
		return model.Results{}, c.Err
	}
	if r, ok := c.cache.Lookup(s, props); ok {
		return r, nil
	}
	c.Calls++
	r := c.Fn(s)
	r.Source = c.id
	c.cache.Store(s, r)
	return r.Restrict(props), nil
}

// LinearCalculator returns E = Scale * sum(x) + Offset and F_i = (-Scale, 0, 0).
func LinearCalculator(name string, scale, offset float64) *FuncCalculator {
	return NewFuncCalculator(name, func(s model.Structure) model.Results {
		e := offset
		forces := make([]model.Vec3, len(s.Positions))
		for i, p := range s.Positions {
			e += scale * p[0]
			forces[i] = model.Vec3{-scale, 0, 0}
		}
		return model.Results{Set: model.PropEnergyForces, Energy: e, Forces: forces}
	})
}

// TrainCall captures one call to ScriptedPotential.Train.
type TrainCall struct {
	Full        int
	Incremental []model.Configuration
}

// ScriptedPotential reports fixed forces and uncertainty and records training
// calls. Energy is the mean label energy of the training set.
type ScriptedPotential struct {
	id          string
	Forces      []model.Vec3
	Uncertainty float64
	TrainErr    error
	TrainCalls  []TrainCall
	Predictions int
	data        []model.Configuration
}

func NewScriptedPotential(forces []model.Vec3, uncertainty float64) *ScriptedPotential {
	return &ScriptedPotential{id: calc.NewID("scripted"), Forces: forces, Uncertainty: uncertainty}
}

func (p *ScriptedPotential) ID() string   { return p.id }
func (p *ScriptedPotential) Name() string { return "scripted" }

func (p *ScriptedPotential) Train(_ context.Context, full []model.Configuration, incremental []model.Configuration) error {
	if p.TrainErr != nil {
		return p.TrainErr
	}
	p.TrainCalls = append(p.TrainCalls, TrainCall{Full: len(full), Incremental: incremental})
	if len(incremental) > 0 && len(p.data) > 0 {
		p.data = append(p.data, incremental...)
	} else {
		p.data = append([]model.Configuration(nil), full...)
	}
	return nil
}

func (p *ScriptedPotential) Calculate(_ context.Context, s model.Structure, props model.Property) (model.Results, error) {
	if len(p.data) == 0 {
		return model.Results{}, errors.New("scripted potential not trained")
	}
	p.Predictions++
	energy := 0.0
	for _, cfg := range p.data {
		e, _ := cfg.Energy()
		energy += e / float64(len(p.data))
	}
	forces := p.Forces
	if forces == nil {
		forces = make([]model.Vec3, len(s.Positions))
	}
	r := model.Results{
		Set:         model.PropEnergyForces | model.PropUncertainty,
		Energy:      energy,
		Forces:      append([]model.Vec3(nil), forces...),
		MaxForceStd: p.Uncertainty,
		EnergyStd:   p.Uncertainty,
		Source:      p.id,
	}
	return r.Restrict(props), nil
}

// Line returns an n-atom structure along x with the given spacing.
func Line(n int, spacing float64) model.Structure {
	s := model.Structure{
		Numbers:   make([]int, n),
		Positions: make([]model.Vec3, n),
	}
	for i := 0; i < n; i++ {
		s.Numbers[i] = 18
		s.Positions[i] = model.Vec3{float64(i) * spacing, 0, 0}
	}
	return s
}

// Shifted returns a copy of s translated by dx along x.
func Shifted(s model.Structure, dx float64) model.Structure {
	out := s.Clone()
	for i := range out.Positions {
		out.Positions[i][0] += dx
	}
	return out
}
