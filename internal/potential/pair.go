// Package potential provides cheap analytic pair potentials used as reference
// and baseline calculators in demos and tests.
package potential

import (
	"context"
	"fmt"
	"math"

	"almlp/internal/calc"
	"almlp/internal/model"
)

// PairFunc returns the pair energy and dE/dr at separation r.
type PairFunc func(r float64) (energy, dEdr float64)

// Pair is a cached calculator summing a pair function over all atom pairs
// within Cutoff. Periodic images are not considered.
type Pair struct {
	id     string
	name   string
	fn     PairFunc
	cutoff float64
	cache  calc.Cache
	calls  int
}

func NewPair(name string, cutoff float64, fn PairFunc) *Pair {
	return &Pair{id: calc.NewID(name), name: name, fn: fn, cutoff: cutoff}
}

func (p *Pair) ID() string   { return p.id }
func (p *Pair) Name() string { return p.name }

// Calls is the number of evaluations that were not answered from the cache.
func (p *Pair) Calls() int { return p.calls }

func (p *Pair) Stale(s model.Structure) bool {
	return p.cache.Stale(s)
}

func (p *Pair) Calculate(ctx context.Context, s model.Structure, props model.Property) (model.Results, error) {
	if err := ctx.Err(); err != nil {
		return model.Results{}, err
	}
	if want := props & model.PropEnergyForces; want != 0 {
		if r, ok := p.cache.Lookup(s, want); ok {
			return r, nil
		}
	}
	if len(s.Numbers) != len(s.Positions) {
		return model.Results{}, fmt.Errorf("%s: %d species for %d positions", p.name, len(s.Numbers), len(s.Positions))
	}

	energy := 0.0
	forces := make([]model.Vec3, len(s.Positions))
	for i := 0; i < len(s.Positions); i++ {
		for j := i + 1; j < len(s.Positions); j++ {
			d := s.Positions[j].Sub(s.Positions[i])
			r := d.Norm()
			if r == 0 {
				return model.Results{}, fmt.Errorf("%s: atoms %d and %d overlap", p.name, i, j)
			}
			if p.cutoff > 0 && r > p.cutoff {
				continue
			}
			e, dEdr := p.fn(r)
			energy += e
			// force on j is -dE/dr along the unit vector i->j
			f := d.Scale(-dEdr / r)
			forces[j] = forces[j].Add(f)
			forces[i] = forces[i].Sub(f)
		}
	}
	for _, idx := range s.Fixed {
		if idx >= 0 && idx < len(forces) {
			forces[idx] = model.Vec3{}
		}
	}

	p.calls++
	out := model.Results{
		Set:    model.PropEnergyForces,
		Energy: energy,
		Forces: forces,
		Source: p.id,
	}
	p.cache.Store(s, out)
	return out.Restrict(props), nil
}

// NewLennardJones returns a 12-6 Lennard-Jones calculator.
func NewLennardJones(epsilon, sigma, cutoff float64) *Pair {
	return NewPair("lennard_jones", cutoff, func(r float64) (float64, float64) {
		sr6 := math.Pow(sigma/r, 6)
		sr12 := sr6 * sr6
		e := 4 * epsilon * (sr12 - sr6)
		dEdr := 4 * epsilon * (-12*sr12 + 6*sr6) / r
		return e, dEdr
	})
}

// NewHarmonic returns a spring potential k/2 (r - r0)^2 between every pair.
func NewHarmonic(k, r0, cutoff float64) *Pair {
	return NewPair("harmonic", cutoff, func(r float64) (float64, float64) {
		dr := r - r0
		return 0.5 * k * dr * dr, k * dr
	})
}

// NewMorse returns a Morse potential D (1 - exp(-a (r - r0)))^2 - D.
func NewMorse(depth, alpha, r0, cutoff float64) *Pair {
	return NewPair("morse", cutoff, func(r float64) (float64, float64) {
		x := math.Exp(-alpha * (r - r0))
		e := depth*(1-x)*(1-x) - depth
		dEdr := 2 * depth * alpha * x * (1 - x)
		return e, dEdr
	})
}
