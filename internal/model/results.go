package model

import (
	"math"
	"strings"
)

// Property is a bit set of calculator outputs.
type Property uint8

const (
	PropEnergy Property = 1 << iota
	PropForces
	PropUncertainty
)

const PropEnergyForces = PropEnergy | PropForces

func (p Property) Has(other Property) bool {
	return p&other == other
}

func (p Property) String() string {
	if p == 0 {
		return "none"
	}
	var names []string
	if p&PropEnergy != 0 {
		names = append(names, "energy")
	}
	if p&PropForces != 0 {
		names = append(names, "forces")
	}
	if p&PropUncertainty != 0 {
		names = append(names, "uncertainty")
	}
	return strings.Join(names, "|")
}

func ParseProperty(name string) (Property, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "energy":
		return PropEnergy, true
	case "forces":
		return PropForces, true
	case "uncertainty":
		return PropUncertainty, true
	default:
		return 0, false
	}
}

// Results is the output of a single calculator evaluation. Set records which
// fields carry data; Source is the ID of the producing calculator instance.
type Results struct {
	Set         Property `json:"set"`
	Energy      float64  `json:"energy"`
	Forces      []Vec3   `json:"forces,omitempty"`
	EnergyStd   float64  `json:"energy_std"`
	MaxForceStd float64  `json:"max_force_std"`
	Source      string   `json:"source,omitempty"`
}

func (r Results) Has(p Property) bool {
	return r.Set.Has(p)
}

func (r Results) Clone() Results {
	out := r
	out.Forces = append([]Vec3(nil), r.Forces...)
	return out
}

// Restrict drops every property not in props.
func (r Results) Restrict(props Property) Results {
	out := r.Clone()
	out.Set &= props
	if !out.Has(PropEnergy) {
		out.Energy = 0
	}
	if !out.Has(PropForces) {
		out.Forces = nil
	}
	if !out.Has(PropUncertainty) {
		out.EnergyStd = 0
		out.MaxForceStd = 0
	}
	return out
}

// Merge overlays the properties set in other onto r.
func (r Results) Merge(other Results) Results {
	out := r.Clone()
	if other.Has(PropEnergy) {
		out.Energy = other.Energy
	}
	if other.Has(PropForces) {
		out.Forces = append([]Vec3(nil), other.Forces...)
	}
	if other.Has(PropUncertainty) {
		out.EnergyStd = other.EnergyStd
		out.MaxForceStd = other.MaxForceStd
	}
	out.Set |= other.Set
	if other.Source != "" {
		out.Source = other.Source
	}
	return out
}

// MaxAbsForce is the largest absolute Cartesian force component, ignoring NaN.
func MaxAbsForce(forces []Vec3) float64 {
	best := math.NaN()
	for _, f := range forces {
		for _, c := range f {
			if math.IsNaN(c) {
				continue
			}
			a := math.Abs(c)
			if math.IsNaN(best) || a > best {
				best = a
			}
		}
	}
	if math.IsNaN(best) {
		return 0
	}
	return best
}

// MaxForceNorm is the Euclidean norm of the per-atom force with the largest
// magnitude.
func MaxForceNorm(forces []Vec3) float64 {
	best := 0.0
	for _, f := range forces {
		if n := f.Norm(); n > best {
			best = n
		}
	}
	return best
}
