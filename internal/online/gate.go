package online

import (
	"errors"
	"fmt"
	"math"

	"almlp/internal/model"
)

var ErrNaNUncertainty = errors.New("surrogate reported NaN uncertainty")

// Thresholds are fixed for the duration of a run. A nil FmaxVerify never
// triggers verification; a nil MaxParentCalls leaves the budget unbounded.
type Thresholds struct {
	StaticTol      float64
	DynamicTol     float64
	FmaxVerify     *float64
	MaxParentCalls *int
}

func (t Thresholds) Validate() error {
	if t.StaticTol < 0 || math.IsNaN(t.StaticTol) {
		return errors.New("static uncertainty tolerance must be >= 0")
	}
	if t.DynamicTol < 0 || math.IsNaN(t.DynamicTol) {
		return errors.New("dynamic uncertainty tolerance must be >= 0")
	}
	if t.MaxParentCalls != nil && *t.MaxParentCalls < 0 {
		return errors.New("max parent calls must be >= 0")
	}
	return nil
}

func (t Thresholds) BudgetExhausted(parentCalls int) bool {
	return t.MaxParentCalls != nil && parentCalls >= *t.MaxParentCalls
}

// Decision is the outcome of gating one surrogate prediction.
type Decision struct {
	Uncertainty     float64
	BaseUncertainty float64
	Tolerance       float64
	PredictedFmax   float64
	Unsafe          bool
	Verify          bool
}

func (d Decision) NeedsParent() bool {
	return d.Unsafe || d.Verify
}

// UnsafePrediction compares the uncertainty against a tolerance scaled by the
// largest absolute predicted force component.
func UnsafePrediction(t Thresholds, uncertainty float64, forces []model.Vec3) (unsafe bool, tolerance, base float64, err error) {
	if math.IsNaN(uncertainty) {
		return false, 0, 0, ErrNaNUncertainty
	}
	base = model.MaxAbsForce(forces)
	tolerance = math.Max(t.DynamicTol*base, t.StaticTol)
	return uncertainty > tolerance, tolerance, base, nil
}

// ParentVerify flags low-force predictions using the largest per-atom force
// norm, independently of the uncertainty check.
func ParentVerify(t Thresholds, forces []model.Vec3) (verify bool, fmax float64) {
	fmax = model.MaxForceNorm(forces)
	if t.FmaxVerify == nil {
		return false, fmax
	}
	return fmax <= *t.FmaxVerify, fmax
}

// Gate evaluates both checks on a surrogate prediction.
func Gate(t Thresholds, prediction model.Results) (Decision, error) {
	if !prediction.Has(model.PropForces | model.PropUncertainty) {
		return Decision{}, fmt.Errorf("gate needs forces and uncertainty, got %s", prediction.Set)
	}
	unsafe, tol, base, err := UnsafePrediction(t, prediction.MaxForceStd, prediction.Forces)
	if err != nil {
		return Decision{}, err
	}
	verify, fmax := ParentVerify(t, prediction.Forces)
	return Decision{
		Uncertainty:     prediction.MaxForceStd,
		BaseUncertainty: base,
		Tolerance:       tol,
		PredictedFmax:   fmax,
		Unsafe:          unsafe,
		Verify:          verify,
	}, nil
}
