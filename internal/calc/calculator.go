// Package calc defines the calculator contract and the calculators that
// compose, freeze or count other calculators.
package calc

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"almlp/internal/model"
)

var (
	ErrPropertyNotImplemented = errors.New("property not implemented")
	ErrSameCalculator         = errors.New("calculators cannot be the same instance")
	ErrInvalidMode            = errors.New(`mode must be "add" or "subtract"`)
	ErrSelfReference          = errors.New("calculator is the holder of its own reference")
	ErrReferenceMismatch      = errors.New("reference configurations differ")
	ErrNoRecord               = errors.New("no recorded results for structure")
)

// Calculator evaluates structures. ID identifies the instance, not the kind:
// two calculators built with identical parameters still have distinct IDs.
type Calculator interface {
	ID() string
	Name() string
	Calculate(ctx context.Context, s model.Structure, props model.Property) (model.Results, error)
}

// StateChecker is implemented by calculators that can report whether their
// cached state is stale for s.
type StateChecker interface {
	Stale(s model.Structure) bool
}

func NewID(kind string) string {
	return kind + "-" + uuid.NewString()
}

// SameInstance reports whether a and b are the same calculator instance.
func SameInstance(a, b Calculator) bool {
	if a == nil || b == nil {
		return false
	}
	return a.ID() == b.ID()
}

// Compute labels copies of every configuration with c.
func Compute(ctx context.Context, c Calculator, configs []model.Configuration, props model.Property) ([]model.Configuration, error) {
	out := make([]model.Configuration, 0, len(configs))
	for i, cfg := range configs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := c.Calculate(ctx, cfg.Structure, props)
		if err != nil {
			return nil, fmt.Errorf("compute %s on configuration %d: %w", c.Name(), i, err)
		}
		out = append(out, model.Labeled(cfg.Structure, r))
	}
	return out, nil
}

// Evaluate returns the attached results of cfg when they cover props,
// otherwise calculates with c.
func Evaluate(ctx context.Context, c Calculator, cfg model.Configuration, props model.Property) (model.Results, error) {
	if r, ok := cfg.Results(); ok && r.Has(props) {
		return r, nil
	}
	return c.Calculate(ctx, cfg.Structure, props)
}
