// Package surrogate defines the trainable potential contract and ships a small
// nearest-neighbour ensemble that satisfies it.
package surrogate

import (
	"context"
	"errors"

	"almlp/internal/calc"
	"almlp/internal/model"
)

var (
	ErrUntrained    = errors.New("surrogate has not been trained")
	ErrNoNeighbours = errors.New("no compatible training configurations")
)

// Potential is a calculator that can be fitted to labeled configurations and
// reports uncertainty. A nil or empty incremental slice requests a full fit on
// full; otherwise the model is updated with incremental only.
type Potential interface {
	calc.Calculator
	Train(ctx context.Context, full []model.Configuration, incremental []model.Configuration) error
}
