package surrogate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"almlp/internal/model"
	"almlp/internal/testutil"
)

func labeled(spacing, energy float64) model.Configuration {
	s := testutil.Line(2, spacing)
	return model.Labeled(s, model.Results{
		Set:    model.PropEnergyForces,
		Energy: energy,
		Forces: []model.Vec3{{energy, 0, 0}, {-energy, 0, 0}},
	})
}

func TestNeighboursUntrained(t *testing.T) {
	n := NewNeighbours(NeighbourOptions{})
	_, err := n.Calculate(context.Background(), testutil.Line(2, 1), model.PropEnergy)
	require.True(t, errors.Is(err, ErrUntrained))
}

func TestNeighboursFullAndIncrementalTraining(t *testing.T) {
	ctx := context.Background()
	n := NewNeighbours(NeighbourOptions{Neighbours: 2})
	data := []model.Configuration{labeled(1.0, 1), labeled(1.2, 3)}

	require.NoError(t, n.Train(ctx, data, nil))
	assert.Equal(t, 1, n.FullFits())
	assert.Equal(t, 2, n.Size())

	extra := labeled(1.4, 5)
	require.NoError(t, n.Train(ctx, append(data, extra), []model.Configuration{extra}))
	assert.Equal(t, 1, n.IncrementalFits())
	assert.Equal(t, 1, n.LastBatch())
	assert.Equal(t, 3, n.Size())

	require.Error(t, n.Train(ctx, []model.Configuration{model.NewConfiguration(testutil.Line(2, 1))}, nil))
}

func TestNeighboursUncertaintyGrowsAwayFromData(t *testing.T) {
	ctx := context.Background()
	n := NewNeighbours(NeighbourOptions{Neighbours: 2, DistanceScale: 1})
	require.NoError(t, n.Train(ctx, []model.Configuration{labeled(1.0, 1), labeled(1.1, 1)}, nil))

	near, err := n.Calculate(ctx, testutil.Line(2, 1.05), model.PropEnergyForces|model.PropUncertainty)
	require.NoError(t, err)
	far, err := n.Calculate(ctx, testutil.Line(2, 2.0), model.PropEnergyForces|model.PropUncertainty)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, near.Energy, 1e-12)
	assert.Greater(t, far.MaxForceStd, near.MaxForceStd)
	assert.Equal(t, 2, n.Predictions())
}

func TestNeighboursSpreadIsReported(t *testing.T) {
	ctx := context.Background()
	n := NewNeighbours(NeighbourOptions{Neighbours: 2, DistanceScale: 0})
	require.NoError(t, n.Train(ctx, []model.Configuration{labeled(1.0, 0), labeled(1.0, 2)}, nil))

	r, err := n.Calculate(ctx, testutil.Line(2, 1.0), model.PropEnergyForces|model.PropUncertainty)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r.Energy, 1e-12)
	assert.InDelta(t, 1.0, r.MaxForceStd, 1e-12)
	assert.InDelta(t, 1.0, r.EnergyStd, 1e-12)
}
