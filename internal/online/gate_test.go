package online

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"almlp/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestUnsafePrediction(t *testing.T) {
	tests := []struct {
		name        string
		thresholds  Thresholds
		uncertainty float64
		forces      []model.Vec3
		wantUnsafe  bool
		wantTol     float64
	}{
		{
			name:        "dynamic tolerance dominates",
			thresholds:  Thresholds{StaticTol: 0.05, DynamicTol: 0.1},
			uncertainty: 0.2,
			forces:      []model.Vec3{{1, 0, 0}, {0, -0.5, 0}},
			wantUnsafe:  true,
			wantTol:     0.1,
		},
		{
			name:        "static floor applies to small forces",
			thresholds:  Thresholds{StaticTol: 0.05, DynamicTol: 0.1},
			uncertainty: 0.04,
			forces:      []model.Vec3{{0.01, 0, 0}},
			wantUnsafe:  false,
			wantTol:     0.05,
		},
		{
			name:        "negative component counts by magnitude",
			thresholds:  Thresholds{StaticTol: 0, DynamicTol: 0.5},
			uncertainty: 0.9,
			forces:      []model.Vec3{{0, 0, -2}},
			wantUnsafe:  false,
			wantTol:     1.0,
		},
		{
			name:        "equal to tolerance is safe",
			thresholds:  Thresholds{StaticTol: 0.1},
			uncertainty: 0.1,
			forces:      []model.Vec3{{0, 0, 0}},
			wantUnsafe:  false,
			wantTol:     0.1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unsafe, tol, _, err := UnsafePrediction(tt.thresholds, tt.uncertainty, tt.forces)
			require.NoError(t, err)
			assert.Equal(t, tt.wantUnsafe, unsafe)
			assert.InDelta(t, tt.wantTol, tol, 1e-12)
		})
	}
}

func TestUnsafePredictionRejectsNaN(t *testing.T) {
	_, _, _, err := UnsafePrediction(Thresholds{}, math.NaN(), []model.Vec3{{1, 0, 0}})
	require.ErrorIs(t, err, ErrNaNUncertainty)
}

func TestParentVerifyUsesRowNorm(t *testing.T) {
	forces := []model.Vec3{{0.03, 0.04, 0}}

	verify, fmax := ParentVerify(Thresholds{FmaxVerify: ptr(0.05)}, forces)
	assert.True(t, verify)
	assert.InDelta(t, 0.05, fmax, 1e-12)

	verify, _ = ParentVerify(Thresholds{FmaxVerify: ptr(0.045)}, forces)
	assert.False(t, verify)

	verify, _ = ParentVerify(Thresholds{}, forces)
	assert.False(t, verify, "verification is off without a threshold")
}

func TestGateIsDeterministic(t *testing.T) {
	th := Thresholds{StaticTol: 0.05, DynamicTol: 0.1, FmaxVerify: ptr(0.5)}
	prediction := model.Results{
		Set:         model.PropEnergyForces | model.PropUncertainty,
		Forces:      []model.Vec3{{0.2, 0.1, 0}, {0, 0, 0.3}},
		MaxForceStd: 0.07,
	}

	first, err := Gate(th, prediction)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Gate(th, prediction)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.True(t, first.Unsafe)
	assert.True(t, first.Verify)
	assert.True(t, first.NeedsParent())
}

func TestGateRequiresUncertainty(t *testing.T) {
	_, err := Gate(Thresholds{}, model.Results{Set: model.PropEnergyForces, Forces: []model.Vec3{{0, 0, 0}}})
	require.Error(t, err)
}

func TestThresholdsValidate(t *testing.T) {
	require.NoError(t, Thresholds{StaticTol: 0.1}.Validate())
	require.Error(t, Thresholds{StaticTol: -1}.Validate())
	require.Error(t, Thresholds{DynamicTol: math.NaN()}.Validate())
	require.Error(t, Thresholds{MaxParentCalls: ptr(-1)}.Validate())

	assert.False(t, Thresholds{}.BudgetExhausted(1000))
	assert.True(t, Thresholds{MaxParentCalls: ptr(2)}.BudgetExhausted(2))
	assert.False(t, Thresholds{MaxParentCalls: ptr(2)}.BudgetExhausted(1))
}
