package online

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"almlp/internal/model"
	"almlp/internal/storage"
	"almlp/internal/testutil"
)

type failingSink struct {
	writes int
}

func (s *failingSink) Write(context.Context, []model.Configuration, model.Metadata) error {
	s.writes++
	return errors.New("disk full")
}

func labeledSeed(t *testing.T, parent *testutil.FuncCalculator, s model.Structure) model.Configuration {
	t.Helper()
	r, err := parent.Calculate(context.Background(), s, model.PropEnergyForces)
	require.NoError(t, err)
	return model.Labeled(s, r)
}

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testutil.NewTestLogger(t)
	}
	if cfg.RunID == "" {
		cfg.RunID = "run-test"
	}
	e, err := NewEngine(context.Background(), cfg)
	require.NoError(t, err)
	return e
}

func TestEngineWorkedScenario(t *testing.T) {
	ctx := context.Background()
	parent := testutil.LinearCalculator("parent", 0.5, -1)
	base := testutil.Line(2, 1.1)
	surrogate := testutil.NewScriptedPotential([]model.Vec3{{1.0, 0, 0}, {0, -0.3, 0}}, 0.2)

	e := newEngine(t, Config{
		Thresholds: Thresholds{StaticTol: 0.05, DynamicTol: 0.1},
		Parent:     parent,
		Potential:  surrogate,
		Initial:    []model.Configuration{labeledSeed(t, parent, base)},
	})
	require.False(t, e.Trained())
	parent.Calls = 0

	// step 1: bootstrap
	_, err := e.Step(ctx, testutil.Shifted(base, 0.1))
	require.NoError(t, err)
	assert.Equal(t, 2, e.DatasetSize())
	assert.Equal(t, 1, parent.Calls)
	assert.Empty(t, surrogate.TrainCalls, "bootstrap must not train")

	// step 2: full train, then unsafe, then incremental retrain with the new point
	step2 := testutil.Shifted(base, 0.2)
	got, err := e.Step(ctx, step2)
	require.NoError(t, err)
	assert.Equal(t, 3, e.DatasetSize())
	assert.Equal(t, 2, parent.Calls)

	require.Len(t, surrogate.TrainCalls, 2)
	assert.Empty(t, surrogate.TrainCalls[0].Incremental)
	assert.Equal(t, 2, surrogate.TrainCalls[0].Full)
	require.Len(t, surrogate.TrainCalls[1].Incremental, 1)
	assert.True(t, model.SameStructure(step2, surrogate.TrainCalls[1].Incremental[0].Structure))

	want, err := parent.Calculate(ctx, step2, model.PropEnergy)
	require.NoError(t, err)
	assert.InDelta(t, want.Energy, got.Energy, 1e-12, "unsafe steps return the parent result")

	audit := e.Audit()
	require.Len(t, audit, 2)
	assert.Equal(t, model.PhaseBootstrap, audit[0].Phase)
	assert.Equal(t, model.PhasePredict, audit[1].Phase)
	assert.True(t, audit[1].Unsafe)
	assert.True(t, audit[1].ParentCalled)
	assert.InDelta(t, 0.1, audit[1].Tolerance, 1e-12)
	assert.InDelta(t, 1.0, audit[1].BaseUncertainty, 1e-12)
	assert.Equal(t, []int{1, 2}, e.RetrainSteps())
	assert.Contains(t, e.UnsafeSteps(), 2)
	assert.Equal(t, []int{2}, e.VerifiedSteps(), "verify is evaluated on unsafe steps too")
}

func TestEngineBootstrapAlwaysCallsParent(t *testing.T) {
	ctx := context.Background()
	parent := testutil.LinearCalculator("parent", 1, 0)
	// uncertainty zero would accept every prediction once trained
	surrogate := testutil.NewScriptedPotential(nil, 0)

	e := newEngine(t, Config{
		Thresholds: Thresholds{StaticTol: 10, DynamicTol: 10},
		Parent:     parent,
		Potential:  surrogate,
	})

	base := testutil.Line(3, 1.2)
	for i := 0; i < 4; i++ {
		_, err := e.Step(ctx, testutil.Shifted(base, float64(i)*0.05))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, parent.Calls)
	assert.Equal(t, 2, e.ParentCalls())
	assert.Equal(t, 4, e.Steps())
	assert.Equal(t, 2, e.DatasetSize())

	audit := e.Audit()
	assert.Equal(t, model.PhaseBootstrap, audit[0].Phase)
	assert.Equal(t, model.PhaseBootstrap, audit[1].Phase)
	assert.False(t, audit[2].ParentCalled)
	assert.False(t, audit[3].ParentCalled)
}

func TestEngineTrainsWhenSeededWithTwoLabels(t *testing.T) {
	parent := testutil.LinearCalculator("parent", 1, 0)
	surrogate := testutil.NewScriptedPotential(nil, 0)
	base := testutil.Line(2, 1.0)

	e := newEngine(t, Config{
		Parent:    parent,
		Potential: surrogate,
		Initial: []model.Configuration{
			labeledSeed(t, parent, base),
			labeledSeed(t, parent, testutil.Shifted(base, 0.3)),
		},
	})
	assert.True(t, e.Trained())
	require.Len(t, surrogate.TrainCalls, 1)
	assert.Equal(t, 2, surrogate.TrainCalls[0].Full)
}

func TestEngineRespectsParentBudget(t *testing.T) {
	ctx := context.Background()
	parent := testutil.LinearCalculator("parent", 1, 0)
	surrogate := testutil.NewScriptedPotential([]model.Vec3{{0.1, 0, 0}, {0, 0, 0}}, 5)

	e := newEngine(t, Config{
		Thresholds: Thresholds{StaticTol: 0.01, MaxParentCalls: ptr(3)},
		Parent:     parent,
		Potential:  surrogate,
	})

	base := testutil.Line(2, 1.0)
	for i := 0; i < 6; i++ {
		r, err := e.Step(ctx, testutil.Shifted(base, float64(i)*0.1))
		require.NoError(t, err)
		require.True(t, r.Has(model.PropEnergyForces))
	}
	assert.Equal(t, 3, parent.Calls)
	assert.Equal(t, 3, e.ParentCalls())
	assert.Equal(t, 3, e.DatasetSize())

	audit := e.Audit()
	require.Len(t, audit, 6)
	for _, rec := range audit[3:] {
		assert.True(t, rec.Unsafe)
		assert.True(t, rec.BudgetExhausted)
		assert.False(t, rec.ParentCalled)
	}
}

func TestEngineBudgetFallbackReturnsPrediction(t *testing.T) {
	ctx := context.Background()
	parent := testutil.LinearCalculator("parent", 1, 0)
	forces := []model.Vec3{{0.4, 0, 0}, {0, 0.2, 0}}
	surrogate := testutil.NewScriptedPotential(forces, 5)
	base := testutil.Line(2, 1.0)

	e := newEngine(t, Config{
		Thresholds: Thresholds{MaxParentCalls: ptr(0)},
		Parent:     parent,
		Potential:  surrogate,
		Initial: []model.Configuration{
			labeledSeed(t, parent, base),
			labeledSeed(t, parent, testutil.Shifted(base, 0.5)),
		},
	})
	parent.Calls = 0

	r, err := e.Step(ctx, testutil.Shifted(base, 0.25))
	require.NoError(t, err)
	assert.Equal(t, 0, parent.Calls)
	assert.Equal(t, forces, r.Forces)
	assert.False(t, r.Has(model.PropUncertainty))
}

func TestEngineBootstrapFallsBackOnBudget(t *testing.T) {
	ctx := context.Background()
	parent := testutil.LinearCalculator("parent", 1, 0)
	forces := []model.Vec3{{0.3, 0, 0}, {-0.3, 0, 0}}
	surrogate := testutil.NewScriptedPotential(forces, 0.5)
	e := newEngine(t, Config{
		Thresholds: Thresholds{MaxParentCalls: ptr(1)},
		Parent:     parent,
		Potential:  surrogate,
	})

	base := testutil.Line(2, 1.0)
	first, err := e.Step(ctx, base)
	require.NoError(t, err)
	require.False(t, e.Trained())

	r, err := e.Step(ctx, testutil.Shifted(base, 0.1))
	require.NoError(t, err)
	assert.Equal(t, 1, parent.Calls)
	assert.Equal(t, 1, e.DatasetSize())
	assert.True(t, e.Trained(), "surrogate is fitted on the single labeled entry")
	assert.InDelta(t, first.Energy, r.Energy, 1e-12)
	assert.Equal(t, forces, r.Forces)
	assert.False(t, r.Has(model.PropUncertainty))

	audit := e.Audit()
	require.Len(t, audit, 2)
	assert.Equal(t, model.PhaseBootstrap, audit[1].Phase)
	assert.True(t, audit[1].BudgetExhausted)
	assert.False(t, audit[1].ParentCalled)
	require.Len(t, surrogate.TrainCalls, 1)
	assert.Equal(t, 1, surrogate.TrainCalls[0].Full)
}

func TestEngineBootstrapFailsWithoutAnyData(t *testing.T) {
	parent := testutil.LinearCalculator("parent", 1, 0)
	e := newEngine(t, Config{
		Thresholds: Thresholds{MaxParentCalls: ptr(0)},
		Parent:     parent,
		Potential:  testutil.NewScriptedPotential(nil, 0),
	})

	_, err := e.Step(context.Background(), testutil.Line(2, 1.0))
	require.ErrorIs(t, err, ErrBootstrapBudget)
	assert.Equal(t, 0, e.Steps())
	assert.Empty(t, e.Audit())
}

func TestEngineNaNUncertaintyAbortsBeforeMutation(t *testing.T) {
	parent := testutil.LinearCalculator("parent", 1, 0)
	surrogate := testutil.NewScriptedPotential(nil, math.NaN())
	base := testutil.Line(2, 1.0)

	e := newEngine(t, Config{
		Thresholds: Thresholds{StaticTol: 0.1},
		Parent:     parent,
		Potential:  surrogate,
		Initial: []model.Configuration{
			labeledSeed(t, parent, base),
			labeledSeed(t, parent, testutil.Shifted(base, 0.5)),
		},
	})
	parent.Calls = 0

	_, err := e.Step(context.Background(), testutil.Shifted(base, 0.2))
	require.ErrorIs(t, err, ErrNaNUncertainty)
	assert.Equal(t, 2, e.DatasetSize())
	assert.Equal(t, 0, parent.Calls)
	assert.Empty(t, e.Audit())
}

func TestEngineVerifyTriggersParent(t *testing.T) {
	parent := testutil.LinearCalculator("parent", 1, 0)
	surrogate := testutil.NewScriptedPotential([]model.Vec3{{0.01, 0, 0}, {0, 0, 0}}, 0)
	base := testutil.Line(2, 1.0)

	e := newEngine(t, Config{
		Thresholds: Thresholds{StaticTol: 1, FmaxVerify: ptr(0.05)},
		Parent:     parent,
		Potential:  surrogate,
		Initial: []model.Configuration{
			labeledSeed(t, parent, base),
			labeledSeed(t, parent, testutil.Shifted(base, 0.5)),
		},
	})
	parent.Calls = 0

	_, err := e.Step(context.Background(), testutil.Shifted(base, 0.2))
	require.NoError(t, err)
	assert.Equal(t, 1, parent.Calls)
	audit := e.Audit()
	require.Len(t, audit, 1)
	assert.False(t, audit[0].Unsafe)
	assert.True(t, audit[0].Verify)
	assert.Equal(t, []int{1}, e.VerifiedSteps())
}

func TestEngineSinkFailureIsSwallowed(t *testing.T) {
	parent := testutil.LinearCalculator("parent", 1, 0)
	sink := &failingSink{}
	e := newEngine(t, Config{
		Parent:    parent,
		Potential: testutil.NewScriptedPotential(nil, 0),
		Sink:      sink,
	})

	_, err := e.Step(context.Background(), testutil.Line(2, 1.0))
	require.NoError(t, err)
	assert.Equal(t, 1, sink.writes)
	assert.Equal(t, 1, e.DatasetSize())
}

func TestEnginePersistsAuditedImages(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(ctx))

	parent := testutil.LinearCalculator("parent", 1, 0)
	e := newEngine(t, Config{
		RunID:     "run-persist",
		Parent:    parent,
		Potential: testutil.NewScriptedPotential(nil, 0),
		Sink:      store,
	})

	base := testutil.Line(2, 1.0)
	for i := 0; i < 3; i++ {
		_, err := e.Step(ctx, testutil.Shifted(base, float64(i)*0.1))
		require.NoError(t, err)
	}

	images, err := store.Images(ctx, "run-persist")
	require.NoError(t, err)
	require.Len(t, images, 3)
	for i, img := range images {
		assert.Equal(t, i+1, img.Metadata.Step)
		assert.Equal(t, AuditKey("run-persist", i+1), img.Metadata.Key)
		require.NotNil(t, img.Metadata.Audit)
		require.NotNil(t, img.Results)
	}
}

func TestEngineCalculateCachesPerStructure(t *testing.T) {
	ctx := context.Background()
	parent := testutil.LinearCalculator("parent", 1, 0)
	e := newEngine(t, Config{
		Parent:    parent,
		Potential: testutil.NewScriptedPotential(nil, 0),
	})

	s := testutil.Line(2, 1.0)
	_, err := e.Calculate(ctx, s, model.PropEnergy)
	require.NoError(t, err)
	_, err = e.Calculate(ctx, s, model.PropForces)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Steps())
	assert.Equal(t, 1, parent.Calls)
}

func TestAuditKeyIsReproducible(t *testing.T) {
	assert.Equal(t, AuditKey("r", 7), AuditKey("r", 7))
	assert.NotEqual(t, AuditKey("r", 7), AuditKey("r", 8))
}

func TestNewEngineRejectsSharedCalculator(t *testing.T) {
	surrogate := testutil.NewScriptedPotential(nil, 0)
	_, err := NewEngine(context.Background(), Config{Parent: surrogate, Potential: surrogate})
	require.Error(t, err)
}
