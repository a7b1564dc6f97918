// Package online implements the per-step uncertainty gate that decides
// between a surrogate prediction and a reference calculation.
package online

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"almlp/internal/calc"
	"almlp/internal/model"
	"almlp/internal/storage"
	"almlp/internal/surrogate"
	"almlp/internal/telemetry"
)

var ErrBootstrapBudget = errors.New("parent call budget exhausted with no labeled data to fall back on")

type Config struct {
	RunID      string
	Thresholds Thresholds
	Parent     calc.Calculator
	Potential  surrogate.Potential
	Initial    []model.Configuration
	Sink       storage.Sink
	Logger     *slog.Logger
}

// UnsafeEntry records the numbers behind an unsafe verdict.
type UnsafeEntry struct {
	MaxForce    float64
	Uncertainty float64
	Tolerance   float64
}

// Engine owns one dataset and gates every evaluation handed to it. It is not
// safe for concurrent use.
type Engine struct {
	id         string
	runID      string
	thresholds Thresholds
	parent     calc.Calculator
	potential  surrogate.Potential
	dataset    *model.Dataset
	sink       storage.Sink
	logger     *slog.Logger

	trained     bool
	step        int
	parentCalls int
	cache       calc.Cache

	audit      []model.AuditRecord
	retrainIdx []int
	unsafe     map[int]UnsafeEntry
	verified   []int
}

// NewEngine prepares the engine and trains the surrogate when the initial
// dataset already holds at least two labeled configurations.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Parent == nil {
		return nil, errors.New("parent calculator is required")
	}
	if cfg.Potential == nil {
		return nil, errors.New("surrogate potential is required")
	}
	if calc.SameInstance(cfg.Parent, cfg.Potential) {
		return nil, fmt.Errorf("parent and surrogate: %w", calc.ErrSameCalculator)
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	dataset, err := model.NewDataset(cfg.Initial...)
	if err != nil {
		return nil, fmt.Errorf("initial dataset: %w", err)
	}

	e := &Engine{
		id:         calc.NewID("online"),
		runID:      cfg.RunID,
		thresholds: cfg.Thresholds,
		parent:     cfg.Parent,
		potential:  cfg.Potential,
		dataset:    dataset,
		sink:       cfg.Sink,
		logger:     telemetry.OrDiscard(cfg.Logger),
		unsafe:     make(map[int]UnsafeEntry),
	}
	// uncertainty is meaningless with a single point
	if dataset.Len() > 1 {
		if err := e.train(ctx, nil); err != nil {
			return nil, err
		}
	}
	telemetry.DatasetSize.WithLabelValues(telemetry.LoopOnline).Set(float64(dataset.Len()))
	return e, nil
}

func (e *Engine) ID() string   { return e.id }
func (e *Engine) Name() string { return "online(" + e.potential.Name() + ")" }

func (e *Engine) Stale(s model.Structure) bool { return e.cache.Stale(s) }

// Calculate runs one gated step for a new structure. Repeated calls for the
// same structure are served from the cache so the gate runs once per step.
func (e *Engine) Calculate(ctx context.Context, s model.Structure, props model.Property) (model.Results, error) {
	props &= model.PropEnergyForces
	if props == 0 {
		return model.Results{}, calc.ErrPropertyNotImplemented
	}
	if r, ok := e.cache.Lookup(s, props); ok {
		return r, nil
	}
	r, err := e.Step(ctx, s)
	if err != nil {
		return model.Results{}, err
	}
	e.cache.Store(s, r)
	return r.Restrict(props), nil
}

// Step gates a single structure and returns the energy and forces to use.
func (e *Engine) Step(ctx context.Context, s model.Structure) (model.Results, error) {
	if e.dataset.Len() < 2 {
		return e.bootstrap(ctx, s)
	}
	if !e.trained {
		if err := e.train(ctx, nil); err != nil {
			return model.Results{}, err
		}
	}

	prediction, err := e.potential.Calculate(ctx, s.Clone(), model.PropEnergyForces|model.PropUncertainty)
	if err != nil {
		return model.Results{}, fmt.Errorf("surrogate prediction: %w", err)
	}
	e.step++

	decision, err := Gate(e.thresholds, prediction)
	if err != nil {
		return model.Results{}, fmt.Errorf("step %d: %w", e.step, err)
	}
	if decision.Unsafe {
		e.unsafe[e.step] = UnsafeEntry{
			MaxForce:    decision.BaseUncertainty,
			Uncertainty: decision.Uncertainty,
			Tolerance:   decision.Tolerance,
		}
	}
	e.verified = append(e.verified, e.step)

	record := model.AuditRecord{
		Phase:           model.PhasePredict,
		Unsafe:          decision.Unsafe,
		Verify:          decision.Verify,
		Uncertainty:     decision.Uncertainty,
		BaseUncertainty: decision.BaseUncertainty,
		Tolerance:       decision.Tolerance,
		PredictedFmax:   decision.PredictedFmax,
	}
	telemetry.GateDecisions.WithLabelValues(decisionLabel(decision)).Inc()

	result := prediction.Restrict(model.PropEnergyForces)
	if decision.NeedsParent() {
		if decision.Verify {
			e.logger.Info("force below verify threshold, checking with parent",
				slog.Int("step", e.step), slog.Float64("fmax", decision.PredictedFmax))
		}
		labeled, called, err := e.addDataAndRetrain(ctx, s)
		if err != nil {
			return model.Results{}, err
		}
		if called {
			result = labeled
			record.ParentCalled = true
			fillParent(&record, labeled)
		} else {
			record.BudgetExhausted = true
		}
	}

	e.record(ctx, s, result, record)
	return result, nil
}

func (e *Engine) bootstrap(ctx context.Context, s model.Structure) (model.Results, error) {
	labeled, called, err := e.addDataAndRetrain(ctx, s)
	if err != nil {
		return model.Results{}, err
	}
	if !called {
		return e.bootstrapFallback(ctx, s)
	}
	e.step++
	record := model.AuditRecord{Phase: model.PhaseBootstrap, ParentCalled: true}
	fillParent(&record, labeled)
	telemetry.GateDecisions.WithLabelValues("bootstrap").Inc()
	e.record(ctx, s, labeled, record)
	return labeled, nil
}

// bootstrapFallback serves a prediction fitted on whatever was labeled before
// the budget ran out. Only an empty dataset leaves nothing to fall back on.
func (e *Engine) bootstrapFallback(ctx context.Context, s model.Structure) (model.Results, error) {
	if e.dataset.Len() == 0 {
		return model.Results{}, ErrBootstrapBudget
	}
	if !e.trained {
		if err := e.train(ctx, nil); err != nil {
			return model.Results{}, err
		}
	}
	prediction, err := e.potential.Calculate(ctx, s.Clone(), model.PropEnergyForces)
	if err != nil {
		return model.Results{}, fmt.Errorf("surrogate prediction: %w", err)
	}
	e.step++
	result := prediction.Restrict(model.PropEnergyForces)
	record := model.AuditRecord{
		Phase:           model.PhaseBootstrap,
		BudgetExhausted: true,
		PredictedFmax:   model.MaxForceNorm(result.Forces),
	}
	telemetry.GateDecisions.WithLabelValues("bootstrap_fallback").Inc()
	e.record(ctx, s, result, record)
	return result, nil
}

// addDataAndRetrain labels s with the parent, appends it and retrains. called
// is false when the budget was already spent.
func (e *Engine) addDataAndRetrain(ctx context.Context, s model.Structure) (model.Results, bool, error) {
	e.logger.Debug("parent calculation required", slog.Int("step", e.step+1))
	if e.thresholds.BudgetExhausted(e.parentCalls) {
		e.logger.Warn("parent call skipped, max parent calls reached",
			slog.Int("parent_calls", e.parentCalls))
		telemetry.ParentCalls.WithLabelValues(telemetry.LoopOnline, "budget_exhausted").Inc()
		return model.Results{}, false, nil
	}

	start := time.Now()
	spanCtx, span := telemetry.StartSpan(ctx, "online.parent_call",
		attribute.String("run_id", e.runID),
		attribute.Int("step", e.step+1),
	)
	r, err := e.parent.Calculate(spanCtx, s.Clone(), model.PropEnergyForces)
	telemetry.EndSpan(span, err)
	if err != nil {
		telemetry.ParentCalls.WithLabelValues(telemetry.LoopOnline, "error").Inc()
		return model.Results{}, false, fmt.Errorf("parent calculation: %w", err)
	}
	elapsed := time.Since(start)

	if err := e.dataset.Append(model.Labeled(s, r)); err != nil {
		return model.Results{}, false, err
	}
	e.parentCalls++
	e.retrainIdx = append(e.retrainIdx, e.step+1)
	telemetry.ParentCalls.WithLabelValues(telemetry.LoopOnline, "ok").Inc()
	telemetry.ParentCallDuration.WithLabelValues(telemetry.LoopOnline).Observe(elapsed.Seconds())
	telemetry.DatasetSize.WithLabelValues(telemetry.LoopOnline).Set(float64(e.dataset.Len()))
	e.logger.Info("parent call complete",
		slog.Int("parent_calls", e.parentCalls),
		slog.Duration("elapsed", elapsed),
		slog.Int("dataset_size", e.dataset.Len()))

	// training waits until the first prediction step in bootstrap
	if e.trained {
		if err := e.train(ctx, e.dataset.Since(e.dataset.Len()-1)); err != nil {
			return model.Results{}, false, err
		}
	}
	return r.Restrict(model.PropEnergyForces), true, nil
}

func (e *Engine) train(ctx context.Context, incremental []model.Configuration) error {
	kind := "full"
	if len(incremental) > 0 {
		kind = "incremental"
	}
	spanCtx, span := telemetry.StartSpan(ctx, "online.train",
		attribute.String("kind", kind),
		attribute.Int("dataset_size", e.dataset.Len()),
	)
	err := e.potential.Train(spanCtx, e.dataset.All(), incremental)
	telemetry.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("%s training: %w", kind, err)
	}
	e.trained = true
	telemetry.Retrains.WithLabelValues(telemetry.LoopOnline, kind).Inc()
	e.logger.Debug("surrogate trained", slog.String("kind", kind), slog.Int("dataset_size", e.dataset.Len()))
	return nil
}

func (e *Engine) record(ctx context.Context, s model.Structure, result model.Results, record model.AuditRecord) {
	record.VersionedRecord = model.VersionedRecord{SchemaVersion: storage.CurrentSchemaVersion, CodecVersion: storage.CurrentCodecVersion}
	record.RunID = e.runID
	record.Step = e.step
	record.Key = AuditKey(e.runID, e.step)
	record.DatasetSize = e.dataset.Len()
	record.ParentCalls = e.parentCalls
	e.audit = append(e.audit, record)

	if e.sink == nil {
		return
	}
	stored := record
	meta := model.Metadata{
		RunID: e.runID,
		Kind:  model.RunKindOnline,
		Key:   record.Key,
		Step:  record.Step,
		Audit: &stored,
	}
	if err := e.sink.Write(ctx, []model.Configuration{model.Labeled(s, result)}, meta); err != nil {
		telemetry.SinkFailures.WithLabelValues(telemetry.LoopOnline).Inc()
		e.logger.Warn("persisting queried image failed", slog.Int("step", e.step), slog.Any("error", err))
	}
}

// AuditKey is the persistence key of a step. The random tag is seeded from
// the step index so reruns produce the same keys.
func AuditKey(runID string, step int) string {
	tag := rand.New(rand.NewSource(int64(step))).Uint32()
	return fmt.Sprintf("%s-%06d-%08x", runID, step, tag)
}

func fillParent(record *model.AuditRecord, r model.Results) {
	energy := r.Energy
	fmax := model.MaxAbsForce(r.Forces)
	record.ParentEnergy = &energy
	record.ParentFmax = &fmax
}

func decisionLabel(d Decision) string {
	switch {
	case d.Unsafe && d.Verify:
		return "unsafe_verify"
	case d.Unsafe:
		return "unsafe"
	case d.Verify:
		return "verify"
	default:
		return "accept"
	}
}

func (e *Engine) Dataset() []model.Configuration { return e.dataset.All() }
func (e *Engine) DatasetSize() int               { return e.dataset.Len() }
func (e *Engine) ParentCalls() int               { return e.parentCalls }
func (e *Engine) Steps() int                     { return e.step }
func (e *Engine) Trained() bool                  { return e.trained }

func (e *Engine) Audit() []model.AuditRecord {
	return append([]model.AuditRecord(nil), e.audit...)
}

// RetrainSteps lists the steps at which a parent label was added.
func (e *Engine) RetrainSteps() []int {
	return append([]int(nil), e.retrainIdx...)
}

// UnsafeSteps maps each unsafe step to the values that triggered it.
func (e *Engine) UnsafeSteps() map[int]UnsafeEntry {
	out := make(map[int]UnsafeEntry, len(e.unsafe))
	for k, v := range e.unsafe {
		out[k] = v
	}
	return out
}

// VerifiedSteps lists the steps at which the force verification ran. The
// verify criterion is evaluated on every predict step, independently of the
// unsafe verdict, so unsafe steps are listed too.
func (e *Engine) VerifiedSteps() []int {
	return append([]int(nil), e.verified...)
}
