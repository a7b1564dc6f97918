// Package offline runs the batch active-learning loop: train on the residual
// dataset, drive a trajectory with the composed model, query new labels.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"almlp/internal/calc"
	"almlp/internal/model"
	"almlp/internal/storage"
	"almlp/internal/surrogate"
	"almlp/internal/telemetry"
)

// Driver generates a trajectory with a calculator and stores it under label.
type Driver interface {
	Run(ctx context.Context, c calc.Calculator, label string) error
	Trajectory(ctx context.Context, label string) ([]model.Configuration, error)
}

type Config struct {
	RunID            string
	MaxIterations    int
	SamplesToRetrain int
	FileDir          string
	Filename         string

	Parent    calc.Calculator
	Base      calc.Calculator
	Potential surrogate.Potential
	Initial   []model.Configuration
	Driver    Driver

	Query       QueryStrategy
	Termination TerminationPolicy
	Sink        storage.Sink
	Logger      *slog.Logger
}

// Controller owns the residual dataset of one offline run. It is not safe
// for concurrent use.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	parent  *calc.Counter
	labels  *calc.Recorded
	refs    calc.ReferencePair
	sub     *calc.Delta
	dataset *model.Dataset

	round   int
	rounds  []model.RoundRecord
	trained *calc.Delta
}

// NewController labels any unlabeled initial configuration with the parent,
// anchors the reference pair on the first one and relabels the whole initial
// dataset as parent-minus-base residuals.
func NewController(ctx context.Context, cfg Config) (*Controller, error) {
	if cfg.Parent == nil || cfg.Base == nil || cfg.Potential == nil {
		return nil, errors.New("parent, base and surrogate calculators are required")
	}
	if cfg.Driver == nil {
		return nil, errors.New("trajectory driver is required")
	}
	if len(cfg.Initial) == 0 {
		return nil, errors.New("initial dataset is empty")
	}
	if cfg.MaxIterations < 0 {
		return nil, errors.New("max iterations must be >= 0")
	}
	if cfg.SamplesToRetrain <= 0 {
		return nil, errors.New("samples to retrain must be > 0")
	}
	if calc.SameInstance(cfg.Parent, cfg.Base) || calc.SameInstance(cfg.Potential, cfg.Base) {
		return nil, calc.ErrSameCalculator
	}
	if cfg.Query == nil {
		cfg.Query = RandomSample{}
	}
	if cfg.Termination == nil {
		cfg.Termination = MaxRounds{Max: cfg.MaxIterations}
	}
	if cfg.Filename == "" {
		cfg.Filename = "offline"
	}

	c := &Controller{
		cfg:    cfg,
		logger: telemetry.OrDiscard(cfg.Logger),
		parent: calc.NewCounter(cfg.Parent),
		labels: calc.NewRecorded("parent-labels"),
	}
	if err := c.initTrainingData(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) initTrainingData(ctx context.Context) error {
	raw := make([]model.Configuration, 0, len(c.cfg.Initial))
	for i, cfg := range c.cfg.Initial {
		r, err := calc.Evaluate(ctx, c.parent, cfg, model.PropEnergyForces)
		if err != nil {
			return fmt.Errorf("label initial configuration %d: %w", i, err)
		}
		raw = append(raw, model.Labeled(cfg.Structure, r))
	}
	if err := c.labels.Record(raw...); err != nil {
		return err
	}

	baseRes, err := c.cfg.Base.Calculate(ctx, raw[0].Structure, model.PropEnergyForces)
	if err != nil {
		return fmt.Errorf("base reference: %w", err)
	}
	refs, err := calc.NewReferencePair(raw[0], model.Labeled(raw[0].Structure, baseRes))
	if err != nil {
		return err
	}
	sub, err := calc.NewDelta([2]calc.Calculator{c.labels, c.cfg.Base}, calc.ModeSubtract, refs)
	if err != nil {
		return err
	}
	residuals, err := calc.Compute(ctx, sub, raw, model.PropEnergyForces)
	if err != nil {
		return fmt.Errorf("relabel initial dataset: %w", err)
	}
	dataset, err := model.NewDataset(residuals...)
	if err != nil {
		return err
	}

	c.refs = refs
	c.sub = sub
	c.dataset = dataset
	telemetry.DatasetSize.WithLabelValues(telemetry.LoopOffline).Set(float64(dataset.Len()))
	c.logger.Info("offline training data prepared",
		slog.Int("dataset_size", dataset.Len()),
		slog.Float64("reference_energy", refEnergy(raw[0])))
	return nil
}

func refEnergy(cfg model.Configuration) float64 {
	e, _ := cfg.Energy()
	return e
}

// Label is the trajectory label of a round.
func (c *Controller) Label(round int) string {
	return fmt.Sprintf("%s%s_iter_%d", c.cfg.FileDir, c.cfg.Filename, round)
}

// Learn runs rounds until the termination policy is satisfied and returns
// the add-mode composition of the last trained surrogate and the base.
func (c *Controller) Learn(ctx context.Context) (*calc.Delta, error) {
	var candidates []model.Configuration
	for {
		start := time.Now()
		label := c.Label(c.round)
		c.logger.Info("offline round started", slog.Int("round", c.round), slog.String("label", label))

		record := model.RoundRecord{RunID: c.cfg.RunID, Round: c.round, Label: label}
		state := State{Round: c.round}
		if c.round > 0 {
			queried, errs, err := c.queryData(ctx, candidates)
			if err != nil {
				return nil, err
			}
			record.Queried = queried
			record.MaxEnergyError = errs.energy
			record.MaxForceError = errs.force
			state.Queried = queried
			state.MaxEnergyError = errs.energy
			state.MaxForceError = errs.force
			state.HasErrors = queried > 0
		}

		trained, err := c.train(ctx)
		if err != nil {
			return nil, err
		}
		c.trained = trained

		spanCtx, span := telemetry.StartSpan(ctx, "offline.driver",
			attribute.String("label", label), attribute.Int("round", c.round))
		err = c.cfg.Driver.Run(spanCtx, trained, label)
		if err == nil {
			candidates, err = c.cfg.Driver.Trajectory(spanCtx, label)
		}
		telemetry.EndSpan(span, err)
		if err != nil {
			return nil, fmt.Errorf("round %d driver: %w", c.round, err)
		}

		record.VersionedRecord = model.VersionedRecord{SchemaVersion: storage.CurrentSchemaVersion, CodecVersion: storage.CurrentCodecVersion}
		record.DatasetSize = c.dataset.Len()
		record.Candidates = len(candidates)
		c.rounds = append(c.rounds, record)
		state.DatasetSize = c.dataset.Len()
		telemetry.OfflineRounds.Inc()

		done := c.cfg.Termination.Done(state)
		c.logger.Info("offline round complete",
			slog.Int("round", c.round),
			slog.Int("dataset_size", c.dataset.Len()),
			slog.Int("candidates", len(candidates)),
			slog.Duration("elapsed", time.Since(start)),
			slog.Bool("terminate", done))
		c.round++
		if done {
			c.logger.Info("offline learning terminated", slog.String("policy", c.cfg.Termination.Name()), slog.Int("rounds", c.round))
			return trained, nil
		}
	}
}

func (c *Controller) train(ctx context.Context) (*calc.Delta, error) {
	spanCtx, span := telemetry.StartSpan(ctx, "offline.train",
		attribute.Int("round", c.round), attribute.Int("dataset_size", c.dataset.Len()))
	err := c.cfg.Potential.Train(spanCtx, c.dataset.All(), nil)
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("round %d training: %w", c.round, err)
	}
	telemetry.Retrains.WithLabelValues(telemetry.LoopOffline, "full").Inc()
	return calc.NewDelta([2]calc.Calculator{c.cfg.Potential, c.cfg.Base}, calc.ModeAdd, c.refs)
}

type predictionErrors struct {
	energy float64
	force  float64
}

// queryData selects candidates, labels them with the parent, stores them and
// appends their residuals. It also measures how far the previous composed
// model was from the new parent labels.
func (c *Controller) queryData(ctx context.Context, candidates []model.Configuration) (int, predictionErrors, error) {
	var errs predictionErrors
	selected, err := c.cfg.Query.Select(ctx, Query{
		Round:      c.round,
		Count:      c.cfg.SamplesToRetrain,
		Candidates: candidates,
		Dataset:    c.dataset.All(),
		Model:      c.cfg.Potential,
	})
	if err != nil {
		return 0, errs, fmt.Errorf("round %d query (%s): %w", c.round, c.cfg.Query.Name(), err)
	}

	labeled := make([]model.Configuration, 0, len(selected))
	for _, cand := range selected {
		r, err := c.callParent(ctx, cand.Structure)
		if err != nil {
			return 0, errs, err
		}
		labeled = append(labeled, model.Labeled(cand.Structure, r))

		if c.trained != nil {
			pred, err := c.trained.Calculate(ctx, cand.Structure, model.PropEnergyForces)
			if err != nil {
				return 0, errs, fmt.Errorf("score queried image: %w", err)
			}
			errs.energy = math.Max(errs.energy, math.Abs(pred.Energy-r.Energy))
			errs.force = math.Max(errs.force, maxForceError(pred.Forces, r.Forces))
		}
	}

	c.persist(ctx, labeled)

	if err := c.labels.Record(labeled...); err != nil {
		return 0, errs, err
	}
	residuals, err := calc.Compute(ctx, c.sub, labeled, model.PropEnergyForces)
	if err != nil {
		return 0, errs, fmt.Errorf("residual labels: %w", err)
	}
	if err := c.dataset.Append(residuals...); err != nil {
		return 0, errs, err
	}
	telemetry.DatasetSize.WithLabelValues(telemetry.LoopOffline).Set(float64(c.dataset.Len()))
	return len(labeled), errs, nil
}

func (c *Controller) callParent(ctx context.Context, s model.Structure) (model.Results, error) {
	start := time.Now()
	spanCtx, span := telemetry.StartSpan(ctx, "offline.parent_call",
		attribute.String("run_id", c.cfg.RunID), attribute.Int("round", c.round))
	r, err := c.parent.Calculate(spanCtx, s, model.PropEnergyForces)
	telemetry.EndSpan(span, err)
	if err != nil {
		telemetry.ParentCalls.WithLabelValues(telemetry.LoopOffline, "error").Inc()
		return model.Results{}, fmt.Errorf("parent calculation: %w", err)
	}
	telemetry.ParentCalls.WithLabelValues(telemetry.LoopOffline, "ok").Inc()
	telemetry.ParentCallDuration.WithLabelValues(telemetry.LoopOffline).Observe(time.Since(start).Seconds())
	return r, nil
}

func (c *Controller) persist(ctx context.Context, images []model.Configuration) {
	if c.cfg.Sink == nil || len(images) == 0 {
		return
	}
	meta := model.Metadata{
		RunID: c.cfg.RunID,
		Kind:  model.RunKindOffline,
		Key:   c.Label(c.round),
		Round: c.round,
	}
	if err := c.cfg.Sink.Write(ctx, images, meta); err != nil {
		telemetry.SinkFailures.WithLabelValues(telemetry.LoopOffline).Inc()
		c.logger.Warn("persisting queried images failed", slog.Int("round", c.round), slog.Any("error", err))
	}
}

func maxForceError(pred, ref []model.Vec3) float64 {
	worst := 0.0
	for i := range pred {
		if i >= len(ref) {
			break
		}
		if d := pred[i].Sub(ref[i]).Norm(); d > worst {
			worst = d
		}
	}
	return worst
}

func (c *Controller) Dataset() []model.Configuration { return c.dataset.All() }
func (c *Controller) References() calc.ReferencePair { return c.refs }
func (c *Controller) Rounds() []model.RoundRecord {
	return append([]model.RoundRecord(nil), c.rounds...)
}

// ParentCalls counts parent evaluations, including the initial labeling.
func (c *Controller) ParentCalls() int { return c.parent.ForceCalls() }

// Trained returns the composition from the last completed round.
func (c *Controller) Trained() *calc.Delta { return c.trained }
