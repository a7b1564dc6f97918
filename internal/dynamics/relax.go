// Package dynamics provides a steepest-descent relaxation that records its
// trajectory per label.
package dynamics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"almlp/internal/calc"
	"almlp/internal/model"
	"almlp/internal/telemetry"
)

var ErrUnknownTrajectory = errors.New("unknown trajectory label")

type Options struct {
	Fmax     float64
	Steps    int
	StepSize float64
	// MaxDisplacement caps the per-atom move of one step.
	MaxDisplacement float64
}

func DefaultOptions() Options {
	return Options{Fmax: 0.05, Steps: 50, StepSize: 0.01, MaxDisplacement: 0.2}
}

// Relaxer moves every free atom along its force until the largest force norm
// drops below Fmax or the step limit is hit.
type Relaxer struct {
	start  model.Structure
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	trajectories map[string][]model.Configuration
}

func NewRelaxer(start model.Structure, opts Options, logger *slog.Logger) (*Relaxer, error) {
	if start.Len() == 0 {
		return nil, errors.New("relaxation needs at least one atom")
	}
	if opts.Steps <= 0 {
		return nil, errors.New("relaxation steps must be > 0")
	}
	if opts.StepSize <= 0 {
		return nil, errors.New("relaxation step size must be > 0")
	}
	if opts.MaxDisplacement <= 0 {
		opts.MaxDisplacement = DefaultOptions().MaxDisplacement
	}
	return &Relaxer{
		start:        start.Clone(),
		opts:         opts,
		logger:       telemetry.OrDiscard(logger),
		trajectories: make(map[string][]model.Configuration),
	}, nil
}

// Run relaxes the start structure with c and stores every visited frame,
// including the first, under label.
func (r *Relaxer) Run(ctx context.Context, c calc.Calculator, label string) error {
	_, err := r.Relax(ctx, c, label)
	return err
}

// Relax is Run returning the final frame.
func (r *Relaxer) Relax(ctx context.Context, c calc.Calculator, label string) (model.Configuration, error) {
	s := r.start.Clone()
	var frames []model.Configuration
	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return model.Configuration{}, err
		}
		res, err := c.Calculate(ctx, s, model.PropEnergyForces)
		if err != nil {
			return model.Configuration{}, fmt.Errorf("relax step %d with %s: %w", step, c.Name(), err)
		}
		frames = append(frames, model.Labeled(s, res))

		fmax := model.MaxForceNorm(freeForces(s, res.Forces))
		if fmax < r.opts.Fmax || step >= r.opts.Steps {
			r.logger.Debug("relaxation finished",
				slog.String("label", label),
				slog.Int("steps", step),
				slog.Float64("fmax", fmax),
				slog.Float64("energy", res.Energy))
			break
		}
		s = r.move(s, res.Forces)
	}

	r.mu.Lock()
	r.trajectories[label] = frames
	r.mu.Unlock()
	return frames[len(frames)-1], nil
}

func (r *Relaxer) move(s model.Structure, forces []model.Vec3) model.Structure {
	next := s.Clone()
	for i := range next.Positions {
		if s.IsFixed(i) || i >= len(forces) {
			continue
		}
		d := forces[i].Scale(r.opts.StepSize)
		if n := d.Norm(); n > r.opts.MaxDisplacement {
			d = d.Scale(r.opts.MaxDisplacement / n)
		}
		next.Positions[i] = next.Positions[i].Add(d)
	}
	return next
}

func freeForces(s model.Structure, forces []model.Vec3) []model.Vec3 {
	out := make([]model.Vec3, 0, len(forces))
	for i, f := range forces {
		if !s.IsFixed(i) {
			out = append(out, f)
		}
	}
	return out
}

func (r *Relaxer) Trajectory(_ context.Context, label string) ([]model.Configuration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	frames, ok := r.trajectories[label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrajectory, label)
	}
	out := make([]model.Configuration, len(frames))
	for i, f := range frames {
		out[i] = f.Clone()
	}
	return out, nil
}
