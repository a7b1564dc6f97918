package offline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"almlp/internal/calc"
	"almlp/internal/model"
)

var ErrNotEnoughCandidates = errors.New("not enough candidates to query")

// Query is the input of a selection round. Model is the surrogate trained in
// the round that produced the candidates; Dataset is the labeled data so far.
type Query struct {
	Round      int
	Count      int
	Candidates []model.Configuration
	Dataset    []model.Configuration
	Model      calc.Calculator
}

// QueryStrategy picks the candidates to label with the parent calculator.
type QueryStrategy interface {
	Name() string
	Select(ctx context.Context, q Query) ([]model.Configuration, error)
}

func checkCount(q Query) error {
	if q.Count <= 0 {
		return fmt.Errorf("query count must be > 0, got %d", q.Count)
	}
	if len(q.Candidates) < q.Count {
		return fmt.Errorf("%w: have %d, want %d", ErrNotEnoughCandidates, len(q.Candidates), q.Count)
	}
	return nil
}

// RandomSample draws a uniform sample without replacement. The generator is
// reseeded from Seed and the round so each round draws a fresh sample.
type RandomSample struct {
	Seed int64
}

func (RandomSample) Name() string { return "random" }

func (r RandomSample) Select(_ context.Context, q Query) ([]model.Configuration, error) {
	if err := checkCount(q); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(r.Seed + int64(q.Round)))
	perm := rng.Perm(len(q.Candidates))
	out := make([]model.Configuration, 0, q.Count)
	for _, idx := range perm[:q.Count] {
		out = append(out, q.Candidates[idx].Clone())
	}
	return out, nil
}

// UncertaintyRanked picks the candidates with the largest force uncertainty
// reported by the model.
type UncertaintyRanked struct{}

func (UncertaintyRanked) Name() string { return "uncertainty" }

func (UncertaintyRanked) Select(ctx context.Context, q Query) ([]model.Configuration, error) {
	if err := checkCount(q); err != nil {
		return nil, err
	}
	if q.Model == nil {
		return nil, errors.New("uncertainty query needs a model")
	}
	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, 0, len(q.Candidates))
	for i, cand := range q.Candidates {
		r, err := q.Model.Calculate(ctx, cand.Structure, model.PropUncertainty)
		if err != nil {
			return nil, fmt.Errorf("score candidate %d: %w", i, err)
		}
		if !r.Has(model.PropUncertainty) {
			return nil, fmt.Errorf("score candidate %d: %w", i, calc.ErrPropertyNotImplemented)
		}
		score := r.MaxForceStd
		if math.IsNaN(score) {
			score = math.Inf(1)
		}
		scores = append(scores, scored{idx: i, score: score})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	out := make([]model.Configuration, 0, q.Count)
	for _, s := range scores[:q.Count] {
		out = append(out, q.Candidates[s.idx].Clone())
	}
	return out, nil
}

// MaxMin greedily picks the candidate farthest (in RMSD) from the dataset and
// from everything picked so far.
type MaxMin struct{}

func (MaxMin) Name() string { return "maxmin" }

func (MaxMin) Select(_ context.Context, q Query) ([]model.Configuration, error) {
	if err := checkCount(q); err != nil {
		return nil, err
	}
	nearest := make([]float64, len(q.Candidates))
	for i, cand := range q.Candidates {
		nearest[i] = math.Inf(1)
		for _, d := range q.Dataset {
			if dist, ok := model.RMSD(cand.Structure, d.Structure); ok && dist < nearest[i] {
				nearest[i] = dist
			}
		}
	}

	picked := make([]bool, len(q.Candidates))
	out := make([]model.Configuration, 0, q.Count)
	for len(out) < q.Count {
		best := -1
		for i := range q.Candidates {
			if picked[i] {
				continue
			}
			if best < 0 || nearest[i] > nearest[best] {
				best = i
			}
		}
		picked[best] = true
		out = append(out, q.Candidates[best].Clone())
		for i, cand := range q.Candidates {
			if picked[i] {
				continue
			}
			if dist, ok := model.RMSD(cand.Structure, q.Candidates[best].Structure); ok && dist < nearest[i] {
				nearest[i] = dist
			}
		}
	}
	return out, nil
}

// NewQueryStrategy maps a configured name to a strategy.
func NewQueryStrategy(name string, seed int64) (QueryStrategy, error) {
	switch name {
	case "", "random":
		return RandomSample{Seed: seed}, nil
	case "uncertainty":
		return UncertaintyRanked{}, nil
	case "maxmin":
		return MaxMin{}, nil
	default:
		return nil, fmt.Errorf("unsupported query strategy: %s", name)
	}
}

// State is what a termination policy sees after each round.
type State struct {
	Round          int
	DatasetSize    int
	Queried        int
	MaxEnergyError float64
	MaxForceError  float64
	// HasErrors is false until a round has queried points to measure.
	HasErrors bool
}

type TerminationPolicy interface {
	Name() string
	Done(s State) bool
}

// MaxRounds stops once the round index reaches Max, so rounds 0..Max run.
type MaxRounds struct {
	Max int
}

func (MaxRounds) Name() string { return "max_rounds" }

func (m MaxRounds) Done(s State) bool {
	return s.Round >= m.Max
}

// Convergence stops when the composed model reproduces the newly queried
// parent labels within Tol for energy and forces, or at MaxRounds.
type Convergence struct {
	EnergyTol float64
	ForceTol  float64
	MaxRounds int
}

func (Convergence) Name() string { return "convergence" }

func (c Convergence) Done(s State) bool {
	if s.Round >= c.MaxRounds {
		return true
	}
	return s.HasErrors && s.MaxEnergyError <= c.EnergyTol && s.MaxForceError <= c.ForceTol
}

func NewTerminationPolicy(name string, maxRounds int, tol float64) (TerminationPolicy, error) {
	switch name {
	case "", "max_rounds":
		return MaxRounds{Max: maxRounds}, nil
	case "convergence":
		return Convergence{EnergyTol: tol, ForceTol: tol, MaxRounds: maxRounds}, nil
	default:
		return nil, fmt.Errorf("unsupported termination policy: %s", name)
	}
}
