package surrogate

import (
	"context"
	"fmt"
	"math"
	"sort"

	"almlp/internal/calc"
	"almlp/internal/model"
)

const (
	DefaultNeighbours    = 3
	DefaultDistanceScale = 1.0
)

type NeighbourOptions struct {
	Neighbours    int
	DistanceScale float64
}

// Neighbours predicts by averaging the k training configurations closest in
// RMSD. The spread of the members plus a distance penalty is the reported
// uncertainty, so predictions far from the data are flagged as unsafe.
type Neighbours struct {
	id    string
	opts  NeighbourOptions
	data  []model.Configuration
	cache calc.Cache

	fullFits        int
	incrementalFits int
	lastBatch       int
	predictions     int
}

func NewNeighbours(opts NeighbourOptions) *Neighbours {
	if opts.Neighbours <= 0 {
		opts.Neighbours = DefaultNeighbours
	}
	if opts.DistanceScale < 0 {
		opts.DistanceScale = 0
	}
	return &Neighbours{id: calc.NewID("neighbours"), opts: opts}
}

func (n *Neighbours) ID() string   { return n.id }
func (n *Neighbours) Name() string { return "neighbours" }

func (n *Neighbours) FullFits() int        { return n.fullFits }
func (n *Neighbours) IncrementalFits() int { return n.incrementalFits }
func (n *Neighbours) LastBatch() int       { return n.lastBatch }
func (n *Neighbours) Predictions() int     { return n.predictions }
func (n *Neighbours) Size() int            { return len(n.data) }

func (n *Neighbours) Stale(s model.Structure) bool {
	return n.cache.Stale(s)
}

func (n *Neighbours) Train(ctx context.Context, full []model.Configuration, incremental []model.Configuration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := full
	if len(incremental) > 0 && len(n.data) > 0 {
		batch = incremental
	}
	labeled := make([]model.Configuration, 0, len(batch))
	for i, cfg := range batch {
		r, ok := cfg.Results()
		if !ok || !r.Has(model.PropEnergyForces) {
			return fmt.Errorf("train item %d: %w", i, model.ErrUnlabeled)
		}
		labeled = append(labeled, cfg.Clone())
	}

	if len(incremental) > 0 && len(n.data) > 0 {
		n.data = append(n.data, labeled...)
		n.incrementalFits++
	} else {
		n.data = labeled
		n.fullFits++
	}
	n.lastBatch = len(labeled)
	n.cache.Reset()
	return nil
}

type neighbour struct {
	distance float64
	results  model.Results
}

func (n *Neighbours) Calculate(ctx context.Context, s model.Structure, props model.Property) (model.Results, error) {
	if err := ctx.Err(); err != nil {
		return model.Results{}, err
	}
	if r, ok := n.cache.Lookup(s, props); ok {
		return r, nil
	}
	if len(n.data) == 0 {
		return model.Results{}, ErrUntrained
	}

	candidates := make([]neighbour, 0, len(n.data))
	for _, cfg := range n.data {
		d, ok := model.RMSD(s, cfg.Structure)
		if !ok {
			continue
		}
		r, _ := cfg.Results()
		candidates = append(candidates, neighbour{distance: d, results: r})
	}
	if len(candidates) == 0 {
		return model.Results{}, ErrNoNeighbours
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})
	if len(candidates) > n.opts.Neighbours {
		candidates = candidates[:n.opts.Neighbours]
	}

	atoms := len(s.Positions)
	count := float64(len(candidates))
	meanE := 0.0
	meanF := make([]model.Vec3, atoms)
	for _, c := range candidates {
		meanE += c.results.Energy / count
		for i := 0; i < atoms; i++ {
			meanF[i] = meanF[i].Add(c.results.Forces[i].Scale(1 / count))
		}
	}

	varE := 0.0
	maxStd := 0.0
	for _, c := range candidates {
		de := c.results.Energy - meanE
		varE += de * de / count
	}
	for i := 0; i < atoms; i++ {
		for k := 0; k < 3; k++ {
			v := 0.0
			for _, c := range candidates {
				d := c.results.Forces[i][k] - meanF[i][k]
				v += d * d / count
			}
			if std := math.Sqrt(v); std > maxStd {
				maxStd = std
			}
		}
	}
	penalty := n.opts.DistanceScale * candidates[0].distance

	n.predictions++
	out := model.Results{
		Set:         model.PropEnergyForces | model.PropUncertainty,
		Energy:      meanE,
		Forces:      meanF,
		EnergyStd:   math.Sqrt(varE) + penalty,
		MaxForceStd: maxStd + penalty,
		Source:      n.id,
	}
	n.cache.Store(s, out)
	return out.Restrict(props), nil
}
