package calc

import (
	"context"
	"fmt"
	"strings"

	"almlp/internal/model"
)

type Mode string

const (
	ModeSubtract Mode = "subtract"
	ModeAdd      Mode = "add"
)

func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sub", "subtract":
		return ModeSubtract, nil
	case "add":
		return ModeAdd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, name)
	}
}

func (m Mode) weights() ([2]float64, error) {
	switch m {
	case ModeSubtract:
		return [2]float64{1, -1}, nil
	case ModeAdd:
		return [2]float64{1, 1}, nil
	default:
		return [2]float64{}, fmt.Errorf("%w: %q", ErrInvalidMode, string(m))
	}
}

// Reference is an anchor structure together with the calculator holding its
// results.
type Reference struct {
	Structure model.Structure
	Holder    Calculator
}

func (r Reference) Energy(ctx context.Context) (float64, error) {
	if r.Holder == nil {
		return 0, fmt.Errorf("reference has no holder")
	}
	res, err := r.Holder.Calculate(ctx, r.Structure, model.PropEnergy)
	if err != nil {
		return 0, fmt.Errorf("reference energy from %s: %w", r.Holder.Name(), err)
	}
	if !res.Has(model.PropEnergy) {
		return 0, fmt.Errorf("reference energy from %s: %w", r.Holder.Name(), ErrPropertyNotImplemented)
	}
	return res.Energy, nil
}

// ReferencePair anchors residual energies: Parent holds the high-fidelity
// result and Base the cheap one for the same structure.
type ReferencePair struct {
	Parent Reference
	Base   Reference
}

// NewReferencePair freezes two labeled evaluations of one structure into
// single-point holders.
func NewReferencePair(parent, base model.Configuration) (ReferencePair, error) {
	pr, ok := parent.Results()
	if !ok || !pr.Has(model.PropEnergy) {
		return ReferencePair{}, fmt.Errorf("parent reference: %w", model.ErrUnlabeled)
	}
	br, ok := base.Results()
	if !ok || !br.Has(model.PropEnergy) {
		return ReferencePair{}, fmt.Errorf("base reference: %w", model.ErrUnlabeled)
	}
	if pr.Source != "" && pr.Source == br.Source {
		return ReferencePair{}, fmt.Errorf("reference pair evaluated by %s twice: %w", pr.Source, ErrSameCalculator)
	}
	parentHolder, err := NewSinglePoint(parent)
	if err != nil {
		return ReferencePair{}, err
	}
	baseHolder, err := NewSinglePoint(base)
	if err != nil {
		return ReferencePair{}, err
	}
	pair := ReferencePair{
		Parent: Reference{Structure: parent.Structure.Clone(), Holder: parentHolder},
		Base:   Reference{Structure: base.Structure.Clone(), Holder: baseHolder},
	}
	if err := pair.Validate(); err != nil {
		return ReferencePair{}, err
	}
	return pair, nil
}

func (p ReferencePair) Validate() error {
	if p.Parent.Holder == nil || p.Base.Holder == nil {
		return fmt.Errorf("reference pair requires two holders")
	}
	if !model.SameStructure(p.Parent.Structure, p.Base.Structure) {
		return ErrReferenceMismatch
	}
	if SameInstance(p.Parent.Holder, p.Base.Holder) {
		return fmt.Errorf("reference holders: %w", ErrSameCalculator)
	}
	return nil
}

// Delta combines two calculators linearly and shifts the energy by the
// reference pair so that subtract and add are inverse operations.
type Delta struct {
	id         string
	calcs      [2]Calculator
	weights    [2]float64
	mode       Mode
	refs       ReferencePair
	cache      Cache
	forceCalls int
}

// NewDelta builds a composition. In subtract mode calcs[0] is the parent
// calculator, in add mode it is the residual model; calcs[1] is always the
// base calculator.
func NewDelta(calcs [2]Calculator, mode Mode, refs ReferencePair) (*Delta, error) {
	if calcs[0] == nil || calcs[1] == nil {
		return nil, fmt.Errorf("delta requires two calculators")
	}
	weights, err := mode.weights()
	if err != nil {
		return nil, err
	}
	if SameInstance(calcs[0], calcs[1]) {
		return nil, ErrSameCalculator
	}
	if err := refs.Validate(); err != nil {
		return nil, err
	}
	d := &Delta{
		id:      NewID("delta"),
		calcs:   calcs,
		weights: weights,
		mode:    mode,
		refs:    refs,
	}
	if err := d.checkOwnership(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Delta) ID() string { return d.id }

func (d *Delta) Name() string {
	return fmt.Sprintf("delta(%s %s %s)", d.calcs[0].Name(), d.mode, d.calcs[1].Name())
}

func (d *Delta) Mode() Mode                { return d.mode }
func (d *Delta) References() ReferencePair { return d.refs }
func (d *Delta) ForceCalls() int           { return d.forceCalls }

// Stale is true when the composed cache does not hold s or when either
// constituent no longer holds results for s, e.g. after retraining.
func (d *Delta) Stale(s model.Structure) bool {
	return d.cache.Stale(s) || d.constituentsStale(s)
}

func (d *Delta) constituentsStale(s model.Structure) bool {
	for _, c := range d.calcs {
		if sc, ok := c.(StateChecker); ok && sc.Stale(s) {
			return true
		}
	}
	return false
}

// refresh drops the composed results when s changed or a constituent moved on.
func (d *Delta) refresh(s model.Structure) {
	if d.Stale(s) {
		d.cache.Reset()
	}
}

func (d *Delta) checkOwnership() error {
	if SameInstance(d.calcs[0], d.refs.Parent.Holder) {
		return fmt.Errorf("calcs[0] %s: %w", d.calcs[0].Name(), ErrSelfReference)
	}
	if SameInstance(d.calcs[1], d.refs.Base.Holder) {
		return fmt.Errorf("calcs[1] %s: %w", d.calcs[1].Name(), ErrSelfReference)
	}
	return nil
}

func (d *Delta) Calculate(ctx context.Context, s model.Structure, props model.Property) (model.Results, error) {
	if err := d.checkOwnership(); err != nil {
		return model.Results{}, err
	}
	props &= model.PropEnergyForces
	if props == 0 {
		return model.Results{}, ErrPropertyNotImplemented
	}
	d.refresh(s)
	if r, ok := d.cache.Lookup(s, props); ok {
		return r, nil
	}

	var legs [2]model.Results
	for i, c := range d.calcs {
		r, err := c.Calculate(ctx, s, props)
		if err != nil {
			return model.Results{}, fmt.Errorf("%s leg %d (%s): %w", d.mode, i, c.Name(), err)
		}
		legs[i] = r
	}

	out := model.Results{Set: props & legs[0].Set & legs[1].Set, Source: d.id}
	if out.Has(model.PropEnergy) {
		out.Energy = d.weights[0]*legs[0].Energy + d.weights[1]*legs[1].Energy

		parentE, err := d.refs.Parent.Energy(ctx)
		if err != nil {
			return model.Results{}, err
		}
		baseE, err := d.refs.Base.Energy(ctx)
		if err != nil {
			return model.Results{}, err
		}
		switch d.mode {
		case ModeSubtract:
			out.Energy -= parentE
			out.Energy += baseE
		case ModeAdd:
			out.Energy -= baseE
			out.Energy += parentE
		}
	}
	if out.Has(model.PropForces) {
		if len(legs[0].Forces) != len(legs[1].Forces) {
			return model.Results{}, fmt.Errorf("delta forces: %d vs %d atoms", len(legs[0].Forces), len(legs[1].Forces))
		}
		out.Forces = make([]model.Vec3, len(legs[0].Forces))
		for i := range out.Forces {
			out.Forces[i] = legs[0].Forces[i].Scale(d.weights[0]).Add(legs[1].Forces[i].Scale(d.weights[1]))
		}
	}

	d.forceCalls++
	d.cache.Store(s, out)
	return out.Clone(), nil
}

// GetProperty returns energy (float64) or forces ([]model.Vec3) for s. A
// property the constituents could not provide is reported with ok=false and a
// nil error.
func (d *Delta) GetProperty(ctx context.Context, s model.Structure, name string) (any, bool, error) {
	prop, known := model.ParseProperty(name)
	if !known || !model.PropEnergyForces.Has(prop) {
		return nil, false, fmt.Errorf("%s: %w", name, ErrPropertyNotImplemented)
	}
	d.refresh(s)
	r, ok := d.cache.Peek(s)
	if !ok || !r.Has(prop) {
		var err error
		r, err = d.Calculate(ctx, s, prop)
		if err != nil {
			return nil, false, err
		}
	}
	if !r.Has(prop) {
		return nil, false, nil
	}
	switch prop {
	case model.PropEnergy:
		return r.Energy, true, nil
	default:
		return append([]model.Vec3(nil), r.Forces...), true, nil
	}
}
