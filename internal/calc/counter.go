package calc

import (
	"context"

	"almlp/internal/model"
)

// Counter wraps a calculator and counts the evaluations that reached it.
// Repeated requests for an unchanged structure are answered from the cache and
// are not counted.
type Counter struct {
	id    string
	inner Calculator
	cache Cache
	calls int
}

func NewCounter(inner Calculator) *Counter {
	return &Counter{id: NewID("counter"), inner: inner}
}

func (c *Counter) ID() string   { return c.id }
func (c *Counter) Name() string { return "counter(" + c.inner.Name() + ")" }

func (c *Counter) ForceCalls() int { return c.calls }

func (c *Counter) Stale(s model.Structure) bool {
	return c.cache.Stale(s)
}

func (c *Counter) Calculate(ctx context.Context, s model.Structure, props model.Property) (model.Results, error) {
	if r, ok := c.cache.Lookup(s, props); ok {
		return r, nil
	}
	r, err := c.inner.Calculate(ctx, s, props|model.PropEnergyForces)
	if err != nil {
		return model.Results{}, err
	}
	c.calls++
	r.Source = c.id
	c.cache.Store(s, r)
	return r.Restrict(props), nil
}
