package calc

import (
	"almlp/internal/model"
)

// Cache holds the results computed for one structure fingerprint. Storing
// results for a different fingerprint discards the previous ones.
type Cache struct {
	fingerprint string
	results     model.Results
	valid       bool
}

func (c *Cache) Stale(s model.Structure) bool {
	return !c.valid || c.fingerprint != s.Fingerprint()
}

// Lookup returns the cached results restricted to props when all of them are
// present for s.
func (c *Cache) Lookup(s model.Structure, props model.Property) (model.Results, bool) {
	if c.Stale(s) || !c.results.Has(props) {
		return model.Results{}, false
	}
	return c.results.Restrict(props), true
}

// Peek returns whatever is cached for s, even if only partially computed.
func (c *Cache) Peek(s model.Structure) (model.Results, bool) {
	if c.Stale(s) {
		return model.Results{}, false
	}
	return c.results.Clone(), true
}

func (c *Cache) Store(s model.Structure, r model.Results) {
	fp := s.Fingerprint()
	if c.valid && c.fingerprint == fp {
		c.results = c.results.Merge(r)
		return
	}
	c.fingerprint = fp
	c.results = r.Clone()
	c.valid = true
}

func (c *Cache) Reset() {
	c.fingerprint = ""
	c.results = model.Results{}
	c.valid = false
}
