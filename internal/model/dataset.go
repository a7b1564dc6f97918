package model

import (
	"fmt"
)

// Dataset is the append-only, acquisition-ordered list of labeled
// configurations owned by one learning run.
type Dataset struct {
	items []Configuration
}

func NewDataset(items ...Configuration) (*Dataset, error) {
	d := &Dataset{}
	if err := d.Append(items...); err != nil {
		return nil, err
	}
	return d, nil
}

// Append validates every item before mutating, so a failed call leaves the
// dataset untouched.
func (d *Dataset) Append(items ...Configuration) error {
	for i, item := range items {
		if !item.IsLabeled() {
			return fmt.Errorf("append item %d: %w", i, ErrUnlabeled)
		}
	}
	for _, item := range items {
		d.items = append(d.items, item.Clone())
	}
	return nil
}

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.items)
}

func (d *Dataset) At(i int) Configuration {
	return d.items[i].Clone()
}

func (d *Dataset) All() []Configuration {
	return d.Since(0)
}

// Since returns the items acquired at or after position n.
func (d *Dataset) Since(n int) []Configuration {
	if d == nil || n >= len(d.items) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	out := make([]Configuration, 0, len(d.items)-n)
	for _, item := range d.items[n:] {
		out = append(out, item.Clone())
	}
	return out
}
