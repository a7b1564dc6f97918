package almlp

import (
	"errors"
	"fmt"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"

	"almlp/internal/model"
)

type structuresFile struct {
	Structures []model.Structure `yaml:"structures"`
}

// LoadStructures reads starting geometries from a YAML file of the form
//
//	structures:
//	  - numbers: [18, 18, 18]
//	    positions: [[0, 0, 0], [1.1, 0, 0], [2.2, 0, 0]]
func LoadStructures(path string) ([]model.Structure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc structuresFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode structures %s: %w", path, err)
	}
	if len(doc.Structures) == 0 {
		return nil, fmt.Errorf("no structures in %s", path)
	}
	for i, s := range doc.Structures {
		if err := checkStructure(s); err != nil {
			return nil, fmt.Errorf("structure %d: %w", i, err)
		}
	}
	return doc.Structures, nil
}

func checkStructure(s model.Structure) error {
	if s.Len() == 0 {
		return errors.New("no atoms")
	}
	if len(s.Numbers) != s.Len() {
		return fmt.Errorf("%d atomic numbers for %d positions", len(s.Numbers), s.Len())
	}
	for _, idx := range s.Fixed {
		if idx < 0 || idx >= s.Len() {
			return fmt.Errorf("fixed atom %d out of range", idx)
		}
	}
	return nil
}

// DefaultStructures generates n rattled copies of a planar four-atom argon
// cluster near its pair equilibrium distance.
func DefaultStructures(n int, seed int64) []model.Structure {
	const spacing = 1.12
	rng := rand.New(rand.NewSource(seed))
	square := []model.Vec3{{0, 0, 0}, {spacing, 0, 0}, {0, spacing, 0}, {spacing, spacing, 0}}

	out := make([]model.Structure, 0, n)
	for i := 0; i < n; i++ {
		s := model.Structure{Numbers: []int{18, 18, 18, 18}, Positions: make([]model.Vec3, len(square))}
		for j, p := range square {
			s.Positions[j] = p.Add(model.Vec3{
				0.08 * (rng.Float64() - 0.5),
				0.08 * (rng.Float64() - 0.5),
				0,
			})
		}
		out = append(out, s)
	}
	return out
}
