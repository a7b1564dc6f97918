package model

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/cespare/xxhash/v2"
)

type Vec3 [3]float64

func (v Vec3) Norm() float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]}
}

func (v Vec3) Scale(f float64) Vec3 {
	return Vec3{v[0] * f, v[1] * f, v[2] * f}
}

// Structure is the atomic geometry a calculator evaluates. Results attached to
// a structure are only valid for the fingerprint they were computed at.
type Structure struct {
	Numbers   []int   `json:"numbers" yaml:"numbers"`
	Positions []Vec3  `json:"positions" yaml:"positions"`
	Cell      [3]Vec3 `json:"cell" yaml:"cell"`
	PBC       [3]bool `json:"pbc" yaml:"pbc"`
	Fixed     []int   `json:"fixed,omitempty" yaml:"fixed,omitempty"`
}

func (s Structure) Len() int {
	return len(s.Positions)
}

func (s Structure) Clone() Structure {
	out := s
	out.Numbers = append([]int(nil), s.Numbers...)
	out.Positions = append([]Vec3(nil), s.Positions...)
	out.Fixed = append([]int(nil), s.Fixed...)
	return out
}

// Fingerprint hashes species, positions, cell and periodicity. Constraints do
// not change the potential energy surface and are left out.
func (s Structure) Fingerprint() string {
	h := xxhash.New()
	var buf [8]byte
	writeU := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}
	writeF := func(v float64) {
		if v == 0 {
			v = 0 // fold -0 into +0
		}
		writeU(math.Float64bits(v))
	}

	writeU(uint64(len(s.Numbers)))
	for _, z := range s.Numbers {
		writeU(uint64(z))
	}
	writeU(uint64(len(s.Positions)))
	for _, p := range s.Positions {
		writeF(p[0])
		writeF(p[1])
		writeF(p[2])
	}
	for _, row := range s.Cell {
		writeF(row[0])
		writeF(row[1])
		writeF(row[2])
	}
	for _, periodic := range s.PBC {
		if periodic {
			writeU(1)
		} else {
			writeU(0)
		}
	}
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return hex.EncodeToString(buf[:])
}

// SameStructure reports whether a and b describe the identical geometry.
func SameStructure(a, b Structure) bool {
	if len(a.Numbers) != len(b.Numbers) || len(a.Positions) != len(b.Positions) {
		return false
	}
	for i := range a.Numbers {
		if a.Numbers[i] != b.Numbers[i] {
			return false
		}
	}
	for i := range a.Positions {
		if a.Positions[i] != b.Positions[i] {
			return false
		}
	}
	return a.Cell == b.Cell && a.PBC == b.PBC
}

// RMSD is the root mean square displacement between two structures with the
// same species ordering. ok is false when the structures are not comparable.
func RMSD(a, b Structure) (float64, bool) {
	if len(a.Positions) != len(b.Positions) || len(a.Numbers) != len(b.Numbers) {
		return 0, false
	}
	for i := range a.Numbers {
		if a.Numbers[i] != b.Numbers[i] {
			return 0, false
		}
	}
	if len(a.Positions) == 0 {
		return 0, true
	}
	sum := 0.0
	for i := range a.Positions {
		d := a.Positions[i].Sub(b.Positions[i])
		sum += d[0]*d[0] + d[1]*d[1] + d[2]*d[2]
	}
	return math.Sqrt(sum / float64(len(a.Positions))), true
}

func (s Structure) IsFixed(atom int) bool {
	for _, idx := range s.Fixed {
		if idx == atom {
			return true
		}
	}
	return false
}
