package model

import (
	"errors"
	"math"
	"testing"
)

func line(n int, spacing float64) Structure {
	s := Structure{Numbers: make([]int, n), Positions: make([]Vec3, n)}
	for i := range s.Positions {
		s.Numbers[i] = 1
		s.Positions[i] = Vec3{float64(i) * spacing, 0, 0}
	}
	return s
}

func TestFingerprintTracksGeometry(t *testing.T) {
	a := line(3, 1.0)
	b := a.Clone()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("clone changed fingerprint")
	}

	b.Positions[2][1] = 1e-9
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("position change not detected")
	}

	c := a.Clone()
	c.Numbers[0] = 2
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("species change not detected")
	}

	d := a.Clone()
	d.Cell[0] = Vec3{10, 0, 0}
	if a.Fingerprint() == d.Fingerprint() {
		t.Fatal("cell change not detected")
	}

	e := a.Clone()
	e.Fixed = []int{0}
	if a.Fingerprint() != e.Fingerprint() {
		t.Fatal("constraints must not change the fingerprint")
	}
}

func TestConfigurationResultsInvalidatedOnChange(t *testing.T) {
	cfg := Labeled(line(2, 1.0), Results{Set: PropEnergyForces, Energy: -1, Forces: []Vec3{{1, 0, 0}, {-1, 0, 0}}})
	if !cfg.IsLabeled() {
		t.Fatal("expected labeled configuration")
	}

	cfg.Positions[1][0] = 1.5
	if cfg.IsLabeled() {
		t.Fatal("results must be invalid after in-place position change")
	}
	if _, err := cfg.Energy(); !errors.Is(err, ErrUnlabeled) {
		t.Fatalf("expected ErrUnlabeled, got %v", err)
	}

	cfg.SetResults(Results{Set: PropEnergy, Energy: 2})
	if _, err := cfg.Forces(); !errors.Is(err, ErrUnlabeled) {
		t.Fatalf("expected forces to be unavailable, got %v", err)
	}
	cfg.SetPositions([]Vec3{{0, 0, 0}, {2, 0, 0}})
	if cfg.IsLabeled() {
		t.Fatal("SetPositions must drop results")
	}
}

func TestConfigurationCloneIsIndependent(t *testing.T) {
	cfg := Labeled(line(2, 1.0), Results{Set: PropEnergyForces, Forces: []Vec3{{1, 0, 0}, {0, 0, 0}}})
	clone := cfg.Clone()
	clone.Positions[0][0] = 5
	if !cfg.IsLabeled() {
		t.Fatal("mutating the clone invalidated the original")
	}
}

func TestDatasetAppendIsAtomic(t *testing.T) {
	d, err := NewDataset()
	if err != nil {
		t.Fatalf("new dataset: %v", err)
	}
	good := Labeled(line(2, 1.0), Results{Set: PropEnergyForces})
	bad := NewConfiguration(line(2, 1.1))

	if err := d.Append(good, bad); !errors.Is(err, ErrUnlabeled) {
		t.Fatalf("expected ErrUnlabeled, got %v", err)
	}
	if d.Len() != 0 {
		t.Fatalf("failed append mutated the dataset: len=%d", d.Len())
	}

	if err := d.Append(good, good); err != nil {
		t.Fatalf("append: %v", err)
	}
	if d.Len() != 2 {
		t.Fatalf("duplicates are kept, want 2 got %d", d.Len())
	}
	if got := len(d.Since(1)); got != 1 {
		t.Fatalf("since(1) returned %d items", got)
	}
	if got := d.Since(5); got != nil {
		t.Fatalf("since past the end should be nil, got %v", got)
	}
}

func TestForceMeasures(t *testing.T) {
	forces := []Vec3{{0.3, -0.4, 0}, {0, 0, -0.45}, {math.NaN(), 0, 0}}
	if got := MaxAbsForce(forces); math.Abs(got-0.45) > 1e-12 {
		t.Fatalf("max abs force = %v", got)
	}
	if got := MaxForceNorm(forces[:2]); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("max force norm = %v", got)
	}
	if got := MaxAbsForce(nil); got != 0 {
		t.Fatalf("empty forces should give 0, got %v", got)
	}
}

func TestResultsRestrictAndMerge(t *testing.T) {
	r := Results{Set: PropEnergyForces | PropUncertainty, Energy: 1, Forces: []Vec3{{1, 0, 0}}, MaxForceStd: 0.2}
	e := r.Restrict(PropEnergy)
	if e.Has(PropForces) || e.Forces != nil || e.MaxForceStd != 0 {
		t.Fatalf("restrict kept dropped fields: %+v", e)
	}
	merged := e.Merge(Results{Set: PropForces, Forces: []Vec3{{2, 0, 0}}})
	if !merged.Has(PropEnergyForces) || merged.Energy != 1 || merged.Forces[0][0] != 2 {
		t.Fatalf("unexpected merge result: %+v", merged)
	}
	if PropEnergyForces.String() != "energy|forces" {
		t.Fatalf("unexpected property string %q", PropEnergyForces.String())
	}
}

func TestRMSD(t *testing.T) {
	a := line(2, 1.0)
	b := line(2, 2.0)
	d, ok := RMSD(a, b)
	if !ok || math.Abs(d-math.Sqrt(0.5)) > 1e-12 {
		t.Fatalf("rmsd = %v ok=%v", d, ok)
	}
	if _, ok := RMSD(a, line(3, 1.0)); ok {
		t.Fatal("different atom counts must not compare")
	}
}
