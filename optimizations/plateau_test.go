package optimizations

import (
	"math"
	"testing"
)

func TestPlateauDecaysOnNonImprovement(t *testing.T) {
	p := NewPlateau(1.0, 0.5, 0, 0)

	lr, reduced := p.Step(2.0) // first metric sets the baseline
	if reduced || lr != 1.0 {
		t.Fatalf("baseline round: lr=%g reduced=%v", lr, reduced)
	}

	lr, reduced = p.Step(1.5) // improvement
	if reduced || lr != 1.0 {
		t.Fatalf("improving round decayed: lr=%g reduced=%v", lr, reduced)
	}

	lr, reduced = p.Step(1.5) // tie is not an improvement
	if !reduced || lr != 0.5 {
		t.Fatalf("tie round: lr=%g reduced=%v, want decay", lr, reduced)
	}

	lr, reduced = p.Step(1.6) // regression
	if !reduced || lr != 0.25 {
		t.Fatalf("regression round: lr=%g reduced=%v, want decay", lr, reduced)
	}
}

func TestPlateauRespectsMinLR(t *testing.T) {
	p := NewPlateau(1.0, 0.1, 0, 0.05)
	p.Step(1.0)
	p.Step(1.0) // -> 0.1
	lr, reduced := p.Step(1.0)
	if !reduced || lr != 0.05 {
		t.Fatalf("lr=%g reduced=%v, want clamp at min", lr, reduced)
	}
	lr, reduced = p.Step(1.0)
	if reduced || lr != 0.05 {
		t.Fatalf("at floor: lr=%g reduced=%v, want no further reduction", lr, reduced)
	}
}

func TestPlateauPatience(t *testing.T) {
	p := NewPlateau(1.0, 0.5, 1, 0)
	p.Step(1.0)
	if lr, reduced := p.Step(1.0); reduced || lr != 1.0 {
		t.Fatalf("patience not honored: lr=%g", lr)
	}
	if lr, reduced := p.Step(1.0); !reduced || math.Abs(lr-0.5) > 1e-12 {
		t.Fatalf("second bad round should decay: lr=%g reduced=%v", lr, reduced)
	}
}
