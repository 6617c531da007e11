package main

import (
	"math"
	"testing"
)

func TestImprovedRequiresStrictDecrease(t *testing.T) {
	tr := &Trainer{bestLoss: math.Inf(1)}

	if !tr.improved(2.0) {
		t.Fatal("first finite loss should improve on +Inf")
	}
	if tr.improved(2.0) {
		t.Fatal("tie must not count as an improvement")
	}
	if tr.improved(2.5) {
		t.Fatal("regression must not count as an improvement")
	}
	if !tr.improved(1.9) {
		t.Fatal("strict decrease should improve")
	}
	if tr.bestLoss != 1.9 {
		t.Fatalf("best loss = %g, want 1.9", tr.bestLoss)
	}
}
