package model

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"
)

func TestCheckpointRoundTrip(t *testing.T) {
	rand.Seed(20)
	sp := SpecialTokens{KnowID: 0, UserIDs: [2]int{1, 2}, EOSID: 3, PadID: 4}
	cfg := tinyConfig()
	m := NewModel(cfg, 12, sp)

	ids := []int{0, 5, 1, 6}
	segs := SegmentIDs(ids, sp)
	want := m.Logits(m.Forward(ids, segs))

	path := filepath.Join(t.TempDir(), "model-gen-best")
	if err := m.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := NewModel(cfg, 12, sp)
	if err := restored.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	got := restored.Logits(restored.Forward(ids, segs))

	r, c := want.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.Abs(want.At(i, j)-got.At(i, j)) > 1e-12 {
				t.Fatalf("logit [%d,%d] differs after restore: %g vs %g",
					i, j, want.At(i, j), got.At(i, j))
			}
		}
	}
}

func TestLoadMissingCheckpointFails(t *testing.T) {
	sp := SpecialTokens{KnowID: 0, UserIDs: [2]int{1, 2}, EOSID: 3, PadID: 4}
	m := NewModel(tinyConfig(), 12, sp)
	if err := m.Load(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing checkpoint")
	}
}

func TestLoadRejectsShapeMismatch(t *testing.T) {
	rand.Seed(21)
	sp := SpecialTokens{KnowID: 0, UserIDs: [2]int{1, 2}, EOSID: 3, PadID: 4}
	m := NewModel(tinyConfig(), 12, sp)

	path := filepath.Join(t.TempDir(), "ckpt")
	if err := m.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	other := NewModel(tinyConfig(), 20, sp)
	if err := other.Load(path); err == nil {
		t.Fatal("expected shape-mismatch error")
	}
}
