package model

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestBannedNgramTokens(t *testing.T) {
	// bigram "5 6" already occurred; with tail ...5 the completion 6 is banned
	seq := []int{5, 6, 7, 5}
	banned := bannedNgramTokens(seq, 2)
	if len(banned) != 1 || banned[0] != 6 {
		t.Fatalf("banned = %v, want [6]", banned)
	}

	// trigram case
	seq = []int{1, 2, 3, 4, 1, 2}
	banned = bannedNgramTokens(seq, 3)
	if len(banned) != 1 || banned[0] != 3 {
		t.Fatalf("banned = %v, want [3]", banned)
	}

	if got := bannedNgramTokens([]int{1}, 3); got != nil {
		t.Fatalf("short sequence should ban nothing, got %v", got)
	}
}

func TestAdjustLogitsMinLengthBansEOS(t *testing.T) {
	logits := mat.NewDense(6, 1, []float64{0, 0, 0, 5, 0, 0})
	opts := DecodeOptions{MinLength: 2, RepetitionPenalty: 1.0}
	adjustLogits(logits, nil, nil, opts, 3)
	if argmaxCol(logits) == 3 {
		t.Fatal("EOS still selectable below min length")
	}
}

func TestAdjustLogitsRepetitionPenalty(t *testing.T) {
	logits := mat.NewDense(4, 1, []float64{2.0, -2.0, 1.0, 0.5})
	opts := DecodeOptions{RepetitionPenalty: 2.0}
	adjustLogits(logits, []int{0, 1}, nil, opts, 3)
	if got := logits.At(0, 0); got != 1.0 {
		t.Fatalf("positive logit penalized to %g, want 1.0", got)
	}
	if got := logits.At(1, 0); got != -4.0 {
		t.Fatalf("negative logit penalized to %g, want -4.0", got)
	}
	if got := logits.At(2, 0); got != 1.0 {
		t.Fatalf("unseen token logit changed to %g", got)
	}
}

func TestGreedyRespectsLengthBounds(t *testing.T) {
	rand.Seed(11)
	sp := SpecialTokens{KnowID: 0, UserIDs: [2]int{1, 2}, EOSID: 3, PadID: 4}
	m := NewModel(tinyConfig(), 12, sp)

	ids := []int{0, 5, 1, 6, 2}
	segs := SegmentIDs(ids, sp)
	opts := DecodeOptions{MaxLength: 6, MinLength: 2, BeamSize: 1, RepetitionPenalty: 1.0}

	out, err := m.Generate(context.Background(), ids, segs, opts)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out) < opts.MinLength || len(out) > opts.MaxLength {
		t.Fatalf("generated %d tokens, want within [%d,%d]", len(out), opts.MinLength, opts.MaxLength)
	}
	for _, id := range out {
		if id == sp.EOSID {
			t.Fatal("EOS leaked into the returned ids")
		}
	}
}

func TestGenerateCancellation(t *testing.T) {
	rand.Seed(12)
	sp := SpecialTokens{KnowID: 0, UserIDs: [2]int{1, 2}, EOSID: 3, PadID: 4}
	m := NewModel(tinyConfig(), 12, sp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ids := []int{0, 5, 1}
	segs := SegmentIDs(ids, sp)
	_, err := m.Generate(ctx, ids, segs, DecodeOptions{MaxLength: 4, BeamSize: 1, RepetitionPenalty: 1.0})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBeamSearchReturnsTokens(t *testing.T) {
	rand.Seed(13)
	sp := SpecialTokens{KnowID: 0, UserIDs: [2]int{1, 2}, EOSID: 3, PadID: 4}
	m := NewModel(tinyConfig(), 12, sp)

	ids := []int{0, 5, 1, 6, 2}
	segs := SegmentIDs(ids, sp)
	opts := DecodeOptions{MaxLength: 4, MinLength: 1, BeamSize: 3, LengthPenalty: 1.0, RepetitionPenalty: 1.0}

	out, err := m.Generate(context.Background(), ids, segs, opts)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(out) == 0 || len(out) > opts.MaxLength {
		t.Fatalf("beam output length %d out of range", len(out))
	}
}

func TestLogSoftmaxColNormalizes(t *testing.T) {
	v := mat.NewDense(4, 1, []float64{1, 2, 3, 4})
	lp := logSoftmaxCol(v)
	sum := 0.0
	for _, l := range lp {
		sum += math.Exp(l)
	}
	if diff := sum - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("probabilities sum to %g", sum)
	}
}
