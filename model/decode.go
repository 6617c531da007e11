package model

import (
	"context"
	"math"
	"sort"

	"github.com/visionshao/GPT2/utils"
	"gonum.org/v1/gonum/mat"
)

// DecodeOptions controls response generation.
type DecodeOptions struct {
	MaxLength         int
	MinLength         int
	BeamSize          int
	EarlyStopping     bool
	RepetitionPenalty float64
	LengthPenalty     float64
	NoRepeatNgramSize int
}

// Decoder generates a continuation for a tagged context.
type Decoder interface {
	Generate(ctx context.Context, ids, segs []int, opts DecodeOptions) ([]int, error)
}

// Generate decodes a response for the given context. Beam size 1 uses
// the KV-cached greedy path; larger beams re-run the full sequence each
// step. The returned ids exclude the context and any trailing EOS.
func (m *Model) Generate(ctx context.Context, ids, segs []int, opts DecodeOptions) ([]int, error) {
	if opts.MaxLength <= 0 {
		opts.MaxLength = 1
	}
	if opts.BeamSize <= 1 {
		return m.greedy(ctx, ids, segs, opts)
	}
	return m.beamSearch(ctx, ids, segs, opts)
}

func (m *Model) greedy(ctx context.Context, ids, segs []int, opts DecodeOptions) ([]int, error) {
	st := m.NewDecodeState()
	logits := m.Prime(ids, segs, st)

	generated := make([]int, 0, opts.MaxLength)
	history := append(append([]int{}, ids...), generated...)
	for len(generated) < opts.MaxLength {
		select {
		case <-ctx.Done():
			return generated, ctx.Err()
		default:
		}
		adjustLogits(logits, history, generated, opts, m.SP.EOSID)
		next := argmaxCol(logits)
		if next == m.SP.EOSID {
			break
		}
		generated = append(generated, next)
		history = append(history, next)
		if st.Pos >= m.MaxLen {
			break
		}
		seg := NextSegment(st.SegPrev, next, m.SP)
		st.SegPrev = seg
		logits = m.ForwardLast(next, seg, st)
	}
	return generated, nil
}

type beamHyp struct {
	ids     []int // generated tokens only
	logProb float64
	done    bool
}

func (h beamHyp) score(lengthPenalty float64) float64 {
	l := float64(len(h.ids))
	if l == 0 {
		l = 1
	}
	return h.logProb / math.Pow(l, lengthPenalty)
}

func (m *Model) beamSearch(ctx context.Context, ids, segs []int, opts DecodeOptions) ([]int, error) {
	beams := []beamHyp{{ids: nil, logProb: 0}}
	var finished []beamHyp

	for step := 0; step < opts.MaxLength; step++ {
		select {
		case <-ctx.Done():
			return bestHyp(beams, finished, opts.LengthPenalty).ids, ctx.Err()
		default:
		}

		var next []beamHyp
		for _, h := range beams {
			if h.done {
				next = append(next, h)
				continue
			}
			seq := append(append([]int{}, ids...), h.ids...)
			if len(seq) >= m.MaxLen {
				h.done = true
				finished = append(finished, h)
				continue
			}
			segSeq := SegmentIDs(seq, m.SP)
			Y := m.Forward(seq, segSeq)
			logits := utils.LastCol(m.Logits(Y))
			adjustLogits(logits, seq, h.ids, opts, m.SP.EOSID)
			lp := logSoftmaxCol(logits)
			for _, cand := range topK(lp, opts.BeamSize) {
				nh := beamHyp{
					ids:     append(append([]int{}, h.ids...), cand.id),
					logProb: h.logProb + cand.lp,
				}
				if cand.id == m.SP.EOSID {
					nh.ids = nh.ids[:len(nh.ids)-1]
					nh.done = true
					finished = append(finished, nh)
					continue
				}
				next = append(next, nh)
			}
		}
		if len(next) == 0 {
			break
		}
		sort.SliceStable(next, func(i, j int) bool {
			return next[i].score(opts.LengthPenalty) > next[j].score(opts.LengthPenalty)
		})
		if len(next) > opts.BeamSize {
			next = next[:opts.BeamSize]
		}
		beams = next

		if opts.EarlyStopping && len(finished) >= opts.BeamSize {
			break
		}
	}
	return bestHyp(beams, finished, opts.LengthPenalty).ids, nil
}

func bestHyp(beams, finished []beamHyp, lengthPenalty float64) beamHyp {
	pool := finished
	if len(pool) == 0 {
		pool = beams
	}
	if len(pool) == 0 {
		return beamHyp{}
	}
	best := pool[0]
	for _, h := range pool[1:] {
		if h.score(lengthPenalty) > best.score(lengthPenalty) {
			best = h
		}
	}
	return best
}

// adjustLogits applies repetition penalty, the minimum-length EOS ban
// and n-gram blocking in place. history is context plus generated;
// generated is the response so far.
func adjustLogits(logits *mat.Dense, history, generated []int, opts DecodeOptions, eosID int) {
	const negInf = -1e30
	if opts.RepetitionPenalty != 1.0 && opts.RepetitionPenalty > 0 {
		seen := map[int]bool{}
		for _, id := range history {
			seen[id] = true
		}
		for id := range seen {
			v := logits.At(id, 0)
			if v > 0 {
				logits.Set(id, 0, v/opts.RepetitionPenalty)
			} else {
				logits.Set(id, 0, v*opts.RepetitionPenalty)
			}
		}
	}
	if len(generated) < opts.MinLength {
		logits.Set(eosID, 0, negInf)
	}
	if n := opts.NoRepeatNgramSize; n > 0 && len(generated) >= n-1 {
		for _, id := range bannedNgramTokens(generated, n) {
			logits.Set(id, 0, negInf)
		}
	}
}

// bannedNgramTokens returns every token that would complete an n-gram
// already present in seq.
func bannedNgramTokens(seq []int, n int) []int {
	if len(seq) < n-1 {
		return nil
	}
	prefix := seq[len(seq)-(n-1):]
	var banned []int
	for i := 0; i+n <= len(seq); i++ {
		match := true
		for j := 0; j < n-1; j++ {
			if seq[i+j] != prefix[j] {
				match = false
				break
			}
		}
		if match {
			banned = append(banned, seq[i+n-1])
		}
	}
	return banned
}

func argmaxCol(v *mat.Dense) int {
	r, _ := v.Dims()
	best := 0
	bv := v.At(0, 0)
	for i := 1; i < r; i++ {
		if v.At(i, 0) > bv {
			bv = v.At(i, 0)
			best = i
		}
	}
	return best
}

func logSoftmaxCol(v *mat.Dense) []float64 {
	r, _ := v.Dims()
	mx := v.At(0, 0)
	for i := 1; i < r; i++ {
		if v.At(i, 0) > mx {
			mx = v.At(i, 0)
		}
	}
	sum := 0.0
	for i := 0; i < r; i++ {
		sum += math.Exp(v.At(i, 0) - mx)
	}
	lse := mx + math.Log(sum)
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		out[i] = v.At(i, 0) - lse
	}
	return out
}

type scored struct {
	id int
	lp float64
}

func topK(lp []float64, k int) []scored {
	if k > len(lp) {
		k = len(lp)
	}
	all := make([]scored, len(lp))
	for i, v := range lp {
		all[i] = scored{id: i, lp: v}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].lp > all[j].lp })
	return all[:k]
}
