// Package metrics scores decoded hypotheses against references with
// the usual dialogue-generation measures: corpus BLEU, distinct n-gram
// ratios, and unigram F1.
package metrics

import (
	"math"
	"strings"
)

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func ngrams(tokens []string, n int) map[string]int {
	out := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+n], " ")]++
	}
	return out
}

// BLEU returns cumulative corpus BLEU-1..4 with brevity penalty.
func BLEU(hyps, refs []string) (b1, b2, b3, b4 float64) {
	if len(hyps) == 0 || len(hyps) != len(refs) {
		return 0, 0, 0, 0
	}
	var hypLen, refLen int
	matches := [4]int{}
	totals := [4]int{}
	for i := range hyps {
		h := tokenize(hyps[i])
		r := tokenize(refs[i])
		hypLen += len(h)
		refLen += len(r)
		for n := 1; n <= 4; n++ {
			hg := ngrams(h, n)
			rg := ngrams(r, n)
			for g, c := range hg {
				totals[n-1] += c
				if rc, ok := rg[g]; ok {
					if c < rc {
						matches[n-1] += c
					} else {
						matches[n-1] += rc
					}
				}
			}
		}
	}

	bp := 1.0
	if hypLen < refLen && hypLen > 0 {
		bp = math.Exp(1.0 - float64(refLen)/float64(hypLen))
	}

	prec := [4]float64{}
	for n := 0; n < 4; n++ {
		if totals[n] > 0 {
			prec[n] = float64(matches[n]) / float64(totals[n])
		}
	}

	cumulative := func(k int) float64 {
		s := 0.0
		for n := 0; n < k; n++ {
			if prec[n] == 0 {
				return 0
			}
			s += math.Log(prec[n])
		}
		return bp * math.Exp(s/float64(k))
	}
	return cumulative(1), cumulative(2), cumulative(3), cumulative(4)
}

// Distinct returns the corpus-level distinct-1 and distinct-2 ratios:
// unique n-grams over total n-grams across all hypotheses.
func Distinct(hyps []string) (d1, d2 float64) {
	uni := make(map[string]bool)
	bi := make(map[string]bool)
	var nUni, nBi int
	for _, h := range hyps {
		toks := tokenize(h)
		for i := 0; i < len(toks); i++ {
			uni[toks[i]] = true
			nUni++
		}
		for i := 0; i+2 <= len(toks); i++ {
			bi[toks[i]+" "+toks[i+1]] = true
			nBi++
		}
	}
	if nUni > 0 {
		d1 = float64(len(uni)) / float64(nUni)
	}
	if nBi > 0 {
		d2 = float64(len(bi)) / float64(nBi)
	}
	return d1, d2
}

// F1 is the mean unigram F1 between each hypothesis and its reference.
func F1(hyps, refs []string) float64 {
	if len(hyps) == 0 || len(hyps) != len(refs) {
		return 0
	}
	total := 0.0
	for i := range hyps {
		h := tokenize(hyps[i])
		r := tokenize(refs[i])
		if len(h) == 0 || len(r) == 0 {
			continue
		}
		rc := make(map[string]int)
		for _, t := range r {
			rc[t]++
		}
		overlap := 0
		for _, t := range h {
			if rc[t] > 0 {
				rc[t]--
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		p := float64(overlap) / float64(len(h))
		rec := float64(overlap) / float64(len(r))
		total += 2 * p * rec / (p + rec)
	}
	return total / float64(len(hyps))
}
