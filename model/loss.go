package model

import (
	"math"

	"github.com/visionshao/GPT2/utils"
	"gonum.org/v1/gonum/mat"
)

// IgnoreIndex marks target positions that carry no supervision. The
// batcher writes it at every context and padding position; the loss
// skips those entirely. It must stay negative so it can never collide
// with a vocabulary id.
const IgnoreIndex = -1

// SeqLoss is the per-example result of the weighted sequence loss.
type SeqLoss struct {
	Loss   float64    // weight * sum of CE over supervised positions
	Tokens int        // supervised position count
	Grad   *mat.Dense // dLoss/dLogits, (V x T); zero columns at ignored positions
}

// WeightedSequenceLoss computes masked, weighted cross-entropy for one
// example. logits is (V x T); targets has length T, with IgnoreIndex at
// unsupervised positions. Ignored positions contribute zero loss, zero
// gradient, and zero token count, so fully-ignored sequences are legal.
func WeightedSequenceLoss(logits *mat.Dense, targets []int, weight float64) SeqLoss {
	V, T := logits.Dims()
	if len(targets) != T {
		panic("WeightedSequenceLoss: target length mismatch")
	}
	grad := mat.NewDense(V, T, nil)
	loss := 0.0
	tokens := 0
	for t := 0; t < T; t++ {
		gold := targets[t]
		if gold == IgnoreIndex {
			continue
		}
		col := utils.ToDense(logits.Slice(0, V, t, t+1))
		l, g := utils.CrossEntropyWithIndex(col, gold)
		loss += weight * l
		tokens++
		for i := 0; i < V; i++ {
			grad.Set(i, t, weight*g.At(i, 0))
		}
	}
	return SeqLoss{Loss: loss, Tokens: tokens, Grad: grad}
}

// BatchMeanLoss reduces per-example losses by averaging over the batch.
// An empty batch reduces to 0.
func BatchMeanLoss(items []SeqLoss) float64 {
	if len(items) == 0 {
		return 0
	}
	sum := 0.0
	for _, it := range items {
		sum += it.Loss
	}
	return sum / float64(len(items))
}

// PerToken divides a summed loss by a token count, treating 0/0 as 0 so
// perplexity reporting stays defined for fully-ignored batches.
func PerToken(total float64, tokens int) float64 {
	if tokens == 0 {
		return 0
	}
	return total / float64(tokens)
}

// Perplexity is exp of the per-token loss.
func Perplexity(total float64, tokens int) float64 {
	return math.Exp(PerToken(total, tokens))
}
