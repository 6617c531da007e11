package model

import (
	"math"

	"github.com/visionshao/GPT2/optimizations"
	"github.com/visionshao/GPT2/utils"
	"gonum.org/v1/gonum/mat"
)

var invSqrt2 = 1.0 / math.Sqrt2

// Block is one pre-norm transformer layer: attention then MLP, each
// behind its own LayerNorm, with residuals rescaled by 1/sqrt(2) to
// keep activation variance level across depth.
type Block struct {
	LN1  *optimizations.LayerNorm
	Attn *Attention
	LN2  *optimizations.LayerNorm
	MLP  *MLP

	// cache for backprop
	x, a *mat.Dense
}

func NewBlock(dModel, hidden, nHeads int) *Block {
	return &Block{
		LN1:  optimizations.NewLayerNorm(dModel, 1e-5),
		Attn: NewAttention(dModel, nHeads),
		LN2:  optimizations.NewLayerNorm(dModel, 1e-5),
		MLP:  NewMLP(dModel, hidden),
	}
}

func (b *Block) Forward(X *mat.Dense) *mat.Dense {
	b.x = X
	attnOut := b.Attn.Forward(b.LN1.Forward(X))
	a := utils.ToDense(utils.Scale(invSqrt2, utils.Add(X, attnOut)))
	b.a = a
	mlpOut := b.MLP.Forward(b.LN2.Forward(a))
	return utils.ToDense(utils.Scale(invSqrt2, utils.Add(a, mlpOut)))
}

// Backward accumulates grads in every sublayer and returns dX.
func (b *Block) Backward(dY *mat.Dense) *mat.Dense {
	dY = utils.ExpandGradToSeq(dY, b.x)

	dA := utils.ToDense(utils.Scale(invSqrt2, dY))
	dMLPOut := dA
	dLN2In := b.MLP.Backward(dMLPOut)
	dAFromNorm := b.LN2.Backward(dLN2In)
	dA = utils.ToDense(utils.Add(dA, dAFromNorm))

	dX := utils.ToDense(utils.Scale(invSqrt2, dA))
	dAttnOut := dX
	dLN1In := b.Attn.Backward(dAttnOut)
	dXFromNorm := b.LN1.Backward(dLN1In)
	return utils.ToDense(utils.Add(dX, dXFromNorm))
}

func (b *Block) Grads() []*mat.Dense {
	out := b.LN1.Grads()
	out = append(out, b.Attn.Grads()...)
	out = append(out, b.LN2.Grads()...)
	out = append(out, b.MLP.Grads()...)
	return out
}

func (b *Block) Step(lr float64, cfg optimizations.AdamConfig) {
	b.LN1.Step(lr, cfg)
	b.Attn.Step(lr, cfg)
	b.LN2.Step(lr, cfg)
	b.MLP.Step(lr, cfg)
}

func (b *Block) ZeroGrads() {
	b.LN1.ZeroGrads()
	b.Attn.ZeroGrads()
	b.LN2.ZeroGrads()
	b.MLP.ZeroGrads()
}

// ForwardLastWithKV runs one new timestep through the block using the
// attention KV cache. xLast is (dModel x 1).
func (b *Block) ForwardLastWithKV(xLast *mat.Dense, kv *AttnKV) *mat.Dense {
	attnOut := b.Attn.ForwardLastWithKV(b.LN1.ForwardCol(xLast), kv)
	a := utils.ToDense(utils.Scale(invSqrt2, utils.Add(xLast, attnOut)))
	mlpOut := b.MLP.ForwardCol(b.LN2.ForwardCol(a))
	return utils.ToDense(utils.Scale(invSqrt2, utils.Add(a, mlpOut)))
}
