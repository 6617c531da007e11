package model

import (
	"math"

	"github.com/visionshao/GPT2/optimizations"
	"github.com/visionshao/GPT2/utils"
	"gonum.org/v1/gonum/mat"
)

// Attention is causal multi-head self-attention over a (dModel x T)
// activation. Backward accumulates gradients; Step applies them.
type Attention struct {
	H       int
	DModel  int
	DHead   int
	Wquery  []*mat.Dense
	Wkey    []*mat.Dense
	Wvalue  []*mat.Dense
	Woutput *mat.Dense

	// accumulated grads
	GWq, GWk, GWv []*mat.Dense
	GWo           *mat.Dense

	// Adam state
	T        int
	MWq, VWq []*mat.Dense
	MWk, VWk []*mat.Dense
	MWv, VWv []*mat.Dense
	MWo, VWo *mat.Dense

	// cache for backprop
	X      *mat.Dense
	Q, K, V []*mat.Dense
	Scores  []*mat.Dense
	A       []*mat.Dense
	O       []*mat.Dense
	OCat    *mat.Dense

	maskCache map[int]*mat.Dense
	lastT     int
}

func NewAttention(dModel, nHeads int) *Attention {
	if dModel%nHeads != 0 {
		panic("dModel must be divisible by nHeads")
	}
	dHead := dModel / nHeads
	attn := &Attention{
		H:      nHeads,
		DModel: dModel,
		DHead:  dHead,
		Wquery: make([]*mat.Dense, nHeads),
		Wkey:   make([]*mat.Dense, nHeads),
		Wvalue: make([]*mat.Dense, nHeads),

		GWq: make([]*mat.Dense, nHeads),
		GWk: make([]*mat.Dense, nHeads),
		GWv: make([]*mat.Dense, nHeads),

		MWq: make([]*mat.Dense, nHeads),
		VWq: make([]*mat.Dense, nHeads),
		MWk: make([]*mat.Dense, nHeads),
		VWk: make([]*mat.Dense, nHeads),
		MWv: make([]*mat.Dense, nHeads),
		VWv: make([]*mat.Dense, nHeads),

		Q:         make([]*mat.Dense, nHeads),
		K:         make([]*mat.Dense, nHeads),
		V:         make([]*mat.Dense, nHeads),
		Scores:    make([]*mat.Dense, nHeads),
		A:         make([]*mat.Dense, nHeads),
		O:         make([]*mat.Dense, nHeads),
		maskCache: make(map[int]*mat.Dense),
	}
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel)))
		attn.Wkey[h] = mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel)))
		attn.Wvalue[h] = mat.NewDense(dHead, dModel, utils.RandomArray(dHead*dModel, float64(dModel)))

		attn.GWq[h] = mat.NewDense(dHead, dModel, nil)
		attn.GWk[h] = mat.NewDense(dHead, dModel, nil)
		attn.GWv[h] = mat.NewDense(dHead, dModel, nil)

		attn.MWq[h] = mat.NewDense(dHead, dModel, nil)
		attn.VWq[h] = mat.NewDense(dHead, dModel, nil)
		attn.MWk[h] = mat.NewDense(dHead, dModel, nil)
		attn.VWk[h] = mat.NewDense(dHead, dModel, nil)
		attn.MWv[h] = mat.NewDense(dHead, dModel, nil)
		attn.VWv[h] = mat.NewDense(dHead, dModel, nil)
	}
	attn.Woutput = mat.NewDense(dModel, dModel, utils.RandomArray(dModel*dModel, float64(dModel)))
	attn.GWo = mat.NewDense(dModel, dModel, nil)
	attn.MWo = mat.NewDense(dModel, dModel, nil)
	attn.VWo = mat.NewDense(dModel, dModel, nil)
	return attn
}

func (attn *Attention) Forward(X *mat.Dense) *mat.Dense {
	attn.X = X
	_, T := X.Dims()
	headsCat := mat.NewDense(attn.DModel, T, nil)

	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	mask, ok := attn.maskCache[T]
	if !ok {
		mask = utils.CausalMask(T)
		attn.maskCache[T] = mask
	}

	if attn.lastT != T {
		for h := 0; h < attn.H; h++ {
			attn.Q[h] = mat.NewDense(attn.DHead, T, nil)
			attn.K[h] = mat.NewDense(attn.DHead, T, nil)
			attn.V[h] = mat.NewDense(attn.DHead, T, nil)
			attn.Scores[h] = mat.NewDense(T, T, nil)
			attn.O[h] = mat.NewDense(attn.DHead, T, nil)
			attn.A[h] = mat.NewDense(T, T, nil)
		}
		attn.lastT = T
	}

	for h := 0; h < attn.H; h++ {
		attn.Q[h].Mul(attn.Wquery[h], X)
		attn.K[h].Mul(attn.Wkey[h], X)
		attn.V[h].Mul(attn.Wvalue[h], X)
		attn.Scores[h].Mul(attn.Q[h].T(), attn.K[h])
		attn.Scores[h].Scale(rescale, attn.Scores[h])
		utils.RowSoftmaxMaskedInPlace(attn.A[h], attn.Scores[h], mask)
		attn.O[h].Mul(attn.V[h], attn.A[h].T())
		base := h * attn.DHead
		dst := headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
		dst.Copy(attn.O[h])
	}
	attn.OCat = headsCat
	return utils.ToDense(utils.Dot(attn.Woutput, headsCat))
}

// Backward accumulates parameter grads and returns dX.
func (attn *Attention) Backward(dY *mat.Dense) *mat.Dense {
	dX, dWq, dWk, dWv, dWo := attn.BackwardGradsOnly(dY)
	for h := 0; h < attn.H; h++ {
		attn.GWq[h].Add(attn.GWq[h], dWq[h])
		attn.GWk[h].Add(attn.GWk[h], dWk[h])
		attn.GWv[h].Add(attn.GWv[h], dWv[h])
	}
	attn.GWo.Add(attn.GWo, dWo)
	return dX
}

func (attn *Attention) BackwardGradsOnly(dY *mat.Dense) (
	dX *mat.Dense,
	dWq, dWk, dWv []*mat.Dense,
	dWout *mat.Dense,
) {
	dWq = make([]*mat.Dense, attn.H)
	dWk = make([]*mat.Dense, attn.H)
	dWv = make([]*mat.Dense, attn.H)

	dYr, dYc := dY.Dims()
	_, T := attn.X.Dims()
	if dYc == 1 && T > 1 {
		full := mat.NewDense(dYr, T, nil)
		for i := 0; i < dYr; i++ {
			full.Set(i, T-1, dY.At(i, 0))
		}
		dY = full
	}

	dWout = utils.ToDense(utils.Dot(dY, attn.OCat.T()))
	dOcat := utils.ToDense(utils.Dot(attn.Woutput.T(), dY))

	dXtotal := mat.NewDense(attn.DModel, T, nil)

	row := 0
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	for h := 0; h < attn.H; h++ {
		dO := dOcat.Slice(row, row+attn.DHead, 0, T).(*mat.Dense)
		row += attn.DHead

		// O = V * A^T
		dV := utils.ToDense(utils.Dot(dO, attn.A[h]))
		dAT := utils.ToDense(utils.Dot(attn.V[h].T(), dO))
		dA := dAT.T()

		// A = softmax_row(S)
		dS := utils.SoftmaxBackward(dA, attn.A[h])

		// S = Q^T K / sqrt(dHead)
		dQ := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.K[h], dS.T())))
		dK := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.Q[h], dS)))

		dWq[h] = utils.ToDense(utils.Dot(dQ, attn.X.T()))
		dWk[h] = utils.ToDense(utils.Dot(dK, attn.X.T()))
		dWv[h] = utils.ToDense(utils.Dot(dV, attn.X.T()))

		dXq := utils.ToDense(utils.Dot(attn.Wquery[h].T(), dQ))
		dXk := utils.ToDense(utils.Dot(attn.Wkey[h].T(), dK))
		dXv := utils.ToDense(utils.Dot(attn.Wvalue[h].T(), dV))
		dXh := utils.ToDense(utils.Add(utils.Add(dXq, dXk), dXv))
		dXtotal = utils.ToDense(utils.Add(dXtotal, dXh))
	}
	return dXtotal, dWq, dWk, dWv, dWout
}

func (attn *Attention) Grads() []*mat.Dense {
	out := []*mat.Dense{attn.GWo}
	for h := 0; h < attn.H; h++ {
		out = append(out, attn.GWq[h], attn.GWk[h], attn.GWv[h])
	}
	return out
}

func (attn *Attention) Step(lr float64, cfg optimizations.AdamConfig) {
	attn.T++
	for h := 0; h < attn.H; h++ {
		optimizations.AdamUpdateInPlace(attn.Wquery[h], attn.GWq[h], attn.MWq[h], attn.VWq[h], attn.T, lr, cfg)
		optimizations.AdamUpdateInPlace(attn.Wkey[h], attn.GWk[h], attn.MWk[h], attn.VWk[h], attn.T, lr, cfg)
		optimizations.AdamUpdateInPlace(attn.Wvalue[h], attn.GWv[h], attn.MWv[h], attn.VWv[h], attn.T, lr, cfg)
	}
	optimizations.AdamUpdateInPlace(attn.Woutput, attn.GWo, attn.MWo, attn.VWo, attn.T, lr, cfg)
}

func (attn *Attention) ZeroGrads() {
	for h := 0; h < attn.H; h++ {
		attn.GWq[h].Zero()
		attn.GWk[h].Zero()
		attn.GWv[h].Zero()
	}
	attn.GWo.Zero()
}

// -------- KV cache for decoding (last-timestep only) --------

type AttnKV struct {
	K []*mat.Dense // per head: (dHead x t)
	V []*mat.Dense // per head: (dHead x t)
	T int
}

func newAttnKV(H int) AttnKV {
	return AttnKV{K: make([]*mat.Dense, H), V: make([]*mat.Dense, H)}
}

func appendCol(dst, col *mat.Dense) *mat.Dense {
	r, c := 0, 0
	if dst != nil {
		r, c = dst.Dims()
	} else {
		r = col.RawMatrix().Rows
	}
	if col.RawMatrix().Cols != 1 {
		panic("appendCol expects (r x 1) column")
	}
	out := mat.NewDense(r, c+1, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, dst.At(i, j))
		}
		out.Set(i, c, col.At(i, 0))
	}
	return out
}

// ForwardLastWithKV computes only the last timestep output using cached
// K,V. xLast: (dModel x 1). Updates kv in place.
func (attn *Attention) ForwardLastWithKV(xLast *mat.Dense, kv *AttnKV) *mat.Dense {
	if kv.K == nil || len(kv.K) != attn.H {
		*kv = newAttnKV(attn.H)
	}
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	headsCatLast := mat.NewDense(attn.DModel, 1, nil)
	for h := 0; h < attn.H; h++ {
		var q, k, v mat.Dense
		q.Mul(attn.Wquery[h], xLast)
		k.Mul(attn.Wkey[h], xLast)
		v.Mul(attn.Wvalue[h], xLast)
		kv.K[h] = appendCol(kv.K[h], utils.ToDense(&k))
		kv.V[h] = appendCol(kv.V[h], utils.ToDense(&v))

		var s mat.Dense
		s.Mul(q.T(), kv.K[h])
		s.Scale(rescale, &s)
		aRow := utils.RowSoftmax(utils.ToDense(&s))
		var o mat.Dense
		o.Mul(kv.V[h], aRow.T())
		base := h * attn.DHead
		dst := headsCatLast.Slice(base, base+attn.DHead, 0, 1).(*mat.Dense)
		dst.Copy(utils.ToDense(&o))
	}
	if kv.K[0] != nil {
		kv.T = kv.K[0].RawMatrix().Cols
	}
	var yLast mat.Dense
	yLast.Mul(attn.Woutput, headsCatLast)
	return utils.ToDense(&yLast)
}
