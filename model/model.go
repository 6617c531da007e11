package model

import (
	"github.com/visionshao/GPT2/optimizations"
	"github.com/visionshao/GPT2/params"
	"github.com/visionshao/GPT2/utils"
	"gonum.org/v1/gonum/mat"
)

// Model is a decoder-only transformer for dialogue generation. Token
// embeddings are tied with the output projection, and segment tags are
// embedded through the same table, so the unembedding, input and
// segment paths all flow gradient into Emb.
type Model struct {
	Vocab  int
	DModel int
	MaxLen int
	Seg    bool

	Emb    *mat.Dense // (dModel x vocab)
	Pos    *mat.Dense // (dModel x maxLen)
	Blocks []*Block
	LNF    *optimizations.LayerNorm

	SP SpecialTokens

	// accumulated grads
	GEmb, GPos *mat.Dense

	// Adam state
	T          int
	MEmb, VEmb *mat.Dense
	MPos, VPos *mat.Dense

	Adam optimizations.AdamConfig

	// cache for backprop
	lastIDs  []int
	lastSegs []int
	lastY    *mat.Dense
}

func NewModel(cfg params.TrainingConfig, vocab int, sp SpecialTokens) *Model {
	heads := utils.ChooseValidHeads(cfg.DModel, cfg.NumHeads)
	m := &Model{
		Vocab:  vocab,
		DModel: cfg.DModel,
		MaxLen: cfg.GPT2Truncate + cfg.MaxLength,
		Seg:    cfg.Segment,
		LNF:    optimizations.NewLayerNorm(cfg.DModel, 1e-5),
		SP:     sp,
		Adam: optimizations.AdamConfig{
			Beta1: cfg.AdamBeta1,
			Beta2: cfg.AdamBeta2,
			Eps:   cfg.AdamEps,
		},
	}
	m.Emb = mat.NewDense(cfg.DModel, vocab, utils.RandomArray(cfg.DModel*vocab, float64(cfg.DModel)))
	m.Pos = mat.NewDense(cfg.DModel, m.MaxLen, utils.RandomArray(cfg.DModel*m.MaxLen, float64(cfg.DModel)))
	for i := 0; i < cfg.Layers; i++ {
		m.Blocks = append(m.Blocks, NewBlock(cfg.DModel, cfg.HiddenSize, heads))
	}
	m.GEmb = utils.ZerosLike(m.Emb)
	m.GPos = utils.ZerosLike(m.Pos)
	m.MEmb = utils.ZerosLike(m.Emb)
	m.VEmb = utils.ZerosLike(m.Emb)
	m.MPos = utils.ZerosLike(m.Pos)
	m.VPos = utils.ZerosLike(m.Pos)
	return m
}

// embed builds the (dModel x T) input: token + position (+ segment).
func (m *Model) embed(ids, segs []int) *mat.Dense {
	T := len(ids)
	X := mat.NewDense(m.DModel, T, nil)
	for t := 0; t < T; t++ {
		for i := 0; i < m.DModel; i++ {
			v := m.Emb.At(i, ids[t]) + m.Pos.At(i, t)
			if m.Seg {
				v += m.Emb.At(i, segs[t])
			}
			X.Set(i, t, v)
		}
	}
	return X
}

// Forward runs the full sequence and returns the final hidden states
// (dModel x T). segs must align with ids; it is ignored when the
// segment path is disabled.
func (m *Model) Forward(ids, segs []int) *mat.Dense {
	if len(ids) > m.MaxLen {
		panic("Forward: sequence longer than position table")
	}
	m.lastIDs = ids
	m.lastSegs = segs
	X := m.embed(ids, segs)
	for _, b := range m.Blocks {
		X = b.Forward(X)
	}
	Y := m.LNF.Forward(X)
	m.lastY = Y
	return Y
}

// Logits projects hidden states through the tied embedding: (V x T).
func (m *Model) Logits(Y *mat.Dense) *mat.Dense {
	return utils.ToDense(utils.Dot(m.Emb.T(), Y))
}

// Backward accumulates gradients for one example given dLoss/dLogits
// (V x T). Call ZeroGrads before the first example of an optimizer
// step and Step after the last.
func (m *Model) Backward(dLogits *mat.Dense) {
	// unembedding path: logits = Emb^T Y
	dEmbOut := utils.ToDense(utils.Dot(m.lastY, dLogits.T()))
	m.GEmb.Add(m.GEmb, dEmbOut)

	dY := utils.ToDense(utils.Dot(m.Emb, dLogits))
	dX := m.LNF.Backward(dY)
	for i := len(m.Blocks) - 1; i >= 0; i-- {
		dX = m.Blocks[i].Backward(dX)
	}

	// input embedding, position and segment paths
	for t, id := range m.lastIDs {
		for i := 0; i < m.DModel; i++ {
			g := dX.At(i, t)
			m.GEmb.Set(i, id, m.GEmb.At(i, id)+g)
			m.GPos.Set(i, t, m.GPos.At(i, t)+g)
			if m.Seg {
				seg := m.lastSegs[t]
				m.GEmb.Set(i, seg, m.GEmb.At(i, seg)+g)
			}
		}
	}
}

// Grads returns every accumulated gradient for global-norm handling.
func (m *Model) Grads() []*mat.Dense {
	out := []*mat.Dense{m.GEmb, m.GPos}
	for _, b := range m.Blocks {
		out = append(out, b.Grads()...)
	}
	out = append(out, m.LNF.Grads()...)
	return out
}

// ClipGradNorm rescales all gradients to a global norm of at most clip
// and returns the pre-clip norm.
func (m *Model) ClipGradNorm(clip float64) float64 {
	grads := m.Grads()
	norm := utils.GradNorm(grads...)
	if clip > 0 && norm > clip {
		utils.ScaleAll(clip/norm, grads...)
	}
	return norm
}

// Step applies one Adam update with the accumulated gradients.
func (m *Model) Step(lr float64) {
	m.T++
	optimizations.AdamUpdateInPlace(m.Emb, m.GEmb, m.MEmb, m.VEmb, m.T, lr, m.Adam)
	optimizations.AdamUpdateInPlace(m.Pos, m.GPos, m.MPos, m.VPos, m.T, lr, m.Adam)
	for _, b := range m.Blocks {
		b.Step(lr, m.Adam)
	}
	m.LNF.Step(lr, m.Adam)
}

func (m *Model) ZeroGrads() {
	m.GEmb.Zero()
	m.GPos.Zero()
	for _, b := range m.Blocks {
		b.ZeroGrads()
	}
	m.LNF.ZeroGrads()
}

// -------- incremental decoding --------

// DecodeState carries per-layer KV caches plus the running position and
// segment label for one decoded sequence.
type DecodeState struct {
	KVs     []AttnKV
	Pos     int
	SegPrev int
}

func (m *Model) NewDecodeState() *DecodeState {
	return &DecodeState{
		KVs:     make([]AttnKV, len(m.Blocks)),
		SegPrev: m.SP.KnowID,
	}
}

// ForwardLast feeds one token id (with its segment label) through the
// cached decoder and returns the next-token logits as (V x 1).
func (m *Model) ForwardLast(id, seg int, st *DecodeState) *mat.Dense {
	if st.Pos >= m.MaxLen {
		panic("ForwardLast: position table exhausted")
	}
	x := mat.NewDense(m.DModel, 1, nil)
	for i := 0; i < m.DModel; i++ {
		v := m.Emb.At(i, id) + m.Pos.At(i, st.Pos)
		if m.Seg {
			v += m.Emb.At(i, seg)
		}
		x.Set(i, 0, v)
	}
	st.Pos++
	for li, b := range m.Blocks {
		x = b.ForwardLastWithKV(x, &st.KVs[li])
	}
	y := m.LNF.ForwardCol(x)
	var logits mat.Dense
	logits.Mul(m.Emb.T(), y)
	return utils.ToDense(&logits)
}

// Prime pushes an already-tagged context through the decoder, returning
// the logits after the final context token.
func (m *Model) Prime(ids, segs []int, st *DecodeState) *mat.Dense {
	var logits *mat.Dense
	for t, id := range ids {
		logits = m.ForwardLast(id, segs[t], st)
		st.SegPrev = segs[t]
	}
	return logits
}
