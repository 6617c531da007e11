package model

import (
	"encoding/gob"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// checkpoint mirrors the model's parameter tensors as raw float slices
// so gob stays independent of gonum internals.
type matrixData struct {
	Rows, Cols int
	Data       []float64
}

type blockData struct {
	LN1Gamma, LN1Beta matrixData
	Wq, Wk, Wv        []matrixData
	Wo                matrixData
	LN2Gamma, LN2Beta matrixData
	HiddenW, HiddenB  matrixData
	OutputW, OutputB  matrixData
}

type modelData struct {
	Vocab, DModel, MaxLen int
	Heads, Hidden         int
	Seg                   bool
	SP                    SpecialTokens

	Emb, Pos matrixData
	Blocks   []blockData
	LNFGamma matrixData
	LNFBeta  matrixData
}

func packMat(m *mat.Dense) matrixData {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, m.At(i, j))
		}
	}
	return matrixData{Rows: r, Cols: c, Data: data}
}

func unpackMat(md matrixData) *mat.Dense {
	return mat.NewDense(md.Rows, md.Cols, md.Data)
}

func packMats(ms []*mat.Dense) []matrixData {
	out := make([]matrixData, len(ms))
	for i, m := range ms {
		out[i] = packMat(m)
	}
	return out
}

// Save writes the parameter state to path. Optimizer moments are not
// persisted; a resumed run starts Adam fresh.
func (m *Model) Save(path string) error {
	data := modelData{
		Vocab:  m.Vocab,
		DModel: m.DModel,
		MaxLen: m.MaxLen,
		Heads:  m.Blocks[0].Attn.H,
		Hidden: m.Blocks[0].MLP.Hiddens,
		Seg:    m.Seg,
		SP:     m.SP,

		Emb:      packMat(m.Emb),
		Pos:      packMat(m.Pos),
		LNFGamma: packMat(m.LNF.Gamma),
		LNFBeta:  packMat(m.LNF.Beta),
	}
	for _, b := range m.Blocks {
		data.Blocks = append(data.Blocks, blockData{
			LN1Gamma: packMat(b.LN1.Gamma),
			LN1Beta:  packMat(b.LN1.Beta),
			Wq:       packMats(b.Attn.Wquery),
			Wk:       packMats(b.Attn.Wkey),
			Wv:       packMats(b.Attn.Wvalue),
			Wo:       packMat(b.Attn.Woutput),
			LN2Gamma: packMat(b.LN2.Gamma),
			LN2Beta:  packMat(b.LN2.Beta),
			HiddenW:  packMat(b.MLP.HiddenWeights),
			HiddenB:  packMat(b.MLP.HiddenBias),
			OutputW:  packMat(b.MLP.OutputWeights),
			OutputB:  packMat(b.MLP.OutputBias),
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint %s: %w", path, err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(data); err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", path, err)
	}
	return nil
}

// Load restores parameter tensors from path into the receiver. Shapes
// must match the current configuration.
func (m *Model) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	defer f.Close()
	var data modelData
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if data.Vocab != m.Vocab || data.DModel != m.DModel || len(data.Blocks) != len(m.Blocks) {
		return fmt.Errorf("checkpoint %s: shape mismatch (vocab %d, dModel %d, layers %d)",
			path, data.Vocab, data.DModel, len(data.Blocks))
	}

	m.Emb = unpackMat(data.Emb)
	m.Pos = unpackMat(data.Pos)
	m.LNF.Gamma = unpackMat(data.LNFGamma)
	m.LNF.Beta = unpackMat(data.LNFBeta)
	m.SP = data.SP
	m.Seg = data.Seg
	for i, bd := range data.Blocks {
		b := m.Blocks[i]
		b.LN1.Gamma = unpackMat(bd.LN1Gamma)
		b.LN1.Beta = unpackMat(bd.LN1Beta)
		for h := range b.Attn.Wquery {
			b.Attn.Wquery[h] = unpackMat(bd.Wq[h])
			b.Attn.Wkey[h] = unpackMat(bd.Wk[h])
			b.Attn.Wvalue[h] = unpackMat(bd.Wv[h])
		}
		b.Attn.Woutput = unpackMat(bd.Wo)
		b.LN2.Gamma = unpackMat(bd.LN2Gamma)
		b.LN2.Beta = unpackMat(bd.LN2Beta)
		b.MLP.HiddenWeights = unpackMat(bd.HiddenW)
		b.MLP.HiddenBias = unpackMat(bd.HiddenB)
		b.MLP.OutputWeights = unpackMat(bd.OutputW)
		b.MLP.OutputBias = unpackMat(bd.OutputB)
	}
	return nil
}
