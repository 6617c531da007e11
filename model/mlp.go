package model

import (
	"github.com/visionshao/GPT2/optimizations"
	"github.com/visionshao/GPT2/utils"
	"gonum.org/v1/gonum/mat"
)

// MLP is the position-wise feed-forward half of a block (GELU).
type MLP struct {
	Inputs, Hiddens, Outputs  int
	HiddenWeights, HiddenBias *mat.Dense
	OutputWeights, OutputBias *mat.Dense

	// accumulated grads
	GHiddenW, GHiddenB *mat.Dense
	GOutputW, GOutputB *mat.Dense

	// Adam state
	T                  int
	MHiddenW, VHiddenW *mat.Dense
	MHiddenB, VHiddenB *mat.Dense
	MOutputW, VOutputW *mat.Dense
	MOutputB, VOutputB *mat.Dense

	// cache for backprop
	lastInput, hiddenPreAct, hiddenOutputs *mat.Dense
}

func NewMLP(dModel, hidden int) *MLP {
	return &MLP{
		Inputs:        dModel,
		Hiddens:       hidden,
		Outputs:       dModel,
		HiddenWeights: mat.NewDense(hidden, dModel, utils.RandomArray(dModel*hidden, float64(dModel))),
		HiddenBias:    mat.NewDense(hidden, 1, nil),
		OutputWeights: mat.NewDense(dModel, hidden, utils.RandomArray(hidden*dModel, float64(hidden))),
		OutputBias:    mat.NewDense(dModel, 1, nil),

		GHiddenW: mat.NewDense(hidden, dModel, nil),
		GHiddenB: mat.NewDense(hidden, 1, nil),
		GOutputW: mat.NewDense(dModel, hidden, nil),
		GOutputB: mat.NewDense(dModel, 1, nil),

		MHiddenW: mat.NewDense(hidden, dModel, nil),
		VHiddenW: mat.NewDense(hidden, dModel, nil),
		MHiddenB: mat.NewDense(hidden, 1, nil),
		VHiddenB: mat.NewDense(hidden, 1, nil),
		MOutputW: mat.NewDense(dModel, hidden, nil),
		VOutputW: mat.NewDense(dModel, hidden, nil),
		MOutputB: mat.NewDense(dModel, 1, nil),
		VOutputB: mat.NewDense(dModel, 1, nil),
	}
}

func (mlp *MLP) Forward(X *mat.Dense) *mat.Dense {
	mlp.lastInput = X
	hiddenLin := utils.ToDense(utils.Dot(mlp.HiddenWeights, X))
	hiddenWithBias := utils.AddBias(hiddenLin, mlp.HiddenBias)
	mlp.hiddenPreAct = hiddenWithBias
	mlp.hiddenOutputs = utils.Apply(utils.GeluApply, hiddenWithBias).(*mat.Dense)
	finalLin := utils.ToDense(utils.Dot(mlp.OutputWeights, mlp.hiddenOutputs))
	return utils.AddBias(finalLin, mlp.OutputBias)
}

// Backward accumulates parameter grads and returns dX.
func (mlp *MLP) Backward(grad *mat.Dense) *mat.Dense {
	dX, dWhid, dbHidden, dWout, dbOut := mlp.BackwardGradsOnly(grad)
	mlp.GHiddenW.Add(mlp.GHiddenW, dWhid)
	mlp.GHiddenB.Add(mlp.GHiddenB, dbHidden)
	mlp.GOutputW.Add(mlp.GOutputW, dWout)
	mlp.GOutputB.Add(mlp.GOutputB, dbOut)
	return dX
}

func (mlp *MLP) BackwardGradsOnly(grad *mat.Dense) (dX, dWhid, dbHidden, dWout, dbOut *mat.Dense) {
	grad = utils.ExpandGradToSeq(grad, mlp.lastInput)

	dWout = utils.ToDense(utils.Dot(grad, mlp.hiddenOutputs.T()))
	_, T := grad.Dims()
	dbOut = mat.NewDense(mlp.Outputs, 1, nil)
	for i := 0; i < mlp.Outputs; i++ {
		s := 0.0
		for t := 0; t < T; t++ {
			s += grad.At(i, t)
		}
		dbOut.Set(i, 0, s)
	}

	hiddenGradOut := utils.ToDense(utils.Dot(mlp.OutputWeights.T(), grad))
	hiddenErrors := utils.Multiply(hiddenGradOut, utils.GeluPrime(mlp.hiddenPreAct)).(*mat.Dense)

	dWhid = utils.ToDense(utils.Dot(hiddenErrors, mlp.lastInput.T()))
	dbHidden = mat.NewDense(mlp.Hiddens, 1, nil)
	for i := 0; i < mlp.Hiddens; i++ {
		s := 0.0
		for t := 0; t < T; t++ {
			s += hiddenErrors.At(i, t)
		}
		dbHidden.Set(i, 0, s)
	}

	dX = utils.ToDense(utils.Dot(mlp.HiddenWeights.T(), hiddenErrors))
	return dX, dWhid, dbHidden, dWout, dbOut
}

func (mlp *MLP) Grads() []*mat.Dense {
	return []*mat.Dense{mlp.GHiddenW, mlp.GHiddenB, mlp.GOutputW, mlp.GOutputB}
}

func (mlp *MLP) Step(lr float64, cfg optimizations.AdamConfig) {
	mlp.T++
	optimizations.AdamUpdateInPlace(mlp.OutputWeights, mlp.GOutputW, mlp.MOutputW, mlp.VOutputW, mlp.T, lr, cfg)
	optimizations.AdamUpdateInPlace(mlp.OutputBias, mlp.GOutputB, mlp.MOutputB, mlp.VOutputB, mlp.T, lr, cfg)
	optimizations.AdamUpdateInPlace(mlp.HiddenWeights, mlp.GHiddenW, mlp.MHiddenW, mlp.VHiddenW, mlp.T, lr, cfg)
	optimizations.AdamUpdateInPlace(mlp.HiddenBias, mlp.GHiddenB, mlp.MHiddenB, mlp.VHiddenB, mlp.T, lr, cfg)
}

func (mlp *MLP) ZeroGrads() {
	mlp.GHiddenW.Zero()
	mlp.GHiddenB.Zero()
	mlp.GOutputW.Zero()
	mlp.GOutputB.Zero()
}

// ForwardCol runs one (dModel x 1) column for decoding.
func (mlp *MLP) ForwardCol(xCol *mat.Dense) *mat.Dense {
	var h mat.Dense
	h.Mul(mlp.HiddenWeights, xCol)
	hb := utils.AddBias(utils.ToDense(&h), mlp.HiddenBias)
	hs := utils.Apply(utils.GeluApply, hb).(*mat.Dense)
	var o mat.Dense
	o.Mul(mlp.OutputWeights, hs)
	return utils.AddBias(utils.ToDense(&o), mlp.OutputBias)
}
