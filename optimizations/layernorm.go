package optimizations

import (
	"math"

	"github.com/visionshao/GPT2/utils"
	"gonum.org/v1/gonum/mat"
)

type LayerNorm struct {
	D     int
	Eps   float64
	Gamma *mat.Dense // (d x 1)
	Beta  *mat.Dense // (d x 1)

	// cache
	LastInput *mat.Dense // (d x T)
	Xhat      *mat.Dense // (d x T)
	InvStd    []float64  // per column

	// accumulated grads
	GGamma, GBeta *mat.Dense

	// Adam state
	T              int
	MGamma, VGamma *mat.Dense
	MBeta, VBeta   *mat.Dense
}

func NewLayerNorm(d int, eps float64) *LayerNorm {
	return &LayerNorm{
		D:      d,
		Eps:    eps,
		Gamma:  utils.OnesLike(mat.NewDense(d, 1, nil)),
		Beta:   mat.NewDense(d, 1, nil),
		GGamma: mat.NewDense(d, 1, nil),
		GBeta:  mat.NewDense(d, 1, nil),
		MGamma: mat.NewDense(d, 1, nil),
		VGamma: mat.NewDense(d, 1, nil),
		MBeta:  mat.NewDense(d, 1, nil),
		VBeta:  mat.NewDense(d, 1, nil),
	}
}

func (ln *LayerNorm) Forward(X *mat.Dense) *mat.Dense {
	d, T := X.Dims()
	out := mat.NewDense(d, T, nil)
	xhat := mat.NewDense(d, T, nil)
	inv := make([]float64, T)
	for t := 0; t < T; t++ {
		mu := 0.0
		for i := 0; i < d; i++ {
			mu += X.At(i, t)
		}
		mu /= float64(d)
		var v float64
		for i := 0; i < d; i++ {
			diff := X.At(i, t) - mu
			v += diff * diff
		}
		v /= float64(d)
		istd := 1.0 / math.Sqrt(v+ln.Eps)
		inv[t] = istd
		for i := 0; i < d; i++ {
			n := (X.At(i, t) - mu) * istd
			xhat.Set(i, t, n)
			out.Set(i, t, ln.Gamma.At(i, 0)*n+ln.Beta.At(i, 0))
		}
	}
	ln.LastInput = X
	ln.Xhat = xhat
	ln.InvStd = inv
	return out
}

// Backward accumulates gamma/beta grads and returns dX. Parameters are
// only updated when Step is called.
func (ln *LayerNorm) Backward(dY *mat.Dense) *mat.Dense {
	dX, dGamma, dBeta := ln.BackwardGradsOnly(dY)
	ln.GGamma.Add(ln.GGamma, dGamma)
	ln.GBeta.Add(ln.GBeta, dBeta)
	return dX
}

func (ln *LayerNorm) BackwardGradsOnly(dY *mat.Dense) (dX, dGamma, dBeta *mat.Dense) {
	d, T := dY.Dims()
	dGamma = mat.NewDense(d, 1, nil)
	dBeta = mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		sumDG := 0.0
		sumDB := 0.0
		for t := 0; t < T; t++ {
			sumDG += dY.At(i, t) * ln.Xhat.At(i, t)
			sumDB += dY.At(i, t)
		}
		dGamma.Set(i, 0, sumDG)
		dBeta.Set(i, 0, sumDB)
	}

	dX = mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		istd := ln.InvStd[t]
		sum1 := 0.0
		sum2 := 0.0
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.At(i, 0)
			sum1 += gy
			sum2 += gy * ln.Xhat.At(i, t)
		}
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.At(i, 0)
			dxi := (float64(d)*gy - sum1 - ln.Xhat.At(i, t)*sum2) * (istd / float64(d))
			dX.Set(i, t, dxi)
		}
	}
	return dX, dGamma, dBeta
}

// Grads exposes the accumulated gradients for global-norm clipping.
func (ln *LayerNorm) Grads() []*mat.Dense {
	return []*mat.Dense{ln.GGamma, ln.GBeta}
}

func (ln *LayerNorm) Step(lr float64, cfg AdamConfig) {
	ln.T++
	AdamUpdateInPlace(ln.Gamma, ln.GGamma, ln.MGamma, ln.VGamma, ln.T, lr, cfg)
	AdamUpdateInPlace(ln.Beta, ln.GBeta, ln.MBeta, ln.VBeta, ln.T, lr, cfg)
}

func (ln *LayerNorm) ZeroGrads() {
	ln.GGamma.Zero()
	ln.GBeta.Zero()
}

// ForwardCol normalizes a single (d x 1) column for inference.
func (ln *LayerNorm) ForwardCol(x *mat.Dense) *mat.Dense {
	d, c := x.Dims()
	if c != 1 {
		panic("LayerNorm.ForwardCol expects (d x 1)")
	}
	mu := 0.0
	for i := 0; i < d; i++ {
		mu += x.At(i, 0)
	}
	mu /= float64(d)
	var v float64
	for i := 0; i < d; i++ {
		diff := x.At(i, 0) - mu
		v += diff * diff
	}
	v /= float64(d)
	istd := 1.0 / math.Sqrt(v+ln.Eps)
	out := mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		n := (x.At(i, 0) - mu) * istd
		out.Set(i, 0, ln.Gamma.At(i, 0)*n+ln.Beta.At(i, 0))
	}
	return out
}
