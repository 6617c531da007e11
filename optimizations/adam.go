package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// AdamConfig carries the moment hyperparameters shared by every
// parameter group.
type AdamConfig struct {
	Beta1 float64
	Beta2 float64
	Eps   float64
}

// DefaultAdam matches the original Adam(lr) defaults.
func DefaultAdam() AdamConfig {
	return AdamConfig{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// AdamUpdateInPlace applies one bias-corrected Adam step:
// p -= lr * mhat / (sqrt(vhat)+eps).
func AdamUpdateInPlace(p, g, m, v *mat.Dense, t int, lr float64, cfg AdamConfig) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	b1t := math.Pow(cfg.Beta1, float64(t))
	b2t := math.Pow(cfg.Beta2, float64(t))
	c1 := 1.0 / (1.0 - b1t)
	c2 := 1.0 / (1.0 - b2t)
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := cfg.Beta1*m.At(i, j) + (1.0-cfg.Beta1)*gij
			vij := cfg.Beta2*v.At(i, j) + (1.0-cfg.Beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			p.Set(i, j, p.At(i, j)-lr*mhat/(math.Sqrt(vhat)+cfg.Eps))
			m.Set(i, j, mij)
			v.Set(i, j, vij)
		}
	}
}
