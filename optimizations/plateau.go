package optimizations

// Plateau decays a learning rate by a fixed factor whenever the
// monitored metric fails to improve (mode=min, strict decrease).
// With Patience 0 every non-improving round triggers a decay, matching
// the original schedule.
type Plateau struct {
	LR       float64
	Factor   float64
	Patience int
	MinLR    float64

	best    float64
	hasBest bool
	bad     int
}

func NewPlateau(lr, factor float64, patience int, minLR float64) *Plateau {
	return &Plateau{LR: lr, Factor: factor, Patience: patience, MinLR: minLR}
}

// Step feeds one validation metric and returns the (possibly reduced)
// learning rate plus whether a reduction happened this round.
func (p *Plateau) Step(metric float64) (float64, bool) {
	if !p.hasBest || metric < p.best {
		p.best = metric
		p.hasBest = true
		p.bad = 0
		return p.LR, false
	}
	p.bad++
	if p.bad <= p.Patience {
		return p.LR, false
	}
	p.bad = 0
	next := p.LR * p.Factor
	if next < p.MinLR {
		next = p.MinLR
	}
	reduced := next < p.LR
	p.LR = next
	return p.LR, reduced
}
