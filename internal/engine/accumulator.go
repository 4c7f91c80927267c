// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package engine

import "gonum.org/v1/gonum/floats"

// Partial is one worker's private accumulation for Phase B. Each worker
// owns exactly one of these; they are never shared, so no lock is needed
// while a worker fills it in. Reduction sums Partials across workers in
// ascending worker-id order so that repeated runs with the same nCore and
// slicing are bit-reproducible.
//
// The four logical groups (ordinary gradient, ordinary touched-count,
// reference gradient, reference touched-count) are named fields rather
// than offsets into one flat slab, so no call site ever computes a
// "2*nFitPars+loc"-style expression by hand.
type Partial struct {
	Chisq, ChisqRef       float64
	NObsFit, NObsRefFit   int64

	Grad, GradTouched       []float64 // length nFitPars
	GradRef, GradRefTouched []float64 // length nFitPars
}

// NewPartial allocates a zeroed Partial sized for a parameter vector of
// nFitPars slots.
func NewPartial(nFitPars int) *Partial {
	return &Partial{
		Grad:            make([]float64, nFitPars),
		GradTouched:     make([]float64, nFitPars),
		GradRef:         make([]float64, nFitPars),
		GradRefTouched:  make([]float64, nFitPars),
	}
}

// accumulateGroup adds value into the gradient slot at loc+offset and
// marks it touched, choosing the ordinary or reference group based on
// useRef. Every parameter group routes through this one helper, so an
// ordinary-group offset can never be reused in a reference branch by
// mistake: exactly one place knows how the four groups are laid out.
func (p *Partial) accumulateGroup(useRef bool, loc, offset int, value float64) {
	if useRef {
		p.GradRef[loc+offset] += value
		p.GradRefTouched[loc+offset]++
		return
	}
	p.Grad[loc+offset] += value
	p.GradTouched[loc+offset]++
}

// merge adds other into p elementwise. Used during the final deterministic
// reduction across workers.
func (p *Partial) merge(other *Partial) {
	p.Chisq += other.Chisq
	p.ChisqRef += other.ChisqRef
	p.NObsFit += other.NObsFit
	p.NObsRefFit += other.NObsRefFit
	floats.Add(p.Grad, other.Grad)
	floats.Add(p.GradTouched, other.GradTouched)
	floats.Add(p.GradRef, other.GradRef)
	floats.Add(p.GradRefTouched, other.GradRefTouched)
}

// reduce sums a slice of per-worker Partials in ascending index order
// (ascending worker id), giving a deterministic floating-point reduction
// order independent of goroutine completion order.
func reduce(partials []*Partial, nFitPars int) *Partial {
	total := NewPartial(nFitPars)
	for _, p := range partials {
		total.merge(p)
	}
	return total
}

// nActualFitPars counts fit-vector slots touched by any observation,
// ordinary or reference.
func (p *Partial) nActualFitPars() int {
	n := 0
	for i := range p.GradTouched {
		if p.GradTouched[i] > 0 || p.GradRefTouched[i] > 0 {
			n++
		}
	}
	return n
}

// totalGradient sums the ordinary and reference contributions into one
// combined gradient vector of length nFitPars; unit scaling is applied by
// the caller, which knows the sub-range boundaries.
func (p *Partial) totalGradient() []float64 {
	out := make([]float64, len(p.Grad))
	for i := range out {
		out[i] = p.Grad[i] + p.GradRef[i]
	}
	return out
}
