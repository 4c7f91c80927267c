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

package pars

import "gonum.org/v1/gonum/mat"

// Cheb2DField is a per-CCD 2-D Chebyshev polynomial field used for
// within-CCD ("sub-CCD") gray corrections on top of the flat per-CCD
// gray. Coefficients are stored as a dense order x order matrix and
// evaluated at normalised detector coordinates u,v in [-1,1].
type Cheb2DField struct {
	coeffs *mat.Dense // order x order
	order  int
}

// NewCheb2DField builds a field from a flattened row-major coefficient
// slice of length order*order.
func NewCheb2DField(order int, flatCoeffs []float64) *Cheb2DField {
	return &Cheb2DField{coeffs: mat.NewDense(order, order, flatCoeffs), order: order}
}

// ChebyshevT evaluates the Chebyshev polynomial of the first kind of
// degree n at x, via the standard three-term recurrence. Exported so
// callers that fit a Cheb2DField's coefficients (internal/gray's sub-CCD
// gray fit) can build the same basis this type evaluates against.
func ChebyshevT(n int, x float64) float64 { return chebyshevT(n, x) }

// chebyshevT evaluates the Chebyshev polynomial of the first kind of
// degree n at x, via the standard three-term recurrence.
func chebyshevT(n int, x float64) float64 {
	if n == 0 {
		return 1
	}
	if n == 1 {
		return x
	}
	tPrev, t := 1.0, x
	for i := 2; i <= n; i++ {
		tPrev, t = t, 2*x*t-tPrev
	}
	return t
}

// Eval evaluates the field at normalised detector coordinates u, v, each
// expected in [-1, 1].
func (f *Cheb2DField) Eval(u, v float64) float64 {
	sum := 0.0
	for i := 0; i < f.order; i++ {
		tu := chebyshevT(i, u)
		for j := 0; j < f.order; j++ {
			sum += f.coeffs.At(i, j) * tu * chebyshevT(j, v)
		}
	}
	return sum
}
