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

package lut

import "testing"

func linearGrid(t *testing.T) *Grid {
	axis := func(min, max float64, n int) Axis { return Axis{Min: min, Max: max, N: n} }
	g, err := NewUniformGrid(2, 3,
		axis(-1, 1, 5), axis(0.25, 0.35, 3), axis(-3, -1, 3), axis(1, 2, 2),
		axis(1, 2, 3), axis(770, 790, 2),
		func(filter int, lnPwv, o3, lnTau, alpha, secZ float64, ccd int, pmb float64) (float64, float64) {
			return 0.8 + 0.01*lnPwv + 0.001*o3, 0.05 + 0.002*lnPwv
		})
	if err != nil {
		t.Fatalf("NewUniformGrid: %v", err)
	}
	return g
}

func TestInterpolationMatchesGridPoints(t *testing.T) {
	g := linearGrid(t)
	idx := g.GetIndices(0, -1, 0.25, -3, 1, 1, 0, 770)
	got := g.I0At(idx)
	want := 0.8 + 0.01*-1 + 0.001*0.25
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("I0At at grid corner = %v, want %v", got, want)
	}
}

func TestInterpolationIsLinearBetweenPoints(t *testing.T) {
	g := linearGrid(t)
	lo := g.GetIndices(0, -1, 0.25, -3, 1, 1, 0, 770)
	mid := g.GetIndices(0, -0.5, 0.25, -3, 1, 1, 0, 770)
	hi := g.GetIndices(0, 0, 0.25, -3, 1, 1, 0, 770)
	loV, midV, hiV := g.I0At(lo), g.I0At(mid), g.I0At(hi)
	expectMid := (loV + hiV) / 2
	if diff := midV - expectMid; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("midpoint I0 = %v, want %v (linear between %v and %v)", midV, expectMid, loV, hiV)
	}
}

func TestOutOfRangeClampsAndCounts(t *testing.T) {
	g := linearGrid(t)
	before := g.ClampedLookups()
	inRange := g.GetIndices(0, 0, 0.30, -2, 1.5, 1.5, 1, 780)
	_ = g.I0At(inRange)
	if g.ClampedLookups() != before {
		t.Fatalf("in-range lookup incremented clamp counter")
	}
	_ = g.GetIndices(0, 10, 0.30, -2, 1.5, 1.5, 1, 780)
	if g.ClampedLookups() != before+1 {
		t.Fatalf("out-of-range lookup did not increment clamp counter: got %d want %d", g.ClampedLookups(), before+1)
	}
}

func TestI10IsI1OverI0(t *testing.T) {
	g := linearGrid(t)
	idx := g.GetIndices(1, 0, 0.30, -2, 1.5, 1.5, 2, 780)
	i0, i1 := g.I0At(idx), g.I1At(idx)
	if diff := g.I10At(idx) - i1/i0; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("I10At inconsistent with I1At/I0At")
	}
}

func TestLogDerivativesSignMatchesLinearCoefficient(t *testing.T) {
	g := linearGrid(t)
	dLnPwv, dO3, _, _ := g.LogDerivatives(0, 0, 0.30, -2, 1.5, 1.5, 1, 780)
	if dLnPwv <= 0 {
		t.Fatalf("dL/dLnPwv should be positive for an increasing-in-lnPwv I0 surface, got %v", dLnPwv)
	}
	if dO3 <= 0 {
		t.Fatalf("dL/dO3 should be positive for an increasing-in-O3 I0 surface, got %v", dO3)
	}
}
