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

// Package lut implements the atmospheric look-up table interface: a pure
// function evaluator over a precomputed, read-only grid of transmission
// integrals. Populating the grid is the job of an external radiative
// transfer code (out of scope here); this package only interpolates it.
package lut

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Axis describes one dimension of the LUT grid: nPoints values evenly
// spaced from Min to Max (filter and CCD indices are enumerated, not
// interpolated).
type Axis struct {
	Min, Max float64
	N        int
}

func (a Axis) step() float64 {
	if a.N <= 1 {
		return 1
	}
	return (a.Max - a.Min) / float64(a.N-1)
}

// Grid is an immutable multi-dimensional atmospheric transmission table,
// shared read-only across all fit workers. Axes are, in order:
// filter, lnPwv, o3, lnTau, alpha, secZenith, ccd, pmb.
type Grid struct {
	Filters int // number of discrete filter indices
	CCDs    int // number of discrete CCD indices

	LnPwv, O3, LnTau, Alpha, SecZenith, Pmb Axis

	// I0, I1 are flattened [filter][lnPwv][o3][lnTau][alpha][secZenith][ccd][pmb]
	// row-major arrays of the zeroth- and first-moment transmission integrals.
	I0, I1 []float64

	// clampedLookups is the only mutable word in the otherwise read-only
	// grid; GetIndices runs on every parallel worker, so it is atomic.
	clampedLookups int64
}

// Dims returns the grid extents in axis order, for external bounds checks.
func (g *Grid) Dims() (filters, nLnPwv, nO3, nLnTau, nAlpha, nSecZ, ccds, nPmb int) {
	return g.Filters, g.LnPwv.N, g.O3.N, g.LnTau.N, g.Alpha.N, g.SecZenith.N, g.CCDs, g.Pmb.N
}

// ClampedLookups returns the number of GetIndices calls so far that fell
// outside the grid and were clamped to the nearest edge.
func (g *Grid) ClampedLookups() int64 { return atomic.LoadInt64(&g.clampedLookups) }

// Indices is an interpolation descriptor: the lower grid index and
// fractional offset in [0,1] along each continuous axis, plus the
// (clamped) enumerated filter and CCD index.
type Indices struct {
	Filter, CCD int
	lo          [6]int     // lnPwv, o3, lnTau, alpha, secZ, pmb
	frac        [6]float64
}

func axisLocate(a Axis, v float64, clamped *bool) (lo int, frac float64) {
	if a.N <= 1 {
		return 0, 0
	}
	if v < a.Min {
		*clamped = true
		v = a.Min
	} else if v > a.Max {
		*clamped = true
		v = a.Max
	}
	step := a.step()
	pos := (v - a.Min) / step
	lo = int(pos)
	if lo >= a.N-1 {
		lo = a.N - 2
	}
	frac = pos - float64(lo)
	return lo, frac
}

// GetIndices resolves the interpolation descriptor for a single observation.
// Inputs outside the grid are clamped to the nearest edge and counted via
// ClampedLookups rather than raising an error, per the LUT domain-error
// policy (spec: LUTDomainError is a diagnostic, not fatal, below threshold).
func (g *Grid) GetIndices(filterIndex int, lnPwv, o3, lnTau, alpha, secZ float64, ccdIndex int, pmb float64) Indices {
	var clamped bool
	idx := Indices{Filter: clampInt(filterIndex, g.Filters, &clamped), CCD: clampInt(ccdIndex, g.CCDs, &clamped)}
	idx.lo[0], idx.frac[0] = axisLocate(g.LnPwv, lnPwv, &clamped)
	idx.lo[1], idx.frac[1] = axisLocate(g.O3, o3, &clamped)
	idx.lo[2], idx.frac[2] = axisLocate(g.LnTau, lnTau, &clamped)
	idx.lo[3], idx.frac[3] = axisLocate(g.Alpha, alpha, &clamped)
	idx.lo[4], idx.frac[4] = axisLocate(g.SecZenith, secZ, &clamped)
	idx.lo[5], idx.frac[5] = axisLocate(g.Pmb, pmb, &clamped)
	if clamped {
		atomic.AddInt64(&g.clampedLookups, 1)
	}
	return idx
}

func clampInt(v, n int, clamped *bool) int {
	if v < 0 {
		*clamped = true
		return 0
	}
	if v >= n {
		*clamped = true
		return n - 1
	}
	return v
}

func (g *Grid) flatOffset(idx Indices, axisOffsets [6]int) int {
	i0 := idx.lo[0] + axisOffsets[0]
	i1 := idx.lo[1] + axisOffsets[1]
	i2 := idx.lo[2] + axisOffsets[2]
	i3 := idx.lo[3] + axisOffsets[3]
	i4 := idx.lo[4] + axisOffsets[4]
	i5 := idx.lo[5] + axisOffsets[5]
	off := idx.Filter
	off = off*g.LnPwv.N + i0
	off = off*g.O3.N + i1
	off = off*g.LnTau.N + i2
	off = off*g.Alpha.N + i3
	off = off*g.SecZenith.N + i4
	off = off*g.CCDs + idx.CCD
	off = off*g.Pmb.N + i5
	return off
}

// interpolate performs a 6-linear (one weight per continuous axis)
// interpolation of table over the 64 corners around idx.
func (g *Grid) interpolate(table []float64, idx Indices) float64 {
	var sum float64
	for corner := 0; corner < 64; corner++ {
		var offsets [6]int
		weight := 1.0
		for axis := 0; axis < 6; axis++ {
			bit := (corner >> uint(axis)) & 1
			offsets[axis] = bit
			if bit == 1 {
				weight *= idx.frac[axis]
			} else {
				weight *= 1 - idx.frac[axis]
			}
		}
		if weight == 0 {
			continue
		}
		sum += weight * table[g.flatOffset(idx, offsets)]
	}
	return sum
}

// I0At returns the zeroth-moment transmission integral at idx.
func (g *Grid) I0At(idx Indices) float64 { return g.interpolate(g.I0, idx) }

// I1At returns the first-moment transmission integral at idx.
func (g *Grid) I1At(idx Indices) float64 { return g.interpolate(g.I1, idx) }

// I10At returns I1/I0, the effective-wavelength offset driving the chromatic
// correction.
func (g *Grid) I10At(idx Indices) float64 {
	i0 := g.I0At(idx)
	if i0 == 0 {
		return 0
	}
	return g.I1At(idx) / i0
}

// finite-difference step for log-derivatives, in each axis's native units.
const derivEps = 1e-4

// LogDerivatives returns the partial derivatives of L = 2.5*log10(I0) with
// respect to lnPwv, O3, lnTau and alpha, evaluated by central finite
// differences on the interpolated I0 surface.
func (g *Grid) LogDerivatives(filterIndex int, lnPwv, o3, lnTau, alpha, secZ float64, ccdIndex int, pmb float64) (dLdLnPwv, dLdO3, dLdLnTau, dLdAlpha float64) {
	l := func(lp, o, lt, a float64) float64 {
		idx := g.GetIndices(filterIndex, lp, o, lt, a, secZ, ccdIndex, pmb)
		i0 := g.I0At(idx)
		if i0 <= 0 {
			return 0
		}
		return 2.5 * math.Log10(i0)
	}
	dLdLnPwv = (l(lnPwv+derivEps, o3, lnTau, alpha) - l(lnPwv-derivEps, o3, lnTau, alpha)) / (2 * derivEps)
	dLdO3 = (l(lnPwv, o3+derivEps, lnTau, alpha) - l(lnPwv, o3-derivEps, lnTau, alpha)) / (2 * derivEps)
	dLdLnTau = (l(lnPwv, o3, lnTau+derivEps, alpha) - l(lnPwv, o3, lnTau-derivEps, alpha)) / (2 * derivEps)
	dLdAlpha = (l(lnPwv, o3, lnTau, alpha+derivEps) - l(lnPwv, o3, lnTau, alpha-derivEps)) / (2 * derivEps)
	return
}

// LogDerivativesI1 returns the four partials of the I1-induced chromatic
// term 2.5*log10(1 + sedSlope*I10) with respect to the same four
// atmospheric parameters, by the same finite-difference approach.
func (g *Grid) LogDerivativesI1(filterIndex int, lnPwv, o3, lnTau, alpha, secZ float64, ccdIndex int, pmb float64, sedSlope float64) (dLdLnPwv, dLdO3, dLdLnTau, dLdAlpha float64) {
	l := func(lp, o, lt, a float64) float64 {
		idx := g.GetIndices(filterIndex, lp, o, lt, a, secZ, ccdIndex, pmb)
		i10 := g.I10At(idx)
		return 2.5 * math.Log10(1+sedSlope*i10)
	}
	dLdLnPwv = (l(lnPwv+derivEps, o3, lnTau, alpha) - l(lnPwv-derivEps, o3, lnTau, alpha)) / (2 * derivEps)
	dLdO3 = (l(lnPwv, o3+derivEps, lnTau, alpha) - l(lnPwv, o3-derivEps, lnTau, alpha)) / (2 * derivEps)
	dLdLnTau = (l(lnPwv, o3, lnTau+derivEps, alpha) - l(lnPwv, o3, lnTau-derivEps, alpha)) / (2 * derivEps)
	dLdAlpha = (l(lnPwv, o3, lnTau, alpha+derivEps) - l(lnPwv, o3, lnTau, alpha-derivEps)) / (2 * derivEps)
	return
}

// NewGridFromArrays builds a Grid directly from pre-computed, flattened
// I0/I1 arrays — the path used when loading a LUT file produced by the
// atmospheric radiative-transfer code, as opposed to NewUniformGrid's
// synthetic fixtures for tests.
func NewGridFromArrays(filters, ccds int, lnPwv, o3, lnTau, alpha, secZenith, pmb Axis, i0, i1 []float64) (*Grid, error) {
	if filters <= 0 || ccds <= 0 {
		return nil, fmt.Errorf("lut: filters and ccds must be positive")
	}
	want := filters * lnPwv.N * o3.N * lnTau.N * alpha.N * secZenith.N * ccds * pmb.N
	if len(i0) != want || len(i1) != want {
		return nil, fmt.Errorf("lut: I0/I1 length %d/%d, want %d", len(i0), len(i1), want)
	}
	return &Grid{
		Filters: filters, CCDs: ccds,
		LnPwv: lnPwv, O3: o3, LnTau: lnTau, Alpha: alpha, SecZenith: secZenith, Pmb: pmb,
		I0: i0, I1: i1,
	}, nil
}

// NewUniformGrid allocates a grid with the given axis shapes and an I0/I1
// filler function, for building test fixtures without a LUT file.
func NewUniformGrid(filters, ccds int, lnPwv, o3, lnTau, alpha, secZenith, pmb Axis, fill func(filter int, lnPwv, o3, lnTau, alpha, secZ float64, ccd int, pmb float64) (i0, i1 float64)) (*Grid, error) {
	if filters <= 0 || ccds <= 0 {
		return nil, fmt.Errorf("lut: filters and ccds must be positive")
	}
	g := &Grid{Filters: filters, CCDs: ccds, LnPwv: lnPwv, O3: o3, LnTau: lnTau, Alpha: alpha, SecZenith: secZenith, Pmb: pmb}
	n := filters * lnPwv.N * o3.N * lnTau.N * alpha.N * secZenith.N * ccds * pmb.N
	g.I0 = make([]float64, n)
	g.I1 = make([]float64, n)
	for f := 0; f < filters; f++ {
		for ip := 0; ip < lnPwv.N; ip++ {
			for io := 0; io < o3.N; io++ {
				for it := 0; it < lnTau.N; it++ {
					for ia := 0; ia < alpha.N; ia++ {
						for iz := 0; iz < secZenith.N; iz++ {
							for ic := 0; ic < ccds; ic++ {
								for ib := 0; ib < pmb.N; ib++ {
									lpv := lnPwv.Min + float64(ip)*lnPwv.step()
									o3v := o3.Min + float64(io)*o3.step()
									ltv := lnTau.Min + float64(it)*lnTau.step()
									av := alpha.Min + float64(ia)*alpha.step()
									zv := secZenith.Min + float64(iz)*secZenith.step()
									pv := pmb.Min + float64(ib)*pmb.step()
									i0, i1 := fill(f, lpv, o3v, ltv, av, zv, ic, pv)
									off := f
									off = off*lnPwv.N + ip
									off = off*o3.N + io
									off = off*lnTau.N + it
									off = off*alpha.N + ia
									off = off*secZenith.N + iz
									off = off*ccds + ic
									off = off*pmb.N + ib
									g.I0[off] = i0
									g.I1[off] = i1
								}
							}
						}
					}
				}
			}
		}
	}
	return g, nil
}
