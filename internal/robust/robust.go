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

// Package robust provides sampling-based robust location/scale estimators
// for residual arrays that can run into the millions of entries (gray
// offsets over ~10^7 observations). Exact sigma-clipped statistics would
// cost an O(n log n) sort per iteration; instead these estimators subsample
// via github.com/valyala/fastrand and quickselect the sample.
package robust

import (
	"math"

	"github.com/HyperSuprime-Cam/fgcm/internal/qsort"
	"github.com/valyala/fastrand"
)

// MeanStdDev returns the plain mean and standard deviation of xs.
func MeanStdDev(xs []float32) (mean, stdDev float32) {
	xmean := float32(0)
	for _, x := range xs {
		xmean += x
	}
	xmean /= float32(len(xs))
	xvar := float32(0)
	for _, x := range xs {
		diff := x - xmean
		xvar += diff * diff
	}
	xvar /= float32(len(xs))
	return xmean, float32(math.Sqrt(float64(xvar)))
}

// SigmaClippedMedianAndMAD returns the sigma-clipped median and the
// Gaussian-normalized MAD (scaled by 1.4826) of data, iterating until no
// further points are rejected or fewer than 4 remain. Does not modify data.
func SigmaClippedMedianAndMAD(data []float32, sigmaLow, sigmaHigh float32) (median, mad float32) {
	tmp := make([]float32, len(data))
	copy(tmp, data)
	remaining := tmp
	for {
		median = qsort.SelectMedianFloat32(remaining)

		stdDev := float32(0)
		for _, r := range remaining {
			diff := r - median
			stdDev += diff * diff
		}
		stdDev /= float32(len(remaining))
		stdDev = float32(math.Sqrt(float64(stdDev))) * 1.134

		lowBound := median - sigmaLow*stdDev
		highBound := median + sigmaHigh*stdDev
		kept := 0
		for i := 0; i < len(remaining); i++ {
			r := remaining[i]
			if r >= lowBound && r <= highBound {
				remaining[kept] = r
				kept++
			}
		}
		rejected := len(remaining) - kept
		remaining = remaining[:kept]

		if rejected == 0 || len(remaining) <= 3 {
			madBuf := make([]float32, len(data))
			for i, d := range data {
				madBuf[i] = float32(math.Abs(float64(d - median)))
			}
			mad = qsort.SelectMedianFloat32(madBuf) * 1.4826
			return median, mad
		}
	}
}

// sampler draws values and value-pairs from a residual array, optionally
// restricted to a [lo, hi] window, using the fast non-cryptographic RNG.
type sampler struct {
	data   []float32
	n      int // samples per estimate
	lo, hi float32
	rng    fastrand.RNG
}

func (s *sampler) inWindow(v float32) bool { return v >= s.lo && v <= s.hi }

// median draws n values inside the window and returns their median.
func (s *sampler) median() float32 {
	buf := make([]float32, s.n)
	limit := uint32(len(s.data))
	for i := range buf {
		for {
			v := s.data[s.rng.Uint32n(limit)]
			if s.inWindow(v) {
				buf[i] = v
				break
			}
		}
	}
	return qsort.SelectMedianFloat32(buf)
}

// qn draws n index pairs inside the window and returns the first quartile
// of their absolute differences, scaled to the Qn estimator's
// Gaussian-consistent normalization.
//
// Reference: http://web.ipac.caltech.edu/staff/fmasci/home/astro_refs/BetterThanMAD.pdf
// Normalization constant corrected per https://rdrr.io/cran/robustbase/man/Qn.html
// (the original paper's published constant is wrong).
func (s *sampler) qn() float32 {
	buf := make([]float32, s.n)
	limit := uint32(len(s.data))
	for i := range buf {
		for {
			i1 := 1 + s.rng.Uint32n(limit-1)
			v1 := s.data[i1]
			if !s.inWindow(v1) {
				continue
			}
			v2 := s.data[s.rng.Uint32n(i1)]
			if s.inWindow(v2) {
				buf[i] = float32(math.Abs(float64(v1 - v2)))
				break
			}
		}
	}
	return qsort.SelectFirstQuartileFloat32(buf) * 2.21914
}

func openWindowSampler(data []float32, numSamples int) sampler {
	return sampler{
		data: data, n: numSamples,
		lo: float32(math.Inf(-1)), hi: float32(math.Inf(1)),
	}
}

// FastApproxMedian approximates the median of (presumably large) data by
// subsampling numSamples values and taking their median.
func FastApproxMedian(data []float32, numSamples int) float32 {
	s := openWindowSampler(data, numSamples)
	return s.median()
}

// FastApproxQn approximates the Qn robust scale estimator of (presumably
// large) data by subsampling numSamples pairs.
func FastApproxQn(data []float32, numSamples int) float32 {
	s := openWindowSampler(data, numSamples)
	return s.qn()
}

// FastApproxSigmaClippedMedianAndQn returns a sampling-based robust
// location and scale: start from the approximate median/Qn over all of
// data, then iteratively sigma-clip the sampling window and re-estimate
// until converged or 10 rounds have elapsed.
func FastApproxSigmaClippedMedianAndQn(data []float32, sigmaLow, sigmaHigh, epsilon float32, numSamples int) (location, scale float32) {
	location = FastApproxMedian(data, numSamples)
	scale = FastApproxQn(data, numSamples)

	for i := 0; ; i++ {
		s := sampler{
			data: data, n: numSamples,
			lo: location - sigmaLow*scale,
			hi: location + sigmaHigh*scale,
		}
		newLocation := s.median()
		newScale := s.qn() * 1.134

		if float32(math.Abs(float64(newLocation-location))+math.Abs(float64(newScale-scale))) <= epsilon || i >= 10 {
			return newLocation, s.qn()
		}
		location, scale = newLocation, newScale
	}
}
