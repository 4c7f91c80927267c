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

// Package sed estimates a per-star, per-band linearised SED (spectral
// energy distribution) slope from adjacent-band mean magnitudes.
package sed

import "math"

// k converts a flux-ratio log-slope into the magnitude-domain slope used
// throughout the engine's chromatic correction: k = 2.5/ln(10).
const k = 2.5 / math.Ln10

// SentinelMag marks a mean magnitude as "not computed"; mirrors
// stars.SentinelMag without importing the stars package, keeping this
// package a pure function of its inputs.
const SentinelMag = 99.0

// Estimator computes SED slopes for the required and extra bands of a
// single star, given per-band standard wavelengths (required bands first,
// in wavelength order, then any extra bands redward of them).
type Estimator struct {
	StdWavelength   []float64 // length nRequiredBands, ascending
	ExtraWavelength []float64 // length nExtraBands, redward of the required set
	FudgeFirst      float64   // extrapolation fudge factor, blue edge
	FudgeLast       float64   // extrapolation fudge factor, red edge
	FudgeExtra      float64   // extrapolation fudge factor, extra bands
}

// Slopes returns one slope per required band followed by one per extra
// band. If any required-band mean is the sentinel the star carries
// insufficient color information, and all returned slopes are zero.
func (e *Estimator) Slopes(requiredMeans, extraMeans []float64) []float64 {
	n := len(requiredMeans)
	out := make([]float64, n+len(extraMeans))

	for _, m := range requiredMeans {
		if m >= SentinelMag {
			return out // all zero
		}
	}
	if n < 2 {
		return out
	}

	// S[i] is defined between band i and i+1, for i in [0, n-2].
	s := make([]float64, n-1)
	for i := 0; i < n-1; i++ {
		dLambda := e.StdWavelength[i+1] - e.StdWavelength[i]
		s[i] = -(1.0 / k) * (requiredMeans[i+1] - requiredMeans[i]) / dLambda
	}

	for i := 0; i < n; i++ {
		switch {
		case n == 2:
			out[i] = s[0]
		case i == 0:
			out[i] = s[0] - e.FudgeFirst*(s[1]-s[0])
		case i == n-1:
			out[i] = s[n-2] + e.FudgeLast*(s[n-2]-s[n-3])
		default:
			out[i] = 0.5 * (s[i-1] + s[i])
		}
	}

	// Extra (redward) bands reuse the redmost extrapolation, each with its
	// own fudge factor scaling how far past the required set it reaches.
	redmostSlope := out[n-1]
	for j := range extraMeans {
		out[n+j] = redmostSlope * (1 + e.FudgeExtra*float64(j+1))
	}

	return out
}
