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

package sed

import "testing"

func TestSlopesConstantForLinearMagnitudes(t *testing.T) {
	e := &Estimator{
		StdWavelength: []float64{400, 500, 600, 700, 800},
		FudgeFirst:    0.1,
		FudgeLast:     0.1,
	}
	// Linearly rising magnitudes with wavelength: mean[i] = 18 + 0.002*lambda[i]
	means := make([]float64, len(e.StdWavelength))
	for i, lam := range e.StdWavelength {
		means[i] = 18 + 0.002*lam
	}
	slopes := e.Slopes(means, nil)

	want := slopes[2] // interior slope as reference
	for i, got := range slopes {
		if diff := got - want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("slope[%d] = %v, want %v (constant across bands for linear magnitudes)", i, got, want)
		}
	}
}

func TestSlopesZeroWhenAnyRequiredMeanIsSentinel(t *testing.T) {
	e := &Estimator{StdWavelength: []float64{400, 500, 600}}
	means := []float64{18, SentinelMag, 19}
	slopes := e.Slopes(means, nil)
	for i, s := range slopes {
		if s != 0 {
			t.Fatalf("slope[%d] = %v, want 0 when a required band mean is the sentinel", i, s)
		}
	}
}

func TestExtraBandsReuseRedmostExtrapolation(t *testing.T) {
	e := &Estimator{
		StdWavelength: []float64{400, 500, 600},
		FudgeExtra:    0.05,
	}
	means := []float64{18, 18.2, 18.4}
	slopes := e.Slopes(means, []float64{19})
	if len(slopes) != 4 {
		t.Fatalf("expected 4 slopes (3 required + 1 extra), got %d", len(slopes))
	}
	redmost := slopes[2]
	want := redmost * 1.05
	if diff := slopes[3] - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("extra-band slope = %v, want %v", slopes[3], want)
	}
}
