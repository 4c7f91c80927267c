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

package driver

import (
	"math"
	"testing"

	"github.com/HyperSuprime-Cam/fgcm/internal/engine"
)

// quadraticSurface is a stand-in evaluator: chisq = sum (p_i - c_i)^2,
// minimised at c, with the exact analytic gradient.
type quadraticSurface struct {
	center []float64
	calls  int
	limit  int
}

func (q *quadraticSurface) Run(p []float64, opts engine.RunOptions) (float64, []float64, error) {
	if q.limit > 0 && q.calls >= q.limit {
		return 0, nil, engine.ErrMaxIterations
	}
	q.calls++

	chisq := 0.0
	grad := make([]float64, len(p))
	for i := range p {
		d := p[i] - q.center[i]
		chisq += d * d
		grad[i] = 2 * d
	}
	return chisq, grad, nil
}

func TestFitConvergesOnQuadratic(t *testing.T) {
	q := &quadraticSurface{center: []float64{1.5, -0.75, 0.25}}
	res, err := Fit(q, make([]float64, 3), Options{StepSize: 0.25, Tolerance: 1e-12, MaxSteps: 200})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if !res.Converged {
		t.Fatalf("fit did not converge in %d steps, chisq %v", res.Steps, res.Chisq)
	}
	for i, c := range q.center {
		if math.Abs(res.P[i]-c) > 1e-4 {
			t.Errorf("P[%d] = %v, want %v", i, res.P[i], c)
		}
	}
}

func TestFitCatchesMaxIterations(t *testing.T) {
	q := &quadraticSurface{center: []float64{3}, limit: 5}
	res, err := Fit(q, []float64{0}, Options{StepSize: 0.01, Tolerance: 0, MaxSteps: 100})
	if err != nil {
		t.Fatalf("Fit should absorb ErrMaxIterations, got %v", err)
	}
	if !res.MaxIterHit {
		t.Error("MaxIterHit not set after the engine signalled max iterations")
	}
	if res.Steps != 5 {
		t.Errorf("Steps = %d, want 5", res.Steps)
	}
}

func TestFitDoesNotMutateStartVector(t *testing.T) {
	p0 := []float64{0, 0}
	q := &quadraticSurface{center: []float64{1, 1}}
	if _, err := Fit(q, p0, Options{StepSize: 0.25, Tolerance: 1e-12, MaxSteps: 50}); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if p0[0] != 0 || p0[1] != 0 {
		t.Errorf("start vector mutated: %v", p0)
	}
}
