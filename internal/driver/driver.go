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

// Package driver is the outer minimiser shim: a small, direct gradient
// descent loop that calls into internal/engine each step and stops cleanly
// when the engine raises its max-iterations signal. It applies no parameter
// bounds.
// Campaigns needing a stronger minimiser swap this out behind Evaluator.
package driver

import (
	"errors"
	"fmt"

	"github.com/HyperSuprime-Cam/fgcm/internal/engine"
	"github.com/HyperSuprime-Cam/fgcm/internal/log"
)

// Evaluator is the chi-squared surface the outer minimiser drives: one
// evaluation per step, returning (chisq/DOF, grad/DOF). *engine.Engine
// satisfies it; tests substitute analytic surfaces.
type Evaluator interface {
	Run(p []float64, opts engine.RunOptions) (float64, []float64, error)
}

// Options configures the outer loop.
type Options struct {
	StepSize      float64
	Tolerance     float64
	MaxSteps      int
	FitterUnits   bool
}

// Result is the outcome of a Fit call.
type Result struct {
	P          []float64
	Chisq      float64
	Steps      int
	Converged  bool
	MaxIterHit bool
}

// Fit runs a simple unconstrained gradient descent against eng.Run, starting
// from p0, until the chi-squared change falls below opts.Tolerance, opts.MaxSteps
// is reached, or the engine raises ErrMaxIterations — which is caught and
// reported, not propagated as a failure.
func Fit(eng Evaluator, p0 []float64, opts Options) (Result, error) {
	p := make([]float64, len(p0))
	copy(p, p0)

	lastChisq := 0.0
	for step := 0; step < opts.MaxSteps; step++ {
		chisq, grad, err := eng.Run(p, engine.RunOptions{
			ComputeDerivatives: true,
			ComputeSEDSlopes:   step == 0,
			FitterUnits:        opts.FitterUnits,
		})
		if err != nil {
			if errors.Is(err, engine.ErrMaxIterations) {
				fgcmlog.LogPrintf("driver: max iterations reached after %d steps\n", step)
				return Result{P: p, Chisq: lastChisq, Steps: step, MaxIterHit: true}, nil
			}
			return Result{}, fmt.Errorf("driver: step %d: %w", step, err)
		}

		if step > 0 {
			delta := lastChisq - chisq
			if delta >= 0 && delta < opts.Tolerance {
				return Result{P: p, Chisq: chisq, Steps: step, Converged: true}, nil
			}
		}
		lastChisq = chisq

		for i := range p {
			p[i] -= opts.StepSize * grad[i]
		}
	}
	return Result{P: p, Chisq: lastChisq, Steps: opts.MaxSteps}, nil
}
