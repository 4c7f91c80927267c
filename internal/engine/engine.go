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

// Package engine is the two-phase parallel chi-squared / gradient kernel
// at the core of the fitting engine. Phase A derives standardised
// per-observation magnitudes and per-(star,band) weighted means; Phase B
// reduces those into a scalar chi-squared and an analytic gradient
// partitioned by parameter group, excluding reference-star observations
// from the ordinary sum and giving them a separate likelihood term.
package engine

import (
	"fmt"
	"runtime"

	"github.com/HyperSuprime-Cam/fgcm/internal/arraypool"
	"github.com/HyperSuprime-Cam/fgcm/internal/gray"
	"github.com/HyperSuprime-Cam/fgcm/internal/lut"
	"github.com/HyperSuprime-Cam/fgcm/internal/pars"
	"github.com/HyperSuprime-Cam/fgcm/internal/sed"
	"github.com/HyperSuprime-Cam/fgcm/internal/stars"
)

// Config holds the campaign-wide tuning knobs that do not change between
// Run calls.
type Config struct {
	NCore         int
	NStarPerRun   int
	MaxIterations int
	IllegalValue  float64

	FitBands      []int // band indices included in the chi-squared sum
	RequiredBands []int
	I10Std        []float64 // per-band reference I1/I0 ratio for the chromatic correction
	MinObsPerBand int32

	// MaxLUTClampFrac fails a Run with ErrLUTDomain when the number of
	// clamped LUT lookups in that evaluation exceeds this fraction of the
	// good observations. <= 0 disables the check.
	MaxLUTClampFrac float64

	CCDGraySubCCD bool
}

// RunOptions configures a single Run invocation.
type RunOptions struct {
	ComputeDerivatives    bool
	ComputeSEDSlopes      bool
	FitterUnits           bool
	AllExposures          bool
	IncludeReserve        bool
	IgnoreRef             bool
	ComputeAbsThroughput  bool
}

func (o RunOptions) validate() error {
	if o.AllExposures && o.ComputeDerivatives {
		return fmt.Errorf("%w: AllExposures and ComputeDerivatives are mutually exclusive", ErrConfig)
	}
	return nil
}

// Engine owns references to every other component it needs per Run call.
// It holds no large arrays of its own: per-Run scratch arrays live in the
// Pool and are addressed through handles, and the star, observation and
// LUT tables are plain slices held by Objs/Obs/LUT.
type Engine struct {
	Pars *pars.Model
	Objs *stars.Objects
	Obs  *stars.Observations
	// ObsIndex permutes Obs into per-star contiguous groups, per the
	// OBSARRINDEX/OBSINDEX contract.
	ObsIndex []int32
	LUT      *lut.Grid
	Ref      *stars.RefTable
	Pool     *arraypool.Pool
	SED      *sed.Estimator
	Gray     *gray.Aggregator // optional; nil before the first gray pass

	// ExpFlag carries the per-exposure flag bitset (stars.ExpFlagNoStars,
	// stars.ExpFlagTooFewStars, ...) that cmd/fgcmfit sets from its bootstrap
	// selection and from the gray pass; nil until set, in which case no
	// exposure is excluded regardless of opts.AllExposures.
	ExpFlag []uint32

	Config Config

	// ComputeAbsOffset, given the current object table and a band index,
	// returns the scalar absolute-throughput magnitude offset to apply;
	// the star store supplies the standard implementation.
	ComputeAbsOffset  func(objs *stars.Objects, band int) float64
	CompAbsThroughput []float64 // per-band running scale, 10^(-Δ/2.5) folded in each pass

	magCommitHandle arraypool.Handle
	magWeightHandle arraypool.Handle // pool handle backing magWeightSum; reallocated per Run
	magWeightSum    []float64        // per (star,band), Σ 1/err2 over its committed observations; feeds E[o]

	// nActualFitPars defaults to the full vector length and is replaced by
	// the touched-slot count on every derivative run; it persists across
	// non-derivative calls so chi-squared and gradient evaluations of the
	// same campaign share one DOF.
	nActualFitPars int

	iterations int
	history    []float64
}

// NewEngine wires a freshly loaded campaign's components into an Engine,
// allocating the commit-mutex handle used to serialise Phase A's
// per-(star,band) mean writes.
func NewEngine(p *pars.Model, objs *stars.Objects, obs *stars.Observations, obsIndex []int32, l *lut.Grid, ref *stars.RefTable, pool *arraypool.Pool, estimator *sed.Estimator, cfg Config) *Engine {
	nCore := cfg.NCore
	if nCore <= 0 {
		nCore = runtime.NumCPU()
	}
	logBatchDiagnostics(nCore)
	return &Engine{
		Pars: p, Objs: objs, Obs: obs, ObsIndex: obsIndex, LUT: l, Ref: ref, Pool: pool, SED: estimator,
		Config:          cfg,
		magCommitHandle: pool.CreateLock(),
		nActualFitPars:  p.NFitPars,
	}
}

// ChisqHistory returns the chi-squared value recorded at the end of every
// completed Run call, in call order, for convergence monitoring.
func (e *Engine) ChisqHistory() []float64 { return e.history }

// Run evaluates the chi-squared (and, if requested, its gradient) at
// parameter vector p. p is expected in fitterUnits-scaled form iff
// opts.FitterUnits is set.
func (e *Engine) Run(p []float64, opts RunOptions) (chisqOverDOF float64, gradOverDOF []float64, err error) {
	if err := opts.validate(); err != nil {
		return 0, nil, err
	}
	if e.Config.MaxIterations > 0 && e.iterations >= e.Config.MaxIterations {
		return 0, nil, ErrMaxIterations
	}
	e.iterations++

	nCore := e.Config.NCore
	if nCore <= 0 {
		nCore = runtime.NumCPU()
	}

	goodStars := stars.GetGoodStarIndices(e.Objs, opts.IncludeReserve, true, e.Config.RequiredBands, e.Config.MinObsPerBand)
	if len(goodStars) == 0 {
		return 0, nil, ErrNoData
	}

	var expFlagExclude uint32
	if !opts.AllExposures {
		expFlagExclude = stars.ExpFlagNoStars | stars.ExpFlagTooFewStars |
			stars.ExpFlagGrayTooNegative | stars.ExpFlagGrayTooPositive |
			stars.ExpFlagVarGrayTooLarge | stars.ExpFlagTooFewExpOnNight
	}
	goodStarsSub, goodObs := stars.GetGoodObsIndices(e.ObsIndex, e.Objs, goodStars, e.Obs, e.ExpFlag, expFlagExclude)
	if len(goodObs) == 0 {
		return 0, nil, ErrNoData
	}

	// Fan the proposed parameter vector out to per-exposure physical
	// quantities before either phase touches an observation.
	nExp := len(e.Pars.ExpNightIndex)
	vec := p
	if opts.FitterUnits {
		vec = e.toPhysicalUnits(p)
	}
	e.Pars.ParsToExposures(vec, nExp)

	batches := splitIntoBatches(goodStars, goodStarsSub, goodObs, nCore, e.Config.NStarPerRun)

	clampedBefore := e.LUT.ClampedLookups()

	if err := e.runMagPhase(batches, opts); err != nil {
		return 0, nil, err
	}

	partial, err := e.runChisqPhase(batches, opts)
	if err != nil {
		return 0, nil, err
	}

	if e.Config.MaxLUTClampFrac > 0 {
		clamped := e.LUT.ClampedLookups() - clampedBefore
		if float64(clamped) > e.Config.MaxLUTClampFrac*float64(len(goodObs)) {
			return 0, nil, fmt.Errorf("%w: %d clamped lookups over %d observations", ErrLUTDomain, clamped, len(goodObs))
		}
	}

	if opts.ComputeDerivatives {
		e.nActualFitPars = partial.nActualFitPars()
	}
	dof := float64(partial.NObsFit+partial.NObsRefFit) - float64(e.nActualFitPars)
	if dof <= 0 {
		return 0, nil, ErrSingularFit
	}

	chisq := (partial.Chisq + partial.ChisqRef) / dof
	e.history = append(e.history, chisq)

	if !opts.ComputeDerivatives {
		return chisq, nil, nil
	}

	grad := e.scaleGradient(partial.totalGradient(), opts.FitterUnits)
	for i := range grad {
		grad[i] /= dof
	}
	return chisq, grad, nil
}

// scaledRange pairs one fit-vector sub-range with its fitter-unit factor.
// There is exactly one list of these, so the vector conversion and the
// gradient conversion cannot disagree about which slot carries which unit.
type scaledRange struct {
	r    pars.Range
	unit float64
}

func (e *Engine) scaledRanges() []scaledRange {
	p := e.Pars
	unit := p.GetUnitDict(true)
	return []scaledRange{
		{p.ParO3Loc, unit["o3Unit"]},
		{p.ParAlphaLoc, unit["alphaUnit"]},
		{p.ParLnPwvInterceptLoc, unit["lnPwvUnit"]},
		{p.ParLnPwvSlopeLoc, unit["lnPwvSlopeUnit"]},
		{p.ParLnPwvQuadraticLoc, unit["lnPwvQuadraticUnit"]},
		{p.ParExternalLnPwvOffsetLoc, unit["lnPwvUnit"]},
		{p.ParExternalLnPwvScaleLoc, unit["lnPwvGlobalUnit"]},
		{p.ParRetrievedLnPwvScaleLoc, unit["lnPwvGlobalUnit"]},
		{p.ParRetrievedLnPwvOffsetLoc, unit["lnPwvGlobalUnit"]},
		{p.ParRetrievedLnPwvNightlyOffsetLoc, unit["lnPwvUnit"]},
		{p.ParLnTauInterceptLoc, unit["lnTauUnit"]},
		{p.ParLnTauSlopeLoc, unit["lnTauSlopeUnit"]},
		{p.ParExternalLnTauOffsetLoc, unit["lnTauUnit"]},
		{p.ParExternalLnTauScaleLoc, unit["lnTauGlobalUnit"]},
		{p.ParQESysInterceptLoc, unit["qeSysUnit"]},
		{p.ParQESysSlopeLoc, unit["qeSysSlopeUnit"]},
		{p.ParFilterOffsetLoc, unit["filterOffsetUnit"]},
	}
}

// toPhysicalUnits converts a fitter-units vector back to physical units.
// The convention (see pars.GetUnitDict) is p_fitter = p_physical * unit,
// so this divides each sub-range by its unit factor.
func (e *Engine) toPhysicalUnits(p []float64) []float64 {
	out := make([]float64, len(p))
	copy(out, p)
	for _, sr := range e.scaledRanges() {
		for i := sr.r.Loc; i < sr.r.Loc+sr.r.N; i++ {
			out[i] /= sr.unit
		}
	}
	return out
}

// scaleGradient converts the accumulated physical-units gradient to fitter
// units when the caller works in fitterUnits: since p_fitter = p_phys*unit,
// dChisq/dp_fitter = (dChisq/dp_phys)/unit, so gradient components differ
// from the physical-units gradient by exactly the unit-dict factors.
func (e *Engine) scaleGradient(grad []float64, fitterUnits bool) []float64 {
	if !fitterUnits {
		return grad
	}
	for _, sr := range e.scaledRanges() {
		for i := sr.r.Loc; i < sr.r.Loc+sr.r.N; i++ {
			grad[i] /= sr.unit
		}
	}
	return grad
}
