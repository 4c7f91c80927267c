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

import "github.com/HyperSuprime-Cam/fgcm/internal/stars"

// runChisqPhase is Phase B: for every good observation in a fit band,
// accumulate its chi-squared contribution and, if requested, its analytic
// gradient into the worker's private Partial. Reference-star observations
// are excluded from the ordinary sum and contribute their own term.
func (e *Engine) runChisqPhase(batches []batch, opts RunOptions) (*Partial, error) {
	isFitBand := make(map[int]bool, len(e.Config.FitBands))
	for _, b := range e.Config.FitBands {
		isFitBand[b] = true
	}

	partials := runParallel(batches, e.Config.NCore, func(b batch) *Partial {
		p := NewPartial(e.Pars.NFitPars)
		for _, oIdx := range b.obsSlice {
			band := int(e.Obs.BandIndex[oIdx])
			if !isFitBand[band] {
				continue
			}
			e.accumulateObservation(p, oIdx, band, opts)
		}
		return p
	})

	return reduce(partials, e.Pars.NFitPars), nil
}

func (e *Engine) accumulateObservation(p *Partial, oIdx int32, band int, opts RunOptions) {
	star := e.Obs.ObjIndex[oIdx]
	nBands := e.Objs.NBands
	slot := int(star)*nBands + band

	errADU := float64(e.Obs.MagADUModelErr[oIdx])
	err2 := errADU * errADU
	if err2 <= 0 {
		return
	}
	w := 1.0 / err2
	magStd := e.Obs.MagStd[oIdx]

	useRef := !opts.IgnoreRef && e.Ref != nil && stars.IsReferenceObs(e.Objs, e.Ref, star, band)

	var delta, weight, eCorr float64
	if useRef {
		refIdx := e.Objs.RefIndex[star]
		refMag := e.Ref.Mag[int(refIdx)*e.Ref.NBands+band]
		refErr := e.Ref.MagErr[int(refIdx)*e.Ref.NBands+band]
		delta = magStd - refMag
		weight = 1.0 / (err2 + refErr*refErr)
		p.ChisqRef += weight * delta * delta
		p.NObsRefFit++
		eCorr = 1 // reference-star gradients omit the E[o] mean-subtracting term
	} else {
		mean := e.Objs.MagStdMean[slot]
		if mean >= 90 {
			return
		}
		delta = magStd - mean
		weight = w
		p.Chisq += weight * delta * delta
		p.NObsFit++
		wsum := e.magWeightSum[slot]
		if wsum > 0 {
			eCorr = 1 - w/wsum
		}
	}

	if !opts.ComputeDerivatives {
		return
	}
	e.accumulateGradient(p, oIdx, star, band, delta, weight, eCorr, useRef)
}

// accumulateGradient scatters one observation's contribution into the
// gradient slots of every parameter group whose scope covers it. All
// contributions are accumulated in physical units; the engine converts the
// reduced gradient to fitter units once, at the end, so the two unit modes
// cannot drift apart slot by slot.
func (e *Engine) accumulateGradient(p *Partial, oIdx int32, star int32, band int, delta, weight, eCorr float64, useRef bool) {
	expIdx := e.Obs.ExpIndex[oIdx]
	night := e.Pars.ExpNightIndex[expIdx]
	wash := e.Pars.ExpWashIndex[expIdx]

	dLnPwv, dO3, dLnTau, dAlpha := e.derivatives(oIdx, star, band)

	scatter := 2.0 * weight * delta * eCorr

	if !e.Pars.FreezeStdAtmosphere {
		p.accumulateGroup(useRef, e.Pars.ParO3Loc.Loc, night, scatter*dO3)
		p.accumulateGroup(useRef, e.Pars.ParAlphaLoc.Loc, night, scatter*dAlpha)
		e.accumulateLnPwvGroup(p, useRef, expIdx, night, scatter*dLnPwv)
		e.accumulateLnTauGroup(p, useRef, expIdx, night, scatter*dLnTau)
	}

	// Wash-interval QE zeropoints: reference stars never contribute here,
	// because uneven band sampling across a wash interval destabilises
	// the wash fit (documented rationale, not merely carried over).
	if !useRef {
		p.accumulateGroup(false, e.Pars.ParQESysInterceptLoc.Loc, wash, scatter)
		dt := e.Pars.ExpMJD[expIdx] - e.Pars.WashMJDs[wash]
		p.accumulateGroup(false, e.Pars.ParQESysSlopeLoc.Loc, wash, scatter*dt)

		filt := e.Pars.ExpLUTFilterIndex[expIdx]
		if filt < len(e.Pars.ParFilterOffsetFitFlag) && e.Pars.ParFilterOffsetFitFlag[filt] {
			p.accumulateGroup(false, e.Pars.ParFilterOffsetLoc.Loc, filt, scatter)
		}
	}
}

// accumulateLnPwvGroup routes one observation's ln-PWV gradient term
// (g = scatter * dL/dLnPwv) to whichever PWV parameterisation governs its
// exposure, with case conditions identical to lnPwvForExposure so the
// analytic gradient always matches the value model: retrieved scale+offset
// when the exposure carries a retrieval, external offset+scale when it
// carries an external measurement, otherwise the nightly
// intercept/slope/[quadratic] model. The scale parameters multiply their
// per-exposure measurement, so their chain-rule factor is that
// measurement's value.
func (e *Engine) accumulateLnPwvGroup(p *Partial, useRef bool, expIdx int32, night int, g float64) {
	pm := e.Pars
	switch {
	case pm.UseRetrievedPwv && pm.ExposureRetrieved(int(expIdx)):
		p.accumulateGroup(useRef, pm.ParRetrievedLnPwvScaleLoc.Loc, 0, g*pm.RetrievedLnPwv[expIdx])
		if pm.UseNightlyRetrievedPwv {
			p.accumulateGroup(useRef, pm.ParRetrievedLnPwvNightlyOffsetLoc.Loc, night, g)
		} else {
			p.accumulateGroup(useRef, pm.ParRetrievedLnPwvOffsetLoc.Loc, 0, g)
		}
	case pm.HasExternalPwv && !pm.UseRetrievedPwv && pm.ExternalPwvAt(int(expIdx)):
		p.accumulateGroup(useRef, pm.ParExternalLnPwvOffsetLoc.Loc, night, g)
		p.accumulateGroup(useRef, pm.ParExternalLnPwvScaleLoc.Loc, 0, g*pm.ExternalLnPwv[expIdx])
	default:
		dt := pm.ExpDeltaUT[expIdx]
		p.accumulateGroup(useRef, pm.ParLnPwvInterceptLoc.Loc, night, g)
		p.accumulateGroup(useRef, pm.ParLnPwvSlopeLoc.Loc, night, g*dt)
		if pm.UseQuadraticPwv {
			p.accumulateGroup(useRef, pm.ParLnPwvQuadraticLoc.Loc, night, g*dt*dt)
		}
	}
}

func (e *Engine) accumulateLnTauGroup(p *Partial, useRef bool, expIdx int32, night int, g float64) {
	pm := e.Pars
	if pm.HasExternalTau && pm.ExternalTauAt(int(expIdx)) {
		p.accumulateGroup(useRef, pm.ParExternalLnTauOffsetLoc.Loc, night, g)
		p.accumulateGroup(useRef, pm.ParExternalLnTauScaleLoc.Loc, 0, g*pm.ExternalLnTau[expIdx])
		return
	}
	dt := pm.ExpDeltaUT[expIdx]
	p.accumulateGroup(useRef, pm.ParLnTauInterceptLoc.Loc, night, g)
	p.accumulateGroup(useRef, pm.ParLnTauSlopeLoc.Loc, night, g*dt)
}

// derivatives returns the total derivative of magStd with respect to each
// of the four atmospheric parameters at this observation: the I0-driven
// term plus the chromatic I1-driven term scaled by the star's SED slope
// in this band.
func (e *Engine) derivatives(oIdx int32, star int32, band int) (dLnPwv, dO3, dLnTau, dAlpha float64) {
	expIdx := e.Obs.ExpIndex[oIdx]
	filt := int(e.Obs.FilterIndex[oIdx])
	ccd := int(e.Obs.CCDIndex[oIdx])
	secZ := float64(e.Obs.SecZenith[oIdx])

	lnPwv, o3, lnTau, alpha := e.Pars.ExpLnPwv[expIdx], e.Pars.ExpO3[expIdx], e.Pars.ExpLnTau[expIdx], e.Pars.ExpAlpha[expIdx]

	pmb := e.pmb(expIdx)
	dLnPwv0, dO30, dLnTau0, dAlpha0 := e.LUT.LogDerivatives(filt, lnPwv, o3, lnTau, alpha, secZ, ccd, pmb)

	slope := e.Objs.SedSlope[int(star)*e.Objs.NBands+band]
	dLnPwv1, dO31, dLnTau1, dAlpha1 := e.LUT.LogDerivativesI1(filt, lnPwv, o3, lnTau, alpha, secZ, ccd, pmb, slope)

	return dLnPwv0 + dLnPwv1, dO30 + dO31, dLnTau0 + dLnTau1, dAlpha0 + dAlpha1
}
