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

import (
	"math"

	"github.com/HyperSuprime-Cam/fgcm/internal/stars"
)

// runMagPhase is Phase A: for every good observation, evaluate the LUT,
// derive the raw (pre-chromatic) standardised magnitude, optionally fold
// in the CCD gray crunch, then the chromatic correction driven by each
// star's SED slope. Per-(star,band) weighted means are accumulated into
// private worker arrays and committed under the star-mean mutex. The
// batches write disjoint (star,band) slots, but they share the backing
// storage, so the commit lock stays as the visibility barrier.
func (e *Engine) runMagPhase(batches []batch, opts RunOptions) error {
	nBands := e.Objs.NBands
	size := e.Objs.Len() * nBands

	// The commit targets are shared across all workers, so they live in
	// the pool; the per-batch partial sums below stay plain local slices.
	rawSumHandle := e.Pool.CreateFloat64(size, 0)
	rawWtHandle := e.Pool.CreateFloat64(size, 0)
	defer e.Pool.Free(rawSumHandle)
	defer e.Pool.Free(rawWtHandle)
	rawSum := e.Pool.Float64(rawSumHandle)
	rawWt := e.Pool.Float64(rawWtHandle)

	runParallel(batches, e.Config.NCore, func(b batch) *Partial {
		localSum := make([]float64, e.Objs.Len()*nBands)
		localWt := make([]float64, e.Objs.Len()*nBands)

		for _, oIdx := range b.obsSlice {
			star := e.Obs.ObjIndex[oIdx]
			band := int(e.Obs.BandIndex[oIdx])
			bandSlot := int(star)*nBands + band

			mag, err2 := e.rawMag(oIdx)
			e.Obs.MagStd[oIdx] = mag

			if err2 > 0 {
				w := 1.0 / err2
				localSum[bandSlot] += mag * w
				localWt[bandSlot] += w
			}
		}

		unlock := e.Pool.Lock(e.magCommitHandle)
		for i := range rawSum {
			rawSum[i] += localSum[i]
			rawWt[i] += localWt[i]
		}
		unlock()
		return nil
	})

	for i := range rawSum {
		if rawWt[i] > 0 {
			e.Objs.MagStdMeanNoChrom[i] = rawSum[i] / rawWt[i]
		}
	}

	if opts.ComputeSEDSlopes && e.SED != nil {
		e.computeSEDSlopes()
	}

	chromSumHandle := e.Pool.CreateFloat64(size, 0)
	defer e.Pool.Free(chromSumHandle)
	chromSum := e.Pool.Float64(chromSumHandle)

	// The chromatic weight sum outlives this phase: Phase B reads it as
	// the E-correction denominator, so its handle is freed on the next
	// Run rather than here.
	if e.magWeightHandle != 0 {
		e.Pool.Free(e.magWeightHandle)
	}
	e.magWeightHandle = e.Pool.CreateFloat64(size, 0)
	chromWt := e.Pool.Float64(e.magWeightHandle)

	runParallel(batches, e.Config.NCore, func(b batch) *Partial {
		localSum := make([]float64, e.Objs.Len()*nBands)
		localWt := make([]float64, e.Objs.Len()*nBands)

		for _, oIdx := range b.obsSlice {
			star := e.Obs.ObjIndex[oIdx]
			band := int(e.Obs.BandIndex[oIdx])
			bandSlot := int(star)*nBands + band

			i10 := e.i10(oIdx)
			slope := e.Objs.SedSlope[bandSlot]
			i10Std := 0.0
			if band < len(e.Config.I10Std) {
				i10Std = e.Config.I10Std[band]
			}
			deltaChrom := 2.5 * math.Log10((1+slope*i10)/(1+slope*i10Std))
			mag := e.Obs.MagStd[oIdx] + deltaChrom
			e.Obs.MagStd[oIdx] = mag

			err2 := float64(e.Obs.MagADUModelErr[oIdx]) * float64(e.Obs.MagADUModelErr[oIdx])
			if err2 > 0 {
				w := 1.0 / err2
				localSum[bandSlot] += mag * w
				localWt[bandSlot] += w
			}
		}

		unlock := e.Pool.Lock(e.magCommitHandle)
		for i := range chromSum {
			chromSum[i] += localSum[i]
			chromWt[i] += localWt[i]
		}
		unlock()
		return nil
	})

	for i := range chromSum {
		if chromWt[i] > 0 {
			e.Objs.MagStdMean[i] = chromSum[i] / chromWt[i]
			e.Objs.MagStdMeanErr[i] = math.Sqrt(1.0 / chromWt[i])
		}
	}
	e.magWeightSum = chromWt

	if opts.ComputeAbsThroughput {
		e.applyAbsThroughput()
	}

	return nil
}

// rawMag computes mag_raw[o] and err2[o] for one observation, per the
// Phase A formula: LUT-derived I0 term, plus QE system zeropoint and
// filter offset, plus the CCD gray crunch when a gray pass is available.
func (e *Engine) rawMag(oIdx int32) (mag, err2 float64) {
	expIdx := e.Obs.ExpIndex[oIdx]
	band := int(e.Obs.FilterIndex[oIdx])
	ccd := int(e.Obs.CCDIndex[oIdx])

	idx := e.LUT.GetIndices(band,
		e.Pars.ExpLnPwv[expIdx], e.Pars.ExpO3[expIdx], e.Pars.ExpLnTau[expIdx], e.Pars.ExpAlpha[expIdx],
		float64(e.Obs.SecZenith[oIdx]), ccd, e.pmb(expIdx))
	i0 := e.LUT.I0At(idx)

	mag = float64(e.Obs.MagADU[oIdx]) + 2.5*math.Log10(i0) + e.Pars.ExpQESys[expIdx] + e.Pars.ExpFilterOffset[expIdx]

	if e.Gray != nil {
		if g, ok := e.Gray.CCDGray(int(expIdx), ccd); ok {
			mag += g
		}
		if e.Config.CCDGraySubCCD {
			if g, ok := e.Gray.SubCCDGray(int(expIdx), ccd, e.Obs.X[oIdx], e.Obs.Y[oIdx]); ok {
				mag += g
			}
		}
	}

	errADU := float64(e.Obs.MagADUModelErr[oIdx])
	err2 = errADU * errADU
	return mag, err2
}

func (e *Engine) i10(oIdx int32) float64 {
	expIdx := e.Obs.ExpIndex[oIdx]
	band := int(e.Obs.FilterIndex[oIdx])
	ccd := int(e.Obs.CCDIndex[oIdx])
	idx := e.LUT.GetIndices(band,
		e.Pars.ExpLnPwv[expIdx], e.Pars.ExpO3[expIdx], e.Pars.ExpLnTau[expIdx], e.Pars.ExpAlpha[expIdx],
		float64(e.Obs.SecZenith[oIdx]), ccd, e.pmb(expIdx))
	return e.LUT.I10At(idx)
}

// pmb returns the barometric pressure the LUT should interpolate at for
// expIdx, defaulting to 0 (sea-level reference) for campaigns that never
// loaded per-exposure pressure metadata.
func (e *Engine) pmb(expIdx int32) float64 {
	if int(expIdx) < len(e.Pars.ExpPmb) {
		return e.Pars.ExpPmb[expIdx]
	}
	return 0
}

func (e *Engine) computeSEDSlopes() {
	nBands := e.Objs.NBands
	req := e.Config.RequiredBands
	means := make([]float64, len(req))
	for s := 0; s < e.Objs.Len(); s++ {
		if e.Objs.Flag[s]&stars.FlagTooFewObs != 0 {
			continue
		}
		for i, b := range req {
			means[i] = e.Objs.MagStdMeanNoChrom[s*nBands+b]
		}
		slopes := e.SED.Slopes(means, nil)
		for i, b := range req {
			e.Objs.SedSlope[s*nBands+b] = slopes[i]
		}
	}
}

// applyAbsThroughput derives a per-band scalar offset via the
// ComputeAbsOffset collaborator and applies it to both MagStd and the
// already-committed MagStdMean before Phase B runs, then folds it into
// the running CompAbsThroughput scale.
func (e *Engine) applyAbsThroughput() {
	if e.ComputeAbsOffset == nil {
		return
	}
	nBands := e.Objs.NBands
	for b := 0; b < nBands; b++ {
		delta := e.ComputeAbsOffset(e.Objs, b)
		if delta == 0 {
			continue
		}
		if e.CompAbsThroughput == nil {
			e.CompAbsThroughput = make([]float64, nBands)
			for i := range e.CompAbsThroughput {
				e.CompAbsThroughput[i] = 1
			}
		}
		e.CompAbsThroughput[b] *= math.Pow(10, -delta/2.5)

		for s := 0; s < e.Objs.Len(); s++ {
			slot := s*nBands + b
			if e.Objs.MagStdMean[slot] < 90 {
				e.Objs.MagStdMean[slot] += delta
			}
		}
		for oIdx := range e.Obs.MagStd {
			if int(e.Obs.BandIndex[oIdx]) == b {
				e.Obs.MagStd[oIdx] += delta
			}
		}
	}
}
