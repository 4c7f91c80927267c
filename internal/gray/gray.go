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

// Package gray aggregates per-observation residuals into per-detector
// ("CCD gray") and per-exposure ("exposure gray") offsets with
// error-propagated RMS, used to flag non-photometric exposures and to feed
// the CCD gray crunch back into the next chi-squared pass.
package gray

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/HyperSuprime-Cam/fgcm/internal/pars"
	"github.com/HyperSuprime-Cam/fgcm/internal/qsort"
	"github.com/HyperSuprime-Cam/fgcm/internal/robust"
)

// IllegalValue marks a (exp,ccd) or exposure slot that failed its minimum
// good-observation threshold.
const IllegalValue = -9999.0

// Thresholds configures the minimum-count and error-bound gates of the
// gray aggregation.
type Thresholds struct {
	MinStarPerCCD     int
	MinGoodCCD        int
	MaxCCDGrayErr     float64
	MinExpPerNight    int
	MinExpsToSmooth   int
	SmoothWindowMJD   float64
	GrayTooNegative   float64
	GrayTooPositive   float64
	VarGrayTooLarge   float64
	OnlyObsErr        bool

	// SubCCDOrder, when > 0, additionally fits an order x order 2-D
	// Chebyshev field (ccdGraySubCCDPars) to the within-CCD residual after
	// the flat CCD gray is removed. CCDHalfSize normalises the detector
	// X/Y coordinates to the [-1,1] range the field is evaluated over;
	// it defaults to 1 (i.e. X/Y are assumed pre-normalised) if <= 0.
	SubCCDOrder int
	CCDHalfSize float64
}

// Obs is one residual sample handed to the aggregator: the observation's
// exposure, CCD, band, the "E_gray" residual and its propagated variance.
type Obs struct {
	ExpIndex  int
	CCDIndex  int
	Band      int
	EGray     float64
	EGrayErr2 float64
	X, Y      float32 // detector-plane position, used only by the sub-CCD field fit
}

// subSample is one buffered observation used to fit a CCD's sub-CCD
// Chebyshev field, kept until FinalizeCCD least-squares-solves for its
// coefficients.
type subSample struct {
	u, v, eGray, weight float64
}

// ccdCell accumulates the three running sums needed for weighted mean,
// RMS and count at one (exposure, CCD) slot.
type ccdCell struct {
	wtSum, graySum, sqSum float64
	n                     int
}

// Aggregator holds the per-(exposure,CCD) and per-exposure gray state for
// one fit iteration's worth of residuals.
type Aggregator struct {
	thr Thresholds

	nCCDPerExp int
	cells      map[int64]*ccdCell // key: expIndex*nCCDPerExp + ccdIndex

	ccdGray    map[int64]float64
	ccdGrayRMS map[int64]float64
	ccdGrayErr map[int64]float64
	ccdNGood   map[int64]int

	expGray     map[int]float64
	expGrayErr  map[int]float64
	expNGoodCCD map[int]int
	expNGoodStar map[int]int
	expFlag     map[int]uint32
	expSmooth   map[int]float64

	subCCDSamples map[int64][]subSample
	subCCDFields  map[int64]*pars.Cheb2DField
}

// NewAggregator allocates an empty aggregator for a campaign with
// nCCDPerExp detectors per exposure.
func NewAggregator(thr Thresholds, nCCDPerExp int) *Aggregator {
	return &Aggregator{
		thr: thr, nCCDPerExp: nCCDPerExp,
		cells:        make(map[int64]*ccdCell),
		ccdGray:      make(map[int64]float64),
		ccdGrayRMS:   make(map[int64]float64),
		ccdGrayErr:   make(map[int64]float64),
		ccdNGood:     make(map[int64]int),
		expGray:      make(map[int]float64),
		expGrayErr:   make(map[int]float64),
		expNGoodCCD:  make(map[int]int),
		expNGoodStar: make(map[int]int),
		expFlag:      make(map[int]uint32),
		expSmooth:    make(map[int]float64),
		subCCDSamples: make(map[int64][]subSample),
		subCCDFields:  make(map[int64]*pars.Cheb2DField),
	}
}

func (a *Aggregator) key(exp, ccd int) int64 { return int64(exp)*int64(a.nCCDPerExp) + int64(ccd) }

// AccumulateCCD folds one observation's residual into its (exposure,CCD)
// running sums. EGrayErr2 is obsMagErr² − magStdMeanErr² in the default
// mode, or just obsMagErr² when thr.OnlyObsErr bootstraps a superflat.
func (a *Aggregator) AccumulateCCD(o Obs) {
	if o.EGrayErr2 <= 0 {
		return
	}
	k := a.key(o.ExpIndex, o.CCDIndex)
	c, ok := a.cells[k]
	if !ok {
		c = &ccdCell{}
		a.cells[k] = c
	}
	w := 1.0 / o.EGrayErr2
	c.wtSum += w
	c.graySum += o.EGray * w
	c.sqSum += o.EGray * o.EGray * w
	c.n++

	if a.thr.SubCCDOrder > 0 {
		half := a.thr.CCDHalfSize
		if half <= 0 {
			half = 1
		}
		u := clamp(float64(o.X)/half, -1, 1)
		v := clamp(float64(o.Y)/half, -1, 1)
		a.subCCDSamples[k] = append(a.subCCDSamples[k], subSample{u: u, v: v, eGray: o.EGray, weight: w})
	}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// FinalizeCCD normalises every accumulated (exposure,CCD) cell that passed
// the minimum-star threshold, and assigns IllegalValue to the rest.
func (a *Aggregator) FinalizeCCD() {
	for k, c := range a.cells {
		if c.n < a.thr.MinStarPerCCD || c.wtSum <= 0 {
			a.ccdGray[k] = IllegalValue
			continue
		}
		gray := c.graySum / c.wtSum
		variance := c.sqSum/c.wtSum - gray*gray
		if variance < 0 {
			variance = 0
		}
		a.ccdGray[k] = gray
		a.ccdGrayRMS[k] = math.Sqrt(variance)
		a.ccdGrayErr[k] = math.Sqrt(1.0 / c.wtSum)
		a.ccdNGood[k] = c.n

		if a.thr.SubCCDOrder > 0 {
			if field := a.fitSubCCDField(a.subCCDSamples[k], gray); field != nil {
				a.subCCDFields[k] = field
			}
		}
	}
}

// fitSubCCDField weighted-least-squares fits an order x order 2-D
// Chebyshev field to the within-CCD residual left after subtracting the
// flat CCD gray baseline, given at least twice as many samples as free
// coefficients to keep the fit overdetermined.
func (a *Aggregator) fitSubCCDField(samples []subSample, baseline float64) *pars.Cheb2DField {
	order := a.thr.SubCCDOrder
	nCoef := order * order
	if len(samples) < 2*nCoef {
		return nil
	}

	ata := mat.NewDense(nCoef, nCoef, nil)
	atb := mat.NewVecDense(nCoef, nil)
	basis := make([]float64, nCoef)

	for _, s := range samples {
		idx := 0
		for i := 0; i < order; i++ {
			ti := pars.ChebyshevT(i, s.u)
			for j := 0; j < order; j++ {
				basis[idx] = ti * pars.ChebyshevT(j, s.v)
				idx++
			}
		}
		resid := s.eGray - baseline
		for r := 0; r < nCoef; r++ {
			atb.SetVec(r, atb.AtVec(r)+basis[r]*resid*s.weight)
			for col := 0; col < nCoef; col++ {
				ata.Set(r, col, ata.At(r, col)+basis[r]*basis[col]*s.weight)
			}
		}
	}

	var x mat.VecDense
	if err := x.SolveVec(ata, atb); err != nil {
		return nil
	}
	coeffs := make([]float64, nCoef)
	for i := range coeffs {
		coeffs[i] = x.AtVec(i)
	}
	return pars.NewCheb2DField(order, coeffs)
}

// SubCCDGray returns the sub-CCD Chebyshev field correction at detector
// position x,y for one (exposure,CCD), and false if no field was fit
// there (too few samples, or SubCCDOrder disabled).
func (a *Aggregator) SubCCDGray(exp, ccd int, x, y float32) (float64, bool) {
	field, ok := a.subCCDFields[a.key(exp, ccd)]
	if !ok {
		return 0, false
	}
	half := a.thr.CCDHalfSize
	if half <= 0 {
		half = 1
	}
	u := clamp(float64(x)/half, -1, 1)
	v := clamp(float64(y)/half, -1, 1)
	return field.Eval(u, v), true
}

// CCDGray returns the normalised gray offset for one (exposure,CCD), and
// false if that cell never passed the minimum-star threshold.
func (a *Aggregator) CCDGray(exp, ccd int) (float64, bool) {
	g, ok := a.ccdGray[a.key(exp, ccd)]
	if !ok || g == IllegalValue {
		return 0, false
	}
	return g, true
}

// CCDGrayRow is one finalized (exposure,CCD) gray cell, unpacked back to
// its indices for serialization.
type CCDGrayRow struct {
	ExpIndex, CCDIndex int
	Gray, RMS, Err     float64
	NGood              int
}

// CCDGrayRows returns every (exposure,CCD) cell that passed its
// minimum-star threshold, for a diagnostics dump.
func (a *Aggregator) CCDGrayRows() []CCDGrayRow {
	rows := make([]CCDGrayRow, 0, len(a.ccdGray))
	for k, g := range a.ccdGray {
		if g == IllegalValue {
			continue
		}
		rows = append(rows, CCDGrayRow{
			ExpIndex: int(k / int64(a.nCCDPerExp)),
			CCDIndex: int(k % int64(a.nCCDPerExp)),
			Gray:     g, RMS: a.ccdGrayRMS[k], Err: a.ccdGrayErr[k], NGood: a.ccdNGood[k],
		})
	}
	return rows
}

// ExpGrayRow is one finalized exposure's gray summary.
type ExpGrayRow struct {
	ExpIndex              int
	Gray, GraySmooth, Err float64
	NGoodCCD, NGoodStar   int
	Flag                  uint32
}

// ExpGrayRows returns every exposure that produced a gray value, for a
// diagnostics dump.
func (a *Aggregator) ExpGrayRows() []ExpGrayRow {
	rows := make([]ExpGrayRow, 0, len(a.expGray))
	for exp, g := range a.expGray {
		rows = append(rows, ExpGrayRow{
			ExpIndex: exp, Gray: g, GraySmooth: a.expSmooth[exp], Err: a.expGrayErr[exp],
			NGoodCCD: a.expNGoodCCD[exp], NGoodStar: a.expNGoodStar[exp], Flag: a.expFlag[exp],
		})
	}
	return rows
}

// FinalizeExposures aggregates every exposure's good CCDs (those passing
// MinStarPerCCD and 0 < err < MaxCCDGrayErr) with inverse-variance
// weights, and requires at least MinGoodCCD such CCDs.
func (a *Aggregator) FinalizeExposures(expCCDCount map[int]int) {
	sums := make(map[int]struct{ wt, g, sq float64 })
	for exp, nCCD := range expCCDCount {
		s := sums[exp]
		for ccd := 0; ccd < nCCD; ccd++ {
			k := a.key(exp, ccd)
			g, ok := a.ccdGray[k]
			if !ok || g == IllegalValue {
				continue
			}
			errv := a.ccdGrayErr[k]
			if errv <= 0 || errv >= a.thr.MaxCCDGrayErr {
				continue
			}
			w := 1.0 / (errv * errv)
			s.wt += w
			s.g += g * w
			s.sq += g * g * w
			a.expNGoodCCD[exp]++
			a.expNGoodStar[exp] += a.ccdNGood[k]
		}
		sums[exp] = s
	}

	for exp, s := range sums {
		if a.expNGoodCCD[exp] < a.thr.MinGoodCCD || s.wt <= 0 {
			a.expFlag[exp] |= flagNoStars
			continue
		}
		mean := s.g / s.wt
		variance := s.sq/s.wt - mean*mean
		if variance < 0 {
			variance = 0
		}
		a.expGray[exp] = mean
		a.expGrayErr[exp] = math.Sqrt(1.0 / s.wt)
		a.classify(exp, mean, math.Sqrt(variance))
	}
}

// Exposure flag bits local to this package; mirrored in stars.ExpFlag* so
// callers can translate without this package importing stars.
const (
	flagNoStars          uint32 = 1 << 0
	flagTooFewStars      uint32 = 1 << 1
	flagGrayTooNegative  uint32 = 1 << 2
	flagGrayTooPositive  uint32 = 1 << 3
	flagVarGrayTooLarge  uint32 = 1 << 4
	flagTooFewExpOnNight uint32 = 1 << 5
)

// classify sets the per-exposure gray flag bits: mean gray too far from
// zero in either direction, and CCD-to-CCD gray RMS too large (a sign the
// exposure isn't uniformly photometric across the focal plane).
func (a *Aggregator) classify(exp int, mean, rms float64) {
	if mean < a.thr.GrayTooNegative {
		a.expFlag[exp] |= flagGrayTooNegative
	}
	if mean > a.thr.GrayTooPositive {
		a.expFlag[exp] |= flagGrayTooPositive
	}
	if rms > a.thr.VarGrayTooLarge {
		a.expFlag[exp] |= flagVarGrayTooLarge
	}
}

// CampaignSummary returns the inverse-variance-weighted mean and standard
// deviation of the finalized exposure gray across the whole campaign, the
// headline number logged after each gray pass.
func (a *Aggregator) CampaignSummary() (mean, stdDev float64, nExp int) {
	values := make([]float64, 0, len(a.expGray))
	weights := make([]float64, 0, len(a.expGray))
	for exp, g := range a.expGray {
		errv := a.expGrayErr[exp]
		if errv <= 0 {
			continue
		}
		values = append(values, g)
		weights = append(weights, 1.0/(errv*errv))
	}
	if len(values) == 0 {
		return 0, 0, 0
	}
	mean = stat.Mean(values, weights)
	if len(values) > 1 {
		stdDev = math.Sqrt(stat.Variance(values, weights))
	}
	return mean, stdDev, len(values)
}

// ExpFlag returns the accumulated classification bits for an exposure.
func (a *Aggregator) ExpFlag(exp int) uint32 { return a.expFlag[exp] }

// ExpNGoodStars returns Σ_ccd ccdNGoodObs for an exposure, the count used
// by the gray-aggregator mass-balance property.
func (a *Aggregator) ExpNGoodStars(exp int) int { return a.expNGoodStar[exp] }

// SmoothNightly replaces each exposure's raw gray with the median of
// same-night exposures within thr.SmoothWindowMJD, provided at least
// thr.MinExpsToSmooth such neighbours exist.
func (a *Aggregator) SmoothNightly(nightExposures map[int][]int, expMJD map[int]float64) {
	for _, exps := range nightExposures {
		for _, exp := range exps {
			base, ok := a.expGray[exp]
			if !ok {
				continue
			}
			var window []float32
			for _, other := range exps {
				g, ok := a.expGray[other]
				if !ok {
					continue
				}
				if math.Abs(expMJD[other]-expMJD[exp]) <= a.thr.SmoothWindowMJD {
					window = append(window, float32(g))
				}
			}
			if len(window) < a.thr.MinExpsToSmooth {
				a.expSmooth[exp] = base
				continue
			}
			a.expSmooth[exp] = float64(qsort.SelectMedianFloat32(window))
		}
	}
}

// ExpGraySmooth returns the night-smoothed exposure gray.
func (a *Aggregator) ExpGraySmooth(exp int) float64 { return a.expSmooth[exp] }

// FlagSparseNights flags every exposure of a night with fewer than
// thr.MinExpPerNight exposures still unflagged after classification: a
// night that thin cannot support its own per-night atmosphere fit.
func (a *Aggregator) FlagSparseNights(nightExposures map[int][]int) {
	for _, exps := range nightExposures {
		surviving := 0
		for _, exp := range exps {
			if _, ok := a.expGray[exp]; !ok {
				continue
			}
			if a.expFlag[exp] == 0 {
				surviving++
			}
		}
		if surviving >= a.thr.MinExpPerNight {
			continue
		}
		for _, exp := range exps {
			a.expFlag[exp] |= flagTooFewExpOnNight
		}
	}
}

// ClassifyVariableStars flags stars whose residual scatter (one value per
// star) is an outlier relative to the bulk of the population. Small populations get
// the exact sigma-clipped median/MAD; at the ~10^6-star scale this runs
// at in production the sampling-based estimators in internal/robust take
// over. Returns the indices of stars to flag VARIABLE.
func ClassifyVariableStars(perStarScatter []float32, sigmaThreshold float32) []int {
	if len(perStarScatter) < 8 {
		return nil
	}
	var location, scale float32
	if len(perStarScatter) <= 10000 {
		location, scale = robust.SigmaClippedMedianAndMAD(perStarScatter, 5, 5)
	} else {
		location, scale = robust.FastApproxSigmaClippedMedianAndQn(perStarScatter, 5, 5, 1e-4, 5000)
	}
	var variable []int
	for i, v := range perStarScatter {
		if scale > 0 && float32(math.Abs(float64(v-location))) > sigmaThreshold*scale {
			variable = append(variable, i)
		}
	}
	return variable
}
