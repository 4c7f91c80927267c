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

// Package pars holds the fit parameter model: the contiguous fit vector,
// its disjoint sub-ranges, the unit scalings that normalise it for the
// outer minimiser, and the per-exposure fields it fans out to.
package pars

import "fmt"

// Flags toggles which optional parameter groups are active for a campaign.
type Flags struct {
	UseQuadraticPwv        bool
	HasExternalPwv         bool
	HasExternalTau         bool
	UseRetrievedPwv        bool
	UseNightlyRetrievedPwv bool
	FreezeStdAtmosphere    bool
}

// Retrieval flag bits for CompRetrievedLnPwvFlag.
const (
	RetrievalFlagExposureRetrieved uint32 = 1 << 0
)

// Range is a disjoint contiguous sub-range of the fit vector.
type Range struct {
	Loc, N int
}

func (r Range) contains(i int) bool { return i >= r.Loc && i < r.Loc+r.N }

// Model is the parameter model: the logical decomposition of the fit
// vector into named, unit-scaled sub-ranges, plus the per-exposure/night
// metadata used to fan parameter values out to per-observation quantities.
type Model struct {
	Flags

	NCampaignNights int
	NWashIntervals  int
	NLUTFilter      int

	ParO3Loc    Range
	ParAlphaLoc Range

	// The nightly intercept/slope/[quadratic] blocks are always laid out
	// when the atmosphere is not frozen: campaigns with external or
	// retrieved PWV still fall back to the nightly model on exposures the
	// external/retrieval source never covered.
	ParLnPwvInterceptLoc              Range
	ParLnPwvSlopeLoc                  Range
	ParLnPwvQuadraticLoc              Range
	ParExternalLnPwvScaleLoc          Range
	ParExternalLnPwvOffsetLoc         Range
	ParRetrievedLnPwvScaleLoc         Range
	ParRetrievedLnPwvOffsetLoc        Range
	ParRetrievedLnPwvNightlyOffsetLoc Range

	ParLnTauInterceptLoc      Range
	ParLnTauSlopeLoc          Range
	ParExternalLnTauScaleLoc  Range
	ParExternalLnTauOffsetLoc Range

	ParQESysInterceptLoc Range
	ParQESysSlopeLoc     Range

	ParFilterOffsetLoc     Range
	ParFilterOffsetFitFlag []bool

	NFitPars int

	// Standard-atmosphere values used for every exposure when
	// FreezeStdAtmosphere is set and the atmospheric blocks are not part
	// of the fit vector at all.
	StdLnPwv, StdO3, StdLnTau, StdAlpha float64

	// Per-exposure derived fields, indexed by expIndex; populated by
	// ParsToExposures after a ReloadParArray.
	ExpLnPwv        []float64
	ExpO3           []float64
	ExpLnTau        []float64
	ExpAlpha        []float64
	ExpQESys        []float64
	ExpFilterOffset []float64

	// Per-exposure metadata, set once at load time, never refit.
	// ExpEpochIndex is the instrument epoch (coarser than wash interval),
	// carried for diagnostics scoping only.
	ExpNightIndex     []int
	ExpWashIndex      []int
	ExpEpochIndex     []int
	ExpLUTFilterIndex []int
	ExpMJD            []float64
	ExpDeltaUT        []float64
	ExpPmb            []float64
	WashMJDs          []float64

	// Per-exposure external/retrieved atmosphere measurements. The global
	// scale parameters multiply these values, so an exposure without a
	// measurement (flag unset) falls back to the nightly model instead.
	ExternalLnPwv          []float64
	ExternalLnTau          []float64
	RetrievedLnPwv         []float64
	ExternalPwvFlag        []bool
	ExternalTauFlag        []bool
	CompRetrievedLnPwvFlag []uint32

	unitDict map[string]float64
}

// NewModel lays out the disjoint sub-ranges of the fit vector in the order
// used throughout the engine's gradient accumulation, and returns the
// resulting model with NFitPars set to the total length.
func NewModel(flags Flags, nCampaignNights, nWashIntervals, nLUTFilter int) *Model {
	m := &Model{
		Flags:           flags,
		NCampaignNights: nCampaignNights,
		NWashIntervals:  nWashIntervals,
		NLUTFilter:      nLUTFilter,
	}
	loc := 0
	alloc := func(n int) Range {
		r := Range{Loc: loc, N: n}
		loc += n
		return r
	}

	if !flags.FreezeStdAtmosphere {
		m.ParO3Loc = alloc(nCampaignNights)
		m.ParAlphaLoc = alloc(nCampaignNights)

		m.ParLnPwvInterceptLoc = alloc(nCampaignNights)
		m.ParLnPwvSlopeLoc = alloc(nCampaignNights)
		if flags.UseQuadraticPwv {
			m.ParLnPwvQuadraticLoc = alloc(nCampaignNights)
		}
		switch {
		case flags.HasExternalPwv && !flags.UseRetrievedPwv:
			m.ParExternalLnPwvOffsetLoc = alloc(nCampaignNights)
			m.ParExternalLnPwvScaleLoc = alloc(1)
		case flags.UseRetrievedPwv:
			m.ParRetrievedLnPwvScaleLoc = alloc(1)
			if flags.UseNightlyRetrievedPwv {
				m.ParRetrievedLnPwvNightlyOffsetLoc = alloc(nCampaignNights)
			} else {
				m.ParRetrievedLnPwvOffsetLoc = alloc(1)
			}
		}

		m.ParLnTauInterceptLoc = alloc(nCampaignNights)
		m.ParLnTauSlopeLoc = alloc(nCampaignNights)
		if flags.HasExternalTau {
			m.ParExternalLnTauOffsetLoc = alloc(nCampaignNights)
			m.ParExternalLnTauScaleLoc = alloc(1)
		}
	}

	m.ParQESysInterceptLoc = alloc(nWashIntervals)
	m.ParQESysSlopeLoc = alloc(nWashIntervals)
	m.ParFilterOffsetLoc = alloc(nLUTFilter)
	m.ParFilterOffsetFitFlag = make([]bool, nLUTFilter)

	m.NFitPars = loc
	m.buildUnitDict()
	return m
}

func (m *Model) buildUnitDict() {
	m.unitDict = map[string]float64{
		"o3Unit":             0.01,
		"alphaUnit":          0.002,
		"lnPwvUnit":          0.01,
		"lnPwvSlopeUnit":     0.0001,
		"lnPwvQuadraticUnit": 0.0001,
		"lnPwvGlobalUnit":    0.01,
		"lnTauUnit":          0.001,
		"lnTauSlopeUnit":     0.0001,
		"lnTauGlobalUnit":    0.001,
		"qeSysUnit":          0.001,
		"qeSysSlopeUnit":     0.0001,
		"filterOffsetUnit":   0.001,
	}
}

// GetUnitDict returns the per-sub-range fitter unit scale. When
// fitterUnits is false every factor is 1 (the vector is in physical units).
// The convention throughout is vec_fitter = vec_physical * unitFactor, so
// the gradient in fitter units is the physical gradient divided by the
// same factor.
func (m *Model) GetUnitDict(fitterUnits bool) map[string]float64 {
	if !fitterUnits {
		out := make(map[string]float64, len(m.unitDict))
		for k := range m.unitDict {
			out[k] = 1
		}
		return out
	}
	return m.unitDict
}

// GetParArray checks that vec has length NFitPars and returns an error
// otherwise. It does not write into vec and applies no fitterUnits scaling:
// the model keeps no copy of the logical parameters to pack.
//
// In this model the logical parameters ARE the vector (no separate storage
// duplication), so GetParArray/ReloadParArray operate on a caller-supplied
// backing slice sized NFitPars; this keeps ownership of the vector with the
// driver/minimiser rather than duplicating it inside the model.
func (m *Model) GetParArray(vec []float64, fitterUnits bool) error {
	if len(vec) != m.NFitPars {
		return fmt.Errorf("pars: GetParArray: vec has length %d, want %d", len(vec), m.NFitPars)
	}
	return nil
}

// ReloadParArray checks that vec has length NFitPars and returns an error
// otherwise. It neither reads vec into the model nor converts fitterUnits;
// ParsToExposures is what fans the vector's values out to the
// per-exposure fields.
func (m *Model) ReloadParArray(vec []float64, fitterUnits bool) error {
	if len(vec) != m.NFitPars {
		return fmt.Errorf("pars: ReloadParArray: vec has length %d, want %d", len(vec), m.NFitPars)
	}
	return nil
}

// ExposureRetrieved reports whether exposure e carries a retrieved-PWV
// measurement (the EXPOSURE_RETRIEVED retrieval flag). A campaign with no
// flag table treats every exposure with a retrieved value as retrieved.
func (m *Model) ExposureRetrieved(e int) bool {
	if m.RetrievedLnPwv == nil {
		return false
	}
	if m.CompRetrievedLnPwvFlag == nil {
		return true
	}
	return m.CompRetrievedLnPwvFlag[e]&RetrievalFlagExposureRetrieved != 0
}

// ExternalPwvAt reports whether exposure e has an external PWV measurement.
func (m *Model) ExternalPwvAt(e int) bool {
	return m.ExternalLnPwv != nil && m.ExternalPwvFlag != nil && m.ExternalPwvFlag[e]
}

// ExternalTauAt reports whether exposure e has an external tau measurement.
func (m *Model) ExternalTauAt(e int) bool {
	return m.ExternalLnTau != nil && m.ExternalTauFlag != nil && m.ExternalTauFlag[e]
}

// ParsToExposures fans the fit vector out to per-exposure physical
// quantities (ExpLnPwv, ExpO3, ...), using each exposure's night/wash/filter
// index to pick the right slot.
func (m *Model) ParsToExposures(vec []float64, nExp int) {
	if m.ExpLnPwv == nil {
		m.ExpLnPwv = make([]float64, nExp)
		m.ExpO3 = make([]float64, nExp)
		m.ExpLnTau = make([]float64, nExp)
		m.ExpAlpha = make([]float64, nExp)
		m.ExpQESys = make([]float64, nExp)
		m.ExpFilterOffset = make([]float64, nExp)
	}
	for e := 0; e < nExp; e++ {
		night := m.ExpNightIndex[e]
		wash := m.ExpWashIndex[e]
		filt := m.ExpLUTFilterIndex[e]

		if m.FreezeStdAtmosphere {
			m.ExpO3[e] = m.StdO3
			m.ExpAlpha[e] = m.StdAlpha
			m.ExpLnTau[e] = m.StdLnTau
			m.ExpLnPwv[e] = m.StdLnPwv
		} else {
			m.ExpO3[e] = vec[m.ParO3Loc.Loc+night]
			m.ExpAlpha[e] = vec[m.ParAlphaLoc.Loc+night]
			m.ExpLnTau[e] = m.lnTauForExposure(vec, e, night)
			m.ExpLnPwv[e] = m.lnPwvForExposure(vec, e, night)
		}
		m.ExpQESys[e] = vec[m.ParQESysInterceptLoc.Loc+wash] +
			vec[m.ParQESysSlopeLoc.Loc+wash]*(m.ExpMJD[e]-m.WashMJDs[wash])
		m.ExpFilterOffset[e] = vec[m.ParFilterOffsetLoc.Loc+filt]
	}
}

func (m *Model) lnTauForExposure(vec []float64, e, night int) float64 {
	if m.HasExternalTau && m.ExternalTauAt(e) {
		return vec[m.ParExternalLnTauOffsetLoc.Loc+night] +
			vec[m.ParExternalLnTauScaleLoc.Loc]*m.ExternalLnTau[e]
	}
	return vec[m.ParLnTauInterceptLoc.Loc+night] + vec[m.ParLnTauSlopeLoc.Loc+night]*m.ExpDeltaUT[e]
}

func (m *Model) lnPwvForExposure(vec []float64, e, night int) float64 {
	switch {
	case m.UseRetrievedPwv && m.ExposureRetrieved(e):
		v := vec[m.ParRetrievedLnPwvScaleLoc.Loc] * m.RetrievedLnPwv[e]
		if m.UseNightlyRetrievedPwv {
			v += vec[m.ParRetrievedLnPwvNightlyOffsetLoc.Loc+night]
		} else {
			v += vec[m.ParRetrievedLnPwvOffsetLoc.Loc]
		}
		return v
	case m.HasExternalPwv && !m.UseRetrievedPwv && m.ExternalPwvAt(e):
		return vec[m.ParExternalLnPwvOffsetLoc.Loc+night] +
			vec[m.ParExternalLnPwvScaleLoc.Loc]*m.ExternalLnPwv[e]
	default:
		dt := m.ExpDeltaUT[e]
		v := vec[m.ParLnPwvInterceptLoc.Loc+night] + vec[m.ParLnPwvSlopeLoc.Loc+night]*dt
		if m.UseQuadraticPwv {
			v += vec[m.ParLnPwvQuadraticLoc.Loc+night] * dt * dt
		}
		return v
	}
}
