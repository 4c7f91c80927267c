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

package pars

import (
	"math"
	"testing"
)

func allRanges(m *Model) map[string]Range {
	return map[string]Range{
		"o3":                       m.ParO3Loc,
		"alpha":                    m.ParAlphaLoc,
		"lnPwvIntercept":           m.ParLnPwvInterceptLoc,
		"lnPwvSlope":               m.ParLnPwvSlopeLoc,
		"lnPwvQuadratic":           m.ParLnPwvQuadraticLoc,
		"externalLnPwvOffset":      m.ParExternalLnPwvOffsetLoc,
		"externalLnPwvScale":       m.ParExternalLnPwvScaleLoc,
		"retrievedLnPwvScale":      m.ParRetrievedLnPwvScaleLoc,
		"retrievedLnPwvOffset":     m.ParRetrievedLnPwvOffsetLoc,
		"retrievedLnPwvNightlyOff": m.ParRetrievedLnPwvNightlyOffsetLoc,
		"lnTauIntercept":           m.ParLnTauInterceptLoc,
		"lnTauSlope":               m.ParLnTauSlopeLoc,
		"externalLnTauOffset":      m.ParExternalLnTauOffsetLoc,
		"externalLnTauScale":       m.ParExternalLnTauScaleLoc,
		"qeSysIntercept":           m.ParQESysInterceptLoc,
		"qeSysSlope":               m.ParQESysSlopeLoc,
		"filterOffset":             m.ParFilterOffsetLoc,
	}
}

// checkPartition asserts the allocated sub-ranges are disjoint and exactly
// cover [0, NFitPars).
func checkPartition(t *testing.T, m *Model) {
	t.Helper()
	covered := make([]string, m.NFitPars)
	for name, r := range allRanges(m) {
		for i := r.Loc; i < r.Loc+r.N; i++ {
			if i >= m.NFitPars {
				t.Fatalf("%s slot %d past NFitPars=%d", name, i, m.NFitPars)
			}
			if covered[i] != "" {
				t.Fatalf("slot %d claimed by both %s and %s", i, covered[i], name)
			}
			covered[i] = name
		}
	}
	for i, name := range covered {
		if name == "" {
			t.Fatalf("slot %d not covered by any sub-range", i)
		}
	}
}

func TestLayoutPartitionsVector(t *testing.T) {
	combos := []Flags{
		{},
		{UseQuadraticPwv: true},
		{HasExternalPwv: true},
		{HasExternalPwv: true, HasExternalTau: true},
		{UseRetrievedPwv: true},
		{UseRetrievedPwv: true, UseNightlyRetrievedPwv: true},
		{HasExternalPwv: true, UseRetrievedPwv: true},
		{FreezeStdAtmosphere: true},
	}
	for _, flags := range combos {
		m := NewModel(flags, 5, 3, 4)
		checkPartition(t, m)
	}
}

func TestFrozenAtmosphereDropsAtmosphereBlocks(t *testing.T) {
	m := NewModel(Flags{FreezeStdAtmosphere: true}, 5, 3, 4)
	if want := 2*3 + 4; m.NFitPars != want {
		t.Fatalf("NFitPars = %d with frozen atmosphere, want %d", m.NFitPars, want)
	}

	m.StdLnPwv, m.StdO3, m.StdLnTau, m.StdAlpha = 0.5, 0.27, -1.5, 1.2
	m.ExpNightIndex = []int{0, 1}
	m.ExpWashIndex = []int{0, 0}
	m.ExpLUTFilterIndex = []int{0, 1}
	m.ExpMJD = []float64{59000, 59001}
	m.ExpDeltaUT = []float64{0, 0}
	m.WashMJDs = []float64{59000}

	m.ParsToExposures(make([]float64, m.NFitPars), 2)
	for e := 0; e < 2; e++ {
		if m.ExpLnPwv[e] != 0.5 || m.ExpO3[e] != 0.27 || m.ExpLnTau[e] != -1.5 || m.ExpAlpha[e] != 1.2 {
			t.Errorf("exposure %d not at standard atmosphere: pwv=%v o3=%v tau=%v alpha=%v",
				e, m.ExpLnPwv[e], m.ExpO3[e], m.ExpLnTau[e], m.ExpAlpha[e])
		}
	}
}

func TestParsToExposuresNightlyModel(t *testing.T) {
	m := NewModel(Flags{UseQuadraticPwv: true}, 2, 2, 2)
	m.ExpNightIndex = []int{0, 1}
	m.ExpWashIndex = []int{0, 1}
	m.ExpLUTFilterIndex = []int{0, 1}
	m.ExpMJD = []float64{59000.2, 59010.4}
	m.ExpDeltaUT = []float64{-0.3, 0.5}
	m.WashMJDs = []float64{59000, 59010}

	vec := make([]float64, m.NFitPars)
	vec[m.ParO3Loc.Loc+1] = 0.28
	vec[m.ParAlphaLoc.Loc+1] = 1.1
	vec[m.ParLnPwvInterceptLoc.Loc+1] = 0.4
	vec[m.ParLnPwvSlopeLoc.Loc+1] = 0.1
	vec[m.ParLnPwvQuadraticLoc.Loc+1] = 0.02
	vec[m.ParLnTauInterceptLoc.Loc+1] = -1.2
	vec[m.ParLnTauSlopeLoc.Loc+1] = 0.05
	vec[m.ParQESysInterceptLoc.Loc+1] = 0.03
	vec[m.ParQESysSlopeLoc.Loc+1] = 0.01
	vec[m.ParFilterOffsetLoc.Loc+1] = 0.007

	m.ParsToExposures(vec, 2)

	dt := 0.5
	if got, want := m.ExpO3[1], 0.28; got != want {
		t.Errorf("ExpO3[1] = %v, want %v", got, want)
	}
	if got, want := m.ExpLnPwv[1], 0.4+0.1*dt+0.02*dt*dt; math.Abs(got-want) > 1e-15 {
		t.Errorf("ExpLnPwv[1] = %v, want %v", got, want)
	}
	if got, want := m.ExpLnTau[1], -1.2+0.05*dt; math.Abs(got-want) > 1e-15 {
		t.Errorf("ExpLnTau[1] = %v, want %v", got, want)
	}
	if got, want := m.ExpQESys[1], 0.03+0.01*(59010.4-59010); math.Abs(got-want) > 1e-12 {
		t.Errorf("ExpQESys[1] = %v, want %v", got, want)
	}
	if got, want := m.ExpFilterOffset[1], 0.007; got != want {
		t.Errorf("ExpFilterOffset[1] = %v, want %v", got, want)
	}

	// Exposure 0 reads night/wash/filter slot 0, all zero.
	if m.ExpO3[0] != 0 || m.ExpLnPwv[0] != 0 || m.ExpQESys[0] != 0 {
		t.Errorf("exposure 0 picked up slot-1 values: o3=%v pwv=%v qe=%v", m.ExpO3[0], m.ExpLnPwv[0], m.ExpQESys[0])
	}
}

func TestExternalPwvFallsBackPerExposure(t *testing.T) {
	m := NewModel(Flags{HasExternalPwv: true}, 1, 1, 1)
	m.ExpNightIndex = []int{0, 0}
	m.ExpWashIndex = []int{0, 0}
	m.ExpLUTFilterIndex = []int{0, 0}
	m.ExpMJD = []float64{59000, 59000.5}
	m.ExpDeltaUT = []float64{0.2, 0.2}
	m.WashMJDs = []float64{59000}
	m.ExternalPwvFlag = []bool{true, false}
	m.ExternalLnPwv = []float64{0.6, 0}

	vec := make([]float64, m.NFitPars)
	vec[m.ParLnPwvInterceptLoc.Loc] = 0.1
	vec[m.ParLnPwvSlopeLoc.Loc] = 0.05
	vec[m.ParExternalLnPwvOffsetLoc.Loc] = 0.02
	vec[m.ParExternalLnPwvScaleLoc.Loc] = 0.9

	m.ParsToExposures(vec, 2)

	if got, want := m.ExpLnPwv[0], 0.02+0.9*0.6; math.Abs(got-want) > 1e-15 {
		t.Errorf("flagged exposure ExpLnPwv = %v, want offset+scale*external = %v", got, want)
	}
	if got, want := m.ExpLnPwv[1], 0.1+0.05*0.2; math.Abs(got-want) > 1e-15 {
		t.Errorf("unflagged exposure ExpLnPwv = %v, want nightly model %v", got, want)
	}
}

func TestRetrievedPwvUsesScaleTimesRetrieved(t *testing.T) {
	m := NewModel(Flags{UseRetrievedPwv: true, UseNightlyRetrievedPwv: true}, 2, 1, 1)
	m.ExpNightIndex = []int{0, 1}
	m.ExpWashIndex = []int{0, 0}
	m.ExpLUTFilterIndex = []int{0, 0}
	m.ExpMJD = []float64{59000, 59001}
	m.ExpDeltaUT = []float64{0, 0}
	m.WashMJDs = []float64{59000}
	m.RetrievedLnPwv = []float64{0.5, 0.7}
	m.CompRetrievedLnPwvFlag = []uint32{RetrievalFlagExposureRetrieved, RetrievalFlagExposureRetrieved}

	vec := make([]float64, m.NFitPars)
	vec[m.ParRetrievedLnPwvScaleLoc.Loc] = 1.1
	vec[m.ParRetrievedLnPwvNightlyOffsetLoc.Loc+1] = -0.05

	m.ParsToExposures(vec, 2)

	if got, want := m.ExpLnPwv[0], 1.1*0.5; math.Abs(got-want) > 1e-15 {
		t.Errorf("ExpLnPwv[0] = %v, want %v", got, want)
	}
	if got, want := m.ExpLnPwv[1], 1.1*0.7-0.05; math.Abs(got-want) > 1e-15 {
		t.Errorf("ExpLnPwv[1] = %v, want %v", got, want)
	}
}

func TestExternalTauPerExposure(t *testing.T) {
	m := NewModel(Flags{HasExternalTau: true}, 1, 1, 1)
	m.ExpNightIndex = []int{0, 0}
	m.ExpWashIndex = []int{0, 0}
	m.ExpLUTFilterIndex = []int{0, 0}
	m.ExpMJD = []float64{59000, 59000.5}
	m.ExpDeltaUT = []float64{-0.1, -0.1}
	m.WashMJDs = []float64{59000}
	m.ExternalTauFlag = []bool{false, true}
	m.ExternalLnTau = []float64{0, -1.4}

	vec := make([]float64, m.NFitPars)
	vec[m.ParLnTauInterceptLoc.Loc] = -2
	vec[m.ParLnTauSlopeLoc.Loc] = 0.3
	vec[m.ParExternalLnTauOffsetLoc.Loc] = 0.1
	vec[m.ParExternalLnTauScaleLoc.Loc] = 0.8

	m.ParsToExposures(vec, 2)

	if got, want := m.ExpLnTau[0], -2+0.3*-0.1; math.Abs(got-want) > 1e-15 {
		t.Errorf("unflagged exposure ExpLnTau = %v, want nightly model %v", got, want)
	}
	if got, want := m.ExpLnTau[1], 0.1+0.8*-1.4; math.Abs(got-want) > 1e-15 {
		t.Errorf("flagged exposure ExpLnTau = %v, want offset+scale*external = %v", got, want)
	}
}

func TestUnitDict(t *testing.T) {
	m := NewModel(Flags{}, 1, 1, 1)

	physical := m.GetUnitDict(false)
	for k, v := range physical {
		if v != 1 {
			t.Errorf("physical-units factor %s = %v, want 1", k, v)
		}
	}
	fitter := m.GetUnitDict(true)
	for k, v := range fitter {
		if v <= 0 {
			t.Errorf("fitter-units factor %s = %v, want > 0", k, v)
		}
	}
}

func TestParArrayLengthChecks(t *testing.T) {
	m := NewModel(Flags{}, 2, 1, 1)
	if err := m.GetParArray(make([]float64, m.NFitPars), false); err != nil {
		t.Errorf("GetParArray with correct length: %v", err)
	}
	if err := m.GetParArray(make([]float64, m.NFitPars+1), false); err == nil {
		t.Error("GetParArray accepted a wrong-length vector")
	}
	if err := m.ReloadParArray(make([]float64, m.NFitPars-1), true); err == nil {
		t.Error("ReloadParArray accepted a wrong-length vector")
	}
}

func TestCheb2DFieldEval(t *testing.T) {
	// Single T2(u)*T0(v) term: value is 2u^2 - 1 independent of v.
	coeffs := make([]float64, 9)
	coeffs[2*3+0] = 1
	f := NewCheb2DField(3, coeffs)

	for _, u := range []float64{-1, -0.5, 0, 0.3, 1} {
		want := 2*u*u - 1
		if got := f.Eval(u, 0.7); math.Abs(got-want) > 1e-14 {
			t.Errorf("Eval(%v, 0.7) = %v, want T2 = %v", u, got, want)
		}
	}

	if got, want := ChebyshevT(3, 0.4), 4*0.4*0.4*0.4-3*0.4; math.Abs(got-want) > 1e-14 {
		t.Errorf("ChebyshevT(3, 0.4) = %v, want 4x^3-3x = %v", got, want)
	}
}
