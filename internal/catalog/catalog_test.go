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

package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/HyperSuprime-Cam/fgcm/internal/gray"
	"github.com/HyperSuprime-Cam/fgcm/internal/lut"
	"github.com/HyperSuprime-Cam/fgcm/internal/pars"
	"github.com/HyperSuprime-Cam/fgcm/internal/stars"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestLoadExposures(t *testing.T) {
	path := writeTempFile(t, "exposures.csv", ""+
		"EXPNUM,MJD,DELTAUT,NIGHTINDEX,WASHINDEX,FILTERINDEX,PMB\n"+
		"1,59000.1,0.01,0,0,0,780.0\n"+
		"2,59000.3,0.02,0,0,1,781.5\n"+
		"3,59001.2,0.03,1,1,0,779.0\n")

	model, err := LoadExposures(path, pars.Flags{})
	if err != nil {
		t.Fatalf("LoadExposures: %v", err)
	}
	if len(model.ExpMJD) != 3 {
		t.Fatalf("len(ExpMJD) = %d, want 3", len(model.ExpMJD))
	}
	if model.ExpPmb[1] != 781.5 {
		t.Fatalf("ExpPmb[1] = %v, want 781.5", model.ExpPmb[1])
	}
	if len(model.WashMJDs) != 2 {
		t.Fatalf("len(WashMJDs) = %d, want 2 (nWashIntervals)", len(model.WashMJDs))
	}
	if model.WashMJDs[0] != 59000.1 {
		t.Fatalf("WashMJDs[0] = %v, want the earliest MJD on wash 0 (59000.1)", model.WashMJDs[0])
	}
}

func TestLoadLUTRoundTrip(t *testing.T) {
	axis1 := lut.Axis{Min: 0, Max: 1, N: 2}
	want := &lut.Grid{
		Filters: 1, CCDs: 1,
		LnPwv: axis1, O3: axis1, LnTau: axis1, Alpha: axis1, SecZenith: axis1, Pmb: axis1,
	}
	n := want.Filters * axis1.N * axis1.N * axis1.N * axis1.N * axis1.N * want.CCDs * axis1.N
	i0 := make([]float64, n)
	i1 := make([]float64, n)
	for i := range i0 {
		i0[i] = 1.0
		i1[i] = 0.1
	}

	type lutFileShape struct {
		Filters, CCDs                          int
		LnPwv, O3, LnTau, Alpha, SecZenith, Pmb lut.Axis
		I0, I1                                  []float64
	}
	data, err := json.Marshal(lutFileShape{
		Filters: 1, CCDs: 1,
		LnPwv: axis1, O3: axis1, LnTau: axis1, Alpha: axis1, SecZenith: axis1, Pmb: axis1,
		I0: i0, I1: i1,
	})
	if err != nil {
		t.Fatalf("marshaling fixture: %v", err)
	}
	path := writeTempFile(t, "lut.json", string(data))

	got, err := LoadLUT(path)
	if err != nil {
		t.Fatalf("LoadLUT: %v", err)
	}
	idx := got.GetIndices(0, 0, 0, 0, 0, 1, 0, 0)
	if v := got.I0At(idx); v != 1.0 {
		t.Fatalf("I0At = %v, want 1.0", v)
	}
}

func TestLoadReferenceStarsResolvesRefIndex(t *testing.T) {
	objs := stars.NewObjects(2, 2)
	objs.ID[0] = 100
	objs.ID[1] = 200

	path := writeTempFile(t, "refstars.csv", ""+
		"FGCM_ID,BAND,MAG,MAGERR\n"+
		"100,0,18.5,0.01\n"+
		"100,1,18.1,0.01\n"+
		"200,0,19.2,0.02\n")

	ref, err := LoadReferenceStars(path, objs, 2)
	if err != nil {
		t.Fatalf("LoadReferenceStars: %v", err)
	}
	if objs.RefIndex[0] < 0 || objs.RefIndex[1] < 0 {
		t.Fatalf("expected both stars to resolve a RefIndex, got %v", objs.RefIndex)
	}
	slot := int(objs.RefIndex[0])*ref.NBands + 0
	if ref.Mag[slot] != 18.5 {
		t.Fatalf("ref.Mag for star 0 band 0 = %v, want 18.5", ref.Mag[slot])
	}
}

func TestWriteDiagnostics(t *testing.T) {
	objs := stars.NewObjects(1, 1)
	objs.ID[0] = 1
	objs.RefIndex[0] = 0
	objs.MagStdMean[0] = 18.0

	ref := &stars.RefTable{NBands: 1, Mag: []float64{17.9}, MagErr: []float64{0.01}}

	agg := gray.NewAggregator(gray.Thresholds{MinStarPerCCD: 1, MinGoodCCD: 1, MaxCCDGrayErr: 1.0}, 1)
	agg.AccumulateCCD(gray.Obs{ExpIndex: 0, CCDIndex: 0, EGray: 0.01, EGrayErr2: 0.0001})
	agg.FinalizeCCD()
	agg.FinalizeExposures(map[int]int{0: 1})

	path := filepath.Join(t.TempDir(), "diagnostics.json")
	if err := WriteDiagnostics(path, objs, ref, agg, []float64{1.0}); err != nil {
		t.Fatalf("WriteDiagnostics: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading diagnostics dump: %v", err)
	}
	var got struct {
		RefOffset []float64 `json:"compRefOffset"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshaling diagnostics dump: %v", err)
	}
	if len(got.RefOffset) != 1 || got.RefOffset[0] < 0.09 || got.RefOffset[0] > 0.11 {
		t.Fatalf("compRefOffset = %v, want ~0.1 (18.0 - 17.9)", got.RefOffset)
	}
}
