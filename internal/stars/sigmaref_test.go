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

package stars

import (
	"errors"
	"math"
	"testing"
)

func refFixture() (*Objects, *RefTable) {
	objs := NewObjects(4, 1)
	for i := range objs.ID {
		objs.ID[i] = int64(i + 1)
		objs.RefIndex[i] = int32(i)
	}
	// Three stars near the reference, one 0.5 mag off.
	objs.MagStdMean = []float64{20.01, 20.0, 19.99, 20.5}
	objs.MagStdMeanNoChrom = []float64{20.01, 20.0, 19.99, 20.5}
	ref := &RefTable{
		NBands: 1,
		Mag:    []float64{20, 20, 20, 20},
		MagErr: []float64{0.01, 0.01, 0.01, 0.01},
	}
	return objs, ref
}

func TestFlagReferenceOutliers(t *testing.T) {
	objs, ref := refFixture()

	offset, sigma, nFlagged, err := FlagReferenceOutliers(objs, ref, 1)
	if err != nil {
		t.Fatalf("FlagReferenceOutliers: %v", err)
	}
	if math.Abs(offset[0]-0.125) > 1e-12 {
		t.Errorf("offset = %v, want 0.125", offset[0])
	}
	if sigma[0] <= 0 {
		t.Errorf("sigma = %v, want > 0", sigma[0])
	}
	if nFlagged != 1 {
		t.Fatalf("nFlagged = %d, want 1", nFlagged)
	}
	if objs.Flag[3]&FlagRefstarOutlier == 0 {
		t.Error("outlier star not flagged")
	}
	for s := 0; s < 3; s++ {
		if objs.Flag[s]&FlagRefstarOutlier != 0 {
			t.Errorf("inlier star %d flagged", s)
		}
	}
}

func TestFlagReferenceOutliersDisabledByNonPositiveSigma(t *testing.T) {
	objs, ref := refFixture()
	_, _, nFlagged, err := FlagReferenceOutliers(objs, ref, 0)
	if err != nil {
		t.Fatalf("FlagReferenceOutliers: %v", err)
	}
	if nFlagged != 0 {
		t.Errorf("nFlagged = %d with flagging disabled, want 0", nFlagged)
	}
}

func TestFlagReferenceOutliersAbsent(t *testing.T) {
	objs, _ := refFixture()

	if _, _, _, err := FlagReferenceOutliers(objs, nil, 4); !errors.Is(err, ErrReferenceAbsent) {
		t.Fatalf("nil table: err = %v, want ErrReferenceAbsent", err)
	}

	for i := range objs.RefIndex {
		objs.RefIndex[i] = -1
	}
	ref := &RefTable{NBands: 1, Mag: []float64{20}, MagErr: []float64{0.01}}
	if _, _, _, err := FlagReferenceOutliers(objs, ref, 4); !errors.Is(err, ErrReferenceAbsent) {
		t.Fatalf("no resolved stars: err = %v, want ErrReferenceAbsent", err)
	}
}

func TestIsReferenceObsRequiresComputedMeans(t *testing.T) {
	objs, ref := refFixture()
	if !IsReferenceObs(objs, ref, 0, 0) {
		t.Fatal("star with computed means and valid reference not recognised")
	}
	objs.MagStdMean[0] = SentinelMag
	if IsReferenceObs(objs, ref, 0, 0) {
		t.Fatal("star without a computed mean treated as reference observation")
	}
}
