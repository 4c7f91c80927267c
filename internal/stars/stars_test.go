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

import "testing"

func buildFixture() (*Objects, *Observations, []int32) {
	objs := NewObjects(4, 1)
	objs.ObsStart = []int32{0, 3, 5, 5}
	objs.NObs = []int32{3, 2, 0, 4}

	nObsTotal := 9
	obs := &Observations{
		ExpIndex: make([]int32, nObsTotal),
		ObjIndex: make([]int32, nObsTotal),
	}
	obsIndex := make([]int32, nObsTotal)
	for i := range obsIndex {
		obsIndex[i] = int32(i)
	}
	return objs, obs, obsIndex
}

func TestPartitioningInvariant(t *testing.T) {
	objs, obs, obsIndex := buildFixture()
	goodStars := []int32{0, 1, 3}

	goodStarsSub, goodObs := GetGoodObsIndices(obsIndex, objs, goodStars, obs, nil, 0)
	if len(goodObs) != 3+2+4 {
		t.Fatalf("expected %d good observations, got %d", 3+2+4, len(goodObs))
	}

	for i := 1; i < len(goodStarsSub); i++ {
		if goodStarsSub[i] < goodStarsSub[i-1] {
			t.Fatalf("goodStarsSub not monotonically non-decreasing at %d: %v", i, goodStarsSub)
		}
	}

	splitAt := int32(2) // split before the third good star (objIndex 3)
	boundary := SearchStarBoundary(goodStarsSub, splitAt)
	for i := 0; i < boundary; i++ {
		if goodStarsSub[i] >= splitAt {
			t.Fatalf("observation %d assigned to slice before boundary but belongs after", i)
		}
	}
	for i := boundary; i < len(goodStarsSub); i++ {
		if goodStarsSub[i] < splitAt {
			t.Fatalf("observation %d assigned to slice after boundary but belongs before", i)
		}
	}
}

func TestGetGoodStarIndicesExcludesReservedByDefault(t *testing.T) {
	objs := NewObjects(3, 1)
	objs.Flag[1] = FlagReserved
	objs.Flag[2] = FlagTooFewObs

	good := GetGoodStarIndices(objs, false, false, nil, 0)
	if len(good) != 1 || good[0] != 0 {
		t.Fatalf("expected only star 0 to pass, got %v", good)
	}

	goodWithReserve := GetGoodStarIndices(objs, true, false, nil, 0)
	if len(goodWithReserve) != 2 {
		t.Fatalf("expected 2 stars with includeReserve=true, got %v", goodWithReserve)
	}
}
