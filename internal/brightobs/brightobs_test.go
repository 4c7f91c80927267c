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

package brightobs

import (
	"testing"

	"github.com/HyperSuprime-Cam/fgcm/internal/stars"
)

func TestBrightObsBound(t *testing.T) {
	objs := stars.NewObjects(1, 1)
	objs.ObsStart[0] = 0
	objs.NObs[0] = 5

	obs := &stars.Observations{
		BandIndex: []int16{0, 0, 0, 0, 0},
		MagStd:    []float64{18.0, 18.05, 18.2, 19.0, 18.1},
	}
	obsIndex := []int32{0, 1, 2, 3, 4}

	sel := &Selector{Objs: objs, Obs: obs, ObsIndex: obsIndex, Config: Config{BrightObsGrayMax: 0.15, NCore: 1}}
	results := sel.SelectGoodStars([]int32{0})

	r := results[0][0]
	// min is 18.0; bound 0.15 keeps 18.0, 18.05, 18.1 (deltas 0, .05, .1) but
	// excludes 18.2 (delta .2) and 19.0 (delta 1.0).
	if r.NGood != 3 {
		t.Fatalf("NGood = %d, want 3", r.NGood)
	}
	want := (18.0 + 18.05 + 18.1) / 3
	if diff := r.Mean - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("Mean = %v, want %v", r.Mean, want)
	}
}
