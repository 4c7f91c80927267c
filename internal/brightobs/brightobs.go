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

// Package brightobs selects, per star and band, an unweighted mean from
// only the brightest observations. Workers take the object index as an
// explicit parameter and their collaborators as fields on the selector,
// never as ambient loop state.
package brightobs

import (
	"runtime"
	"sync"

	"github.com/HyperSuprime-Cam/fgcm/internal/stars"
)

// Config bounds the brightest-subset selection.
type Config struct {
	BrightObsGrayMax float64 // magStd - min(magStd) <= this is "bright"
	NCore            int
}

// Selector runs the bright-observation selection over a star/observation
// store. It holds no per-call ambient state: every worker call is
// handed its own objIndex explicitly.
type Selector struct {
	Objs     *stars.Objects
	Obs      *stars.Observations
	ObsIndex []int32
	Config   Config
}

// Result is the brightest-subset mean and count for one (star,band) slot.
type Result struct {
	Mean    float64
	NGood   int32
}

// SelectGoodStars runs the selector in parallel over goodStars and returns
// a map from each star's *original* star index (not a worker-local one) to
// its per-band Results, one entry per band, so callers can write straight
// back into an Objects table.
func (s *Selector) SelectGoodStars(goodStars []int32) map[int32][]Result {
	nCore := s.Config.NCore
	if nCore <= 0 {
		nCore = runtime.NumCPU()
	}
	nBands := s.Objs.NBands

	out := make(map[int32][]Result, len(goodStars))
	var mu sync.Mutex

	sem := make(chan bool, nCore)
	var wg sync.WaitGroup
	for _, star := range goodStars {
		wg.Add(1)
		sem <- true
		go func(objIndex int32) {
			defer wg.Done()
			defer func() { <-sem }()
			res := s.worker(objIndex, nBands)
			mu.Lock()
			out[objIndex] = res
			mu.Unlock()
		}(star)
	}
	wg.Wait()
	return out
}

// worker computes the brightest-subset unweighted mean for one star
// across all bands. objIndex is always explicit, never inferred from
// ambient loop state.
func (s *Selector) worker(objIndex int32, nBands int) []Result {
	results := make([]Result, nBands)

	start := s.Objs.ObsStart[objIndex]
	n := s.Objs.NObs[objIndex]

	byBand := make(map[int][]float64, nBands)
	for k := int32(0); k < n; k++ {
		oIdx := s.ObsIndex[start+k]
		band := int(s.Obs.BandIndex[oIdx])
		byBand[band] = append(byBand[band], s.Obs.MagStd[oIdx])
	}

	for band, mags := range byBand {
		if len(mags) == 0 {
			continue
		}
		minMag := mags[0]
		for _, m := range mags[1:] {
			if m < minMag {
				minMag = m
			}
		}
		var sum float64
		var count int32
		for _, m := range mags {
			if m-minMag <= s.Config.BrightObsGrayMax {
				sum += m
				count++
			}
		}
		if count > 0 {
			results[band] = Result{Mean: sum / float64(count), NGood: count}
		}
	}
	return results
}
