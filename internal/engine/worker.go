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
	"runtime"
	"sort"
	"sync"

	"github.com/HyperSuprime-Cam/fgcm/internal/log"
	"github.com/HyperSuprime-Cam/fgcm/internal/stars"
	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
)

// batch is one worker's slice of the partitioned star/observation lists.
// Because stars.GetGoodObsIndices guarantees goodObs is grouped by star,
// splitting goodStars at any index and locating the matching goodObs
// boundary via stars.SearchStarBoundary always yields disjoint,
// contiguous observation ranges — no star's observations straddle two
// batches.
type batch struct {
	workerID   int
	starsSlice []int32 // indices into the global star table
	obsSlice   []int32 // indices into the global observation table
}

// splitIntoBatches partitions goodStars (and the matching goodObs) into
// roughly nStarPerRun-sized slices, then sorts them longest-first so the
// goroutine pool starts its slowest units of work first and the tail of
// the barrier stays short.
func splitIntoBatches(goodStars, goodStarsSub, goodObs []int32, nCore, nStarPerRun int) []batch {
	if nStarPerRun <= 0 {
		nStarPerRun = 1000
	}
	nBatches := (len(goodStars) + nStarPerRun - 1) / nStarPerRun
	if nBatches < 1 {
		nBatches = 1
	}

	batches := make([]batch, 0, nBatches)
	for lower := 0; lower < len(goodStars); lower += nStarPerRun {
		upper := lower + nStarPerRun
		if upper > len(goodStars) {
			upper = len(goodStars)
		}
		obsLo := stars.SearchStarBoundary(goodStarsSub, int32(lower))
		obsHi := stars.SearchStarBoundary(goodStarsSub, int32(upper))
		batches = append(batches, batch{
			starsSlice: goodStars[lower:upper],
			obsSlice:   goodObs[obsLo:obsHi],
		})
	}

	sort.SliceStable(batches, func(i, j int) bool {
		return len(batches[i].obsSlice) > len(batches[j].obsSlice)
	})
	for i := range batches {
		batches[i].workerID = i
	}
	return batches
}

// logBatchDiagnostics is called once per campaign start to record the
// concurrency envelope: available cores, AVX2 availability (diagnostic
// only — no SIMD kernel in this package dispatches on it), and total
// system memory, which bounds how large nStarPerRun can safely grow
// before worker private arrays exhaust RAM.
func logBatchDiagnostics(nCore int) {
	totalMiB := memory.TotalMemory() / 1024 / 1024
	fgcmlog.LogPrintf("engine: %d workers, AVX2=%v, %d MiB system memory\n", nCore, cpuid.CPU.AVX2(), totalMiB)
}

// runParallel dispatches fn for every batch, bounded to nCore concurrent
// goroutines via a semaphore channel, and returns once all batches have
// completed, handing back a per-worker result slice rather than mutating
// a shared output array directly.
func runParallel(batches []batch, nCore int, fn func(b batch) *Partial) []*Partial {
	if nCore <= 0 {
		nCore = runtime.NumCPU()
	}
	sem := make(chan bool, nCore)
	results := make([]*Partial, len(batches))
	var wg sync.WaitGroup
	for i, b := range batches {
		wg.Add(1)
		sem <- true
		go func(i int, b batch) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = fn(b)
		}(i, b)
	}
	wg.Wait()
	return results
}
