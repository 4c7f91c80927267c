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

// Package stars owns the star/object and per-observation columnar tables,
// and the good-star / good-observation selection queries the chi-squared
// engine drives its partitioning from.
package stars

import "sort"

// Object flag bits.
const (
	FlagTooFewObs uint32 = 1 << iota
	FlagBadColor
	FlagVariable
	FlagRefstarOutlier
	FlagReserved
)

// Exposure flag bits.
const (
	ExpFlagNoStars uint32 = 1 << iota
	ExpFlagTooFewStars
	ExpFlagGrayTooNegative
	ExpFlagGrayTooPositive
	ExpFlagVarGrayTooLarge
	ExpFlagTooFewExpOnNight
	ExpFlagPhotometric
)

// SentinelMag marks "not computed" for mean-magnitude-shaped fields.
const SentinelMag = 99.0

// Observations holds the per-observation columnar table (~10^7 rows).
type Observations struct {
	ExpIndex       []int32
	BandIndex      []int16
	FilterIndex    []int16
	CCDIndex       []int16
	ObjIndex       []int32
	MagADU         []float32
	MagADUModelErr []float32
	SecZenith      []float32
	X, Y           []float32
	Flag           []uint32

	MagStd []float64 // mutable, rewritten every fit iteration
}

func (o *Observations) Len() int { return len(o.ObjIndex) }

// Objects holds the per-star columnar table (~10^6 rows), with nBands
// parallel per-band slices for the mean-magnitude-shaped fields.
type Objects struct {
	ID       []int64
	RA, Dec  []float64
	ObsStart []int32 // index into the OBSINDEX permutation table
	NObs     []int32
	Flag     []uint32
	RefIndex []int32 // -1 if no reference magnitude

	NBands int
	// Each of the following is a flattened [objIndex*NBands+band] array.
	MagStdMean         []float64
	MagStdMeanErr      []float64
	MagStdMeanNoChrom  []float64
	SedSlope           []float64
	NGoodObs           []int32
}

func (s *Objects) Len() int { return len(s.ID) }

// NewObjects allocates an Objects table for n stars and nBands bands, with
// all mean-magnitude-shaped fields initialised to the sentinel.
func NewObjects(n, nBands int) *Objects {
	o := &Objects{
		ID: make([]int64, n), RA: make([]float64, n), Dec: make([]float64, n),
		ObsStart: make([]int32, n), NObs: make([]int32, n), Flag: make([]uint32, n),
		RefIndex: make([]int32, n), NBands: nBands,
	}
	size := n * nBands
	o.MagStdMean = fillF64(size, SentinelMag)
	o.MagStdMeanErr = fillF64(size, SentinelMag)
	o.MagStdMeanNoChrom = fillF64(size, SentinelMag)
	o.SedSlope = make([]float64, size)
	o.NGoodObs = make([]int32, size)
	for i := range o.RefIndex {
		o.RefIndex[i] = -1
	}
	return o
}

func fillF64(n int, v float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

// RefTable holds the reference-catalog magnitudes, sentinel >= 90 for "no
// reference" per-band.
type RefTable struct {
	Mag, MagErr []float64 // flattened [refIndex*nBands+band]
	NBands      int
}

// GetGoodStarIndices returns the indices of stars passing the disqualifying
// flag checks, optionally including RESERVED stars and optionally requiring
// a minimum observation count in every required band (checkMinObs).
func GetGoodStarIndices(objs *Objects, includeReserve, checkMinObs bool, requiredBands []int, minObsPerBand int32) []int32 {
	disqualify := FlagTooFewObs | FlagBadColor | FlagVariable
	if !includeReserve {
		disqualify |= FlagReserved
	}
	var good []int32
	for i := 0; i < objs.Len(); i++ {
		if objs.Flag[i]&disqualify != 0 {
			continue
		}
		if checkMinObs {
			ok := true
			for _, b := range requiredBands {
				if objs.NGoodObs[i*objs.NBands+b] < minObsPerBand {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
		}
		good = append(good, int32(i))
	}
	return good
}

// GetGoodObsIndices returns (goodStarsSub, goodObs) such that the
// observations of goodStars[k] are contiguous within goodObs, and
// goodStars[goodStarsSub[i]] is the star owning observation goodObs[i].
//
// This grouping property is load-bearing for the engine's worker
// partitioning: callers split goodStars into slices and slice goodObs
// accordingly via SearchStarBoundary, which relies on star(goodObs[i])
// being monotonically non-decreasing in i.
func GetGoodObsIndices(obsIndex []int32, objs *Objects, goodStars []int32, obs *Observations, expFlag []uint32, excludedExpFlags uint32) (goodStarsSub []int32, goodObs []int32) {
	isGood := make(map[int32]int32, len(goodStars))
	for sub, star := range goodStars {
		isGood[star] = int32(sub)
	}

	for _, star := range goodStars {
		start := objs.ObsStart[star]
		n := objs.NObs[star]
		for k := int32(0); k < n; k++ {
			oIdx := obsIndex[start+k]
			e := obs.ExpIndex[oIdx]
			if expFlag != nil && expFlag[e]&excludedExpFlags != 0 {
				continue
			}
			goodObs = append(goodObs, oIdx)
			goodStarsSub = append(goodStarsSub, isGood[star])
		}
	}
	return goodStarsSub, goodObs
}

// SearchStarBoundary returns the index in goodObs at which the observations
// of goodStars[splitAt] begin, using binary search over goodStarsSub (which
// is sorted non-decreasing by the grouping invariant above). Callers use it
// to slice goodObs in lockstep with a slice of goodStars.
func SearchStarBoundary(goodStarsSub []int32, splitAt int32) int {
	return sort.Search(len(goodStarsSub), func(i int) bool { return goodStarsSub[i] >= splitAt })
}

// IsReferenceObs reports whether a star's observation in band b should
// use the reference likelihood instead of the ordinary-star sum: the star
// resolves a non-outlier reference magnitude, and both of its own mean
// magnitudes in that band are computed.
func IsReferenceObs(objs *Objects, ref *RefTable, star int32, b int) bool {
	if objs.RefIndex[star] < 0 {
		return false
	}
	if objs.Flag[star]&FlagRefstarOutlier != 0 {
		return false
	}
	slot := int(star)*objs.NBands + b
	if objs.MagStdMean[slot] >= 90 || objs.MagStdMeanNoChrom[slot] >= 90 {
		return false
	}
	refIdx := objs.RefIndex[star]
	return ref.Mag[int(refIdx)*ref.NBands+b] < 90
}
