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
)

// ErrReferenceAbsent signals that a reference-star operation was requested
// but no star resolves a usable reference magnitude.
var ErrReferenceAbsent = errors.New("stars: no reference stars available")

// RefResidualStats computes, per band, the mean and population standard
// deviation of (fit standard magnitude - reference magnitude) over every
// star with a resolved reference index and both magnitudes below the
// sentinel. n reports how many stars contributed per band.
func RefResidualStats(objs *Objects, ref *RefTable) (offset, sigma []float64, n []int) {
	nBands := objs.NBands
	sum := make([]float64, nBands)
	sumSq := make([]float64, nBands)
	n = make([]int, nBands)

	for star := range objs.ID {
		refIdx := objs.RefIndex[star]
		if refIdx < 0 {
			continue
		}
		for band := 0; band < nBands; band++ {
			fit := objs.MagStdMean[star*nBands+band]
			refMag := ref.Mag[int(refIdx)*ref.NBands+band]
			if fit >= 90 || refMag >= 90 {
				continue
			}
			delta := fit - refMag
			sum[band] += delta
			sumSq[band] += delta * delta
			n[band]++
		}
	}

	offset = make([]float64, nBands)
	sigma = make([]float64, nBands)
	for band := 0; band < nBands; band++ {
		if n[band] == 0 {
			continue
		}
		mean := sum[band] / float64(n[band])
		variance := sumSq[band]/float64(n[band]) - mean*mean
		if variance < 0 {
			variance = 0
		}
		offset[band] = mean
		sigma[band] = math.Sqrt(variance)
	}
	return offset, sigma, n
}

// FlagReferenceOutliers computes the per-band reference residual statistics
// and sets FlagRefstarOutlier on every star whose residual in any band
// deviates from that band's offset by more than nSig sigma. Flagged stars
// drop out of the reference likelihood on the next chi-squared evaluation
// (IsReferenceObs checks the bit); the fit continues. nSig <= 0 disables
// flagging but still returns the statistics.
func FlagReferenceOutliers(objs *Objects, ref *RefTable, nSig float64) (offset, sigma []float64, nFlagged int, err error) {
	if ref == nil {
		return nil, nil, 0, ErrReferenceAbsent
	}
	offset, sigma, n := RefResidualStats(objs, ref)
	total := 0
	for _, c := range n {
		total += c
	}
	if total == 0 {
		return nil, nil, 0, ErrReferenceAbsent
	}
	if nSig <= 0 {
		return offset, sigma, 0, nil
	}

	nBands := objs.NBands
	for star := range objs.ID {
		refIdx := objs.RefIndex[star]
		if refIdx < 0 || objs.Flag[star]&FlagRefstarOutlier != 0 {
			continue
		}
		for band := 0; band < nBands; band++ {
			fit := objs.MagStdMean[star*nBands+band]
			refMag := ref.Mag[int(refIdx)*ref.NBands+band]
			if fit >= 90 || refMag >= 90 || sigma[band] <= 0 {
				continue
			}
			if math.Abs(fit-refMag-offset[band]) > nSig*sigma[band] {
				objs.Flag[star] |= FlagRefstarOutlier
				nFlagged++
				break
			}
		}
	}
	return offset, sigma, nFlagged, nil
}
