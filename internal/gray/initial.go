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

package gray

// InitialExpGray accumulates the unweighted initial exposure gray used
// only to bootstrap the first "photometric" selection, before any CCD
// gray crunch exists: E_gray[o] = magStdMean[star,b] - magStd[o], averaged
// per exposure over the required-band observations of good stars.
type InitialExpGray struct {
	sum   map[int]float64
	count map[int]int
}

// NewInitialExpGray allocates an empty accumulator.
func NewInitialExpGray() *InitialExpGray {
	return &InitialExpGray{sum: make(map[int]float64), count: make(map[int]int)}
}

// Add folds one observation's residual into its exposure's running mean.
func (g *InitialExpGray) Add(expIndex int, eGray float64) {
	g.sum[expIndex] += eGray
	g.count[expIndex]++
}

// Mean returns the unweighted mean residual for an exposure and its
// observation count, or (0, 0) if nothing was ever added.
func (g *InitialExpGray) Mean(expIndex int) (mean float64, n int) {
	n = g.count[expIndex]
	if n == 0 {
		return 0, 0
	}
	return g.sum[expIndex] / float64(n), n
}
