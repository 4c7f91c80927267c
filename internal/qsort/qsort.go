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

// Package qsort provides in-place quickselect/quicksort over float32 slices,
// used throughout the gray and robust-statistics packages to find medians
// and quantiles of residual arrays without allocating a full sort library
// dependency for a handful of call sites.
package qsort

// Sort an array of float32 in ascending order.
// Array must not contain IEEE NaN.
func SortFloat32(a []float32) {
	if len(a) > 1 {
		index := partitionFloat32(a)
		SortFloat32(a[:index+1])
		SortFloat32(a[index+1:])
	}
}

// Partitions an array of float32 with the middle pivot element, and returns the pivot index.
// Values less than the pivot are moved left of the pivot, those greater are moved right.
// Array must not contain IEEE NaN.
func partitionFloat32(a []float32) int {
	left, right := 0, len(a)-1
	mid := (left + right) >> 1
	pivot := a[mid]
	l := left - 1
	r := right + 1
	for {
		for {
			l++
			if a[l] >= pivot {
				break
			}
		}
		for {
			r--
			if a[r] <= pivot {
				break
			}
		}
		if l >= r {
			return r
		}
		a[l], a[r] = a[r], a[l]
	}
}

// SelectFirstQuartileFloat32 selects the first quartile of a, partially reordering it.
// Array must not contain IEEE NaN.
func SelectFirstQuartileFloat32(a []float32) float32 {
	return SelectFloat32(a, (len(a)>>2)+1)
}

// SelectMedianFloat32 selects the median of a, partially reordering it.
// Array must not contain IEEE NaN.
func SelectMedianFloat32(a []float32) float32 {
	return SelectFloat32(a, (len(a)>>1)+1)
}

// SelectFloat32 selects the kth lowest element (1-indexed) from a, partially reordering it.
// Array must not contain IEEE NaN.
func SelectFloat32(a []float32, k int) float32 {
	left, right := 0, len(a)-1
	for left < right {
		mid := (left + right) >> 1
		pivot := a[mid]
		l, r := left-1, right+1
		for {
			for {
				l++
				if a[l] >= pivot {
					break
				}
			}
			for {
				r--
				if a[r] <= pivot {
					break
				}
			}
			if l >= r {
				break
			}
			a[l], a[r] = a[r], a[l]
		}
		index := r

		offset := index - left + 1
		if k <= offset {
			right = index
		} else {
			left = index + 1
			k = k - offset
		}
	}
	return a[left]
}
