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

package qsort

import (
	"testing"

	"github.com/valyala/fastrand"
)

// permutation returns a shuffled copy of 1..n.
func permutation(n int, rng *fastrand.RNG) []float32 {
	arr := make([]float32, n)
	for j := range arr {
		arr[j] = float32(j + 1)
	}
	for j := range arr {
		k := rng.Uint32n(uint32(n))
		arr[j], arr[k] = arr[k], arr[j]
	}
	return arr
}

func TestSelectMedian(t *testing.T) {
	rng := fastrand.RNG{}
	for n := 1; n < 500; n++ {
		arr := permutation(n, &rng)
		// Median convention: element (n>>1)+1 in sorted order, i.e. the
		// upper middle element for even n.
		want := float32((n >> 1) + 1)
		if got := SelectMedianFloat32(arr); got != want {
			t.Fatalf("median of shuffled 1..%d = %v, want %v", n, got, want)
		}
	}
}

func TestSelectKth(t *testing.T) {
	rng := fastrand.RNG{}
	for n := 1; n <= 64; n++ {
		for k := 1; k <= n; k++ {
			arr := permutation(n, &rng)
			if got := SelectFloat32(arr, k); got != float32(k) {
				t.Fatalf("k=%d of shuffled 1..%d = %v, want %v", k, n, got, float32(k))
			}
		}
	}
}

func TestSelectFirstQuartile(t *testing.T) {
	rng := fastrand.RNG{}
	arr := permutation(100, &rng)
	if got, want := SelectFirstQuartileFloat32(arr), float32(26); got != want {
		t.Fatalf("first quartile of shuffled 1..100 = %v, want %v", got, want)
	}
}

func TestSortFloat32(t *testing.T) {
	rng := fastrand.RNG{}
	for _, n := range []int{1, 2, 3, 17, 256} {
		arr := permutation(n, &rng)
		SortFloat32(arr)
		for j := range arr {
			if arr[j] != float32(j+1) {
				t.Fatalf("n=%d: sorted[%d] = %v, want %v", n, j, arr[j], float32(j+1))
			}
		}
	}
}
