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

// Package arraypool is the process-wide registry of large numeric arrays
// that the fit campaign shares across worker goroutines. Every array is
// addressed through an opaque Handle, never a raw slice, so ownership stays
// centralized: a worker asks the pool for a view, mutates it in place, and
// the pool's per-handle mutex is only taken when two workers might write to
// overlapping regions of the same logical array.
package arraypool

import (
	"fmt"
	"sync"
)

// Handle is an opaque, process-wide identifier for a shared array.
// Handles are stable for the lifetime of a fit campaign; views obtained
// through Float64/Float32/Int32 must not be retained past Free.
type Handle uint64

type entry struct {
	mu   sync.Mutex
	kind string
	f32  []float32
	f64  []float64
	i32  []int32
}

// Pool owns every shared array for one fit campaign.
type Pool struct {
	mu      sync.Mutex
	next    Handle
	entries map[Handle]*entry
}

// New returns an empty pool, scoped to a single fit campaign.
func New() *Pool {
	return &Pool{entries: make(map[Handle]*entry)}
}

func (p *Pool) alloc(kind string) (Handle, *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	h := p.next
	e := &entry{kind: kind}
	p.entries[h] = e
	return h, e
}

func (p *Pool) lookup(h Handle) *entry {
	p.mu.Lock()
	e := p.entries[h]
	p.mu.Unlock()
	if e == nil {
		panic(fmt.Sprintf("arraypool: unknown handle %d", h))
	}
	return e
}

// CreateFloat64 allocates a float64 array of the given length, filled with
// fillValue, and returns its handle. Used for objMagStdMean-shaped arrays
// that default to the 99.0 sentinel rather than zero.
func (p *Pool) CreateFloat64(length int, fillValue float64) Handle {
	h, e := p.alloc("f64")
	e.f64 = make([]float64, length)
	if fillValue != 0 {
		for i := range e.f64 {
			e.f64[i] = fillValue
		}
	}
	return h
}

// CreateFloat32 allocates a float32 array of the given length.
func (p *Pool) CreateFloat32(length int) Handle {
	h, e := p.alloc("f32")
	e.f32 = make([]float32, length)
	return h
}

// CreateLock allocates a handle with no backing storage, purely to obtain
// an advisory mutex — used when several workers commit into a group of
// arrays that needs a single visibility barrier, e.g. the per-(star,band)
// sum arrays committed together in Phase A.
func (p *Pool) CreateLock() Handle {
	h, _ := p.alloc("lock")
	return h
}

// CreateInt32 allocates an int32 array of the given length, filled with fillValue.
func (p *Pool) CreateInt32(length int, fillValue int32) Handle {
	h, e := p.alloc("i32")
	e.i32 = make([]int32, length)
	if fillValue != 0 {
		for i := range e.i32 {
			e.i32[i] = fillValue
		}
	}
	return h
}

// Float64 returns the mutable backing slice for a float64 handle.
func (p *Pool) Float64(h Handle) []float64 {
	e := p.lookup(h)
	if e.kind != "f64" {
		panic(fmt.Sprintf("arraypool: handle %d is not float64", h))
	}
	return e.f64
}

// Float32 returns the mutable backing slice for a float32 handle.
func (p *Pool) Float32(h Handle) []float32 {
	e := p.lookup(h)
	if e.kind != "f32" {
		panic(fmt.Sprintf("arraypool: handle %d is not float32", h))
	}
	return e.f32
}

// Int32 returns the mutable backing slice for an int32 handle.
func (p *Pool) Int32(h Handle) []int32 {
	e := p.lookup(h)
	if e.kind != "i32" {
		panic(fmt.Sprintf("arraypool: handle %d is not int32", h))
	}
	return e.i32
}

// Lock acquires the advisory mutex for handle h and returns an unlock
// closure. Only needed when workers accumulate into non-disjoint regions
// of the same array (e.g. committing per-(star,band) mean magnitudes from
// several worker slices); per-worker partial-sum arrays never need this.
func (p *Pool) Lock(h Handle) func() {
	e := p.lookup(h)
	e.mu.Lock()
	return e.mu.Unlock
}

// Free releases a handle. Views obtained before Free must not be used
// afterwards.
func (p *Pool) Free(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, h)
}
