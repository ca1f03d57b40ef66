// Copyright 2021 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mpool

import (
	"sync"
	"sync/atomic"

	"github.com/osmiumdb/osmium/pkg/common/moerr"
)

const (
	MB = 1 << 20
	GB = 1 << 30

	// NoFixed means the pool has no cap.
	NoFixed int64 = 0
)

// MPool is the accounted allocator every vector and batch charges against.
// The arbitrator reads CurrNB to decide who to reclaim from, so all
// allocations on the join path must go through a pool.
type MPool struct {
	name string
	cap  int64

	currNB  atomic.Int64
	highNB  atomic.Int64
	allocs  atomic.Int64
	aborted atomic.Pointer[abortState]
}

type abortState struct {
	err error
}

var (
	globalMu    sync.Mutex
	globalPools = map[string]*MPool{}
)

// NewMPool creates a named pool. cap == NoFixed means unlimited.
func NewMPool(name string, cap int64) (*MPool, error) {
	if name == "" {
		return nil, moerr.NewInvalidInput("mpool name cannot be empty")
	}
	mp := &MPool{name: name, cap: cap}
	globalMu.Lock()
	globalPools[name] = mp
	globalMu.Unlock()
	return mp, nil
}

// MustNewZero returns an uncapped pool for tests and tools.
func MustNewZero(name string) *MPool {
	mp, err := NewMPool(name, NoFixed)
	if err != nil {
		panic(err)
	}
	return mp
}

func (mp *MPool) Name() string {
	return mp.name
}

func (mp *MPool) Cap() int64 {
	return mp.cap
}

// CurrNB returns the number of bytes currently allocated.
func (mp *MPool) CurrNB() int64 {
	return mp.currNB.Load()
}

// HighWaterMark returns the peak allocation of the pool.
func (mp *MPool) HighWaterMark() int64 {
	return mp.highNB.Load()
}

// Reserve charges sz bytes against the pool without handing out a buffer.
// Spill paths reserve before serializing so the spill itself cannot fail on
// allocation. Release with Relax.
func (mp *MPool) Reserve(sz int64) error {
	return mp.charge(sz)
}

// Relax returns a reservation made by Reserve.
func (mp *MPool) Relax(sz int64) {
	mp.currNB.Add(-sz)
}

func (mp *MPool) charge(sz int64) error {
	if st := mp.aborted.Load(); st != nil {
		return st.err
	}
	nb := mp.currNB.Add(sz)
	if mp.cap != NoFixed && nb > mp.cap {
		mp.currNB.Add(-sz)
		return moerr.NewOOMf("mpool %s: cap %d, in use %d, requested %d",
			mp.name, mp.cap, nb-sz, sz)
	}
	for {
		high := mp.highNB.Load()
		if nb <= high || mp.highNB.CompareAndSwap(high, nb) {
			break
		}
	}
	return nil
}

// Alloc returns a zeroed buffer of sz bytes charged to the pool.
func (mp *MPool) Alloc(sz int) ([]byte, error) {
	if sz < 0 {
		return nil, moerr.NewInvalidInputf("mpool alloc of negative size %d", sz)
	}
	if sz == 0 {
		return nil, nil
	}
	if err := mp.charge(int64(sz)); err != nil {
		return nil, err
	}
	mp.allocs.Add(1)
	return make([]byte, sz), nil
}

// Free returns buf's bytes to the pool accounting. buf must have come from
// Alloc or Grow on the same pool.
func (mp *MPool) Free(buf []byte) {
	if buf == nil {
		return
	}
	mp.currNB.Add(-int64(cap(buf)))
}

// Grow reallocates old to at least sz bytes, keeping its contents.
func (mp *MPool) Grow(old []byte, sz int) ([]byte, error) {
	if sz <= cap(old) {
		return old[:sz], nil
	}
	buf, err := mp.Alloc(sz)
	if err != nil {
		return nil, err
	}
	copy(buf, old)
	mp.Free(old)
	return buf, nil
}

// Abort poisons the pool. Every subsequent charge fails with err; operators
// observe the failure at their next allocation and unwind.
func (mp *MPool) Abort(err error) {
	if err == nil {
		err = moerr.NewQueryInterrupted()
	}
	mp.aborted.CompareAndSwap(nil, &abortState{err: err})
}

// AbortErr returns the poisoning error, or nil when the pool is healthy.
func (mp *MPool) AbortErr() error {
	if st := mp.aborted.Load(); st != nil {
		return st.err
	}
	return nil
}

// DeleteMPool removes the pool from the global registry.
func DeleteMPool(mp *MPool) {
	if mp == nil {
		return
	}
	globalMu.Lock()
	delete(globalPools, mp.name)
	globalMu.Unlock()
}
