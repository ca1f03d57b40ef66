// Copyright 2023 Matrix Origin
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

package process

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/osmiumdb/osmium/pkg/logutil"
)

// Reclaimer is an operator the arbitrator can ask to give memory back,
// normally by spilling. ReclaimableBytes must return 0 whenever the
// operator is in a non-reclaimable section (peer barrier, parallel table
// build).
type Reclaimer interface {
	ReclaimerName() string
	ReclaimableBytes() int64
	Reclaim(target int64) (int64, error)
}

type reclaimEntry struct {
	reclaimer     Reclaimer
	inArbitration atomic.Bool
}

// Arbitrator coordinates cooperative memory reclamation across the
// operators of one query. A reclaim call entering an operator already in
// arbitration is rejected to prevent deadlock.
type Arbitrator struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*reclaimEntry

	nonReclaimableAttempts atomic.Int64
	reclaimedBytes         atomic.Int64
}

func NewArbitrator() *Arbitrator {
	return &Arbitrator{entries: make(map[int64]*reclaimEntry)}
}

func (a *Arbitrator) Register(r Reclaimer) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.entries[a.nextID] = &reclaimEntry{reclaimer: r}
	return a.nextID
}

func (a *Arbitrator) Unregister(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, id)
}

// NonReclaimableAttempts counts reclaim requests that found the target
// operator unreclaimable.
func (a *Arbitrator) NonReclaimableAttempts() int64 {
	return a.nonReclaimableAttempts.Load()
}

func (a *Arbitrator) ReclaimedBytes() int64 {
	return a.reclaimedBytes.Load()
}

// ReclaimMemory asks registered reclaimers for target bytes in total,
// largest holders first would be a refinement; registration order is used
// here. Returns the bytes actually freed.
func (a *Arbitrator) ReclaimMemory(target int64) int64 {
	a.mu.Lock()
	ids := make([]int64, 0, len(a.entries))
	for id := range a.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	entries := make([]*reclaimEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, a.entries[id])
	}
	a.mu.Unlock()

	var freed int64
	for _, e := range entries {
		if freed >= target {
			break
		}
		if !e.inArbitration.CompareAndSwap(false, true) {
			// re-entrant reclaim on a driver already arbitrating
			a.nonReclaimableAttempts.Add(1)
			continue
		}
		reclaimable := e.reclaimer.ReclaimableBytes()
		if reclaimable <= 0 {
			a.nonReclaimableAttempts.Add(1)
			e.inArbitration.Store(false)
			continue
		}
		got, err := e.reclaimer.Reclaim(target - freed)
		e.inArbitration.Store(false)
		if err != nil {
			logutil.Error("reclaim failed",
				zap.String("operator", e.reclaimer.ReclaimerName()),
				zap.Error(err))
			continue
		}
		freed += got
	}
	a.reclaimedBytes.Add(freed)
	return freed
}
