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

package hashjoin

import (
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"

	"github.com/osmiumdb/osmium/pkg/common/hashmap"
	"github.com/osmiumdb/osmium/pkg/container/batch"
	"github.com/osmiumdb/osmium/pkg/sql/colexec"
	"github.com/osmiumdb/osmium/pkg/sql/colexec/spill"
	"github.com/osmiumdb/osmium/pkg/sql/plan"
	"github.com/osmiumdb/osmium/pkg/vm"
	"github.com/osmiumdb/osmium/pkg/vm/message"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

const (
	ReceiveJoinMap = iota
	Probe
	EmitBuildRows
	ProcessSpill
	End
)

// SharedProbe coordinates the sibling probe drivers of one join: which
// build rows matched, who processes which spilled partition pair, and who
// is the last driver standing (it emits the build-side tail).
type SharedProbe struct {
	mu      sync.Mutex
	total   int
	arrived int

	matched       *roaring.Bitmap
	probeNullSeen bool

	nextSpillPair   int32
	filterPublished bool
}

func NewSharedProbe(drivers int) *SharedProbe {
	return &SharedProbe{total: drivers, matched: roaring.New()}
}

// MarkMatched records matched build row ids.
func (sp *SharedProbe) MarkMatched(sels []int64) {
	sp.mu.Lock()
	for _, sel := range sels {
		sp.matched.Add(uint32(sel))
	}
	sp.mu.Unlock()
}

func (sp *SharedProbe) MarkProbeNull() {
	sp.mu.Lock()
	sp.probeNullSeen = true
	sp.mu.Unlock()
}

func (sp *SharedProbe) ProbeNullSeen() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.probeNullSeen
}

func (sp *SharedProbe) Matched(sel int64) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.matched.Contains(uint32(sel))
}

// Arrive reports whether the caller is the last probe driver to finish its
// input stream.
func (sp *SharedProbe) Arrive() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.arrived++
	return sp.arrived == sp.total
}

// ClaimFilterPublication lets exactly one probe driver publish the dynamic
// filter.
func (sp *SharedProbe) ClaimFilterPublication() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.filterPublished {
		return false
	}
	sp.filterPublished = true
	return true
}

// ClaimSpillPair hands out spilled partition pair indexes, one at a time,
// across drivers.
func (sp *SharedProbe) ClaimSpillPair(total int) (int, bool) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if int(sp.nextSpillPair) >= total {
		return 0, false
	}
	idx := int(sp.nextSpillPair)
	sp.nextSpillPair++
	return idx, true
}

// spillPair is one build/probe partition pair awaiting recursive
// processing.
type spillPair struct {
	level      int32
	buildFiles []string
	probeFiles []string
	buildRows  int64
}

type container struct {
	state int

	jm           *message.JoinMap
	spilledParts []message.SpilledPartition
	spilledSet   map[int32]bool

	inbat   *batch.Batch
	lastRow int
	itr     hashmap.Iterator

	rbat     *batch.Batch
	joinBat1 *batch.Batch
	joinBat2 *batch.Batch

	// emitCursor walks the build container during EmitBuildRows
	emitCursor int64

	// probe-side spiller mirroring the build-side partitions
	spiller *spill.Spiller

	// pending is the fixed top-level pair list every driver derives from
	// the bridge's spilled partitions; localPending holds pairs this
	// driver pushed a level deeper
	pending      []spillPair
	localPending []spillPair

	// an output run spilled mid-emission, drained before emitting more
	outSpillFiles     []string
	outReader         *spill.PartitionReader
	outSpillRequested atomic.Bool

	// local pair state during ProcessSpill
	pairJM          *message.JoinMap
	pairItr         hashmap.Iterator
	pairLocal       *localMatched
	pairProbeReader *spill.PartitionReader
	pairEmitCursor  int64
	pairFiles       []string

	fullMatchedScratch []int64

	inReclaimableSection atomic.Bool
	exec                 *exprState
}

// HashJoin is the per-driver probe operator: a tagged-variant dispatcher
// over every hash join shape the planner emits.
type HashJoin struct {
	vm.OperatorBase

	Node       *plan.JoinNode
	JoinMapTag int32

	Shared *SharedProbe

	// TotalSpillBytes shares the query-global spill budget with the build
	// side.
	TotalSpillBytes *atomic.Int64

	// SpillHook, when set, forces a partition pair at the given level to
	// re-spill one level deeper; tests use it to drive the recursion.
	SpillHook func(level int32) bool

	OpAnalyzer *process.Analyzer

	arbID      int64
	proc       *process.Process
	passThrough bool

	ctr container
}

const defaultProbeBatchRows = colexec.DefaultBatchSize
