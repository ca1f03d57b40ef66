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

package hashbuild

import (
	"sync"
	"sync/atomic"

	"github.com/osmiumdb/osmium/pkg/sql/colexec/hashmap_util"
	"github.com/osmiumdb/osmium/pkg/sql/colexec/spill"
	"github.com/osmiumdb/osmium/pkg/sql/plan"
	"github.com/osmiumdb/osmium/pkg/vm"
	"github.com/osmiumdb/osmium/pkg/vm/message"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

const (
	ReceiveBatches = iota
	WaitForPeers
	BuildHashMap
	SendJoinMap
	SendSucceed
)

type container struct {
	state int

	hashmapBuilder hashmap_util.HashmapBuilder
	spiller        *spill.Spiller
	spilled        []message.SpilledPartition

	// inReclaimableSection is clear during the peer barrier and the
	// table build; the arbitrator sees zero reclaimable bytes then
	inReclaimableSection atomic.Bool
}

// SharedBuild is the rendezvous of the sibling build drivers of one join.
// The last driver through Arrive becomes the leader and publishes for all.
type SharedBuild struct {
	mu       sync.Mutex
	total    int
	arrived  int
	builders []*hashmap_util.HashmapBuilder
	spilled  [][]message.SpilledPartition

	done     chan struct{}
	leaderErr error
}

func NewSharedBuild(drivers int) *SharedBuild {
	return &SharedBuild{total: drivers, done: make(chan struct{})}
}

// Arrive registers a finished driver's container; the returned flag marks
// the caller as leader, idx its slot in the shared state.
func (sb *SharedBuild) Arrive(hb *hashmap_util.HashmapBuilder, spilled []message.SpilledPartition) (leader bool, idx int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.builders = append(sb.builders, hb)
	sb.spilled = append(sb.spilled, spilled)
	sb.arrived++
	return sb.arrived == sb.total, sb.arrived - 1
}

// SetSpilled refreshes one driver's spilled set after the leader's
// alignment pass added partitions through that driver's spiller.
func (sb *SharedBuild) SetSpilled(idx int, spilled []message.SpilledPartition) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.spilled[idx] = spilled
}

// Finish releases the waiting peers, recording the leader's verdict.
func (sb *SharedBuild) Finish(err error) {
	sb.mu.Lock()
	sb.leaderErr = err
	sb.mu.Unlock()
	close(sb.done)
}

// HashBuild is the per-driver build operator. It accumulates input into its
// row container, then joins the peer barrier; the leader constructs the
// table over every container and publishes through the join bridge.
type HashBuild struct {
	vm.OperatorBase

	Node          *plan.JoinNode
	NeedHashMap   bool
	JoinMapTag    int32
	JoinMapRefCnt int32

	Shared *SharedBuild

	// TotalSpillBytes is the query-global spill budget counter, injected
	// so tests can sandbox it.
	TotalSpillBytes *atomic.Int64

	// SpillHook, when set, forces a spill after a batch lands once the
	// container holds the given row count; tests inject spill schedules
	// through it.
	SpillHook func(rowCount int) bool

	OpAnalyzer *process.Analyzer

	isLeader  bool
	sharedIdx int
	arbID     int64
	proc      *process.Process

	ctr container
}
