// Copyright 2022 Matrix Origin
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

package message

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/osmiumdb/osmium/pkg/common/hashmap"
	"github.com/osmiumdb/osmium/pkg/common/mpool"
	"github.com/osmiumdb/osmium/pkg/container/batch"
)

var _ Message = JoinMapMsg{}

// TableMode is the hash table representation the build side settled on.
type TableMode int8

const (
	ModeArray TableMode = iota
	ModeNormalizedKey
	ModeHash
)

func (m TableMode) String() string {
	switch m {
	case ModeArray:
		return "array"
	case ModeNormalizedKey:
		return "normalized-key"
	case ModeHash:
		return "hash"
	}
	return "unknown"
}

// KeyColumnStats is per-key-column build-side information the probe uses
// for short-circuits and dynamic filters.
type KeyColumnStats struct {
	NullCount     int64
	DistinctCount uint64
	// integer key range, valid when HasRange
	Min      int64
	Max      int64
	HasRange bool
}

// JoinMap is the published result of a build: the hash table, the row
// container it indexes, and per-key statistics. Shared read-only by every
// prober; freed on the last Free.
type JoinMap struct {
	valid  bool
	refCnt int64
	rowCnt int64
	mode   TableMode

	m hashmap.JoinHashMap

	// multiSels[g-1] lists the row ids of group g
	multiSels [][]int64
	batches   []*batch.Batch
	stats     []KeyColumnStats

	mp *mpool.MPool
}

func NewJoinMap(mode TableMode, sels [][]int64, m hashmap.JoinHashMap, batches []*batch.Batch, mp *mpool.MPool) *JoinMap {
	return &JoinMap{
		valid:     true,
		mode:      mode,
		m:         m,
		multiSels: sels,
		batches:   batches,
		mp:        mp,
	}
}

func (jm *JoinMap) Mode() TableMode {
	return jm.mode
}

func (jm *JoinMap) GetBatches() []*batch.Batch {
	if jm == nil {
		return nil
	}
	return jm.batches
}

func (jm *JoinMap) SetRowCount(cnt int64) {
	jm.rowCnt = cnt
}

func (jm *JoinMap) GetRowCount() int64 {
	if jm == nil {
		return 0
	}
	return jm.rowCnt
}

func (jm *JoinMap) SetStats(stats []KeyColumnStats) {
	jm.stats = stats
}

func (jm *JoinMap) Stats() []KeyColumnStats {
	return jm.stats
}

// HasNullKeys reports whether any build key column saw a null.
func (jm *JoinMap) HasNullKeys() bool {
	for i := range jm.stats {
		if jm.stats[i].NullCount > 0 {
			return true
		}
	}
	return false
}

func (jm *JoinMap) GroupCount() uint64 {
	if jm.m == nil {
		return 0
	}
	return jm.m.GroupCount()
}

// Sels returns the row ids of one group, stable across calls.
func (jm *JoinMap) Sels(group uint64) []int64 {
	return jm.multiSels[group-1]
}

func (jm *JoinMap) NewIterator() hashmap.Iterator {
	return jm.m.NewIterator()
}

func (jm *JoinMap) IncRef(cnt int32) {
	atomic.AddInt64(&jm.refCnt, int64(cnt))
}

func (jm *JoinMap) IsValid() bool {
	return jm.valid
}

func (jm *JoinMap) Size() int64 {
	var sz int64
	if jm.m != nil {
		sz += jm.m.Size()
	}
	for _, bat := range jm.batches {
		sz += int64(bat.Size())
	}
	return sz
}

func (jm *JoinMap) FreeMemory() {
	for i := range jm.multiSels {
		jm.multiSels[i] = nil
	}
	jm.multiSels = nil
	if jm.m != nil {
		jm.m.Free()
		jm.m = nil
	}
	for i := range jm.batches {
		jm.batches[i].Clean(jm.mp)
	}
	jm.batches = nil
	jm.valid = false
}

func (jm *JoinMap) Free() {
	if atomic.AddInt64(&jm.refCnt, -1) > 0 {
		return
	}
	jm.FreeMemory()
}

// SpilledPartition describes one build-side partition that went to disk
// instead of into the table.
type SpilledPartition struct {
	PartitionID int32
	Level       int32
	Rows        int64
	Files       []string
}

// JoinMapMsg is the join bridge payload: the table over the unspilled
// remainder plus the on-disk picture. JoinMapPtr may be nil when the build
// side was empty.
type JoinMapMsg struct {
	JoinMapPtr        *JoinMap
	SpilledPartitions []SpilledPartition
	Tag               int32
}

func (t JoinMapMsg) NeedBlock() bool {
	return true
}

func (t JoinMapMsg) GetMsgTag() int32 {
	return t.Tag
}

func (t JoinMapMsg) DebugString() string {
	s := "joinmap message, tag:" + strconv.Itoa(int(t.Tag))
	if t.JoinMapPtr != nil {
		s += ", rows " + strconv.FormatInt(t.JoinMapPtr.rowCnt, 10)
	}
	if n := len(t.SpilledPartitions); n > 0 {
		s += ", spilled partitions " + strconv.Itoa(n)
	}
	return s
}

// ReceiveJoinMap blocks until the build side publishes on tag; a nil map
// with nil error means the build side was empty. Cancellation while parked
// surfaces as a query-interrupted error, never as an empty build.
func ReceiveJoinMap(tag int32, mb *MessageBoard, ctx context.Context) (*JoinMap, []SpilledPartition, error) {
	msgReceiver := NewMessageReceiver([]int32{tag}, mb)
	msgs, _, err := msgReceiver.ReceiveMessage(true, ctx)
	if err != nil {
		return nil, nil, err
	}
	msg, ok := msgs[0].(JoinMapMsg)
	if !ok {
		panic("expect join map message, receive unknown message!")
	}
	jm := msg.JoinMapPtr
	if jm != nil && !jm.IsValid() {
		panic("join receive a joinmap which has been freed!")
	}
	return jm, msg.SpilledPartitions, nil
}

// FinalizeJoinMapMessage posts a nil map so probers do not hang when the
// build pipeline failed.
func FinalizeJoinMapMessage(mb *MessageBoard, tag int32, pipelineFailed bool, err error) {
	if pipelineFailed || err != nil {
		_ = SendMessage(JoinMapMsg{JoinMapPtr: nil, Tag: tag}, mb)
	}
}
