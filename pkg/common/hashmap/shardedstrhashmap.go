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

package hashmap

import (
	"github.com/osmiumdb/osmium/pkg/common/moerr"
	"github.com/osmiumdb/osmium/pkg/container/hashtable"
	"github.com/osmiumdb/osmium/pkg/container/vector"
)

// ShardedStrHashMap is the general-mode table the parallel build
// constructs. Rows are partitioned by a prefix of their key hash state and
// every partition is its own sub-table, so build workers insert into
// disjoint slots with no coordination. Seal resolves the partitions'
// shard-local group ids into one global id space; the map is read-only
// afterwards.
//
// The shard prefix comes from the high bits of the second hash state word,
// keeping it independent of the spill partitioning window, which consumes
// low bits of the first word.
type ShardedStrHashMap struct {
	hasNull   bool
	shardBits uint8
	rows      uint64
	sealed    bool

	shards []*hashtable.StringHashMap
	bases  []uint64
}

func NewShardedStrHashMap(hasNull bool, shardBits uint8) *ShardedStrHashMap {
	n := 1 << shardBits
	m := &ShardedStrHashMap{
		hasNull:   hasNull,
		shardBits: shardBits,
		shards:    make([]*hashtable.StringHashMap, n),
	}
	for i := range m.shards {
		ht := &hashtable.StringHashMap{}
		ht.Init()
		m.shards[i] = ht
	}
	return m
}

func (m *ShardedStrHashMap) HasNull() bool {
	return m.hasNull
}

func (m *ShardedStrHashMap) NumShards() int {
	return len(m.shards)
}

// ShardOf routes a key hash state to its partition. Equal keys always
// serialize to the same state, so they always land in the same shard.
func (m *ShardedStrHashMap) ShardOf(state [2]uint64) int {
	return int(state[1] >> (64 - uint(m.shardBits)))
}

// InsertShardBatch inserts pre-serialized keys into one shard, writing the
// shard-local group ids (starting at 1) into values. Rows whose zs entry
// is 0 are skipped when the map is not null-aware. Only the worker owning
// the shard may call this, and only before Seal.
func (m *ShardedStrHashMap) InsertShardBatch(shard int, states [][2]uint64, keys [][]byte, zs []int64, values []uint64) {
	if m.hasNull {
		m.shards[shard].InsertStringBatch(states, keys, values)
	} else {
		m.shards[shard].InsertStringBatchWithRing(zs, states, keys, values)
	}
}

// Seal ends the build: every shard's id range is stacked onto the previous
// one, resolving the partitions into one global group id space. This is
// the merge step of the parallel build.
func (m *ShardedStrHashMap) Seal() {
	m.bases = make([]uint64, len(m.shards))
	var total uint64
	for i, ht := range m.shards {
		m.bases[i] = total
		total += ht.Cardinality()
	}
	m.rows = total
	m.sealed = true
}

// GlobalID maps a shard-local group id to its global id. Valid after Seal.
func (m *ShardedStrHashMap) GlobalID(shard int, local uint64) uint64 {
	if local == 0 {
		return 0
	}
	return m.bases[shard] + local
}

func (m *ShardedStrHashMap) GroupCount() uint64 {
	return m.rows
}

func (m *ShardedStrHashMap) Size() int64 {
	var sz int64
	for _, ht := range m.shards {
		sz += ht.Size()
	}
	return sz
}

func (m *ShardedStrHashMap) Free() {
	m.shards = nil
	m.bases = nil
}

func (m *ShardedStrHashMap) NewIterator() Iterator {
	return &shardedStrHashMapIterator{
		mp:      m,
		keys:    make([][]byte, UnitLimit),
		states:  make([][2]uint64, UnitLimit),
		values:  make([]uint64, UnitLimit),
		zValues: make([]int64, UnitLimit),

		shardKeys:   make([][]byte, UnitLimit),
		shardStates: make([][2]uint64, UnitLimit),
		shardVals:   make([]uint64, UnitLimit),
		shardIdx:    make([]int, UnitLimit),
	}
}

type shardedStrHashMapIterator struct {
	mp *ShardedStrHashMap

	keys    [][]byte
	states  [][2]uint64
	values  []uint64
	zValues []int64

	shardKeys   [][]byte
	shardStates [][2]uint64
	shardVals   []uint64
	shardIdx    []int
}

// Insert is not supported: the sharded table is built through
// InsertShardBatch and sealed before any iterator touches it.
func (it *shardedStrHashMapIterator) Insert(int, int, []*vector.Vector) ([]uint64, []int64, error) {
	return nil, nil, moerr.NewInternalError("sharded hash table is sealed, insert through its shards")
}

// Find serializes the keys, routes every row to its shard, and resolves
// shard-local hits to global group ids.
func (it *shardedStrHashMapIterator) Find(start, count int, vecs []*vector.Vector) ([]uint64, []int64) {
	m := it.mp
	SerializeKeys(vecs, start, count, m.hasNull, it.keys[:count], it.zValues[:count])
	hashtable.BytesBatchGenHashStates(it.keys[:count], it.states[:count], count)

	for s := 0; s < len(m.shards); s++ {
		n := 0
		for i := 0; i < count; i++ {
			if m.ShardOf(it.states[i]) != s {
				continue
			}
			it.shardKeys[n] = it.keys[i]
			it.shardIdx[n] = i
			n++
		}
		if n == 0 {
			continue
		}
		m.shards[s].FindStringBatch(it.shardStates[:n], it.shardKeys[:n], it.shardVals[:n])
		for k := 0; k < n; k++ {
			it.values[it.shardIdx[k]] = m.GlobalID(s, it.shardVals[k])
		}
	}
	if !m.hasNull {
		for i := 0; i < count; i++ {
			if it.zValues[i] == 0 {
				it.values[i] = 0
			}
		}
	}
	return it.values[:count], it.zValues[:count]
}
