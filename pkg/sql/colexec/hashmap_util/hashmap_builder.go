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

package hashmap_util

import (
	"math"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/osmiumdb/osmium/pkg/common/hashmap"
	"github.com/osmiumdb/osmium/pkg/common/moerr"
	"github.com/osmiumdb/osmium/pkg/container/batch"
	"github.com/osmiumdb/osmium/pkg/container/hashtable"
	"github.com/osmiumdb/osmium/pkg/container/types"
	"github.com/osmiumdb/osmium/pkg/container/vector"
	"github.com/osmiumdb/osmium/pkg/sql/colexec"
	"github.com/osmiumdb/osmium/pkg/util/metric"
	"github.com/osmiumdb/osmium/pkg/vm/message"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

const (
	// array mode engages when the key range is at most this wide
	maxArrayModeRange = 1 << 20
	// and at least a quarter dense relative to the row count
	arrayModeDensityFactor = 4

	// the parallel build partitions rows by hash prefix into one shard
	// per worker
	parallelBuildShardBits = 2
	parallelBuildWorkers   = 1 << parallelBuildShardBits
)

// HashmapBuilder turns one or more row containers into a join map. It
// decides the table representation once, after all input has arrived, from
// the observed key statistics.
type HashmapBuilder struct {
	Batches            Batches
	InputBatchRowCount int

	keyCols   []int32
	keyTypes  []types.Type
	nullAware bool

	mode message.TableMode
	m    hashmap.JoinHashMap

	multiSels [][]int64
	stats     []message.KeyColumnStats

	keyScratch [hashmap.UnitLimit]*vector.Vector
}

func (hb *HashmapBuilder) Prepare(keyCols []int32, keyTypes []types.Type, nullAware bool) error {
	if len(keyCols) == 0 {
		return moerr.NewInternalError("hashmap builder needs key columns")
	}
	hb.keyCols = keyCols
	hb.keyTypes = keyTypes
	hb.nullAware = nullAware
	hb.stats = make([]message.KeyColumnStats, len(keyCols))
	return nil
}

func (hb *HashmapBuilder) Mode() message.TableMode {
	return hb.mode
}

func (hb *HashmapBuilder) Stats() []message.KeyColumnStats {
	return hb.stats
}

func (hb *HashmapBuilder) GetSize() int64 {
	var sz int64
	if hb.m != nil {
		sz = hb.m.Size()
	}
	return sz + hb.Batches.Size()
}

func (hb *HashmapBuilder) GetGroupCount() uint64 {
	if hb.m == nil {
		return 0
	}
	return hb.m.GroupCount()
}

func (hb *HashmapBuilder) keyVecs(bat *batch.Batch) []*vector.Vector {
	vecs := hb.keyScratch[:len(hb.keyCols)]
	for i, c := range hb.keyCols {
		vecs[i] = bat.Vecs[c]
	}
	return vecs
}

// collectKeyStats walks all rows once: null counts per key column, and the
// value range of a single integer key.
func (hb *HashmapBuilder) collectKeyStats() {
	for i := range hb.stats {
		hb.stats[i] = message.KeyColumnStats{Min: math.MaxInt64, Max: math.MinInt64}
	}
	singleIntKey := len(hb.keyCols) == 1 && hb.keyTypes[0].IsInteger()
	for _, bat := range hb.Batches.Buf {
		for i, c := range hb.keyCols {
			vec := bat.Vecs[c]
			hb.stats[i].NullCount += int64(vec.GetNulls().Count())
			if singleIntKey && i == 0 {
				for row := 0; row < bat.RowCount(); row++ {
					if vec.IsNull(uint64(row)) {
						continue
					}
					k := hashmap.IntKeyAt(vec, row)
					if k < hb.stats[0].Min {
						hb.stats[0].Min = k
					}
					if k > hb.stats[0].Max {
						hb.stats[0].Max = k
					}
				}
			}
		}
	}
	if singleIntKey && hb.stats[0].Max >= hb.stats[0].Min {
		hb.stats[0].HasRange = true
	}
}

// decideMode picks the representation: a dense single integer key indexes
// an array directly; short fixed keys pack into 64 bits; everything else,
// including float keys and null-aware nullable keys, takes the general
// table.
func (hb *HashmapBuilder) decideMode() message.TableMode {
	if !hb.nullAware && hb.stats[0].HasRange && hb.stats[0].NullCount == 0 {
		spread := hb.stats[0].Max - hb.stats[0].Min + 1
		if spread > 0 && spread <= maxArrayModeRange &&
			spread <= int64(hb.Batches.RowCount())*arrayModeDensityFactor {
			return message.ModeArray
		}
	}
	if hb.nullAware {
		return message.ModeHash
	}
	for _, t := range hb.keyTypes {
		if t.IsFloat() {
			return message.ModeHash
		}
	}
	if w := hashmap.TotalPackedWidth(hb.keyTypes, hb.nullAware); w > 0 && w <= 8 {
		return message.ModeNormalizedKey
	}
	return message.ModeHash
}

// BuildHashmap constructs the table over every row currently in the
// container. parallelMinRows gates the parallel path; fromDrivers is the
// number of sibling containers merged into this one.
func (hb *HashmapBuilder) BuildHashmap(parallelMinRows int, fromDrivers int, proc *process.Process) error {
	if hb.Batches.RowCount() == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		metric.HashTableBuildDuration.Observe(time.Since(start).Seconds())
	}()

	hb.collectKeyStats()
	hb.mode = hb.decideMode()

	var err error
	switch hb.mode {
	case message.ModeArray:
		ahm := hashmap.NewArrayHashMap(hb.stats[0].Min, hb.stats[0].Max)
		hb.m = ahm
		err = hb.insertAll(ahm.NewIterator(), proc)
	case message.ModeNormalizedKey:
		ihm := hashmap.NewIntHashMap(hb.nullAware)
		hb.m = ihm
		err = hb.insertAll(ihm.NewIterator(), proc)
	default:
		if fromDrivers > 1 && hb.Batches.RowCount() >= parallelMinRows {
			err = hb.parallelInsertAll(proc)
		} else {
			shm := hashmap.NewStrHashMap(hb.nullAware)
			hb.m = shm
			err = hb.insertAll(shm.NewIterator(), proc)
		}
	}
	if err != nil {
		return err
	}

	hb.stats[0].DistinctCount = hb.GetGroupCount()
	return nil
}

// insertAll feeds every container row through the iterator, recording each
// group's row ids.
func (hb *HashmapBuilder) insertAll(itr hashmap.Iterator, proc *process.Process) error {
	for batIdx, bat := range hb.Batches.Buf {
		vecs := hb.keyVecs(bat)
		count := bat.RowCount()
		for start := 0; start < count; start += hashmap.UnitLimit {
			if err := proc.Ctx.Err(); err != nil {
				return moerr.NewQueryInterrupted()
			}
			n := count - start
			if n > hashmap.UnitLimit {
				n = hashmap.UnitLimit
			}
			vals, zvals, err := itr.Insert(start, n, vecs)
			if err != nil {
				return err
			}
			hb.recordSels(vals, zvals, batIdx, start, n)
		}
	}
	return nil
}

func (hb *HashmapBuilder) recordSels(vals []uint64, zvals []int64, batIdx, start, n int) {
	for k := 0; k < n; k++ {
		if zvals[k] == 0 || vals[k] == 0 {
			continue
		}
		g := vals[k]
		for uint64(len(hb.multiSels)) < g {
			hb.multiSels = append(hb.multiSels, nil)
		}
		sel := int64(batIdx*colexec.DefaultBatchSize + start + k)
		hb.multiSels[g-1] = append(hb.multiSels[g-1], sel)
	}
}

// serializedUnit is one UnitLimit window of rows in flight through the
// parallel build: serialized keys, hash states, the shard each row's hash
// prefix selects, and the shard-local group id the owning worker assigned.
// Every slab is owned by exactly one worker per phase.
type serializedUnit struct {
	batIdx int
	start  int
	n      int

	keys   [][]byte
	states [][2]uint64
	zs     []int64
	shards []uint8
	locals []uint64
}

// parallelInsertAll is the partitioned table build: rows are split by a
// prefix of their key hash across 1<<parallelBuildShardBits partitions,
// one worker per partition inserts its rows into its own sub-table with no
// overlap in output slots, and Seal merges the partitions' id ranges into
// one global group id space before the sels are recorded.
func (hb *HashmapBuilder) parallelInsertAll(proc *process.Process) error {
	sm := hashmap.NewShardedStrHashMap(hb.nullAware, parallelBuildShardBits)
	hb.m = sm

	units := make([]serializedUnit, 0, len(hb.Batches.Buf)*2)
	for batIdx, bat := range hb.Batches.Buf {
		count := bat.RowCount()
		for start := 0; start < count; start += hashmap.UnitLimit {
			n := count - start
			if n > hashmap.UnitLimit {
				n = hashmap.UnitLimit
			}
			units = append(units, serializedUnit{batIdx: batIdx, start: start, n: n})
		}
	}

	pool, err := ants.NewPool(parallelBuildWorkers)
	if err != nil {
		return moerr.NewInternalErrorf("create build pool: %v", err)
	}
	defer pool.Release()

	var firstErr error
	var errOnce sync.Once
	fail := func(err error) {
		errOnce.Do(func() { firstErr = err })
	}
	runWorkers := func(task func(w int)) error {
		var wg sync.WaitGroup
		for w := 0; w < parallelBuildWorkers; w++ {
			w := w
			wg.Add(1)
			if submitErr := pool.Submit(func() {
				defer wg.Done()
				task(w)
			}); submitErr != nil {
				wg.Done()
				fail(moerr.NewInternalErrorf("submit build worker: %v", submitErr))
			}
		}
		wg.Wait()
		return firstErr
	}

	// phase 1: serialize and hash disjoint unit stripes, assigning every
	// row to the partition its hash prefix selects
	if err := runWorkers(func(w int) {
		for u := w; u < len(units); u += parallelBuildWorkers {
			if proc.Ctx.Err() != nil {
				fail(moerr.NewQueryInterrupted())
				return
			}
			unit := &units[u]
			unit.keys = make([][]byte, unit.n)
			unit.states = make([][2]uint64, unit.n)
			unit.zs = make([]int64, unit.n)
			unit.shards = make([]uint8, unit.n)
			unit.locals = make([]uint64, unit.n)
			vecs := make([]*vector.Vector, len(hb.keyCols))
			for i, c := range hb.keyCols {
				vecs[i] = hb.Batches.Buf[unit.batIdx].Vecs[c]
			}
			hashmap.SerializeKeys(vecs, unit.start, unit.n, hb.nullAware, unit.keys, unit.zs)
			hashtable.BytesBatchGenHashStates(unit.keys, unit.states, unit.n)
			for i := 0; i < unit.n; i++ {
				unit.shards[i] = uint8(sm.ShardOf(unit.states[i]))
			}
		}
	}); err != nil {
		return err
	}

	// phase 2: one worker per partition scans every unit for its own rows
	// and inserts them into its sub-table; workers touch disjoint tables
	// and disjoint locals slots
	if err := runWorkers(func(w int) {
		keys := make([][]byte, hashmap.UnitLimit)
		states := make([][2]uint64, hashmap.UnitLimit)
		zs := make([]int64, hashmap.UnitLimit)
		vals := make([]uint64, hashmap.UnitLimit)
		idx := make([]int, hashmap.UnitLimit)
		for u := range units {
			if proc.Ctx.Err() != nil {
				fail(moerr.NewQueryInterrupted())
				return
			}
			unit := &units[u]
			n := 0
			for i := 0; i < unit.n; i++ {
				if int(unit.shards[i]) != w {
					continue
				}
				keys[n] = unit.keys[i]
				zs[n] = unit.zs[i]
				idx[n] = i
				n++
			}
			if n == 0 {
				continue
			}
			sm.InsertShardBatch(w, states[:n], keys[:n], zs[:n], vals[:n])
			for k := 0; k < n; k++ {
				unit.locals[idx[k]] = vals[k]
			}
		}
	}); err != nil {
		return err
	}

	// merge step: stack the partitions' id ranges into one global space,
	// then record every group's row ids in row order
	sm.Seal()
	for u := range units {
		unit := &units[u]
		for k := 0; k < unit.n; k++ {
			if unit.zs[k] == 0 || unit.locals[k] == 0 {
				continue
			}
			g := sm.GlobalID(int(unit.shards[k]), unit.locals[k])
			for uint64(len(hb.multiSels)) < g {
				hb.multiSels = append(hb.multiSels, nil)
			}
			sel := int64(unit.batIdx*colexec.DefaultBatchSize + unit.start + k)
			hb.multiSels[g-1] = append(hb.multiSels[g-1], sel)
		}
	}
	return nil
}

// NewJoinMap publishes the built table. The caller transfers ownership of
// the container's batches to the map.
func (hb *HashmapBuilder) NewJoinMap(proc *process.Process) *message.JoinMap {
	jm := message.NewJoinMap(hb.mode, hb.multiSels, hb.m, hb.Batches.Buf, proc.Mp())
	jm.SetRowCount(int64(hb.Batches.RowCount()))
	jm.SetStats(hb.stats)
	return jm
}

// Free drops everything the builder still owns; call on error paths where
// no join map took ownership.
func (hb *HashmapBuilder) Free(proc *process.Process) {
	if hb.m != nil {
		hb.m.Free()
		hb.m = nil
	}
	hb.multiSels = nil
	hb.Batches.Clean(proc)
}
