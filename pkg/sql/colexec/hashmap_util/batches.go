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
	"github.com/osmiumdb/osmium/pkg/container/batch"
	"github.com/osmiumdb/osmium/pkg/container/vector"
	"github.com/osmiumdb/osmium/pkg/sql/colexec"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

// Batches is the build side's row container: an append-only chain of
// fixed-capacity batches. A row's stable id is
// batchIdx*colexec.DefaultBatchSize + rowInBatch; ids survive table builds
// and rehashes because rows never move after insertion. Erase is only legal
// after a spill, before any table points into the container.
type Batches struct {
	Buf      []*batch.Batch
	rowCount int
}

func (bs *Batches) RowCount() int {
	return bs.rowCount
}

// CopyIntoBatches appends all rows of src, reserving memory for the whole
// batch up front so a reclaim arriving mid-copy never truncates it.
func (bs *Batches) CopyIntoBatches(src *batch.Batch, proc *process.Process) error {
	if err := proc.TryReserve(int64(src.Size())); err != nil {
		return err
	}
	defer proc.Mp().Relax(int64(src.Size()))

	for row := 0; row < src.RowCount(); row++ {
		last := bs.lastWithRoom(src, proc)
		if last == nil {
			var err error
			if last, err = bs.grow(src, proc); err != nil {
				return err
			}
		}
		for i, vec := range last.Vecs {
			if err := vec.UnionOne(src.Vecs[i], int64(row), proc.Mp()); err != nil {
				return err
			}
		}
		last.AddRowCount(1)
		bs.rowCount++
	}
	return nil
}

func (bs *Batches) lastWithRoom(src *batch.Batch, _ *process.Process) *batch.Batch {
	if len(bs.Buf) == 0 {
		return nil
	}
	last := bs.Buf[len(bs.Buf)-1]
	if last.RowCount() >= colexec.DefaultBatchSize {
		return nil
	}
	return last
}

func (bs *Batches) grow(src *batch.Batch, proc *process.Process) (*batch.Batch, error) {
	bat := batch.NewWithSize(len(src.Vecs))
	for i, vec := range src.Vecs {
		bat.Vecs[i] = vector.NewVec(*vec.GetType())
	}
	bs.Buf = append(bs.Buf, bat)
	return bat, nil
}

// RowOf resolves a stable row id.
func (bs *Batches) RowOf(sel int64) (*batch.Batch, int64) {
	return bs.Buf[sel/colexec.DefaultBatchSize], sel % colexec.DefaultBatchSize
}

// Erase drops the rows selected per batch (keep[i] lists rows of Buf[i] to
// KEEP). Only the spill path calls this, never under a live table.
func (bs *Batches) Erase(keep [][]int64) {
	bs.rowCount = 0
	for i, bat := range bs.Buf {
		bat.Shrink(keep[i])
		bs.rowCount += bat.RowCount()
	}
}

// Recount refreshes the cached row count after in-place Shrinks.
func (bs *Batches) Recount() {
	bs.rowCount = 0
	for _, bat := range bs.Buf {
		bs.rowCount += bat.RowCount()
	}
}

// Reallocate copies every batch into right-sized buffers and frees the old
// ones, so the bytes of erased rows actually return to the pool.
func (bs *Batches) Reallocate(proc *process.Process) error {
	for i, bat := range bs.Buf {
		nb, err := bat.Dup(proc.Mp())
		if err != nil {
			return err
		}
		bat.Clean(proc.Mp())
		bs.Buf[i] = nb
	}
	return nil
}

// Compact removes empty batches after an Erase so iteration stays dense.
// Row ids are reassigned by position, which is why Erase/Compact are only
// legal before the table exists.
func (bs *Batches) Compact() {
	out := bs.Buf[:0]
	for _, bat := range bs.Buf {
		if bat.RowCount() > 0 {
			out = append(out, bat)
		}
	}
	for i := len(out); i < len(bs.Buf); i++ {
		bs.Buf[i] = nil
	}
	bs.Buf = out
}

func (bs *Batches) Size() int64 {
	var sz int64
	for _, bat := range bs.Buf {
		sz += int64(bat.Size())
	}
	return sz
}

func (bs *Batches) Clean(proc *process.Process) {
	for _, bat := range bs.Buf {
		bat.Clean(proc.Mp())
	}
	bs.Buf = nil
	bs.rowCount = 0
}
