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

package hashtable

const (
	kInitialBucketCount = 1024
	kLoadFactorNumer    = 1
	kLoadFactorDenom    = 2
)

// Int64HashMapCell maps a packed 64-bit key to a group id starting at 1.
// mapped == 0 marks an empty cell, so the zero key needs no special case.
type Int64HashMapCell struct {
	Key    uint64
	Mapped uint64
}

// Int64HashMap is the open-addressed table behind normalized-key mode.
type Int64HashMap struct {
	bucketCntBits uint8
	bucketCnt     uint64
	elemCnt       uint64
	maxElemCnt    uint64
	cells         []Int64HashMapCell
}

func (ht *Int64HashMap) Init() {
	ht.bucketCntBits = 10
	ht.bucketCnt = kInitialBucketCount
	ht.elemCnt = 0
	ht.maxElemCnt = kInitialBucketCount * kLoadFactorNumer / kLoadFactorDenom
	ht.cells = make([]Int64HashMapCell, kInitialBucketCount)
}

func (ht *Int64HashMap) Cardinality() uint64 {
	return ht.elemCnt
}

// Size returns the allocated footprint in bytes.
func (ht *Int64HashMap) Size() int64 {
	return int64(ht.bucketCnt) * 16
}

// InsertBatch inserts n keys; values[i] receives the group id of keys[i].
// New keys get Cardinality()+1 in arrival order.
func (ht *Int64HashMap) InsertBatch(n int, hashes []uint64, keys []uint64, values []uint64) {
	ht.resizeOnDemand(n)
	for i := 0; i < n; i++ {
		cell := ht.findCell(hashes[i], keys[i])
		if cell.Mapped == 0 {
			ht.elemCnt++
			cell.Key = keys[i]
			cell.Mapped = ht.elemCnt
		}
		values[i] = cell.Mapped
	}
}

// InsertBatchWithRing skips rows whose zs entry is 0 (null present).
func (ht *Int64HashMap) InsertBatchWithRing(n int, zs []int64, hashes []uint64, keys []uint64, values []uint64) {
	ht.resizeOnDemand(n)
	for i := 0; i < n; i++ {
		if zs[i] == 0 {
			values[i] = 0
			continue
		}
		cell := ht.findCell(hashes[i], keys[i])
		if cell.Mapped == 0 {
			ht.elemCnt++
			cell.Key = keys[i]
			cell.Mapped = ht.elemCnt
		}
		values[i] = cell.Mapped
	}
}

// FindBatch looks up n keys; values[i] is 0 when keys[i] is absent.
func (ht *Int64HashMap) FindBatch(n int, hashes []uint64, keys []uint64, values []uint64) {
	for i := 0; i < n; i++ {
		cell := ht.findCell(hashes[i], keys[i])
		values[i] = cell.Mapped
	}
}

func (ht *Int64HashMap) findCell(hash uint64, key uint64) *Int64HashMapCell {
	mask := ht.bucketCnt - 1
	for idx := hash & mask; ; idx = (idx + 1) & mask {
		cell := &ht.cells[idx]
		if cell.Mapped == 0 || cell.Key == key {
			return cell
		}
	}
}

func (ht *Int64HashMap) resizeOnDemand(n int) {
	target := ht.elemCnt + uint64(n)
	if target <= ht.maxElemCnt {
		return
	}
	newBucketCntBits := ht.bucketCntBits + 2
	newBucketCnt := uint64(1) << newBucketCntBits
	newMaxElemCnt := newBucketCnt * kLoadFactorNumer / kLoadFactorDenom
	for newMaxElemCnt < target {
		newBucketCntBits++
		newBucketCnt <<= 1
		newMaxElemCnt = newBucketCnt * kLoadFactorNumer / kLoadFactorDenom
	}
	oldCells := ht.cells
	ht.bucketCntBits = newBucketCntBits
	ht.bucketCnt = newBucketCnt
	ht.maxElemCnt = newMaxElemCnt
	ht.cells = make([]Int64HashMapCell, newBucketCnt)
	for i := range oldCells {
		cell := &oldCells[i]
		if cell.Mapped != 0 {
			newCell := ht.findCell(Int64Hash(cell.Key), cell.Key)
			*newCell = *cell
		}
	}
}

// Int64HashMapIterator walks all occupied cells.
type Int64HashMapIterator struct {
	table *Int64HashMap
	pos   uint64
}

func (it *Int64HashMapIterator) Init(ht *Int64HashMap) {
	it.table = ht
	it.pos = 0
}

func (it *Int64HashMapIterator) Next() *Int64HashMapCell {
	for it.pos < it.table.bucketCnt {
		cell := &it.table.cells[it.pos]
		it.pos++
		if cell.Mapped != 0 {
			return cell
		}
	}
	return nil
}
