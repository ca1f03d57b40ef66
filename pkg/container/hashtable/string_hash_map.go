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

// StrKeyPadding pads short serialized keys so every stored key is at least
// 16 bytes, which keeps the hash state well mixed.
var StrKeyPadding [16]byte

// StringHashMapCell keys on the 128-bit hash state of the serialized key;
// the state, not the key bytes, decides equality.
type StringHashMapCell struct {
	HashState [2]uint64
	Mapped    uint64
}

// StringHashMap is the general-mode table: any key shape serializes to
// bytes and lands here.
type StringHashMap struct {
	bucketCntBits uint8
	bucketCnt     uint64
	elemCnt       uint64
	maxElemCnt    uint64
	cells         []StringHashMapCell
}

func (ht *StringHashMap) Init() {
	ht.bucketCntBits = 10
	ht.bucketCnt = kInitialBucketCount
	ht.elemCnt = 0
	ht.maxElemCnt = kInitialBucketCount * kLoadFactorNumer / kLoadFactorDenom
	ht.cells = make([]StringHashMapCell, kInitialBucketCount)
}

func (ht *StringHashMap) Cardinality() uint64 {
	return ht.elemCnt
}

func (ht *StringHashMap) Size() int64 {
	return int64(ht.bucketCnt) * 24
}

// InsertStringBatch inserts n serialized keys; values[i] receives the group
// id of keys[i], new keys numbered from Cardinality()+1 in arrival order.
func (ht *StringHashMap) InsertStringBatch(states [][2]uint64, keys [][]byte, values []uint64) {
	n := len(keys)
	ht.resizeOnDemand(n)
	BytesBatchGenHashStates(keys, states, n)
	for i := 0; i < n; i++ {
		cell := ht.findCell(&states[i])
		if cell.Mapped == 0 {
			ht.elemCnt++
			cell.HashState = states[i]
			cell.Mapped = ht.elemCnt
		}
		values[i] = cell.Mapped
	}
}

// InsertStringBatchWithRing skips rows whose zs entry is 0.
func (ht *StringHashMap) InsertStringBatchWithRing(zs []int64, states [][2]uint64, keys [][]byte, values []uint64) {
	n := len(keys)
	ht.resizeOnDemand(n)
	BytesBatchGenHashStates(keys, states, n)
	for i := 0; i < n; i++ {
		if zs[i] == 0 {
			values[i] = 0
			continue
		}
		cell := ht.findCell(&states[i])
		if cell.Mapped == 0 {
			ht.elemCnt++
			cell.HashState = states[i]
			cell.Mapped = ht.elemCnt
		}
		values[i] = cell.Mapped
	}
}

// FindStringBatch looks up n serialized keys; 0 means absent.
func (ht *StringHashMap) FindStringBatch(states [][2]uint64, keys [][]byte, values []uint64) {
	n := len(keys)
	BytesBatchGenHashStates(keys, states, n)
	for i := 0; i < n; i++ {
		cell := ht.findCell(&states[i])
		values[i] = cell.Mapped
	}
}

func (ht *StringHashMap) findCell(state *[2]uint64) *StringHashMapCell {
	mask := ht.bucketCnt - 1
	for idx := state[0] & mask; ; idx = (idx + 1) & mask {
		cell := &ht.cells[idx]
		if cell.Mapped == 0 || cell.HashState == *state {
			return cell
		}
	}
}

func (ht *StringHashMap) resizeOnDemand(n int) {
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
	ht.cells = make([]StringHashMapCell, newBucketCnt)
	for i := range oldCells {
		cell := &oldCells[i]
		if cell.Mapped != 0 {
			newCell := ht.findCell(&cell.HashState)
			*newCell = *cell
		}
	}
}

// StringHashMapIterator walks all occupied cells.
type StringHashMapIterator struct {
	table *StringHashMap
	pos   uint64
}

func (it *StringHashMapIterator) Init(ht *StringHashMap) {
	it.table = ht
	it.pos = 0
}

func (it *StringHashMapIterator) Next() *StringHashMapCell {
	for it.pos < it.table.bucketCnt {
		cell := &it.table.cells[it.pos]
		it.pos++
		if cell.Mapped != 0 {
			return cell
		}
	}
	return nil
}
