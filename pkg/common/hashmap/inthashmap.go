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
	"unsafe"

	"github.com/osmiumdb/osmium/pkg/container/hashtable"
	"github.com/osmiumdb/osmium/pkg/container/vector"
)

func NewIntHashMap(hasNull bool) *IntHashMap {
	ht := &hashtable.Int64HashMap{}
	ht.Init()
	return &IntHashMap{
		hasNull: hasNull,
		keys:    make([]uint64, UnitLimit),
		keyOffs: make([]uint32, UnitLimit),
		hashes:  make([]uint64, UnitLimit),
		values:  make([]uint64, UnitLimit),
		zValues: make([]int64, UnitLimit),
		hashMap: ht,
	}
}

func (m *IntHashMap) HasNull() bool {
	return m.hasNull
}

func (m *IntHashMap) GroupCount() uint64 {
	return m.rows
}

func (m *IntHashMap) Size() int64 {
	if m.hashMap == nil {
		return 0
	}
	return m.hashMap.Size()
}

func (m *IntHashMap) Free() {
	m.hashMap = nil
}

func (m *IntHashMap) NewIterator() Iterator {
	return &intHashMapIterator{mp: m}
}

// encodeKeys packs rows [start, start+count) of the key columns into
// m.keys and hashes them. Rows with an unacceptable null get zValues 0.
func (m *IntHashMap) encodeKeys(start, count int, vecs []*vector.Vector) {
	copy(m.keyOffs[:count], zeroUint32[:count])
	copy(m.keys[:count], zeroUint64[:count])
	for i := 0; i < count; i++ {
		m.zValues[i] = 1
	}
	keyView := unsafe.Slice((*byte)(unsafe.Pointer(&m.keys[0])), count*8)
	for _, vec := range vecs {
		fillKeysFixed(vec, start, count, keyView, 8, m.keyOffs[:count], m.zValues[:count], m.hasNull)
	}
	hashtable.Int64BatchHash(unsafe.Pointer(&m.keys[0]), &m.hashes[0], count)
}

func (it *intHashMapIterator) Insert(start, count int, vecs []*vector.Vector) ([]uint64, []int64, error) {
	m := it.mp
	m.encodeKeys(start, count, vecs)
	if m.hasNull {
		m.hashMap.InsertBatch(count, m.hashes[:count], m.keys[:count], m.values[:count])
	} else {
		m.hashMap.InsertBatchWithRing(count, m.zValues[:count], m.hashes[:count], m.keys[:count], m.values[:count])
	}
	if card := m.hashMap.Cardinality(); card > m.rows {
		m.rows = card
	}
	return m.values[:count], m.zValues[:count], nil
}

func (it *intHashMapIterator) Find(start, count int, vecs []*vector.Vector) ([]uint64, []int64) {
	m := it.mp
	m.encodeKeys(start, count, vecs)
	m.hashMap.FindBatch(count, m.hashes[:count], m.keys[:count], m.values[:count])
	if !m.hasNull {
		for i := 0; i < count; i++ {
			if m.zValues[i] == 0 {
				m.values[i] = 0
			}
		}
	}
	return m.values[:count], m.zValues[:count]
}

var (
	zeroUint32 [UnitLimit]uint32
	zeroUint64 [UnitLimit]uint64
)
