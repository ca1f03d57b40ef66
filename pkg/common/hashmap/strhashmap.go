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
	"github.com/osmiumdb/osmium/pkg/container/hashtable"
	"github.com/osmiumdb/osmium/pkg/container/vector"
)

func NewStrHashMap(hasNull bool) *StrHashMap {
	ht := &hashtable.StringHashMap{}
	ht.Init()
	return &StrHashMap{
		hasNull:       hasNull,
		keys:          make([][]byte, UnitLimit),
		values:        make([]uint64, UnitLimit),
		zValues:       make([]int64, UnitLimit),
		strHashStates: make([][2]uint64, UnitLimit),
		hashMap:       ht,
	}
}

func (m *StrHashMap) HasNull() bool {
	return m.hasNull
}

func (m *StrHashMap) GroupCount() uint64 {
	return m.rows
}

func (m *StrHashMap) Size() int64 {
	if m.hashMap == nil {
		return 0
	}
	return m.hashMap.Size()
}

func (m *StrHashMap) Free() {
	m.hashMap = nil
}

func (m *StrHashMap) NewIterator() Iterator {
	return &strHashMapIterator{mp: m}
}

// encodeKeys serializes rows [start, start+count) of the key columns into
// m.keys, padding every key to at least 16 bytes.
func (m *StrHashMap) encodeKeys(start, count int, vecs []*vector.Vector) {
	for i := 0; i < count; i++ {
		m.keys[i] = m.keys[i][:0]
		m.zValues[i] = 1
	}
	for _, vec := range vecs {
		fillGroupStr(m.keys[:count], vec, start, count, m.zValues[:count], m.hasNull)
	}
	for i := 0; i < count; i++ {
		if l := len(m.keys[i]); l < 16 {
			m.keys[i] = append(m.keys[i], hashtable.StrKeyPadding[l:]...)
		}
	}
}

// SerializeKeys writes the canonical serialized key of rows
// [start, start+count) into keys and the null verdicts into zs. Parallel
// build workers run this over disjoint row ranges; the serialized form is
// identical to what the iterator produces.
func SerializeKeys(vecs []*vector.Vector, start, count int, hasNull bool, keys [][]byte, zs []int64) {
	for i := 0; i < count; i++ {
		keys[i] = keys[i][:0]
		zs[i] = 1
	}
	for _, vec := range vecs {
		fillGroupStr(keys[:count], vec, start, count, zs[:count], hasNull)
	}
	for i := 0; i < count; i++ {
		if l := len(keys[i]); l < 16 {
			keys[i] = append(keys[i], hashtable.StrKeyPadding[l:]...)
		}
	}
}

// InsertSerialized inserts keys produced by SerializeKeys. The scratch
// values slice is reused across calls.
func (m *StrHashMap) InsertSerialized(count int, keys [][]byte, zs []int64) ([]uint64, error) {
	if m.hasNull {
		m.hashMap.InsertStringBatch(m.strHashStates[:count], keys[:count], m.values[:count])
	} else {
		m.hashMap.InsertStringBatchWithRing(zs[:count], m.strHashStates[:count], keys[:count], m.values[:count])
	}
	if card := m.hashMap.Cardinality(); card > m.rows {
		m.rows = card
	}
	return m.values[:count], nil
}

func (it *strHashMapIterator) Insert(start, count int, vecs []*vector.Vector) ([]uint64, []int64, error) {
	m := it.mp
	m.encodeKeys(start, count, vecs)
	if m.hasNull {
		m.hashMap.InsertStringBatch(m.strHashStates[:count], m.keys[:count], m.values[:count])
	} else {
		m.hashMap.InsertStringBatchWithRing(m.zValues[:count], m.strHashStates[:count], m.keys[:count], m.values[:count])
	}
	if card := m.hashMap.Cardinality(); card > m.rows {
		m.rows = card
	}
	return m.values[:count], m.zValues[:count], nil
}

func (it *strHashMapIterator) Find(start, count int, vecs []*vector.Vector) ([]uint64, []int64) {
	m := it.mp
	m.encodeKeys(start, count, vecs)
	m.hashMap.FindStringBatch(m.strHashStates[:count], m.keys[:count], m.values[:count])
	if !m.hasNull {
		for i := 0; i < count; i++ {
			if m.zValues[i] == 0 {
				m.values[i] = 0
			}
		}
	}
	return m.values[:count], m.zValues[:count]
}
