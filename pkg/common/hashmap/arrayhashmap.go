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
	"github.com/osmiumdb/osmium/pkg/container/types"
	"github.com/osmiumdb/osmium/pkg/container/vector"
)

// ArrayHashMap is array mode: a single integer key over a dense small
// range maps straight into a slot array, no hashing at all. Never
// null-aware; a null key simply does not index.
type ArrayHashMap struct {
	min  int64
	max  int64
	rows uint64

	// slot k-min holds the group id of key k, 0 when absent
	values []uint64

	scratchVs []uint64
	scratchZs []int64
}

// NewArrayHashMap allocates slots for keys in [min, max].
func NewArrayHashMap(min, max int64) *ArrayHashMap {
	return &ArrayHashMap{
		min:       min,
		max:       max,
		values:    make([]uint64, max-min+1),
		scratchVs: make([]uint64, UnitLimit),
		scratchZs: make([]int64, UnitLimit),
	}
}

func (m *ArrayHashMap) HasNull() bool {
	return false
}

func (m *ArrayHashMap) GroupCount() uint64 {
	return m.rows
}

func (m *ArrayHashMap) Size() int64 {
	return int64(len(m.values)) * 8
}

func (m *ArrayHashMap) Free() {
	m.values = nil
}

func (m *ArrayHashMap) NewIterator() Iterator {
	return &arrayHashMapIterator{mp: m}
}

// IntKeyAt widens a single integer key column element to int64.
func IntKeyAt(vec *vector.Vector, row int) int64 {
	switch vec.GetType().Oid {
	case types.T_int8:
		return int64(vector.GetFixedAt[int8](vec, row))
	case types.T_int16:
		return int64(vector.GetFixedAt[int16](vec, row))
	case types.T_int32:
		return int64(vector.GetFixedAt[int32](vec, row))
	case types.T_int64:
		return vector.GetFixedAt[int64](vec, row)
	case types.T_uint8:
		return int64(vector.GetFixedAt[uint8](vec, row))
	case types.T_uint16:
		return int64(vector.GetFixedAt[uint16](vec, row))
	case types.T_uint32:
		return int64(vector.GetFixedAt[uint32](vec, row))
	case types.T_uint64:
		return int64(vector.GetFixedAt[uint64](vec, row))
	}
	panic(moerr.NewInternalError("array mode key is not an integer column"))
}

type arrayHashMapIterator struct {
	mp *ArrayHashMap
}

func (it *arrayHashMapIterator) Insert(start, count int, vecs []*vector.Vector) ([]uint64, []int64, error) {
	m := it.mp
	vec := vecs[0]
	for i := 0; i < count; i++ {
		m.scratchZs[i] = 1
		if vec.IsNull(uint64(start + i)) {
			m.scratchZs[i] = 0
			m.scratchVs[i] = 0
			continue
		}
		key := IntKeyAt(vec, start+i)
		if key < m.min || key > m.max {
			return nil, nil, moerr.NewInternalErrorf("array mode key %d outside [%d, %d]", key, m.min, m.max)
		}
		slot := key - m.min
		if m.values[slot] == 0 {
			m.rows++
			m.values[slot] = m.rows
		}
		m.scratchVs[i] = m.values[slot]
	}
	return m.scratchVs[:count], m.scratchZs[:count], nil
}

func (it *arrayHashMapIterator) Find(start, count int, vecs []*vector.Vector) ([]uint64, []int64) {
	m := it.mp
	vec := vecs[0]
	for i := 0; i < count; i++ {
		m.scratchZs[i] = 1
		m.scratchVs[i] = 0
		if vec.IsNull(uint64(start + i)) {
			m.scratchZs[i] = 0
			continue
		}
		key := IntKeyAt(vec, start+i)
		if key >= m.min && key <= m.max {
			m.scratchVs[i] = m.values[key-m.min]
		}
	}
	return m.scratchVs[:count], m.scratchZs[:count]
}
