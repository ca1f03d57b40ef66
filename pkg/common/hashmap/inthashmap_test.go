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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/osmiumdb/osmium/pkg/common/mpool"
	"github.com/osmiumdb/osmium/pkg/container/types"
	"github.com/osmiumdb/osmium/pkg/container/vector"
)

func newIntVector(t *testing.T, m *mpool.MPool, vs []int32, nullRows ...uint64) *vector.Vector {
	vec := vector.NewVec(types.New(types.T_int32))
	require.NoError(t, vector.AppendFixedList(vec, vs, nil, m))
	for _, row := range nullRows {
		vec.GetNulls().Add(row)
	}
	return vec
}

func TestIntHashMapIterator(t *testing.T) {
	m := mpool.MustNewZero(t.Name())
	defer mpool.DeleteMPool(m)
	mp := NewIntHashMap(false)
	vecs := []*vector.Vector{
		newIntVector(t, m, []int32{-1, -1, -1, 2, 2, 2, 3, 3, 3, 4}),
		newIntVector(t, m, []int32{1, 1, 1, 2, 2, 2, 3, 3, 3, 4}),
	}
	itr := mp.NewIterator()
	vs, zs, err := itr.Insert(0, 10, vecs)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 1, 1, 2, 2, 2, 3, 3, 3, 4}, append([]uint64(nil), vs...))
	for _, z := range zs {
		require.Equal(t, int64(1), z)
	}
	require.Equal(t, uint64(4), mp.GroupCount())

	vs, _ = itr.Find(0, 10, vecs)
	require.Equal(t, []uint64{1, 1, 1, 2, 2, 2, 3, 3, 3, 4}, append([]uint64(nil), vs...))

	for _, vec := range vecs {
		vec.Free(m)
	}
	mp.Free()
}

func TestIntHashMapNulls(t *testing.T) {
	m := mpool.MustNewZero(t.Name())
	defer mpool.DeleteMPool(m)

	// null keys are rejected when the map is not null-aware
	mp := NewIntHashMap(false)
	vecs := []*vector.Vector{newIntVector(t, m, []int32{1, 2, 3}, 1)}
	itr := mp.NewIterator()
	vs, zs, err := itr.Insert(0, 3, vecs)
	require.NoError(t, err)
	require.Equal(t, int64(0), zs[1])
	require.Equal(t, uint64(2), mp.GroupCount())
	_ = vs

	vs, zs = itr.Find(0, 3, vecs)
	require.NotEqual(t, uint64(0), vs[0])
	require.Equal(t, uint64(0), vs[1])
	require.Equal(t, int64(0), zs[1])

	for _, vec := range vecs {
		vec.Free(m)
	}
	mp.Free()
}

func TestIntHashMapNullAware(t *testing.T) {
	m := mpool.MustNewZero(t.Name())
	defer mpool.DeleteMPool(m)

	// a null-aware map treats null as one more key value
	mp := NewIntHashMap(true)
	vecs := []*vector.Vector{newIntVector(t, m, []int32{7, 7, 9}, 1)}
	itr := mp.NewIterator()
	vs, zs, err := itr.Insert(0, 3, vecs)
	require.NoError(t, err)
	require.Equal(t, int64(1), zs[1])
	require.NotEqual(t, vs[0], vs[1])
	require.Equal(t, uint64(3), mp.GroupCount())

	for _, vec := range vecs {
		vec.Free(m)
	}
	mp.Free()
}

func TestArrayHashMap(t *testing.T) {
	m := mpool.MustNewZero(t.Name())
	defer mpool.DeleteMPool(m)

	mp := NewArrayHashMap(10, 20)
	vecs := []*vector.Vector{newIntVector(t, m, []int32{10, 15, 20, 15}, 3)}
	itr := mp.NewIterator()
	vs, zs, err := itr.Insert(0, 4, vecs)
	require.NoError(t, err)
	require.Equal(t, uint64(1), vs[0])
	require.Equal(t, uint64(2), vs[1])
	require.Equal(t, uint64(3), vs[2])
	require.Equal(t, int64(0), zs[3])
	require.Equal(t, uint64(3), mp.GroupCount())

	probe := []*vector.Vector{newIntVector(t, m, []int32{15, 11, 20})}
	vs, _ = itr.Find(0, 3, probe)
	require.Equal(t, uint64(2), vs[0])
	require.Equal(t, uint64(0), vs[1])
	require.Equal(t, uint64(3), vs[2])

	for _, vec := range vecs {
		vec.Free(m)
	}
	for _, vec := range probe {
		vec.Free(m)
	}
	mp.Free()
}
