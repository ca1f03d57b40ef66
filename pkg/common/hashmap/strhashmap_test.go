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
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/osmiumdb/osmium/pkg/common/mpool"
	"github.com/osmiumdb/osmium/pkg/container/types"
	"github.com/osmiumdb/osmium/pkg/container/vector"
)

func newStrVector(t *testing.T, m *mpool.MPool, vs []string, nullRows ...uint64) *vector.Vector {
	vec := vector.NewVec(types.New(types.T_varchar))
	require.NoError(t, vector.AppendStringList(vec, vs, nil, m))
	for _, row := range nullRows {
		vec.GetNulls().Add(row)
	}
	return vec
}

func TestStrHashMapIterator(t *testing.T) {
	m := mpool.MustNewZero(t.Name())
	defer mpool.DeleteMPool(m)
	mp := NewStrHashMap(false)
	vecs := []*vector.Vector{
		newStrVector(t, m, []string{"a", "b", "a", "c"}),
	}
	itr := mp.NewIterator()
	vs, _, err := itr.Insert(0, 4, vecs)
	require.NoError(t, err)
	require.Equal(t, vs[0], vs[2])
	require.NotEqual(t, vs[0], vs[1])
	require.Equal(t, uint64(3), mp.GroupCount())

	vs, _ = itr.Find(0, 4, vecs)
	require.Equal(t, uint64(1), vs[0])
	require.Equal(t, uint64(2), vs[1])

	for _, vec := range vecs {
		vec.Free(m)
	}
	mp.Free()
}

// adjacent varlen columns must not alias: ("ab","c") != ("a","bc")
func TestStrHashMapNoKeyAliasing(t *testing.T) {
	m := mpool.MustNewZero(t.Name())
	defer mpool.DeleteMPool(m)
	mp := NewStrHashMap(false)
	vecs := []*vector.Vector{
		newStrVector(t, m, []string{"ab", "a"}),
		newStrVector(t, m, []string{"c", "bc"}),
	}
	itr := mp.NewIterator()
	vs, _, err := itr.Insert(0, 2, vecs)
	require.NoError(t, err)
	require.NotEqual(t, vs[0], vs[1])
	require.Equal(t, uint64(2), mp.GroupCount())

	for _, vec := range vecs {
		vec.Free(m)
	}
	mp.Free()
}

// every NaN bit pattern must hash and compare as one value
func TestStrHashMapNaNKeys(t *testing.T) {
	m := mpool.MustNewZero(t.Name())
	defer mpool.DeleteMPool(m)
	mp := NewStrHashMap(false)

	nan1 := math.NaN()
	nan2 := math.Float64frombits(math.Float64bits(math.NaN()) | 1)
	vec := vector.NewVec(types.New(types.T_float64))
	require.NoError(t, vector.AppendFixedList(vec, []float64{nan1, nan2, 1.5}, nil, m))
	vecs := []*vector.Vector{vec}

	itr := mp.NewIterator()
	vs, _, err := itr.Insert(0, 3, vecs)
	require.NoError(t, err)
	require.Equal(t, vs[0], vs[1])
	require.NotEqual(t, vs[0], vs[2])
	require.Equal(t, uint64(2), mp.GroupCount())

	vec.Free(m)
	mp.Free()
}

func TestSerializeKeysMatchesIterator(t *testing.T) {
	m := mpool.MustNewZero(t.Name())
	defer mpool.DeleteMPool(m)
	mp := NewStrHashMap(false)
	vecs := []*vector.Vector{
		newStrVector(t, m, []string{"x", "yy", "zzz"}),
	}
	itr := mp.NewIterator()
	vs, _, err := itr.Insert(0, 3, vecs)
	require.NoError(t, err)
	want := append([]uint64(nil), vs...)

	keys := make([][]byte, 3)
	zs := make([]int64, 3)
	SerializeKeys(vecs, 0, 3, false, keys, zs)
	got, err := mp.InsertSerialized(3, keys, zs)
	require.NoError(t, err)
	require.Equal(t, want, append([]uint64(nil), got...))

	for _, vec := range vecs {
		vec.Free(m)
	}
	mp.Free()
}
