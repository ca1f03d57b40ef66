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

package vector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/osmiumdb/osmium/pkg/common/mpool"
	"github.com/osmiumdb/osmium/pkg/container/types"
)

func testPool(t *testing.T) *mpool.MPool {
	mp := mpool.MustNewZero(t.Name())
	t.Cleanup(func() { mpool.DeleteMPool(mp) })
	return mp
}

func TestAppendFixed(t *testing.T) {
	mp := testPool(t)
	vec := NewVec(types.New(types.T_int64))
	for i := 0; i < 100; i++ {
		require.NoError(t, AppendFixed(vec, int64(i), i%10 == 3, mp))
	}
	require.Equal(t, 100, vec.Length())
	vs := MustFixedCol[int64](vec)
	require.Equal(t, int64(42), vs[42])
	require.True(t, vec.IsNull(3))
	require.False(t, vec.IsNull(4))
	vec.Free(mp)
	require.Equal(t, int64(0), mp.CurrNB())
}

func TestAppendBytes(t *testing.T) {
	mp := testPool(t)
	vec := NewVec(types.New(types.T_varchar))
	require.NoError(t, AppendBytes(vec, []byte("short"), false, mp))
	long := make([]byte, 100)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	require.NoError(t, AppendBytes(vec, long, false, mp))
	require.NoError(t, AppendBytes(vec, nil, true, mp))

	require.Equal(t, "short", vec.GetStringAt(0))
	require.Equal(t, long, vec.GetBytesAt(1))
	require.True(t, vec.IsNull(2))
	vec.Free(mp)
}

func TestUnionOne(t *testing.T) {
	mp := testPool(t)
	src := NewVec(types.New(types.T_int64))
	require.NoError(t, AppendFixedList(src, []int64{10, 20, 30}, []bool{false, true, false}, mp))

	dst := NewVec(types.New(types.T_int64))
	require.NoError(t, dst.UnionOne(src, 2, mp))
	require.NoError(t, dst.UnionOne(src, 1, mp))
	require.NoError(t, dst.UnionNull(mp))

	require.Equal(t, 3, dst.Length())
	require.Equal(t, int64(30), GetFixedAt[int64](dst, 0))
	require.True(t, dst.IsNull(1))
	require.True(t, dst.IsNull(2))
	src.Free(mp)
	dst.Free(mp)
}

func TestShrink(t *testing.T) {
	mp := testPool(t)
	vec := NewVec(types.New(types.T_int32))
	require.NoError(t, AppendFixedList(vec, []int32{0, 1, 2, 3, 4, 5}, nil, mp))
	vec.Shrink([]int64{1, 3, 5})
	require.Equal(t, 3, vec.Length())
	vs := MustFixedCol[int32](vec)
	require.Equal(t, []int32{1, 3, 5}, vs)
	vec.Free(mp)
}

func TestMarshalRoundTrip(t *testing.T) {
	mp := testPool(t)
	vec := NewVec(types.New(types.T_varchar))
	require.NoError(t, AppendStringList(vec, []string{"a", "bb", ""}, []bool{false, false, true}, mp))
	data, err := vec.MarshalBinary()
	require.NoError(t, err)

	back := &Vector{}
	require.NoError(t, back.UnmarshalBinary(data, mp))
	require.Equal(t, 3, back.Length())
	require.Equal(t, "a", back.GetStringAt(0))
	require.Equal(t, "bb", back.GetStringAt(1))
	require.True(t, back.IsNull(2))
	vec.Free(mp)
	back.Free(mp)
}

func TestConstViewAt(t *testing.T) {
	mp := testPool(t)
	vec := NewVec(types.New(types.T_int64))
	require.NoError(t, AppendFixedList(vec, []int64{7, 8, 9}, []bool{false, true, false}, mp))

	view := vec.ConstViewAt(2, 5)
	require.True(t, view.IsConst())
	require.Equal(t, 5, view.Length())
	require.Equal(t, int64(9), GetFixedAt[int64](view, 0))

	nullView := vec.ConstViewAt(1, 5)
	require.True(t, nullView.IsConstNull())
	vec.Free(mp)
}
