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
	"encoding/binary"

	"github.com/osmiumdb/osmium/pkg/common/moerr"
	"github.com/osmiumdb/osmium/pkg/container/hashtable"
	"github.com/osmiumdb/osmium/pkg/container/types"
	"github.com/osmiumdb/osmium/pkg/container/vector"
)

// TotalPackedWidth returns the byte width a key tuple occupies under
// normalized-key packing, or -1 if any column cannot pack.
func TotalPackedWidth(typs []types.Type, hasNull bool) int {
	width := 0
	for _, t := range typs {
		l := t.Oid.FixedLength()
		if l < 0 {
			return -1
		}
		width += l
		if hasNull {
			width++
		}
	}
	return width
}

// fillKeysFixed encodes column values of vec for rows [start, start+n) into
// the packed key area. keyView is the byte view over the packed keys,
// stride bytes per row; offs tracks the write position per row.
func fillKeysFixed(vec *vector.Vector, start, n int, keyView []byte, stride int, offs []uint32, zs []int64, hasNull bool) {
	sz := vec.GetType().TypeSize()
	canon := canonicalized(vec)
	for i := 0; i < n; i++ {
		row := start + i
		if vec.IsConst() {
			row = 0
		}
		isNull := vec.IsNull(uint64(start + i))
		base := i*stride + int(offs[i])
		if hasNull {
			if isNull {
				keyView[base] = 1
				offs[i]++
				continue
			}
			keyView[base] = 0
			base++
			offs[i]++
		} else if isNull {
			zs[i] = 0
			continue
		}
		copy(keyView[base:base+sz], canon(row))
		offs[i] += uint32(sz)
	}
}

// canonicalized returns an accessor producing the raw bytes of one element
// with float NaN and signed zero canonicalized, so every bit pattern of an
// equal value serializes identically.
func canonicalized(vec *vector.Vector) func(row int) []byte {
	switch vec.GetType().Oid {
	case types.T_float32:
		vs := vector.MustFixedCol[float32](vec)
		return func(row int) []byte {
			v := types.CanonicalizeFloat32(vs[row])
			return types.EncodeFixed(v)
		}
	case types.T_float64:
		vs := vector.MustFixedCol[float64](vec)
		return func(row int) []byte {
			v := types.CanonicalizeFloat64(vs[row])
			return types.EncodeFixed(v)
		}
	default:
		sz := vec.GetType().TypeSize()
		raw := vectorRawData(vec)
		return func(row int) []byte {
			return raw[row*sz : (row+1)*sz]
		}
	}
}

func vectorRawData(vec *vector.Vector) []byte {
	switch vec.GetType().Oid {
	case types.T_bool:
		return types.EncodeSlice(vector.MustFixedCol[bool](vec))
	case types.T_int8:
		return types.EncodeSlice(vector.MustFixedCol[int8](vec))
	case types.T_int16:
		return types.EncodeSlice(vector.MustFixedCol[int16](vec))
	case types.T_int32:
		return types.EncodeSlice(vector.MustFixedCol[int32](vec))
	case types.T_int64:
		return types.EncodeSlice(vector.MustFixedCol[int64](vec))
	case types.T_uint8:
		return types.EncodeSlice(vector.MustFixedCol[uint8](vec))
	case types.T_uint16:
		return types.EncodeSlice(vector.MustFixedCol[uint16](vec))
	case types.T_uint32:
		return types.EncodeSlice(vector.MustFixedCol[uint32](vec))
	case types.T_uint64:
		return types.EncodeSlice(vector.MustFixedCol[uint64](vec))
	case types.T_float32:
		return types.EncodeSlice(vector.MustFixedCol[float32](vec))
	case types.T_float64:
		return types.EncodeSlice(vector.MustFixedCol[float64](vec))
	default:
		return types.EncodeSlice(vector.MustFixedCol[types.Varlena](vec))
	}
}

// fillGroupStr appends the serialized form of vec's rows [start, start+n)
// to the byte keys. Varlen values carry a length prefix so adjacent columns
// cannot alias.
func fillGroupStr(keys [][]byte, vec *vector.Vector, start, n int, zs []int64, hasNull bool) {
	if vec.GetType().IsVarlen() {
		for i := 0; i < n; i++ {
			isNull := vec.IsNull(uint64(start + i))
			if hasNull {
				if isNull {
					keys[i] = append(keys[i], 1)
					continue
				}
				keys[i] = append(keys[i], 0)
			} else if isNull {
				zs[i] = 0
				continue
			}
			val := vec.GetBytesAt(start + i)
			keys[i] = binary.LittleEndian.AppendUint16(keys[i], uint16(len(val)))
			keys[i] = append(keys[i], val...)
		}
		return
	}
	canon := canonicalized(vec)
	for i := 0; i < n; i++ {
		row := start + i
		if vec.IsConst() {
			row = 0
		}
		isNull := vec.IsNull(uint64(start + i))
		if hasNull {
			if isNull {
				keys[i] = append(keys[i], 1)
				continue
			}
			keys[i] = append(keys[i], 0)
		} else if isNull {
			zs[i] = 0
			continue
		}
		keys[i] = append(keys[i], canon(row)...)
	}
}

// BuildHashes computes the partition hash of each key tuple in
// [start, start+count). Both join sides use this for spill partitioning, so
// the serialization matches fillGroupStr exactly: equal keys always hash
// equal, whatever table mode the join ends up with.
func BuildHashes(vecs []*vector.Vector, start, count int, hashes []uint64) error {
	if count > UnitLimit {
		return moerr.NewInternalErrorf("hash unit of %d rows exceeds limit", count)
	}
	keys := make([][]byte, count)
	zs := make([]int64, count)
	for i := range zs {
		zs[i] = 1
	}
	for _, vec := range vecs {
		// nulls participate so null-keyed rows land in a stable partition
		fillGroupStr(keys, vec, start, count, zs, true)
	}
	var state [2]uint64
	for i := 0; i < count; i++ {
		hashtable.BytesHash(keys[i], &state)
		hashes[i] = state[0]
	}
	return nil
}
