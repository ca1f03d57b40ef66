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

const (
	// UnitLimit is the batch unit of every bulk insert or find.
	UnitLimit = 256
)

// HashMap is the hash table surface exposed to operators.
type HashMap interface {
	// HasNull reports whether the map treats null as a legal key
	// (null-aware semi and anti joins).
	HasNull() bool
	// GroupCount returns the number of distinct keys inserted.
	GroupCount() uint64
	// Size returns the map's allocated footprint in bytes.
	Size() int64
	// Free releases the map.
	Free()
}

// JoinHashMap is what a join map needs from any table representation:
// array, normalized-key, general, or the sharded general table the
// parallel build produces.
type JoinHashMap interface {
	HashMap
	NewIterator() Iterator
}

// Iterator does bulk inserts or finds against a hash map.
type Iterator interface {
	// Insert vecs[start, start+count). vs[i] is the group id of row i
	// (starting at 1); zvs[i] is 0 when the row's key contains a null the
	// map does not accept, 1 otherwise.
	Insert(start, count int, vecs []*vector.Vector) (vs []uint64, zvs []int64, err error)

	// Find vecs[start, start+count). vs[i] is 0 when the key is absent.
	Find(start, count int, vecs []*vector.Vector) (vs []uint64, zvs []int64)
}

// IntHashMap packs short fixed-width keys losslessly into 64 bits
// (normalized-key mode). Callers must ensure the total packed width,
// including null flags when hasNull, fits 8 bytes.
type IntHashMap struct {
	hasNull bool
	rows    uint64

	keys    []uint64
	keyOffs []uint32
	hashes  []uint64
	values  []uint64
	zValues []int64

	hashMap *hashtable.Int64HashMap
}

// StrHashMap serializes whole key tuples to bytes (general mode): varlen
// keys, float keys after canonicalization, null-aware keys, and keys that
// cannot pack into 64 bits all land here.
type StrHashMap struct {
	hasNull bool
	rows    uint64

	keys          [][]byte
	values        []uint64
	zValues       []int64
	strHashStates [][2]uint64

	hashMap *hashtable.StringHashMap
}

type intHashMapIterator struct {
	mp *IntHashMap
}

type strHashMapIterator struct {
	mp *StrHashMap
}
