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

package nulls

import (
	"github.com/RoaringBitmap/roaring"
)

// Nulls records which rows of a vector are null.
type Nulls struct {
	np *roaring.Bitmap
}

func NewWithSize(_ int) *Nulls {
	return &Nulls{}
}

func (nsp *Nulls) Reset() {
	if nsp != nil && nsp.np != nil {
		nsp.np.Clear()
	}
}

// Any reports whether any row is null.
func (nsp *Nulls) Any() bool {
	return nsp != nil && nsp.np != nil && !nsp.np.IsEmpty()
}

func (nsp *Nulls) Count() int {
	if nsp == nil || nsp.np == nil {
		return 0
	}
	return int(nsp.np.GetCardinality())
}

func (nsp *Nulls) Contains(row uint64) bool {
	return nsp != nil && nsp.np != nil && nsp.np.Contains(uint32(row))
}

func (nsp *Nulls) Add(rows ...uint64) {
	if nsp == nil || len(rows) == 0 {
		return
	}
	if nsp.np == nil {
		nsp.np = roaring.New()
	}
	for _, row := range rows {
		nsp.np.Add(uint32(row))
	}
}

func (nsp *Nulls) AddRange(start, end uint64) {
	if nsp == nil || start >= end {
		return
	}
	if nsp.np == nil {
		nsp.np = roaring.New()
	}
	nsp.np.AddRange(uint64(uint32(start)), uint64(uint32(end)))
}

// Or merges n into nsp, offsetting n's rows by shift.
func (nsp *Nulls) Or(n *Nulls, shift uint64) {
	if n == nil || n.np == nil || n.np.IsEmpty() {
		return
	}
	if nsp.np == nil {
		nsp.np = roaring.New()
	}
	it := n.np.Iterator()
	for it.HasNext() {
		nsp.np.Add(it.Next() + uint32(shift))
	}
}

// Filter rebuilds the bitmap for the selected rows: row i of the result is
// null iff sels[i] was null.
func (nsp *Nulls) Filter(sels []int64) *Nulls {
	res := &Nulls{}
	if nsp == nil || nsp.np == nil {
		return res
	}
	for i, sel := range sels {
		if nsp.np.Contains(uint32(sel)) {
			res.Add(uint64(i))
		}
	}
	return res
}

func (nsp *Nulls) Dup() *Nulls {
	res := &Nulls{}
	if nsp != nil && nsp.np != nil {
		res.np = nsp.np.Clone()
	}
	return res
}

// Marshal serializes the bitmap, empty bitmaps as nil.
func (nsp *Nulls) Marshal() ([]byte, error) {
	if nsp == nil || nsp.np == nil || nsp.np.IsEmpty() {
		return nil, nil
	}
	return nsp.np.ToBytes()
}

func (nsp *Nulls) Unmarshal(data []byte) error {
	if len(data) == 0 {
		nsp.np = nil
		return nil
	}
	nsp.np = roaring.New()
	return nsp.np.UnmarshalBinary(data)
}

// Any is the package-level convenience used in fill loops.
func Any(nsp *Nulls) bool {
	return nsp.Any()
}

func Contains(nsp *Nulls, row uint64) bool {
	return nsp.Contains(row)
}
