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

package batch

import (
	"encoding/binary"

	"github.com/osmiumdb/osmium/pkg/common/moerr"
	"github.com/osmiumdb/osmium/pkg/common/mpool"
	"github.com/osmiumdb/osmium/pkg/container/vector"
)

// Batch is one unit of data flowing between operators: a set of equally
// long vectors plus a row count.
type Batch struct {
	Vecs     []*vector.Vector
	rowCount int
}

func NewWithSize(n int) *Batch {
	return &Batch{Vecs: make([]*vector.Vector, n)}
}

func (bat *Batch) RowCount() int {
	return bat.rowCount
}

func (bat *Batch) SetRowCount(n int) {
	bat.rowCount = n
}

func (bat *Batch) AddRowCount(n int) {
	bat.rowCount += n
}

func (bat *Batch) VectorCount() int {
	return len(bat.Vecs)
}

func (bat *Batch) GetVector(pos int32) *vector.Vector {
	return bat.Vecs[pos]
}

func (bat *Batch) SetVector(pos int32, vec *vector.Vector) {
	bat.Vecs[pos] = vec
}

func (bat *Batch) IsEmpty() bool {
	return bat == nil || bat.rowCount == 0
}

// Size returns the allocated footprint of all vectors.
func (bat *Batch) Size() int {
	var sz int
	for _, vec := range bat.Vecs {
		if vec != nil {
			sz += vec.Size()
		}
	}
	return sz
}

// PreExtend reserves capacity for rows more rows in every vector.
func (bat *Batch) PreExtend(mp *mpool.MPool, rows int) error {
	for _, vec := range bat.Vecs {
		if err := vec.PreExtend(rows, mp); err != nil {
			return err
		}
	}
	return nil
}

// Append copies all rows of b onto bat.
func (bat *Batch) Append(mp *mpool.MPool, b *Batch) error {
	if len(bat.Vecs) != len(b.Vecs) {
		return moerr.NewInternalErrorf("append batch of %d vectors to batch of %d",
			len(b.Vecs), len(bat.Vecs))
	}
	if err := bat.PreExtend(mp, b.rowCount); err != nil {
		return err
	}
	for i, vec := range bat.Vecs {
		for row := 0; row < b.rowCount; row++ {
			if err := vec.UnionOne(b.Vecs[i], int64(row), mp); err != nil {
				return err
			}
		}
	}
	bat.rowCount += b.rowCount
	return nil
}

// Shrink keeps only the selected rows, in sels order.
func (bat *Batch) Shrink(sels []int64) {
	for _, vec := range bat.Vecs {
		vec.Shrink(sels)
	}
	bat.rowCount = len(sels)
}

// Dup deep-copies the batch onto mp.
func (bat *Batch) Dup(mp *mpool.MPool) (*Batch, error) {
	rbat := NewWithSize(len(bat.Vecs))
	rbat.rowCount = bat.rowCount
	for i, vec := range bat.Vecs {
		dv, err := vec.Dup(mp)
		if err != nil {
			rbat.Clean(mp)
			return nil, err
		}
		rbat.Vecs[i] = dv
	}
	return rbat, nil
}

// CleanOnlyData resets vectors for reuse without releasing buffers.
func (bat *Batch) CleanOnlyData() {
	for _, vec := range bat.Vecs {
		if vec != nil {
			vec.CleanOnlyData()
		}
	}
	bat.rowCount = 0
}

func (bat *Batch) Clean(mp *mpool.MPool) {
	if bat == nil {
		return
	}
	for _, vec := range bat.Vecs {
		if vec != nil {
			vec.Free(mp)
		}
	}
	bat.Vecs = nil
	bat.rowCount = 0
}

// MarshalBinary encodes one spill-format batch: row count, column count,
// then each column's section (which carries its own type header, fixed
// data and varlen arena).
func (bat *Batch) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 8+bat.Size())
	buf = binary.LittleEndian.AppendUint32(buf, uint32(bat.rowCount))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(bat.Vecs)))
	for _, vec := range bat.Vecs {
		vb, err := vec.MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(vb)))
		buf = append(buf, vb...)
	}
	return buf, nil
}

// UnmarshalBinary rebuilds a batch from MarshalBinary output, copying data
// onto mp.
func (bat *Batch) UnmarshalBinary(data []byte, mp *mpool.MPool) error {
	if len(data) < 8 {
		return moerr.NewInvalidInput("short batch encoding")
	}
	bat.rowCount = int(binary.LittleEndian.Uint32(data))
	vecCount := int(binary.LittleEndian.Uint32(data[4:]))
	data = data[8:]
	bat.Vecs = make([]*vector.Vector, vecCount)
	for i := 0; i < vecCount; i++ {
		if len(data) < 4 {
			return moerr.NewInvalidInput("truncated batch encoding")
		}
		vbLen := int(binary.LittleEndian.Uint32(data))
		data = data[4:]
		if len(data) < vbLen {
			return moerr.NewInvalidInput("truncated batch encoding")
		}
		vec := &vector.Vector{}
		if err := vec.UnmarshalBinary(data[:vbLen], mp); err != nil {
			return err
		}
		bat.Vecs[i] = vec
		data = data[vbLen:]
	}
	return nil
}
