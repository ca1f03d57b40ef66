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
	"encoding/binary"

	"github.com/osmiumdb/osmium/pkg/common/moerr"
	"github.com/osmiumdb/osmium/pkg/common/mpool"
	"github.com/osmiumdb/osmium/pkg/container/nulls"
	"github.com/osmiumdb/osmium/pkg/container/types"
)

const (
	// FLAT is a plain columnar vector, CONSTANT a single value repeated
	// length times (possibly null).
	FLAT = iota
	CONSTANT
)

// Vector is the unit of columnar data flow. Fixed-width elements live in
// data; variable-length values are Varlena handles in data resolving into
// area.
type Vector struct {
	class int
	typ   types.Type
	nsp   *nulls.Nulls

	data []byte
	area []byte

	length   int
	capacity int

	sorted bool
}

func NewVec(typ types.Type) *Vector {
	return &Vector{typ: typ, class: FLAT, nsp: &nulls.Nulls{}}
}

// NewConstNull returns a constant vector of nulls.
func NewConstNull(typ types.Type, length int) *Vector {
	v := &Vector{typ: typ, class: CONSTANT, nsp: &nulls.Nulls{}, length: length}
	v.nsp.Add(0)
	return v
}

// NewConstFixed returns a constant vector holding val.
func NewConstFixed[T types.FixedSizeTExceptStrType](typ types.Type, val T, length int, mp *mpool.MPool) (*Vector, error) {
	v := NewVec(typ)
	if err := AppendFixed(v, val, false, mp); err != nil {
		return nil, err
	}
	v.class = CONSTANT
	v.length = length
	return v, nil
}

func (v *Vector) Length() int {
	return v.length
}

func (v *Vector) SetLength(n int) {
	v.length = n
}

func (v *Vector) Capacity() int {
	return v.capacity
}

func (v *Vector) GetType() *types.Type {
	return &v.typ
}

func (v *Vector) GetNulls() *nulls.Nulls {
	return v.nsp
}

func (v *Vector) SetNulls(nsp *nulls.Nulls) {
	v.nsp = nsp
}

func (v *Vector) IsConst() bool {
	return v.class == CONSTANT
}

func (v *Vector) IsConstNull() bool {
	return v.class == CONSTANT && v.nsp.Contains(0)
}

// ToConst reinterprets a one-row vector as a constant over length rows.
// The returned view shares the receiver's storage.
func (v *Vector) ToConst(length int) *Vector {
	w := *v
	w.class = CONSTANT
	w.length = length
	return &w
}

// ConstViewAt views one row of the receiver as a constant of length rows,
// sharing storage. Join residual filters evaluate over such views instead
// of copying row pairs.
func (v *Vector) ConstViewAt(row, length int) *Vector {
	w := &Vector{typ: v.typ, class: CONSTANT, length: length, area: v.area, nsp: &nulls.Nulls{}}
	if v.IsConst() {
		row = 0
	}
	if v.IsNull(uint64(row)) {
		w.nsp.Add(0)
		return w
	}
	sz := v.typ.TypeSize()
	w.data = v.data[row*sz : (row+1)*sz]
	return w
}

func (v *Vector) GetSorted() bool {
	return v.sorted
}

func (v *Vector) SetSorted(b bool) {
	v.sorted = b
}

func (v *Vector) GetArea() []byte {
	return v.area
}

// Size returns the allocated footprint in bytes.
func (v *Vector) Size() int {
	return cap(v.data) + cap(v.area)
}

// HasNull reports whether any visible row is null.
func (v *Vector) HasNull() bool {
	if v.IsConstNull() {
		return v.length > 0
	}
	return v.nsp.Any()
}

// IsNull reports row nullness, honoring constant vectors.
func (v *Vector) IsNull(row uint64) bool {
	if v.IsConst() {
		return v.nsp.Contains(0)
	}
	return v.nsp.Contains(row)
}

// MustFixedCol views the vector's data as a typed slice. The caller must
// know the element type; constant vectors yield a single-element slice.
func MustFixedCol[T types.FixedSizeT](v *Vector) []T {
	if len(v.data) == 0 {
		return nil
	}
	vs := types.DecodeSlice[T](v.data)
	if v.IsConst() {
		return vs[:1]
	}
	return vs[:v.length]
}

// GetFixedAt reads a single fixed-width element, collapsing constants.
func GetFixedAt[T types.FixedSizeT](v *Vector, row int) T {
	if v.IsConst() {
		row = 0
	}
	return types.DecodeSlice[T](v.data)[row]
}

// GetBytesAt resolves a varlen element.
func (v *Vector) GetBytesAt(row int) []byte {
	if v.IsConst() {
		row = 0
	}
	va := types.DecodeSlice[types.Varlena](v.data)[row]
	return va.GetByteSlice(v.area)
}

func (v *Vector) GetStringAt(row int) string {
	return string(v.GetBytesAt(row))
}

// PreExtend grows capacity to hold at least rows additional elements so the
// following appends cannot fail on allocation.
func (v *Vector) PreExtend(rows int, mp *mpool.MPool) error {
	return v.extend(v.length+rows, mp)
}

func (v *Vector) extend(target int, mp *mpool.MPool) error {
	if target <= v.capacity {
		return nil
	}
	sz := v.typ.TypeSize()
	newCap := v.capacity*2 + 64
	if newCap < target {
		newCap = target
	}
	data, err := mp.Grow(v.data, newCap*sz)
	if err != nil {
		return err
	}
	v.data = data
	v.capacity = cap(data) / sz
	return nil
}

// AppendFixed appends one fixed-width element.
func AppendFixed[T types.FixedSizeT](v *Vector, val T, isNull bool, mp *mpool.MPool) error {
	if v.IsConst() {
		return moerr.NewInternalError("append to const vector")
	}
	if err := v.extend(v.length+1, mp); err != nil {
		return err
	}
	row := v.length
	v.length++
	if isNull {
		v.nsp.Add(uint64(row))
		return nil
	}
	types.DecodeSlice[T](v.data)[row] = val
	return nil
}

// AppendFixedList appends a run of fixed-width elements with optional
// per-element nullness.
func AppendFixedList[T types.FixedSizeT](v *Vector, vals []T, isNulls []bool, mp *mpool.MPool) error {
	for i := range vals {
		isNull := len(isNulls) > i && isNulls[i]
		if err := AppendFixed(v, vals[i], isNull, mp); err != nil {
			return err
		}
	}
	return nil
}

// AppendBytes appends one varlen element.
func AppendBytes(v *Vector, val []byte, isNull bool, mp *mpool.MPool) error {
	if v.IsConst() {
		return moerr.NewInternalError("append to const vector")
	}
	if err := v.extend(v.length+1, mp); err != nil {
		return err
	}
	row := v.length
	v.length++
	if isNull {
		v.nsp.Add(uint64(row))
		return nil
	}
	var va types.Varlena
	va, v.area = types.BuildVarlena(val, v.area)
	types.DecodeSlice[types.Varlena](v.data)[row] = va
	return nil
}

func AppendStringList(v *Vector, vals []string, isNulls []bool, mp *mpool.MPool) error {
	for i := range vals {
		isNull := len(isNulls) > i && isNulls[i]
		if err := AppendBytes(v, []byte(vals[i]), isNull, mp); err != nil {
			return err
		}
	}
	return nil
}

// UnionOne appends w[sel] to v.
func (v *Vector) UnionOne(w *Vector, sel int64, mp *mpool.MPool) error {
	if w.IsNull(uint64(sel)) {
		return v.UnionNull(mp)
	}
	if v.typ.IsVarlen() {
		return AppendBytes(v, w.GetBytesAt(int(sel)), false, mp)
	}
	if err := v.extend(v.length+1, mp); err != nil {
		return err
	}
	row := v.length
	v.length++
	sz := v.typ.TypeSize()
	src := int(sel)
	if w.IsConst() {
		src = 0
	}
	copy(v.data[row*sz:(row+1)*sz], w.data[src*sz:(src+1)*sz])
	return nil
}

// UnionMulti appends w[sel] cnt times.
func (v *Vector) UnionMulti(w *Vector, sel int64, cnt int, mp *mpool.MPool) error {
	for i := 0; i < cnt; i++ {
		if err := v.UnionOne(w, sel, mp); err != nil {
			return err
		}
	}
	return nil
}

// Union appends w[sel] for every sel.
func (v *Vector) Union(w *Vector, sels []int64, mp *mpool.MPool) error {
	for _, sel := range sels {
		if err := v.UnionOne(w, sel, mp); err != nil {
			return err
		}
	}
	return nil
}

// UnionNull appends a null row.
func (v *Vector) UnionNull(mp *mpool.MPool) error {
	if err := v.extend(v.length+1, mp); err != nil {
		return err
	}
	v.nsp.Add(uint64(v.length))
	v.length++
	return nil
}

// Shrink keeps only the selected rows, in sels order.
func (v *Vector) Shrink(sels []int64) {
	if v.IsConst() {
		v.length = len(sels)
		return
	}
	sz := v.typ.TypeSize()
	for i, sel := range sels {
		copy(v.data[i*sz:(i+1)*sz], v.data[int(sel)*sz:(int(sel)+1)*sz])
	}
	v.nsp = v.nsp.Filter(sels)
	v.length = len(sels)
}

// Dup deep-copies the vector onto mp.
func (v *Vector) Dup(mp *mpool.MPool) (*Vector, error) {
	w := NewVec(v.typ)
	w.class = v.class
	w.sorted = v.sorted
	w.length = v.length
	if len(v.data) > 0 {
		data, err := mp.Alloc(len(v.data))
		if err != nil {
			return nil, err
		}
		copy(data, v.data)
		w.data = data
		w.capacity = cap(data) / v.typ.TypeSize()
	}
	if len(v.area) > 0 {
		w.area = append([]byte(nil), v.area...)
	}
	w.nsp = v.nsp.Dup()
	return w, nil
}

// CleanOnlyData resets the vector for reuse without releasing its buffers.
func (v *Vector) CleanOnlyData() {
	v.length = 0
	v.area = v.area[:0]
	v.nsp.Reset()
}

func (v *Vector) Free(mp *mpool.MPool) {
	if v == nil {
		return
	}
	mp.Free(v.data)
	v.data = nil
	v.area = nil
	v.length = 0
	v.capacity = 0
	v.nsp = &nulls.Nulls{}
}

// MarshalBinary lays the vector out as the per-column section of the spill
// format: oid, lengths, fixed data, varlen arena, null bitmap.
func (v *Vector) MarshalBinary() ([]byte, error) {
	nb, err := v.nsp.Marshal()
	if err != nil {
		return nil, err
	}
	sz := v.typ.TypeSize()
	body := v.data
	if len(body) > v.length*sz {
		body = body[:v.length*sz]
	}
	buf := make([]byte, 0, 1+4*3+len(body)+len(v.area)+len(nb))
	buf = append(buf, byte(v.typ.Oid))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(v.length))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.area)))
	buf = append(buf, v.area...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(nb)))
	buf = append(buf, nb...)
	return buf, nil
}

// UnmarshalBinary rebuilds the vector from MarshalBinary output, copying
// onto mp.
func (v *Vector) UnmarshalBinary(data []byte, mp *mpool.MPool) error {
	if len(data) < 9 {
		return moerr.NewInvalidInput("short vector encoding")
	}
	v.typ = types.New(types.T(data[0]))
	data = data[1:]
	v.length = int(binary.LittleEndian.Uint32(data))
	data = data[4:]

	dataLen := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if dataLen > 0 {
		buf, err := mp.Alloc(dataLen)
		if err != nil {
			return err
		}
		copy(buf, data[:dataLen])
		v.data = buf
		v.capacity = cap(buf) / v.typ.TypeSize()
	}
	data = data[dataLen:]

	areaLen := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if areaLen > 0 {
		v.area = append([]byte(nil), data[:areaLen]...)
	}
	data = data[areaLen:]

	nbLen := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	v.nsp = &nulls.Nulls{}
	if nbLen > 0 {
		if err := v.nsp.Unmarshal(data[:nbLen]); err != nil {
			return err
		}
	}
	return nil
}
