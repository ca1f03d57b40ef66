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

package types

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// T is the type oid of a column.
type T uint8

const (
	T_any T = iota
	T_bool
	T_int8
	T_int16
	T_int32
	T_int64
	T_uint8
	T_uint16
	T_uint32
	T_uint64
	T_float32
	T_float64
	T_char
	T_varchar
)

// Type describes a column type. Width and Scale only matter for char-family
// types in this engine.
type Type struct {
	Oid   T
	Size  int32
	Width int32
	Scale int32
}

func New(oid T) Type {
	return Type{Oid: oid, Size: int32(oid.TypeSize())}
}

func (t Type) TypeSize() int {
	return t.Oid.TypeSize()
}

func (t Type) IsFixedLen() bool {
	return t.Oid.FixedLength() >= 0
}

func (t Type) IsVarlen() bool {
	return !t.IsFixedLen()
}

func (t Type) IsInteger() bool {
	switch t.Oid {
	case T_int8, T_int16, T_int32, T_int64, T_uint8, T_uint16, T_uint32, T_uint64:
		return true
	}
	return false
}

func (t Type) IsSignedInt() bool {
	switch t.Oid {
	case T_int8, T_int16, T_int32, T_int64:
		return true
	}
	return false
}

func (t Type) IsFloat() bool {
	return t.Oid == T_float32 || t.Oid == T_float64
}

func (t Type) String() string {
	return t.Oid.String()
}

func (t T) TypeSize() int {
	if l := t.FixedLength(); l >= 0 {
		return l
	}
	return VarlenaSize
}

// FixedLength returns the byte width of a fixed type, or -1 for varlen.
func (t T) FixedLength() int {
	switch t {
	case T_bool, T_int8, T_uint8:
		return 1
	case T_int16, T_uint16:
		return 2
	case T_int32, T_uint32, T_float32:
		return 4
	case T_int64, T_uint64, T_float64:
		return 8
	case T_char, T_varchar:
		return -1
	}
	return -1
}

func (t T) String() string {
	switch t {
	case T_any:
		return "ANY"
	case T_bool:
		return "BOOL"
	case T_int8:
		return "TINYINT"
	case T_int16:
		return "SMALLINT"
	case T_int32:
		return "INT"
	case T_int64:
		return "BIGINT"
	case T_uint8:
		return "TINYINT UNSIGNED"
	case T_uint16:
		return "SMALLINT UNSIGNED"
	case T_uint32:
		return "INT UNSIGNED"
	case T_uint64:
		return "BIGINT UNSIGNED"
	case T_float32:
		return "FLOAT"
	case T_float64:
		return "DOUBLE"
	case T_char:
		return "CHAR"
	case T_varchar:
		return "VARCHAR"
	}
	return fmt.Sprintf("T(%d)", t)
}

// FixedSizeT constrains the element types a fixed-width vector can hold.
type FixedSizeT interface {
	bool | constraints.Integer | constraints.Float | Varlena
}

// FixedSizeTExceptStrType is FixedSizeT without Varlena.
type FixedSizeTExceptStrType interface {
	bool | constraints.Integer | constraints.Float
}

const (
	VarlenaSize       = 24
	VarlenaInlineSize = 23
	varlenaBigFlag    = 0xff
)

// Varlena is the in-vector handle of a variable-length value. Values of up
// to VarlenaInlineSize bytes are stored inline; longer values live in the
// vector's area and the handle stores (offset, length).
type Varlena [VarlenaSize]byte

func (v *Varlena) IsSmall() bool {
	return v[0] != varlenaBigFlag
}

func (v *Varlena) SetSmall(data []byte) {
	v[0] = byte(len(data))
	copy(v[1:], data)
}

func (v *Varlena) SetBig(offset, length uint32) {
	v[0] = varlenaBigFlag
	binary.LittleEndian.PutUint32(v[1:5], offset)
	binary.LittleEndian.PutUint32(v[5:9], length)
}

func (v *Varlena) OffsetLen() (uint32, uint32) {
	return binary.LittleEndian.Uint32(v[1:5]), binary.LittleEndian.Uint32(v[5:9])
}

// GetByteSlice resolves the handle against the owning vector's area.
func (v *Varlena) GetByteSlice(area []byte) []byte {
	if v.IsSmall() {
		return v[1 : 1+int(v[0])]
	}
	off, length := v.OffsetLen()
	return area[off : off+length]
}

// BuildVarlena encodes data, appending to area when it does not fit inline.
// The possibly grown area is returned.
func BuildVarlena(data []byte, area []byte) (Varlena, []byte) {
	var v Varlena
	if len(data) <= VarlenaInlineSize {
		v.SetSmall(data)
		return v, area
	}
	v.SetBig(uint32(len(area)), uint32(len(data)))
	area = append(area, data...)
	return v, area
}

// CanonicalizeFloat64 maps every NaN bit pattern to one canonical NaN and
// -0.0 to +0.0 so hashing and packed-key comparison see one value per
// equality class.
func CanonicalizeFloat64(f float64) float64 {
	if math.IsNaN(f) {
		return math.NaN()
	}
	if f == 0 {
		return 0
	}
	return f
}

func CanonicalizeFloat32(f float32) float32 {
	if f != f {
		return float32(math.NaN())
	}
	if f == 0 {
		return 0
	}
	return f
}
