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
	"unsafe"
)

// EncodeFixed views a fixed-size value as its raw bytes.
func EncodeFixed[T FixedSizeT](v T) []byte {
	sz := int(unsafe.Sizeof(v))
	return unsafe.Slice((*byte)(unsafe.Pointer(&v)), sz)
}

// DecodeFixed reinterprets the head of b as a T.
func DecodeFixed[T FixedSizeT](b []byte) T {
	return *(*T)(unsafe.Pointer(&b[0]))
}

// EncodeSlice views a typed slice as raw bytes without copying.
func EncodeSlice[T any](vs []T) []byte {
	if len(vs) == 0 {
		return nil
	}
	sz := int(unsafe.Sizeof(vs[0]))
	return unsafe.Slice((*byte)(unsafe.Pointer(&vs[0])), len(vs)*sz)
}

// DecodeSlice views raw bytes as a typed slice without copying. len(b) must
// be a multiple of the element size.
func DecodeSlice[T any](b []byte) []T {
	var zero T
	sz := int(unsafe.Sizeof(zero))
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/sz)
}
