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

package hashtable

import (
	"math/bits"
	"unsafe"
)

const (
	wyp0 = 0xa0761d6478bd642f
	wyp1 = 0xe7037ed1a0b428db
	wyp2 = 0x8ebc6af09c88c6e3
	wyp3 = 0x589965cc75374cc3
	wyp4 = 0x1d8e4e27c47d124f
)

func mix(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	return hi ^ lo
}

func r4(p unsafe.Pointer, off uint64) uint64 {
	return uint64(*(*uint32)(unsafe.Add(p, off)))
}

func r8(p unsafe.Pointer, off uint64) uint64 {
	return *(*uint64)(unsafe.Add(p, off))
}

// wyhash is the portable fallback hash used for all key bytes.
func wyhash(data unsafe.Pointer, seed, s uint64) uint64 {
	var a, b uint64
	seed ^= wyp0
	if s <= 16 {
		if s >= 4 {
			a = (r4(data, 0) << 32) | r4(data, (s>>3)<<2)
			b = (r4(data, s-4) << 32) | r4(data, s-4-((s>>3)<<2))
		} else if s > 0 {
			p := (*[3]byte)(data)
			a = uint64(p[0])<<16 | uint64(p[s>>1])<<8 | uint64(p[s-1])
			b = 0
		}
	} else {
		i := s
		var off uint64
		if i > 48 {
			see1 := seed
			see2 := seed
			for i > 48 {
				seed = mix(r8(data, off)^wyp1, r8(data, off+8)^seed)
				see1 = mix(r8(data, off+16)^wyp2, r8(data, off+24)^see1)
				see2 = mix(r8(data, off+32)^wyp3, r8(data, off+40)^see2)
				off += 48
				i -= 48
			}
			seed ^= see1 ^ see2
		}
		for i > 16 {
			seed = mix(r8(data, off)^wyp1, r8(data, off+8)^seed)
			off += 16
			i -= 16
		}
		a = r8(data, off+i-16)
		b = r8(data, off+i-8)
	}
	return mix(wyp1^s, mix(a^wyp1, b^seed))
}

func wyhash64(x uint64) uint64 {
	return mix(wyp0^8, mix(x^wyp1, x^wyp4))
}

// Int64Hash hashes a packed 64-bit key.
func Int64Hash(x uint64) uint64 {
	return wyhash64(x)
}

// Int64BatchHash hashes length packed keys into hashes.
func Int64BatchHash(data unsafe.Pointer, hashes *uint64, length int) {
	dataSlice := unsafe.Slice((*uint64)(data), length)
	hashSlice := unsafe.Slice(hashes, length)
	for i := 0; i < length; i++ {
		hashSlice[i] = wyhash64(dataSlice[i])
	}
}

// BytesHash produces the 128-bit state used to key the string hash map.
func BytesHash(data []byte, state *[2]uint64) {
	if len(data) == 0 {
		state[0], state[1] = wyp2, wyp3
		return
	}
	p := unsafe.Pointer(&data[0])
	state[0] = wyhash(p, wyp2, uint64(len(data)))
	state[1] = wyhash(p, wyp3, uint64(len(data)))
}

// BytesBatchGenHashStates fills one state per key.
func BytesBatchGenHashStates(keys [][]byte, states [][2]uint64, length int) {
	for i := 0; i < length; i++ {
		BytesHash(keys[i], &states[i])
	}
}
