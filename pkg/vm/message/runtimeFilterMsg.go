// Copyright 2022 Matrix Origin
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

package message

import (
	"context"
	"strconv"

	"github.com/RoaringBitmap/roaring"
)

const (
	RuntimeFilter_IN      = 0
	RuntimeFilter_MIN_MAX = 2
	RuntimeFilter_PASS    = 100
	RuntimeFilter_DROP    = 101
)

var _ Message = RuntimeFilterMessage{}

// RuntimeFilterMessage is the dynamic filter channel: a one-shot predicate
// over one probe-side scan column derived from the observed build keys.
// IN filters carry the distinct key set as offsets from Min in a roaring
// bitmap; MIN_MAX carries the range alone. PASS means "no pruning
// possible", DROP means "the build side is empty, emit nothing".
type RuntimeFilterMessage struct {
	Tag    int32
	Typ    int32
	ColIdx int32
	Card   int32
	Min    int64
	Max    int64
	Set    *roaring.Bitmap

	// ReplacesJoin is set when the filter covers the whole join: the scan
	// filters, the probe passes rows through unchanged.
	ReplacesJoin bool
}

func (rt RuntimeFilterMessage) NeedBlock() bool {
	return true
}

func (rt RuntimeFilterMessage) GetMsgTag() int32 {
	return rt.Tag
}

func (rt RuntimeFilterMessage) DebugString() string {
	s := "runtime filter message, tag:" + strconv.Itoa(int(rt.Tag)) +
		", typ:" + strconv.Itoa(int(rt.Typ))
	if rt.Typ == RuntimeFilter_IN || rt.Typ == RuntimeFilter_MIN_MAX {
		s += ", range [" + strconv.FormatInt(rt.Min, 10) + "," + strconv.FormatInt(rt.Max, 10) + "]"
	}
	return s
}

// Accepts reports whether key passes the filter.
func (rt *RuntimeFilterMessage) Accepts(key int64) bool {
	switch rt.Typ {
	case RuntimeFilter_PASS:
		return true
	case RuntimeFilter_DROP:
		return false
	case RuntimeFilter_MIN_MAX:
		return key >= rt.Min && key <= rt.Max
	case RuntimeFilter_IN:
		if key < rt.Min || key > rt.Max {
			return false
		}
		return rt.Set.Contains(uint32(key - rt.Min))
	}
	return true
}

// SendRuntimeFilter publishes a filter on the scan's tag. Duplicate
// publication on one tag is rejected by the board.
func SendRuntimeFilter(rt RuntimeFilterMessage, mb *MessageBoard) error {
	return SendMessage(rt, mb)
}

// PollRuntimeFilter returns the filter for tag when it has been published,
// without blocking.
func PollRuntimeFilter(tag int32, mb *MessageBoard) (*RuntimeFilterMessage, error) {
	msgReceiver := NewMessageReceiver([]int32{tag}, mb)
	msgs, _, err := msgReceiver.ReceiveMessage(false, context.Background())
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if rt, ok := msgs[i].(RuntimeFilterMessage); ok {
			return &rt, nil
		}
	}
	return nil, nil
}
