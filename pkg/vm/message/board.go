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
	"sync"

	"github.com/osmiumdb/osmium/pkg/common/moerr"
)

// Message is anything posted on a board. Blocking messages park their
// receivers until publication.
type Message interface {
	GetMsgTag() int32
	NeedBlock() bool
	DebugString() string
}

// MessageBoard is the only cross-driver rendezvous in a query: the join
// bridge and the dynamic filter channel are both tags on it.
type MessageBoard struct {
	mu        sync.Mutex
	messages  []Message
	published map[int32]bool
	cancelled bool
	arrival   chan struct{}
}

func NewMessageBoard() *MessageBoard {
	return &MessageBoard{
		published: make(map[int32]bool),
		arrival:   make(chan struct{}),
	}
}

// SendMessage publishes m. Blocking message tags are at-most-once; a second
// publication on the same tag is an invariant break.
func SendMessage(m Message, mb *MessageBoard) error {
	mb.mu.Lock()
	if m.NeedBlock() {
		if mb.published[m.GetMsgTag()] {
			mb.mu.Unlock()
			return moerr.NewDuplicatePublish(m.DebugString())
		}
		mb.published[m.GetMsgTag()] = true
	}
	mb.messages = append(mb.messages, m)
	arrival := mb.arrival
	mb.arrival = make(chan struct{})
	mb.mu.Unlock()
	close(arrival)
	return nil
}

// Cancel unblocks every waiter; they observe a query-interrupted error.
func (mb *MessageBoard) Cancel() {
	mb.mu.Lock()
	mb.cancelled = true
	arrival := mb.arrival
	mb.arrival = make(chan struct{})
	mb.mu.Unlock()
	close(arrival)
}

// MessageReceiver collects messages for a fixed set of tags.
type MessageReceiver struct {
	tags     []int32
	mb       *MessageBoard
	consumed int
}

func NewMessageReceiver(tags []int32, mb *MessageBoard) *MessageReceiver {
	return &MessageReceiver{tags: tags, mb: mb}
}

func (mr *MessageReceiver) match(m Message) bool {
	for _, tag := range mr.tags {
		if tag == m.GetMsgTag() {
			return true
		}
	}
	return false
}

// ReceiveMessage returns matching messages. When block is set it parks
// until at least one arrives, the board is cancelled, or ctx is done; the
// second return value reports ctx expiry, which also surfaces as a
// query-interrupted error so a cancelled task never reads an empty
// publication.
func (mr *MessageReceiver) ReceiveMessage(block bool, ctx context.Context) ([]Message, bool, error) {
	for {
		mr.mb.mu.Lock()
		if mr.mb.cancelled {
			mr.mb.mu.Unlock()
			return nil, false, moerr.NewQueryInterrupted()
		}
		var result []Message
		for ; mr.consumed < len(mr.mb.messages); mr.consumed++ {
			if m := mr.mb.messages[mr.consumed]; mr.match(m) {
				result = append(result, m)
			}
		}
		arrival := mr.mb.arrival
		mr.mb.mu.Unlock()

		if len(result) > 0 || !block {
			return result, false, nil
		}
		select {
		case <-arrival:
		case <-ctx.Done():
			return nil, true, moerr.NewQueryInterrupted()
		}
	}
}
