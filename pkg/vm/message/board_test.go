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
	"testing"
	"time"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/osmiumdb/osmium/pkg/common/moerr"
)

func TestJoinMapPublishAndReceive(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mb := NewMessageBoard()

	var wg sync.WaitGroup
	results := make([]*JoinMap, 4)
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			jm, _, err := ReceiveJoinMap(7, mb, context.Background())
			require.NoError(t, err)
			results[i] = jm
		}()
	}

	jm := NewJoinMap(ModeHash, nil, nil, nil, nil)
	jm.IncRef(4)
	require.NoError(t, SendMessage(JoinMapMsg{JoinMapPtr: jm, Tag: 7}, mb))
	wg.Wait()

	for i := 0; i < 4; i++ {
		require.Same(t, jm, results[i])
	}
}

func TestJoinMapDoublePublish(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mb := NewMessageBoard()
	require.NoError(t, SendMessage(JoinMapMsg{Tag: 3}, mb))
	err := SendMessage(JoinMapMsg{Tag: 3}, mb)
	require.Error(t, err)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrDuplicatePublish))
}

func TestReceiveCancelledByContext(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mb := NewMessageBoard()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		// a cancelled task must unwind, not read an empty build
		jm, _, err := ReceiveJoinMap(1, mb, ctx)
		require.True(t, moerr.IsMoErrCode(err, moerr.ErrQueryInterrupted))
		require.Nil(t, jm)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done
}

func TestBoardCancelUnblocksWaiters(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mb := NewMessageBoard()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := ReceiveJoinMap(1, mb, context.Background())
		require.Error(t, err)
		require.True(t, moerr.IsMoErrCode(err, moerr.ErrQueryInterrupted))
	}()
	time.Sleep(10 * time.Millisecond)
	mb.Cancel()
	<-done
}

func TestRuntimeFilterPoll(t *testing.T) {
	defer leaktest.AfterTest(t)()
	mb := NewMessageBoard()

	rt, err := PollRuntimeFilter(9, mb)
	require.NoError(t, err)
	require.Nil(t, rt)

	require.NoError(t, SendRuntimeFilter(RuntimeFilterMessage{
		Tag: 9, Typ: RuntimeFilter_MIN_MAX, Min: 5, Max: 10,
	}, mb))

	rt, err = PollRuntimeFilter(9, mb)
	require.NoError(t, err)
	require.NotNil(t, rt)
	require.True(t, rt.Accepts(7))
	require.False(t, rt.Accepts(11))
}
