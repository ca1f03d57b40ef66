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

package hashbuild

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/prashantv/gostub"
	"github.com/stretchr/testify/require"

	"github.com/osmiumdb/osmium/pkg/common/mpool"
	"github.com/osmiumdb/osmium/pkg/config"
	"github.com/osmiumdb/osmium/pkg/container/batch"
	"github.com/osmiumdb/osmium/pkg/container/types"
	"github.com/osmiumdb/osmium/pkg/container/vector"
	"github.com/osmiumdb/osmium/pkg/sql/colexec/spill"
	"github.com/osmiumdb/osmium/pkg/sql/colexec/value_scan"
	"github.com/osmiumdb/osmium/pkg/sql/plan"
	"github.com/osmiumdb/osmium/pkg/vm"
	"github.com/osmiumdb/osmium/pkg/vm/message"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

func testProc(t *testing.T) *process.Process {
	mp := mpool.MustNewZero(t.Name())
	t.Cleanup(func() { mpool.DeleteMPool(mp) })
	cfg := config.Default()
	cfg.Spill.SpillDir = t.TempDir()
	return process.New(context.Background(), mp, cfg)
}

func buildNode(tag int32) *plan.JoinNode {
	return &plan.JoinNode{
		JoinType:     plan.Inner,
		ProbeTypes:   []types.Type{types.New(types.T_int64)},
		BuildTypes:   []types.Type{types.New(types.T_int64)},
		ProbeKeys:    []int32{0},
		BuildKeys:    []int32{0},
		OutputLayout: []plan.ResultPos{{Rel: plan.RelProbe, Pos: 0}},
		JoinMapTag:   tag,
	}
}

func keyBatch(t *testing.T, proc *process.Process, vs []int64) *batch.Batch {
	bat := batch.NewWithSize(1)
	bat.Vecs[0] = vector.NewVec(types.New(types.T_int64))
	require.NoError(t, vector.AppendFixedList(bat.Vecs[0], vs, nil, proc.Mp()))
	bat.SetRowCount(len(vs))
	return bat
}

func newBuild(t *testing.T, node *plan.JoinNode, shared *SharedBuild, batches []*batch.Batch) (*HashBuild, *atomic.Int64) {
	var total atomic.Int64
	scan := &value_scan.ValueScan{Batches: batches}
	hb := &HashBuild{
		Node:            node,
		NeedHashMap:     true,
		JoinMapTag:      node.JoinMapTag,
		JoinMapRefCnt:   1,
		Shared:          shared,
		TotalSpillBytes: &total,
	}
	hb.SetChildren([]vm.Operator{scan})
	return hb, &total
}

func drive(t *testing.T, proc *process.Process, hb *HashBuild) {
	require.NoError(t, hb.GetChildren(0).Prepare(proc))
	require.NoError(t, hb.Prepare(proc))
	for {
		res, err := hb.Call(proc)
		require.NoError(t, err)
		if res.Status == vm.ExecStop {
			return
		}
	}
}

func TestBuildPublishesJoinMap(t *testing.T) {
	proc := testProc(t)
	node := buildNode(31)
	hb, _ := newBuild(t, node, NewSharedBuild(1), []*batch.Batch{keyBatch(t, proc, []int64{1, 2, 2, 3})})
	drive(t, proc, hb)

	jm, spilled, err := message.ReceiveJoinMap(31, proc.GetMessageBoard(), proc.Ctx)
	require.NoError(t, err)
	require.NotNil(t, jm)
	require.Empty(t, spilled)
	require.Equal(t, int64(4), jm.GetRowCount())
	require.Equal(t, uint64(3), jm.GroupCount())
	jm.Free()
}

func TestBuildEmptyInputPublishesNil(t *testing.T) {
	proc := testProc(t)
	node := buildNode(32)
	hb, _ := newBuild(t, node, NewSharedBuild(1), nil)
	drive(t, proc, hb)

	jm, spilled, err := message.ReceiveJoinMap(32, proc.GetMessageBoard(), proc.Ctx)
	require.NoError(t, err)
	require.Nil(t, jm)
	require.Empty(t, spilled)
}

func TestBuildSpillOnReclaim(t *testing.T) {
	proc := testProc(t)
	logged := 0
	stubs := gostub.Stub(&spill.LogSpill, func(string, int32, int32, int64, int64) {
		logged++
	})
	defer stubs.Reset()

	node := buildNode(33)
	vs := make([]int64, 2000)
	for i := range vs {
		vs[i] = int64(i)
	}
	hb, total := newBuild(t, node, NewSharedBuild(1), []*batch.Batch{keyBatch(t, proc, vs)})
	hb.SpillHook = func(rows int) bool { return rows >= 2000 }
	drive(t, proc, hb)

	jm, spilled, err := message.ReceiveJoinMap(33, proc.GetMessageBoard(), proc.Ctx)
	require.NoError(t, err)
	require.Nil(t, jm)
	require.NotEmpty(t, spilled)
	require.Greater(t, total.Load(), int64(0))
	require.Greater(t, logged, 0)

	var rows int64
	for _, p := range spilled {
		rows += p.Rows
	}
	require.Equal(t, int64(2000), rows)

	// the spilled rows are intact on disk
	fs, err := proc.GetSpillFileService()
	require.NoError(t, err)
	got := map[int64]bool{}
	for _, p := range spilled {
		reader := spill.NewPartitionReader(fs, p.Files, proc.Mp())
		for {
			bat, err := reader.Next()
			require.NoError(t, err)
			if bat == nil {
				break
			}
			for _, v := range vector.MustFixedCol[int64](bat.Vecs[0]) {
				got[v] = true
			}
			bat.Clean(proc.Mp())
		}
		reader.Close()
	}
	require.Len(t, got, 2000)
}

// the leader aligns the on-disk picture: a partition spilled by one driver
// is spilled by every driver.
func TestLeaderAlignsSpilledPartitions(t *testing.T) {
	proc := testProc(t)
	node := buildNode(34)
	shared := NewSharedBuild(2)

	vs := make([]int64, 1000)
	for i := range vs {
		vs[i] = int64(i)
	}

	hb1, _ := newBuild(t, node, shared, []*batch.Batch{keyBatch(t, proc, vs)})
	hb1.SpillHook = func(rows int) bool { return rows >= 1000 }
	hb2, _ := newBuild(t, node, shared, []*batch.Batch{keyBatch(t, proc, vs)})

	done := make(chan error, 2)
	for _, hb := range []*HashBuild{hb1, hb2} {
		hb := hb
		go func() {
			dproc := process.NewFromProc(proc)
			if err := hb.GetChildren(0).Prepare(dproc); err != nil {
				done <- err
				return
			}
			if err := hb.Prepare(dproc); err != nil {
				done <- err
				return
			}
			for {
				res, err := hb.Call(dproc)
				if err != nil {
					done <- err
					return
				}
				if res.Status == vm.ExecStop {
					done <- nil
					return
				}
			}
		}()
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	jm, spilled, err := message.ReceiveJoinMap(34, proc.GetMessageBoard(), proc.Ctx)
	require.NoError(t, err)
	require.NotEmpty(t, spilled)

	// every copy of a spilled key is on disk, none is in the table
	spilledIDs := map[int32]bool{}
	var spilledRows int64
	for _, p := range spilled {
		spilledIDs[p.PartitionID] = true
		spilledRows += p.Rows
	}
	var tableRows int64
	if jm != nil {
		tableRows = jm.GetRowCount()
		jm.Free()
	}
	require.Equal(t, int64(2000), spilledRows+tableRows)
	// driver 1 spilled everything, so driver 2's copies of those
	// partitions must be on disk too; with identical inputs that is all
	// of them
	require.Zero(t, tableRows)
}

func TestReclaimRejectedOutsideReclaimableSection(t *testing.T) {
	proc := testProc(t)
	node := buildNode(35)
	hb, _ := newBuild(t, node, NewSharedBuild(1), []*batch.Batch{keyBatch(t, proc, []int64{1})})
	require.NoError(t, hb.GetChildren(0).Prepare(proc))
	require.NoError(t, hb.Prepare(proc))

	// not inside collectBuildBatches: nothing is reclaimable
	require.Zero(t, hb.ReclaimableBytes())
	require.Greater(t, proc.GetArbitrator().ReclaimMemory(1<<20), int64(-1))
	require.Greater(t, proc.GetArbitrator().NonReclaimableAttempts(), int64(0))

	drive2 := func() {
		for {
			res, err := hb.Call(proc)
			require.NoError(t, err)
			if res.Status == vm.ExecStop {
				return
			}
		}
	}
	drive2()
}
