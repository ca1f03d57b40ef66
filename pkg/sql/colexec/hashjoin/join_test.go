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

package hashjoin

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/osmiumdb/osmium/pkg/common/mpool"
	"github.com/osmiumdb/osmium/pkg/config"
	"github.com/osmiumdb/osmium/pkg/container/batch"
	"github.com/osmiumdb/osmium/pkg/container/types"
	"github.com/osmiumdb/osmium/pkg/container/vector"
	"github.com/osmiumdb/osmium/pkg/sql/colexec/hashbuild"
	"github.com/osmiumdb/osmium/pkg/sql/colexec/value_scan"
	"github.com/osmiumdb/osmium/pkg/sql/plan"
	"github.com/osmiumdb/osmium/pkg/vm"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

func testProc(t *testing.T, mutate func(*config.EngineConfig)) *process.Process {
	mp := mpool.MustNewZero(t.Name())
	t.Cleanup(func() { mpool.DeleteMPool(mp) })
	cfg := config.Default()
	cfg.Spill.SpillDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	return process.New(context.Background(), mp, cfg)
}

func i64Vec(t *testing.T, proc *process.Process, vs []int64, nullRows ...uint64) *vector.Vector {
	vec := vector.NewVec(types.New(types.T_int64))
	require.NoError(t, vector.AppendFixedList(vec, vs, nil, proc.Mp()))
	for _, row := range nullRows {
		vec.GetNulls().Add(row)
	}
	return vec
}

func strVec(t *testing.T, proc *process.Process, vs []string) *vector.Vector {
	vec := vector.NewVec(types.New(types.T_varchar))
	require.NoError(t, vector.AppendStringList(vec, vs, nil, proc.Mp()))
	return vec
}

func oneColBatch(t *testing.T, proc *process.Process, vs []int64, nullRows ...uint64) *batch.Batch {
	bat := batch.NewWithSize(1)
	bat.Vecs[0] = i64Vec(t, proc, vs, nullRows...)
	bat.SetRowCount(len(vs))
	return bat
}

func rowsOf(bat *batch.Batch) [][]any {
	rows := make([][]any, bat.RowCount())
	for r := range rows {
		row := make([]any, len(bat.Vecs))
		for c, vec := range bat.Vecs {
			if vec.IsNull(uint64(r)) {
				row[c] = nil
				continue
			}
			switch vec.GetType().Oid {
			case types.T_bool:
				row[c] = vector.GetFixedAt[bool](vec, r)
			case types.T_varchar, types.T_char:
				row[c] = vec.GetStringAt(r)
			default:
				row[c] = vector.GetFixedAt[int64](vec, r)
			}
		}
		rows[r] = row
	}
	return rows
}

func multiset(rows [][]any) map[string]int {
	m := map[string]int{}
	for _, row := range rows {
		m[fmt.Sprint(row...)]++
	}
	return m
}

type joinRun struct {
	rows       [][]any
	buildStats *process.OperatorStats
	probeStats *process.OperatorStats
	scanStats  *process.OperatorStats
}

// runJoin drives one build driver and one probe driver to completion on the
// calling goroutine, build first.
func runJoin(t *testing.T, proc *process.Process, node *plan.JoinNode,
	probeBatches, buildBatches []*batch.Batch,
	mutate func(*hashbuild.HashBuild, *HashJoin)) joinRun {

	var totalSpillBytes atomic.Int64

	buildScan := &value_scan.ValueScan{Batches: buildBatches}
	hb := &hashbuild.HashBuild{
		Node:            node,
		NeedHashMap:     true,
		JoinMapTag:      node.JoinMapTag,
		JoinMapRefCnt:   1,
		Shared:          hashbuild.NewSharedBuild(1),
		TotalSpillBytes: &totalSpillBytes,
	}
	hb.SetChildren([]vm.Operator{buildScan})

	probeTag := int32(0)
	if node.RuntimeFilter != nil {
		probeTag = node.RuntimeFilter.Tag
	}
	probeScan := &value_scan.ValueScan{Batches: probeBatches, RuntimeFilterTag: probeTag}
	hj := &HashJoin{
		Node:            node,
		JoinMapTag:      node.JoinMapTag,
		Shared:          NewSharedProbe(1),
		TotalSpillBytes: &totalSpillBytes,
	}
	hj.SetChildren([]vm.Operator{probeScan})

	if mutate != nil {
		mutate(hb, hj)
	}

	require.NoError(t, buildScan.Prepare(proc))
	require.NoError(t, hb.Prepare(proc))
	require.NoError(t, probeScan.Prepare(proc))
	require.NoError(t, hj.Prepare(proc))

	for {
		res, err := hb.Call(proc)
		require.NoError(t, err)
		if res.Status == vm.ExecStop {
			break
		}
	}

	var rows [][]any
	for {
		res, err := hj.Call(proc)
		require.NoError(t, err)
		if res.Status == vm.ExecStop {
			break
		}
		if res.Batch != nil && res.Batch.RowCount() > 0 {
			rows = append(rows, rowsOf(res.Batch)...)
		}
	}

	run := joinRun{
		rows:       rows,
		buildStats: hb.OpAnalyzer.Stats(),
		probeStats: hj.OpAnalyzer.Stats(),
		scanStats:  probeScan.OpAnalyzer.Stats(),
	}
	hj.Free(proc, false, nil)
	hb.Free(proc, false, nil)
	return run
}

func innerNode(tag int32) *plan.JoinNode {
	return &plan.JoinNode{
		JoinType:     plan.Inner,
		ProbeTypes:   []types.Type{types.New(types.T_int64)},
		BuildTypes:   []types.Type{types.New(types.T_int64)},
		ProbeKeys:    []int32{0},
		BuildKeys:    []int32{0},
		OutputLayout: []plan.ResultPos{{Rel: plan.RelProbe, Pos: 0}, {Rel: plan.RelBuild, Pos: 0}},
		JoinMapTag:   tag,
	}
}

// scenario 1: left join over an empty build side null-extends every probe
// row and never touches the spill path.
func TestLeftJoinEmptyBuild(t *testing.T) {
	proc := testProc(t, nil)
	node := &plan.JoinNode{
		JoinType:     plan.Left,
		ProbeTypes:   []types.Type{types.New(types.T_int64), types.New(types.T_varchar)},
		BuildTypes:   []types.Type{types.New(types.T_int64), types.New(types.T_varchar)},
		ProbeKeys:    []int32{0},
		BuildKeys:    []int32{0},
		OutputLayout: []plan.ResultPos{{Rel: plan.RelProbe, Pos: 0}, {Rel: plan.RelProbe, Pos: 1}, {Rel: plan.RelBuild, Pos: 1}},
		JoinMapTag:   11,
	}
	probe := batch.NewWithSize(2)
	probe.Vecs[0] = i64Vec(t, proc, []int64{1, 2})
	probe.Vecs[1] = strVec(t, proc, []string{"a", "b"})
	probe.SetRowCount(2)

	run := runJoin(t, proc, node, []*batch.Batch{probe}, nil, nil)
	require.Equal(t,
		multiset([][]any{{int64(1), "a", nil}, {int64(2), "b", nil}}),
		multiset(run.rows))
	require.Zero(t, run.buildStats.SpilledBytes)
	require.Zero(t, run.buildStats.SpilledRows)
	require.Zero(t, run.probeStats.SpilledBytes)
	probe.Clean(proc.Mp())
}

// scenario 2: inner join on bigint keys.
func TestInnerJoinBigint(t *testing.T) {
	proc := testProc(t, nil)
	probe := oneColBatch(t, proc, []int64{1, 2, 3})
	build := oneColBatch(t, proc, []int64{2, 3, 4})

	run := runJoin(t, proc, innerNode(12), []*batch.Batch{probe}, []*batch.Batch{build}, nil)
	require.Equal(t,
		multiset([][]any{{int64(2), int64(2)}, {int64(3), int64(3)}}),
		multiset(run.rows))
	probe.Clean(proc.Mp())
}

// scenario 3: right semi join with the selective residual filter t1 % 5 = 0.
func TestRightSemiWithFilter(t *testing.T) {
	proc := testProc(t, nil)
	node := &plan.JoinNode{
		JoinType:   plan.RightSemiFilter,
		ProbeTypes: []types.Type{types.New(types.T_int64)},
		BuildTypes: []types.Type{types.New(types.T_int64)},
		ProbeKeys:  []int32{0},
		BuildKeys:  []int32{0},
		Filter: plan.NewFuncExpr(plan.OpEq, types.New(types.T_bool),
			plan.NewFuncExpr(plan.OpMod, types.New(types.T_int64),
				plan.NewColExpr(0, 0, types.New(types.T_int64)),
				plan.NewI64Expr(5)),
			plan.NewI64Expr(0)),
		OutputLayout: []plan.ResultPos{{Rel: plan.RelBuild, Pos: 0}},
		JoinMapTag:   13,
	}

	var probeBatches, buildBatches []*batch.Batch
	for b := 0; b < 4; b++ {
		vs := make([]int64, 345)
		for i := range vs {
			vs[i] = int64(i)
		}
		probeBatches = append(probeBatches, oneColBatch(t, proc, vs))
		bs := make([]int64, 250)
		for i := range bs {
			bs[i] = int64(i)
		}
		buildBatches = append(buildBatches, oneColBatch(t, proc, bs))
	}

	run := runJoin(t, proc, node, probeBatches, buildBatches, nil)
	require.Len(t, run.rows, 200)
	for _, row := range run.rows {
		require.Zero(t, row[0].(int64)%5)
	}
	for _, bat := range probeBatches {
		bat.Clean(proc.Mp())
	}
}

// scenario 4: a null build key empties a null-aware anti join.
func TestNullAwareAntiWithNullBuild(t *testing.T) {
	proc := testProc(t, nil)
	node := &plan.JoinNode{
		JoinType:     plan.Anti,
		NullAware:    true,
		ProbeTypes:   []types.Type{types.New(types.T_int64)},
		BuildTypes:   []types.Type{types.New(types.T_int64)},
		ProbeKeys:    []int32{0},
		BuildKeys:    []int32{0},
		OutputLayout: []plan.ResultPos{{Rel: plan.RelProbe, Pos: 0}},
		JoinMapTag:   14,
	}
	probe := oneColBatch(t, proc, []int64{1, 2, 3})
	build := oneColBatch(t, proc, []int64{0, 2}, 0)

	run := runJoin(t, proc, node, []*batch.Batch{probe}, []*batch.Batch{build}, nil)
	require.Empty(t, run.rows)
	probe.Clean(proc.Mp())
}

// plain anti join still emits unmatched and null-key probe rows.
func TestAntiJoin(t *testing.T) {
	proc := testProc(t, nil)
	node := &plan.JoinNode{
		JoinType:     plan.Anti,
		ProbeTypes:   []types.Type{types.New(types.T_int64)},
		BuildTypes:   []types.Type{types.New(types.T_int64)},
		ProbeKeys:    []int32{0},
		BuildKeys:    []int32{0},
		OutputLayout: []plan.ResultPos{{Rel: plan.RelProbe, Pos: 0}},
		JoinMapTag:   15,
	}
	probe := oneColBatch(t, proc, []int64{1, 2, 0, 3}, 2)
	build := oneColBatch(t, proc, []int64{2, 4})

	run := runJoin(t, proc, node, []*batch.Batch{probe}, []*batch.Batch{build}, nil)
	require.Equal(t,
		multiset([][]any{{int64(1)}, {nil}, {int64(3)}}),
		multiset(run.rows))
	probe.Clean(proc.Mp())
}

// scenario 5: recursive spill with max level 1; forced per-partition spill
// must keep the output identical to the in-memory baseline and record the
// exceeded level.
func TestRecursiveSpill(t *testing.T) {
	baselineProc := testProc(t, nil)
	probeVals := make([]int64, 2000)
	for i := range probeVals {
		probeVals[i] = int64(i % 700)
	}
	buildVals := make([]int64, 1500)
	for i := range buildVals {
		buildVals[i] = int64(i % 500)
	}

	baseline := runJoin(t, baselineProc, innerNode(16),
		[]*batch.Batch{oneColBatch(t, baselineProc, probeVals)},
		[]*batch.Batch{oneColBatch(t, baselineProc, buildVals)}, nil)

	proc := testProc(t, func(cfg *config.EngineConfig) {
		cfg.Spill.MaxSpillLevel = 1
	})
	spilled := runJoin(t, proc, innerNode(16),
		[]*batch.Batch{oneColBatch(t, proc, probeVals)},
		[]*batch.Batch{oneColBatch(t, proc, buildVals)},
		func(hb *hashbuild.HashBuild, hj *HashJoin) {
			hb.SpillHook = func(int) bool { return true }
			hj.SpillHook = func(int32) bool { return true }
		})

	require.Equal(t, multiset(baseline.rows), multiset(spilled.rows))
	require.Greater(t, spilled.probeStats.ExceededMaxSpillLevelCount, int64(0))
	require.Greater(t, spilled.buildStats.SpilledRows, int64(0))
	require.LessOrEqual(t, spilled.buildStats.SpilledRows, int64(len(buildVals)))

	// after probe completion every spill file is gone
	fs, err := proc.GetSpillFileService()
	require.NoError(t, err)
	files, err := fs.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, files)
}

// scenario 6: the dynamic filter replaces the join at the scan.
func TestDynamicFilterReplacesJoin(t *testing.T) {
	proc := testProc(t, nil)
	node := &plan.JoinNode{
		JoinType:      plan.Inner,
		ProbeTypes:    []types.Type{types.New(types.T_int64)},
		BuildTypes:    []types.Type{types.New(types.T_int64)},
		ProbeKeys:     []int32{0},
		BuildKeys:     []int32{0},
		OutputLayout:  []plan.ResultPos{{Rel: plan.RelProbe, Pos: 0}},
		RuntimeFilter: &plan.RuntimeFilterSpec{Tag: 42, ColIdx: 0, UpperLimit: 1000},
		JoinMapTag:    17,
	}

	var probeBatches []*batch.Batch
	for s := 0; s < 10; s++ {
		vs := make([]int64, 333)
		for i := range vs {
			vs[i] = int64(i)
		}
		probeBatches = append(probeBatches, oneColBatch(t, proc, vs))
	}
	buildVals := make([]int64, 100)
	for i := range buildVals {
		buildVals[i] = int64(35 + 2*i)
	}
	build := oneColBatch(t, proc, buildVals)

	run := runJoin(t, proc, node, probeBatches, []*batch.Batch{build}, nil)
	require.Equal(t, int64(1), run.probeStats.DynamicFiltersProduced)
	require.Equal(t, int64(1), run.scanStats.DynamicFiltersAccepted)
	require.Equal(t, int64(100*10), run.scanStats.ReplacedWithFilterRows)
	require.Len(t, run.rows, 1000)
	for _, bat := range probeBatches {
		bat.Clean(proc.Mp())
	}
}

// dynamic filters never exclude a row that would have matched.
func TestDynamicFilterSoundness(t *testing.T) {
	proc := testProc(t, nil)
	node := innerNode(18)
	node.RuntimeFilter = &plan.RuntimeFilterSpec{Tag: 43, ColIdx: 0, UpperLimit: 4}

	probeVals := make([]int64, 500)
	for i := range probeVals {
		probeVals[i] = int64(i)
	}
	buildVals := []int64{5, 5, 70, 200, 200, 433}

	baselineProc := testProc(t, nil)
	baseline := runJoin(t, baselineProc, innerNode(18),
		[]*batch.Batch{oneColBatch(t, baselineProc, probeVals)},
		[]*batch.Batch{oneColBatch(t, baselineProc, buildVals)}, nil)

	run := runJoin(t, proc, node,
		[]*batch.Batch{oneColBatch(t, proc, probeVals)},
		[]*batch.Batch{oneColBatch(t, proc, buildVals)}, nil)
	require.Equal(t, multiset(baseline.rows), multiset(run.rows))
	require.Equal(t, int64(1), run.probeStats.DynamicFiltersProduced)
}

func TestLeftJoinWithFilter(t *testing.T) {
	proc := testProc(t, nil)
	node := &plan.JoinNode{
		JoinType:   plan.Left,
		ProbeTypes: []types.Type{types.New(types.T_int64)},
		BuildTypes: []types.Type{types.New(types.T_int64), types.New(types.T_int64)},
		ProbeKeys:  []int32{0},
		BuildKeys:  []int32{0},
		Filter: plan.NewFuncExpr(plan.OpGt, types.New(types.T_bool),
			plan.NewColExpr(1, 1, types.New(types.T_int64)),
			plan.NewI64Expr(10)),
		OutputLayout: []plan.ResultPos{{Rel: plan.RelProbe, Pos: 0}, {Rel: plan.RelBuild, Pos: 1}},
		JoinMapTag:   19,
	}
	probe := oneColBatch(t, proc, []int64{1, 2})
	build := batch.NewWithSize(2)
	build.Vecs[0] = i64Vec(t, proc, []int64{1, 1, 2})
	build.Vecs[1] = i64Vec(t, proc, []int64{5, 20, 7})
	build.SetRowCount(3)

	run := runJoin(t, proc, node, []*batch.Batch{probe}, []*batch.Batch{build}, nil)
	// key 1 keeps only the payload-20 pair; key 2 null-extends
	require.Equal(t,
		multiset([][]any{{int64(1), int64(20)}, {int64(2), nil}}),
		multiset(run.rows))
	probe.Clean(proc.Mp())
}

func TestRightJoinEmitsUnmatchedBuild(t *testing.T) {
	proc := testProc(t, nil)
	node := &plan.JoinNode{
		JoinType:     plan.Right,
		ProbeTypes:   []types.Type{types.New(types.T_int64)},
		BuildTypes:   []types.Type{types.New(types.T_int64)},
		ProbeKeys:    []int32{0},
		BuildKeys:    []int32{0},
		OutputLayout: []plan.ResultPos{{Rel: plan.RelProbe, Pos: 0}, {Rel: plan.RelBuild, Pos: 0}},
		JoinMapTag:   20,
	}
	probe := oneColBatch(t, proc, []int64{2, 3})
	build := oneColBatch(t, proc, []int64{2, 4})

	run := runJoin(t, proc, node, []*batch.Batch{probe}, []*batch.Batch{build}, nil)
	require.Equal(t,
		multiset([][]any{{int64(2), int64(2)}, {nil, int64(4)}}),
		multiset(run.rows))
	probe.Clean(proc.Mp())
}

func TestFullJoin(t *testing.T) {
	proc := testProc(t, nil)
	node := &plan.JoinNode{
		JoinType:     plan.Full,
		ProbeTypes:   []types.Type{types.New(types.T_int64)},
		BuildTypes:   []types.Type{types.New(types.T_int64)},
		ProbeKeys:    []int32{0},
		BuildKeys:    []int32{0},
		OutputLayout: []plan.ResultPos{{Rel: plan.RelProbe, Pos: 0}, {Rel: plan.RelBuild, Pos: 0}},
		JoinMapTag:   21,
	}
	probe := oneColBatch(t, proc, []int64{1, 2})
	build := oneColBatch(t, proc, []int64{2, 3})

	run := runJoin(t, proc, node, []*batch.Batch{probe}, []*batch.Batch{build}, nil)
	require.Equal(t,
		multiset([][]any{{int64(1), nil}, {int64(2), int64(2)}, {nil, int64(3)}}),
		multiset(run.rows))
	probe.Clean(proc.Mp())
}

func TestLeftSemiProjectMark(t *testing.T) {
	proc := testProc(t, nil)
	node := &plan.JoinNode{
		JoinType:     plan.LeftSemiProject,
		NullAware:    true,
		ProbeTypes:   []types.Type{types.New(types.T_int64)},
		BuildTypes:   []types.Type{types.New(types.T_int64)},
		ProbeKeys:    []int32{0},
		BuildKeys:    []int32{0},
		OutputLayout: []plan.ResultPos{{Rel: plan.RelProbe, Pos: 0}, {Rel: plan.RelMark}},
		JoinMapTag:   22,
	}
	// probe: 1 (match), 5 (no match, build has null -> unknown), null -> unknown
	probe := oneColBatch(t, proc, []int64{1, 5, 0}, 2)
	build := oneColBatch(t, proc, []int64{1, 0}, 1)

	run := runJoin(t, proc, node, []*batch.Batch{probe}, []*batch.Batch{build}, nil)
	require.Equal(t,
		multiset([][]any{{int64(1), true}, {int64(5), nil}, {nil, nil}}),
		multiset(run.rows))
	probe.Clean(proc.Mp())
}

func TestLeftSemiFilterJoin(t *testing.T) {
	proc := testProc(t, nil)
	node := &plan.JoinNode{
		JoinType:     plan.LeftSemiFilter,
		ProbeTypes:   []types.Type{types.New(types.T_int64)},
		BuildTypes:   []types.Type{types.New(types.T_int64)},
		ProbeKeys:    []int32{0},
		BuildKeys:    []int32{0},
		OutputLayout: []plan.ResultPos{{Rel: plan.RelProbe, Pos: 0}},
		JoinMapTag:   23,
	}
	probe := oneColBatch(t, proc, []int64{1, 2, 2, 3})
	// duplicates on the build side must not duplicate semi output
	build := oneColBatch(t, proc, []int64{2, 2, 9})

	run := runJoin(t, proc, node, []*batch.Batch{probe}, []*batch.Batch{build}, nil)
	require.Equal(t,
		multiset([][]any{{int64(2)}, {int64(2)}}),
		multiset(run.rows))
	probe.Clean(proc.Mp())
}

func TestRightSemiProjectMark(t *testing.T) {
	proc := testProc(t, nil)
	node := &plan.JoinNode{
		JoinType:     plan.RightSemiProject,
		ProbeTypes:   []types.Type{types.New(types.T_int64)},
		BuildTypes:   []types.Type{types.New(types.T_int64)},
		ProbeKeys:    []int32{0},
		BuildKeys:    []int32{0},
		OutputLayout: []plan.ResultPos{{Rel: plan.RelBuild, Pos: 0}, {Rel: plan.RelMark}},
		JoinMapTag:   24,
	}
	probe := oneColBatch(t, proc, []int64{1, 2})
	build := oneColBatch(t, proc, []int64{2, 7})

	run := runJoin(t, proc, node, []*batch.Batch{probe}, []*batch.Batch{build}, nil)
	require.Equal(t,
		multiset([][]any{{int64(2), true}, {int64(7), false}}),
		multiset(run.rows))
	probe.Clean(proc.Mp())
}

// NaN keys with different bit patterns join as equal.
func TestNaNKeysJoinEqual(t *testing.T) {
	proc := testProc(t, nil)
	node := &plan.JoinNode{
		JoinType:     plan.Inner,
		ProbeTypes:   []types.Type{types.New(types.T_float64)},
		BuildTypes:   []types.Type{types.New(types.T_float64)},
		ProbeKeys:    []int32{0},
		BuildKeys:    []int32{0},
		OutputLayout: []plan.ResultPos{{Rel: plan.RelProbe, Pos: 0}},
		JoinMapTag:   25,
	}
	nanA := mathNaN()
	nanB := mathNaNAltBits()

	probe := batch.NewWithSize(1)
	probe.Vecs[0] = vector.NewVec(types.New(types.T_float64))
	require.NoError(t, vector.AppendFixedList(probe.Vecs[0], []float64{nanA, 1.0}, nil, proc.Mp()))
	probe.SetRowCount(2)

	build := batch.NewWithSize(1)
	build.Vecs[0] = vector.NewVec(types.New(types.T_float64))
	require.NoError(t, vector.AppendFixedList(build.Vecs[0], []float64{nanB, 2.0}, nil, proc.Mp()))
	build.SetRowCount(2)

	run := runJoin(t, proc, node, []*batch.Batch{probe}, []*batch.Batch{build}, nil)
	require.Len(t, run.rows, 1)
	probe.Clean(proc.Mp())
}

// spill suppresses dynamic filters: spill wins.
func TestSpillSuppressesDynamicFilter(t *testing.T) {
	proc := testProc(t, nil)
	node := innerNode(26)
	node.RuntimeFilter = &plan.RuntimeFilterSpec{Tag: 44, ColIdx: 0, UpperLimit: 1000}

	probe := oneColBatch(t, proc, []int64{1, 2, 3})
	build := oneColBatch(t, proc, []int64{2, 3})

	run := runJoin(t, proc, node, []*batch.Batch{probe}, []*batch.Batch{build},
		func(hb *hashbuild.HashBuild, _ *HashJoin) {
			hb.SpillHook = func(int) bool { return true }
		})
	require.Zero(t, run.probeStats.DynamicFiltersProduced)
	require.Equal(t,
		multiset([][]any{{int64(2), int64(2)}, {int64(3), int64(3)}}),
		multiset(run.rows))
	probe.Clean(proc.Mp())
}

// the spilled-row invariant: spilled rows never exceed total build rows.
func TestSpilledRowsBounded(t *testing.T) {
	proc := testProc(t, nil)
	buildVals := make([]int64, 3000)
	for i := range buildVals {
		buildVals[i] = int64(i)
	}
	probe := oneColBatch(t, proc, []int64{1, 2})
	build := oneColBatch(t, proc, buildVals)

	run := runJoin(t, proc, innerNode(27), []*batch.Batch{probe}, []*batch.Batch{build},
		func(hb *hashbuild.HashBuild, _ *HashJoin) {
			spilledOnce := false
			hb.SpillHook = func(rows int) bool {
				if !spilledOnce && rows >= 3000 {
					spilledOnce = true
					return true
				}
				return false
			}
		})
	require.Greater(t, run.buildStats.SpilledRows, int64(0))
	require.LessOrEqual(t, run.buildStats.SpilledRows, int64(3000))
	probe.Clean(proc.Mp())
}

// output-in-progress spill: the emitted multiset is unchanged when the
// arbitrator grabs the output run mid-emission.
func TestOutputSpillDuringEmit(t *testing.T) {
	baselineProc := testProc(t, nil)
	buildVals := make([]int64, 600)
	for i := range buildVals {
		buildVals[i] = int64(i + 1000)
	}

	node := &plan.JoinNode{
		JoinType:     plan.Right,
		ProbeTypes:   []types.Type{types.New(types.T_int64)},
		BuildTypes:   []types.Type{types.New(types.T_int64)},
		ProbeKeys:    []int32{0},
		BuildKeys:    []int32{0},
		OutputLayout: []plan.ResultPos{{Rel: plan.RelProbe, Pos: 0}, {Rel: plan.RelBuild, Pos: 0}},
		JoinMapTag:   28,
	}
	baseline := runJoin(t, baselineProc, node,
		[]*batch.Batch{oneColBatch(t, baselineProc, []int64{1})},
		[]*batch.Batch{oneColBatch(t, baselineProc, buildVals)}, nil)

	proc := testProc(t, func(cfg *config.EngineConfig) {
		cfg.Join.PreferredOutputBatchRows = 100
	})
	var hjRef *HashJoin
	run := runJoinWithStep(t, proc, node,
		[]*batch.Batch{oneColBatch(t, proc, []int64{1})},
		[]*batch.Batch{oneColBatch(t, proc, buildVals)},
		func(_ *hashbuild.HashBuild, hj *HashJoin) { hjRef = hj },
		func(callNo int) {
			if callNo == 2 {
				// ask for the output run while the emitter is mid-way
				_, err := hjRef.Reclaim(1 << 20)
				require.NoError(t, err)
			}
		})
	require.Equal(t, multiset(baseline.rows), multiset(run))
}

// runJoinWithStep is runJoin with a callback between probe calls.
func runJoinWithStep(t *testing.T, proc *process.Process, node *plan.JoinNode,
	probeBatches, buildBatches []*batch.Batch,
	mutate func(*hashbuild.HashBuild, *HashJoin),
	step func(callNo int)) [][]any {

	var totalSpillBytes atomic.Int64
	buildScan := &value_scan.ValueScan{Batches: buildBatches}
	hb := &hashbuild.HashBuild{
		Node: node, NeedHashMap: true, JoinMapTag: node.JoinMapTag,
		JoinMapRefCnt: 1, Shared: hashbuild.NewSharedBuild(1),
		TotalSpillBytes: &totalSpillBytes,
	}
	hb.SetChildren([]vm.Operator{buildScan})
	probeScan := &value_scan.ValueScan{Batches: probeBatches}
	hj := &HashJoin{
		Node: node, JoinMapTag: node.JoinMapTag, Shared: NewSharedProbe(1),
		TotalSpillBytes: &totalSpillBytes,
	}
	hj.SetChildren([]vm.Operator{probeScan})
	if mutate != nil {
		mutate(hb, hj)
	}

	require.NoError(t, buildScan.Prepare(proc))
	require.NoError(t, hb.Prepare(proc))
	require.NoError(t, probeScan.Prepare(proc))
	require.NoError(t, hj.Prepare(proc))
	for {
		res, err := hb.Call(proc)
		require.NoError(t, err)
		if res.Status == vm.ExecStop {
			break
		}
	}
	var rows [][]any
	callNo := 0
	for {
		callNo++
		res, err := hj.Call(proc)
		require.NoError(t, err)
		if res.Status == vm.ExecStop {
			break
		}
		if res.Batch != nil && res.Batch.RowCount() > 0 {
			rows = append(rows, rowsOf(res.Batch)...)
		}
		if step != nil {
			step(callNo)
		}
	}
	hj.Free(proc, false, nil)
	hb.Free(proc, false, nil)
	return rows
}

// two build drivers and two probe drivers: the leader merges peer
// containers, probers split the probe stream.
func TestParallelDrivers(t *testing.T) {
	proc := testProc(t, nil)
	node := innerNode(29)

	var totalSpillBytes atomic.Int64
	sharedBuild := hashbuild.NewSharedBuild(2)
	sharedProbe := NewSharedProbe(2)

	buildParts := [][]int64{{1, 2, 3}, {3, 4}}
	probeParts := [][]int64{{1, 3}, {4, 9}}

	type probeOut struct {
		rows [][]any
		err  error
	}
	outs := make(chan probeOut, 2)

	for d := 0; d < 2; d++ {
		d := d
		go func() {
			dproc := process.NewFromProc(proc)
			bScan := &value_scan.ValueScan{Batches: []*batch.Batch{oneColBatch(t, proc, buildParts[d])}}
			hb := &hashbuild.HashBuild{
				Node: node, NeedHashMap: true, JoinMapTag: node.JoinMapTag,
				JoinMapRefCnt: 2, Shared: sharedBuild, TotalSpillBytes: &totalSpillBytes,
			}
			hb.SetChildren([]vm.Operator{bScan})

			pScan := &value_scan.ValueScan{Batches: []*batch.Batch{oneColBatch(t, proc, probeParts[d])}}
			hj := &HashJoin{
				Node: node, JoinMapTag: node.JoinMapTag, Shared: sharedProbe,
				TotalSpillBytes: &totalSpillBytes,
			}
			hj.SetChildren([]vm.Operator{pScan})

			var out probeOut
			fail := func(err error) { out.err = err; outs <- out }

			if err := bScan.Prepare(dproc); err != nil {
				fail(err)
				return
			}
			if err := hb.Prepare(dproc); err != nil {
				fail(err)
				return
			}
			if err := pScan.Prepare(dproc); err != nil {
				fail(err)
				return
			}
			if err := hj.Prepare(dproc); err != nil {
				fail(err)
				return
			}
			for {
				res, err := hb.Call(dproc)
				if err != nil {
					fail(err)
					return
				}
				if res.Status == vm.ExecStop {
					break
				}
			}
			for {
				res, err := hj.Call(dproc)
				if err != nil {
					fail(err)
					return
				}
				if res.Status == vm.ExecStop {
					break
				}
				if res.Batch != nil && res.Batch.RowCount() > 0 {
					out.rows = append(out.rows, rowsOf(res.Batch)...)
				}
			}
			hj.Free(dproc, false, nil)
			outs <- out
		}()
	}

	var all [][]any
	for d := 0; d < 2; d++ {
		out := <-outs
		require.NoError(t, out.err)
		all = append(all, out.rows...)
	}

	// build multiset: {1,2,3,3,4}; probes 1,3,4,9 across two drivers
	require.Equal(t,
		multiset([][]any{{int64(1), int64(1)}, {int64(3), int64(3)}, {int64(3), int64(3)}, {int64(4), int64(4)}}),
		multiset(all))
}

// wide rows must yield on the byte threshold long before the row one.
func TestOutputYieldsOnBytes(t *testing.T) {
	proc := testProc(t, func(cfg *config.EngineConfig) {
		cfg.Join.PreferredOutputBatchBytes = 4096
	})
	node := &plan.JoinNode{
		JoinType:     plan.Left,
		ProbeTypes:   []types.Type{types.New(types.T_varchar)},
		BuildTypes:   []types.Type{types.New(types.T_varchar)},
		ProbeKeys:    []int32{0},
		BuildKeys:    []int32{0},
		OutputLayout: []plan.ResultPos{{Rel: plan.RelProbe, Pos: 0}},
		JoinMapTag:   30,
	}
	wide := make([]string, 100)
	for i := range wide {
		wide[i] = string(bytesOf(1024, byte('a'+i%26)))
	}
	probe := batch.NewWithSize(1)
	probe.Vecs[0] = strVec(t, proc, wide)
	probe.SetRowCount(len(wide))

	var totalSpillBytes atomic.Int64
	buildScan := &value_scan.ValueScan{}
	hb := &hashbuild.HashBuild{
		Node: node, NeedHashMap: true, JoinMapTag: node.JoinMapTag,
		JoinMapRefCnt: 1, Shared: hashbuild.NewSharedBuild(1),
		TotalSpillBytes: &totalSpillBytes,
	}
	hb.SetChildren([]vm.Operator{buildScan})
	probeScan := &value_scan.ValueScan{Batches: []*batch.Batch{probe}}
	hj := &HashJoin{
		Node: node, JoinMapTag: node.JoinMapTag, Shared: NewSharedProbe(1),
		TotalSpillBytes: &totalSpillBytes,
	}
	hj.SetChildren([]vm.Operator{probeScan})

	require.NoError(t, buildScan.Prepare(proc))
	require.NoError(t, hb.Prepare(proc))
	require.NoError(t, probeScan.Prepare(proc))
	require.NoError(t, hj.Prepare(proc))
	for {
		res, err := hb.Call(proc)
		require.NoError(t, err)
		if res.Status == vm.ExecStop {
			break
		}
	}
	batches, rows := 0, 0
	for {
		res, err := hj.Call(proc)
		require.NoError(t, err)
		if res.Status == vm.ExecStop {
			break
		}
		if res.Batch != nil && res.Batch.RowCount() > 0 {
			batches++
			rows += res.Batch.RowCount()
		}
	}
	require.Equal(t, 100, rows)
	require.Greater(t, batches, 1)
	hj.Free(proc, false, nil)
	hb.Free(proc, false, nil)
	probe.Clean(proc.Mp())
}

func bytesOf(n int, b byte) []byte {
	bs := make([]byte, n)
	for i := range bs {
		bs[i] = b
	}
	return bs
}

func mathNaN() float64 {
	return math.Float64frombits(0x7ff8000000000001)
}

func mathNaNAltBits() float64 {
	return math.Float64frombits(0x7ff8000000000002)
}
