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
	"bytes"
	"time"

	"github.com/osmiumdb/osmium/pkg/common/hashmap"
	"github.com/osmiumdb/osmium/pkg/common/moerr"
	"github.com/osmiumdb/osmium/pkg/container/batch"
	"github.com/osmiumdb/osmium/pkg/container/types"
	"github.com/osmiumdb/osmium/pkg/container/vector"
	"github.com/osmiumdb/osmium/pkg/sql/colexec"
	"github.com/osmiumdb/osmium/pkg/sql/plan"
	"github.com/osmiumdb/osmium/pkg/vm"
	"github.com/osmiumdb/osmium/pkg/vm/message"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

const opName = "hash_join"

type exprState struct {
	filterExec *colexec.ExpressionExecutor
	keyVecs    []*vector.Vector
}

func (hashJoin *HashJoin) String(buf *bytes.Buffer) {
	buf.WriteString(opName)
	buf.WriteString(": ")
	buf.WriteString(hashJoin.Node.JoinType.String())
	buf.WriteString(" join ")
}

func (hashJoin *HashJoin) OpType() vm.OpType {
	return vm.HashJoin
}

func (hashJoin *HashJoin) Prepare(proc *process.Process) (err error) {
	if hashJoin.OpAnalyzer == nil {
		hashJoin.OpAnalyzer = process.NewAnalyzer(0, false, false, "hash join")
	} else {
		hashJoin.OpAnalyzer.Reset()
	}
	if err = hashJoin.Node.Validate(); err != nil {
		return err
	}
	hashJoin.proc = proc
	hashJoin.ctr.exec = &exprState{
		keyVecs: make([]*vector.Vector, len(hashJoin.Node.ProbeKeys)),
	}
	if hashJoin.Node.Filter != nil {
		hashJoin.ctr.exec.filterExec, err = colexec.NewExpressionExecutor(proc, hashJoin.Node.Filter)
		if err != nil {
			return err
		}
	}
	hashJoin.arbID = proc.GetArbitrator().Register(hashJoin)
	return nil
}

func (hashJoin *HashJoin) Call(proc *process.Process) (vm.CallResult, error) {
	if err, isCancel := vm.CancelCheck(proc); isCancel {
		return vm.CancelResult, err
	}

	analyzer := hashJoin.OpAnalyzer
	analyzer.Start()
	defer analyzer.Stop()

	ctr := &hashJoin.ctr
	result := vm.NewCallResult()
	var err error
	for {
		switch ctr.state {
		case ReceiveJoinMap:
			if err = hashJoin.build(proc, analyzer); err != nil {
				return result, err
			}
			if hashJoin.finishEarly(proc) {
				ctr.state = End
				continue
			}
			ctr.state = Probe

		case Probe:
			done, err := hashJoin.probeStep(proc, analyzer, &result)
			if err != nil {
				return result, err
			}
			if done {
				continue
			}
			if result.Batch != nil {
				analyzer.Output(result.Batch.RowCount())
			}
			return result, nil

		case EmitBuildRows:
			done, err := hashJoin.emitBuildRows(proc, &result)
			if err != nil {
				return result, err
			}
			if done {
				ctr.state = ProcessSpill
				if result.Batch == nil {
					continue
				}
			}
			if result.Batch != nil {
				analyzer.Output(result.Batch.RowCount())
				return result, nil
			}

		case ProcessSpill:
			done, err := hashJoin.processSpillStep(proc, &result)
			if err != nil {
				return result, err
			}
			if done {
				ctr.state = End
				if result.Batch == nil {
					continue
				}
			}
			if result.Batch != nil {
				analyzer.Output(result.Batch.RowCount())
				return result, nil
			}

		default:
			result.Batch = nil
			result.Status = vm.ExecStop
			return result, nil
		}
	}
}

func (hashJoin *HashJoin) build(proc *process.Process, analyzer *process.Analyzer) error {
	ctr := &hashJoin.ctr
	start := time.Now()
	defer analyzer.WaitStop(start)

	jm, spilled, err := message.ReceiveJoinMap(hashJoin.JoinMapTag, proc.GetMessageBoard(), proc.Ctx)
	if err != nil {
		return err
	}
	ctr.jm = jm
	ctr.spilledParts = spilled
	if len(spilled) > 0 {
		ctr.spilledSet = make(map[int32]bool)
		for _, p := range spilled {
			ctr.spilledSet[p.PartitionID] = true
		}
	}
	if jm != nil {
		analyzer.Alloc(jm.Size())
		stats := analyzer.Stats()
		for i, ks := range jm.Stats() {
			stats.NumNullKeys += ks.NullCount
			stats.DistinctKey = append(stats.DistinctKey, ks.DistinctCount)
			if i == 0 && ks.HasRange {
				stats.RangeKey = append(stats.RangeKey, ks.Min, ks.Max)
			}
		}
	}

	// spill wins: a spilled build suppresses the dynamic filter
	if len(spilled) == 0 {
		if err := hashJoin.produceDynamicFilter(proc); err != nil {
			return err
		}
	}
	return nil
}

// finishEarly short-circuits variants that cannot produce output from an
// empty build side.
func (hashJoin *HashJoin) finishEarly(proc *process.Process) bool {
	ctr := &hashJoin.ctr
	if ctr.jm != nil || len(ctr.spilledParts) > 0 {
		// a null build key empties a null-aware anti join outright
		if ctr.jm != nil && hashJoin.Node.NullAware &&
			hashJoin.Node.JoinType == plan.Anti && ctr.jm.HasNullKeys() {
			return true
		}
		return false
	}
	if !proc.Config().Join.HashProbeFinishEarlyOnEmptyBuild {
		return false
	}
	switch hashJoin.Node.JoinType {
	case plan.Inner, plan.LeftSemiFilter, plan.RightSemiFilter, plan.Right, plan.RightSemiProject:
		return true
	}
	return false
}

// probeStep pulls one batch and probes it; done means the state changed and
// the caller should loop.
func (hashJoin *HashJoin) probeStep(proc *process.Process, analyzer *process.Analyzer, result *vm.CallResult) (bool, error) {
	ctr := &hashJoin.ctr

	if ctr.inbat == nil {
		input, err := vm.ChildrenCall(hashJoin.GetChildren(0), proc, analyzer)
		if err != nil {
			return false, err
		}
		if input.Batch == nil {
			lastProber := hashJoin.Shared.Arrive()
			if err := hashJoin.finishProbeSpill(); err != nil {
				return false, err
			}
			if hashJoin.Node.JoinType.EmitsBuildAtEnd() && lastProber && ctr.jm != nil {
				ctr.state = EmitBuildRows
			} else {
				ctr.state = ProcessSpill
			}
			return true, nil
		}
		if input.Batch.IsEmpty() {
			return false, nil
		}
		ctr.inbat = input.Batch
		ctr.lastRow = 0

		// peel off the rows headed for spilled partitions first
		if len(ctr.spilledSet) > 0 {
			if err := hashJoin.spillProbeRows(proc); err != nil {
				return false, err
			}
			if ctr.inbat.IsEmpty() {
				ctr.inbat = nil
				return false, nil
			}
		}
	}

	if hashJoin.passThrough {
		return false, hashJoin.passThroughBatch(proc, result)
	}
	if ctr.jm == nil {
		return false, hashJoin.emptyProbe(proc, result)
	}

	ctr.inReclaimableSection.Store(true)
	err := hashJoin.probe(proc, result)
	ctr.inReclaimableSection.Store(false)
	return false, err
}

// passThroughBatch forwards probe rows unchanged after the join was
// replaced by a dynamic filter at the scan.
func (hashJoin *HashJoin) passThroughBatch(proc *process.Process, result *vm.CallResult) error {
	ctr := &hashJoin.ctr
	hashJoin.prepareOutBatch(proc)
	count := ctr.inbat.RowCount()
	for row := 0; row < count; row++ {
		if err := hashJoin.appendOutputPair(proc, ctr.inbat, int64(row), -1, markNone); err != nil {
			return err
		}
	}
	ctr.rbat.SetRowCount(count)
	result.Batch = ctr.rbat
	ctr.inbat = nil
	return nil
}

// emptyProbe handles a probed batch against an empty build side for the
// variants that still emit rows.
func (hashJoin *HashJoin) emptyProbe(proc *process.Process, result *vm.CallResult) error {
	ctr := &hashJoin.ctr
	hashJoin.prepareOutBatch(proc)
	count := ctr.inbat.RowCount()
	preferredRows := proc.Config().Join.PreferredOutputBatchRows
	preferredBytes := proc.Config().Join.PreferredOutputBatchBytes
	rows := 0
	for row := ctr.lastRow; row < count; row++ {
		if rows >= preferredRows ||
			(rows > 0 && outputBytes(ctr.rbat) >= preferredBytes) {
			ctr.rbat.SetRowCount(rows)
			result.Batch = ctr.rbat
			ctr.lastRow = row
			return nil
		}
		switch hashJoin.Node.JoinType {
		case plan.Left, plan.Full, plan.Anti:
			if err := hashJoin.appendOutputPair(proc, ctr.inbat, int64(row), -1, markNone); err != nil {
				return err
			}
			rows++
		case plan.LeftSemiProject:
			// x IN (empty) is false, never unknown
			if err := hashJoin.appendOutputPair(proc, ctr.inbat, int64(row), -1, markFalse); err != nil {
				return err
			}
			rows++
		}
	}
	ctr.rbat.AddRowCount(rows)
	result.Batch = ctr.rbat
	ctr.lastRow = 0
	ctr.inbat = nil
	return nil
}

// probe joins one pending input batch against the published table.
func (hashJoin *HashJoin) probe(proc *process.Process, result *vm.CallResult) error {
	ctr := &hashJoin.ctr
	if ctr.itr == nil {
		ctr.itr = ctr.jm.NewIterator()
	}
	err := hashJoin.probeWith(proc, ctr.jm, ctr.itr, hashJoin.Shared, result)
	if err != nil {
		return err
	}
	if ctr.lastRow == 0 {
		ctr.inbat = nil
	}
	return nil
}

const (
	markNone  int8 = -1
	markFalse int8 = 0
	markTrue  int8 = 1
	markNull  int8 = 2
)

func (hashJoin *HashJoin) prepareOutBatch(proc *process.Process) {
	ctr := &hashJoin.ctr
	if ctr.rbat != nil {
		ctr.rbat.CleanOnlyData()
		return
	}
	ctr.rbat = batch.NewWithSize(len(hashJoin.Node.OutputLayout))
	for i, rp := range hashJoin.Node.OutputLayout {
		switch rp.Rel {
		case plan.RelProbe:
			ctr.rbat.Vecs[i] = vector.NewVec(hashJoin.Node.ProbeTypes[rp.Pos])
		case plan.RelBuild:
			ctr.rbat.Vecs[i] = vector.NewVec(hashJoin.Node.BuildTypes[rp.Pos])
		case plan.RelMark:
			ctr.rbat.Vecs[i] = vector.NewVec(types.New(types.T_bool))
		}
	}
}

// appendOutputPair emits one output row drawn from a probe row (-1 for
// null-extension), a build row id (-1 for null-extension) and a mark.
func (hashJoin *HashJoin) appendOutputPair(proc *process.Process, probeBat *batch.Batch, probeRow, buildSel int64, mark int8) error {
	ctr := &hashJoin.ctr
	for i, rp := range hashJoin.Node.OutputLayout {
		vec := ctr.rbat.Vecs[i]
		switch rp.Rel {
		case plan.RelProbe:
			if probeRow < 0 {
				if err := vec.UnionNull(proc.Mp()); err != nil {
					return err
				}
			} else if err := vec.UnionOne(probeBat.Vecs[rp.Pos], probeRow, proc.Mp()); err != nil {
				return err
			}
		case plan.RelBuild:
			if buildSel < 0 {
				if err := vec.UnionNull(proc.Mp()); err != nil {
					return err
				}
			} else {
				mpbat := hashJoin.emitSource()
				idx1, idx2 := buildSel/colexec.DefaultBatchSize, buildSel%colexec.DefaultBatchSize
				if err := vec.UnionOne(mpbat[idx1].Vecs[rp.Pos], idx2, proc.Mp()); err != nil {
					return err
				}
			}
		case plan.RelMark:
			switch mark {
			case markNull:
				if err := vec.UnionNull(proc.Mp()); err != nil {
					return err
				}
			default:
				if err := vector.AppendFixed(vec, mark == markTrue, false, proc.Mp()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// emitSource picks the build container currently being read: the bridge
// table normally, the pair-local one under recursive spill.
func (hashJoin *HashJoin) emitSource() []*batch.Batch {
	if hashJoin.ctr.pairJM != nil {
		return hashJoin.ctr.pairJM.GetBatches()
	}
	return hashJoin.ctr.jm.GetBatches()
}

// outputBytes measures the content of the pending output run; the reused
// batch's capacity is irrelevant, only what this run has produced.
func outputBytes(bat *batch.Batch) int64 {
	var sz int64
	for _, vec := range bat.Vecs {
		sz += int64(vec.Length()*vec.GetType().TypeSize() + len(vec.GetArea()))
	}
	return sz
}

// matchSink collects matched build rows; the shared one feeds the
// end-of-probe build emission, pair-local ones feed spilled pairs.
type matchSink interface {
	MarkMatched(sels []int64)
	MarkProbeNull()
}

// probeWith is the per-batch probe loop, shared between the bridge table
// and the pair-local tables of recursive spill.
func (hashJoin *HashJoin) probeWith(proc *process.Process, jm *message.JoinMap, itr hashmap.Iterator, sink matchSink, result *vm.CallResult) error {
	ctr := &hashJoin.ctr
	node := hashJoin.Node
	hashJoin.prepareOutBatch(proc)

	if err := hashJoin.evalProbeKeys(ctr.inbat); err != nil {
		return err
	}
	if ctr.joinBat1 == nil {
		ctr.joinBat1 = colexec.NewJoinBatch(ctr.inbat)
	}
	if ctr.joinBat2 == nil && len(jm.GetBatches()) > 0 {
		ctr.joinBat2 = colexec.NewJoinBatch(jm.GetBatches()[0])
	}

	count := ctr.inbat.RowCount()
	preferredRows := proc.Config().Join.PreferredOutputBatchRows
	preferredBytes := proc.Config().Join.PreferredOutputBatchBytes
	rowCount := 0
	matchedScratch := make([]int64, 0, 8)

	for i := ctr.lastRow; i < count; i += hashmap.UnitLimit {
		if rowCount >= preferredRows ||
			(rowCount > 0 && outputBytes(ctr.rbat) >= preferredBytes) {
			ctr.rbat.SetRowCount(rowCount)
			result.Batch = ctr.rbat
			ctr.lastRow = i
			return nil
		}
		n := count - i
		if n > hashmap.UnitLimit {
			n = hashmap.UnitLimit
		}
		vals, zvals := itr.Find(i, n, ctr.exec.keyVecs)
		for k := 0; k < n; k++ {
			probeRow := int64(i + k)
			// a null-aware map accepts nulls as keys, so zvals cannot flag
			// them; ask the key column directly
			keyNull := zvals[k] == 0 ||
				(node.NullAware && ctr.exec.keyVecs[0].IsNull(uint64(i+k)))
			if node.NullAware && node.JoinType == plan.Anti && keyNull {
				// a null probe key empties the whole null-aware anti join
				ctr.rbat.CleanOnlyData()
				ctr.lastRow = 0
				ctr.inbat = nil
				ctr.state = End
				result.Batch = nil
				return nil
			}
			emitted, err := hashJoin.probeRow(proc, jm, sink, probeRow, vals[k], keyNull, &matchedScratch)
			if err != nil {
				return err
			}
			rowCount += emitted
		}
	}

	ctr.rbat.SetRowCount(rowCount)
	result.Batch = ctr.rbat
	ctr.lastRow = 0
	return nil
}

// probeRow dispatches one probe row through the join-type strategy and
// returns how many output rows it emitted.
func (hashJoin *HashJoin) probeRow(proc *process.Process, jm *message.JoinMap, sink matchSink, probeRow int64, val uint64, keyNull bool, scratch *[]int64) (int, error) {
	node := hashJoin.Node
	found := !keyNull && val != 0

	if keyNull {
		sink.MarkProbeNull()
	}

	switch node.JoinType {
	case plan.Inner:
		if !found {
			return 0, nil
		}
		return hashJoin.emitMatches(proc, jm, probeRow, val, false)

	case plan.LeftSemiFilter:
		if !found {
			return 0, nil
		}
		matched, err := hashJoin.anyMatch(proc, jm, probeRow, val)
		if err != nil || !matched {
			return 0, err
		}
		if err := hashJoin.appendOutputPair(proc, hashJoin.ctr.inbat, probeRow, -1, markNone); err != nil {
			return 0, err
		}
		return 1, nil

	case plan.RightSemiFilter:
		if !found {
			return 0, nil
		}
		return 0, hashJoin.markMatches(proc, jm, sink, probeRow, val, scratch)

	case plan.Left, plan.Full:
		if found {
			emitted, err := hashJoin.emitMatches(proc, jm, probeRow, val, node.JoinType == plan.Full)
			if err != nil {
				return 0, err
			}
			if emitted > 0 {
				if node.JoinType == plan.Full {
					// matched sels were recorded by emitMatches' scratch
					sink.MarkMatched(hashJoin.ctr.fullMatchedScratch)
				}
				return emitted, nil
			}
		}
		// null-extend
		if err := hashJoin.appendOutputPair(proc, hashJoin.ctr.inbat, probeRow, -1, markNone); err != nil {
			return 0, err
		}
		return 1, nil

	case plan.Right:
		if !found {
			return 0, nil
		}
		emitted, err := hashJoin.emitMatches(proc, jm, probeRow, val, true)
		if err != nil {
			return 0, err
		}
		if emitted > 0 {
			sink.MarkMatched(hashJoin.ctr.fullMatchedScratch)
		}
		return emitted, nil

	case plan.RightSemiProject:
		if !found {
			return 0, nil
		}
		return 0, hashJoin.markMatches(proc, jm, sink, probeRow, val, scratch)

	case plan.Anti:
		if keyNull {
			if node.NullAware {
				// handled by the caller's eager-empty check
				return 0, nil
			}
			if err := hashJoin.appendOutputPair(proc, hashJoin.ctr.inbat, probeRow, -1, markNone); err != nil {
				return 0, err
			}
			return 1, nil
		}
		if found {
			matched, err := hashJoin.anyMatch(proc, jm, probeRow, val)
			if err != nil {
				return 0, err
			}
			if matched {
				return 0, nil
			}
		}
		if err := hashJoin.appendOutputPair(proc, hashJoin.ctr.inbat, probeRow, -1, markNone); err != nil {
			return 0, err
		}
		return 1, nil

	case plan.LeftSemiProject:
		mark := markFalse
		if keyNull {
			if node.NullAware {
				mark = markNull
			}
		} else if found {
			matched, err := hashJoin.anyMatch(proc, jm, probeRow, val)
			if err != nil {
				return 0, err
			}
			if matched {
				mark = markTrue
			} else if node.NullAware && jm.HasNullKeys() {
				mark = markNull
			}
		} else if node.NullAware && jm.HasNullKeys() {
			// not found, but null might have matched
			mark = markNull
		}
		if err := hashJoin.appendOutputPair(proc, hashJoin.ctr.inbat, probeRow, -1, mark); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return 0, moerr.NewInternalError("unhandled join type in probe")
}

// emitMatches emits every (probe, build) pair of one group passing the
// residual filter. When track is set, the matched build sels are left in
// fullMatchedScratch for the caller's sink.
func (hashJoin *HashJoin) emitMatches(proc *process.Process, jm *message.JoinMap, probeRow int64, val uint64, track bool) (int, error) {
	ctr := &hashJoin.ctr
	if track {
		ctr.fullMatchedScratch = ctr.fullMatchedScratch[:0]
	}
	sels := jm.Sels(val)
	emitted := 0
	for _, sel := range sels {
		ok, err := hashJoin.matchesFilter(proc, jm, probeRow, sel)
		if err != nil {
			return emitted, err
		}
		if !ok {
			continue
		}
		if err := hashJoin.appendOutputPair(proc, ctr.inbat, probeRow, sel, markNone); err != nil {
			return emitted, err
		}
		if track {
			ctr.fullMatchedScratch = append(ctr.fullMatchedScratch, sel)
		}
		emitted++
	}
	return emitted, nil
}

// anyMatch reports whether any build row of the group passes the filter.
func (hashJoin *HashJoin) anyMatch(proc *process.Process, jm *message.JoinMap, probeRow int64, val uint64) (bool, error) {
	if hashJoin.Node.Filter == nil {
		return true, nil
	}
	for _, sel := range jm.Sels(val) {
		ok, err := hashJoin.matchesFilter(proc, jm, probeRow, sel)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// markMatches records the group's build rows passing the filter without
// emitting anything; right-semi variants emit from the table at the end.
func (hashJoin *HashJoin) markMatches(proc *process.Process, jm *message.JoinMap, sink matchSink, probeRow int64, val uint64, scratch *[]int64) error {
	*scratch = (*scratch)[:0]
	for _, sel := range jm.Sels(val) {
		ok, err := hashJoin.matchesFilter(proc, jm, probeRow, sel)
		if err != nil {
			return err
		}
		if ok {
			*scratch = append(*scratch, sel)
		}
	}
	if len(*scratch) > 0 {
		sink.MarkMatched(*scratch)
	}
	return nil
}

// matchesFilter evaluates the residual filter over one pair; null is false.
func (hashJoin *HashJoin) matchesFilter(proc *process.Process, jm *message.JoinMap, probeRow, buildSel int64) (bool, error) {
	if hashJoin.Node.Filter == nil {
		return true, nil
	}
	ctr := &hashJoin.ctr
	mpbat := jm.GetBatches()
	colexec.SetJoinBatchValues(ctr.joinBat1, ctr.inbat, probeRow, 1)
	idx1, idx2 := buildSel/colexec.DefaultBatchSize, buildSel%colexec.DefaultBatchSize
	colexec.SetJoinBatchValues(ctr.joinBat2, mpbat[idx1], idx2, 1)
	vec, err := ctr.exec.filterExec.Eval(proc, []*batch.Batch{ctr.joinBat1, ctr.joinBat2})
	if err != nil {
		return false, err
	}
	if vec.IsConstNull() || vec.GetNulls().Contains(0) {
		return false, nil
	}
	return vector.GetFixedAt[bool](vec, 0), nil
}

func (hashJoin *HashJoin) evalProbeKeys(bat *batch.Batch) error {
	for i, c := range hashJoin.Node.ProbeKeys {
		hashJoin.ctr.exec.keyVecs[i] = bat.Vecs[c]
	}
	return nil
}

func (hashJoin *HashJoin) Free(proc *process.Process, pipelineFailed bool, err error) {
	proc.GetArbitrator().Unregister(hashJoin.arbID)
	ctr := &hashJoin.ctr
	if ctr.jm != nil {
		ctr.jm.Free()
		ctr.jm = nil
	}
	if ctr.rbat != nil {
		ctr.rbat.Clean(proc.Mp())
		ctr.rbat = nil
	}
	if ctr.spiller != nil {
		ctr.spiller.Delete()
	}
	if ctr.exec != nil && ctr.exec.filterExec != nil {
		ctr.exec.filterExec.Free()
	}
}
