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
	"github.com/RoaringBitmap/roaring"

	"github.com/osmiumdb/osmium/pkg/sql/colexec"
	"github.com/osmiumdb/osmium/pkg/sql/colexec/spill"
	"github.com/osmiumdb/osmium/pkg/sql/plan"
	"github.com/osmiumdb/osmium/pkg/vm"
	"github.com/osmiumdb/osmium/pkg/vm/message"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

// matchedView abstracts "was this build row matched": the shared bitmap for
// the bridge table, a local one for a spilled pair.
type matchedView interface {
	Matched(sel int64) bool
	ProbeNullSeen() bool
}

type localMatched struct {
	bm        *roaring.Bitmap
	probeNull bool
}

func newLocalMatched() *localMatched {
	return &localMatched{bm: roaring.New()}
}

func (lm *localMatched) MarkMatched(sels []int64) {
	for _, sel := range sels {
		lm.bm.Add(uint32(sel))
	}
}

func (lm *localMatched) MarkProbeNull() {
	lm.probeNull = true
}

func (lm *localMatched) Matched(sel int64) bool {
	return lm.bm.Contains(uint32(sel))
}

func (lm *localMatched) ProbeNullSeen() bool {
	return lm.probeNull
}

// emitBuildRows walks the build container after probe completion, emitting
// the variant's build-side tail. done reports the walk finished; the state
// is kept in emitCursor so output can yield batch by batch.
func (hashJoin *HashJoin) emitBuildRows(proc *process.Process, result *vm.CallResult) (bool, error) {
	done, err := hashJoin.emitBuildRowsFrom(proc, hashJoin.ctr.jm, hashJoin.Shared, &hashJoin.ctr.emitCursor, result)
	if err != nil {
		return false, err
	}
	return done, nil
}

func (hashJoin *HashJoin) emitBuildRowsFrom(proc *process.Process, jm *message.JoinMap, matched matchedView, cursor *int64, result *vm.CallResult) (bool, error) {
	ctr := &hashJoin.ctr
	node := hashJoin.Node
	hashJoin.prepareOutBatch(proc)

	// drain any output run that was spilled mid-emission first
	if len(ctr.outSpillFiles) > 0 {
		fs, err := proc.GetSpillFileService()
		if err != nil {
			return false, err
		}
		if ctr.outReader == nil {
			ctr.outReader = spill.NewPartitionReader(fs, ctr.outSpillFiles, proc.Mp())
		}
		bat, err := ctr.outReader.Next()
		if err != nil {
			return false, err
		}
		if bat != nil {
			result.Batch = bat
			return false, nil
		}
		ctr.outReader.Close()
		ctr.outReader = nil
		spill.DeleteFiles(fs, []message.SpilledPartition{{Files: ctr.outSpillFiles}})
		ctr.outSpillFiles = nil
	}

	mpbat := jm.GetBatches()
	preferredRows := proc.Config().Join.PreferredOutputBatchRows
	preferredBytes := proc.Config().Join.PreferredOutputBatchBytes
	rows := 0
	keyCol := node.BuildKeys[0]

	for batIdx := int(*cursor / colexec.DefaultBatchSize); batIdx < len(mpbat); batIdx++ {
		bat := mpbat[batIdx]
		startRow := int(*cursor % colexec.DefaultBatchSize)
		if int(*cursor/colexec.DefaultBatchSize) != batIdx {
			startRow = 0
		}
		for row := startRow; row < bat.RowCount(); row++ {
			if rows >= preferredRows ||
				(rows > 0 && outputBytes(ctr.rbat) >= preferredBytes) {
				ctr.rbat.SetRowCount(rows)
				if ctr.outSpillRequested.Swap(false) {
					// arbitrator asked for the output run mid-emission
					if err := hashJoin.spillOutputRun(proc); err != nil {
						return false, err
					}
					// drain the spilled run on the next pass before
					// emitting anything after it
					*cursor = int64(batIdx)*colexec.DefaultBatchSize + int64(row)
					result.Batch = nil
					return false, nil
				} else {
					result.Batch = ctr.rbat
					*cursor = int64(batIdx)*colexec.DefaultBatchSize + int64(row)
					return false, nil
				}
			}
			sel := int64(batIdx)*colexec.DefaultBatchSize + int64(row)
			isMatched := matched.Matched(sel)
			switch node.JoinType {
			case plan.Right, plan.Full:
				if isMatched {
					continue
				}
				if err := hashJoin.appendOutputPair(proc, nil, -1, sel, markNone); err != nil {
					return false, err
				}
				rows++
			case plan.RightSemiFilter:
				if !isMatched {
					continue
				}
				if err := hashJoin.appendOutputPair(proc, nil, -1, sel, markNone); err != nil {
					return false, err
				}
				rows++
			case plan.RightSemiProject:
				mark := markFalse
				if isMatched {
					mark = markTrue
				} else if node.NullAware {
					if matched.ProbeNullSeen() || bat.Vecs[keyCol].IsNull(uint64(row)) {
						mark = markNull
					}
				}
				if err := hashJoin.appendOutputPair(proc, nil, -1, sel, mark); err != nil {
					return false, err
				}
				rows++
			}
		}
	}

	*cursor = int64(len(mpbat)) * colexec.DefaultBatchSize
	if rows > 0 {
		ctr.rbat.SetRowCount(rows)
		result.Batch = ctr.rbat
	} else {
		result.Batch = nil
	}
	return true, nil
}

var _ vm.Operator = (*HashJoin)(nil)
