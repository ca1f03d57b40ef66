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
	"bytes"
	"sort"
	"time"

	"github.com/osmiumdb/osmium/pkg/common/moerr"
	"github.com/osmiumdb/osmium/pkg/vm"
	"github.com/osmiumdb/osmium/pkg/vm/message"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

const opName = "hash_build"

func (hashBuild *HashBuild) String(buf *bytes.Buffer) {
	buf.WriteString(opName)
	buf.WriteString(": hash build ")
}

func (hashBuild *HashBuild) OpType() vm.OpType {
	return vm.HashBuild
}

func (hashBuild *HashBuild) Prepare(proc *process.Process) (err error) {
	if hashBuild.OpAnalyzer == nil {
		hashBuild.OpAnalyzer = process.NewAnalyzer(0, false, false, "hash build")
	} else {
		hashBuild.OpAnalyzer.Reset()
	}
	if hashBuild.JoinMapTag <= 0 {
		return moerr.NewInternalError("wrong joinmap message tag")
	}
	if err = hashBuild.Node.Validate(); err != nil {
		return err
	}

	hashBuild.proc = proc
	hashBuild.arbID = proc.GetArbitrator().Register(hashBuild)
	return hashBuild.ctr.hashmapBuilder.Prepare(hashBuild.Node.BuildKeys, buildKeyTypes(hashBuild.Node), hashBuild.Node.NullAware)
}

func (hashBuild *HashBuild) Call(proc *process.Process) (vm.CallResult, error) {
	if err, isCancel := vm.CancelCheck(proc); isCancel {
		return vm.CancelResult, err
	}

	analyzer := hashBuild.OpAnalyzer
	analyzer.Start()
	defer analyzer.Stop()

	result := vm.NewCallResult()
	ctr := &hashBuild.ctr
	for {
		switch ctr.state {
		case ReceiveBatches:
			ctr.inReclaimableSection.Store(true)
			err := ctr.collectBuildBatches(hashBuild, proc, analyzer)
			ctr.inReclaimableSection.Store(false)
			if err != nil {
				return result, err
			}
			ctr.state = WaitForPeers

		case WaitForPeers:
			if err := ctr.finishSpill(); err != nil {
				return result, err
			}
			leader, idx := hashBuild.Shared.Arrive(&ctr.hashmapBuilder, ctr.spilled)
			hashBuild.isLeader = leader
			hashBuild.sharedIdx = idx
			if leader {
				ctr.state = BuildHashMap
				continue
			}
			// wait for the leader's publication
			start := time.Now()
			select {
			case <-hashBuild.Shared.done:
			case <-proc.Ctx.Done():
				analyzer.WaitStop(start)
				return vm.CancelResult, moerr.NewQueryInterrupted()
			}
			analyzer.WaitStop(start)
			if err := hashBuild.Shared.leaderErr; err != nil {
				return result, err
			}
			ctr.state = SendSucceed

		case BuildHashMap:
			err := hashBuild.leaderBuild(proc, analyzer)
			if err != nil {
				hashBuild.Shared.Finish(err)
				return result, err
			}
			ctr.state = SendJoinMap

		case SendJoinMap:
			err := hashBuild.sendJoinMap(proc)
			hashBuild.Shared.Finish(err)
			if err != nil {
				return result, err
			}
			ctr.state = SendSucceed

		case SendSucceed:
			result.Batch = nil
			result.Status = vm.ExecStop
			return result, nil
		}
	}
}

func (ctr *container) collectBuildBatches(hashBuild *HashBuild, proc *process.Process, analyzer *process.Analyzer) error {
	for {
		result, err := vm.ChildrenCall(hashBuild.GetChildren(0), proc, analyzer)
		if err != nil {
			return err
		}
		if result.Batch == nil {
			return nil
		}
		if result.Batch.IsEmpty() {
			continue
		}
		if abortErr := proc.Mp().AbortErr(); abortErr != nil {
			// pool aborted mid-input: drop the batch and unwind
			return abortErr
		}

		analyzer.Alloc(int64(result.Batch.Size()))
		ctr.hashmapBuilder.InputBatchRowCount += result.Batch.RowCount()
		if err = ctr.hashmapBuilder.Batches.CopyIntoBatches(result.Batch, proc); err != nil {
			return err
		}
		if hashBuild.SpillHook != nil && hashBuild.SpillHook(ctr.hashmapBuilder.Batches.RowCount()) {
			if _, err = hashBuild.Reclaim(ctr.hashmapBuilder.Batches.Size()); err != nil {
				return err
			}
		}
	}
}

// leaderBuild is the last driver's protocol: align the on-disk picture
// across peers, merge the remaining rows, build the table.
func (hashBuild *HashBuild) leaderBuild(proc *process.Process, analyzer *process.Analyzer) error {
	sb := hashBuild.Shared
	ctr := &hashBuild.ctr

	// step 1: the union of spilled partition ids decides what every peer
	// must move to disk, so a partition is never half in memory
	spilledIDs := make(map[int32]bool)
	for _, parts := range sb.spilled {
		for _, p := range parts {
			spilledIDs[p.PartitionID] = true
		}
	}
	if len(spilledIDs) > 0 {
		for _, hb := range sb.builders {
			if err := proc.Ctx.Err(); err != nil {
				return moerr.NewQueryInterrupted()
			}
			if err := hashBuild.spillPartitionsOf(hb, spilledIDs); err != nil {
				return err
			}
		}
	}

	// step 2: merge the unspilled remainder into the leader's container
	lead := &ctr.hashmapBuilder
	for _, hb := range sb.builders {
		if hb == lead {
			continue
		}
		lead.Batches.Compact()
		hb.Batches.Compact()
		for _, bat := range hb.Batches.Buf {
			if err := proc.Ctx.Err(); err != nil {
				return moerr.NewQueryInterrupted()
			}
			if err := lead.Batches.CopyIntoBatches(bat, proc); err != nil {
				return err
			}
		}
		hb.Batches.Clean(proc)
	}
	lead.Batches.Compact()

	// step 3: the table over what stayed in memory
	if hashBuild.NeedHashMap && lead.Batches.RowCount() > 0 {
		start := time.Now()
		err := lead.BuildHashmap(proc.Config().Join.MinTableRowsForParallelJoinBuild, sb.total, proc)
		analyzer.Stats().BuildWallNanos += time.Since(start).Nanoseconds()
		if err != nil {
			return err
		}
	}
	analyzer.Alloc(lead.GetSize())
	return nil
}

func (ctr *container) finishSpill() error {
	if ctr.spiller == nil {
		return nil
	}
	if err := ctr.spiller.FinishSpill(); err != nil {
		return err
	}
	ctr.spilled = ctr.spiller.Published()
	return nil
}

func (hashBuild *HashBuild) sendJoinMap(proc *process.Process) error {
	ctr := &hashBuild.ctr
	sb := hashBuild.Shared

	// the alignment pass may have spilled more through this spiller
	if err := ctr.finishSpill(); err != nil {
		return err
	}
	sb.SetSpilled(hashBuild.sharedIdx, ctr.spilled)

	var jm *message.JoinMap
	if hashBuild.NeedHashMap && ctr.hashmapBuilder.Batches.RowCount() > 0 {
		jm = ctr.hashmapBuilder.NewJoinMap(proc)
		jm.IncRef(hashBuild.JoinMapRefCnt)
	}

	var allSpilled []message.SpilledPartition
	for _, parts := range sb.spilled {
		allSpilled = append(allSpilled, parts...)
	}
	sort.Slice(allSpilled, func(i, j int) bool {
		return allSpilled[i].PartitionID < allSpilled[j].PartitionID
	})

	return message.SendMessage(message.JoinMapMsg{
		JoinMapPtr:        jm,
		SpilledPartitions: allSpilled,
		Tag:               hashBuild.JoinMapTag,
	}, proc.GetMessageBoard())
}

func (hashBuild *HashBuild) Free(proc *process.Process, pipelineFailed bool, err error) {
	proc.GetArbitrator().Unregister(hashBuild.arbID)
	if hashBuild.isLeader {
		message.FinalizeJoinMapMessage(proc.GetMessageBoard(), hashBuild.JoinMapTag, pipelineFailed, err)
	}
	if pipelineFailed || err != nil {
		hashBuild.ctr.hashmapBuilder.Free(proc)
		if hashBuild.ctr.spiller != nil {
			hashBuild.ctr.spiller.Delete()
		}
	}
}
