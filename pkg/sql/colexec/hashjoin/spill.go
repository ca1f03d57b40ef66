// Copyright 2025 Matrix Origin
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
	"sort"

	"github.com/osmiumdb/osmium/pkg/container/batch"
	"github.com/osmiumdb/osmium/pkg/container/types"
	"github.com/osmiumdb/osmium/pkg/container/vector"
	"github.com/osmiumdb/osmium/pkg/fileservice"
	"github.com/osmiumdb/osmium/pkg/sql/colexec/hashmap_util"
	"github.com/osmiumdb/osmium/pkg/sql/colexec/spill"
	"github.com/osmiumdb/osmium/pkg/sql/plan"
	"github.com/osmiumdb/osmium/pkg/util/metric"
	"github.com/osmiumdb/osmium/pkg/vm"
	"github.com/osmiumdb/osmium/pkg/vm/message"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

func buildKeyTypesOf(node *plan.JoinNode) []types.Type {
	typs := make([]types.Type, len(node.BuildKeys))
	for i, k := range node.BuildKeys {
		typs[i] = node.BuildTypes[k]
	}
	return typs
}

func (hashJoin *HashJoin) ensureSpiller(proc *process.Process) (*spill.Spiller, error) {
	ctr := &hashJoin.ctr
	if ctr.spiller != nil {
		return ctr.spiller, nil
	}
	fs, err := proc.GetSpillFileService()
	if err != nil {
		return nil, err
	}
	sp, err := spill.New(fs, proc.Config().Spill, 0, "probe", hashJoin.TotalSpillBytes, hashJoin.OpAnalyzer.Stats())
	if err != nil {
		return nil, err
	}
	ctr.spiller = sp
	return sp, nil
}

// subBatch copies the selected rows of bat into a fresh batch.
func subBatch(proc *process.Process, bat *batch.Batch, sels []int64) (*batch.Batch, error) {
	tmp := batch.NewWithSize(len(bat.Vecs))
	for i, vec := range bat.Vecs {
		tmp.Vecs[i] = vector.NewVec(*vec.GetType())
	}
	for i, vec := range tmp.Vecs {
		if err := vec.Union(bat.Vecs[i], sels, proc.Mp()); err != nil {
			tmp.Clean(proc.Mp())
			return nil, err
		}
	}
	tmp.SetRowCount(len(sels))
	return tmp, nil
}

// spillProbeRows peels the rows of the pending input batch headed for
// build-spilled partitions and writes them through the probe-side spiller
// under the same hash window; the remainder stays for normal probing.
func (hashJoin *HashJoin) spillProbeRows(proc *process.Process) error {
	ctr := &hashJoin.ctr
	sp, err := hashJoin.ensureSpiller(proc)
	if err != nil {
		return err
	}
	sels, err := sp.PartitionSels(ctr.inbat, hashJoin.Node.ProbeKeys)
	if err != nil {
		return err
	}
	var keep []int64
	for p, ps := range sels {
		if len(ps) == 0 {
			continue
		}
		if !ctr.spilledSet[int32(p)] {
			keep = append(keep, ps...)
			continue
		}
		tmp, err := subBatch(proc, ctr.inbat, ps)
		if err != nil {
			return err
		}
		err = sp.SpillBatch(int32(p), tmp)
		tmp.Clean(proc.Mp())
		if err != nil {
			return err
		}
	}
	sort.Slice(keep, func(i, j int) bool { return keep[i] < keep[j] })
	ctr.inbat.Shrink(keep)
	return nil
}

// finishProbeSpill closes the probe-side writers and forms the top-level
// partition pairs.
func (hashJoin *HashJoin) finishProbeSpill() error {
	ctr := &hashJoin.ctr
	if len(ctr.spilledParts) == 0 {
		return nil
	}
	probeFiles := make(map[int32][]string)
	if ctr.spiller != nil {
		if err := ctr.spiller.FinishSpill(); err != nil {
			return err
		}
		for _, p := range ctr.spiller.Partitions() {
			probeFiles[p.ID] = p.Files
		}
	}

	// several build drivers may have spilled the same partition id
	grouped := make(map[int32]*spillPair)
	var order []int32
	for _, p := range ctr.spilledParts {
		pair, ok := grouped[p.PartitionID]
		if !ok {
			pair = &spillPair{level: p.Level}
			grouped[p.PartitionID] = pair
			order = append(order, p.PartitionID)
		}
		pair.buildFiles = append(pair.buildFiles, p.Files...)
		pair.buildRows += p.Rows
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	for _, id := range order {
		pair := grouped[id]
		pair.probeFiles = probeFiles[id]
		ctr.pending = append(ctr.pending, *pair)
	}
	return nil
}

// processSpillStep advances the restore loop by at most one output batch;
// done means every pair has been processed.
func (hashJoin *HashJoin) processSpillStep(proc *process.Process, result *vm.CallResult) (bool, error) {
	ctr := &hashJoin.ctr
	if len(ctr.pending) == 0 && len(ctr.localPending) == 0 &&
		ctr.pairJM == nil && ctr.pairProbeReader == nil {
		return true, nil
	}
	fs, err := proc.GetSpillFileService()
	if err != nil {
		return false, err
	}

	for {
		if ctr.pairJM == nil && ctr.pairProbeReader == nil {
			pair, ok := hashJoin.nextPair()
			if !ok {
				return true, nil
			}

			stats := hashJoin.OpAnalyzer.Stats()
			if pair.level > stats.MaxSpillLevel {
				stats.MaxSpillLevel = pair.level
			}

			wantDeeper := hashJoin.SpillHook != nil && hashJoin.SpillHook(pair.level)
			exceeds := proc.Config().Spill.MaxSpillLevel >= 0 &&
				int(pair.level)+1 > proc.Config().Spill.MaxSpillLevel
			if wantDeeper && !exceeds {
				if err := hashJoin.repartitionPair(proc, fs, pair); err != nil {
					return false, err
				}
				continue
			}
			if wantDeeper && exceeds {
				// out of levels: process the partition in place
				stats.ExceededMaxSpillLevelCount++
				metric.ExceededMaxSpillLevelCounter.Inc()
			}

			if err := hashJoin.loadPair(proc, fs, pair); err != nil {
				return false, err
			}
		}

		if ctr.inbat == nil {
			bat, err := ctr.pairProbeReader.Next()
			if err != nil {
				return false, err
			}
			if bat == nil {
				if hashJoin.Node.JoinType.EmitsBuildAtEnd() && ctr.pairJM != nil {
					done, err := hashJoin.emitBuildRowsFrom(proc, ctr.pairJM, ctr.pairLocal, &ctr.pairEmitCursor, result)
					if err != nil {
						return false, err
					}
					if !done {
						return false, nil
					}
					if result.Batch != nil {
						hashJoin.closePair(proc, fs)
						return false, nil
					}
				}
				hashJoin.closePair(proc, fs)
				continue
			}
			ctr.inbat = bat
			ctr.lastRow = 0
		}

		owned := ctr.inbat
		if ctr.pairJM == nil {
			// empty build partition: only the null-extending variants emit
			if err := hashJoin.emptyProbe(proc, result); err != nil {
				return false, err
			}
		} else {
			if err := hashJoin.probeWith(proc, ctr.pairJM, ctr.pairItr, ctr.pairLocal, result); err != nil {
				return false, err
			}
			if ctr.lastRow == 0 {
				ctr.inbat = nil
			}
		}
		if ctr.inbat == nil {
			owned.Clean(proc.Mp())
		}
		if result.Batch != nil && result.Batch.RowCount() > 0 {
			return false, nil
		}
	}
}

// nextPair pops this driver's deeper pairs first, then claims a top-level
// pair through the shared counter so each runs exactly once across drivers.
func (hashJoin *HashJoin) nextPair() (spillPair, bool) {
	ctr := &hashJoin.ctr
	if n := len(ctr.localPending); n > 0 {
		pair := ctr.localPending[n-1]
		ctr.localPending = ctr.localPending[:n-1]
		return pair, true
	}
	idx, ok := hashJoin.Shared.ClaimSpillPair(len(ctr.pending))
	if !ok {
		return spillPair{}, false
	}
	return ctr.pending[idx], true
}

// loadPair rebuilds a table over one spilled build partition and opens the
// matching probe stream.
func (hashJoin *HashJoin) loadPair(proc *process.Process, fs *fileservice.LocalFS, pair spillPair) error {
	ctr := &hashJoin.ctr

	if pair.buildRows > 0 {
		hb := &hashmap_util.HashmapBuilder{}
		if err := hb.Prepare(hashJoin.Node.BuildKeys, buildKeyTypesOf(hashJoin.Node), hashJoin.Node.NullAware); err != nil {
			return err
		}
		reader := spill.NewPartitionReader(fs, pair.buildFiles, proc.Mp())
		for {
			bat, err := reader.Next()
			if err != nil {
				reader.Close()
				return err
			}
			if bat == nil {
				break
			}
			err = hb.Batches.CopyIntoBatches(bat, proc)
			bat.Clean(proc.Mp())
			if err != nil {
				reader.Close()
				return err
			}
		}
		reader.Close()
		if hb.Batches.RowCount() > 0 {
			if err := hb.BuildHashmap(proc.Config().Join.MinTableRowsForParallelJoinBuild, 1, proc); err != nil {
				hb.Free(proc)
				return err
			}
			ctr.pairJM = hb.NewJoinMap(proc)
			ctr.pairJM.IncRef(1)
			ctr.pairItr = ctr.pairJM.NewIterator()
		} else {
			hb.Free(proc)
		}
	}

	ctr.pairFiles = append(append([]string(nil), pair.buildFiles...), pair.probeFiles...)
	ctr.pairProbeReader = spill.NewPartitionReader(fs, pair.probeFiles, proc.Mp())
	ctr.pairLocal = newLocalMatched()
	ctr.pairEmitCursor = 0
	ctr.joinBat2 = nil
	return nil
}

// repartitionPair pushes one pair a level deeper: both sides scatter under
// the next hash window, and the source files are dropped.
func (hashJoin *HashJoin) repartitionPair(proc *process.Process, fs *fileservice.LocalFS, pair spillPair) error {
	ctr := &hashJoin.ctr
	nextLevel := int(pair.level) + 1

	buildSp, err := spill.New(fs, proc.Config().Spill, nextLevel, "build", hashJoin.TotalSpillBytes, hashJoin.OpAnalyzer.Stats())
	if err != nil {
		return err
	}
	probeSp, err := spill.New(fs, proc.Config().Spill, nextLevel, "probe", hashJoin.TotalSpillBytes, hashJoin.OpAnalyzer.Stats())
	if err != nil {
		return err
	}

	if err := hashJoin.scatter(proc, fs, pair.buildFiles, buildSp, hashJoin.Node.BuildKeys); err != nil {
		return err
	}
	if err := hashJoin.scatter(proc, fs, pair.probeFiles, probeSp, hashJoin.Node.ProbeKeys); err != nil {
		return err
	}
	if err := buildSp.FinishSpill(); err != nil {
		return err
	}
	if err := probeSp.FinishSpill(); err != nil {
		return err
	}

	probeFiles := make(map[int32][]string)
	for _, p := range probeSp.Partitions() {
		probeFiles[p.ID] = p.Files
	}
	seen := make(map[int32]bool)
	for _, p := range buildSp.Partitions() {
		seen[p.ID] = true
		ctr.localPending = append(ctr.localPending, spillPair{
			level:      int32(nextLevel),
			buildFiles: p.Files,
			probeFiles: probeFiles[p.ID],
			buildRows:  p.Rows,
		})
	}
	for id, files := range probeFiles {
		if !seen[id] {
			ctr.localPending = append(ctr.localPending, spillPair{
				level:      int32(nextLevel),
				probeFiles: files,
			})
		}
	}

	spill.DeleteFiles(fs, []message.SpilledPartition{
		{Files: pair.buildFiles},
		{Files: pair.probeFiles},
	})
	return nil
}

func (hashJoin *HashJoin) scatter(proc *process.Process, fs *fileservice.LocalFS, files []string, sp *spill.Spiller, keys []int32) error {
	reader := spill.NewPartitionReader(fs, files, proc.Mp())
	defer reader.Close()
	for {
		bat, err := reader.Next()
		if err != nil {
			return err
		}
		if bat == nil {
			return nil
		}
		sels, err := sp.PartitionSels(bat, keys)
		if err != nil {
			bat.Clean(proc.Mp())
			return err
		}
		for p, ps := range sels {
			if len(ps) == 0 {
				continue
			}
			tmp, err := subBatch(proc, bat, ps)
			if err != nil {
				bat.Clean(proc.Mp())
				return err
			}
			err = sp.SpillBatch(int32(p), tmp)
			tmp.Clean(proc.Mp())
			if err != nil {
				bat.Clean(proc.Mp())
				return err
			}
		}
		bat.Clean(proc.Mp())
	}
}

// closePair frees the pair-local table and deletes its files: after probe
// completion no spill file survives.
func (hashJoin *HashJoin) closePair(proc *process.Process, fs *fileservice.LocalFS) {
	ctr := &hashJoin.ctr
	if ctr.pairJM != nil {
		ctr.pairJM.Free()
		ctr.pairJM = nil
	}
	ctr.pairItr = nil
	if ctr.pairProbeReader != nil {
		ctr.pairProbeReader.Close()
		ctr.pairProbeReader = nil
	}
	if len(ctr.pairFiles) > 0 {
		spill.DeleteFiles(fs, []message.SpilledPartition{{Files: ctr.pairFiles}})
		ctr.pairFiles = nil
	}
	ctr.pairLocal = nil
	ctr.pairEmitCursor = 0
	ctr.joinBat2 = nil
}

// ReclaimerName implements process.Reclaimer.
func (hashJoin *HashJoin) ReclaimerName() string {
	return opName
}

// ReclaimableBytes implements process.Reclaimer: only the in-progress
// output run can move to disk; the spill itself happens cooperatively at
// the emitter's next checkpoint.
func (hashJoin *HashJoin) ReclaimableBytes() int64 {
	ctr := &hashJoin.ctr
	if !hashJoin.proc.Config().Spill.JoinSpillEnabled {
		return 0
	}
	if ctr.state == EmitBuildRows && ctr.rbat != nil && !ctr.outSpillRequested.Load() {
		return int64(ctr.rbat.Size())
	}
	return 0
}

// Reclaim implements process.Reclaimer: request a spill of the partially
// produced output sequence, never the built table, so output order holds
// for the remainder. The emitter honors the request at its next yield.
func (hashJoin *HashJoin) Reclaim(_ int64) (int64, error) {
	ctr := &hashJoin.ctr
	if ctr.state != EmitBuildRows || ctr.rbat == nil {
		return 0, nil
	}
	size := int64(ctr.rbat.Size())
	ctr.outSpillRequested.Store(true)
	return size, nil
}

// spillOutputRun moves the current unyielded output batch to disk.
func (hashJoin *HashJoin) spillOutputRun(proc *process.Process) error {
	ctr := &hashJoin.ctr
	fs, err := proc.GetSpillFileService()
	if err != nil {
		return err
	}
	cfg := proc.Config().Spill
	cfg.SpillNumPartitionBits = 1
	outSp, err := spill.New(fs, cfg, 0, "probe-out", hashJoin.TotalSpillBytes, hashJoin.OpAnalyzer.Stats())
	if err != nil {
		return err
	}
	if err := outSp.SpillBatch(0, ctr.rbat); err != nil {
		return err
	}
	if err := outSp.FinishSpill(); err != nil {
		return err
	}
	for _, p := range outSp.Partitions() {
		ctr.outSpillFiles = append(ctr.outSpillFiles, p.Files...)
	}
	ctr.rbat.CleanOnlyData()
	return nil
}
