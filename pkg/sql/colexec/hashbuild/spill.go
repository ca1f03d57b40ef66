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

package hashbuild

import (
	"sort"

	"github.com/osmiumdb/osmium/pkg/container/batch"
	"github.com/osmiumdb/osmium/pkg/container/types"
	"github.com/osmiumdb/osmium/pkg/container/vector"
	"github.com/osmiumdb/osmium/pkg/sql/colexec/hashmap_util"
	"github.com/osmiumdb/osmium/pkg/sql/colexec/spill"
	"github.com/osmiumdb/osmium/pkg/sql/plan"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

func buildKeyTypes(node *plan.JoinNode) []types.Type {
	typs := make([]types.Type, len(node.BuildKeys))
	for i, k := range node.BuildKeys {
		typs[i] = node.BuildTypes[k]
	}
	return typs
}

func (hashBuild *HashBuild) ensureSpiller(proc *process.Process) (*spill.Spiller, error) {
	ctr := &hashBuild.ctr
	if ctr.spiller != nil {
		return ctr.spiller, nil
	}
	fs, err := proc.GetSpillFileService()
	if err != nil {
		return nil, err
	}
	sp, err := spill.New(fs, proc.Config().Spill, 0, "build", hashBuild.TotalSpillBytes, hashBuild.OpAnalyzer.Stats())
	if err != nil {
		return nil, err
	}
	ctr.spiller = sp
	return sp, nil
}

// spillPartitionsOf moves the given partitions of one container to disk
// through the leader's spiller, erasing them from memory so the on-disk
// picture is consistent across peers.
func (hashBuild *HashBuild) spillPartitionsOf(hb *hashmap_util.HashmapBuilder, ids map[int32]bool) error {
	sp, err := hashBuild.ensureSpiller(hashBuild.proc)
	if err != nil {
		return err
	}
	keys := hashBuild.Node.BuildKeys
	for _, bat := range hb.Batches.Buf {
		if bat.RowCount() == 0 {
			continue
		}
		sels, err := sp.PartitionSels(bat, keys)
		if err != nil {
			return err
		}
		var keep []int64
		for p, ps := range sels {
			if len(ps) == 0 {
				continue
			}
			if ids[int32(p)] {
				if err := hashBuild.spillRows(sp, int32(p), bat, ps); err != nil {
					return err
				}
			} else {
				keep = append(keep, ps...)
			}
		}
		sort.Slice(keep, func(i, j int) bool { return keep[i] < keep[j] })
		bat.Shrink(keep)
	}
	hb.Batches.Recount()
	return hb.Batches.Reallocate(hashBuild.proc)
}

func (hashBuild *HashBuild) spillRows(sp *spill.Spiller, p int32, bat *batch.Batch, sels []int64) error {
	proc := hashBuild.proc
	tmp := batch.NewWithSize(len(bat.Vecs))
	for i, vec := range bat.Vecs {
		tmp.Vecs[i] = vector.NewVec(*vec.GetType())
	}
	defer tmp.Clean(proc.Mp())

	// the spill path reserves up front so serialization cannot hit the cap
	if err := proc.Mp().Reserve(int64(bat.Size())); err == nil {
		defer proc.Mp().Relax(int64(bat.Size()))
	}

	for i, vec := range tmp.Vecs {
		if err := vec.Union(bat.Vecs[i], sels, proc.Mp()); err != nil {
			return err
		}
	}
	tmp.SetRowCount(len(sels))
	if err := sp.SpillBatch(p, tmp); err != nil {
		return err
	}
	spill.LogSpill(opName, sp.Level(), p, int64(len(sels)), int64(tmp.Size()))
	return nil
}

// ReclaimerName implements process.Reclaimer.
func (hashBuild *HashBuild) ReclaimerName() string {
	return opName
}

// ReclaimableBytes implements process.Reclaimer: the container's footprint,
// but only while the operator sits in a reclaimable section.
func (hashBuild *HashBuild) ReclaimableBytes() int64 {
	if !hashBuild.ctr.inReclaimableSection.Load() {
		return 0
	}
	if !hashBuild.proc.Config().Spill.JoinSpillEnabled {
		return 0
	}
	return hashBuild.ctr.hashmapBuilder.Batches.Size()
}

// Reclaim implements process.Reclaimer: spill whole partitions, largest
// first, until the target is met, then erase them from the container.
func (hashBuild *HashBuild) Reclaim(target int64) (int64, error) {
	proc := hashBuild.proc
	ctr := &hashBuild.ctr
	sp, err := hashBuild.ensureSpiller(proc)
	if err != nil {
		return 0, err
	}

	// size up each partition across the whole container
	type partSize struct {
		id   int32
		rows int64
	}
	perBatchSels := make([][][]int64, len(ctr.hashmapBuilder.Batches.Buf))
	rowsPerPart := make(map[int32]int64)
	for i, bat := range ctr.hashmapBuilder.Batches.Buf {
		sels, err := sp.PartitionSels(bat, hashBuild.Node.BuildKeys)
		if err != nil {
			return 0, err
		}
		perBatchSels[i] = sels
		for p, ps := range sels {
			rowsPerPart[int32(p)] += int64(len(ps))
		}
	}
	order := make([]partSize, 0, len(rowsPerPart))
	for id, rows := range rowsPerPart {
		order = append(order, partSize{id: id, rows: rows})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].rows > order[j].rows })

	before := ctr.hashmapBuilder.Batches.Size()
	totalRows := ctr.hashmapBuilder.Batches.RowCount()
	chosen := make(map[int32]bool)
	var chosenRows int64
	var freedEstimate int64
	for _, ps := range order {
		if freedEstimate >= target {
			break
		}
		chosen[ps.id] = true
		chosenRows += ps.rows
		if totalRows > 0 {
			freedEstimate = before * chosenRows / int64(totalRows)
		}
	}
	if len(chosen) == 0 {
		return 0, nil
	}

	for i, bat := range ctr.hashmapBuilder.Batches.Buf {
		var keep []int64
		for p, ps := range perBatchSels[i] {
			if len(ps) == 0 {
				continue
			}
			if chosen[int32(p)] {
				if err := hashBuild.spillRows(sp, int32(p), bat, ps); err != nil {
					return 0, err
				}
			} else {
				keep = append(keep, ps...)
			}
		}
		sort.Slice(keep, func(a, b int) bool { return keep[a] < keep[b] })
		bat.Shrink(keep)
	}
	ctr.hashmapBuilder.Batches.Recount()
	if err := ctr.hashmapBuilder.Batches.Reallocate(proc); err != nil {
		return 0, err
	}
	freed := before - ctr.hashmapBuilder.Batches.Size()
	if freed < 0 {
		freed = 0
	}
	return freed, nil
}
