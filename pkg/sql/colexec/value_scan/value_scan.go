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

package value_scan

import (
	"bytes"

	"github.com/osmiumdb/osmium/pkg/common/hashmap"
	"github.com/osmiumdb/osmium/pkg/container/batch"
	"github.com/osmiumdb/osmium/pkg/util/metric"
	"github.com/osmiumdb/osmium/pkg/vm"
	"github.com/osmiumdb/osmium/pkg/vm/message"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

const opName = "value_scan"

type container struct {
	idx      int
	filter   *message.RuntimeFilterMessage
	accepted bool
}

// ValueScan feeds a fixed list of splits downstream, one batch per split.
// It polls the dynamic filter channel at driver start and between splits,
// pruning rows and whole splits the moment a filter lands.
type ValueScan struct {
	vm.OperatorBase

	// Batches are the splits, owned by the caller.
	Batches []*batch.Batch

	// RuntimeFilterTag names the channel this scan listens on, 0 for none.
	RuntimeFilterTag int32

	// FilterColIdx is the scanned column a filter applies to.
	FilterColIdx int32

	OpAnalyzer *process.Analyzer

	ctr container
}

func (valueScan *ValueScan) String(buf *bytes.Buffer) {
	buf.WriteString(opName)
	buf.WriteString(": value scan ")
}

func (valueScan *ValueScan) OpType() vm.OpType {
	return vm.ValueScan
}

func (valueScan *ValueScan) Prepare(proc *process.Process) error {
	if valueScan.OpAnalyzer == nil {
		valueScan.OpAnalyzer = process.NewAnalyzer(0, true, false, "value scan")
	} else {
		valueScan.OpAnalyzer.Reset()
	}
	preload := proc.Config().Join.MaxSplitPreloadPerDriver
	if preload > len(valueScan.Batches) {
		preload = len(valueScan.Batches)
	}
	valueScan.OpAnalyzer.Stats().PreloadedSplits += int64(preload)
	return nil
}

func (valueScan *ValueScan) pollFilter(proc *process.Process) error {
	if valueScan.RuntimeFilterTag <= 0 || valueScan.ctr.filter != nil {
		return nil
	}
	rt, err := message.PollRuntimeFilter(valueScan.RuntimeFilterTag, proc.GetMessageBoard())
	if err != nil {
		return err
	}
	if rt == nil {
		return nil
	}
	valueScan.ctr.filter = rt
	if !valueScan.ctr.accepted {
		valueScan.ctr.accepted = true
		valueScan.OpAnalyzer.Stats().DynamicFiltersAccepted++
		metric.DynamicFiltersAcceptedCounter.Inc()
	}
	return nil
}

func (valueScan *ValueScan) Call(proc *process.Process) (vm.CallResult, error) {
	if err, isCancel := vm.CancelCheck(proc); isCancel {
		return vm.CancelResult, err
	}

	analyzer := valueScan.OpAnalyzer
	result := vm.NewCallResult()
	ctr := &valueScan.ctr

	for {
		if err := valueScan.pollFilter(proc); err != nil {
			return result, err
		}
		if ctr.idx >= len(valueScan.Batches) {
			result.Batch = nil
			result.Status = vm.ExecStop
			return result, nil
		}
		bat := valueScan.Batches[ctr.idx]
		ctr.idx++

		if ctr.filter != nil {
			switch ctr.filter.Typ {
			case message.RuntimeFilter_DROP:
				analyzer.Stats().SkippedSplits++
				continue
			case message.RuntimeFilter_PASS:
			default:
				kept := valueScan.applyFilter(bat)
				if kept == 0 {
					analyzer.Stats().SkippedSplits++
					continue
				}
				if ctr.filter.ReplacesJoin {
					analyzer.Stats().ReplacedWithFilterRows += int64(kept)
					metric.ReplacedWithFilterRowsCounter.Add(float64(kept))
				}
			}
		}

		analyzer.Output(bat.RowCount())
		result.Batch = bat
		return result, nil
	}
}

// applyFilter keeps only the rows passing the dynamic filter, in place.
func (valueScan *ValueScan) applyFilter(bat *batch.Batch) int {
	vec := bat.Vecs[valueScan.FilterColIdx]
	var keep []int64
	for row := 0; row < bat.RowCount(); row++ {
		if vec.IsNull(uint64(row)) {
			continue
		}
		if valueScan.ctr.filter.Accepts(hashmap.IntKeyAt(vec, row)) {
			keep = append(keep, int64(row))
		}
	}
	if len(keep) == bat.RowCount() {
		return len(keep)
	}
	bat.Shrink(keep)
	return len(keep)
}

func (valueScan *ValueScan) Free(_ *process.Process, _ bool, _ error) {
}

var _ vm.Operator = (*ValueScan)(nil)
