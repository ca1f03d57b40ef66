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

package hashjoin

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/osmiumdb/osmium/pkg/common/hashmap"
	"github.com/osmiumdb/osmium/pkg/sql/plan"
	"github.com/osmiumdb/osmium/pkg/util/metric"
	"github.com/osmiumdb/osmium/pkg/vm/message"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

// narrow ranges turn into MIN_MAX filters even when the distinct set is too
// large for an IN set
const maxMinMaxFilterRange = 1 << 20

// produceDynamicFilter publishes at most one filter over the build keys to
// the named probe-side scan. Only called when no spill occurred: spill
// wins, suppressing the filter.
func (hashJoin *HashJoin) produceDynamicFilter(proc *process.Process) error {
	spec := hashJoin.Node.RuntimeFilter
	if spec == nil {
		return nil
	}
	if !hashJoin.Shared.ClaimFilterPublication() {
		return nil
	}
	ctr := &hashJoin.ctr
	stats := hashJoin.OpAnalyzer.Stats()

	rt := message.RuntimeFilterMessage{Tag: spec.Tag, ColIdx: spec.ColIdx}

	if ctr.jm == nil {
		// an empty build side prunes every split of inner-style scans
		switch hashJoin.Node.JoinType {
		case plan.Inner, plan.LeftSemiFilter, plan.RightSemiFilter:
			rt.Typ = message.RuntimeFilter_DROP
			stats.DynamicFiltersProduced++
			metric.DynamicFiltersProducedCounter.Inc()
			return message.SendRuntimeFilter(rt, proc.GetMessageBoard())
		}
		return nil
	}

	keyStats := ctr.jm.Stats()[0]
	if len(hashJoin.Node.BuildKeys) != 1 || !keyStats.HasRange {
		return nil
	}

	switch {
	case keyStats.DistinctCount <= uint64(spec.UpperLimit):
		rt.Typ = message.RuntimeFilter_IN
		rt.Min, rt.Max = keyStats.Min, keyStats.Max
		rt.Card = int32(keyStats.DistinctCount)
		rt.Set = hashJoin.collectDistinctKeys(keyStats.Min)
		rt.ReplacesJoin = hashJoin.filterReplacesJoin(keyStats)
		hashJoin.passThrough = rt.ReplacesJoin
	case keyStats.Max-keyStats.Min+1 <= maxMinMaxFilterRange:
		rt.Typ = message.RuntimeFilter_MIN_MAX
		rt.Min, rt.Max = keyStats.Min, keyStats.Max
	default:
		// nothing worth pushing down
		return nil
	}

	stats.DynamicFiltersProduced++
	metric.DynamicFiltersProducedCounter.Inc()
	return message.SendRuntimeFilter(rt, proc.GetMessageBoard())
}

// collectDistinctKeys walks the build key column once, storing each key as
// an offset from min.
func (hashJoin *HashJoin) collectDistinctKeys(min int64) *roaring.Bitmap {
	set := roaring.New()
	keyCol := hashJoin.Node.BuildKeys[0]
	for _, bat := range hashJoin.ctr.jm.GetBatches() {
		vec := bat.Vecs[keyCol]
		for row := 0; row < bat.RowCount(); row++ {
			if vec.IsNull(uint64(row)) {
				continue
			}
			set.Add(uint32(hashmap.IntKeyAt(vec, row) - min))
		}
	}
	return set
}

// filterReplacesJoin decides whether the scan-side filter makes the join
// itself redundant: an inner join on unique, null-free build keys whose
// output draws only on probe columns degenerates to the filter.
func (hashJoin *HashJoin) filterReplacesJoin(keyStats message.KeyColumnStats) bool {
	node := hashJoin.Node
	if node.JoinType != plan.Inner || node.Filter != nil {
		return false
	}
	if keyStats.NullCount > 0 {
		return false
	}
	if keyStats.DistinctCount != uint64(hashJoin.ctr.jm.GetRowCount()) {
		return false
	}
	for _, rp := range node.OutputLayout {
		if rp.Rel != plan.RelProbe {
			return false
		}
	}
	return true
}
