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

package process

import (
	"fmt"
	"time"
)

// OperatorStats are the per-operator observables surfaced by queries'
// explain-analyze path and scraped into metrics.
type OperatorStats struct {
	InputRows  int64
	OutputRows int64
	WaitNanos  int64
	AllocBytes int64

	SpilledBytes      int64
	SpilledRows       int64
	SpilledPartitions int64
	SpilledFiles      int64

	ExceededMaxSpillLevelCount int64
	MaxSpillLevel              int32

	BuildWallNanos int64
	NumNullKeys    int64

	// per key column
	DistinctKey []uint64
	RangeKey    []int64

	DynamicFiltersProduced int64
	DynamicFiltersAccepted int64
	ReplacedWithFilterRows int64
	SkippedSplits          int64
	PreloadedSplits        int64
}

// Analyzer collects OperatorStats for one operator instance.
type Analyzer struct {
	idx     int
	isFirst bool
	isLast  bool
	name    string

	start time.Time
	stats OperatorStats
}

func NewAnalyzer(idx int, isFirst, isLast bool, name string) *Analyzer {
	return &Analyzer{idx: idx, isFirst: isFirst, isLast: isLast, name: name}
}

func (a *Analyzer) Reset() {
	a.stats = OperatorStats{}
}

func (a *Analyzer) Name() string {
	return a.name
}

func (a *Analyzer) Start() {
	a.start = time.Now()
}

func (a *Analyzer) Stop() {
}

// WaitStop charges the time since start as cross-driver wait.
func (a *Analyzer) WaitStop(start time.Time) {
	a.stats.WaitNanos += time.Since(start).Nanoseconds()
}

func (a *Analyzer) Input(rows int) {
	a.stats.InputRows += int64(rows)
}

func (a *Analyzer) Output(rows int) {
	a.stats.OutputRows += int64(rows)
}

func (a *Analyzer) Alloc(size int64) {
	if size > a.stats.AllocBytes {
		a.stats.AllocBytes = size
	}
}

// Stats exposes the mutable stats block for operator-specific counters.
func (a *Analyzer) Stats() *OperatorStats {
	return &a.stats
}

func (a *Analyzer) String() string {
	return fmt.Sprintf("%s(idx=%d, in=%d, out=%d)",
		a.name, a.idx, a.stats.InputRows, a.stats.OutputRows)
}
