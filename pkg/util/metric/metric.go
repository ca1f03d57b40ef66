// Copyright 2023 Matrix Origin
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

package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SpilledBytesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "osmium",
		Subsystem: "join",
		Name:      "spilled_bytes_total",
		Help:      "Total bytes written to spill files by join operators.",
	})

	SpilledRowsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "osmium",
		Subsystem: "join",
		Name:      "spilled_rows_total",
		Help:      "Total rows written to spill files by join operators.",
	})

	SpilledPartitionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "osmium",
		Subsystem: "join",
		Name:      "spilled_partitions_total",
		Help:      "Total partitions spilled by join operators.",
	})

	SpilledFilesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "osmium",
		Subsystem: "join",
		Name:      "spilled_files_total",
		Help:      "Total spill files created by join operators.",
	})

	ExceededMaxSpillLevelCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "osmium",
		Subsystem: "join",
		Name:      "exceeded_max_spill_level_total",
		Help:      "Partitions processed in place after hitting the max spill level.",
	})

	HashTableBuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "osmium",
		Subsystem: "join",
		Name:      "hashtable_build_duration_seconds",
		Help:      "Wall time of hash table construction.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 12),
	})

	DynamicFiltersProducedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "osmium",
		Subsystem: "join",
		Name:      "dynamic_filters_produced_total",
		Help:      "Dynamic filters published by probe operators.",
	})

	DynamicFiltersAcceptedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "osmium",
		Subsystem: "join",
		Name:      "dynamic_filters_accepted_total",
		Help:      "Dynamic filters accepted by scan operators.",
	})

	ReplacedWithFilterRowsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "osmium",
		Subsystem: "join",
		Name:      "replaced_with_filter_rows_total",
		Help:      "Rows passed through scans whose join was replaced by a dynamic filter.",
	})
)

// Register installs every join metric on the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SpilledBytesCounter,
		SpilledRowsCounter,
		SpilledPartitionsCounter,
		SpilledFilesCounter,
		ExceededMaxSpillLevelCounter,
		HashTableBuildDuration,
		DynamicFiltersProducedCounter,
		DynamicFiltersAcceptedCounter,
		ReplacedWithFilterRowsCounter,
	)
}
