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

package colexec

import (
	"github.com/osmiumdb/osmium/pkg/container/batch"
)

// NewJoinBatch returns a batch shaped like bat whose vectors are filled per
// row by SetJoinBatchValues. The residual filter evaluates one
// (probe row, build row) pair through two such views.
func NewJoinBatch(bat *batch.Batch) *batch.Batch {
	return batch.NewWithSize(len(bat.Vecs))
}

// SetJoinBatchValues points joinBat at row of srcBat, stretched to cnt rows.
func SetJoinBatchValues(joinBat, srcBat *batch.Batch, row int64, cnt int) {
	for i, vec := range srcBat.Vecs {
		joinBat.Vecs[i] = vec.ConstViewAt(int(row), cnt)
	}
	joinBat.SetRowCount(cnt)
}
