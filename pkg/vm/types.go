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

package vm

import (
	"bytes"

	"github.com/osmiumdb/osmium/pkg/common/moerr"
	"github.com/osmiumdb/osmium/pkg/container/batch"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

type OpType int

const (
	ValueScan OpType = iota
	HashBuild
	HashJoin
)

type ExecStatus int

const (
	ExecNext ExecStatus = iota
	ExecStop
)

// CallResult carries one batch of output. A nil Batch with ExecNext means
// "no output this call"; ExecStop means the operator is drained.
type CallResult struct {
	Status ExecStatus
	Batch  *batch.Batch
}

func NewCallResult() CallResult {
	return CallResult{Status: ExecNext}
}

// CancelResult is returned after a cancellation is observed.
var CancelResult = CallResult{Status: ExecStop}

// Operator is one stage of a driver's pipeline. Call is re-entered until it
// reports ExecStop; every Call is a cooperative checkpoint.
type Operator interface {
	Prepare(proc *process.Process) error
	Call(proc *process.Process) (CallResult, error)
	Free(proc *process.Process, pipelineFailed bool, err error)
	String(buf *bytes.Buffer)
	OpType() OpType

	SetChildren([]Operator)
	GetChildren(idx int) Operator
}

// OperatorBase supplies child bookkeeping for every operator.
type OperatorBase struct {
	Children []Operator
}

func (o *OperatorBase) SetChildren(children []Operator) {
	o.Children = children
}

func (o *OperatorBase) GetChildren(idx int) Operator {
	if idx < len(o.Children) {
		return o.Children[idx]
	}
	return nil
}

// CancelCheck is the cooperative cancellation checkpoint at the top of
// every Call.
func CancelCheck(proc *process.Process) (error, bool) {
	select {
	case <-proc.Ctx.Done():
		return moerr.NewQueryInterrupted(), true
	default:
		return nil, false
	}
}

// ChildrenCall pulls one batch from a child operator and counts its rows as
// the analyzer's input.
func ChildrenCall(o Operator, proc *process.Process, analyzer *process.Analyzer) (CallResult, error) {
	if o == nil {
		return CallResult{Status: ExecStop}, nil
	}
	result, err := o.Call(proc)
	if err != nil {
		return result, err
	}
	if analyzer != nil && result.Batch != nil {
		analyzer.Input(result.Batch.RowCount())
	}
	return result, nil
}
