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

package plan

import (
	"github.com/osmiumdb/osmium/pkg/common/moerr"
	"github.com/osmiumdb/osmium/pkg/container/types"
)

// JoinType enumerates the join variants the hash join pair executes.
type JoinType int8

const (
	Inner JoinType = iota
	Left
	Right
	Full
	// LeftSemiFilter emits each matching probe row once.
	LeftSemiFilter
	// RightSemiFilter emits each matched build row once.
	RightSemiFilter
	// LeftSemiProject emits every probe row plus a match mark column.
	LeftSemiProject
	// RightSemiProject emits every build row plus a match mark column.
	RightSemiProject
	// Anti emits probe rows with no match.
	Anti
)

func (t JoinType) String() string {
	switch t {
	case Inner:
		return "inner"
	case Left:
		return "left"
	case Right:
		return "right"
	case Full:
		return "full"
	case LeftSemiFilter:
		return "left semi"
	case RightSemiFilter:
		return "right semi"
	case LeftSemiProject:
		return "left semi project"
	case RightSemiProject:
		return "right semi project"
	case Anti:
		return "anti"
	}
	return "unknown"
}

// ProbeSide reports whether the variant emits probe columns.
func (t JoinType) ProbeSide() bool {
	switch t {
	case RightSemiFilter, RightSemiProject:
		return false
	}
	return true
}

// BuildSide reports whether the variant emits build columns.
func (t JoinType) BuildSide() bool {
	switch t {
	case LeftSemiFilter, LeftSemiProject, Anti:
		return false
	}
	return true
}

// EmitsBuildAtEnd reports whether the variant emits build rows after probe
// completion: unmatched ones for Right/Full, matched ones for
// RightSemiFilter, all of them for RightSemiProject.
func (t JoinType) EmitsBuildAtEnd() bool {
	switch t {
	case Right, Full, RightSemiFilter, RightSemiProject:
		return true
	}
	return false
}

// Mark reports whether the variant appends a match mark column.
func (t JoinType) Mark() bool {
	return t == LeftSemiProject || t == RightSemiProject
}

const (
	// RelProbe and RelBuild select the source relation of an output column.
	RelProbe int32 = 0
	RelBuild int32 = 1
	// RelMark is the appended match column of *SemiProject joins.
	RelMark int32 = 2
)

// ResultPos names one output column of the join.
type ResultPos struct {
	Rel int32
	Pos int32
}

// RuntimeFilterSpec names the probe-side scan a dynamic filter feeds.
type RuntimeFilterSpec struct {
	Tag        int32
	ColIdx     int32
	UpperLimit int32
}

// JoinNode is the planner's contract with the hash join operator pair.
type JoinNode struct {
	JoinType  JoinType
	NullAware bool

	ProbeTypes []types.Type
	BuildTypes []types.Type
	ProbeKeys  []int32
	BuildKeys  []int32

	// Filter is the residual predicate over probe then build columns,
	// nil when the equi-condition is the whole join condition.
	Filter *Expr

	OutputLayout []ResultPos

	RuntimeFilter *RuntimeFilterSpec

	// JoinMapTag is the bridge tag shared by the build and probe sides.
	JoinMapTag int32
}

// Validate enforces the planner contract.
func (n *JoinNode) Validate() error {
	if len(n.ProbeKeys) == 0 || len(n.ProbeKeys) != len(n.BuildKeys) {
		return moerr.NewInvalidPlanf("join needs matching key lists, got %d and %d",
			len(n.ProbeKeys), len(n.BuildKeys))
	}
	for i := range n.ProbeKeys {
		if int(n.ProbeKeys[i]) >= len(n.ProbeTypes) || int(n.BuildKeys[i]) >= len(n.BuildTypes) {
			return moerr.NewInvalidPlan("join key column out of range")
		}
		pt := n.ProbeTypes[n.ProbeKeys[i]]
		bt := n.BuildTypes[n.BuildKeys[i]]
		if !compatibleKeyTypes(pt, bt) {
			return moerr.NewInvalidPlanf("join key %d has incompatible types %s and %s",
				i, pt, bt)
		}
	}
	if n.NullAware {
		switch n.JoinType {
		case Anti, LeftSemiProject, RightSemiProject:
		default:
			return moerr.NewInvalidPlanf("null-aware is not legal for %s join", n.JoinType)
		}
		if len(n.ProbeKeys) != 1 {
			return moerr.NewInvalidPlan("null-aware join is restricted to a single key")
		}
		if n.JoinType == RightSemiProject && n.Filter != nil {
			return moerr.NewInvalidPlan("null-aware right semi project does not support a residual filter")
		}
	}
	for _, rp := range n.OutputLayout {
		switch rp.Rel {
		case RelProbe:
			if !n.JoinType.ProbeSide() {
				return moerr.NewInvalidPlanf("%s join cannot output probe columns", n.JoinType)
			}
			if int(rp.Pos) >= len(n.ProbeTypes) {
				return moerr.NewInvalidPlan("output column out of probe schema")
			}
		case RelBuild:
			if !n.JoinType.BuildSide() {
				return moerr.NewInvalidPlanf("%s join cannot output build columns", n.JoinType)
			}
			if int(rp.Pos) >= len(n.BuildTypes) {
				return moerr.NewInvalidPlan("output column out of build schema")
			}
		case RelMark:
			if !n.JoinType.Mark() {
				return moerr.NewInvalidPlanf("%s join has no match column", n.JoinType)
			}
		default:
			return moerr.NewInvalidPlanf("unknown output relation %d", rp.Rel)
		}
	}
	return nil
}

func compatibleKeyTypes(a, b types.Type) bool {
	if a.Oid == b.Oid {
		return true
	}
	return a.IsInteger() && b.IsInteger()
}
