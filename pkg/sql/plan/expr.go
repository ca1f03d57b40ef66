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
	"fmt"

	"github.com/osmiumdb/osmium/pkg/container/types"
)

// Op enumerates the functions the join's condition and residual filter
// expressions may use.
type Op int8

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
	OpNot
	OpAdd
	OpSub
	OpMod
)

// Expr is a minimal expression tree over the columns of one or two
// relations. Exactly one of Col, Const and Func is set.
type Expr struct {
	Typ types.Type

	Col   *ColRef
	Const *Const
	Func  *Func
}

// ColRef names an input column: Rel 0 is the probe/first batch, Rel 1 the
// build/second batch.
type ColRef struct {
	Rel int32
	Pos int32
}

// Const is a literal value. IsNull constants carry no value.
type Const struct {
	IsNull bool
	I64    int64
	F64    float64
	B      bool
	Str    string
}

type Func struct {
	Op   Op
	Args []*Expr
}

func NewColExpr(rel, pos int32, typ types.Type) *Expr {
	return &Expr{Typ: typ, Col: &ColRef{Rel: rel, Pos: pos}}
}

func NewI64Expr(v int64) *Expr {
	return &Expr{Typ: types.New(types.T_int64), Const: &Const{I64: v}}
}

func NewBoolExpr(v bool) *Expr {
	return &Expr{Typ: types.New(types.T_bool), Const: &Const{B: v}}
}

func NewFuncExpr(op Op, typ types.Type, args ...*Expr) *Expr {
	return &Expr{Typ: typ, Func: &Func{Op: op, Args: args}}
}

func (e *Expr) String() string {
	switch {
	case e.Col != nil:
		return fmt.Sprintf("col(%d,%d)", e.Col.Rel, e.Col.Pos)
	case e.Const != nil:
		if e.Const.IsNull {
			return "null"
		}
		return fmt.Sprintf("const(%v)", *e.Const)
	case e.Func != nil:
		return fmt.Sprintf("f%d%v", e.Func.Op, e.Func.Args)
	}
	return "<empty>"
}
