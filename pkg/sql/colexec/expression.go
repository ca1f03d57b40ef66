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
	"bytes"

	"github.com/osmiumdb/osmium/pkg/common/moerr"
	"github.com/osmiumdb/osmium/pkg/common/mpool"
	"github.com/osmiumdb/osmium/pkg/container/batch"
	"github.com/osmiumdb/osmium/pkg/container/types"
	"github.com/osmiumdb/osmium/pkg/container/vector"
	"github.com/osmiumdb/osmium/pkg/sql/plan"
	"github.com/osmiumdb/osmium/pkg/vm/process"
)

// ExpressionExecutor evaluates one plan expression against input batches.
// Rel i of a column reference selects bats[i]; all batches must agree on
// row count. The result vector is owned by the executor and valid until
// the next Eval or Free.
type ExpressionExecutor struct {
	expr *plan.Expr
	mp   *mpool.MPool

	owned []*vector.Vector
}

func NewExpressionExecutor(proc *process.Process, expr *plan.Expr) (*ExpressionExecutor, error) {
	if expr == nil {
		return nil, moerr.NewInternalError("nil expression")
	}
	return &ExpressionExecutor{expr: expr, mp: proc.Mp()}, nil
}

func (e *ExpressionExecutor) Free() {
	for _, vec := range e.owned {
		vec.Free(e.mp)
	}
	e.owned = nil
}

func (e *ExpressionExecutor) Eval(proc *process.Process, bats []*batch.Batch) (*vector.Vector, error) {
	for _, vec := range e.owned {
		vec.Free(e.mp)
	}
	e.owned = e.owned[:0]
	rows := bats[0].RowCount()
	return e.eval(e.expr, bats, rows)
}

func (e *ExpressionExecutor) newOwned(typ types.Type) *vector.Vector {
	vec := vector.NewVec(typ)
	e.owned = append(e.owned, vec)
	return vec
}

func (e *ExpressionExecutor) eval(expr *plan.Expr, bats []*batch.Batch, rows int) (*vector.Vector, error) {
	switch {
	case expr.Col != nil:
		if int(expr.Col.Rel) >= len(bats) {
			return nil, moerr.NewInternalErrorf("column ref rel %d has no batch", expr.Col.Rel)
		}
		return bats[expr.Col.Rel].Vecs[expr.Col.Pos], nil

	case expr.Const != nil:
		return e.evalConst(expr, rows)

	case expr.Func != nil:
		return e.evalFunc(expr, bats, rows)
	}
	return nil, moerr.NewInternalError("empty expression")
}

func (e *ExpressionExecutor) evalConst(expr *plan.Expr, rows int) (*vector.Vector, error) {
	if expr.Const.IsNull {
		vec := vector.NewConstNull(expr.Typ, rows)
		e.owned = append(e.owned, vec)
		return vec, nil
	}
	vec := e.newOwned(expr.Typ)
	var err error
	switch expr.Typ.Oid {
	case types.T_bool:
		err = vector.AppendFixed(vec, expr.Const.B, false, e.mp)
	case types.T_int64:
		err = vector.AppendFixed(vec, expr.Const.I64, false, e.mp)
	case types.T_float64:
		err = vector.AppendFixed(vec, expr.Const.F64, false, e.mp)
	case types.T_varchar, types.T_char:
		err = vector.AppendBytes(vec, []byte(expr.Const.Str), false, e.mp)
	default:
		return nil, moerr.NewNYI("constant of type " + expr.Typ.String())
	}
	if err != nil {
		return nil, err
	}
	// a one-row constant stretches over the whole batch
	return vec.ToConst(rows), nil
}

// numericAt widens any numeric element to float64; ok is false on null.
func numericAt(vec *vector.Vector, row int) (float64, bool) {
	if vec.IsNull(uint64(row)) {
		return 0, false
	}
	switch vec.GetType().Oid {
	case types.T_float32:
		return float64(vector.GetFixedAt[float32](vec, row)), true
	case types.T_float64:
		return vector.GetFixedAt[float64](vec, row), true
	default:
		return float64(intAt(vec, row)), true
	}
}

func intAt(vec *vector.Vector, row int) int64 {
	switch vec.GetType().Oid {
	case types.T_bool:
		if vector.GetFixedAt[bool](vec, row) {
			return 1
		}
		return 0
	case types.T_int8:
		return int64(vector.GetFixedAt[int8](vec, row))
	case types.T_int16:
		return int64(vector.GetFixedAt[int16](vec, row))
	case types.T_int32:
		return int64(vector.GetFixedAt[int32](vec, row))
	case types.T_int64:
		return vector.GetFixedAt[int64](vec, row)
	case types.T_uint8:
		return int64(vector.GetFixedAt[uint8](vec, row))
	case types.T_uint16:
		return int64(vector.GetFixedAt[uint16](vec, row))
	case types.T_uint32:
		return int64(vector.GetFixedAt[uint32](vec, row))
	case types.T_uint64:
		return int64(vector.GetFixedAt[uint64](vec, row))
	}
	panic(moerr.NewInternalError("non-numeric column in arithmetic"))
}

func isIntKind(t types.Type) bool {
	return t.IsInteger() || t.Oid == types.T_bool
}

func (e *ExpressionExecutor) evalFunc(expr *plan.Expr, bats []*batch.Batch, rows int) (*vector.Vector, error) {
	fn := expr.Func
	args := make([]*vector.Vector, len(fn.Args))
	for i, a := range fn.Args {
		vec, err := e.eval(a, bats, rows)
		if err != nil {
			return nil, err
		}
		args[i] = vec
	}

	switch fn.Op {
	case plan.OpAnd, plan.OpOr:
		return e.evalLogic(fn.Op, args, rows)
	case plan.OpNot:
		return e.evalNot(args[0], rows)
	case plan.OpAdd, plan.OpSub, plan.OpMod:
		return e.evalArith(fn.Op, args, rows)
	default:
		return e.evalCompare(fn.Op, args, rows)
	}
}

// evalLogic applies SQL three-valued AND/OR.
func (e *ExpressionExecutor) evalLogic(op plan.Op, args []*vector.Vector, rows int) (*vector.Vector, error) {
	res := e.newOwned(types.New(types.T_bool))
	if err := res.PreExtend(rows, e.mp); err != nil {
		return nil, err
	}
	for row := 0; row < rows; row++ {
		a, aok := boolAt(args[0], row)
		b, bok := boolAt(args[1], row)
		var val, isNull bool
		if op == plan.OpAnd {
			switch {
			case aok && !a, bok && !b:
				val = false
			case aok && bok:
				val = a && b
			default:
				isNull = true
			}
		} else {
			switch {
			case aok && a, bok && b:
				val = true
			case aok && bok:
				val = a || b
			default:
				isNull = true
			}
		}
		if err := vector.AppendFixed(res, val, isNull, e.mp); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func boolAt(vec *vector.Vector, row int) (bool, bool) {
	if vec.IsNull(uint64(row)) {
		return false, false
	}
	return vector.GetFixedAt[bool](vec, row), true
}

func (e *ExpressionExecutor) evalNot(arg *vector.Vector, rows int) (*vector.Vector, error) {
	res := e.newOwned(types.New(types.T_bool))
	if err := res.PreExtend(rows, e.mp); err != nil {
		return nil, err
	}
	for row := 0; row < rows; row++ {
		v, ok := boolAt(arg, row)
		if err := vector.AppendFixed(res, !v, !ok, e.mp); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (e *ExpressionExecutor) evalArith(op plan.Op, args []*vector.Vector, rows int) (*vector.Vector, error) {
	intKind := isIntKind(*args[0].GetType()) && isIntKind(*args[1].GetType())
	if !intKind {
		return nil, moerr.NewNYI("float arithmetic in join filters")
	}
	res := e.newOwned(types.New(types.T_int64))
	if err := res.PreExtend(rows, e.mp); err != nil {
		return nil, err
	}
	for row := 0; row < rows; row++ {
		if args[0].IsNull(uint64(row)) || args[1].IsNull(uint64(row)) {
			if err := vector.AppendFixed[int64](res, 0, true, e.mp); err != nil {
				return nil, err
			}
			continue
		}
		a, b := intAt(args[0], row), intAt(args[1], row)
		var v int64
		var isNull bool
		switch op {
		case plan.OpAdd:
			v = a + b
		case plan.OpSub:
			v = a - b
		case plan.OpMod:
			if b == 0 {
				isNull = true
			} else {
				v = a % b
			}
		}
		if err := vector.AppendFixed(res, v, isNull, e.mp); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (e *ExpressionExecutor) evalCompare(op plan.Op, args []*vector.Vector, rows int) (*vector.Vector, error) {
	res := e.newOwned(types.New(types.T_bool))
	if err := res.PreExtend(rows, e.mp); err != nil {
		return nil, err
	}
	varlen := args[0].GetType().IsVarlen()
	for row := 0; row < rows; row++ {
		if args[0].IsNull(uint64(row)) || args[1].IsNull(uint64(row)) {
			if err := vector.AppendFixed(res, false, true, e.mp); err != nil {
				return nil, err
			}
			continue
		}
		var cmp int
		if varlen {
			cmp = bytes.Compare(args[0].GetBytesAt(row), args[1].GetBytesAt(row))
		} else {
			a, _ := numericAt(args[0], row)
			b, _ := numericAt(args[1], row)
			switch {
			case a < b:
				cmp = -1
			case a > b:
				cmp = 1
			}
		}
		var v bool
		switch op {
		case plan.OpEq:
			v = cmp == 0
		case plan.OpNe:
			v = cmp != 0
		case plan.OpLt:
			v = cmp < 0
		case plan.OpLe:
			v = cmp <= 0
		case plan.OpGt:
			v = cmp > 0
		case plan.OpGe:
			v = cmp >= 0
		}
		if err := vector.AppendFixed(res, v, false, e.mp); err != nil {
			return nil, err
		}
	}
	return res, nil
}
