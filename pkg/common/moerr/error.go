// Copyright 2021 - 2022 Matrix Origin
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

package moerr

import (
	"errors"
	"fmt"
)

const (
	// 0 - 99 is OK. They do not carry info.
	Ok uint16 = 0

	// Group 1: internal errors
	ErrStart            uint16 = 20100
	ErrInternal         uint16 = 20101
	ErrNYI              uint16 = 20102
	ErrOOM              uint16 = 20103
	ErrQueryInterrupted uint16 = 20104
	ErrNotSupported     uint16 = 20105

	// Group 3: invalid input
	ErrInvalidInput uint16 = 20301
	ErrInvalidPlan  uint16 = 20302

	// Group 4: unexpected state and io errors
	ErrInvalidState        uint16 = 20400
	ErrFileNotFound        uint16 = 20405
	ErrUnexpectedEOF       uint16 = 20407
	ErrSpillLimitExceeded  uint16 = 20440
	ErrSpillLevelConflict  uint16 = 20441
	ErrDuplicatePublish    uint16 = 20442
	ErrTooLargeObjectWrite uint16 = 20443
)

var errorMsgPrefix = map[uint16]string{
	ErrInternal:            "internal error",
	ErrNYI:                 "not yet implemented",
	ErrOOM:                 "out of memory",
	ErrQueryInterrupted:    "query interrupted",
	ErrNotSupported:        "not supported",
	ErrInvalidInput:        "invalid input",
	ErrInvalidPlan:         "invalid plan",
	ErrInvalidState:        "invalid state",
	ErrFileNotFound:        "file not found",
	ErrUnexpectedEOF:       "unexpected end of file",
	ErrSpillLimitExceeded:  "spill limit exceeded",
	ErrSpillLevelConflict:  "spill partition bits overlap",
	ErrDuplicatePublish:    "duplicate publication",
	ErrTooLargeObjectWrite: "too large object write",
}

// Error is the coded error type used across the engine. Code identity, not
// message text, drives handling.
type Error struct {
	code   uint16
	detail string
}

func newError(code uint16, detail string) *Error {
	return &Error{code: code, detail: detail}
}

func (e *Error) Error() string {
	prefix, ok := errorMsgPrefix[e.code]
	if !ok {
		prefix = fmt.Sprintf("error %d", e.code)
	}
	if e.detail == "" {
		return prefix
	}
	return prefix + ": " + e.detail
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}

// IsMoErrCode reports whether err is a moerr with the given code.
func IsMoErrCode(err error, code uint16) bool {
	if err == nil {
		return code == Ok
	}
	var me *Error
	if !errors.As(err, &me) {
		return false
	}
	return me.code == code
}

func NewInternalError(detail string) *Error {
	return newError(ErrInternal, detail)
}

func NewInternalErrorf(format string, args ...any) *Error {
	return newError(ErrInternal, fmt.Sprintf(format, args...))
}

func NewNYI(detail string) *Error {
	return newError(ErrNYI, detail)
}

func NewOOM(detail string) *Error {
	return newError(ErrOOM, detail)
}

func NewOOMf(format string, args ...any) *Error {
	return newError(ErrOOM, fmt.Sprintf(format, args...))
}

func NewQueryInterrupted() *Error {
	return newError(ErrQueryInterrupted, "")
}

func NewNotSupported(detail string) *Error {
	return newError(ErrNotSupported, detail)
}

func NewInvalidInput(detail string) *Error {
	return newError(ErrInvalidInput, detail)
}

func NewInvalidInputf(format string, args ...any) *Error {
	return newError(ErrInvalidInput, fmt.Sprintf(format, args...))
}

func NewInvalidPlan(detail string) *Error {
	return newError(ErrInvalidPlan, detail)
}

func NewInvalidPlanf(format string, args ...any) *Error {
	return newError(ErrInvalidPlan, fmt.Sprintf(format, args...))
}

func NewInvalidState(detail string) *Error {
	return newError(ErrInvalidState, detail)
}

func NewFileNotFound(path string) *Error {
	return newError(ErrFileNotFound, path)
}

func NewSpillLimitExceeded(limit, attempted int64) *Error {
	return newError(ErrSpillLimitExceeded,
		fmt.Sprintf("limit %d bytes, attempted %d", limit, attempted))
}

func NewSpillLevelConflict(detail string) *Error {
	return newError(ErrSpillLevelConflict, detail)
}

func NewDuplicatePublish(detail string) *Error {
	return newError(ErrDuplicatePublish, detail)
}
