/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Kind classifies store failures.
type Kind int

const (
	KindIO Kind = iota
	KindSchemaMismatch
	KindConstraint
	KindNotFound
	KindInvalid
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindSchemaMismatch:
		return "schema mismatch"
	case KindConstraint:
		return "constraint violation"
	case KindNotFound:
		return "not found"
	case KindInvalid:
		return "invalid backup"
	case KindClosed:
		return "store closed"
	default:
		return "io failure"
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrIO                  = errors.New("storage: io failure")
	ErrSchemaMismatch      = errors.New("storage: schema mismatch")
	ErrConstraintViolation = errors.New("storage: constraint violation")
	ErrNotFound            = errors.New("storage: not found")
	ErrInvalidBackup       = errors.New("storage: invalid backup")
	ErrClosed              = errors.New("storage: store closed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindSchemaMismatch:
		return ErrSchemaMismatch
	case KindConstraint:
		return ErrConstraintViolation
	case KindNotFound:
		return ErrNotFound
	case KindInvalid:
		return ErrInvalidBackup
	case KindClosed:
		return ErrClosed
	default:
		return ErrIO
	}
}

// Error is returned by every Store operation.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("storage %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind.sentinel() }

func newError(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// mapError wraps a driver or query error into an *Error for op.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		if se.Op == op {
			return se
		}
		return &Error{Op: op, Kind: se.Kind, Err: se.Err}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return newError(op, KindNotFound, err)
	}
	var le *sqlite.Error
	if errors.As(err, &le) && le.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return newError(op, KindConstraint, err)
	}
	return newError(op, KindIO, err)
}

// KindOf reports the Kind of err, or KindIO when err is not an *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindIO
}
