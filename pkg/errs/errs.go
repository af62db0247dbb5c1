/*
 * Copyright (C) 2020-2025, pmkol
 *
 * This file is part of fwdcache.
 *
 * fwdcache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * fwdcache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package errs

import (
	"errors"
	"fmt"
)

// Kind classifies where a failure happened.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindParse is a malformed dns message, from a client or from the upstream.
	KindParse
	// KindTransport is a network failure while talking to the upstream.
	KindTransport
	// KindIO is a local storage failure (snapshot read/write, redis).
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindTransport:
		return "transport"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if len(e.Op) == 0 {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with kind k. It returns nil if err is nil.
func New(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

func Parse(op string, err error) error     { return New(KindParse, op, err) }
func Transport(op string, err error) error { return New(KindTransport, op, err) }
func IO(op string, err error) error        { return New(KindIO, op, err) }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether repeating the same operation may succeed.
// A malformed message stays malformed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindIO:
		return true
	default:
		return false
	}
}
