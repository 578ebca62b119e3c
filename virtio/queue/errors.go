// VirtIO 1.0 split-ring virtqueue errors
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package queue

import "fmt"

// Kind classifies a queue error, using a subset of the category names
// the parent transport package uses. It is a distinct type with its
// own values, so errors from this package are matched with this
// package's KindOf, not the parent's.
type Kind int

const (
	Invalid Kind = iota
	NoSpace
	Bug
)

func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case NoSpace:
		return "no space"
	case Bug:
		return "bug"
	default:
		return "unknown"
	}
}

// Error is the error type returned by this package.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("queue: %s: %s: %s", e.Op, e.Kind, e.Msg)
}

func newError(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// KindOf returns the Kind of err if err is (or wraps) a *Error, and
// ok=false otherwise.
func KindOf(err error) (kind Kind, ok bool) {
	e, ok := err.(*Error)
	if !ok {
		return 0, false
	}
	return e.Kind, true
}
