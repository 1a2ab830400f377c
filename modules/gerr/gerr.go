// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package gerr defines the error taxonomy shared by the object database,
// reference store, and protocol engine. Every fallible operation in this
// module surfaces one of these kinds rather than a bare error, so that
// callers (and the protocol translation layer) can distinguish "absent" from
// "damaged" and decide whether a retry is meaningful.
package gerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way §7 of the core design enumerates them.
type Kind int

const (
	_ Kind = iota
	Io
	Malformed
	Corrupt
	NotFound
	Ambiguous
	StalePrecondition
	Contended
	ProtocolViolation
	HookRejected
	PartialCommit
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case Malformed:
		return "malformed"
	case Corrupt:
		return "corrupt"
	case NotFound:
		return "not-found"
	case Ambiguous:
		return "ambiguous"
	case StalePrecondition:
		return "stale-precondition"
	case Contended:
		return "contended"
	case ProtocolViolation:
		return "protocol-violation"
	case HookRejected:
		return "hook-rejected"
	case PartialCommit:
		return "partial-commit"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the single error struct carrying a Kind plus an optional wrapped
// cause. Callers type-assert or use errors.As to recover the Kind; As() is
// satisfied because Error implements Unwrap.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// kinder is satisfied by *Error and anything embedding it (e.g.
// *Candidates), so Is recognizes the kind regardless of the concrete
// wrapper type wrapped around the taxonomy.
type kinder interface{ kindOf() Kind }

func (e *Error) kindOf() Kind { return e.Kind }

// Is reports whether err (or something it wraps) carries Kind k.
func Is(err error, k Kind) bool {
	var ke kinder
	if !errors.As(err, &ke) {
		return false
	}
	return ke.kindOf() == k
}

// New constructs an *Error with the given kind, operation label and message.
func New(kind Kind, op, format string, a ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, a...)}
}

// Wrap constructs an *Error that also carries the triggering cause.
func Wrap(kind Kind, op string, err error, format string, a ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, a...), Err: err}
}

// Candidates augments Ambiguous errors with the set of OIDs that matched an
// abbreviated prefix, per §4.3 resolve_abbrev.
type Candidates struct {
	*Error
	Prefix string
	Hexes  []string
}

func NewAmbiguous(op, prefix string, hexes []string) *Candidates {
	return &Candidates{
		Error: New(Ambiguous, op, "short object id %s is ambiguous", prefix),
		Prefix: prefix,
		Hexes:  hexes,
	}
}
