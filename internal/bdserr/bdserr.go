// Package bdserr defines the error kinds shared by every engine
// component (spec.md §7, "Error Handling Design"). Kinds are named by
// what they signal rather than by Go type, and are wrapped with
// github.com/pkg/errors so call sites keep a stack and context without
// each package inventing its own error type.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package bdserr

import (
	"github.com/pkg/errors"
)

// Kind enumerates the error kinds from spec.md §7.
type Kind int

const (
	_ Kind = iota
	InvalidArgument
	PermissionDenied
	AccessDenied
	NotFound
	AlreadyRegistered
	ServiceShuttingDown
	OutOfMemory
	Integrity
	Conflict
	BackendIO
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case PermissionDenied:
		return "PermissionDenied"
	case AccessDenied:
		return "AccessDenied"
	case NotFound:
		return "NotFound"
	case AlreadyRegistered:
		return "AlreadyRegistered"
	case ServiceShuttingDown:
		return "ServiceShuttingDown"
	case OutOfMemory:
		return "OutOfMemory"
	case Integrity:
		return "Integrity"
	case Conflict:
		return "Conflict"
	case BackendIO:
		return "BackendIO"
	default:
		return "Unknown"
	}
}

// kindError pairs a Kind with the wrapped cause, if any.
type kindError struct {
	kind Kind
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return e.kind.String() + ": " + e.msg + ": " + e.err.Error()
	}
	return e.kind.String() + ": " + e.msg
}

func (e *kindError) Unwrap() error { return e.err }

// New creates a Kind error carrying msg, with a stack trace attached by
// pkg/errors.
func New(kind Kind, msg string) error {
	return errors.WithStack(&kindError{kind: kind, msg: msg})
}

// Wrap creates a Kind error wrapping cause, with a stack trace attached.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return New(kind, msg)
	}
	return errors.WithStack(&kindError{kind: kind, msg: msg, err: cause})
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind == kind
		}
		cause := errors.Unwrap(err)
		if cause == err {
			break
		}
		err = cause
	}
	return false
}
