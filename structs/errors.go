// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
)

// ErrKind classifies every error the core surfaces so the control-plane
// adapters can translate it to their native representation without string
// matching.
type ErrKind string

const (
	ErrKindNotFound              ErrKind = "not_found"
	ErrKindConflict              ErrKind = "conflict"
	ErrKindValidation            ErrKind = "validation"
	ErrKindExecution             ErrKind = "execution_error"
	ErrKindTimeout               ErrKind = "timeout"
	ErrKindCredentialUnavailable ErrKind = "credential_unavailable"
	ErrKindStorage               ErrKind = "storage_error"
	ErrKindInternal              ErrKind = "internal"
)

// Error is the typed error the store, vault, executor, and scheduler raise.
type Error struct {
	Kind    ErrKind
	Message string
	wrapped error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

func NewError(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func NewErrorf(kind ErrKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError keeps the original error reachable through errors.Unwrap while
// assigning it a kind.
func WrapError(kind ErrKind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), wrapped: err}
}

// KindOf extracts the kind from err, defaulting to internal for errors that
// did not originate in the core.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindInternal
}

func IsNotFound(err error) bool {
	return KindOf(err) == ErrKindNotFound
}

func IsConflict(err error) bool {
	return KindOf(err) == ErrKindConflict
}

func IsValidation(err error) bool {
	return KindOf(err) == ErrKindValidation
}
