// Package fault classifies the failures the engine reacts to.
package fault

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	TransientUnavailable   Kind = "transient_unavailable"
	AuthenticationFailure  Kind = "authentication_failure"
	ChallengeRequired      Kind = "challenge_required"
	RateLimited            Kind = "rate_limited"
	GenerationFailed       Kind = "generation_failed"
	HandlerElementNotFound Kind = "handler_element_not_found"
	CredentialUnavailable  Kind = "credential_unavailable"
	InvalidAction          Kind = "invalid_action"
)

// Retryable reports whether an attempt failing with this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case AuthenticationFailure, ChallengeRequired, CredentialUnavailable, InvalidAction:
		return false
	}
	return true
}

// DisablesUser reports whether the kind requires manual remediation before
// the user's automation may run again.
func (k Kind) DisablesUser() bool {
	return k == AuthenticationFailure || k == ChallengeRequired
}

type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so callers can write
// errors.Is(err, fault.New(fault.ChallengeRequired, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Detail == "" && t.Err == nil
}

func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Deadlines and unknown errors are transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return TransientUnavailable
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromContext converts a context error into a transient failure.
func FromContext(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: TransientUnavailable, Op: op, Detail: "deadline exceeded", Err: err}
	}
	return &Error{Kind: TransientUnavailable, Op: op, Err: err}
}
