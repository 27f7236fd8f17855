// Package cerr is the sealed error taxonomy for the money core. The saga
// and the HTTP boundary branch on Kind, never on concrete error types, so
// every component that can fail maps its failures into one of the five
// kinds below.
package cerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindValidation covers malformed input. Surfaced as 4xx, never retried.
	KindValidation Kind = iota
	// KindPolicy covers gate and guard rejections with a stable reason code.
	KindPolicy
	// KindTransient covers provider/network failures that recovery re-drives.
	KindTransient
	// KindIntegrity covers invariant breaks. Fatal: the kill switch fires
	// before one of these propagates.
	KindIntegrity
	// KindConcurrency covers contested locks and row-lock timeouts.
	// Retryable by the caller with backoff.
	KindConcurrency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPolicy:
		return "policy"
	case KindTransient:
		return "transient"
	case KindIntegrity:
		return "integrity"
	case KindConcurrency:
		return "concurrency"
	}
	return "unknown"
}

// Error carries a taxonomy kind, a stable machine-readable code, and an
// optional wrapped cause.
type Error struct {
	Kind Kind
	Code string
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.Code + ": " + e.msg + ": " + e.err.Error()
	}
	return e.Code + ": " + e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Is matches two taxonomy errors by kind and code, so sentinel values like
// ErrLockContested work with errors.Is across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, msg: fmt.Sprintf(format, args...)}
}

func Validationf(code, format string, args ...any) *Error {
	return newf(KindValidation, code, format, args...)
}

func Policyf(code, format string, args ...any) *Error {
	return newf(KindPolicy, code, format, args...)
}

func Transientf(code, format string, args ...any) *Error {
	return newf(KindTransient, code, format, args...)
}

func Integrityf(code, format string, args ...any) *Error {
	return newf(KindIntegrity, code, format, args...)
}

func Concurrencyf(code, format string, args ...any) *Error {
	return newf(KindConcurrency, code, format, args...)
}

// Wrap attaches a cause while keeping kind and code stable.
func Wrap(kind Kind, code string, err error, format string, args ...any) *Error {
	e := newf(kind, code, format, args...)
	e.err = err
	return e
}

// KindOf reports the taxonomy kind of err, defaulting to transient for
// errors that never went through the taxonomy (an unclassified failure is
// safe to retry, never safe to treat as final).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// CodeOf returns the stable code of err, or "" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Sentinels for the state machine's caller-visible failures.
var (
	ErrInvalidTransition  = Policyf("INVALID_TRANSITION", "event not allowed in current state")
	ErrBlockedByGuard     = Policyf("BLOCKED_BY_GUARD", "transition blocked by guard")
	ErrLockContested      = Concurrencyf("LOCK_CONTESTED", "resource lock held by another owner")
	ErrProviderFailure    = Transientf("PROVIDER_FAILURE", "payment provider call failed")
	ErrIntegrityViolation = Integrityf("INTEGRITY_VIOLATION", "ledger integrity violation")
	ErrKillSwitchActive   = Policyf("KILL_SWITCH_ACTIVE", "money movement is frozen")
)
