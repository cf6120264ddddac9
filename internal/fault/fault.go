// Package fault classifies provisioning and routing failures so callers can
// decide whether to retry, reject or surface a "not ready yet" condition.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the class of a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindTransient
	KindMigration
	KindNotProvisioned
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindMigration:
		return "migration"
	case KindNotProvisioned:
		return "not_provisioned"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Reason explains why a validation error was raised.
type Reason string

const (
	ReasonLength       Reason = "length"
	ReasonCharset      Reason = "charset"
	ReasonReserved     Reason = "reserved"
	ReasonBlocked      Reason = "blocked"
	ReasonDomainSuffix Reason = "domain_suffix"
	ReasonDuplicate    Reason = "duplicate"
	ReasonInvalidField Reason = "invalid_field"
)

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Reason Reason
	Op     string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation rejects caller input. It is never retried.
func Validation(reason Reason, msg string) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Op: "validate", Msg: msg}
}

// Conflict reports state that needs operator intervention.
func Conflict(op, msg string) *Error {
	return &Error{Kind: KindConflict, Op: op, Msg: msg}
}

// Transient wraps an infrastructure failure worth retrying.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Migration wraps a schema application failure.
func Migration(op string, err error) *Error {
	return &Error{Kind: KindMigration, Op: op, Err: err}
}

// NotProvisioned reports a tenant without an active registry entry.
func NotProvisioned(tenantID string) *Error {
	return &Error{Kind: KindNotProvisioned, Op: "resolve", Msg: fmt.Sprintf("tenant %s is not provisioned yet", tenantID)}
}

// NotFound reports a missing record.
func NotFound(op, msg string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: msg}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// ReasonOf returns the validation reason, or "" for other errors.
func ReasonOf(err error) Reason {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a failed provisioning attempt may be retried.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindConflict, KindNotProvisioned, KindNotFound:
		return false
	default:
		return true
	}
}
