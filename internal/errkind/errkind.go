// Package errkind defines the closed set of error kinds the kernel surfaces
// and the dispatcher/operator-CLI policy attached to each.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories. Every error the kernel returns
// across a package boundary carries exactly one Kind.
type Kind string

const (
	// ValidationError: malformed input caught before any gate is consulted.
	ValidationError Kind = "ValidationError"
	// PreconditionFailed: a gate (arm-state, run status, reconcile, risk,
	// integrity) is closed. Recoverable only by operator action.
	PreconditionFailed Kind = "PreconditionFailed"
	// StateConflict: an illegal lifecycle transition, or a LIVE-exclusivity
	// violation.
	StateConflict Kind = "StateConflict"
	// BrokerTransient: a broker call failed in a way the dispatcher should
	// retry under the same idempotency key.
	BrokerTransient Kind = "BrokerTransient"
	// BrokerPermanent: the broker definitively rejected the action; the
	// outbox row terminates as FAILED.
	BrokerPermanent Kind = "BrokerPermanent"
	// DataIntegrity: a feed or store invariant was violated. Sets sticky
	// disarm.
	DataIntegrity Kind = "DataIntegrity"
	// ReconcileDirty: the latest reconcile checkpoint is DIRTY or stale.
	// Sets sticky disarm.
	ReconcileDirty Kind = "ReconcileDirty"
	// SecurityRefusal: a secret-shaped value was detected, or a required
	// operator confirmation string was missing/wrong.
	SecurityRefusal Kind = "SecurityRefusal"
	// Corruption: the audit hash chain is broken. Halts the process; never
	// attempt repair.
	Corruption Kind = "Corruption"
	// Unreachable: an internal invariant was broken. Fatal.
	Unreachable Kind = "Unreachable"
)

// KernelError wraps a Kind, a stable reason code, and an underlying cause.
// Error() prints the cause verbatim and performs no redaction; callers that
// construct a KernelError from untrusted input must redact it themselves
// before calling New.
type KernelError struct {
	Kind    Kind
	Reason  string
	cause   error
}

// New constructs a KernelError. reason is a short stable machine-readable
// code (e.g. "reconcile-dirty"), distinct from the human-readable message
// produced by Error().
func New(kind Kind, reason string, cause error) *KernelError {
	return &KernelError{Kind: kind, Reason: reason, cause: cause}
}

func (e *KernelError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *KernelError) Unwrap() error { return e.cause }

// Is reports whether target is a KernelError with the same Kind and Reason.
func (e *KernelError) Is(target error) bool {
	var other *KernelError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind && e.Reason == other.Reason
}

// KindOf extracts the Kind from err if it is (or wraps) a *KernelError,
// defaulting to Unreachable for errors that were never classified — an
// unclassified error reaching a gate boundary is itself a bug.
func KindOf(err error) Kind {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return Unreachable
}

// Retryable reports whether the dispatcher should retry the outbox row
// under its existing idempotency key.
func Retryable(err error) bool {
	return KindOf(err) == BrokerTransient
}

// ExitCode maps a Kind to the operator-CLI exit code contract: 0 success,
// 1 other, 2 validation, 3 state (illegal transition or a closed gate such
// as a dirty reconcile checkpoint), 4 safety refusal.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case ValidationError:
		return 2
	case StateConflict, PreconditionFailed:
		return 3
	case SecurityRefusal:
		return 4
	default:
		return 1
	}
}
