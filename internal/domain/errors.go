package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple conditions without extra context.
var (
	ErrEntitlementNotFound = errors.New("entitlement not found")
	ErrProductNotFound     = errors.New("product not found")

	// ErrVersionConflict is returned by a compare-and-swap write whose
	// expected version no longer matches; the caller must reload and
	// reapply.
	ErrVersionConflict = errors.New("entitlement version conflict")

	// ErrDuplicateEvent marks an event that was already applied. It is
	// absorbed as success by the reconciliation entry point so that
	// at-least-once delivery converges.
	ErrDuplicateEvent = errors.New("event already applied")

	// ErrStaleEvent marks an event older than the last applied one that
	// would move the state machine backwards. Discarded, never applied.
	ErrStaleEvent = errors.New("stale event discarded")

	// ErrSessionIncomplete is returned by the purchase callback when the
	// checkout session has not actually completed.
	ErrSessionIncomplete = errors.New("checkout session not completed")
)

// TransientError wraps a retryable failure: storage unavailability or an
// exhausted compare-and-swap retry budget. The webhook edge answers these
// with a status that invites the processor to redeliver.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedEventError is returned when an event payload cannot be
// interpreted, including an unrecognized raw subscription status.
type MalformedEventError struct {
	EventID string
	Reason  string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %q: %s", e.EventID, e.Reason)
}

// UnresolvableReferenceError is returned when an event names no
// entitlement this system knows about.
type UnresolvableReferenceError struct {
	EventID        string
	SubscriberID   string
	ProductID      string
	SubscriptionID string
}

func (e *UnresolvableReferenceError) Error() string {
	return fmt.Sprintf("event %q resolves to no entitlement (subscriber=%q product=%q subscription=%q)",
		e.EventID, e.SubscriberID, e.ProductID, e.SubscriptionID)
}

// SubscriptionConflictError is returned when a processor subscription id
// is already bound to a different entitlement.
type SubscriptionConflictError struct {
	SubscriptionID string
}

func (e *SubscriptionConflictError) Error() string {
	return fmt.Sprintf("subscription %q is already bound to another entitlement", e.SubscriptionID)
}

// InvariantViolationError is fatal: an event tried to rebind an
// entitlement's subscription id after it was assigned. Never auto-resolved.
type InvariantViolationError struct {
	EntitlementID string
	Have          string
	Want          string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("entitlement %q already bound to subscription %q, event carries %q",
		e.EntitlementID, e.Have, e.Want)
}

// TransitionError is returned when an event is not valid from the
// entitlement's current state.
type TransitionError struct {
	Event   EventKind
	Current State
	Target  State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %q cannot move state %q to %q", e.Event, e.Current, e.Target)
}
