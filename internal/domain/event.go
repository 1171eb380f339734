package domain

import "time"

// EventKind is the internal vocabulary for processor billing events.
// Processor-specific payloads are flattened into one of these by the
// event normalizer; everything else is ignored at the boundary.
type EventKind string

const (
	EventPaymentSucceeded          EventKind = "payment_succeeded"
	EventPaymentFailed             EventKind = "payment_failed"
	EventSubscriptionActivated     EventKind = "subscription_activated"
	EventSubscriptionStatusChanged EventKind = "subscription_status_changed"
	EventSubscriptionCancelled     EventKind = "subscription_cancelled"
)

// NormalizedEvent is the processor-agnostic representation of a billing
// event. It is ephemeral: nothing persists it beyond LastEventID on the
// entitlement it gets applied to.
type NormalizedEvent struct {
	EventID        string
	Kind           EventKind
	SubscriberID   string
	ProductID      string
	SubscriptionID string
	OccurredAt     time.Time

	// RawStatus is the processor's subscription status string, set only
	// for EventSubscriptionStatusChanged.
	RawStatus string
}

// rawStatusStates maps processor subscription status strings to internal
// states. Kept as data rather than branching so the full mapping is
// reviewable in one place. A status missing here is a processing error,
// never a silent no-op.
var rawStatusStates = map[string]State{
	"active":   StateActive,
	"trialing": StateActive,
	"past_due": StatePastDue,
	"unpaid":   StateUnpaid,
}

// StateFromRawStatus resolves a processor status string to the internal
// state it implies. The second return reports whether the status is known.
func StateFromRawStatus(raw string) (State, bool) {
	s, ok := rawStatusStates[raw]
	return s, ok
}
