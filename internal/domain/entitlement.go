package domain

import "time"

// State represents the lifecycle state of an entitlement.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StatePastDue   State = "past_due"
	StateUnpaid    State = "unpaid"
	StateCancelled State = "cancelled"
)

// DefaultRenewalPeriod is the billing term granted by a successful payment
// when the product does not specify its own.
const DefaultRenewalPeriod = 30 * 24 * time.Hour

// Transition defines a valid state change: an event moves an entitlement
// from Src to Dst. Events whose destination depends on the processor's
// raw status (SubscriptionStatusChanged) appear once per reachable
// destination.
type Transition struct {
	Event EventKind
	Src   State
	Dst   State
}

// Transitions defines all valid state changes in the entitlement lifecycle.
// This is domain knowledge consumed by the FSM adapter. Entries with
// Src == Dst are deliberate no-movement transitions: a renewal payment
// lands on active, a repeated payment failure lands on past_due.
var Transitions = []Transition{
	{Event: EventPaymentSucceeded, Src: StatePending, Dst: StateActive},
	{Event: EventPaymentSucceeded, Src: StateActive, Dst: StateActive},
	{Event: EventPaymentSucceeded, Src: StatePastDue, Dst: StateActive},
	{Event: EventPaymentSucceeded, Src: StateUnpaid, Dst: StateActive},

	{Event: EventSubscriptionActivated, Src: StatePending, Dst: StateActive},
	{Event: EventSubscriptionActivated, Src: StateActive, Dst: StateActive},

	{Event: EventPaymentFailed, Src: StateActive, Dst: StatePastDue},
	{Event: EventPaymentFailed, Src: StatePastDue, Dst: StatePastDue},

	{Event: EventSubscriptionStatusChanged, Src: StateActive, Dst: StateActive},
	{Event: EventSubscriptionStatusChanged, Src: StateActive, Dst: StatePastDue},
	{Event: EventSubscriptionStatusChanged, Src: StatePastDue, Dst: StateActive},
	{Event: EventSubscriptionStatusChanged, Src: StatePastDue, Dst: StatePastDue},
	{Event: EventSubscriptionStatusChanged, Src: StatePastDue, Dst: StateUnpaid},
	{Event: EventSubscriptionStatusChanged, Src: StateUnpaid, Dst: StateActive},
	{Event: EventSubscriptionStatusChanged, Src: StateUnpaid, Dst: StateUnpaid},

	{Event: EventSubscriptionCancelled, Src: StatePending, Dst: StateCancelled},
	{Event: EventSubscriptionCancelled, Src: StateActive, Dst: StateCancelled},
	{Event: EventSubscriptionCancelled, Src: StatePastDue, Dst: StateCancelled},
	{Event: EventSubscriptionCancelled, Src: StateUnpaid, Dst: StateCancelled},
}

// Entitlement is the core domain entity: one subscriber's right to use one
// product for a bounded period. Identity is (SubscriberID, ProductID);
// SubscriptionID becomes a secondary identity once assigned by the payment
// processor and never changes afterwards. Entitlements are never deleted;
// cancellation and expiry are states, not removals.
type Entitlement struct {
	ID               string
	SubscriberID     string
	ProductID        string
	State            State
	AccountReference string
	ContactEmail     string

	// SubscriptionID is the processor's subscription identifier.
	// Assigned at most once; empty until the first activation event
	// that carries it.
	SubscriptionID string

	ActivatedAt *time.Time
	ExpiresAt   *time.Time

	// ExpiryWarnedAt marks that the advance warning for the current
	// term went out; ExpiryNoticedAt marks the end-of-term notice.
	// Both reset when a payment opens a new term, so each term warns
	// and lapses at most once.
	ExpiryWarnedAt  *time.Time
	ExpiryNoticedAt *time.Time

	// LastEventID is the identity of the last normalized event applied,
	// used to absorb at-least-once redelivery.
	LastEventID string

	// LastEventAt is the processor timestamp of the last applied event.
	// Events older than this never move the state machine backwards.
	LastEventAt *time.Time

	// Version is a monotonically increasing counter guarding every
	// mutation via compare-and-swap.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewEntitlement creates an entitlement in the initial "pending" state,
// before any payment has been confirmed.
func NewEntitlement(id, subscriberID, productID, accountRef, email string) Entitlement {
	now := time.Now().UTC()
	return Entitlement{
		ID:               id,
		SubscriberID:     subscriberID,
		ProductID:        productID,
		State:            StatePending,
		AccountReference: accountRef,
		ContactEmail:     email,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
