package domain

import (
	"context"
	"time"
)

// EntitlementRepository defines the persistence contract for entitlements.
// All mutation goes through UpdateCAS; no writer may bypass the version
// check.
type EntitlementRepository interface {
	// FindOrCreate returns the entitlement for (subscriberID, productID),
	// creating it in the pending state if absent. Concurrent racing
	// callers converge on the same record.
	FindOrCreate(ctx context.Context, subscriberID, productID, accountRef, email string) (Entitlement, error)

	Get(ctx context.Context, subscriberID, productID string) (Entitlement, error)
	GetByID(ctx context.Context, id string) (Entitlement, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (Entitlement, error)

	// UpdateCAS persists the entitlement if the stored version still
	// equals e.Version, bumping the version by one. Returns the stored
	// record, or ErrVersionConflict when another writer got there first.
	UpdateCAS(ctx context.Context, e Entitlement) (Entitlement, error)

	ListBySubscriber(ctx context.Context, subscriberID string) ([]Entitlement, error)

	// ListExpiringBetween returns entitlements whose ExpiresAt falls in
	// [from, to) and that have not been warned for the current term.
	// Used by the expiry-warning sweep.
	ListExpiringBetween(ctx context.Context, from, to time.Time) ([]Entitlement, error)

	// ListLapsed returns entitlements whose term ended at or before
	// asOf without an end-of-term notice going out. Cancelled
	// entitlements are excluded; those got a cancellation notice.
	ListLapsed(ctx context.Context, asOf time.Time) ([]Entitlement, error)
}

// ProductRepository defines the persistence contract for products.
type ProductRepository interface {
	Create(ctx context.Context, p Product) error
	GetByID(ctx context.Context, id string) (Product, error)
	List(ctx context.Context, filter ProductFilter) ([]Product, error)
	Update(ctx context.Context, p Product) error
	Delete(ctx context.Context, id string) error
}

// TransitionValidator checks whether an event may move an entitlement
// from its current state to the target state.
type TransitionValidator interface {
	Apply(ctx context.Context, current State, event EventKind, target State) (State, error)
}

// NotificationKind distinguishes the outbound messages the engine asks for.
type NotificationKind string

const (
	NotifyActivated     NotificationKind = "activated"
	NotifyCancelled     NotificationKind = "cancelled"
	NotifyExpiryWarning NotificationKind = "expiry_warning"
	NotifyExpired       NotificationKind = "expired"
)

// Notification is a request for an outbound email side effect. Dispatch
// is fire-and-forget from the engine's perspective: a failed dispatch is
// logged and never rolls back the state transition that triggered it.
type Notification struct {
	Kind          NotificationKind
	EntitlementID string
	SubscriberID  string
	ProductID     string
	Recipient     string
	ExpiresAt     *time.Time
}

// Notifier defines the contract for requesting notification side effects.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// CheckoutClient is the boundary to the payment processor's checkout
// session interface: creating a session at purchase initiation and
// resolving a session reference when the buyer's browser returns.
type CheckoutClient interface {
	CreateSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	GetSession(ctx context.Context, reference string) (CheckoutSession, error)
}
