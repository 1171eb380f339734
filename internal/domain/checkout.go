package domain

import "time"

// Checkout session statuses as reported by the payment processor.
const (
	SessionOpen      = "open"
	SessionCompleted = "completed"
	SessionExpired   = "expired"
)

// CheckoutRequest describes a purchase to the payment processor.
type CheckoutRequest struct {
	Reference    string
	SubscriberID string
	ProductID    string
	ProductName  string
	PriceCents   int64
	Email        string
}

// CheckoutSession is the processor's view of a purchase in flight. It is
// what the synchronous browser-return callback resolves a session
// reference into.
type CheckoutSession struct {
	Reference      string
	SubscriberID   string
	ProductID      string
	SubscriptionID string
	Status         string
	Email          string
	CheckoutURL    string
	CompletedAt    time.Time
}
