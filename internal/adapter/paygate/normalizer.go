// Package paygate adapts the payment processor's boundary: it verifies
// webhook signatures, flattens processor event payloads into the internal
// event vocabulary, and talks to the processor's checkout-session API.
// The wire format here is the processor-agnostic shape the rest of the
// system is written against.
package paygate

import (
	"encoding/json"
	"time"

	"github.com/neomorfeo/entitleiq/internal/domain"
)

// rawEvent is the envelope the processor posts to the webhook endpoint.
type rawEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		SubscriberID   string `json:"subscriber_id"`
		ProductID      string `json:"product_id"`
		SubscriptionID string `json:"subscription_id"`
		Status         string `json:"status"`
	} `json:"data"`
}

// eventKinds maps processor event types to the internal vocabulary.
// Types missing here are irrelevant to entitlements and are ignored,
// not rejected: the processor sends many event families this system
// never acts on.
var eventKinds = map[string]domain.EventKind{
	"payment.succeeded":      domain.EventPaymentSucceeded,
	"payment.failed":         domain.EventPaymentFailed,
	"subscription.activated": domain.EventSubscriptionActivated,
	"subscription.updated":   domain.EventSubscriptionStatusChanged,
	"subscription.cancelled": domain.EventSubscriptionCancelled,
}

// Normalize converts a raw processor payload into a NormalizedEvent.
// The second return is false for event types this system ignores.
// A payload that cannot be interpreted at all is a MalformedEventError.
func Normalize(payload []byte) (domain.NormalizedEvent, bool, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return domain.NormalizedEvent{}, false, &domain.MalformedEventError{Reason: "invalid JSON payload"}
	}

	kind, ok := eventKinds[raw.Type]
	if !ok {
		return domain.NormalizedEvent{}, false, nil
	}

	if raw.ID == "" {
		return domain.NormalizedEvent{}, false, &domain.MalformedEventError{Reason: "event has no id"}
	}
	if raw.CreatedAt.IsZero() {
		return domain.NormalizedEvent{}, false, &domain.MalformedEventError{EventID: raw.ID, Reason: "event has no timestamp"}
	}

	return domain.NormalizedEvent{
		EventID:        raw.ID,
		Kind:           kind,
		SubscriberID:   raw.Data.SubscriberID,
		ProductID:      raw.Data.ProductID,
		SubscriptionID: raw.Data.SubscriptionID,
		OccurredAt:     raw.CreatedAt.UTC(),
		RawStatus:      raw.Data.Status,
	}, true, nil
}
