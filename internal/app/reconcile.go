package app

import (
	"context"
	"strconv"
	"time"

	"github.com/neomorfeo/entitleiq/internal/domain"
)

// destination resolves the state an event is trying to reach. For status
// changes this consults the raw-status table; an unknown raw status is a
// processing error, never a silent no-op.
func destination(ev domain.NormalizedEvent) (domain.State, error) {
	switch ev.Kind {
	case domain.EventPaymentSucceeded, domain.EventSubscriptionActivated:
		return domain.StateActive, nil
	case domain.EventPaymentFailed:
		return domain.StatePastDue, nil
	case domain.EventSubscriptionCancelled:
		return domain.StateCancelled, nil
	case domain.EventSubscriptionStatusChanged:
		state, ok := domain.StateFromRawStatus(ev.RawStatus)
		if !ok {
			return "", &domain.MalformedEventError{
				EventID: ev.EventID,
				Reason:  "unrecognized subscription status " + strconv.Quote(ev.RawStatus),
			}
		}
		return state, nil
	default:
		return "", &domain.MalformedEventError{
			EventID: ev.EventID,
			Reason:  "unknown event kind " + strconv.Quote(string(ev.Kind)),
		}
	}
}

// applyEvent computes the next entitlement state for one normalized
// event. It is pure: no I/O, no clock reads, no mutation of its inputs.
// The returned entitlement carries the full post-transition record ready
// for a compare-and-swap write.
//
// Events that must not be applied return ErrDuplicateEvent or
// ErrStaleEvent; both are absorbed as success by the caller, because the
// processor delivers at least once and a redelivery must observe the
// same outcome as the first delivery.
func applyEvent(ctx context.Context, validator domain.TransitionValidator, ent domain.Entitlement, ev domain.NormalizedEvent, renewal time.Duration) (domain.Entitlement, error) {
	// Same event identity as the last applied transition: already done.
	if ev.EventID != "" && ev.EventID == ent.LastEventID {
		return ent, domain.ErrDuplicateEvent
	}

	dst, err := destination(ev)
	if err != nil {
		return ent, err
	}

	// Cancelled is terminal: whatever arrives afterwards is stale,
	// including a late payment event that would otherwise reopen access.
	if ent.State == domain.StateCancelled {
		return ent, domain.ErrStaleEvent
	}

	// Callback/webhook race: a second activation for an already-active
	// entitlement with the same (or no) subscription id, carrying no
	// newer timestamp, is the other leg of the same purchase.
	if dst == domain.StateActive && ent.State == domain.StateActive &&
		(ev.SubscriptionID == "" || ev.SubscriptionID == ent.SubscriptionID) &&
		ent.LastEventAt != nil && !ev.OccurredAt.After(*ent.LastEventAt) {
		return ent, domain.ErrDuplicateEvent
	}

	// Timestamp order wins over arrival order: an event older than the
	// last applied one may not rewind a completed transition. Old events
	// landing on the current state are discarded too; applying one would
	// pull LastEventAt backwards and re-admit stale events behind it.
	if ent.LastEventAt != nil && ev.OccurredAt.Before(*ent.LastEventAt) {
		return ent, domain.ErrStaleEvent
	}

	next, err := validator.Apply(ctx, ent.State, ev.Kind, dst)
	if err != nil {
		return ent, err
	}

	ent.State = next
	ent.LastEventID = ev.EventID
	occurredAt := ev.OccurredAt
	ent.LastEventAt = &occurredAt

	switch ev.Kind {
	case domain.EventPaymentSucceeded, domain.EventSubscriptionActivated:
		if err := bindSubscription(&ent, ev.SubscriptionID); err != nil {
			return ent, err
		}
		if ent.ActivatedAt == nil {
			activatedAt := ev.OccurredAt
			ent.ActivatedAt = &activatedAt
		}
		if ev.Kind == domain.EventPaymentSucceeded || ent.ExpiresAt == nil {
			expiresAt := ev.OccurredAt.Add(renewal)
			ent.ExpiresAt = &expiresAt
			// A fresh term warns and lapses on its own schedule.
			ent.ExpiryWarnedAt = nil
			ent.ExpiryNoticedAt = nil
		}

	case domain.EventSubscriptionCancelled:
		// Immediate revocation: the paid term ends when the
		// cancellation takes effect. Applied uniformly with the access
		// gate, which denies cancelled entitlements outright.
		cutoff := ev.OccurredAt
		ent.ExpiresAt = &cutoff

	case domain.EventPaymentFailed, domain.EventSubscriptionStatusChanged:
		// State moves; ExpiresAt is never shortened. Access survives on
		// the already-paid term until it lapses.
	}

	return ent, nil
}

// bindSubscription assigns the processor subscription id the first time
// it is seen. A differing id afterwards is an invariant violation:
// subscription ids are never reused across entitlements.
func bindSubscription(ent *domain.Entitlement, subscriptionID string) error {
	if subscriptionID == "" || subscriptionID == ent.SubscriptionID {
		return nil
	}
	if ent.SubscriptionID != "" {
		return &domain.InvariantViolationError{
			EntitlementID: ent.ID,
			Have:          ent.SubscriptionID,
			Want:          subscriptionID,
		}
	}
	ent.SubscriptionID = subscriptionID
	return nil
}
