package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neomorfeo/entitleiq/internal/domain"
)

// maxCASAttempts bounds the reload-and-reapply loop on version
// conflicts. The event source redelivers, so giving up is safe.
const maxCASAttempts = 3

// EntitlementService is the reconciliation engine: the single entry
// point through which both the asynchronous webhook path and the
// synchronous purchase callback mutate entitlements. Whichever path
// arrives first performs the transition; the other is absorbed as a
// duplicate.
type EntitlementService struct {
	repo      domain.EntitlementRepository
	products  domain.ProductRepository
	validator domain.TransitionValidator
	notifier  domain.Notifier
	checkout  domain.CheckoutClient

	// now is the clock used by the access gate; injectable for tests.
	now func() time.Time
}

// NewEntitlementService creates a service with the given adapters.
func NewEntitlementService(repo domain.EntitlementRepository, products domain.ProductRepository, validator domain.TransitionValidator, notifier domain.Notifier, checkout domain.CheckoutClient) *EntitlementService {
	return &EntitlementService{
		repo:      repo,
		products:  products,
		validator: validator,
		notifier:  notifier,
		checkout:  checkout,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the service clock. Test hook.
func (s *EntitlementService) WithClock(now func() time.Time) *EntitlementService {
	s.now = now
	return s
}

// Reconcile applies one normalized event to the entitlement it resolves
// to. It is idempotent: duplicates and stale deliveries return the
// current record and no error, so redelivery and the callback/webhook
// race are both invisible to callers. Version conflicts reload and
// reapply up to maxCASAttempts before surfacing a transient error.
func (s *EntitlementService) Reconcile(ctx context.Context, ev domain.NormalizedEvent) (domain.Entitlement, error) {
	renewal, err := s.renewalPeriod(ctx, ev.ProductID)
	if err != nil {
		return domain.Entitlement{}, err
	}

	for attempt := 1; ; attempt++ {
		ent, err := s.resolve(ctx, ev)
		if err != nil {
			slog.WarnContext(ctx, "event rejected, no entitlement resolved",
				"event_id", ev.EventID, "kind", ev.Kind, "error", err)
			return domain.Entitlement{}, err
		}

		next, err := applyEvent(ctx, s.validator, ent, ev, renewal)
		switch {
		case errors.Is(err, domain.ErrDuplicateEvent):
			slog.InfoContext(ctx, "duplicate event absorbed",
				"event_id", ev.EventID, "kind", ev.Kind, "entitlement_id", ent.ID)
			return ent, nil
		case errors.Is(err, domain.ErrStaleEvent):
			slog.InfoContext(ctx, "stale event discarded",
				"event_id", ev.EventID, "kind", ev.Kind,
				"occurred_at", ev.OccurredAt, "entitlement_id", ent.ID, "state", ent.State)
			return ent, nil
		case err != nil:
			slog.WarnContext(ctx, "event rejected",
				"event_id", ev.EventID, "kind", ev.Kind, "error", err)
			return domain.Entitlement{}, err
		}

		updated, err := s.repo.UpdateCAS(ctx, next)
		if errors.Is(err, domain.ErrVersionConflict) {
			if attempt >= maxCASAttempts {
				return domain.Entitlement{}, &domain.TransientError{
					Err: fmt.Errorf("entitlement %s: %w after %d attempts", ent.ID, err, attempt),
				}
			}
			continue
		}
		if err != nil {
			return domain.Entitlement{}, err
		}

		s.notifyTransition(ctx, ent.State, updated)
		return updated, nil
	}
}

// HandlePurchaseCallback resolves a checkout-session reference into an
// activation and funnels it through Reconcile. If the webhook already
// won the race, the reconcile is a no-op and the buyer still sees a
// clean success.
func (s *EntitlementService) HandlePurchaseCallback(ctx context.Context, sessionRef string) (domain.Entitlement, error) {
	sess, err := s.checkout.GetSession(ctx, sessionRef)
	if err != nil {
		return domain.Entitlement{}, fmt.Errorf("retrieving session %q: %w", sessionRef, err)
	}

	if sess.Status != domain.SessionCompleted {
		return domain.Entitlement{}, domain.ErrSessionIncomplete
	}

	occurredAt := sess.CompletedAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	ent, err := s.Reconcile(ctx, domain.NormalizedEvent{
		EventID:        "session:" + sess.Reference,
		Kind:           domain.EventPaymentSucceeded,
		SubscriberID:   sess.SubscriberID,
		ProductID:      sess.ProductID,
		SubscriptionID: sess.SubscriptionID,
		OccurredAt:     occurredAt.UTC(),
	})
	if err != nil {
		return domain.Entitlement{}, err
	}

	// The session knows the buyer's email; keep it on the record for
	// notifications. Best effort: a conflict here does not matter.
	if sess.Email != "" && ent.ContactEmail == "" {
		ent.ContactEmail = sess.Email
		if updated, err := s.repo.UpdateCAS(ctx, ent); err == nil {
			ent = updated
		}
	}

	return ent, nil
}

// PurchaseInitiation is what a buyer gets back from InitiatePurchase:
// the pending entitlement plus the processor URL to complete payment at.
type PurchaseInitiation struct {
	Entitlement domain.Entitlement
	CheckoutURL string
}

// InitiatePurchase opens a checkout session for a product and creates
// the pending entitlement. Idempotent: repeating it for the same
// (subscriber, product) reuses the existing record.
func (s *EntitlementService) InitiatePurchase(ctx context.Context, subscriberID, productID, accountRef, email string) (PurchaseInitiation, error) {
	product, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return PurchaseInitiation{}, err
	}

	ent, err := s.repo.FindOrCreate(ctx, subscriberID, productID, accountRef, email)
	if err != nil {
		return PurchaseInitiation{}, fmt.Errorf("creating entitlement: %w", err)
	}

	sess, err := s.checkout.CreateSession(ctx, domain.CheckoutRequest{
		SubscriberID: subscriberID,
		ProductID:    productID,
		ProductName:  product.Name,
		PriceCents:   product.PriceCents,
		Email:        email,
	})
	if err != nil {
		return PurchaseInitiation{}, fmt.Errorf("creating checkout session: %w", err)
	}

	return PurchaseInitiation{Entitlement: ent, CheckoutURL: sess.CheckoutURL}, nil
}

// CheckAccess is the read-side gate used by request-time authorization.
// It never mutates state; expiry is decided by comparing the stored
// ExpiresAt against the current time, the same comparison every other
// consumer uses.
func (s *EntitlementService) CheckAccess(ctx context.Context, subscriberID, productID string) (domain.AccessDecision, error) {
	ent, err := s.repo.Get(ctx, subscriberID, productID)
	if errors.Is(err, domain.ErrEntitlementNotFound) {
		return domain.AccessDecision{Reason: domain.DenialNoEntitlement}, nil
	}
	if err != nil {
		return domain.AccessDecision{}, err
	}

	return domain.DecideAccess(ent, s.now()), nil
}

// ListEntitlements returns all entitlements held by a subscriber.
func (s *EntitlementService) ListEntitlements(ctx context.Context, subscriberID string) ([]domain.Entitlement, error) {
	return s.repo.ListBySubscriber(ctx, subscriberID)
}

// DispatchExpiryWarnings enqueues a warning notification for every
// entitlement expiring within the window that has not been warned for
// its current term. Invoked by the periodic sweep; the warned marker
// keeps overlapping sweeps from re-warning the same term.
func (s *EntitlementService) DispatchExpiryWarnings(ctx context.Context, window time.Duration) (int, error) {
	now := s.now()
	expiring, err := s.repo.ListExpiringBetween(ctx, now, now.Add(window))
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, ent := range expiring {
		err := s.notifier.Notify(ctx, domain.Notification{
			Kind:          domain.NotifyExpiryWarning,
			EntitlementID: ent.ID,
			SubscriberID:  ent.SubscriberID,
			ProductID:     ent.ProductID,
			Recipient:     ent.ContactEmail,
			ExpiresAt:     ent.ExpiresAt,
		})
		if err != nil {
			slog.WarnContext(ctx, "expiry warning dispatch failed",
				"entitlement_id", ent.ID, "error", err)
			continue
		}

		warnedAt := now
		ent.ExpiryWarnedAt = &warnedAt
		if _, err := s.repo.UpdateCAS(ctx, ent); err != nil {
			// The warning is already enqueued. A conflicting writer here
			// means the next sweep re-reads the record; worst case is one
			// repeated warning.
			slog.WarnContext(ctx, "marking expiry warning failed",
				"entitlement_id", ent.ID, "error", err)
		}
		sent++
	}

	return sent, nil
}

// DispatchExpiryNotices enqueues the end-of-term notice for every
// entitlement whose paid term lapsed without renewal. Runs on the same
// periodic sweep as the warnings.
func (s *EntitlementService) DispatchExpiryNotices(ctx context.Context) (int, error) {
	now := s.now()
	lapsed, err := s.repo.ListLapsed(ctx, now)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, ent := range lapsed {
		err := s.notifier.Notify(ctx, domain.Notification{
			Kind:          domain.NotifyExpired,
			EntitlementID: ent.ID,
			SubscriberID:  ent.SubscriberID,
			ProductID:     ent.ProductID,
			Recipient:     ent.ContactEmail,
			ExpiresAt:     ent.ExpiresAt,
		})
		if err != nil {
			slog.WarnContext(ctx, "expiry notice dispatch failed",
				"entitlement_id", ent.ID, "error", err)
			continue
		}

		noticedAt := now
		ent.ExpiryNoticedAt = &noticedAt
		if _, err := s.repo.UpdateCAS(ctx, ent); err != nil {
			slog.WarnContext(ctx, "marking expiry notice failed",
				"entitlement_id", ent.ID, "error", err)
		}
		sent++
	}

	return sent, nil
}

// resolve locates the entitlement an event refers to: by subscription id
// first, then by the (subscriber, product) hints. Activation events may
// create the record lazily, covering the case where the purchase
// initiation or callback was lost and the webhook arrives first.
func (s *EntitlementService) resolve(ctx context.Context, ev domain.NormalizedEvent) (domain.Entitlement, error) {
	if ev.SubscriptionID != "" {
		ent, err := s.repo.GetBySubscriptionID(ctx, ev.SubscriptionID)
		if err == nil {
			return ent, nil
		}
		if !errors.Is(err, domain.ErrEntitlementNotFound) {
			return domain.Entitlement{}, err
		}
	}

	if ev.SubscriberID != "" && ev.ProductID != "" {
		ent, err := s.repo.Get(ctx, ev.SubscriberID, ev.ProductID)
		if err == nil {
			return ent, nil
		}
		if !errors.Is(err, domain.ErrEntitlementNotFound) {
			return domain.Entitlement{}, err
		}

		if ev.Kind == domain.EventPaymentSucceeded || ev.Kind == domain.EventSubscriptionActivated {
			return s.repo.FindOrCreate(ctx, ev.SubscriberID, ev.ProductID, "", "")
		}
	}

	return domain.Entitlement{}, &domain.UnresolvableReferenceError{
		EventID:        ev.EventID,
		SubscriberID:   ev.SubscriberID,
		ProductID:      ev.ProductID,
		SubscriptionID: ev.SubscriptionID,
	}
}

// renewalPeriod looks up the product's billing term, falling back to the
// default when the event carries no product hint (subscription-id-only
// events) or the product is gone.
func (s *EntitlementService) renewalPeriod(ctx context.Context, productID string) (time.Duration, error) {
	if productID == "" {
		return domain.DefaultRenewalPeriod, nil
	}
	product, err := s.products.GetByID(ctx, productID)
	if errors.Is(err, domain.ErrProductNotFound) {
		return domain.DefaultRenewalPeriod, nil
	}
	if err != nil {
		return 0, err
	}
	return product.RenewalPeriod(), nil
}

// notifyTransition requests the side effects a transition owes: a
// delivery email on first activation, a notice on cancellation. Failure
// is logged, never propagated; the state change is already committed.
func (s *EntitlementService) notifyTransition(ctx context.Context, prev domain.State, ent domain.Entitlement) {
	var kind domain.NotificationKind
	switch {
	case ent.State == domain.StateActive && prev == domain.StatePending:
		kind = domain.NotifyActivated
	case ent.State == domain.StateCancelled && prev != domain.StateCancelled:
		kind = domain.NotifyCancelled
	default:
		return
	}

	err := s.notifier.Notify(ctx, domain.Notification{
		Kind:          kind,
		EntitlementID: ent.ID,
		SubscriberID:  ent.SubscriberID,
		ProductID:     ent.ProductID,
		Recipient:     ent.ContactEmail,
		ExpiresAt:     ent.ExpiresAt,
	})
	if err != nil {
		slog.ErrorContext(ctx, "notification dispatch failed",
			"kind", kind, "entitlement_id", ent.ID, "error", err)
	}
}
