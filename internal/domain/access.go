package domain

import "time"

// DenialReason explains why the access gate refused an entitlement.
type DenialReason string

const (
	DenialNoEntitlement DenialReason = "no_entitlement"
	DenialNotYetActive  DenialReason = "not_yet_active"
	DenialExpired       DenialReason = "expired"
	DenialCancelled     DenialReason = "cancelled"
)

// AccessDecision is the outcome of a read-only access check.
type AccessDecision struct {
	Granted   bool
	Reason    DenialReason
	ExpiresAt *time.Time
}

// DecideAccess is the single expiry comparison used everywhere a
// "is this subscription usable" question is asked. It never mutates the
// entitlement: a lapsed term is reported as expired even though the
// stored state still says active or past_due.
//
// Past-due and unpaid entitlements keep access until ExpiresAt passes;
// the grace period is the remainder of the already-paid term.
func DecideAccess(e Entitlement, now time.Time) AccessDecision {
	switch e.State {
	case StateCancelled:
		return AccessDecision{Reason: DenialCancelled}
	case StatePending:
		return AccessDecision{Reason: DenialNotYetActive}
	}

	if e.ExpiresAt == nil {
		return AccessDecision{Reason: DenialNotYetActive}
	}
	if !now.Before(*e.ExpiresAt) {
		return AccessDecision{Reason: DenialExpired, ExpiresAt: e.ExpiresAt}
	}

	return AccessDecision{Granted: true, ExpiresAt: e.ExpiresAt}
}
