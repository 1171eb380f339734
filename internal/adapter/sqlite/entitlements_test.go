package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/neomorfeo/entitleiq/internal/adapter/sqlite"
	"github.com/neomorfeo/entitleiq/internal/domain"
)

// newTestDB opens an in-memory, migrated database.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// testIDs returns a deterministic id generator.
func testIDs(prefix string) func() (string, error) {
	n := 0
	return func() (string, error) {
		n++
		return fmt.Sprintf("%s-%d", prefix, n), nil
	}
}

func newTestRepo(t *testing.T) *sqlite.EntitlementRepository {
	t.Helper()
	return sqlite.NewEntitlementRepository(newTestDB(t), testIDs("ent"))
}

func mustFindOrCreate(t *testing.T, repo *sqlite.EntitlementRepository, subscriberID, productID string) domain.Entitlement {
	t.Helper()
	e, err := repo.FindOrCreate(context.Background(), subscriberID, productID, "", "")
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}
	return e
}

func mustUpdateCAS(t *testing.T, repo *sqlite.EntitlementRepository, e domain.Entitlement) domain.Entitlement {
	t.Helper()
	updated, err := repo.UpdateCAS(context.Background(), e)
	if err != nil {
		t.Fatalf("UpdateCAS failed: %v", err)
	}
	return updated
}

func TestFindOrCreate_CreatesPending(t *testing.T) {
	repo := newTestRepo(t)

	e, err := repo.FindOrCreate(context.Background(), "sub-1", "prod-1", "acct-7", "buyer@example.com")
	if err != nil {
		t.Fatalf("FindOrCreate failed: %v", err)
	}

	if e.State != domain.StatePending {
		t.Errorf("State = %q, want %q", e.State, domain.StatePending)
	}
	if e.Version != 1 {
		t.Errorf("Version = %d, want 1", e.Version)
	}
	if e.AccountReference != "acct-7" {
		t.Errorf("AccountReference = %q, want %q", e.AccountReference, "acct-7")
	}
	if e.ContactEmail != "buyer@example.com" {
		t.Errorf("ContactEmail = %q, want %q", e.ContactEmail, "buyer@example.com")
	}
}

func TestFindOrCreate_Idempotent(t *testing.T) {
	repo := newTestRepo(t)

	first := mustFindOrCreate(t, repo, "sub-1", "prod-1")
	second := mustFindOrCreate(t, repo, "sub-1", "prod-1")

	if first.ID != second.ID {
		t.Errorf("second FindOrCreate returned id %q, want %q", second.ID, first.ID)
	}

	// A different product gets its own record.
	other := mustFindOrCreate(t, repo, "sub-1", "prod-2")
	if other.ID == first.ID {
		t.Error("distinct product should create a distinct entitlement")
	}
}

func TestFindOrCreate_Concurrent(t *testing.T) {
	repo := newTestRepo(t)

	const callers = 8
	ids := make(chan string, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := repo.FindOrCreate(context.Background(), "sub-1", "prod-1", "", "")
			ids <- e.ID
			errs <- err
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("FindOrCreate failed: %v", err)
		}
	}

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Errorf("racing callers got ids %q and %q, want one record", first, id)
		}
	}

	list, err := repo.ListBySubscriber(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("ListBySubscriber failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d entitlements, want 1", len(list))
	}
}

func TestGet_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.Get(context.Background(), "sub-x", "prod-x")
	if !errors.Is(err, domain.ErrEntitlementNotFound) {
		t.Errorf("expected ErrEntitlementNotFound, got %v", err)
	}
}

func TestUpdateCAS_PersistsAndBumpsVersion(t *testing.T) {
	repo := newTestRepo(t)
	e := mustFindOrCreate(t, repo, "sub-1", "prod-1")

	occurred := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	expires := occurred.Add(30 * 24 * time.Hour)

	e.State = domain.StateActive
	e.SubscriptionID = "psub_1"
	e.ActivatedAt = &occurred
	e.ExpiresAt = &expires
	e.LastEventID = "evt_1"
	e.LastEventAt = &occurred

	updated := mustUpdateCAS(t, repo, e)

	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}
	if updated.State != domain.StateActive {
		t.Errorf("State = %q, want %q", updated.State, domain.StateActive)
	}
	if updated.SubscriptionID != "psub_1" {
		t.Errorf("SubscriptionID = %q, want %q", updated.SubscriptionID, "psub_1")
	}
	if updated.ExpiresAt == nil || !updated.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", updated.ExpiresAt, expires)
	}
	if updated.LastEventID != "evt_1" {
		t.Errorf("LastEventID = %q, want %q", updated.LastEventID, "evt_1")
	}

	// The write is visible through every lookup path.
	bySub, err := repo.GetBySubscriptionID(context.Background(), "psub_1")
	if err != nil {
		t.Fatalf("GetBySubscriptionID failed: %v", err)
	}
	if bySub.ID != e.ID {
		t.Errorf("GetBySubscriptionID returned %q, want %q", bySub.ID, e.ID)
	}
}

func TestUpdateCAS_VersionConflict(t *testing.T) {
	repo := newTestRepo(t)
	e := mustFindOrCreate(t, repo, "sub-1", "prod-1")

	// First writer wins.
	e.State = domain.StateActive
	mustUpdateCAS(t, repo, e)

	// Second writer still holds version 1.
	e.State = domain.StateCancelled
	_, err := repo.UpdateCAS(context.Background(), e)
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestUpdateCAS_MissingRecord(t *testing.T) {
	repo := newTestRepo(t)

	e := domain.NewEntitlement("ghost", "sub-1", "prod-1", "", "")
	_, err := repo.UpdateCAS(context.Background(), e)
	if !errors.Is(err, domain.ErrEntitlementNotFound) {
		t.Errorf("expected ErrEntitlementNotFound, got %v", err)
	}
}

func TestUpdateCAS_SubscriptionConflict(t *testing.T) {
	repo := newTestRepo(t)

	first := mustFindOrCreate(t, repo, "sub-1", "prod-1")
	first.SubscriptionID = "psub_1"
	mustUpdateCAS(t, repo, first)

	// A different entitlement claiming the same processor subscription
	// hits the partial unique index.
	second := mustFindOrCreate(t, repo, "sub-2", "prod-1")
	second.SubscriptionID = "psub_1"

	_, err := repo.UpdateCAS(context.Background(), second)
	var conflict *domain.SubscriptionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected SubscriptionConflictError, got %v", err)
	}
	if conflict.SubscriptionID != "psub_1" {
		t.Errorf("SubscriptionID = %q, want %q", conflict.SubscriptionID, "psub_1")
	}
}

func TestListBySubscriber(t *testing.T) {
	repo := newTestRepo(t)

	mustFindOrCreate(t, repo, "sub-1", "prod-1")
	mustFindOrCreate(t, repo, "sub-1", "prod-2")
	mustFindOrCreate(t, repo, "sub-2", "prod-1")

	list, err := repo.ListBySubscriber(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("ListBySubscriber failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d entitlements, want 2", len(list))
	}
	for _, e := range list {
		if e.SubscriberID != "sub-1" {
			t.Errorf("SubscriberID = %q, want %q", e.SubscriberID, "sub-1")
		}
	}
}

func TestListExpiringBetween(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	setExpiry := func(subscriber string, expires time.Time, state domain.State) {
		e := mustFindOrCreate(t, repo, subscriber, "prod-1")
		e.State = state
		e.ExpiresAt = &expires
		mustUpdateCAS(t, repo, e)
	}

	setExpiry("sub-in-window", now.Add(2*24*time.Hour), domain.StateActive)
	setExpiry("sub-too-late", now.Add(10*24*time.Hour), domain.StateActive)
	setExpiry("sub-already-gone", now.Add(-time.Hour), domain.StateActive)
	setExpiry("sub-cancelled", now.Add(2*24*time.Hour), domain.StateCancelled)

	list, err := repo.ListExpiringBetween(context.Background(), now, now.Add(4*24*time.Hour))
	if err != nil {
		t.Fatalf("ListExpiringBetween failed: %v", err)
	}

	if len(list) != 1 {
		t.Fatalf("got %d entitlements, want 1", len(list))
	}
	if list[0].SubscriberID != "sub-in-window" {
		t.Errorf("SubscriberID = %q, want %q", list[0].SubscriberID, "sub-in-window")
	}
}

func TestListExpiringBetween_SkipsWarned(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	expires := now.Add(2 * 24 * time.Hour)

	e := mustFindOrCreate(t, repo, "sub-1", "prod-1")
	e.State = domain.StateActive
	e.ExpiresAt = &expires
	e.ExpiryWarnedAt = &now
	mustUpdateCAS(t, repo, e)

	list, err := repo.ListExpiringBetween(context.Background(), now, now.Add(4*24*time.Hour))
	if err != nil {
		t.Fatalf("ListExpiringBetween failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("got %d entitlements, want 0 (already warned this term)", len(list))
	}
}

func TestListLapsed(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	set := func(subscriber string, expires time.Time, state domain.State, noticed *time.Time) {
		e := mustFindOrCreate(t, repo, subscriber, "prod-1")
		e.State = state
		e.ExpiresAt = &expires
		e.ExpiryNoticedAt = noticed
		mustUpdateCAS(t, repo, e)
	}

	set("sub-lapsed", now.Add(-24*time.Hour), domain.StateActive, nil)
	set("sub-noticed", now.Add(-24*time.Hour), domain.StateActive, &now)
	set("sub-still-paid", now.Add(24*time.Hour), domain.StateActive, nil)
	set("sub-cancelled", now.Add(-24*time.Hour), domain.StateCancelled, nil)

	list, err := repo.ListLapsed(context.Background(), now)
	if err != nil {
		t.Fatalf("ListLapsed failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d entitlements, want 1", len(list))
	}
	if list[0].SubscriberID != "sub-lapsed" {
		t.Errorf("SubscriberID = %q, want %q", list[0].SubscriberID, "sub-lapsed")
	}
}
