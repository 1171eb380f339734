package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/neomorfeo/entitleiq/internal/domain"
)

// EntitlementRepository implements domain.EntitlementRepository using SQLite.
type EntitlementRepository struct {
	db *sql.DB
	id func() (string, error)
}

// Compile-time check: EntitlementRepository implements the domain port.
var _ domain.EntitlementRepository = (*EntitlementRepository)(nil)

// NewEntitlementRepository wraps a migrated database connection.
// The id function supplies identifiers for records created lazily by
// FindOrCreate.
func NewEntitlementRepository(db *sql.DB, id func() (string, error)) *EntitlementRepository {
	return &EntitlementRepository{db: db, id: id}
}

const entitlementColumns = `id, subscriber_id, product_id, state, account_reference, contact_email,
	subscription_id, activated_at, expires_at, last_event_id, last_event_at,
	expiry_warned_at, expiry_noticed_at, version, created_at, updated_at`

// FindOrCreate inserts a pending entitlement for (subscriberID,
// productID) and reads back whichever record the unique index settled on.
// Two racing creators both land on the same row: the loser's INSERT hits
// the unique constraint and falls through to the SELECT.
func (r *EntitlementRepository) FindOrCreate(ctx context.Context, subscriberID, productID, accountRef, email string) (domain.Entitlement, error) {
	if e, err := r.Get(ctx, subscriberID, productID); err == nil {
		return e, nil
	} else if err != domain.ErrEntitlementNotFound {
		return domain.Entitlement{}, err
	}

	id, err := r.id()
	if err != nil {
		return domain.Entitlement{}, fmt.Errorf("generating entitlement id: %w", err)
	}
	e := domain.NewEntitlement(id, subscriberID, productID, accountRef, email)

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO entitlements (`+entitlementColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, NULL, '', NULL, NULL, NULL, 1, ?, ?)`,
		e.ID, e.SubscriberID, e.ProductID, string(e.State), e.AccountReference, e.ContactEmail,
		e.CreatedAt.Format(timeFormat), e.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent creator won the race; their record is ours too.
			return r.Get(ctx, subscriberID, productID)
		}
		return domain.Entitlement{}, fmt.Errorf("inserting entitlement: %w", err)
	}

	return e, nil
}

func (r *EntitlementRepository) Get(ctx context.Context, subscriberID, productID string) (domain.Entitlement, error) {
	return r.scan(r.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE subscriber_id = ? AND product_id = ?`, subscriberID, productID,
	))
}

func (r *EntitlementRepository) GetByID(ctx context.Context, id string) (domain.Entitlement, error) {
	return r.scan(r.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE id = ?`, id,
	))
}

func (r *EntitlementRepository) GetBySubscriptionID(ctx context.Context, subscriptionID string) (domain.Entitlement, error) {
	return r.scan(r.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE subscription_id = ?`, subscriptionID,
	))
}

// UpdateCAS writes the entitlement guarded by its version counter. Zero
// rows affected means either a version conflict (the record moved under
// us) or a missing record; the two are distinguished so callers can
// retry conflicts and surface the rest.
func (r *EntitlementRepository) UpdateCAS(ctx context.Context, e domain.Entitlement) (domain.Entitlement, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE entitlements
		 SET state = ?, account_reference = ?, contact_email = ?, subscription_id = ?,
		     activated_at = ?, expires_at = ?, last_event_id = ?, last_event_at = ?,
		     expiry_warned_at = ?, expiry_noticed_at = ?,
		     version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(e.State), e.AccountReference, e.ContactEmail, nullString(e.SubscriptionID),
		nullTime(e.ActivatedAt), nullTime(e.ExpiresAt), e.LastEventID, nullTime(e.LastEventAt),
		nullTime(e.ExpiryWarnedAt), nullTime(e.ExpiryNoticedAt),
		time.Now().UTC().Format(timeFormat),
		e.ID, e.Version,
	)
	if err != nil {
		if isUniqueViolationOn(err, "subscription_id") {
			return domain.Entitlement{}, &domain.SubscriptionConflictError{SubscriptionID: e.SubscriptionID}
		}
		return domain.Entitlement{}, fmt.Errorf("updating entitlement: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return domain.Entitlement{}, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := r.GetByID(ctx, e.ID); err != nil {
			return domain.Entitlement{}, err
		}
		return domain.Entitlement{}, domain.ErrVersionConflict
	}

	return r.GetByID(ctx, e.ID)
}

func (r *EntitlementRepository) ListBySubscriber(ctx context.Context, subscriberID string) ([]domain.Entitlement, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE subscriber_id = ? ORDER BY created_at DESC`, subscriberID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing entitlements: %w", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

func (r *EntitlementRepository) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]domain.Entitlement, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE expires_at IS NOT NULL AND expires_at >= ? AND expires_at < ?
		   AND expiry_warned_at IS NULL
		   AND state != ?
		 ORDER BY expires_at`,
		from.UTC().Format(timeFormat), to.UTC().Format(timeFormat),
		string(domain.StateCancelled),
	)
	if err != nil {
		return nil, fmt.Errorf("listing expiring entitlements: %w", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

func (r *EntitlementRepository) ListLapsed(ctx context.Context, asOf time.Time) ([]domain.Entitlement, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE expires_at IS NOT NULL AND expires_at <= ?
		   AND expiry_noticed_at IS NULL
		   AND state != ?
		 ORDER BY expires_at`,
		asOf.UTC().Format(timeFormat),
		string(domain.StateCancelled),
	)
	if err != nil {
		return nil, fmt.Errorf("listing lapsed entitlements: %w", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (r *EntitlementRepository) scan(row scanner) (domain.Entitlement, error) {
	var e domain.Entitlement
	var state, createdAt, updatedAt string
	var subscriptionID, activatedAt, expiresAt, lastEventAt sql.NullString
	var warnedAt, noticedAt sql.NullString

	err := row.Scan(&e.ID, &e.SubscriberID, &e.ProductID, &state, &e.AccountReference, &e.ContactEmail,
		&subscriptionID, &activatedAt, &expiresAt, &e.LastEventID, &lastEventAt,
		&warnedAt, &noticedAt,
		&e.Version, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Entitlement{}, domain.ErrEntitlementNotFound
		}
		return domain.Entitlement{}, fmt.Errorf("scanning entitlement: %w", err)
	}

	e.State = domain.State(state)
	e.SubscriptionID = subscriptionID.String
	e.ActivatedAt = parseNullTime(activatedAt)
	e.ExpiresAt = parseNullTime(expiresAt)
	e.LastEventAt = parseNullTime(lastEventAt)
	e.ExpiryWarnedAt = parseNullTime(warnedAt)
	e.ExpiryNoticedAt = parseNullTime(noticedAt)
	e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	e.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)

	return e, nil
}

func (r *EntitlementRepository) collect(rows *sql.Rows) ([]domain.Entitlement, error) {
	var out []domain.Entitlement
	for rows.Next() {
		e, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil
	}
	return &t
}
