package river

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/riverqueue/river"

	"github.com/neomorfeo/entitleiq/internal/domain"
)

// Compile-time check: Dispatcher implements domain.Notifier.
var _ domain.Notifier = (*Dispatcher)(nil)

// NotificationJobArgs carries one notification request through the job
// queue. River serializes this as JSON into its job table. It snapshots
// everything the worker needs except the product name, which the worker
// resolves at send time so a renamed product reads correctly.
type NotificationJobArgs struct {
	NotificationKind string     `json:"kind"`
	EntitlementID    string     `json:"entitlement_id"`
	SubscriberID     string     `json:"subscriber_id"`
	ProductID        string     `json:"product_id"`
	Recipient        string     `json:"recipient"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// Kind returns the unique job type identifier used by River's job routing.
func (NotificationJobArgs) Kind() string { return "notification.send" }

// ExpiryScanArgs triggers one sweep for entitlements nearing expiry.
// Enqueued on a periodic schedule; carries no data.
type ExpiryScanArgs struct{}

// Kind returns the unique job type identifier used by River's job routing.
func (ExpiryScanArgs) Kind() string { return "entitlement.expiry_scan" }

// Client is the River client type parameterized for SQLite (*sql.Tx).
type Client = river.Client[*sql.Tx]

// Dispatcher implements domain.Notifier by enqueuing River jobs.
// Dispatch is fire-and-forget from the engine's point of view: delivery
// retries happen inside the queue, independent of the state transition
// that requested the notification.
type Dispatcher struct {
	client *Client
}

// NewDispatcher creates an unbound dispatcher. The client is attached
// with Bind once it exists: the workers it runs depend on the services
// that dispatch through it, so the client is always constructed last.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Bind attaches the River client. Must be called before the first Notify.
func (d *Dispatcher) Bind(client *Client) {
	d.client = client
}

// Notify enqueues a notification as an async job in River.
func (d *Dispatcher) Notify(ctx context.Context, n domain.Notification) error {
	_, err := d.client.Insert(ctx, NotificationJobArgs{
		NotificationKind: string(n.Kind),
		EntitlementID:    n.EntitlementID,
		SubscriberID:     n.SubscriberID,
		ProductID:        n.ProductID,
		Recipient:        n.Recipient,
		ExpiresAt:        n.ExpiresAt,
	}, nil)
	if err != nil {
		return fmt.Errorf("enqueuing notification job: %w", err)
	}
	return nil
}
