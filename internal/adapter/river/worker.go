package river

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/neomorfeo/entitleiq/internal/domain"
)

// Mailer delivers one email. Implemented by SMTPMailer; faked in tests.
type Mailer interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// DownloadLinker obtains a time-limited signed URL for a stored file.
type DownloadLinker interface {
	SignedURL(ctx context.Context, fileKey string, ttl time.Duration) (string, error)
}

// ExpirySweeper is the slice of the entitlement service the sweep
// worker needs: advance warnings for terms about to end, and the
// end-of-term notice once they have.
type ExpirySweeper interface {
	DispatchExpiryWarnings(ctx context.Context, window time.Duration) (int, error)
	DispatchExpiryNotices(ctx context.Context) (int, error)
}

// downloadLinkTTL bounds how long an activation email's download link
// stays valid.
const downloadLinkTTL = 24 * time.Hour

// NotificationWorker processes notification jobs: it composes the email
// for the transition that happened and hands it to the mailer. Delivery
// failures bubble up so River retries the job on its own schedule.
type NotificationWorker struct {
	river.WorkerDefaults[NotificationJobArgs]

	mailer   Mailer
	links    DownloadLinker
	products domain.ProductRepository

	// adminEmail, when set, receives a copy of end-of-term notices.
	adminEmail string
}

// NewNotificationWorker creates a worker with the given collaborators.
func NewNotificationWorker(mailer Mailer, links DownloadLinker, products domain.ProductRepository, adminEmail string) *NotificationWorker {
	return &NotificationWorker{mailer: mailer, links: links, products: products, adminEmail: adminEmail}
}

// Work processes a single notification job.
func (w *NotificationWorker) Work(ctx context.Context, job *river.Job[NotificationJobArgs]) error {
	args := job.Args

	productName := args.ProductID
	var fileKey string
	product, err := w.products.GetByID(ctx, args.ProductID)
	if err == nil {
		productName = product.Name
		fileKey = product.FileKey
	} else if !errors.Is(err, domain.ErrProductNotFound) {
		return fmt.Errorf("loading product %s: %w", args.ProductID, err)
	}

	subject, body, err := w.compose(ctx, args, productName, fileKey)
	if err != nil || subject == "" {
		return err
	}

	if args.Recipient == "" {
		// Webhook-created entitlements may not know the buyer's email
		// yet. Nothing to deliver to; not a retryable condition.
		slog.InfoContext(ctx, "notification skipped, no recipient",
			"kind", args.NotificationKind, "entitlement_id", args.EntitlementID, "job_id", job.ID)
	} else {
		if err := w.mailer.Send(ctx, args.Recipient, subject, body); err != nil {
			return fmt.Errorf("sending %s notification: %w", args.NotificationKind, err)
		}
		slog.InfoContext(ctx, "notification sent",
			"kind", args.NotificationKind, "entitlement_id", args.EntitlementID,
			"job_id", job.ID, "attempt", job.Attempt)
	}

	if domain.NotificationKind(args.NotificationKind) == domain.NotifyExpired && w.adminEmail != "" {
		adminSubject := fmt.Sprintf("Subscription expired: %s / %s", args.SubscriberID, productName)
		adminBody := fmt.Sprintf("Subscriber %s lost access to %s; the term ended without renewal.",
			args.SubscriberID, productName)
		if err := w.mailer.Send(ctx, w.adminEmail, adminSubject, adminBody); err != nil {
			// The subscriber notice already went out; retrying the job
			// would duplicate it.
			slog.WarnContext(ctx, "admin expiry notice failed",
				"entitlement_id", args.EntitlementID, "error", err)
		}
	}

	return nil
}

func (w *NotificationWorker) compose(ctx context.Context, args NotificationJobArgs, productName, fileKey string) (subject, body string, err error) {
	switch domain.NotificationKind(args.NotificationKind) {
	case domain.NotifyActivated:
		subject = fmt.Sprintf("Your %s subscription is active", productName)
		body = fmt.Sprintf("Your subscription to %s is active", productName)
		if args.ExpiresAt != nil {
			body += fmt.Sprintf(" until %s", args.ExpiresAt.Format("2006-01-02"))
		}
		body += "."

		if fileKey != "" {
			url, linkErr := w.links.SignedURL(ctx, fileKey, downloadLinkTTL)
			if linkErr != nil {
				// The transition is long committed; a broken storage
				// backend degrades the email rather than failing it.
				slog.WarnContext(ctx, "signed url unavailable",
					"file_key", fileKey, "error", linkErr)
			} else {
				body += fmt.Sprintf("\n\nDownload: %s\nThe link expires in 24 hours.", url)
			}
		}

	case domain.NotifyCancelled:
		subject = fmt.Sprintf("Your %s subscription was cancelled", productName)
		body = fmt.Sprintf("Your subscription to %s has been cancelled. To renew, please visit our website.", productName)

	case domain.NotifyExpiryWarning:
		subject = fmt.Sprintf("Your %s subscription is expiring soon", productName)
		body = fmt.Sprintf("Your subscription to %s is about to expire", productName)
		if args.ExpiresAt != nil {
			body = fmt.Sprintf("Your subscription to %s expires on %s", productName, args.ExpiresAt.Format("2006-01-02"))
		}
		body += ". Renew to keep access."

	case domain.NotifyExpired:
		subject = fmt.Sprintf("Your %s subscription has expired", productName)
		body = fmt.Sprintf("Your subscription to %s expired", productName)
		if args.ExpiresAt != nil {
			body = fmt.Sprintf("Your subscription to %s expired on %s", productName, args.ExpiresAt.Format("2006-01-02"))
		}
		body += ". Renew to regain access."

	default:
		// Unknown kind means a version skew between enqueuer and
		// worker; retrying cannot help.
		slog.WarnContext(ctx, "unknown notification kind", "kind", args.NotificationKind)
		return "", "", nil
	}

	return subject, body, nil
}

// ExpiryScanWorker runs the periodic sweep: warnings for entitlements
// nearing expiry, then end-of-term notices for those already lapsed.
type ExpiryScanWorker struct {
	river.WorkerDefaults[ExpiryScanArgs]

	sweeper ExpirySweeper
	window  time.Duration
}

// NewExpiryScanWorker creates a sweep worker warning about entitlements
// that expire within the window.
func NewExpiryScanWorker(sweeper ExpirySweeper, window time.Duration) *ExpiryScanWorker {
	return &ExpiryScanWorker{sweeper: sweeper, window: window}
}

// Work processes a single sweep job.
func (w *ExpiryScanWorker) Work(ctx context.Context, job *river.Job[ExpiryScanArgs]) error {
	warned, warnErr := w.sweeper.DispatchExpiryWarnings(ctx, w.window)
	noticed, noticeErr := w.sweeper.DispatchExpiryNotices(ctx)
	if err := errors.Join(warnErr, noticeErr); err != nil {
		return fmt.Errorf("expiry sweep: %w", err)
	}

	slog.InfoContext(ctx, "expiry sweep complete",
		"warnings_sent", warned, "notices_sent", noticed, "job_id", job.ID)
	return nil
}
