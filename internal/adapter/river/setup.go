package river

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riversqlite"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/neomorfeo/entitleiq/internal/domain"
)

// expiryScanInterval is how often the sweep for soon-expiring
// entitlements runs.
const expiryScanInterval = 6 * time.Hour

// expiryWarningWindow is how far ahead the sweep looks. Warnings go out
// roughly four days before an entitlement lapses; the per-term warned
// marker keeps successive sweeps over the same window from re-warning.
const expiryWarningWindow = 4 * 24 * time.Hour

// Deps are the collaborators the workers need.
type Deps struct {
	Mailer   Mailer
	Links    DownloadLinker
	Products domain.ProductRepository
	Sweeper  ExpirySweeper

	// AdminEmail, when set, receives copies of end-of-term notices.
	AdminEmail string
}

// Setup creates a River client with the workers registered and runs
// River's internal migrations. The caller must call client.Start() to
// begin processing jobs and client.Stop() for graceful shutdown.
func Setup(ctx context.Context, db *sql.DB, deps Deps) (*Client, error) {
	driver := riversqlite.New(db)

	// Run River's own migrations (creates river_job, river_leader, etc.).
	// These are separate from the app's goose migrations.
	migrator, err := rivermigrate.New(driver, nil)
	if err != nil {
		return nil, fmt.Errorf("creating river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return nil, fmt.Errorf("running river migrations: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, NewNotificationWorker(deps.Mailer, deps.Links, deps.Products, deps.AdminEmail))
	river.AddWorker(workers, NewExpiryScanWorker(deps.Sweeper, expiryWarningWindow))

	client, err := river.NewClient(driver, &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(expiryScanInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return ExpiryScanArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating river client: %w", err)
	}

	return client, nil
}
