package storage

import (
	"context"
	"time"

	"github.com/haulkind/dispatch-engine/internal/models"
)

// JobRepository persists jobs. UpdateJob is a compare-and-swap on status: it fails with
// apperr.Conflict when the stored status no longer equals expected.
type JobRepository interface {
	CreateJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, j *models.Job, expected models.JobStatus) error
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
}

// OfferRepository persists job offers. Every status change is conditional on the offer
// still being pending so concurrent responders cannot both win.
type OfferRepository interface {
	CreateOffers(ctx context.Context, offers []*models.JobOffer) error
	GetOffer(ctx context.Context, id string) (*models.JobOffer, error)
	// ListOffersByJob returns offers in creation order.
	ListOffersByJob(ctx context.Context, jobID string) ([]*models.JobOffer, error)
	// ListOpenOffersByDriver returns pending, unexpired offers for the driver.
	ListOpenOffersByDriver(ctx context.Context, driverID string, now time.Time) ([]*models.JobOffer, error)

	// AcceptOffer atomically accepts a pending, unexpired offer for a dispatching job that
	// has no accepted offer yet, expires its pending siblings, records the assignment and
	// moves the job to assigned. Any failed precondition yields apperr.OfferUnavailable.
	AcceptOffer(ctx context.Context, offerID string, now time.Time) (*Acceptance, error)
	// RejectOffer moves a pending, unexpired offer to rejected.
	RejectOffer(ctx context.Context, offerID string, now time.Time) (*models.JobOffer, error)
	// ExpireOffer moves a pending offer to expired and reports whether it did.
	ExpireOffer(ctx context.Context, offerID string) (bool, error)
	// ExpireDueOffers expires every pending offer whose deadline is at or before now.
	ExpireDueOffers(ctx context.Context, now time.Time) ([]*models.JobOffer, error)
	// ExpirePendingOffers expires every pending offer of a job regardless of deadline.
	ExpirePendingOffers(ctx context.Context, jobID string) ([]*models.JobOffer, error)
}

// Acceptance is the result of a successful AcceptOffer.
type Acceptance struct {
	Offer      models.JobOffer
	Assignment models.JobAssignment
	Job        models.Job
	Superseded []models.JobOffer
}

type AssignmentRepository interface {
	GetAssignment(ctx context.Context, jobID string) (*models.JobAssignment, error)
}

type DriverRepository interface {
	UpsertDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	// ListEligibleDrivers returns approved, online drivers in registration order.
	ListEligibleDrivers(ctx context.Context) ([]*models.Driver, error)
	SetDriverOnline(ctx context.Context, id string, online bool, at time.Time) (*models.Driver, error)
}

// PayoutRepository persists payouts. CreatePayout fails with apperr.Conflict when the job
// already has one.
type PayoutRepository interface {
	CreatePayout(ctx context.Context, p *models.Payout) error
	GetPayout(ctx context.Context, id string) (*models.Payout, error)
	GetPayoutByJob(ctx context.Context, jobID string) (*models.Payout, error)
	// ListPayouts filters by status; the empty status lists everything.
	ListPayouts(ctx context.Context, status models.PayoutStatus) ([]*models.Payout, error)
	// MarkPayoutPaid is idempotent: an already paid payout is returned unchanged.
	MarkPayoutPaid(ctx context.Context, id string, at time.Time) (*models.Payout, error)
}

// Store bundles every repository a backend provides.
type Store interface {
	JobRepository
	OfferRepository
	AssignmentRepository
	DriverRepository
	PayoutRepository
}
