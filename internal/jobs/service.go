package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haulkind/dispatch-engine/internal/apperr"
	"github.com/haulkind/dispatch-engine/internal/dispatch"
	"github.com/haulkind/dispatch-engine/internal/events"
	"github.com/haulkind/dispatch-engine/internal/models"
	"github.com/haulkind/dispatch-engine/internal/observability"
	"github.com/haulkind/dispatch-engine/internal/payout"
	"github.com/haulkind/dispatch-engine/internal/storage"
)

// Dispatcher is what the lifecycle needs from dispatch.
type Dispatcher interface {
	Start(ctx context.Context, jobID string) (dispatch.Result, error)
	// WithJobLock expires the job's pending offers and runs fn while no wave or
	// acceptance can interleave.
	WithJobLock(ctx context.Context, jobID string, fn func() error) error
}

// PaymentVerifier checks a provider reference against the amount due.
type PaymentVerifier interface {
	Verify(ctx context.Context, provider, ref string, amount float64) error
}

// EventFeed returns the recorded events of a job.
type EventFeed interface {
	ForJob(jobID string) []models.Event
}

const cancelAttempts = 3

// Service owns job creation and every status transition outside dispatch itself.
type Service struct {
	store      storage.JobRepository
	dispatcher Dispatcher
	payments   PaymentVerifier
	feed       EventFeed
	events     *events.Emitter
	logger     *slog.Logger

	Now   func() time.Time
	NewID func() string
}

func NewService(store storage.JobRepository, dispatcher Dispatcher, payments PaymentVerifier, em *events.Emitter, feed EventFeed, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		payments:   payments,
		feed:       feed,
		events:     em,
		logger:     logger,
		Now:        time.Now,
		NewID:      uuid.NewString,
	}
}

// NewJob is the input of Create. The quote must come from the pricing calculator.
type NewJob struct {
	CustomerID   string
	Quote        models.Quote
	Contact      models.Contact
	Pickup       models.Pickup
	ScheduledFor *time.Time
}

func (n NewJob) validate() error {
	var problems []string
	if n.CustomerID == "" {
		problems = append(problems, "customer id is required")
	}
	if !n.Quote.ServiceType.Valid() || n.Quote.ServiceAreaID == "" || n.Quote.Total <= 0 {
		problems = append(problems, "a priced quote is required")
	}
	if strings.TrimSpace(n.Contact.Name) == "" || strings.TrimSpace(n.Contact.Phone) == "" {
		problems = append(problems, "contact name and phone are required")
	}
	if strings.TrimSpace(n.Pickup.Address) == "" {
		problems = append(problems, "pickup address is required")
	}
	if len(problems) > 0 {
		return apperr.New(apperr.KindBadRequest, "jobs.create", "%s", strings.Join(problems, "; "))
	}
	return nil
}

// Create stores a draft job priced by the quote.
func (s *Service) Create(ctx context.Context, in NewJob) (*models.Job, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.Now().UTC()
	q := in.Quote
	job := &models.Job{
		ID:            s.NewID(),
		CustomerID:    in.CustomerID,
		ServiceAreaID: q.ServiceAreaID,
		ServiceType:   q.ServiceType,
		Status:        models.JobDraft,
		Contact:       in.Contact,
		Pickup:        in.Pickup,
		VolumeTier:    q.VolumeTier,
		Hours:         q.Hours,
		DistanceMiles: q.DistanceMiles,
		LineItems:     q.LineItems,
		ServicePrice:  q.Subtotal,
		DisposalCap:   q.DisposalCap,
		PlatformFee:   q.PlatformFee,
		Total:         q.Total,
		ScheduledFor:  in.ScheduledFor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.events.Emit(ctx, models.Event{Type: models.EventJobCreated, JobID: job.ID, To: models.JobDraft, At: now})
	s.logger.Info("job created", "job_id", job.ID, "service_type", job.ServiceType, "total", job.Total)
	return job, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Events returns the polling feed for a job.
func (s *Service) Events(ctx context.Context, id string) ([]models.Event, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	if s.feed == nil {
		return nil, nil
	}
	return s.feed.ForJob(id), nil
}

// ConfirmQuote moves a draft to quoted once the customer accepts the price.
func (s *Service) ConfirmQuote(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, job, models.JobQuoted, nil)
}

// RecordPayment marks the job paid and runs the first dispatch wave in the same call.
// A job that ends in no_coverage is returned with a nil error: the payment still stands.
func (s *Service) RecordPayment(ctx context.Context, id, provider, ref string) (*models.Job, dispatch.Result, error) {
	const op = "jobs.record_payment"
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, dispatch.Result{}, err
	}
	if job.Status.Terminal() {
		return nil, dispatch.Result{}, apperr.New(apperr.KindTerminalState, op, "job %s is already %s", id, job.Status)
	}
	if job.Status != models.JobDraft && job.Status != models.JobQuoted {
		return nil, dispatch.Result{}, apperr.New(apperr.KindInvalidState, op, "job %s is %s; payment only accepted for draft or quoted jobs", id, job.Status)
	}
	if err := s.payments.Verify(ctx, provider, ref, job.Total); err != nil {
		s.logger.Warn("payment verification failed", "job_id", id, "provider", provider, "err", err)
		return nil, dispatch.Result{}, err
	}

	paidAt := s.Now().UTC()
	if _, err := s.transition(ctx, job, models.JobDispatching, func(j *models.Job) {
		j.PaidAt = &paidAt
		j.PaymentProvider = strings.ToLower(provider)
		j.PaymentRef = ref
	}); err != nil {
		if errors.Is(err, apperr.Conflict) {
			return nil, dispatch.Result{}, apperr.New(apperr.KindInvalidState, op, "job %s changed while recording payment", id)
		}
		return nil, dispatch.Result{}, err
	}

	res, err := s.dispatcher.Start(ctx, id)
	if err != nil {
		// The job stays dispatching with no offers; the sweeper issues wave 1.
		s.logger.Error("first dispatch wave failed", "job_id", id, "err", err)
		res = dispatch.Result{Outcome: dispatch.OutcomeWaiting}
	}
	out, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, res, err
	}
	return out, res, nil
}

// Cancel is allowed from every non-terminal status. Pending offers are withdrawn first
// so no driver can accept a cancelled job.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, apperr.New(apperr.KindTerminalState, "jobs.cancel", "job %s is already %s", id, job.Status)
	}

	var out *models.Job
	cancel := func() error {
		cur, err := s.store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		now := s.Now().UTC()
		out, err = s.transition(ctx, cur, models.JobCancelled, func(j *models.Job) {
			j.CancelledAt = &now
			j.CancellationReason = reason
		})
		return err
	}

	for attempt := 1; ; attempt++ {
		if s.dispatcher != nil {
			err = s.dispatcher.WithJobLock(ctx, id, cancel)
		} else {
			err = cancel()
		}
		if err == nil || !errors.Is(err, apperr.Conflict) || attempt == cancelAttempts {
			return out, err
		}
	}
}

// MarkCompleted closes out a started job and records the driver's share of the service price.
func (s *Service) MarkCompleted(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStarted && !job.Status.Terminal() {
		return nil, apperr.New(apperr.KindInvalidTransition, "jobs.mark_completed", "job %s is %s; only started jobs can complete", id, job.Status)
	}
	now := s.Now().UTC()
	driverPay, _ := payout.Amounts(job.ServicePrice, nil, nil)
	return s.transition(ctx, job, models.JobCompleted, func(j *models.Job) {
		j.CompletedAt = &now
		j.DriverPayout = &driverPay
	})
}

// Advance records the assigned driver's progress: en_route, arrived, started.
func (s *Service) Advance(ctx context.Context, id, driverID string, to models.JobStatus) (*models.Job, error) {
	const op = "jobs.advance"
	switch to {
	case models.JobEnRoute, models.JobArrived, models.JobStarted:
	default:
		return nil, apperr.New(apperr.KindBadRequest, op, "status %q cannot be set by a driver", to)
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.AssignedDriverID != driverID {
		return nil, apperr.New(apperr.KindForbidden, op, "driver %s is not assigned to job %s", driverID, id)
	}
	return s.transition(ctx, job, to, nil)
}

func (s *Service) transition(ctx context.Context, job *models.Job, to models.JobStatus, mutate func(*models.Job)) (*models.Job, error) {
	const op = "jobs.transition"
	from := job.Status
	if from.Terminal() {
		return nil, apperr.New(apperr.KindTerminalState, op, "job %s is %s", job.ID, from)
	}
	if !models.CanTransition(from, to) {
		return nil, apperr.New(apperr.KindInvalidTransition, op, "job %s cannot move from %s to %s", job.ID, from, to)
	}
	next := *job
	next.Status = to
	next.UpdatedAt = s.Now().UTC()
	if mutate != nil {
		mutate(&next)
	}
	if err := s.store.UpdateJob(ctx, &next, from); err != nil {
		return nil, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	observability.JobTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	s.events.Emit(ctx, models.Event{Type: models.EventJobTransitioned, JobID: job.ID, From: from, To: to, At: next.UpdatedAt})
	s.logger.Info("job transitioned", "job_id", job.ID, "from", from, "to", to)
	return &next, nil
}
