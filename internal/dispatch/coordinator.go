package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haulkind/dispatch-engine/internal/apperr"
	"github.com/haulkind/dispatch-engine/internal/events"
	"github.com/haulkind/dispatch-engine/internal/models"
	"github.com/haulkind/dispatch-engine/internal/observability"
	"github.com/haulkind/dispatch-engine/internal/storage"
)

const (
	DefaultWaveSize = 3
	DefaultOfferTTL = 2 * time.Minute
)

// Repository is the slice of storage the coordinator works against.
type Repository interface {
	storage.JobRepository
	storage.OfferRepository
	storage.DriverRepository
}

type Config struct {
	WaveSize int
	OfferTTL time.Duration
}

type Outcome string

const (
	// OutcomeOffered means a new wave of offers went out.
	OutcomeOffered Outcome = "offered"
	// OutcomeWaiting means the current wave is still open or already accepted.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeNoCoverage means no unoffered eligible driver was left and the job is now no_coverage.
	OutcomeNoCoverage Outcome = "no_coverage"
	// OutcomeSkipped means the job is no longer dispatching.
	OutcomeSkipped Outcome = "skipped"
)

// Result describes what a dispatch step did.
type Result struct {
	Outcome Outcome           `json:"outcome"`
	Wave    int               `json:"wave,omitempty"`
	Offers  []models.JobOffer `json:"offers,omitempty"`
}

// Coordinator runs the wave protocol. Operations on one job are serialized in process;
// the repository's conditional updates keep replicas honest.
type Coordinator struct {
	store    Repository
	cfg      Config
	Selector CandidateSelector
	Notifier Notifier
	Events   *events.Emitter
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string

	locks jobLocks
}

func NewCoordinator(store Repository, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.WaveSize <= 0 {
		cfg.WaveSize = DefaultWaveSize
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = DefaultOfferTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		cfg:      cfg,
		Selector: SourceOrder{},
		Notifier: NopNotifier{},
		Logger:   logger,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// Start issues the first wave for a job that just entered dispatching.
func (c *Coordinator) Start(ctx context.Context, jobID string) (Result, error) {
	var out outbox
	defer c.send(ctx, &out)
	unlock := c.locks.lock(jobID)
	defer unlock()

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if job.Status != models.JobDispatching {
		return Result{}, apperr.New(apperr.KindInvalidState, "dispatch.start", "job %s is %s, not dispatching", jobID, job.Status)
	}
	return c.advanceLocked(ctx, job, &out)
}

// Advance issues the next wave when the current one is exhausted. It is a no-op for jobs
// that left dispatching or still have an open or accepted offer.
func (c *Coordinator) Advance(ctx context.Context, jobID string) (Result, error) {
	var out outbox
	defer c.send(ctx, &out)
	unlock := c.locks.lock(jobID)
	defer unlock()

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if job.Status != models.JobDispatching {
		return Result{Outcome: OutcomeSkipped}, nil
	}
	return c.advanceLocked(ctx, job, &out)
}

func (c *Coordinator) advanceLocked(ctx context.Context, job *models.Job, out *outbox) (Result, error) {
	now := c.Now()
	offers, err := c.store.ListOffersByJob(ctx, job.ID)
	if err != nil {
		return Result{}, err
	}

	wave := 0
	live := false
	offered := make(map[string]struct{}, len(offers))
	for _, o := range offers {
		offered[o.DriverID] = struct{}{}
		if o.Wave > wave {
			wave = o.Wave
		}
		if o.Status == models.OfferAccepted || o.Open(now) {
			live = true
		}
	}
	if live {
		return Result{Outcome: OutcomeWaiting, Wave: wave}, nil
	}
	for _, o := range offers {
		if o.Status == models.OfferPending {
			c.expire(ctx, o)
		}
	}
	wave++

	eligible, err := c.store.ListEligibleDrivers(ctx)
	if err != nil {
		return Result{}, err
	}
	fresh := make([]*models.Driver, 0, len(eligible))
	for _, d := range eligible {
		if _, seen := offered[d.ID]; !seen {
			fresh = append(fresh, d)
		}
	}
	ranked, err := c.Selector.SelectCandidates(ctx, job, fresh)
	if err != nil {
		c.Logger.Warn("candidate ranking failed, using source order", "job_id", job.ID, "err", err)
		ranked = fresh
	}
	if len(ranked) > c.cfg.WaveSize {
		ranked = ranked[:c.cfg.WaveSize]
	}

	if len(ranked) == 0 {
		return c.noCoverage(ctx, job, now, wave-1, out)
	}

	batch := make([]*models.JobOffer, 0, len(ranked))
	for _, d := range ranked {
		batch = append(batch, &models.JobOffer{
			ID:        c.NewID(),
			JobID:     job.ID,
			DriverID:  d.ID,
			Wave:      wave,
			Status:    models.OfferPending,
			ExpiresAt: now.Add(c.cfg.OfferTTL),
			CreatedAt: now,
		})
	}
	if err := c.store.CreateOffers(ctx, batch); err != nil {
		return Result{}, err
	}

	observability.WavesTotal.Inc()
	observability.OffersCreatedTotal.Add(float64(len(batch)))
	c.Events.Emit(ctx, models.Event{Type: models.EventWaveIssued, JobID: job.ID, Wave: wave, At: now})

	res := Result{Outcome: OutcomeOffered, Wave: wave}
	for _, o := range batch {
		res.Offers = append(res.Offers, *o)
		c.Events.Emit(ctx, models.Event{Type: models.EventOfferCreated, JobID: job.ID, OfferID: o.ID, DriverID: o.DriverID, Wave: wave, At: now})
		expires := o.ExpiresAt
		out.add(Message{Kind: MsgOffer, RecipientID: o.DriverID, JobID: job.ID, OfferID: o.ID, Wave: wave, ExpiresAt: &expires})
	}
	c.Logger.Info("dispatch wave issued", "job_id", job.ID, "wave", wave, "offers", len(batch))
	return res, nil
}

func (c *Coordinator) noCoverage(ctx context.Context, job *models.Job, now time.Time, lastWave int, out *outbox) (Result, error) {
	next := *job
	next.Status = models.JobNoCoverage
	next.UpdatedAt = now
	if err := c.store.UpdateJob(ctx, &next, models.JobDispatching); err != nil {
		return Result{}, err
	}
	observability.NoCoverageTotal.Inc()
	observability.JobTransitionsTotal.WithLabelValues(string(models.JobDispatching), string(models.JobNoCoverage)).Inc()
	c.Events.Emit(ctx, models.Event{Type: models.EventJobTransitioned, JobID: job.ID, From: models.JobDispatching, To: models.JobNoCoverage, At: now})
	c.Events.Emit(ctx, models.Event{Type: models.EventNoCoverage, JobID: job.ID, Wave: lastWave, At: now})
	out.add(Message{Kind: MsgNoCoverage, RecipientID: job.CustomerID, JobID: job.ID})
	c.Logger.Info("job has no coverage", "job_id", job.ID, "waves", lastWave)
	return Result{Outcome: OutcomeNoCoverage, Wave: lastWave}, nil
}

// Accept resolves the race for a job in favour of the first driver whose accept lands.
// Losers, expired offers and offers of jobs no longer dispatching get OfferUnavailable.
func (c *Coordinator) Accept(ctx context.Context, offerID, driverID string) (*storage.Acceptance, error) {
	const op = "dispatch.accept"
	o, err := c.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	var out outbox
	defer c.send(ctx, &out)
	unlock := c.locks.lock(o.JobID)
	defer unlock()

	if o, err = c.store.GetOffer(ctx, offerID); err != nil {
		return nil, err
	}
	if o.DriverID != driverID {
		return nil, apperr.New(apperr.KindForbidden, op, "offer %s belongs to another driver", offerID)
	}
	now := c.Now()
	if o.Status != models.OfferPending {
		return nil, apperr.New(apperr.KindOfferUnavailable, op, "offer %s is %s", offerID, o.Status)
	}
	if !o.Open(now) {
		c.expire(ctx, o)
		c.advanceAfterResponse(ctx, o.JobID, &out)
		return nil, apperr.New(apperr.KindOfferUnavailable, op, "offer %s expired at %s", offerID, o.ExpiresAt.Format(time.RFC3339))
	}

	res, err := c.store.AcceptOffer(ctx, offerID, now)
	if err != nil {
		return nil, err
	}

	observability.OffersResolvedTotal.WithLabelValues(string(models.OfferAccepted)).Inc()
	observability.AcceptLatency.Observe(now.Sub(o.CreatedAt).Seconds())
	observability.JobTransitionsTotal.WithLabelValues(string(models.JobDispatching), string(models.JobAssigned)).Inc()
	c.Events.Emit(ctx, models.Event{Type: models.EventOfferAccepted, JobID: o.JobID, OfferID: o.ID, DriverID: driverID, Wave: o.Wave, At: now})
	for _, s := range res.Superseded {
		observability.OffersResolvedTotal.WithLabelValues(string(models.OfferExpired)).Inc()
		c.Events.Emit(ctx, models.Event{Type: models.EventOfferExpired, JobID: s.JobID, OfferID: s.ID, DriverID: s.DriverID, Wave: s.Wave, At: now})
		out.add(Message{Kind: MsgOfferWithdrawn, RecipientID: s.DriverID, JobID: s.JobID, OfferID: s.ID})
	}
	c.Events.Emit(ctx, models.Event{Type: models.EventJobTransitioned, JobID: o.JobID, DriverID: driverID, From: models.JobDispatching, To: models.JobAssigned, At: now})

	out.add(Message{Kind: MsgAssigned, RecipientID: driverID, JobID: o.JobID, OfferID: o.ID})
	out.add(Message{Kind: MsgDriverAssigned, RecipientID: res.Job.CustomerID, JobID: o.JobID, DriverID: driverID})
	c.Logger.Info("offer accepted", "job_id", o.JobID, "offer_id", o.ID, "driver_id", driverID, "wave", o.Wave)
	return res, nil
}

// Decline rejects a pending offer. If that exhausts the wave the next one goes out at once.
func (c *Coordinator) Decline(ctx context.Context, offerID, driverID string) (*models.JobOffer, error) {
	const op = "dispatch.decline"
	o, err := c.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	var out outbox
	defer c.send(ctx, &out)
	unlock := c.locks.lock(o.JobID)
	defer unlock()

	if o, err = c.store.GetOffer(ctx, offerID); err != nil {
		return nil, err
	}
	if o.DriverID != driverID {
		return nil, apperr.New(apperr.KindForbidden, op, "offer %s belongs to another driver", offerID)
	}
	now := c.Now()
	if o.Status != models.OfferPending {
		return nil, apperr.New(apperr.KindOfferUnavailable, op, "offer %s is %s", offerID, o.Status)
	}
	if !o.Open(now) {
		c.expire(ctx, o)
		c.advanceAfterResponse(ctx, o.JobID, &out)
		return nil, apperr.New(apperr.KindOfferUnavailable, op, "offer %s expired", offerID)
	}

	rejected, err := c.store.RejectOffer(ctx, offerID, now)
	if err != nil {
		return nil, err
	}
	observability.OffersResolvedTotal.WithLabelValues(string(models.OfferRejected)).Inc()
	c.Events.Emit(ctx, models.Event{Type: models.EventOfferRejected, JobID: o.JobID, OfferID: o.ID, DriverID: driverID, Wave: o.Wave, At: now})
	c.advanceAfterResponse(ctx, o.JobID, &out)
	return rejected, nil
}

// advanceAfterResponse moves a job to its next wave while the job lock is held.
// Failures are left for the sweeper.
func (c *Coordinator) advanceAfterResponse(ctx context.Context, jobID string, out *outbox) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil || job.Status != models.JobDispatching {
		return
	}
	if _, err := c.advanceLocked(ctx, job, out); err != nil {
		c.Logger.Warn("advance after response failed", "job_id", jobID, "err", err)
	}
}

// Invalidate expires every pending offer of a job. Called before cancelling it.
func (c *Coordinator) Invalidate(ctx context.Context, jobID string) (int, error) {
	var out outbox
	defer c.send(ctx, &out)
	unlock := c.locks.lock(jobID)
	defer unlock()
	return c.invalidateLocked(ctx, jobID, &out)
}

// WithJobLock runs fn while holding the job's dispatch lock, after expiring its pending
// offers. fn sees a job no wave can be issued for or accepted on concurrently.
func (c *Coordinator) WithJobLock(ctx context.Context, jobID string, fn func() error) error {
	var out outbox
	defer c.send(ctx, &out)
	unlock := c.locks.lock(jobID)
	defer unlock()
	if _, err := c.invalidateLocked(ctx, jobID, &out); err != nil {
		return err
	}
	return fn()
}

func (c *Coordinator) invalidateLocked(ctx context.Context, jobID string, out *outbox) (int, error) {
	expired, err := c.store.ExpirePendingOffers(ctx, jobID)
	if err != nil {
		return 0, err
	}
	now := c.Now()
	for _, o := range expired {
		observability.OffersResolvedTotal.WithLabelValues(string(models.OfferExpired)).Inc()
		c.Events.Emit(ctx, models.Event{Type: models.EventOfferExpired, JobID: jobID, OfferID: o.ID, DriverID: o.DriverID, Wave: o.Wave, At: now})
		out.add(Message{Kind: MsgOfferWithdrawn, RecipientID: o.DriverID, JobID: jobID, OfferID: o.ID})
	}
	return len(expired), nil
}

// ExpireDue expires every overdue pending offer and returns the affected job ids.
func (c *Coordinator) ExpireDue(ctx context.Context) ([]string, error) {
	now := c.Now()
	expired, err := c.store.ExpireDueOffers(ctx, now)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var jobs []string
	for _, o := range expired {
		observability.OffersResolvedTotal.WithLabelValues(string(models.OfferExpired)).Inc()
		c.Events.Emit(ctx, models.Event{Type: models.EventOfferExpired, JobID: o.JobID, OfferID: o.ID, DriverID: o.DriverID, Wave: o.Wave, At: now})
		if _, ok := seen[o.JobID]; !ok {
			seen[o.JobID] = struct{}{}
			jobs = append(jobs, o.JobID)
		}
	}
	return jobs, nil
}

// PendingOffers lists the offers a driver can still answer.
func (c *Coordinator) PendingOffers(ctx context.Context, driverID string) ([]*models.JobOffer, error) {
	return c.store.ListOpenOffersByDriver(ctx, driverID, c.Now())
}

func (c *Coordinator) expire(ctx context.Context, o *models.JobOffer) {
	now := c.Now()
	ok, err := c.store.ExpireOffer(ctx, o.ID)
	if err != nil {
		c.Logger.Warn("expire offer failed", "job_id", o.JobID, "offer_id", o.ID, "err", err)
		return
	}
	if ok {
		observability.OffersResolvedTotal.WithLabelValues(string(models.OfferExpired)).Inc()
		c.Events.Emit(ctx, models.Event{Type: models.EventOfferExpired, JobID: o.JobID, OfferID: o.ID, DriverID: o.DriverID, Wave: o.Wave, At: now})
	}
}

// outbox holds messages produced under a job lock. They are sent once the lock is released.
type outbox []Message

func (b *outbox) add(msg Message) {
	if msg.RecipientID != "" {
		*b = append(*b, msg)
	}
}

func (c *Coordinator) send(ctx context.Context, b *outbox) {
	if c.Notifier == nil {
		return
	}
	for _, msg := range *b {
		if err := c.Notifier.Notify(ctx, msg); err != nil {
			logNotifyFailure(ctx, c.Logger, msg, err)
		}
	}
}

func logNotifyFailure(ctx context.Context, logger *slog.Logger, msg Message, err error) {
	observability.NotifyFailuresTotal.Inc()
	level := slog.LevelWarn
	if errors.Is(err, ErrNoSession) {
		level = slog.LevelDebug
	}
	logger.Log(ctx, level, "notification failed", "kind", msg.Kind, "job_id", msg.JobID,
		"offer_id", msg.OfferID, "recipient_id", msg.RecipientID, "err", err)
}

// jobLocks hands out one mutex per job id and forgets it once nobody holds it.
type jobLocks struct {
	mu sync.Mutex
	m  map[string]*jobLock
}

type jobLock struct {
	sync.Mutex
	refs int
}

func (l *jobLocks) lock(id string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*jobLock)
	}
	jl, ok := l.m[id]
	if !ok {
		jl = &jobLock{}
		l.m[id] = jl
	}
	jl.refs++
	l.mu.Unlock()

	jl.Lock()
	return func() {
		jl.Unlock()
		l.mu.Lock()
		jl.refs--
		if jl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
