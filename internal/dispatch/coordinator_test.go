package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haulkind/dispatch-engine/internal/apperr"
	"github.com/haulkind/dispatch-engine/internal/events"
	"github.com/haulkind/dispatch-engine/internal/logging"
	"github.com/haulkind/dispatch-engine/internal/models"
	"github.com/haulkind/dispatch-engine/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return r.err
}

func (r *recordingNotifier) kinds(kind MessageKind) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	coord  *Coordinator
	store  *storage.MemoryStore
	clock  *clock
	notes  *recordingNotifier
	events *events.MemorySink
}

func newFixture(t *testing.T, drivers int) *fixture {
	t.Helper()
	f := &fixture{
		store:  storage.NewMemoryStore(),
		clock:  &clock{t: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)},
		notes:  &recordingNotifier{},
		events: events.NewMemorySink(0),
	}
	for i := 1; i <= drivers; i++ {
		d := &models.Driver{ID: fmt.Sprintf("d%d", i), Status: models.DriverApproved, Online: true, Rating: 5}
		if err := f.store.UpsertDriver(context.Background(), d); err != nil {
			t.Fatal(err)
		}
	}
	var seq atomic.Int64
	f.coord = NewCoordinator(f.store, Config{WaveSize: 3, OfferTTL: 2 * time.Minute}, logging.Discard())
	f.coord.Now = f.clock.Now
	f.coord.NewID = func() string { return fmt.Sprintf("o%d", seq.Add(1)) }
	f.coord.Notifier = f.notes
	f.coord.Events = events.NewEmitter(f.events, logging.Discard())
	return f
}

func (f *fixture) job(t *testing.T, id string) {
	t.Helper()
	j := &models.Job{ID: id, CustomerID: "c1", Status: models.JobDispatching, CreatedAt: f.clock.Now()}
	if err := f.store.CreateJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) status(t *testing.T, id string) models.JobStatus {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return j.Status
}

func (f *fixture) offers(t *testing.T, jobID string) []*models.JobOffer {
	t.Helper()
	o, err := f.store.ListOffersByJob(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func countStatus(offers []*models.JobOffer, s models.OfferStatus) int {
	n := 0
	for _, o := range offers {
		if o.Status == s {
			n++
		}
	}
	return n
}

func TestStartWithoutDriversIsNoCoverage(t *testing.T) {
	f := newFixture(t, 0)
	f.job(t, "j1")

	res, err := f.coord.Start(context.Background(), "j1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNoCoverage {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if got := f.status(t, "j1"); got != models.JobNoCoverage {
		t.Fatalf("status = %s", got)
	}
	if n := len(f.offers(t, "j1")); n != 0 {
		t.Fatalf("expected zero offers, got %d", n)
	}
	if len(f.notes.kinds(MsgNoCoverage)) != 1 {
		t.Fatal("customer should be told about no coverage")
	}
}

func TestStartIssuesFirstWaveInSourceOrder(t *testing.T) {
	f := newFixture(t, 5)
	f.job(t, "j1")

	res, err := f.coord.Start(context.Background(), "j1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeOffered || res.Wave != 1 || len(res.Offers) != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	for i, o := range res.Offers {
		if o.DriverID != fmt.Sprintf("d%d", i+1) {
			t.Errorf("offer %d went to %s", i, o.DriverID)
		}
		if !o.ExpiresAt.Equal(f.clock.Now().Add(2*time.Minute)) || o.Status != models.OfferPending {
			t.Errorf("offer %+v has wrong deadline or status", o)
		}
	}
	if len(f.notes.kinds(MsgOffer)) != 3 {
		t.Fatal("each candidate should be notified")
	}
}

func TestStartRejectsJobNotDispatching(t *testing.T) {
	f := newFixture(t, 1)
	_ = f.store.CreateJob(context.Background(), &models.Job{ID: "j1", Status: models.JobDraft})
	if _, err := f.coord.Start(context.Background(), "j1"); !errors.Is(err, apperr.InvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestAcceptSupersedesSiblings(t *testing.T) {
	f := newFixture(t, 3)
	f.job(t, "j1")
	res, _ := f.coord.Start(context.Background(), "j1")
	a, b := res.Offers[0], res.Offers[1]

	acc, err := f.coord.Accept(context.Background(), a.ID, a.DriverID)
	if err != nil {
		t.Fatal(err)
	}
	if acc.Job.Status != models.JobAssigned || acc.Assignment.DriverID != a.DriverID {
		t.Fatalf("unexpected acceptance %+v", acc)
	}
	got, _ := f.store.GetOffer(context.Background(), b.ID)
	if got.Status == models.OfferPending {
		t.Fatal("sibling offer still pending after acceptance")
	}
	if _, err := f.coord.Accept(context.Background(), b.ID, b.DriverID); !errors.Is(err, apperr.OfferUnavailable) {
		t.Fatalf("late accept should be unavailable, got %v", err)
	}
	if len(f.notes.kinds(MsgDriverAssigned)) != 1 {
		t.Fatal("customer should be told who was assigned")
	}
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	f := newFixture(t, 3)
	f.job(t, "j1")
	res, _ := f.coord.Start(context.Background(), "j1")

	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		losses atomic.Int32
	)
	for _, o := range res.Offers {
		wg.Add(1)
		go func(o models.JobOffer) {
			defer wg.Done()
			_, err := f.coord.Accept(context.Background(), o.ID, o.DriverID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, apperr.OfferUnavailable):
				losses.Add(1)
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(o)
	}
	wg.Wait()
	if wins.Load() != 1 || losses.Load() != 2 {
		t.Fatalf("wins=%d losses=%d", wins.Load(), losses.Load())
	}
	if n := countStatus(f.offers(t, "j1"), models.OfferAccepted); n != 1 {
		t.Fatalf("accepted offers = %d", n)
	}
}

func TestExpiredOfferCannotBeAcceptedBeforeSweep(t *testing.T) {
	f := newFixture(t, 3)
	f.job(t, "j1")
	res, _ := f.coord.Start(context.Background(), "j1")
	f.clock.Advance(2*time.Minute + time.Second)

	o := res.Offers[0]
	if _, err := f.coord.Accept(context.Background(), o.ID, o.DriverID); !errors.Is(err, apperr.OfferUnavailable) {
		t.Fatalf("expected offer unavailable, got %v", err)
	}
	got, _ := f.store.GetOffer(context.Background(), o.ID)
	if got.Status != models.OfferExpired {
		t.Fatalf("offer status = %s", got.Status)
	}
	if f.status(t, "j1") != models.JobNoCoverage {
		t.Fatalf("with every driver offered, the expired wave should end in no_coverage, got %s", f.status(t, "j1"))
	}
}

func TestAcceptByOtherDriverIsForbidden(t *testing.T) {
	f := newFixture(t, 2)
	f.job(t, "j1")
	res, _ := f.coord.Start(context.Background(), "j1")
	if _, err := f.coord.Accept(context.Background(), res.Offers[0].ID, "d2"); !errors.Is(err, apperr.Forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.coord.Accept(context.Background(), "nope", "d1"); !errors.Is(err, apperr.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeclinesMoveToNextWaveThenNoCoverage(t *testing.T) {
	f := newFixture(t, 5)
	f.job(t, "j1")
	ctx := context.Background()
	res, _ := f.coord.Start(ctx, "j1")

	for _, o := range res.Offers {
		rejected, err := f.coord.Decline(ctx, o.ID, o.DriverID)
		if err != nil {
			t.Fatal(err)
		}
		if rejected.Status != models.OfferRejected || rejected.RespondedAt == nil {
			t.Fatalf("declined offer = %+v", rejected)
		}
	}

	var wave2 []*models.JobOffer
	for _, o := range f.offers(t, "j1") {
		if o.Wave == 2 {
			wave2 = append(wave2, o)
		}
	}
	if len(wave2) != 2 || wave2[0].DriverID != "d4" || wave2[1].DriverID != "d5" {
		t.Fatalf("wave 2 should go to d4 and d5 only, got %+v", wave2)
	}

	for _, o := range wave2 {
		if _, err := f.coord.Decline(ctx, o.ID, o.DriverID); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.status(t, "j1"); got != models.JobNoCoverage {
		t.Fatalf("status after exhausting drivers = %s", got)
	}
	if _, err := f.coord.Decline(ctx, wave2[0].ID, wave2[0].DriverID); !errors.Is(err, apperr.OfferUnavailable) {
		t.Fatalf("second decline should be unavailable, got %v", err)
	}
}

func TestPartialDeclineKeepsWaveOpen(t *testing.T) {
	f := newFixture(t, 5)
	f.job(t, "j1")
	ctx := context.Background()
	res, _ := f.coord.Start(ctx, "j1")
	if _, err := f.coord.Decline(ctx, res.Offers[0].ID, res.Offers[0].DriverID); err != nil {
		t.Fatal(err)
	}
	if n := len(f.offers(t, "j1")); n != 3 {
		t.Fatalf("no new wave while offers are open, got %d offers", n)
	}
}

func TestSweepExpiresAndIssuesNextWave(t *testing.T) {
	f := newFixture(t, 4)
	f.job(t, "j1")
	ctx := context.Background()
	_, _ = f.coord.Start(ctx, "j1")
	sw := &Sweeper{Coordinator: f.coord, Jobs: f.store, Logger: logging.Discard()}

	stats, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats != (SweepStats{}) {
		t.Fatalf("nothing due yet, got %+v", stats)
	}

	f.clock.Advance(2 * time.Minute)
	stats, err = sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// three offers expired, all on one job
	if stats.JobsWithExpired != 1 || stats.Waves != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	offers := f.offers(t, "j1")
	if countStatus(offers, models.OfferExpired) != 3 || countStatus(offers, models.OfferPending) != 1 {
		t.Fatalf("unexpected offers after sweep: %d total", len(offers))
	}
	if last := offers[len(offers)-1]; last.DriverID != "d4" || last.Wave != 2 {
		t.Fatalf("wave 2 offer = %+v", last)
	}

	f.clock.Advance(2 * time.Minute)
	stats, _ = sw.Sweep(ctx)
	if stats.NoCoverage != 1 || f.status(t, "j1") != models.JobNoCoverage {
		t.Fatalf("exhausted job should be no_coverage, stats=%+v", stats)
	}
}

func TestSweepPicksUpJobsWithoutOffers(t *testing.T) {
	f := newFixture(t, 1)
	f.job(t, "j1")
	sw := &Sweeper{Coordinator: f.coord, Jobs: f.store, Logger: logging.Discard()}
	stats, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waves != 1 || len(f.offers(t, "j1")) != 1 {
		t.Fatalf("stranded dispatching job should get wave 1, stats=%+v", stats)
	}
}

func TestInvalidateExpiresAllPendingOffers(t *testing.T) {
	f := newFixture(t, 3)
	f.job(t, "j1")
	ctx := context.Background()
	res, _ := f.coord.Start(ctx, "j1")

	n, err := f.coord.Invalidate(ctx, "j1")
	if err != nil || n != 3 {
		t.Fatalf("Invalidate = %d, %v", n, err)
	}
	if countStatus(f.offers(t, "j1"), models.OfferPending) != 0 {
		t.Fatal("pending offers remain")
	}
	if _, err := f.coord.Accept(ctx, res.Offers[0].ID, res.Offers[0].DriverID); !errors.Is(err, apperr.OfferUnavailable) {
		t.Fatalf("invalidated offer should be unavailable, got %v", err)
	}
	if len(f.notes.kinds(MsgOfferWithdrawn)) != 3 {
		t.Fatal("drivers should be told their offers were withdrawn")
	}
}

func TestNotificationFailureDoesNotFailDispatch(t *testing.T) {
	f := newFixture(t, 2)
	f.notes.err = errors.New("gateway down")
	f.job(t, "j1")
	ctx := context.Background()

	res, err := f.coord.Start(ctx, "j1")
	if err != nil || res.Outcome != OutcomeOffered {
		t.Fatalf("Start = %+v, %v", res, err)
	}
	if _, err := f.coord.Accept(ctx, res.Offers[0].ID, res.Offers[0].DriverID); err != nil {
		t.Fatalf("accept should succeed despite notification failure: %v", err)
	}
	if f.status(t, "j1") != models.JobAssigned {
		t.Fatal("job should be assigned")
	}
}

func TestDriverGoingOfflineKeepsIssuedOffer(t *testing.T) {
	f := newFixture(t, 1)
	f.job(t, "j1")
	ctx := context.Background()
	res, _ := f.coord.Start(ctx, "j1")
	if _, err := f.store.SetDriverOnline(ctx, "d1", false, f.clock.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Accept(ctx, res.Offers[0].ID, "d1"); err != nil {
		t.Fatalf("offline driver should still be able to accept an issued offer: %v", err)
	}
}

func TestEventsRecordedForWaveAndAcceptance(t *testing.T) {
	f := newFixture(t, 2)
	f.job(t, "j1")
	ctx := context.Background()
	res, _ := f.coord.Start(ctx, "j1")
	_, _ = f.coord.Accept(ctx, res.Offers[1].ID, res.Offers[1].DriverID)

	count := map[models.EventType]int{}
	for _, e := range f.events.ForJob("j1") {
		count[e.Type]++
	}
	if count[models.EventWaveIssued] != 1 || count[models.EventOfferCreated] != 2 ||
		count[models.EventOfferAccepted] != 1 || count[models.EventOfferExpired] != 1 ||
		count[models.EventJobTransitioned] != 1 {
		t.Fatalf("event counts = %v", count)
	}
}

func TestPendingOffersForDriver(t *testing.T) {
	f := newFixture(t, 1)
	f.job(t, "j1")
	f.job(t, "j2")
	ctx := context.Background()
	_, _ = f.coord.Start(ctx, "j1")
	_, _ = f.coord.Start(ctx, "j2")

	got, err := f.coord.PendingOffers(ctx, "d1")
	if err != nil || len(got) != 2 {
		t.Fatalf("PendingOffers = %d, %v", len(got), err)
	}
	f.clock.Advance(3 * time.Minute)
	if got, _ := f.coord.PendingOffers(ctx, "d1"); len(got) != 0 {
		t.Fatalf("expired offers should not be listed, got %d", len(got))
	}
}

// advancingNotifier re-enters the coordinator for the job it is told about.
type advancingNotifier struct {
	coord    *Coordinator
	mu       sync.Mutex
	outcomes []Outcome
}

func (n *advancingNotifier) Notify(ctx context.Context, m Message) error {
	if m.Kind != MsgOffer {
		return nil
	}
	res, err := n.coord.Advance(ctx, m.JobID)
	n.mu.Lock()
	n.outcomes = append(n.outcomes, res.Outcome)
	n.mu.Unlock()
	return err
}

func TestNotificationsSentAfterJobLockReleased(t *testing.T) {
	f := newFixture(t, 3)
	f.job(t, "j1")
	n := &advancingNotifier{coord: f.coord}
	f.coord.Notifier = n

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Start(context.Background(), "j1")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start held the job lock while notifying")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.outcomes) != 3 {
		t.Fatalf("notified %d drivers, want 3", len(n.outcomes))
	}
	for _, o := range n.outcomes {
		if o != OutcomeWaiting {
			t.Fatalf("re-entrant advance outcome = %s, want waiting", o)
		}
	}
}

func TestExpiredOfferEventsUseCoordinatorClock(t *testing.T) {
	f := newFixture(t, 2)
	f.job(t, "j1")
	ctx := context.Background()
	res, _ := f.coord.Start(ctx, "j1")

	f.clock.Advance(3 * time.Minute)
	if _, err := f.coord.Accept(ctx, res.Offers[0].ID, res.Offers[0].DriverID); !errors.Is(err, apperr.OfferUnavailable) {
		t.Fatalf("err = %v, want OfferUnavailable", err)
	}

	want := f.clock.Now()
	expired := 0
	for _, e := range f.events.ForJob("j1") {
		if e.Type != models.EventOfferExpired {
			continue
		}
		expired++
		if !e.At.Equal(want) {
			t.Errorf("offer %s expired at %s, want %s", e.OfferID, e.At, want)
		}
	}
	if expired != 2 {
		t.Fatalf("expired events = %d, want 2", expired)
	}
}
