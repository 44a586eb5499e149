package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haulkind/dispatch-engine/internal/apperr"
	"github.com/haulkind/dispatch-engine/internal/models"
)

// MemoryStore implements Store in process memory. A single mutex makes every
// conditional update atomic. Values are copied in and out so callers never share state.
type MemoryStore struct {
	mu sync.RWMutex

	jobs        map[string]*models.Job
	offers      map[string]*models.JobOffer
	offerOrder  []string
	assignments map[string]*models.JobAssignment
	drivers     map[string]*models.Driver
	driverOrder []string
	payouts     map[string]*models.Payout
	payoutOrder []string
	payoutByJob map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*models.Job),
		offers:      make(map[string]*models.JobOffer),
		assignments: make(map[string]*models.JobAssignment),
		drivers:     make(map[string]*models.Driver),
		payouts:     make(map[string]*models.Payout),
		payoutByJob: make(map[string]string),
	}
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.LineItems = append([]models.LineItem(nil), j.LineItems...)
	return &c
}

func cloneOffer(o *models.JobOffer) *models.JobOffer {
	c := *o
	return &c
}

func (m *MemoryStore) CreateJob(_ context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return apperr.New(apperr.KindConflict, "storage.create_job", "job %s already exists", j.ID)
	}
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "storage.get_job", "job %s not found", id)
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, j *models.Job, expected models.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "storage.update_job", "job %s not found", j.ID)
	}
	if cur.Status != expected {
		return apperr.New(apperr.KindConflict, "storage.update_job", "job %s is %s, expected %s", j.ID, cur.Status, expected)
	}
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *MemoryStore) ListJobsByStatus(_ context.Context, status models.JobStatus) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateOffers(_ context.Context, offers []*models.JobOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range offers {
		if _, ok := m.offers[o.ID]; ok {
			return apperr.New(apperr.KindConflict, "storage.create_offers", "offer %s already exists", o.ID)
		}
		for _, id := range m.offerOrder {
			prev := m.offers[id]
			if prev.JobID == o.JobID && prev.DriverID == o.DriverID {
				return apperr.New(apperr.KindConflict, "storage.create_offers", "driver %s already offered job %s", o.DriverID, o.JobID)
			}
		}
	}
	for _, o := range offers {
		m.offers[o.ID] = cloneOffer(o)
		m.offerOrder = append(m.offerOrder, o.ID)
	}
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.JobOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "storage.get_offer", "offer %s not found", id)
	}
	return cloneOffer(o), nil
}

func (m *MemoryStore) ListOffersByJob(_ context.Context, jobID string) ([]*models.JobOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.JobOffer
	for _, id := range m.offerOrder {
		if o := m.offers[id]; o.JobID == jobID {
			out = append(out, cloneOffer(o))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListOpenOffersByDriver(_ context.Context, driverID string, now time.Time) ([]*models.JobOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.JobOffer
	for _, id := range m.offerOrder {
		if o := m.offers[id]; o.DriverID == driverID && o.Open(now) {
			out = append(out, cloneOffer(o))
		}
	}
	return out, nil
}

func (m *MemoryStore) AcceptOffer(_ context.Context, offerID string, now time.Time) (*Acceptance, error) {
	const op = "storage.accept_offer"
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[offerID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, op, "offer %s not found", offerID)
	}
	if !o.Open(now) {
		return nil, apperr.New(apperr.KindOfferUnavailable, op, "offer %s is %s", offerID, o.Status)
	}
	j, ok := m.jobs[o.JobID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, op, "job %s not found", o.JobID)
	}
	if j.Status != models.JobDispatching {
		return nil, apperr.New(apperr.KindOfferUnavailable, op, "job %s is %s", j.ID, j.Status)
	}
	for _, id := range m.offerOrder {
		if s := m.offers[id]; s.JobID == o.JobID && s.Status == models.OfferAccepted {
			return nil, apperr.New(apperr.KindOfferUnavailable, op, "job %s already accepted", j.ID)
		}
	}

	res := &Acceptance{}
	respondedAt := now
	o.Status = models.OfferAccepted
	o.RespondedAt = &respondedAt
	res.Offer = *o

	for _, id := range m.offerOrder {
		s := m.offers[id]
		if s.JobID == o.JobID && s.ID != o.ID && s.Status == models.OfferPending {
			s.Status = models.OfferExpired
			res.Superseded = append(res.Superseded, *s)
		}
	}

	a := &models.JobAssignment{JobID: j.ID, DriverID: o.DriverID, OfferID: o.ID, AssignedAt: now}
	m.assignments[j.ID] = a
	res.Assignment = *a

	j.Status = models.JobAssigned
	j.AssignedDriverID = o.DriverID
	j.UpdatedAt = now
	res.Job = *cloneJob(j)
	return res, nil
}

func (m *MemoryStore) RejectOffer(_ context.Context, offerID string, now time.Time) (*models.JobOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "storage.reject_offer", "offer %s not found", offerID)
	}
	if !o.Open(now) {
		return nil, apperr.New(apperr.KindOfferUnavailable, "storage.reject_offer", "offer %s is %s", offerID, o.Status)
	}
	respondedAt := now
	o.Status = models.OfferRejected
	o.RespondedAt = &respondedAt
	return cloneOffer(o), nil
}

func (m *MemoryStore) ExpireOffer(_ context.Context, offerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return false, apperr.New(apperr.KindNotFound, "storage.expire_offer", "offer %s not found", offerID)
	}
	if o.Status != models.OfferPending {
		return false, nil
	}
	o.Status = models.OfferExpired
	return true, nil
}

func (m *MemoryStore) ExpireDueOffers(_ context.Context, now time.Time) ([]*models.JobOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.JobOffer
	for _, id := range m.offerOrder {
		o := m.offers[id]
		if o.Status == models.OfferPending && !now.Before(o.ExpiresAt) {
			o.Status = models.OfferExpired
			out = append(out, cloneOffer(o))
		}
	}
	return out, nil
}

func (m *MemoryStore) ExpirePendingOffers(_ context.Context, jobID string) ([]*models.JobOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.JobOffer
	for _, id := range m.offerOrder {
		o := m.offers[id]
		if o.JobID == jobID && o.Status == models.OfferPending {
			o.Status = models.OfferExpired
			out = append(out, cloneOffer(o))
		}
	}
	return out, nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, jobID string) (*models.JobAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[jobID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "storage.get_assignment", "job %s has no assignment", jobID)
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) UpsertDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; !ok {
		m.driverOrder = append(m.driverOrder, d.ID)
	}
	c := *d
	m.drivers[d.ID] = &c
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "storage.get_driver", "driver %s not found", id)
	}
	c := *d
	return &c, nil
}

func (m *MemoryStore) ListEligibleDrivers(_ context.Context) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Driver
	for _, id := range m.driverOrder {
		if d := m.drivers[id]; d.Eligible() {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetDriverOnline(_ context.Context, id string, online bool, at time.Time) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "storage.set_driver_online", "driver %s not found", id)
	}
	d.Online = online
	d.UpdatedAt = at
	c := *d
	return &c, nil
}

func (m *MemoryStore) CreatePayout(_ context.Context, p *models.Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payoutByJob[p.JobID]; ok {
		return apperr.New(apperr.KindConflict, "storage.create_payout", "job %s already has a payout", p.JobID)
	}
	c := *p
	m.payouts[p.ID] = &c
	m.payoutByJob[p.JobID] = p.ID
	m.payoutOrder = append(m.payoutOrder, p.ID)
	return nil
}

func (m *MemoryStore) GetPayout(_ context.Context, id string) (*models.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payouts[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "storage.get_payout", "payout %s not found", id)
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) GetPayoutByJob(_ context.Context, jobID string) (*models.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.payoutByJob[jobID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "storage.get_payout_by_job", "job %s has no payout", jobID)
	}
	c := *m.payouts[id]
	return &c, nil
}

func (m *MemoryStore) ListPayouts(_ context.Context, status models.PayoutStatus) ([]*models.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Payout
	for _, id := range m.payoutOrder {
		p := m.payouts[id]
		if status == "" || p.Status == status {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkPayoutPaid(_ context.Context, id string, at time.Time) (*models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "storage.mark_payout_paid", "payout %s not found", id)
	}
	if p.Status != models.PayoutPaid {
		paidAt := at
		p.Status = models.PayoutPaid
		p.PaidAt = &paidAt
	}
	c := *p
	return &c, nil
}

var _ Store = (*MemoryStore)(nil)
