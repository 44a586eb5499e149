package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/haulkind/dispatch-engine/internal/apperr"
	"github.com/haulkind/dispatch-engine/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// PostgresStore implements Store on Postgres through database/sql and lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

const jobColumns = `id, customer_id, service_area_id, service_type, status, contact, pickup, volume_tier,
	hours, distance_miles, line_items, service_price, disposal_cap, platform_fee, total, driver_payout,
	payment_provider, payment_ref, paid_at, scheduled_for, completed_at, cancelled_at,
	cancellation_reason, assigned_driver_id, created_at, updated_at`

func scanJob(s scanner) (*models.Job, error) {
	var (
		j                                           models.Job
		contact, pickup, items                      []byte
		disposalCap, driverPayout                   sql.NullFloat64
		paidAt, scheduledFor, completedAt, cancelAt sql.NullTime
	)
	err := s.Scan(&j.ID, &j.CustomerID, &j.ServiceAreaID, &j.ServiceType, &j.Status, &contact, &pickup,
		&j.VolumeTier, &j.Hours, &j.DistanceMiles, &items, &j.ServicePrice, &disposalCap, &j.PlatformFee,
		&j.Total, &driverPayout, &j.PaymentProvider, &j.PaymentRef, &paidAt, &scheduledFor, &completedAt,
		&cancelAt, &j.CancellationReason, &j.AssignedDriverID, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contact, &j.Contact); err != nil {
		return nil, fmt.Errorf("decode contact: %w", err)
	}
	if err := json.Unmarshal(pickup, &j.Pickup); err != nil {
		return nil, fmt.Errorf("decode pickup: %w", err)
	}
	if err := json.Unmarshal(items, &j.LineItems); err != nil {
		return nil, fmt.Errorf("decode line items: %w", err)
	}
	j.DisposalCap = nullFloat(disposalCap)
	j.DriverPayout = nullFloat(driverPayout)
	j.PaidAt = nullTime(paidAt)
	j.ScheduledFor = nullTime(scheduledFor)
	j.CompletedAt = nullTime(completedAt)
	j.CancelledAt = nullTime(cancelAt)
	return &j, nil
}

func jobDocs(j *models.Job) (contact, pickup, items string, err error) {
	c, err := json.Marshal(j.Contact)
	if err != nil {
		return "", "", "", err
	}
	pk, err := json.Marshal(j.Pickup)
	if err != nil {
		return "", "", "", err
	}
	li := j.LineItems
	if li == nil {
		li = []models.LineItem{}
	}
	it, err := json.Marshal(li)
	if err != nil {
		return "", "", "", err
	}
	return string(c), string(pk), string(it), nil
}

func (p *PostgresStore) CreateJob(ctx context.Context, j *models.Job) error {
	contact, pickup, items, err := jobDocs(j)
	if err != nil {
		return fmt.Errorf("create job: encode: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		j.ID, j.CustomerID, j.ServiceAreaID, j.ServiceType, j.Status, contact, pickup, j.VolumeTier,
		j.Hours, j.DistanceMiles, items, j.ServicePrice, j.DisposalCap, j.PlatformFee, j.Total, j.DriverPayout,
		j.PaymentProvider, j.PaymentRef, j.PaidAt, j.ScheduledFor, j.CompletedAt, j.CancelledAt,
		j.CancellationReason, j.AssignedDriverID, j.CreatedAt, j.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "storage.create_job", "job %s already exists", j.ID)
	}
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "storage.get_job", "job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (p *PostgresStore) UpdateJob(ctx context.Context, j *models.Job, expected models.JobStatus) error {
	contact, pickup, items, err := jobDocs(j)
	if err != nil {
		return fmt.Errorf("update job: encode: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE jobs SET
		status=$2, contact=$3, pickup=$4, line_items=$5, service_price=$6, disposal_cap=$7, platform_fee=$8,
		total=$9, driver_payout=$10, payment_provider=$11, payment_ref=$12, paid_at=$13, scheduled_for=$14,
		completed_at=$15, cancelled_at=$16, cancellation_reason=$17, assigned_driver_id=$18, updated_at=$19
		WHERE id=$1 AND status=$20`,
		j.ID, j.Status, contact, pickup, items, j.ServicePrice, j.DisposalCap, j.PlatformFee,
		j.Total, j.DriverPayout, j.PaymentProvider, j.PaymentRef, j.PaidAt, j.ScheduledFor,
		j.CompletedAt, j.CancelledAt, j.CancellationReason, j.AssignedDriverID, j.UpdatedAt, expected)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	cur, err := p.GetJob(ctx, j.ID)
	if err != nil {
		return err
	}
	return apperr.New(apperr.KindConflict, "storage.update_job", "job %s is %s, expected %s", j.ID, cur.Status, expected)
}

func (p *PostgresStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at, id`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: scan: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const offerColumns = `id, job_id, driver_id, wave, status, expires_at, responded_at, created_at`

func scanOffer(s scanner) (*models.JobOffer, error) {
	var (
		o           models.JobOffer
		respondedAt sql.NullTime
	)
	if err := s.Scan(&o.ID, &o.JobID, &o.DriverID, &o.Wave, &o.Status, &o.ExpiresAt, &respondedAt, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.RespondedAt = nullTime(respondedAt)
	return &o, nil
}

func collectOffers(rows *sql.Rows) ([]*models.JobOffer, error) {
	defer rows.Close()
	var out []*models.JobOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateOffers(ctx context.Context, offers []*models.JobOffer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create offers: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO job_offers (`+offerColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`)
	if err != nil {
		return fmt.Errorf("create offers: prepare: %w", err)
	}
	defer stmt.Close()

	for _, o := range offers {
		_, err := stmt.ExecContext(ctx, o.ID, o.JobID, o.DriverID, o.Wave, o.Status, o.ExpiresAt, o.RespondedAt, o.CreatedAt)
		if isUniqueViolation(err) {
			return apperr.New(apperr.KindConflict, "storage.create_offers", "driver %s already offered job %s", o.DriverID, o.JobID)
		}
		if err != nil {
			return fmt.Errorf("create offers: insert %s: %w", o.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create offers: commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.JobOffer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM job_offers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "storage.get_offer", "offer %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) ListOffersByJob(ctx context.Context, jobID string) ([]*models.JobOffer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM job_offers WHERE job_id = $1 ORDER BY wave, created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list offers by job: %w", err)
	}
	return collectOffers(rows)
}

func (p *PostgresStore) ListOpenOffersByDriver(ctx context.Context, driverID string, now time.Time) ([]*models.JobOffer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM job_offers
		WHERE driver_id = $1 AND status = 'pending' AND expires_at > $2 ORDER BY created_at, id`, driverID, now)
	if err != nil {
		return nil, fmt.Errorf("list open offers: %w", err)
	}
	return collectOffers(rows)
}

// AcceptOffer locks the job row before any offer row. Every other writer that touches
// several offers of one job either takes the same job lock or skips locked rows.
func (p *PostgresStore) AcceptOffer(ctx context.Context, offerID string, now time.Time) (*Acceptance, error) {
	const op = "storage.accept_offer"

	var jobID string
	err := p.db.QueryRowContext(ctx, `SELECT job_id FROM job_offers WHERE id = $1`, offerID).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, op, "offer %s not found", offerID)
	}
	if err != nil {
		return nil, fmt.Errorf("accept offer: lookup: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("accept offer: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status models.JobStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status); err != nil {
		return nil, fmt.Errorf("accept offer: lock job: %w", err)
	}
	if status != models.JobDispatching {
		return nil, apperr.New(apperr.KindOfferUnavailable, op, "job %s is %s", jobID, status)
	}

	o, err := scanOffer(tx.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM job_offers WHERE id = $1 FOR UPDATE`, offerID))
	if err != nil {
		return nil, fmt.Errorf("accept offer: lock offer: %w", err)
	}
	if !o.Open(now) {
		return nil, apperr.New(apperr.KindOfferUnavailable, op, "offer %s is %s", offerID, o.Status)
	}

	var taken bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM job_offers WHERE job_id = $1 AND status = 'accepted')`, jobID).Scan(&taken); err != nil {
		return nil, fmt.Errorf("accept offer: check siblings: %w", err)
	}
	if taken {
		return nil, apperr.New(apperr.KindOfferUnavailable, op, "job %s already accepted", jobID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE job_offers SET status = 'accepted', responded_at = $2 WHERE id = $1`, offerID, now); err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.KindOfferUnavailable, op, "job %s already accepted", jobID)
		}
		return nil, fmt.Errorf("accept offer: update offer: %w", err)
	}
	o.Status = models.OfferAccepted
	o.RespondedAt = &now

	rows, err := tx.QueryContext(ctx, `UPDATE job_offers SET status = 'expired'
		WHERE job_id = $1 AND id <> $2 AND status = 'pending' RETURNING `+offerColumns, jobID, offerID)
	if err != nil {
		return nil, fmt.Errorf("accept offer: supersede siblings: %w", err)
	}
	superseded, err := collectOffers(rows)
	if err != nil {
		return nil, fmt.Errorf("accept offer: supersede siblings: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO job_assignments (job_id, driver_id, offer_id, assigned_at)
		VALUES ($1, $2, $3, $4)`, jobID, o.DriverID, o.ID, now); err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.New(apperr.KindOfferUnavailable, op, "job %s already assigned", jobID)
		}
		return nil, fmt.Errorf("accept offer: insert assignment: %w", err)
	}

	j, err := scanJob(tx.QueryRowContext(ctx, `UPDATE jobs SET status = 'assigned', assigned_driver_id = $2, updated_at = $3
		WHERE id = $1 RETURNING `+jobColumns, jobID, o.DriverID, now))
	if err != nil {
		return nil, fmt.Errorf("accept offer: update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("accept offer: commit: %w", err)
	}

	res := &Acceptance{
		Offer:      *o,
		Assignment: models.JobAssignment{JobID: jobID, DriverID: o.DriverID, OfferID: o.ID, AssignedAt: now},
		Job:        *j,
	}
	for _, s := range superseded {
		res.Superseded = append(res.Superseded, *s)
	}
	return res, nil
}

func (p *PostgresStore) RejectOffer(ctx context.Context, offerID string, now time.Time) (*models.JobOffer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `UPDATE job_offers SET status = 'rejected', responded_at = $2
		WHERE id = $1 AND status = 'pending' AND expires_at > $2 RETURNING `+offerColumns, offerID, now))
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.GetOffer(ctx, offerID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, apperr.New(apperr.KindOfferUnavailable, "storage.reject_offer", "offer %s is %s", offerID, cur.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("reject offer: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) ExpireOffer(ctx context.Context, offerID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE job_offers SET status = 'expired' WHERE id = $1 AND status = 'pending'`, offerID)
	if err != nil {
		return false, fmt.Errorf("expire offer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire offer: rows affected: %w", err)
	}
	if n == 0 {
		if _, err := p.GetOffer(ctx, offerID); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (p *PostgresStore) ExpireDueOffers(ctx context.Context, now time.Time) ([]*models.JobOffer, error) {
	rows, err := p.db.QueryContext(ctx, `UPDATE job_offers SET status = 'expired'
		WHERE id IN (
			SELECT id FROM job_offers WHERE status = 'pending' AND expires_at <= $1
			FOR UPDATE SKIP LOCKED
		) RETURNING `+offerColumns, now)
	if err != nil {
		return nil, fmt.Errorf("expire due offers: %w", err)
	}
	return collectOffers(rows)
}

func (p *PostgresStore) ExpirePendingOffers(ctx context.Context, jobID string) ([]*models.JobOffer, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("expire pending offers: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT 1 FROM jobs WHERE id = $1 FOR UPDATE`, jobID); err != nil {
		return nil, fmt.Errorf("expire pending offers: lock job: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `UPDATE job_offers SET status = 'expired'
		WHERE job_id = $1 AND status = 'pending' RETURNING `+offerColumns, jobID)
	if err != nil {
		return nil, fmt.Errorf("expire pending offers: %w", err)
	}
	out, err := collectOffers(rows)
	if err != nil {
		return nil, fmt.Errorf("expire pending offers: scan: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("expire pending offers: commit: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) GetAssignment(ctx context.Context, jobID string) (*models.JobAssignment, error) {
	var a models.JobAssignment
	err := p.db.QueryRowContext(ctx, `SELECT job_id, driver_id, offer_id, assigned_at FROM job_assignments WHERE job_id = $1`, jobID).
		Scan(&a.JobID, &a.DriverID, &a.OfferID, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "storage.get_assignment", "job %s has no assignment", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return &a, nil
}

const driverColumns = `id, name, status, online, rating, lat, lon, updated_at`

func scanDriver(s scanner) (*models.Driver, error) {
	var (
		d        models.Driver
		lat, lon sql.NullFloat64
	)
	if err := s.Scan(&d.ID, &d.Name, &d.Status, &d.Online, &d.Rating, &lat, &lon, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		d.Loc = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	return &d, nil
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	var lat, lon *float64
	if d.Loc != nil {
		lat, lon = &d.Loc.Lat, &d.Loc.Lon
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers (`+driverColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, status = EXCLUDED.status, online = EXCLUDED.online,
			rating = EXCLUDED.rating, lat = EXCLUDED.lat, lon = EXCLUDED.lon, updated_at = EXCLUDED.updated_at`,
		d.ID, d.Name, d.Status, d.Online, d.Rating, lat, lon, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert driver: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "storage.get_driver", "driver %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get driver: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) ListEligibleDrivers(ctx context.Context) ([]*models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers
		WHERE status = 'approved' AND online ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list eligible drivers: %w", err)
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("list eligible drivers: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetDriverOnline(ctx context.Context, id string, online bool, at time.Time) (*models.Driver, error) {
	d, err := scanDriver(p.db.QueryRowContext(ctx, `UPDATE drivers SET online = $2, updated_at = $3
		WHERE id = $1 RETURNING `+driverColumns, id, online, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "storage.set_driver_online", "driver %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("set driver online: %w", err)
	}
	return d, nil
}

const payoutColumns = `id, job_id, driver_id, driver_payout, disposal_reimbursement, disposal_cost_actual,
	disposal_receipt_url, total_amount, status, completed_at, created_at, paid_at`

func scanPayout(s scanner) (*models.Payout, error) {
	var (
		p          models.Payout
		costActual sql.NullFloat64
		paidAt     sql.NullTime
	)
	if err := s.Scan(&p.ID, &p.JobID, &p.DriverID, &p.DriverPayout, &p.DisposalReimbursement, &costActual,
		&p.DisposalReceiptURL, &p.TotalAmount, &p.Status, &p.CompletedAt, &p.CreatedAt, &paidAt); err != nil {
		return nil, err
	}
	p.DisposalCostActual = nullFloat(costActual)
	p.PaidAt = nullTime(paidAt)
	return &p, nil
}

func (p *PostgresStore) CreatePayout(ctx context.Context, po *models.Payout) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO payouts (`+payoutColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		po.ID, po.JobID, po.DriverID, po.DriverPayout, po.DisposalReimbursement, po.DisposalCostActual,
		po.DisposalReceiptURL, po.TotalAmount, po.Status, po.CompletedAt, po.CreatedAt, po.PaidAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "storage.create_payout", "job %s already has a payout", po.JobID)
	}
	if err != nil {
		return fmt.Errorf("create payout: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPayout(ctx context.Context, id string) (*models.Payout, error) {
	po, err := scanPayout(p.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "storage.get_payout", "payout %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get payout: %w", err)
	}
	return po, nil
}

func (p *PostgresStore) GetPayoutByJob(ctx context.Context, jobID string) (*models.Payout, error) {
	po, err := scanPayout(p.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE job_id = $1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "storage.get_payout_by_job", "job %s has no payout", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get payout by job: %w", err)
	}
	return po, nil
}

func (p *PostgresStore) ListPayouts(ctx context.Context, status models.PayoutStatus) ([]*models.Payout, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+payoutColumns+` FROM payouts
		WHERE $1 = '' OR status = $1 ORDER BY created_at, id`, status)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	defer rows.Close()
	var out []*models.Payout
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("list payouts: scan: %w", err)
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkPayoutPaid(ctx context.Context, id string, at time.Time) (*models.Payout, error) {
	if _, err := p.db.ExecContext(ctx, `UPDATE payouts SET status = 'paid', paid_at = $2
		WHERE id = $1 AND status <> 'paid'`, id, at); err != nil {
		return nil, fmt.Errorf("mark payout paid: %w", err)
	}
	return p.GetPayout(ctx, id)
}

var _ Store = (*PostgresStore)(nil)
