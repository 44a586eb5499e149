package payout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/haulkind/dispatch-engine/internal/apperr"
	"github.com/haulkind/dispatch-engine/internal/events"
	"github.com/haulkind/dispatch-engine/internal/models"
	"github.com/haulkind/dispatch-engine/internal/observability"
	"github.com/haulkind/dispatch-engine/internal/pricing"
	"github.com/haulkind/dispatch-engine/internal/storage"
)

// DriverShare is the fraction of the service price paid to the driver.
const DriverShare = 0.60

type Repository interface {
	storage.JobRepository
	storage.AssignmentRepository
	storage.PayoutRepository
}

// Ledger creates at most one payout per completed job.
type Ledger struct {
	store  Repository
	events *events.Emitter
	logger *slog.Logger

	Now   func() time.Time
	NewID func() string
}

func NewLedger(store Repository, em *events.Emitter, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, events: em, logger: logger, Now: time.Now, NewID: uuid.NewString}
}

// Disposal carries the driver's actual dump cost and receipt, both optional.
type Disposal struct {
	CostActual *float64
	ReceiptURL string
}

// Finalize returns the job's payout, creating it on first call. created reports whether
// this call wrote it.
func (l *Ledger) Finalize(ctx context.Context, jobID string, d Disposal) (p *models.Payout, created bool, err error) {
	const op = "payout.finalize"
	if existing, err := l.store.GetPayoutByJob(ctx, jobID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, apperr.NotFound) {
		return nil, false, err
	}

	job, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if job.Status != models.JobCompleted {
		return nil, false, apperr.New(apperr.KindInvalidState, op, "job %s is %s; only completed jobs can be finalized", jobID, job.Status)
	}
	if d.CostActual != nil && (*d.CostActual < 0 || math.IsNaN(*d.CostActual)) {
		return nil, false, apperr.New(apperr.KindBadRequest, op, "disposal cost cannot be negative")
	}

	driverID := job.AssignedDriverID
	if a, err := l.store.GetAssignment(ctx, jobID); err == nil {
		driverID = a.DriverID
	}
	if driverID == "" {
		return nil, false, apperr.New(apperr.KindInvalidState, op, "job %s has no assigned driver", jobID)
	}

	now := l.Now().UTC()
	driverPay, reimbursement := Amounts(job.ServicePrice, job.DisposalCap, d.CostActual)
	completedAt := now
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}
	p = &models.Payout{
		ID:                    l.NewID(),
		JobID:                 jobID,
		DriverID:              driverID,
		DriverPayout:          driverPay,
		DisposalReimbursement: reimbursement,
		DisposalCostActual:    d.CostActual,
		DisposalReceiptURL:    d.ReceiptURL,
		TotalAmount:           pricing.Round2(driverPay + reimbursement),
		Status:                models.PayoutPending,
		CompletedAt:           completedAt,
		CreatedAt:             now,
	}
	if err := l.store.CreatePayout(ctx, p); err != nil {
		if errors.Is(err, apperr.Conflict) {
			winner, gerr := l.store.GetPayoutByJob(ctx, jobID)
			if gerr != nil {
				return nil, false, gerr
			}
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("finalize %s: %w", jobID, err)
	}

	observability.PayoutsCreatedTotal.Inc()
	l.events.Emit(ctx, models.Event{Type: models.EventPayoutCreated, JobID: jobID, DriverID: driverID, At: now})
	l.logger.Info("payout created", "job_id", jobID, "payout_id", p.ID, "driver_id", driverID, "total", p.TotalAmount)
	return p, true, nil
}

// Amounts computes the driver share and the disposal reimbursement, rounded to cents.
// Reimbursement applies only when the job carried a disposal cap and a cost was reported.
func Amounts(servicePrice float64, disposalCap, costActual *float64) (driverPay, reimbursement float64) {
	driverPay = pricing.Round2(servicePrice * DriverShare)
	if disposalCap != nil && costActual != nil {
		reimbursement = pricing.Round2(math.Max(0, *costActual-*disposalCap))
	}
	return driverPay, reimbursement
}

func (l *Ledger) MarkPaid(ctx context.Context, payoutID string) (*models.Payout, error) {
	return l.store.MarkPayoutPaid(ctx, payoutID, l.Now().UTC())
}

func (l *Ledger) List(ctx context.Context, status models.PayoutStatus) ([]*models.Payout, error) {
	switch status {
	case "", models.PayoutPending, models.PayoutPaid:
	default:
		return nil, apperr.New(apperr.KindBadRequest, "payout.list", "unknown payout status %q", status)
	}
	return l.store.ListPayouts(ctx, status)
}

// ExportXLSX writes the payouts as a single-sheet workbook.
func ExportXLSX(w io.Writer, payouts []*models.Payout) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "Payouts"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	idx, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(idx)
	_ = f.DeleteSheet("Sheet1")

	headers := []string{"Payout ID", "Job ID", "Driver ID", "Driver Payout", "Disposal Reimbursement",
		"Total", "Status", "Completed At", "Paid At", "Receipt"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for r, p := range payouts {
		row := r + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		paidAt := ""
		if p.PaidAt != nil {
			paidAt = p.PaidAt.UTC().Format(time.RFC3339)
		}
		write(1, p.ID)
		write(2, p.JobID)
		write(3, p.DriverID)
		write(4, p.DriverPayout)
		write(5, p.DisposalReimbursement)
		write(6, p.TotalAmount)
		write(7, string(p.Status))
		write(8, p.CompletedAt.UTC().Format(time.RFC3339))
		write(9, paidAt)
		write(10, p.DisposalReceiptURL)
	}

	_ = f.SetColWidth(sheet, "A", "C", 38)
	_ = f.SetColWidth(sheet, "D", "F", 16)
	_ = f.SetColWidth(sheet, "H", "I", 22)
	_ = f.SetColWidth(sheet, "J", "J", 48)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}
