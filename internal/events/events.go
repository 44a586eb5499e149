package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haulkind/dispatch-engine/internal/models"
)

// Sink receives job events. Implementations must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, e models.Event) error
}

// FanOut publishes to every sink and joins their errors.
type FanOut []Sink

func (f FanOut) Publish(ctx context.Context, e models.Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emitter stamps events and publishes them best-effort: a sink failure is logged and dropped.
type Emitter struct {
	Sink   Sink
	Logger *slog.Logger
	Now    func() time.Time
}

func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{Sink: sink, Logger: logger, Now: time.Now}
}

func (em *Emitter) Emit(ctx context.Context, e models.Event) {
	if em == nil || em.Sink == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = em.Now().UTC()
	}
	if err := em.Sink.Publish(ctx, e); err != nil {
		em.Logger.Warn("event publish failed", "type", e.Type, "job_id", e.JobID, "offer_id", e.OfferID, "err", err)
	}
}
