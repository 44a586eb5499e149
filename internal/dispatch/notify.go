package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type MessageKind string

const (
	MsgOffer          MessageKind = "offer"
	MsgOfferWithdrawn MessageKind = "offer_withdrawn"
	MsgAssigned       MessageKind = "assigned"
	MsgDriverAssigned MessageKind = "driver_assigned"
	MsgNoCoverage     MessageKind = "no_coverage"
)

// Message is what drivers and customers are told about dispatch progress.
type Message struct {
	Kind        MessageKind `json:"kind"`
	RecipientID string      `json:"recipient_id"`
	JobID       string      `json:"job_id"`
	OfferID     string      `json:"offer_id,omitempty"`
	DriverID    string      `json:"driver_id,omitempty"`
	Wave        int         `json:"wave,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
}

// Notifier delivers a message. Callers treat delivery as best-effort.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Message) error { return nil }

// MultiNotifier tries each notifier in order and stops at the first success.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		err := n.Notify(ctx, msg)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ErrQueueFull is returned by AsyncNotifier when its queue has no room.
var ErrQueueFull = errors.New("dispatch: notification queue full")

// AsyncNotifier hands messages to a bounded queue drained by background workers.
// Notify never waits on delivery.
type AsyncNotifier struct {
	next   Notifier
	logger *slog.Logger
	queue  chan Message

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsyncNotifier(next Notifier, size, workers int, logger *slog.Logger) *AsyncNotifier {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AsyncNotifier{next: next, logger: logger, queue: make(chan Message, size)}
	a.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.work()
	}
	return a
}

func (a *AsyncNotifier) Notify(_ context.Context, msg Message) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrQueueFull
	}
	select {
	case a.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for the queued ones to be delivered.
func (a *AsyncNotifier) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}

func (a *AsyncNotifier) work() {
	defer a.wg.Done()
	for msg := range a.queue {
		// The caller's request may be long gone; delivery timeouts belong to next.
		if err := a.next.Notify(context.Background(), msg); err != nil {
			logNotifyFailure(context.Background(), a.logger, msg, err)
		}
	}
}
