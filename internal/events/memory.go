package events

import (
	"context"
	"sync"

	"github.com/haulkind/dispatch-engine/internal/models"
)

const defaultPerJob = 256

// MemorySink keeps the most recent events of every job for polling.
type MemorySink struct {
	mu    sync.RWMutex
	limit int
	byJob map[string][]models.Event
}

// NewMemorySink keeps at most perJob events per job; a non-positive value uses the default.
func NewMemorySink(perJob int) *MemorySink {
	if perJob <= 0 {
		perJob = defaultPerJob
	}
	return &MemorySink{limit: perJob, byJob: make(map[string][]models.Event)}
}

func (m *MemorySink) Publish(_ context.Context, e models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := append(m.byJob[e.JobID], e)
	if len(evs) > m.limit {
		evs = append([]models.Event(nil), evs[len(evs)-m.limit:]...)
	}
	m.byJob[e.JobID] = evs
	return nil
}

// ForJob returns the retained events of a job, oldest first.
func (m *MemorySink) ForJob(jobID string) []models.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Event(nil), m.byJob[jobID]...)
}
