package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/haulkind/dispatch-engine/internal/models"
	"github.com/haulkind/dispatch-engine/internal/observability"
	"github.com/haulkind/dispatch-engine/internal/storage"
)

// SweepLock elects the replica allowed to sweep on a tick.
type SweepLock interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// LocalLock always grants the sweep; use it with a single replica.
type LocalLock struct{}

func (LocalLock) Acquire(context.Context) (func(), bool, error) { return func() {}, true, nil }

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisSweepLock is a SET NX PX lease. The TTL bounds how long a crashed holder blocks others.
type RedisSweepLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisSweepLock(client *redis.Client, key string, ttl time.Duration) *RedisSweepLock {
	if key == "" {
		key = "dispatch:sweep:lock"
	}
	return &RedisSweepLock{client: client, key: key, ttl: ttl}
}

func (l *RedisSweepLock) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		_ = releaseScript.Run(context.Background(), l.client, []string{l.key}, token).Err()
	}, true, nil
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	// JobsWithExpired counts jobs that had at least one offer expired, not offers.
	JobsWithExpired int
	Waves           int
	NoCoverage      int
}

// Sweeper persists progress through deadlines: it expires overdue offers and moves every
// dispatching job without a live offer to its next wave or to no_coverage.
type Sweeper struct {
	Coordinator *Coordinator
	Jobs        storage.JobRepository
	Lock        SweepLock
	Interval    time.Duration
	Logger      *slog.Logger
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger().Error("sweep failed", "err", err)
			}
		}
	}
}

// Sweep runs one pass. It returns zero stats when another replica holds the lock.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	lock := s.Lock
	if lock == nil {
		lock = LocalLock{}
	}
	release, ok, err := lock.Acquire(ctx)
	if err != nil {
		observability.SweepRunsTotal.WithLabelValues("lock_error").Inc()
		return stats, err
	}
	if !ok {
		observability.SweepRunsTotal.WithLabelValues("skipped").Inc()
		return stats, nil
	}
	defer release()

	expiredJobs, err := s.Coordinator.ExpireDue(ctx)
	if err != nil {
		observability.SweepRunsTotal.WithLabelValues("error").Inc()
		return stats, err
	}
	stats.JobsWithExpired = len(expiredJobs)

	jobs, err := s.Jobs.ListJobsByStatus(ctx, models.JobDispatching)
	if err != nil {
		observability.SweepRunsTotal.WithLabelValues("error").Inc()
		return stats, err
	}
	for _, j := range jobs {
		res, err := s.Coordinator.Advance(ctx, j.ID)
		if err != nil {
			s.logger().Warn("advance failed", "job_id", j.ID, "err", err)
			continue
		}
		switch res.Outcome {
		case OutcomeOffered:
			stats.Waves++
		case OutcomeNoCoverage:
			stats.NoCoverage++
		}
	}
	observability.SweepRunsTotal.WithLabelValues("ok").Inc()
	if stats.JobsWithExpired+stats.Waves+stats.NoCoverage > 0 {
		s.logger().Info("sweep finished", "jobs_with_expired_offers", stats.JobsWithExpired, "waves", stats.Waves, "no_coverage", stats.NoCoverage)
	}
	return stats, nil
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
