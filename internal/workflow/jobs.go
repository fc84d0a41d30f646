package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ims/calc-engine/internal/events"
	"github.com/ims/calc-engine/internal/metrics"
)

// Expirer expires approved locates past their expiry date.
type Expirer interface {
	ProcessExpired(ctx context.Context) (int, error)
}

// LimitRecalculator rebuilds cached limits.
type LimitRecalculator interface {
	RecalculateLimits(ctx context.Context) (int, error)
}

// JobConfig holds job intervals. A zero interval disables the job.
type JobConfig struct {
	ExpireInterval      time.Duration
	RecalculateInterval time.Duration
}

// Jobs runs slow-path batch work on tickers, outside the request path.
type Jobs struct {
	cfg     JobConfig
	locates Expirer
	limits  LimitRecalculator
	pub     events.Publisher
	logger  *slog.Logger
}

// NewJobs creates the job runner. pub may be nil.
func NewJobs(cfg JobConfig, locates Expirer, lim LimitRecalculator, pub events.Publisher) *Jobs {
	return &Jobs{cfg: cfg, locates: locates, limits: lim, pub: pub, logger: slog.Default().With("component", "jobs")}
}

// Run starts every enabled job and blocks until ctx is done.
func (j *Jobs) Run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(name string, every time.Duration, fn func(context.Context) (int, error)) {
		if every <= 0 {
			j.logger.Info("job disabled", "job", name)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.loop(ctx, name, every, fn)
		}()
	}

	start("process_expired", j.cfg.ExpireInterval, j.ProcessExpired)
	start("recalculate_limits", j.cfg.RecalculateInterval, j.RecalculateLimits)

	wg.Wait()
	j.logger.Info("jobs stopped")
}

func (j *Jobs) loop(ctx context.Context, name string, every time.Duration, fn func(context.Context) (int, error)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	j.logger.Info("job started", "job", name, "interval", every)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are logged and counted inside fn; the next tick retries.
			fn(ctx)
		}
	}
}

// ProcessExpired runs one expiry pass.
func (j *Jobs) ProcessExpired(ctx context.Context) (int, error) {
	return j.run(ctx, "process_expired", j.locates.ProcessExpired)
}

// RecalculateLimits runs one limit rebuild and announces it.
func (j *Jobs) RecalculateLimits(ctx context.Context) (int, error) {
	n, err := j.run(ctx, "recalculate_limits", j.limits.RecalculateLimits)
	if err == nil && j.pub != nil {
		j.pub.Publish(events.Event{Type: events.LimitsRecomputed})
	}
	return n, err
}

func (j *Jobs) run(ctx context.Context, name string, fn func(context.Context) (int, error)) (int, error) {
	start := time.Now()
	n, err := fn(ctx)
	if err != nil {
		metrics.JobRuns.WithLabelValues(name, "error").Inc()
		j.logger.Error("job failed", "job", name, "err", err)
		return n, err
	}
	metrics.JobRuns.WithLabelValues(name, "ok").Inc()
	j.logger.Info("job completed", "job", name, "count", n, "duration_ms", time.Since(start).Milliseconds())
	return n, nil
}
