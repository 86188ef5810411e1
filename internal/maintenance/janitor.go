// Package maintenance runs the periodic housekeeping jobs of the back-office:
// pruning the rate-limit and idempotency tables and reconciling recent SMS
// delivery reports. Jobs run on their own tickers, never from request
// handling, and take a lock so that replicas sharing a database do not run
// the same job concurrently.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-waybill-backend/internal/ratelimit"
	"github.com/tbourn/go-waybill-backend/internal/repo"
	"github.com/tbourn/go-waybill-backend/internal/services"
)

var jobRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "maintenance_job_runs_total",
		Help: "Maintenance job runs by job and outcome (ok, error, skipped).",
	},
	[]string{"job", "outcome"},
)

func init() {
	prometheus.MustRegister(jobRuns)
}

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Janitor schedules Jobs.
type Janitor struct {
	Jobs   []Job
	Locker Locker
	Log    zerolog.Logger

	wg sync.WaitGroup
}

// New returns a Janitor using locker; a nil locker serializes in-process only.
func New(locker Locker, log zerolog.Logger, jobs ...Job) *Janitor {
	if locker == nil {
		locker = &LocalLocker{}
	}
	return &Janitor{Jobs: jobs, Locker: locker, Log: log}
}

// Start launches one goroutine per job with a positive interval. Each job
// runs once immediately and then on every tick until ctx is done.
func (j *Janitor) Start(ctx context.Context) {
	for _, job := range j.Jobs {
		if job.Interval <= 0 || job.Run == nil {
			continue
		}
		j.wg.Add(1)
		go func(job Job) {
			defer j.wg.Done()
			t := time.NewTicker(job.Interval)
			defer t.Stop()
			for {
				_ = j.RunOnce(ctx, job)
				select {
				case <-ctx.Done():
					return
				case <-t.C:
				}
			}
		}(job)
	}
}

// Wait blocks until every job goroutine has returned.
func (j *Janitor) Wait() { j.wg.Wait() }

// RunOnce runs job under its lock. A job already held elsewhere is skipped.
// When the lock backend fails the job runs unlocked; every job is safe to
// repeat.
func (j *Janitor) RunOnce(ctx context.Context, job Job) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log := j.Log.With().Str("job", job.Name).Logger()
	ctx = log.WithContext(ctx)

	ttl := job.Interval
	if ttl <= 0 {
		ttl = time.Minute
	}
	release, err := j.Locker.Obtain(ctx, job.Name, ttl)
	switch {
	case errors.Is(err, ErrNotObtained):
		jobRuns.WithLabelValues(job.Name, "skipped").Inc()
		log.Debug().Msg("job held by another instance")
		return nil
	case err != nil:
		log.Warn().Err(err).Msg("job lock unavailable; running without lock")
	default:
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				log.Warn().Err(rerr).Msg("job lock release failed")
			}
		}()
	}

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		jobRuns.WithLabelValues(job.Name, "error").Inc()
		log.Error().Err(err).Dur("took", time.Since(start)).Msg("job failed")
		return err
	}
	jobRuns.WithLabelValues(job.Name, "ok").Inc()
	return nil
}

// PruneJob deletes rate-limit events older than retention and expired
// idempotency records.
func PruneJob(db *gorm.DB, lim *ratelimit.Limiter, retention, interval time.Duration) Job {
	return Job{
		Name:     "prune",
		Interval: interval,
		Run: func(ctx context.Context) error {
			now := time.Now().UTC()
			events, err := lim.Prune(ctx, now.Add(-retention))
			if err != nil {
				return err
			}
			keys, err := repo.PruneIdempotency(ctx, db, now)
			if err != nil {
				return err
			}
			zerolog.Ctx(ctx).Info().
				Int64("rate_limit_events", events).
				Int64("idempotency_keys", keys).
				Msg("pruned")
			return nil
		},
	}
}

// DeliverySweepJob reconciles up to batch SMS logs from the last lookback
// window with the provider's delivery reports.
func DeliverySweepJob(logs *services.SmsLogService, batch int, lookback, interval time.Duration) Job {
	return Job{
		Name:     "delivery_sweep",
		Interval: interval,
		Run: func(ctx context.Context) error {
			rep, err := logs.SweepPending(ctx, time.Now().Add(-lookback), batch)
			if err != nil {
				return err
			}
			if rep.Checked > 0 {
				zerolog.Ctx(ctx).Info().
					Int("checked", rep.Checked).
					Int("updated", rep.Updated).
					Int("errors", rep.Errors).
					Msg("delivery sweep")
			}
			return nil
		},
	}
}
