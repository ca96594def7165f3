// Package flusher runs a datastore's periodic background Flush(false) at
// a fixed interval, and throttles any additional caller-triggered flushes
// (for example ones provoked by an external file-watch event) so a burst
// of triggers can't turn into a burst of disk writes.
package flusher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/time/rate"

	"metallgo/internal/logging"
)

// Flushable is the subset of *metall.Manager the flusher depends on. The
// interface keeps this package free of an import cycle with the root
// package.
type Flushable interface {
	Flush(sync bool) error
}

// Flusher periodically calls target.Flush(false) until Stop is called.
type Flusher struct {
	scheduler gocron.Scheduler
	limiter   *rate.Limiter
	target    Flushable
	log       *slog.Logger
}

// Start begins calling target.Flush(false) every interval. interval must
// be positive; callers that want no background flushing simply don't
// construct a Flusher.
func Start(target Flushable, interval time.Duration, logger *slog.Logger) (*Flusher, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("flusher: interval must be positive, got %s", interval)
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("flusher: create scheduler: %w", err)
	}

	f := &Flusher{
		scheduler: sched,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		target:    target,
		log:       logging.Default(logger).With("component", "flusher"),
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(f.tick),
		gocron.WithName("background-flush"),
	); err != nil {
		return nil, fmt.Errorf("flusher: schedule job: %w", err)
	}
	sched.Start()
	return f, nil
}

func (f *Flusher) tick() {
	if err := f.target.Flush(false); err != nil {
		f.log.Warn("background flush failed", "err", err)
	}
}

// FlushNow requests an immediate flush outside the regular schedule,
// blocking until the shared rate limiter admits it or ctx is done. Use
// this to coalesce externally-triggered flush requests (e.g. from a
// watched deletion event) without exceeding the configured cadence.
func (f *Flusher) FlushNow(ctx context.Context) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	return f.target.Flush(false)
}

// Stop halts the background schedule and waits for any in-flight tick to
// finish.
func (f *Flusher) Stop() error {
	return f.scheduler.Shutdown()
}
