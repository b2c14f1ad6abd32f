// Package scheduler runs the recurring housekeeping jobs of the server
// process: the presence sweep and the liveness heartbeat.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron runner whose jobs receive the context passed to Run.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
	ctx  context.Context
}

func New(log *slog.Logger) *Scheduler {
	l := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l))),
		log:  log,
		ctx:  context.Background(),
	}
}

// Every registers fn to run at a fixed interval. Intervals below a second are
// rounded up to one second.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be > 0", name)
	}
	_, err := s.cron.AddFunc("@every "+interval.String(), func() {
		start := time.Now()
		if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("scheduled job failed", "job", name, "error", err)
			return
		}
		s.log.Debug("scheduled job done", "job", name, "took", time.Since(start).String())
	})
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	return nil
}

// Run starts the jobs and blocks until ctx is done, then waits for running
// jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Jobs reports the registered job count.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

// cronLogger routes cron's own logging into slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
