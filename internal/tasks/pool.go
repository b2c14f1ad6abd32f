package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

var ErrPoolClosed = errors.New("task pool closed")

type PoolConfig struct {
	Workers     int
	QueueDepth  int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Pool is the in-process task backend: a bounded queue drained by a fixed
// number of workers.
type Pool struct {
	reg  *Registry
	cfg  PoolConfig
	log  *slog.Logger
	jobs chan Envelope
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewPool(reg *Registry, cfg PoolConfig, log *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Pool{
		reg:  reg,
		cfg:  cfg,
		log:  log,
		jobs: make(chan Envelope, cfg.QueueDepth),
		done: make(chan struct{}),
	}
}

// Enqueue blocks while the queue is full until ctx is done.
func (p *Pool) Enqueue(ctx context.Context, name string, payload any) error {
	env, err := newEnvelope(name, payload)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}
	select {
	case p.jobs <- env:
		observability.Tasks.WithLabelValues(name, "enqueued").Inc()
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is done. Jobs already queued
// are drained before it returns.
func (p *Pool) Run(ctx context.Context) error {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	<-ctx.Done()
	p.Close()
	p.wg.Wait()
	return nil
}

// Close stops intake; workers exit once the queue is empty.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.done) })
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case env := <-p.jobs:
			p.execute(env)
		case <-p.done:
			for {
				select {
				case env := <-p.jobs:
					p.execute(env)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) execute(env Envelope) {
	// background work has no caller to cancel it
	ctx := context.Background()
	if err := Execute(ctx, p.reg, env, p.cfg.MaxAttempts, p.cfg.RetryDelay); err != nil {
		p.log.Error("task failed", "task", env.Name, "task_id", env.ID, "error", err)
	}
}

// Execute runs one envelope through its handler with bounded retries and
// records the outcome.
func Execute(ctx context.Context, reg *Registry, env Envelope, attempts int, delay time.Duration) error {
	h, err := reg.handler(env.Name)
	if err != nil {
		observability.Tasks.WithLabelValues(env.Name, "unknown").Inc()
		return err
	}
	err = runWithRetry(ctx, h, env.Payload, attempts, delay)
	switch {
	case err == nil:
		observability.Tasks.WithLabelValues(env.Name, "ok").Inc()
	case IsPermanent(err):
		observability.Tasks.WithLabelValues(env.Name, "rejected").Inc()
	default:
		observability.Tasks.WithLabelValues(env.Name, "failed").Inc()
	}
	return err
}
