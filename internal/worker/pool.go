// Package worker consumes job envelopes from Kafka with a bounded pool of
// goroutines.
package worker

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"success/api/internal/events"
)

// Handler processes one envelope. Returned errors are logged; the message is
// not redelivered.
type Handler func(ctx context.Context, evt events.Envelope) error

// Pool reads from a Kafka reader and fans envelopes out to workerCount
// goroutines through a bounded queue.
type Pool struct {
	reader       events.Reader
	handlers     map[string]Handler
	logger       *zap.Logger
	workerCount  int
	jobQueueSize int
}

// New creates a pool. Non-positive sizes fall back to NumCPU and 10 jobs per worker.
func New(reader events.Reader, logger *zap.Logger, workerCount, jobQueueSize int) *Pool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	if jobQueueSize <= 0 {
		jobQueueSize = workerCount * 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		reader:       reader,
		handlers:     map[string]Handler{},
		logger:       logger.Named("worker"),
		workerCount:  workerCount,
		jobQueueSize: jobQueueSize,
	}
}

// Handle registers h for envelopes of eventType. Unregistered types are skipped.
func (p *Pool) Handle(eventType string, h Handler) {
	p.handlers[eventType] = h
}

// Run blocks until ctx is canceled, then drains the queue and waits for
// in-flight jobs.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("starting workers", zap.Int("workers", p.workerCount), zap.Int("queue", p.jobQueueSize))

	jobs := make(chan events.Envelope, p.jobQueueSize)
	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.processLoop(jobs)
		}()
	}

	p.readLoop(ctx, jobs)

	close(jobs)
	wg.Wait()
	p.logger.Info("all workers stopped")
}

func (p *Pool) readLoop(ctx context.Context, jobs chan<- events.Envelope) {
	var retry int
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := p.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			backoff := time.Duration(math.Min(1000, math.Pow(2, float64(retry)))) * time.Millisecond
			p.logger.Warn("kafka read error, backing off", zap.Duration("backoff", backoff), zap.Error(err))
			if !waitWithContext(ctx, backoff) {
				return
			}
			retry++
			continue
		}
		retry = 0

		evt, err := events.DecodeMessage(msg)
		if err != nil {
			if !errors.Is(err, events.ErrEmptyMessage) {
				p.logger.Warn("skipping undecodable message", zap.Int64("offset", msg.Offset), zap.Error(err))
			}
			continue
		}
		if _, ok := p.handlers[evt.Type]; !ok {
			continue
		}

		select {
		case jobs <- evt:
		case <-ctx.Done():
			return
		}
	}
}

// processLoop runs queued jobs with a detached context so work that was
// already read finishes during shutdown.
func (p *Pool) processLoop(jobs <-chan events.Envelope) {
	for evt := range jobs {
		p.dispatch(evt)
	}
}

func (p *Pool) dispatch(evt events.Envelope) {
	handler := p.handlers[evt.Type]
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", zap.String("type", evt.Type), zap.String("id", evt.ID), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := handler(ctx, evt); err != nil {
		p.logger.Error("job failed", zap.String("type", evt.Type), zap.String("id", evt.ID), zap.Error(err))
		return
	}
	p.logger.Debug("job done", zap.String("type", evt.Type), zap.String("id", evt.ID), zap.Duration("took", time.Since(start)))
}

// Close shuts down the Kafka reader.
func (p *Pool) Close() error {
	return p.reader.Close()
}

// waitWithContext waits for duration or context cancellation.
func waitWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Ticker runs fn every interval until ctx is canceled. fn also runs once at start.
func Ticker(ctx context.Context, interval time.Duration, logger *zap.Logger, name string, fn func(context.Context) error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	run := func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduled task failed", zap.String("task", name), zap.Error(err))
		}
	}
	run()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			run()
		}
	}
}
