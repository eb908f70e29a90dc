package ctorz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
)

// recordPool delivers records to a RecordSink asynchronously.
//
// The pool:
//   - Keeps sink latency out of the host's type loading pipeline
//   - Rejects records when the queue is full instead of blocking Transform
//   - Recovers sink panics
//   - Applies the configured timeout to each delivery
//   - Drains queued records on close
type recordPool struct {
	// Time abstraction for deterministic testing
	clock clockz.Clock

	sink   RecordSink
	logger zerolog.Logger

	// Channel for receiving records to deliver
	tasks chan RewriteRecord

	// WaitGroup to track worker goroutines for graceful shutdown
	wg sync.WaitGroup

	mu sync.RWMutex

	// Timeout applied to each delivery, zero means none
	timeout time.Duration

	closed bool

	// Metrics pointer for atomic updates
	metrics *Metrics
}

// newRecordPool starts cfg.workers delivery goroutines.
// It returns nil when no sink is configured.
func newRecordPool(cfg config, metrics *Metrics) *recordPool {
	if cfg.sink == nil {
		return nil
	}
	pool := &recordPool{
		clock:   cfg.clock,
		sink:    cfg.sink,
		logger:  cfg.logger,
		tasks:   make(chan RewriteRecord, cfg.queueSize),
		timeout: cfg.sinkTimeout,
		metrics: metrics,
	}
	for i := 0; i < cfg.workers; i++ {
		pool.wg.Add(1)
		go pool.worker()
	}
	return pool
}

// submit queues rec for delivery.
//
// Returns ErrQueueFull if the queue cannot accept more records, or
// ErrInterceptorClosed after close.
func (p *recordPool) submit(rec RewriteRecord) error {
	// Channel send must be protected by the read lock to prevent
	// a race with close()
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrInterceptorClosed
	}

	select {
	case p.tasks <- rec:
		atomic.AddInt64(&p.metrics.RecordsQueued, 1)
		return nil
	default:
		atomic.AddInt64(&p.metrics.RecordsDropped, 1)
		return ErrQueueFull
	}
}

// close stops accepting records and waits for queued ones to be delivered.
func (p *recordPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.tasks)
	p.wg.Wait()
}

// worker delivers records until the task channel is closed.
func (p *recordPool) worker() {
	defer p.wg.Done()

	for rec := range p.tasks {
		atomic.AddInt64(&p.metrics.RecordsQueued, -1)

		if err := p.deliverSafely(rec); err != nil {
			atomic.AddInt64(&p.metrics.RecordsFailed, 1)
			p.logger.Warn().Err(err).Str("type", string(rec.Type)).Msg("record delivery failed")
			continue
		}
		atomic.AddInt64(&p.metrics.RecordsDelivered, 1)
	}
}

// deliverSafely runs the sink with panic recovery.
func (p *recordPool) deliverSafely(rec RewriteRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSinkPanicked, r)
		}
	}()
	return p.deliver(rec)
}

func (p *recordPool) deliver(rec RewriteRecord) error {
	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = p.clock.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.sink.WriteRecord(ctx, rec)
}
