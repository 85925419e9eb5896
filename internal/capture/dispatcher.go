package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/metrics"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/sink"
)

var (
	// ErrDispatchTimeout means the queue stayed full for the whole enqueue timeout.
	ErrDispatchTimeout  = errors.New("dispatch queue full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

const (
	defaultQueueSize      = 1024
	defaultWorkers        = 2
	defaultEnqueueTimeout = 250 * time.Millisecond
)

type DispatcherOptions struct {
	QueueSize      int
	Workers        int
	EnqueueTimeout time.Duration
	Logger         *log.Entry
	Metrics        *metrics.Metrics
}

// Dispatcher moves flushed sessions off the capture goroutine and hands each one
// to every sink in order.
type Dispatcher struct {
	sinks   []sink.Sink
	queue   chan model.TrafficSession
	timeout time.Duration
	workers int
	log     *log.Entry
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(sinks []sink.Sink, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = defaultEnqueueTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component(nil, "dispatcher")
	}

	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan model.TrafficSession, opts.QueueSize),
		timeout: opts.EnqueueTimeout,
		workers: opts.Workers,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	d.wg.Add(d.workers)
	for i := 0; i < d.workers; i++ {
		go d.worker()
	}
	d.log.WithFields(log.Fields{"workers": d.workers, "sinks": len(sinks)}).Info("Dispatcher started")
	return d
}

// Emit queues s for the sinks, waiting at most the enqueue timeout for room.
// It matches flowaggregator.EmitFunc.
func (d *Dispatcher) Emit(ctx context.Context, s model.TrafficSession) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- s:
		return nil
	default:
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case d.queue <- s:
		return nil
	case <-timer.C:
		d.metrics.QueueDropped()
		return fmt.Errorf("session %s: %w", s.ID, ErrDispatchTimeout)
	case <-ctx.Done():
		d.metrics.QueueDropped()
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for s := range d.queue {
		d.deliver(s)
	}
}

func (d *Dispatcher) deliver(s model.TrafficSession) {
	for _, sk := range d.sinks {
		if err := safeWrite(sk, s); err != nil {
			d.metrics.SinkFailed(sk.Name())
			d.log.WithError(err).WithFields(log.Fields{
				"sink":    sk.Name(),
				"session": s.ID,
			}).Error("Sink failed to write session")
		}
	}
}

func safeWrite(sk sink.Sink, s model.TrafficSession) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sink panicked: %v", rec)
		}
	}()
	return sk.Write(context.Background(), s)
}

// Close stops accepting sessions and waits until every queued one was delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info("Dispatcher drained")
}
