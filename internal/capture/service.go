// Package capture runs the read loop that turns raw IP frames into flushed sessions.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/engine/flowaggregator"
	"Go2NetGuard/internal/engine/protocol"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/metrics"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/session"
	"Go2NetGuard/internal/sink"
)

const DefaultBufferSize = 32768

var (
	ErrAlreadyStarted = errors.New("capture service already started")
	ErrNotRunning     = errors.New("capture service is not running")
)

// OwnerResolver attributes a packet to the application that owns its socket.
type OwnerResolver interface {
	Resolve(p *model.ParsedPacket) (string, bool)
}

type Options struct {
	Source     FrameSource
	Resolver   OwnerResolver // optional
	Aggregator *flowaggregator.Aggregator
	Sinks      []sink.Sink
	Dispatcher DispatcherOptions
	Dumper     *Dumper // optional

	LocalV4    netip.Addr
	LocalV6    netip.Addr
	BufferSize int
	// SweepInterval is how often idle flows past their window are flushed. Zero disables the sweep.
	SweepInterval time.Duration

	Now     func() time.Time
	Logger  *log.Entry
	Metrics *metrics.Metrics
}

type state int

const (
	idle state = iota
	running
	stopped
)

// Service owns one capture source and the pipeline behind it.
type Service struct {
	opts    Options
	log     *log.Entry
	metrics *metrics.Metrics

	mu         sync.Mutex
	state      state
	bus        *session.Bus
	dispatcher *Dispatcher
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	stopping atomic.Bool
	done     chan struct{}
}

func NewService(opts Options) (*Service, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("capture service requires a frame source")
	}
	if opts.Aggregator == nil {
		return nil, fmt.Errorf("capture service requires an aggregator")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component(nil, "capture")
	}
	if opts.Dispatcher.Metrics == nil {
		opts.Dispatcher.Metrics = opts.Metrics
	}
	return &Service{
		opts:    opts,
		log:     logger,
		metrics: opts.Metrics,
		done:    make(chan struct{}),
	}, nil
}

// Start creates the session bus and the dispatcher and launches the read loop.
// A service can be started once.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != idle {
		return ErrAlreadyStarted
	}

	s.bus = session.NewBus(s.metrics)
	sinks := make([]sink.Sink, 0, len(s.opts.Sinks)+1)
	sinks = append(sinks, s.opts.Sinks...)
	sinks = append(sinks, s.bus)
	s.dispatcher = NewDispatcher(sinks, s.opts.Dispatcher)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.readLoop(loopCtx)
	if s.opts.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweep(loopCtx)
	}

	s.state = running
	s.log.WithFields(log.Fields{
		"local_v4": s.opts.LocalV4,
		"local_v6": s.opts.LocalV6,
		"sinks":    len(s.opts.Sinks),
	}).Info("Capture service started")
	return nil
}

// Done is closed when the read loop has ended, either because the source was
// exhausted or failed, or because Stop was called.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Running reports whether the service has been started and not yet stopped.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == running
}

// Subscribe returns a live feed of flushed sessions. Slow subscribers miss sessions.
func (s *Service) Subscribe(buffer int) (<-chan model.TrafficSession, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != running {
		return nil, nil, ErrNotRunning
	}
	return s.bus.Subscribe(buffer)
}

func (s *Service) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)

	buf := make([]byte, s.opts.BufferSize)
	for ctx.Err() == nil {
		n, err := s.opts.Source.Read(buf)
		if err != nil {
			s.logReadEnd(err)
			return
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		s.handleFrame(ctx, frame)
	}
}

func (s *Service) logReadEnd(err error) {
	switch {
	case s.stopping.Load():
		s.log.WithError(err).Debug("Read loop ended by stop")
	case errors.Is(err, io.EOF):
		s.log.Info("Frame source exhausted")
	default:
		s.log.WithError(err).Error("Failed to read from frame source")
	}
}

func (s *Service) handleFrame(ctx context.Context, frame []byte) {
	s.metrics.FrameRead()
	s.opts.Dumper.Write(s.opts.Now(), frame)

	pkt, err := protocol.Parse(frame, s.opts.LocalV4, s.opts.LocalV6)
	if err != nil {
		s.metrics.ParseFailed(parseFailureReason(err))
		s.log.WithError(err).WithField("len", len(frame)).Debug("Skipping unparseable frame")
		return
	}

	var owner string
	if s.opts.Resolver != nil {
		if name, ok := s.opts.Resolver.Resolve(pkt); ok {
			owner = name
		}
	}
	s.opts.Aggregator.Register(ctx, pkt, frame, owner, s.dispatcher.Emit)
}

func (s *Service) sweep(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.opts.Aggregator.FlushExpired(ctx, s.dispatcher.Emit); n > 0 {
				s.log.WithField("sessions", n).Debug("Flushed idle flows")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop closes the source, waits for the read loop, flushes every pending flow,
// drains the dispatcher and closes the session bus. It is idempotent.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stopped:
		return nil
	case idle:
		s.state = stopped
		close(s.done)
		return s.opts.Source.Close()
	}
	s.state = stopped
	s.stopping.Store(true)

	var errs []error
	if err := s.opts.Source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close source: %w", err))
	}
	s.cancel()
	s.wg.Wait()

	flushed := s.opts.Aggregator.FlushAll(context.Background(), s.dispatcher.Emit)
	s.dispatcher.Close()
	if err := s.opts.Dumper.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close dump: %w", err))
	}
	s.bus.Close()

	s.log.WithField("flushed", flushed).Info("Capture service stopped")
	return errors.Join(errs...)
}

func parseFailureReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrEmptyFrame):
		return "empty"
	case errors.Is(err, protocol.ErrUnsupportedVersion):
		return "version"
	case errors.Is(err, protocol.ErrBadHeaderLength):
		return "header_length"
	case errors.Is(err, protocol.ErrBadTotalLength):
		return "total_length"
	default:
		return "other"
	}
}
