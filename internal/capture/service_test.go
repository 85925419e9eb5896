package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"Go2NetGuard/internal/engine/flowaggregator"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/risk"
	"Go2NetGuard/internal/sink"
)

var (
	localV4  = netip.MustParseAddr("10.0.0.2")
	localV6  = netip.MustParseAddr("fd00:1:fd00::2")
	remoteV4 = netip.MustParseAddr("93.184.216.34")
)

// tcpFrame builds an IPv4/TCP frame carrying payload bytes of zeroes.
func tcpFrame(src, dst netip.Addr, sport, dport uint16, payload int) []byte {
	total := 40 + payload
	b := make([]byte, total)
	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	b[8] = 64
	b[9] = 6
	s4, d4 := src.As4(), dst.As4()
	copy(b[12:16], s4[:])
	copy(b[16:20], d4[:])
	binary.BigEndian.PutUint16(b[20:22], sport)
	binary.BigEndian.PutUint16(b[22:24], dport)
	b[32] = 0x50
	return b
}

// memSource hands out frames in order, then either reports io.EOF or blocks until closed.
type memSource struct {
	frames   [][]byte
	eof      bool
	next     int
	drained  chan struct{}
	closed   chan struct{}
	once     sync.Once
	closeErr error

	mu          sync.Mutex
	closedCalls int
}

func newMemSource(eof bool, frames ...[]byte) *memSource {
	src := &memSource{frames: frames, eof: eof, drained: make(chan struct{}), closed: make(chan struct{})}
	if len(frames) == 0 {
		close(src.drained)
	}
	return src
}

func (m *memSource) Read(buf []byte) (int, error) {
	if m.next < len(m.frames) {
		n := copy(buf, m.frames[m.next])
		m.next++
		if m.next == len(m.frames) {
			close(m.drained)
		}
		return n, nil
	}
	if m.eof {
		return 0, io.EOF
	}
	<-m.closed
	return 0, ErrSourceClosed
}

func (m *memSource) Close() error {
	m.mu.Lock()
	m.closedCalls++
	m.mu.Unlock()
	m.once.Do(func() { close(m.closed) })
	return m.closeErr
}

func (m *memSource) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closedCalls
}

type recordingSink struct {
	mu       sync.Mutex
	sessions []model.TrafficSession
	err      error
	block    chan struct{}
}

func (r *recordingSink) Name() string { return "recorder" }

func (r *recordingSink) Write(_ context.Context, s model.TrafficSession) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
	return r.err
}

func (r *recordingSink) all() []model.TrafficSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TrafficSession(nil), r.sessions...)
}

func (r *recordingSink) waitFor(t *testing.T, n int) []model.TrafficSession {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := r.all()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sessions, have %d", n, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type staticResolver string

func (s staticResolver) Resolve(*model.ParsedPacket) (string, bool) {
	return string(s), s != ""
}

func newTestService(t *testing.T, src FrameSource, minBytes int64, resolver OwnerResolver, sinks ...*recordingSink) *Service {
	t.Helper()
	agg := flowaggregator.New(risk.HeuristicEvaluator{}, flowaggregator.Options{
		FlushWindow: time.Hour,
		MinBytes:    minBytes,
		Logger:      logging.Discard(),
	})
	opts := Options{
		Source:     src,
		Resolver:   resolver,
		Aggregator: agg,
		Dispatcher: DispatcherOptions{Logger: logging.Discard()},
		LocalV4:    localV4,
		LocalV6:    localV6,
		Logger:     logging.Discard(),
	}
	for _, s := range sinks {
		opts.Sinks = append(opts.Sinks, s)
	}
	svc, err := NewService(opts)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestServiceEmitsSessionAtThreshold(t *testing.T) {
	frames := [][]byte{
		tcpFrame(localV4, remoteV4, 40000, 443, 100),
		tcpFrame(localV4, remoteV4, 40000, 443, 100),
		tcpFrame(localV4, remoteV4, 40000, 443, 100),
	}
	src := newMemSource(false, frames...)
	rec := &recordingSink{}
	svc := newTestService(t, src, 400, staticResolver("com.example.browser"), rec)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer svc.Stop()

	got := rec.waitFor(t, 1)
	s := got[0]
	if s.AppPackage != "com.example.browser" {
		t.Errorf("AppPackage = %q", s.AppPackage)
	}
	if s.BytesSent != 420 || s.BytesReceived != 0 || s.PacketCount != 3 {
		t.Errorf("unexpected counters sent=%d recv=%d packets=%d", s.BytesSent, s.BytesReceived, s.PacketCount)
	}
	if s.Direction != "OUTGOING" || s.DstPort != 443 || s.Protocol != "TCP" {
		t.Errorf("unexpected session %+v", s)
	}
	if s.RiskLabel == "" {
		t.Errorf("session has no risk label")
	}
}

func TestStopFlushesPendingFlowsAndReleasesSource(t *testing.T) {
	src := newMemSource(false,
		tcpFrame(localV4, remoteV4, 40000, 443, 10),
		tcpFrame(remoteV4, localV4, 443, 40000, 10),
	)
	rec := &recordingSink{}
	svc := newTestService(t, src, 1<<20, nil, rec)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	<-src.drained
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("Stop should flush both directions, got %d sessions", len(got))
	}
	for _, s := range got {
		if s.AppPackage != model.UnknownApp {
			t.Errorf("AppPackage = %q, want %q", s.AppPackage, model.UnknownApp)
		}
	}
	if src.closeCount() != 1 {
		t.Errorf("source closed %d times, want 1", src.closeCount())
	}
	select {
	case <-svc.Done():
	default:
		t.Errorf("Done should be closed after Stop")
	}

	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop returned error: %v", err)
	}
	if src.closeCount() != 1 {
		t.Errorf("second Stop closed the source again")
	}
	if svc.Running() {
		t.Errorf("service still reports running")
	}
}

func TestSourceEOFEndsLoop(t *testing.T) {
	src := newMemSource(true, tcpFrame(localV4, remoteV4, 40000, 80, 10))
	rec := &recordingSink{}
	svc := newTestService(t, src, 1<<20, nil, rec)

	svc.Start(context.Background())
	select {
	case <-svc.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("Done not closed after EOF")
	}
	if len(rec.all()) != 0 {
		t.Errorf("EOF alone must not flush")
	}
	svc.Stop()
	if len(rec.all()) != 1 {
		t.Errorf("Stop after EOF should flush the pending flow")
	}
}

func TestMalformedFramesAreSkipped(t *testing.T) {
	src := newMemSource(false,
		[]byte{},
		[]byte{0x20, 0x00},
		[]byte{0x45, 0x00, 0x00},
		tcpFrame(localV4, remoteV4, 40000, 443, 10),
	)
	rec := &recordingSink{}
	svc := newTestService(t, src, 1<<20, nil, rec)

	svc.Start(context.Background())
	<-src.drained
	svc.Stop()

	if got := rec.all(); len(got) != 1 || got[0].PacketCount != 1 {
		t.Errorf("expected one single-packet session, got %+v", got)
	}
}

func TestSubscribeReceivesSessions(t *testing.T) {
	src := newMemSource(false)
	svc := newTestService(t, src, 1<<20, nil)

	if _, _, err := svc.Subscribe(1); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Subscribe before Start = %v, want ErrNotRunning", err)
	}
	svc.Start(context.Background())
	feed, cancel, err := svc.Subscribe(4)
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer cancel()

	svc.dispatcher.Emit(context.Background(), model.TrafficSession{ID: "live"})
	select {
	case s := <-feed:
		if s.ID != "live" {
			t.Errorf("got session %q", s.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber received nothing")
	}

	svc.Stop()
	if _, ok := <-feed; ok {
		t.Errorf("feed should be closed after Stop")
	}
	if err := svc.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("restart = %v, want ErrAlreadyStarted", err)
	}
}

func TestStopWithoutStartClosesSource(t *testing.T) {
	src := newMemSource(false)
	svc := newTestService(t, src, 1024, nil)
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if src.closeCount() != 1 {
		t.Errorf("source not closed")
	}
	<-svc.Done()
}

func TestSweepFlushesIdleFlows(t *testing.T) {
	now := time.Unix(1700000000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	agg := flowaggregator.New(risk.HeuristicEvaluator{}, flowaggregator.Options{
		FlushWindow: time.Second,
		MinBytes:    1 << 20,
		Now:         clock,
		Logger:      logging.Discard(),
	})
	src := newMemSource(false, tcpFrame(localV4, remoteV4, 40000, 443, 10))
	rec := &recordingSink{}
	svc, _ := NewService(Options{
		Source:        src,
		Aggregator:    agg,
		Sinks:         []sink.Sink{rec},
		LocalV4:       localV4,
		SweepInterval: 5 * time.Millisecond,
		Dispatcher:    DispatcherOptions{Logger: logging.Discard()},
		Logger:        logging.Discard(),
	})
	svc.Start(context.Background())
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for agg.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("frame never reached the flow table")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	if got := rec.waitFor(t, 1); got[0].PacketCount != 1 {
		t.Errorf("unexpected swept session %+v", got[0])
	}
}
