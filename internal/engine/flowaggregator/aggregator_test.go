package flowaggregator

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
)

type evaluatorFunc func(packets [][]byte, owner string) model.RiskSummary

func (f evaluatorFunc) Evaluate(packets [][]byte, owner string) model.RiskSummary {
	return f(packets, owner)
}

func fixedRisk(r model.RiskSummary) evaluatorFunc {
	return func([][]byte, string) model.RiskSummary { return r }
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type collector struct {
	mu       sync.Mutex
	sessions []model.TrafficSession
}

func (c *collector) emit(_ context.Context, s model.TrafficSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, s)
	return nil
}

func (c *collector) all() []model.TrafficSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.TrafficSession(nil), c.sessions...)
}

func packet(dport uint16, dir model.Direction, size int) *model.ParsedPacket {
	return &model.ParsedPacket{
		SrcIP:          netip.MustParseAddr("10.0.0.2"),
		DstIP:          netip.MustParseAddr("93.184.216.34"),
		SrcPort:        40000,
		DstPort:        dport,
		HasPorts:       true,
		Protocol:       "TCP",
		ProtocolNumber: 6,
		Direction:      dir,
		TotalBytes:     size,
	}
}

func newTestAggregator(e evaluatorFunc, clock *fakeClock, window time.Duration, minBytes int64) *Aggregator {
	return New(e, Options{
		FlushWindow: window,
		MinBytes:    minBytes,
		Now:         clock.Now,
		Logger:      logging.Discard(),
	})
}

var mediumRisk = model.RiskSummary{Label: model.RiskMedium, Score: 0.6}

func TestBelowThresholdsThenFlushAll(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	agg := newTestAggregator(fixedRisk(mediumRisk), clock, 1500*time.Millisecond, 1024)
	out := &collector{}
	ctx := context.Background()

	agg.Register(ctx, packet(443, model.Outgoing, 40), make([]byte, 40), "", out.emit)
	clock.Advance(100 * time.Millisecond)
	agg.Register(ctx, packet(443, model.Outgoing, 60), make([]byte, 60), "", out.emit)

	if got := len(out.all()); got != 0 {
		t.Fatalf("expected no flush below thresholds, got %d sessions", got)
	}
	if agg.Len() != 1 {
		t.Fatalf("expected one live flow, got %d", agg.Len())
	}

	if n := agg.FlushAll(ctx, out.emit); n != 1 {
		t.Errorf("FlushAll flushed %d flows, want 1", n)
	}
	sessions := out.all()
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.BytesSent != 100 || s.BytesReceived != 0 || s.PacketCount != 2 {
		t.Errorf("session bytes = %d/%d packets %d, want 100/0 and 2", s.BytesSent, s.BytesReceived, s.PacketCount)
	}
	if s.ID == "" || s.AppPackage != model.UnknownApp || s.Direction != "OUTGOING" {
		t.Errorf("unexpected session identity: %+v", s)
	}
	if !s.Timestamp.Equal(s.FirstSeen.Add(100 * time.Millisecond)) {
		t.Errorf("timestamp should be the last update, got first=%s last=%s", s.FirstSeen, s.Timestamp)
	}
	if agg.Len() != 0 {
		t.Errorf("table should be empty after FlushAll, has %d", agg.Len())
	}
}

func TestFlushOnMinBytes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	agg := newTestAggregator(fixedRisk(mediumRisk), clock, time.Hour, 100)
	out := &collector{}

	agg.Register(context.Background(), packet(443, model.Outgoing, 60), nil, "", out.emit)
	agg.Register(context.Background(), packet(443, model.Outgoing, 40), nil, "", out.emit)

	sessions := out.all()
	if len(sessions) != 1 || sessions[0].BytesSent != 100 {
		t.Fatalf("expected one 100-byte session, got %+v", sessions)
	}
	if sessions[0].RiskLabel != model.RiskMedium || sessions[0].RiskScore != 0.6 {
		t.Errorf("evaluator result should be used verbatim, got %s/%v", sessions[0].RiskLabel, sessions[0].RiskScore)
	}
	if agg.Len() != 0 {
		t.Errorf("flushed flow should leave the table")
	}
}

func TestFlushOnWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	agg := newTestAggregator(fixedRisk(mediumRisk), clock, time.Second, 1<<20)
	out := &collector{}

	agg.Register(context.Background(), packet(443, model.Outgoing, 10), nil, "", out.emit)
	clock.Advance(999 * time.Millisecond)
	agg.Register(context.Background(), packet(443, model.Outgoing, 10), nil, "", out.emit)
	if len(out.all()) != 0 {
		t.Fatalf("flushed before the window elapsed")
	}
	clock.Advance(time.Millisecond)
	agg.Register(context.Background(), packet(443, model.Outgoing, 10), nil, "", out.emit)

	sessions := out.all()
	if len(sessions) != 1 || sessions[0].PacketCount != 3 {
		t.Fatalf("expected one session with 3 packets, got %+v", sessions)
	}
}

func TestByteConservationAcrossFlushes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	agg := newTestAggregator(fixedRisk(mediumRisk), clock, time.Hour, 250)
	out := &collector{}
	ctx := context.Background()

	var wantOut, wantIn int64
	for i := 1; i <= 37; i++ {
		size := 10 + i*7
		agg.Register(ctx, packet(8080, model.Outgoing, size), nil, "", out.emit)
		wantOut += int64(size)
		agg.Register(ctx, packet(8080, model.Incoming, size/2), nil, "", out.emit)
		wantIn += int64(size / 2)
	}
	agg.FlushAll(ctx, out.emit)

	var gotOut, gotIn int64
	packets := 0
	for _, s := range out.all() {
		gotOut += s.BytesSent
		gotIn += s.BytesReceived
		packets += s.PacketCount
		if s.Direction == "OUTGOING" && s.BytesReceived != 0 {
			t.Errorf("outgoing session counted received bytes: %+v", s)
		}
	}
	if gotOut != wantOut || gotIn != wantIn {
		t.Errorf("bytes out/in = %d/%d, want %d/%d", gotOut, gotIn, wantOut, wantIn)
	}
	if packets != 74 {
		t.Errorf("packets across sessions = %d, want 74", packets)
	}
}

func TestDirectionsAreSeparateFlows(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	agg := newTestAggregator(fixedRisk(mediumRisk), clock, time.Hour, 1<<20)

	agg.Register(context.Background(), packet(443, model.Outgoing, 10), nil, "", nil)
	reply := packet(443, model.Incoming, 10)
	reply.SrcIP, reply.DstIP = reply.DstIP, reply.SrcIP
	reply.SrcPort, reply.DstPort = reply.DstPort, reply.SrcPort
	agg.Register(context.Background(), reply, nil, "", nil)

	if agg.Len() != 2 {
		t.Errorf("expected 2 flows for the two directions, got %d", agg.Len())
	}
}

func TestOwnerNeverRegresses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	agg := newTestAggregator(fixedRisk(mediumRisk), clock, time.Hour, 1<<20)
	out := &collector{}
	ctx := context.Background()

	agg.Register(ctx, packet(443, model.Outgoing, 10), nil, "", out.emit)
	agg.Register(ctx, packet(443, model.Outgoing, 10), nil, "com.example.app", out.emit)
	agg.Register(ctx, packet(443, model.Outgoing, 10), nil, "", out.emit)
	agg.Register(ctx, packet(443, model.Outgoing, 10), nil, model.UnknownApp, out.emit)
	agg.FlushAll(ctx, out.emit)

	if got := out.all()[0].AppPackage; got != "com.example.app" {
		t.Errorf("app package = %q, want com.example.app", got)
	}
}

func TestEvaluatorReceivesBufferedPackets(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var gotPackets int
	var gotOwner string
	e := evaluatorFunc(func(packets [][]byte, owner string) model.RiskSummary {
		gotPackets, gotOwner = len(packets), owner
		return mediumRisk
	})
	agg := newTestAggregator(e, clock, time.Hour, 1<<20)

	agg.Register(context.Background(), packet(443, model.Outgoing, 10), []byte{1}, "org.example", nil)
	agg.Register(context.Background(), packet(443, model.Outgoing, 10), []byte{2}, "", nil)
	agg.FlushAll(context.Background(), nil)

	if gotPackets != 2 || gotOwner != "org.example" {
		t.Errorf("evaluator saw %d packets for %q", gotPackets, gotOwner)
	}
}

func TestHeuristicFallbackOnAbstention(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	agg := newTestAggregator(fixedRisk(model.RiskSummary{}), clock, time.Hour, 1<<20)
	out := &collector{}

	agg.Register(context.Background(), packet(443, model.Outgoing, 10), nil, "", out.emit)
	agg.FlushAll(context.Background(), out.emit)

	s := out.all()[0]
	if s.RiskLabel != model.RiskMedium || s.RiskScore != 0.50 {
		t.Errorf("fallback = %s/%v, want Medium/0.50", s.RiskLabel, s.RiskScore)
	}
}

func TestEmitFailureDoesNotStopFlushing(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	agg := newTestAggregator(fixedRisk(mediumRisk), clock, time.Hour, 1<<20)
	calls := 0
	emit := func(context.Context, model.TrafficSession) error {
		calls++
		if calls == 1 {
			panic("store crashed")
		}
		return errors.New("disk full")
	}

	for port := uint16(1); port <= 3; port++ {
		agg.Register(context.Background(), packet(port, model.Outgoing, 10), nil, "", nil)
	}
	if n := agg.FlushAll(context.Background(), emit); n != 3 {
		t.Errorf("FlushAll = %d, want 3", n)
	}
	if calls != 3 {
		t.Errorf("emit called %d times, want 3", calls)
	}
}

func TestFlushExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	agg := newTestAggregator(fixedRisk(mediumRisk), clock, time.Second, 1<<20)
	out := &collector{}

	agg.Register(context.Background(), packet(1, model.Outgoing, 10), nil, "", out.emit)
	clock.Advance(600 * time.Millisecond)
	agg.Register(context.Background(), packet(2, model.Outgoing, 10), nil, "", out.emit)
	clock.Advance(500 * time.Millisecond)

	if n := agg.FlushExpired(context.Background(), out.emit); n != 1 {
		t.Errorf("FlushExpired = %d, want 1", n)
	}
	if agg.Len() != 1 || out.all()[0].DstPort != 1 {
		t.Errorf("only the older flow should have expired")
	}
}

func TestPortlessFlow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	agg := newTestAggregator(fixedRisk(model.RiskSummary{}), clock, time.Hour, 1<<20)
	out := &collector{}

	icmp := &model.ParsedPacket{
		SrcIP:          netip.MustParseAddr("10.0.0.2"),
		DstIP:          netip.MustParseAddr("8.8.8.8"),
		Protocol:       "ICMP",
		ProtocolNumber: 1,
		TotalBytes:     84,
	}
	agg.Register(context.Background(), icmp, nil, "", out.emit)
	agg.FlushAll(context.Background(), out.emit)

	s := out.all()[0]
	if s.SrcPort != -1 || s.DstPort != -1 || s.Protocol != "ICMP" {
		t.Errorf("unexpected portless session %+v", s)
	}
	if s.RiskLabel != model.RiskLow || s.RiskScore != 0.20 {
		t.Errorf("portless fallback = %s/%v, want Low/0.20", s.RiskLabel, s.RiskScore)
	}
}

func TestConcurrentRegister(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	agg := newTestAggregator(fixedRisk(mediumRisk), clock, time.Hour, 500)
	out := &collector{}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				agg.Register(context.Background(), packet(uint16(w%3), model.Outgoing, 7), nil, "", out.emit)
			}
		}(w)
	}
	wg.Wait()
	agg.FlushAll(context.Background(), out.emit)

	var total int64
	for _, s := range out.all() {
		total += s.BytesSent
	}
	if total != 8*200*7 {
		t.Errorf("total bytes = %d, want %d", total, 8*200*7)
	}
}
