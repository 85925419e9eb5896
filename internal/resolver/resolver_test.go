package resolver

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
)

// countingQuerier records every call and answers from a fixed table keyed by local endpoint.
type countingQuerier struct {
	mu    sync.Mutex
	calls int
	last  [2]netip.AddrPort
	uids  map[netip.AddrPort]int
	err   error
}

func (q *countingQuerier) QueryOwner(protocol uint8, local, remote netip.AddrPort) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	q.last = [2]netip.AddrPort{local, remote}
	if q.err != nil {
		return -1, q.err
	}
	if uid, ok := q.uids[local]; ok {
		return uid, nil
	}
	return -1, nil
}

func (q *countingQuerier) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func packages(names map[int]string) PackageLookup {
	return func(uid int) (string, bool) {
		name, ok := names[uid]
		return name, ok
	}
}

func tcpPacket(src string, sport uint16, dst string, dport uint16, dir model.Direction) *model.ParsedPacket {
	return &model.ParsedPacket{
		SrcIP:          netip.MustParseAddr(src),
		DstIP:          netip.MustParseAddr(dst),
		SrcPort:        sport,
		DstPort:        dport,
		HasPorts:       true,
		Protocol:       "TCP",
		ProtocolNumber: 6,
		Direction:      dir,
	}
}

func newTestResolver(t *testing.T, q Querier, lookup PackageLookup, size int) *Resolver {
	t.Helper()
	r, err := New(q, lookup, Options{CacheSize: size, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return r
}

func TestResolveCachesResult(t *testing.T) {
	q := &countingQuerier{uids: map[netip.AddrPort]int{netip.MustParseAddrPort("10.0.0.2:40000"): 10123}}
	r := newTestResolver(t, q, packages(map[int]string{10123: "com.example.browser"}), 0)
	pkt := tcpPacket("10.0.0.2", 40000, "93.184.216.34", 443, model.Outgoing)

	first, ok := r.Resolve(pkt)
	if !ok || first != "com.example.browser" {
		t.Fatalf("first resolve = %q, %v", first, ok)
	}
	second, ok := r.Resolve(pkt)
	if !ok || second != first {
		t.Errorf("second resolve = %q, %v; want %q", second, ok, first)
	}
	if q.count() != 1 {
		t.Errorf("querier called %d times, want 1", q.count())
	}
}

func TestResolveWithoutPortsSkipsQuery(t *testing.T) {
	q := &countingQuerier{}
	r := newTestResolver(t, q, packages(nil), 0)
	pkt := &model.ParsedPacket{
		SrcIP:          netip.MustParseAddr("10.0.0.2"),
		DstIP:          netip.MustParseAddr("8.8.8.8"),
		Protocol:       "UDP",
		ProtocolNumber: 17,
	}

	if name, ok := r.Resolve(pkt); ok || name != "" {
		t.Errorf("expected no owner, got %q", name)
	}
	if q.count() != 0 {
		t.Errorf("querier should not be called, got %d calls", q.count())
	}
	if r.Len() != 0 {
		t.Errorf("nothing should be cached, got %d entries", r.Len())
	}
}

func TestResolveCachesMisses(t *testing.T) {
	q := &countingQuerier{}
	r := newTestResolver(t, q, packages(nil), 0)
	pkt := tcpPacket("10.0.0.2", 40001, "1.1.1.1", 443, model.Outgoing)

	for i := 0; i < 3; i++ {
		if _, ok := r.Resolve(pkt); ok {
			t.Fatalf("expected no owner")
		}
	}
	if q.count() != 1 {
		t.Errorf("failed lookups should be cached, querier called %d times", q.count())
	}
}

func TestResolveIncomingUsesDestinationAsLocal(t *testing.T) {
	q := &countingQuerier{uids: map[netip.AddrPort]int{netip.MustParseAddrPort("10.0.0.2:40000"): 10050}}
	r := newTestResolver(t, q, packages(map[int]string{10050: "org.example.mail"}), 0)

	name, ok := r.Resolve(tcpPacket("93.184.216.34", 443, "10.0.0.2", 40000, model.Incoming))
	if !ok || name != "org.example.mail" {
		t.Fatalf("resolve = %q, %v", name, ok)
	}
	if q.last[0] != netip.MustParseAddrPort("10.0.0.2:40000") || q.last[1] != netip.MustParseAddrPort("93.184.216.34:443") {
		t.Errorf("unexpected socket pair passed to querier: %v", q.last)
	}
}

func TestResolveDegradesOnErrors(t *testing.T) {
	tests := []struct {
		name string
		q    Querier
	}{
		{"permission denied", &countingQuerier{err: fmt.Errorf("reading table: %w", ErrPermissionDenied)}},
		{"invalid argument", &countingQuerier{err: ErrInvalidArgument}},
		{"unexpected", &countingQuerier{err: errors.New("boom")}},
		{"panic", QuerierFunc(func(uint8, netip.AddrPort, netip.AddrPort) (int, error) { panic("native crash") })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(t, tt.q, packages(map[int]string{1: "x"}), 0)
			if name, ok := r.Resolve(tcpPacket("10.0.0.2", 1, "8.8.8.8", 53, model.Outgoing)); ok {
				t.Errorf("expected degraded result, got %q", name)
			}
		})
	}
}

func TestResolveBlankPackageIsNotFound(t *testing.T) {
	q := &countingQuerier{uids: map[netip.AddrPort]int{netip.MustParseAddrPort("10.0.0.2:5000"): 10001}}
	r := newTestResolver(t, q, packages(map[int]string{10001: "   "}), 0)
	if name, ok := r.Resolve(tcpPacket("10.0.0.2", 5000, "8.8.8.8", 53, model.Outgoing)); ok {
		t.Errorf("blank package name should not resolve, got %q", name)
	}
}

func TestResolveEvictsLeastRecentlyUsed(t *testing.T) {
	q := &countingQuerier{}
	r := newTestResolver(t, q, packages(nil), 2)

	a := tcpPacket("10.0.0.2", 1, "8.8.8.8", 53, model.Outgoing)
	b := tcpPacket("10.0.0.2", 2, "8.8.8.8", 53, model.Outgoing)
	c := tcpPacket("10.0.0.2", 3, "8.8.8.8", 53, model.Outgoing)

	r.Resolve(a)
	r.Resolve(b)
	r.Resolve(a) // a becomes most recently used
	r.Resolve(c) // evicts b
	if q.count() != 3 {
		t.Fatalf("expected 3 queries so far, got %d", q.count())
	}
	if r.Len() != 2 {
		t.Errorf("cache size = %d, want 2", r.Len())
	}

	r.Resolve(a)
	if q.count() != 3 {
		t.Errorf("a should still be cached, querier called %d times", q.count())
	}
	r.Resolve(b)
	if q.count() != 4 {
		t.Errorf("b should have been evicted, querier called %d times", q.count())
	}
}

func TestResolveConcurrent(t *testing.T) {
	q := &countingQuerier{uids: map[netip.AddrPort]int{}}
	r := newTestResolver(t, q, packages(nil), 64)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Resolve(tcpPacket("10.0.0.2", uint16(j%32), "8.8.8.8", 53, model.Outgoing))
			}
		}(i)
	}
	wg.Wait()
	if r.Len() != 32 {
		t.Errorf("cache size = %d, want 32", r.Len())
	}
}

func TestMatchOwner(t *testing.T) {
	lines := []socketLine{
		{local: netip.MustParseAddrPort("10.0.0.2:40000"), remote: netip.MustParseAddrPort("93.184.216.34:443"), uid: 10001},
		{local: netip.MustParseAddrPort("0.0.0.0:5353"), remote: netip.MustParseAddrPort("0.0.0.0:0"), uid: 10002},
	}

	if uid := matchOwner(protoTCP, lines, netip.MustParseAddrPort("10.0.0.2:40000"), netip.MustParseAddrPort("93.184.216.34:443")); uid != 10001 {
		t.Errorf("exact match uid = %d, want 10001", uid)
	}
	if uid := matchOwner(protoUDP, lines, netip.MustParseAddrPort("10.0.0.2:5353"), netip.MustParseAddrPort("224.0.0.251:5353")); uid != 10002 {
		t.Errorf("unconnected udp uid = %d, want 10002", uid)
	}
	if uid := matchOwner(protoTCP, lines, netip.MustParseAddrPort("10.0.0.2:5353"), netip.MustParseAddrPort("224.0.0.251:5353")); uid != -1 {
		t.Errorf("tcp must not use the udp fallback, got %d", uid)
	}
}

func TestProcfsQuerierReadsTCPTable(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "net"), 0o755); err != nil {
		t.Fatal(err)
	}
	table := "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n" +
		"   0: 0200000A:9C40 22D8B85D:01BB 01 00000000:00000000 00:00000000 00000000 10123        0 4242 1 0000000000000000 20 4 30 10 -1\n"
	if err := os.WriteFile(filepath.Join(root, "net", "tcp"), []byte(table), 0o644); err != nil {
		t.Fatal(err)
	}

	q, err := NewProcfsQuerier(root)
	if err != nil {
		t.Fatalf("NewProcfsQuerier returned error: %v", err)
	}
	uid, err := q.QueryOwner(protoTCP, netip.MustParseAddrPort("10.0.0.2:40000"), netip.MustParseAddrPort("93.184.216.34:443"))
	if err != nil {
		t.Fatalf("QueryOwner returned error: %v", err)
	}
	if uid != 10123 {
		t.Errorf("uid = %d, want 10123", uid)
	}

	if _, err := q.QueryOwner(1, netip.MustParseAddrPort("10.0.0.2:0"), netip.MustParseAddrPort("8.8.8.8:0")); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ICMP query error = %v, want ErrInvalidArgument", err)
	}
}
