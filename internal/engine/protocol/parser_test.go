package protocol

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"

	"Go2NetGuard/internal/model"
)

var (
	localV4 = netip.MustParseAddr("10.0.0.2")
	localV6 = netip.MustParseAddr("fd00:1:fd00::2")
)

// ipv4Frame builds a minimal IPv4 frame with a 20-byte header followed by payload.
func ipv4Frame(src, dst string, proto uint8, totalLen uint16, payload []byte) []byte {
	frame := make([]byte, 20+len(payload))
	frame[0] = 0x45
	binary.BigEndian.PutUint16(frame[2:4], totalLen)
	frame[8] = 64
	frame[9] = proto
	s := netip.MustParseAddr(src).As4()
	d := netip.MustParseAddr(dst).As4()
	copy(frame[12:16], s[:])
	copy(frame[16:20], d[:])
	copy(frame[20:], payload)
	return frame
}

func ipv6Frame(src, dst string, next uint8, payload []byte) []byte {
	frame := make([]byte, 40+len(payload))
	frame[0] = 0x60
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(payload)))
	frame[6] = next
	frame[7] = 64
	s := netip.MustParseAddr(src).As16()
	d := netip.MustParseAddr(dst).As16()
	copy(frame[8:24], s[:])
	copy(frame[24:40], d[:])
	copy(frame[40:], payload)
	return frame
}

func ports(src, dst uint16) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint16(b[0:2], src)
	binary.BigEndian.PutUint16(b[2:4], dst)
	return b
}

func TestParseIPv4TCP(t *testing.T) {
	frame := ipv4Frame("10.0.0.2", "93.184.216.34", ProtoTCP, 28, ports(40000, 443))

	pkt, err := Parse(frame, localV4, localV6)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if pkt.SrcIP.String() != "10.0.0.2" || pkt.DstIP.String() != "93.184.216.34" {
		t.Errorf("unexpected addresses: %s -> %s", pkt.SrcIP, pkt.DstIP)
	}
	if !pkt.HasPorts || pkt.SrcPort != 40000 || pkt.DstPort != 443 {
		t.Errorf("unexpected ports: %+v", pkt)
	}
	if pkt.Protocol != "TCP" || pkt.ProtocolNumber != ProtoTCP {
		t.Errorf("unexpected protocol %s/%d", pkt.Protocol, pkt.ProtocolNumber)
	}
	if pkt.Direction != model.Outgoing {
		t.Errorf("expected OUTGOING, got %s", pkt.Direction)
	}
	if pkt.TotalBytes != 28 {
		t.Errorf("expected 28 total bytes, got %d", pkt.TotalBytes)
	}
}

func TestParseIdempotent(t *testing.T) {
	frame := ipv4Frame("10.0.0.2", "1.1.1.1", ProtoUDP, 28, ports(5353, 53))
	first, err := Parse(frame, localV4, localV6)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	second, err := Parse(frame, localV4, localV6)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if *first != *second {
		t.Errorf("parsing the same frame twice differs: %+v vs %+v", first, second)
	}
}

func TestParseTotalBytesClamp(t *testing.T) {
	tests := []struct {
		name     string
		declared uint16
		want     int
	}{
		{"declared below captured", 24, 24},
		{"declared equals captured", 28, 28},
		{"declared above captured", 1500, 28},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := ipv4Frame("10.0.0.2", "8.8.8.8", ProtoUDP, tt.declared, ports(1000, 53))
			pkt, err := Parse(frame, localV4, localV6)
			if err != nil {
				t.Fatalf("Parse returned error: %v", err)
			}
			if pkt.TotalBytes != tt.want {
				t.Errorf("TotalBytes = %d, want %d", pkt.TotalBytes, tt.want)
			}
		})
	}
}

func TestParseDirection(t *testing.T) {
	tests := []struct {
		name string
		src  string
		dst  string
		want model.Direction
	}{
		{"source is local", "10.0.0.2", "8.8.8.8", model.Outgoing},
		{"destination is local", "8.8.8.8", "10.0.0.2", model.Incoming},
		{"neither is local", "192.168.1.5", "8.8.8.8", model.Outgoing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := Parse(ipv4Frame(tt.src, tt.dst, ProtoTCP, 28, ports(1, 2)), localV4, localV6)
			if err != nil {
				t.Fatalf("Parse returned error: %v", err)
			}
			if pkt.Direction != tt.want {
				t.Errorf("direction = %s, want %s", pkt.Direction, tt.want)
			}
		})
	}

	pkt, err := Parse(ipv4Frame("8.8.8.8", "10.0.0.2", ProtoTCP, 28, ports(1, 2)), netip.Addr{}, localV6)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if pkt.Direction != model.Outgoing {
		t.Errorf("unknown local address should default to OUTGOING, got %s", pkt.Direction)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	badIHL := ipv4Frame("10.0.0.2", "8.8.8.8", ProtoTCP, 28, ports(1, 2))
	badIHL[0] = 0x44
	longIHL := ipv4Frame("10.0.0.2", "8.8.8.8", ProtoTCP, 28, nil)
	longIHL[0] = 0x46

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"empty", nil, ErrEmptyFrame},
		{"version 5", []byte{0x50, 0, 0, 0}, ErrUnsupportedVersion},
		{"ihl below 20", badIHL, ErrBadHeaderLength},
		{"ihl beyond capture", longIHL, ErrBadHeaderLength},
		{"short ipv4", []byte{0x45, 0, 0, 20}, ErrBadHeaderLength},
		{"zero total length", ipv4Frame("10.0.0.2", "8.8.8.8", ProtoTCP, 0, ports(1, 2)), ErrBadTotalLength},
		{"short ipv6", make([]byte, 39), ErrBadHeaderLength},
	}
	tests[len(tests)-1].frame[0] = 0x60

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := Parse(tt.frame, localV4, localV6)
			if pkt != nil {
				t.Errorf("expected nil packet, got %+v", pkt)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseICMPHasNoPorts(t *testing.T) {
	pkt, err := Parse(ipv4Frame("10.0.0.2", "8.8.8.8", ProtoICMP, 28, make([]byte, 8)), localV4, localV6)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if pkt.HasPorts {
		t.Errorf("ICMP packet should not carry ports: %+v", pkt)
	}
	if pkt.Protocol != "ICMP" {
		t.Errorf("protocol = %s, want ICMP", pkt.Protocol)
	}
}

func TestParseTruncatedTransportHeader(t *testing.T) {
	pkt, err := Parse(ipv4Frame("10.0.0.2", "8.8.8.8", ProtoTCP, 22, []byte{0x01, 0x02}), localV4, localV6)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if pkt.HasPorts {
		t.Errorf("ports should be absent when fewer than 4 bytes follow the header")
	}
}

func TestParseUnknownProtocolName(t *testing.T) {
	pkt, err := Parse(ipv4Frame("10.0.0.2", "8.8.8.8", 47, 20, nil), localV4, localV6)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if pkt.Protocol != "IP-47" {
		t.Errorf("protocol = %s, want IP-47", pkt.Protocol)
	}
}

func TestParseIPv6(t *testing.T) {
	frame := ipv6Frame("2001:db8::1", "fd00:1:fd00::2", ProtoUDP, ports(53, 5353))

	pkt, err := Parse(frame, localV4, localV6)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if pkt.SrcIP.String() != "2001:db8::1" {
		t.Errorf("source = %s, want canonical 2001:db8::1", pkt.SrcIP)
	}
	if pkt.Direction != model.Incoming {
		t.Errorf("direction = %s, want INCOMING", pkt.Direction)
	}
	if !pkt.HasPorts || pkt.SrcPort != 53 || pkt.DstPort != 5353 {
		t.Errorf("unexpected ports %+v", pkt)
	}
	if pkt.TotalBytes != len(frame) {
		t.Errorf("TotalBytes = %d, want %d", pkt.TotalBytes, len(frame))
	}
}

func TestParseIPv6DoesNotWalkExtensionHeaders(t *testing.T) {
	// Next header 0 is hop-by-hop options; the bytes after the fixed header are not ports.
	frame := ipv6Frame("fd00:1:fd00::2", "2001:db8::1", 0, ports(1, 2))
	pkt, err := Parse(frame, localV4, localV6)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if pkt.Protocol != "IP6-0" || pkt.HasPorts {
		t.Errorf("expected IP6-0 without ports, got %+v", pkt)
	}
}
