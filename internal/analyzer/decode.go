package analyzer

import (
	"hash/crc32"
	"math"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	maxPacketSize  = 65535
	entropyWindow  = 512
	udpHeaderBytes = 8
)

type dnsQuery struct {
	name  string
	qtype uint16
	rcode uint8
}

// packetContext is everything the heuristics look at for one packet.
type packetContext struct {
	valid      bool
	truncated  bool
	tampered   bool
	length     int
	payloadLen int
	crc        uint32
	entropy    float64
	src        string
	dst        string
	protocol   string
	direction  string // outbound, inbound or lan
	srcPort    int
	dstPort    int
	hopLimit   uint8
	dns        *dnsQuery
}

// decodePacket uses gopacket to decode a raw IP frame. Decoding failures mark the
// context as tampered rather than returning an error.
func decodePacket(raw []byte) packetContext {
	ctx := packetContext{
		length:    len(raw),
		protocol:  "OTHER",
		direction: "outbound",
		tampered:  len(raw) == 0,
	}
	if len(raw) == 0 {
		return ctx
	}
	ctx.truncated = len(raw) > maxPacketSize
	ctx.crc = crc32.ChecksumIEEE(raw[:min(len(raw), maxPacketSize)])

	var first gopacket.LayerType
	switch raw[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		ctx.tampered = true
		return ctx
	}
	packet := gopacket.NewPacket(raw, first, gopacket.DecodeOptions{NoCopy: true})
	if headerDecodeFailed(packet) {
		ctx.tampered = true
		return ctx
	}

	var (
		srcAddr, dstAddr netip.Addr
		nextTCP, nextUDP bool
		remain           int
	)
	if l := packet.Layer(layers.LayerTypeIPv4); l != nil {
		ip := l.(*layers.IPv4)
		if ip.IHL < 5 || int(ip.Length) < int(ip.IHL)*4 {
			ctx.tampered = true
			return ctx
		}
		srcAddr, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		dstAddr, _ = netip.AddrFromSlice(ip.DstIP.To4())
		ctx.hopLimit = ip.TTL
		nextTCP = ip.Protocol == layers.IPProtocolTCP
		nextUDP = ip.Protocol == layers.IPProtocolUDP
		remain = len(ip.Payload)
	} else if l := packet.Layer(layers.LayerTypeIPv6); l != nil {
		ip := l.(*layers.IPv6)
		srcAddr, _ = netip.AddrFromSlice(ip.SrcIP)
		dstAddr, _ = netip.AddrFromSlice(ip.DstIP)
		ctx.hopLimit = ip.HopLimit
		nextTCP = ip.NextHeader == layers.IPProtocolTCP
		nextUDP = ip.NextHeader == layers.IPProtocolUDP
		remain = len(ip.Payload)
	} else {
		ctx.tampered = true
		return ctx
	}
	ctx.src = srcAddr.String()
	ctx.dst = dstAddr.String()
	ctx.direction = classifyDirection(srcAddr, dstAddr)
	ctx.payloadLen = remain

	switch {
	case nextTCP && remain >= 20:
		l := packet.Layer(layers.LayerTypeTCP)
		if l == nil {
			// Data offset points outside the segment.
			ctx.tampered = true
			return ctx
		}
		tcp := l.(*layers.TCP)
		ctx.protocol = "TCP"
		ctx.srcPort = int(tcp.SrcPort)
		ctx.dstPort = int(tcp.DstPort)
		ctx.payloadLen = len(tcp.Payload)
	case nextUDP && remain >= udpHeaderBytes:
		if l := packet.Layer(layers.LayerTypeUDP); l != nil {
			udp := l.(*layers.UDP)
			ctx.protocol = "UDP"
			ctx.srcPort = int(udp.SrcPort)
			ctx.dstPort = int(udp.DstPort)
			ctx.payloadLen = max(remain-udpHeaderBytes, 0)
			if ctx.srcPort == 53 || ctx.dstPort == 53 {
				ctx.dns = decodeDNS(packet)
			}
		}
	}

	ctx.valid = true
	ctx.entropy = shannonEntropy(raw[:min(len(raw), entropyWindow)])
	return ctx
}

// headerDecodeFailed reports whether gopacket gave up on the IP or transport
// header. gopacket keeps the half-decoded layer in the packet and appends a
// failure layer right after it.
func headerDecodeFailed(packet gopacket.Packet) bool {
	if packet.ErrorLayer() == nil {
		return false
	}
	ls := packet.Layers()
	for i, l := range ls {
		if l.LayerType() != gopacket.LayerTypeDecodeFailure {
			continue
		}
		if i == 0 {
			return true
		}
		switch ls[i-1].LayerType() {
		case layers.LayerTypeIPv4, layers.LayerTypeIPv6, layers.LayerTypeTCP, layers.LayerTypeUDP:
			return true
		}
		return false
	}
	return false
}

func decodeDNS(packet gopacket.Packet) *dnsQuery {
	l := packet.Layer(layers.LayerTypeDNS)
	if l == nil {
		return nil
	}
	dns := l.(*layers.DNS)
	if len(dns.Questions) == 0 {
		return nil
	}
	q := dns.Questions[0]
	return &dnsQuery{
		name:  string(q.Name),
		qtype: uint16(q.Type),
		rcode: uint8(dns.ResponseCode),
	}
}

// classifyDirection looks at address scope only: traffic towards a public address
// is outbound, traffic from one is inbound, private-to-private is lan.
func classifyDirection(src, dst netip.Addr) string {
	switch {
	case !isPrivate(dst):
		return "outbound"
	case !isPrivate(src):
		return "inbound"
	default:
		return "lan"
	}
}

func isPrivate(a netip.Addr) bool {
	return a.IsPrivate() || a.IsLoopback()
}

// shannonEntropy returns bits per byte in [0, 8].
func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var histogram [256]int
	for _, b := range data {
		histogram[b]++
	}
	entropy := 0.0
	n := float64(len(data))
	for _, count := range histogram {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
