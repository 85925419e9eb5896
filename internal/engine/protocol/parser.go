package protocol

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"strconv"

	"Go2NetGuard/internal/model"
)

const (
	ipv4Version = 4
	ipv6Version = 6

	ipv4MinHeaderLen = 20
	ipv6HeaderLen    = 40

	ProtoICMP   = 1
	ProtoTCP    = 6
	ProtoUDP    = 17
	ProtoICMPv6 = 58
)

var (
	ErrEmptyFrame         = errors.New("empty frame")
	ErrUnsupportedVersion = errors.New("unsupported IP version")
	ErrBadHeaderLength    = errors.New("header length out of bounds")
	ErrBadTotalLength     = errors.New("declared total length is not positive")
)

// Parse decodes the IP header of a raw tunnel frame. localV4 and localV6 are the
// tunnel's own addresses and decide the packet direction; a zero Addr is treated as unknown.
//
// IPv6 extension headers are not walked: the next-header byte of the fixed header is
// taken as the protocol and ports are read right after byte 40.
func Parse(frame []byte, localV4, localV6 netip.Addr) (*model.ParsedPacket, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	switch frame[0] >> 4 {
	case ipv4Version:
		return parseIPv4(frame, localV4)
	case ipv6Version:
		return parseIPv6(frame, localV6)
	default:
		return nil, ErrUnsupportedVersion
	}
}

func parseIPv4(frame []byte, local netip.Addr) (*model.ParsedPacket, error) {
	captured := len(frame)
	headerLen := int(frame[0]&0x0f) * 4
	if headerLen < ipv4MinHeaderLen || headerLen > captured {
		return nil, ErrBadHeaderLength
	}

	totalLen := int(binary.BigEndian.Uint16(frame[2:4]))
	if totalLen <= 0 {
		return nil, ErrBadTotalLength
	}

	proto := frame[9]
	pkt := &model.ParsedPacket{
		SrcIP:          netip.AddrFrom4([4]byte(frame[12:16])),
		DstIP:          netip.AddrFrom4([4]byte(frame[16:20])),
		Protocol:       ProtocolName(proto, false),
		ProtocolNumber: proto,
		TotalBytes:     min(totalLen, captured),
	}
	pkt.Direction = direction(pkt.SrcIP, pkt.DstIP, local)
	readPorts(pkt, frame, headerLen)
	return pkt, nil
}

func parseIPv6(frame []byte, local netip.Addr) (*model.ParsedPacket, error) {
	captured := len(frame)
	if captured < ipv6HeaderLen {
		return nil, ErrBadHeaderLength
	}

	declared := captured
	if payloadLen := int(binary.BigEndian.Uint16(frame[4:6])); payloadLen > 0 {
		declared = ipv6HeaderLen + payloadLen
	}

	proto := frame[6]
	pkt := &model.ParsedPacket{
		SrcIP:          netip.AddrFrom16([16]byte(frame[8:24])),
		DstIP:          netip.AddrFrom16([16]byte(frame[24:40])),
		Protocol:       ProtocolName(proto, true),
		ProtocolNumber: proto,
		TotalBytes:     min(declared, captured),
	}
	pkt.Direction = direction(pkt.SrcIP, pkt.DstIP, local)
	readPorts(pkt, frame, ipv6HeaderLen)
	return pkt, nil
}

// readPorts fills the port pair for TCP and UDP when at least four bytes follow the IP header.
func readPorts(pkt *model.ParsedPacket, frame []byte, offset int) {
	if pkt.ProtocolNumber != ProtoTCP && pkt.ProtocolNumber != ProtoUDP {
		return
	}
	if len(frame) < offset+4 {
		return
	}
	pkt.SrcPort = binary.BigEndian.Uint16(frame[offset : offset+2])
	pkt.DstPort = binary.BigEndian.Uint16(frame[offset+2 : offset+4])
	pkt.HasPorts = true
}

// direction falls back to OUTGOING when neither endpoint is the local address.
func direction(src, dst, local netip.Addr) model.Direction {
	switch {
	case local.IsValid() && src == local:
		return model.Outgoing
	case local.IsValid() && dst == local:
		return model.Incoming
	default:
		return model.Outgoing
	}
}

// ProtocolName maps an IP protocol number to the name used in flow keys and sessions.
func ProtocolName(proto uint8, v6 bool) string {
	switch proto {
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	}
	if v6 {
		if proto == ProtoICMPv6 {
			return "ICMPv6"
		}
		return "IP6-" + strconv.Itoa(int(proto))
	}
	if proto == ProtoICMP {
		return "ICMP"
	}
	return "IP-" + strconv.Itoa(int(proto))
}
