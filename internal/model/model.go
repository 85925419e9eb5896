package model

import (
	"fmt"
	"net/netip"
	"time"
)

// UnknownApp is the owner recorded for flows whose application could not be resolved.
const UnknownApp = "unknown"

// Direction tells whether a packet left or entered the local tunnel address.
type Direction uint8

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "INCOMING"
	}
	return "OUTGOING"
}

// ParsedPacket holds the header fields extracted from a single raw IP frame.
type ParsedPacket struct {
	SrcIP          netip.Addr
	DstIP          netip.Addr
	SrcPort        uint16
	DstPort        uint16
	HasPorts       bool // false for protocols without a transport-layer port pair
	Protocol       string
	ProtocolNumber uint8
	Direction      Direction
	TotalBytes     int
}

// Key returns the flow key the packet belongs to.
func (p *ParsedPacket) Key() FlowKey {
	return FlowKey{
		SrcIP:     p.SrcIP,
		SrcPort:   p.SrcPort,
		DstIP:     p.DstIP,
		DstPort:   p.DstPort,
		HasPorts:  p.HasPorts,
		Protocol:  p.Protocol,
		Direction: p.Direction,
	}
}

// FlowKey identifies one in-flight accumulation bucket. Each direction of a
// conversation is a separate key.
type FlowKey struct {
	SrcIP     netip.Addr
	SrcPort   uint16
	DstIP     netip.Addr
	DstPort   uint16
	HasPorts  bool
	Protocol  string
	Direction Direction
}

func (k FlowKey) String() string {
	sport, dport := -1, -1
	if k.HasPorts {
		sport, dport = int(k.SrcPort), int(k.DstPort)
	}
	return fmt.Sprintf("%s:%d->%s:%d|%s|%s", k.SrcIP, sport, k.DstIP, dport, k.Protocol, k.Direction)
}

// TrafficSession is the immutable record produced when a flow is flushed.
type TrafficSession struct {
	ID            string    `json:"id"`
	AppPackage    string    `json:"app_package"`
	SrcIP         string    `json:"src_ip"`
	DstIP         string    `json:"dst_ip"`
	SrcPort       int       `json:"src_port"`
	DstPort       int       `json:"dst_port"`
	Protocol      string    `json:"protocol"`
	Direction     string    `json:"direction"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
	PacketCount   int       `json:"packet_count"`
	FirstSeen     time.Time `json:"first_seen"`
	Timestamp     time.Time `json:"timestamp"`
	Blocked       bool      `json:"blocked"`
	RiskScore     float64   `json:"risk_score"`
	RiskLabel     RiskLabel `json:"risk_label"`
}
