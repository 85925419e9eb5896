package flowaggregator

import (
	"time"

	"Go2NetGuard/internal/model"
)

// accumulator is the mutable state of one live flow. It is only touched while the
// aggregator lock is held, or after it has been removed from the table.
type accumulator struct {
	id          string
	key         model.FlowKey
	appPackage  string
	firstSeen   time.Time
	lastUpdated time.Time
	bytesSent   int64
	bytesRecv   int64
	packets     [][]byte
}

func (a *accumulator) add(p *model.ParsedPacket, raw []byte, owner string, now time.Time) {
	a.lastUpdated = now
	if p.Direction == model.Outgoing {
		a.bytesSent += int64(p.TotalBytes)
	} else {
		a.bytesRecv += int64(p.TotalBytes)
	}
	if owner != "" && owner != model.UnknownApp {
		a.appPackage = owner
	}
	a.packets = append(a.packets, raw)
}

func (a *accumulator) totalBytes() int64 {
	return a.bytesSent + a.bytesRecv
}

// session freezes the accumulator into the emitted record.
func (a *accumulator) session(r model.RiskSummary) model.TrafficSession {
	sport, dport := -1, -1
	if a.key.HasPorts {
		sport, dport = int(a.key.SrcPort), int(a.key.DstPort)
	}
	return model.TrafficSession{
		ID:            a.id,
		AppPackage:    a.appPackage,
		SrcIP:         a.key.SrcIP.String(),
		DstIP:         a.key.DstIP.String(),
		SrcPort:       sport,
		DstPort:       dport,
		Protocol:      a.key.Protocol,
		Direction:     a.key.Direction.String(),
		BytesSent:     a.bytesSent,
		BytesReceived: a.bytesRecv,
		PacketCount:   len(a.packets),
		FirstSeen:     a.firstSeen,
		Timestamp:     a.lastUpdated,
		Blocked:       r.Blocked,
		RiskScore:     r.Score,
		RiskLabel:     r.Label,
	}
}
