package detector

import (
	"net/netip"
	"time"

	"Go2NetGuard/internal/engine/protocol"
	"Go2NetGuard/internal/model"
)

const (
	bytesPerMB = 1024 * 1024
	maxMB      = 1024
)

// Features summarizes one flow's packet batch for the model.
type Features struct {
	BytesUp     int64
	BytesDown   int64
	IsTCP       bool
	Hour        int
	DestEntropy float64
}

// Extract parses each frame and accumulates traffic volume by direction.
// Frames that fail to parse are ignored.
func Extract(packets [][]byte, localV4, localV6 netip.Addr, now time.Time) Features {
	f := Features{Hour: now.Hour()}
	first := true
	for _, raw := range packets {
		pkt, err := protocol.Parse(raw, localV4, localV6)
		if err != nil {
			continue
		}
		if pkt.Direction == model.Outgoing {
			f.BytesUp += int64(pkt.TotalBytes)
		} else {
			f.BytesDown += int64(pkt.TotalBytes)
		}
		if first {
			f.IsTCP = pkt.ProtocolNumber == protocol.ProtoTCP
			remote := pkt.DstIP
			if pkt.Direction == model.Incoming {
				remote = pkt.SrcIP
			}
			f.DestEntropy = octetDiversity(remote)
			first = false
		}
	}
	return f
}

// octetDiversity is the share of distinct bytes in the address.
func octetDiversity(addr netip.Addr) float64 {
	if !addr.IsValid() {
		return 0
	}
	raw := addr.AsSlice()
	seen := make(map[byte]struct{}, len(raw))
	for _, b := range raw {
		seen[b] = struct{}{}
	}
	return float64(len(seen)) / float64(len(raw))
}

// Vector returns the normalized model input:
// [MB up, MB down, isTCP, hour/23, entropy], with MB clamped to 1024 and entropy to [0, 1].
func (f Features) Vector() []float64 {
	tcp := 0.0
	if f.IsTCP {
		tcp = 1
	}
	return []float64{
		clamp(float64(f.BytesUp)/bytesPerMB, 0, maxMB),
		clamp(float64(f.BytesDown)/bytesPerMB, 0, maxMB),
		tcp,
		clamp(float64(f.Hour)/23, 0, 1),
		clamp(f.DestEntropy, 0, 1),
	}
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
