package risk

import (
	"net/netip"

	"Go2NetGuard/internal/engine/protocol"
	"Go2NetGuard/internal/model"
)

// PortHeuristic scores a flow by its destination port alone.
func PortHeuristic(dstPort uint16) model.RiskSummary {
	switch dstPort {
	case 22, 23, 445, 3389:
		return model.RiskSummary{Label: model.RiskHigh, Score: 0.90}
	case 80, 443:
		return model.RiskSummary{Label: model.RiskMedium, Score: 0.50}
	default:
		return model.RiskSummary{Label: model.RiskLow, Score: 0.20}
	}
}

// Merge substitutes the port heuristic's label and score when the evaluator
// abstained (blank label or non-positive score). The blocked flag is kept.
func Merge(evaluated model.RiskSummary, dstPort uint16) model.RiskSummary {
	if evaluated.Label != "" && evaluated.Score > 0 {
		return evaluated
	}
	fallback := PortHeuristic(dstPort)
	fallback.Blocked = evaluated.Blocked
	return fallback
}

// HeuristicEvaluator applies PortHeuristic to the destination port of the first packet.
type HeuristicEvaluator struct{}

func (HeuristicEvaluator) Evaluate(packets [][]byte, _ string) model.RiskSummary {
	if len(packets) == 0 {
		return model.DefaultRiskSummary
	}
	pkt, err := protocol.Parse(packets[0], netip.Addr{}, netip.Addr{})
	if err != nil || !pkt.HasPorts {
		return PortHeuristic(0)
	}
	return PortHeuristic(pkt.DstPort)
}
