package analyzer

import (
	"math"
	"strings"

	"Go2NetGuard/internal/model"
)

const (
	highRiskThreshold   = 0.82
	mediumRiskThreshold = 0.45
	absoluteHighScore   = 0.98
)

// assessment collects three independent scores and the reason behind each.
type assessment struct {
	primary, secondary, correlation                   float64
	primaryReason, secondaryReason, correlationReason string
	confirmed                                         bool
}

func newAssessment() *assessment {
	return &assessment{primary: 0.08, secondary: 0.05}
}

func (a *assessment) raisePrimary(score float64, reason string, force bool) {
	a.primary = math.Max(a.primary, score)
	if force || a.primaryReason == "" {
		a.primaryReason = reason
	}
}

func (a *assessment) raiseSecondary(score float64, reason string, force bool) {
	a.secondary = math.Max(a.secondary, score)
	if force || a.secondaryReason == "" {
		a.secondaryReason = reason
	}
}

func (a *assessment) raiseCorrelation(score float64, reason string) {
	a.correlation = math.Max(a.correlation, score)
	a.correlationReason = reason
}

func applyPortRules(ctx *packetContext, a *assessment) {
	switch ctx.dstPort {
	case 21, 22, 23, 25, 135, 137, 138, 139, 445, 3389:
		a.raisePrimary(0.92, "Sensitive service port", true)
		a.confirmed = true
	case 53:
		a.raisePrimary(0.55, "DNS communication", false)
	case 80, 443:
		a.raisePrimary(0.5, "HTTP/HTTPS traffic", false)
	default:
		if ctx.dstPort != 0 && ctx.dstPort < 1024 {
			a.primary = math.Max(a.primary, 0.65)
			a.raiseSecondary(0.35, "Privileged port anomaly", true)
		}
		if ctx.dstPort == 0 || ctx.srcPort == 0 {
			a.raiseSecondary(0.6, "Null port detected", true)
		}
	}

	if ctx.dstPort >= 49152 && ctx.payloadLen > 1000 {
		a.raiseSecondary(0.58, "Large transfer to dynamic port", false)
	}
}

func applyDNSRules(ctx *packetContext, a *assessment) {
	if ctx.dns == nil {
		return
	}
	name := ctx.dns.name
	if len(name) > 80 {
		a.primary = math.Max(a.primary, 0.72)
		a.raiseSecondary(0.68, "Potential DNS tunneling", true)
	}
	// 255 = ANY, 41 = OPT
	if ctx.dns.qtype == 255 || ctx.dns.qtype == 41 {
		a.raisePrimary(0.6, "Suspicious DNS query", false)
	}
	if strings.Count(name, "-") > 5 || strings.Contains(name, "_tcp") {
		a.raiseSecondary(0.55, "DNS pattern anomaly", false)
	}
	if name == "" {
		a.raiseSecondary(0.65, "Empty DNS query", true)
	}
}

func applyBehaviorRules(ctx *packetContext, burst burstInfo, a *assessment) {
	if ctx.protocol == "TCP" {
		if ctx.payloadLen == 0 && burst.count > 6 {
			a.raiseCorrelation(0.65, "Repeated empty TCP frames")
		}
		if ctx.payloadLen > 1400 {
			a.raiseSecondary(0.6, "Oversized TCP payload", false)
		}
	}

	if burst.count > 20 && burst.smallCount > 15 {
		a.confirmed = true
		a.raiseCorrelation(0.85, "Persistent low-latency stream")
	}

	if ctx.entropy > 7.5 && ctx.payloadLen > 200 {
		a.raiseSecondary(0.7, "High-entropy payload", true)
	}
	if ctx.hopLimit != 0 && ctx.hopLimit < 32 && ctx.direction == "inbound" {
		a.raiseSecondary(0.62, "Low TTL inbound packet", true)
	}
	if ctx.tampered {
		a.confirmed = true
		a.raiseCorrelation(0.95, "Integrity violation")
	}
	if ctx.direction == "inbound" && ctx.payloadLen > 512 && ctx.entropy > 6.5 {
		a.raiseSecondary(0.7, "High-entropy inbound payload", true)
	}
}

// verdict folds the assessment into a clamped score and a label. Confirmed
// findings always yield High with at least absoluteHighScore.
func (a *assessment) verdict() (float64, model.RiskLabel) {
	score := math.Max(a.primary, math.Max(a.secondary, a.correlation))
	if a.confirmed {
		score = math.Max(score, absoluteHighScore)
	}
	score = math.Min(math.Max(score, 0), 1)

	switch {
	case score >= highRiskThreshold || a.confirmed:
		return score, model.RiskHigh
	case score >= mediumRiskThreshold:
		return score, model.RiskMedium
	default:
		return score, model.RiskLow
	}
}

func orNone(reason string) string {
	if reason == "" {
		return "none"
	}
	return reason
}
