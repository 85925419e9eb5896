package model

import "strings"

// RiskLabel is the discrete severity assigned to a session.
type RiskLabel string

const (
	RiskLow    RiskLabel = "Low"
	RiskMedium RiskLabel = "Medium"
	RiskHigh   RiskLabel = "High"
)

// ParseRiskLabel normalizes label text case-insensitively. Unrecognized text maps to Low.
func ParseRiskLabel(s string) RiskLabel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MEDIUM":
		return RiskMedium
	case "HIGH":
		return RiskHigh
	default:
		return RiskLow
	}
}

// Priority orders labels Low < Medium < High. Anything else ranks below Low.
func (l RiskLabel) Priority() int {
	switch strings.ToUpper(string(l)) {
	case "LOW":
		return 0
	case "MEDIUM":
		return 1
	case "HIGH":
		return 2
	default:
		return -1
	}
}

// RiskSummary is the outcome of evaluating one flow's packet batch.
// An empty Label means the evaluator abstained.
type RiskSummary struct {
	Label   RiskLabel
	Score   float64
	Blocked bool
}

// DefaultRiskSummary is returned when there is nothing to evaluate or evaluation failed.
var DefaultRiskSummary = RiskSummary{Label: RiskLow, Score: 0, Blocked: false}
