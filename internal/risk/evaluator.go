package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/metrics"
	"Go2NetGuard/internal/model"
)

// DefaultTimeout bounds a single oracle call when Options.Timeout is unset.
const DefaultTimeout = 2 * time.Second

// Evaluator classifies the raw packets buffered for one flow.
// Implementations never fail: problems degrade to model.DefaultRiskSummary.
type Evaluator interface {
	Evaluate(packets [][]byte, owner string) model.RiskSummary
}

// Oracle is an external scoring engine. Each returned fragment is a JSON object
// with optional "riskScore", "riskLabel" and "blocked" members.
type Oracle interface {
	ScoreBatch(ctx context.Context, packets [][]byte, owner string) ([]string, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, packets [][]byte, owner string) ([]string, error)

func (f OracleFunc) ScoreBatch(ctx context.Context, packets [][]byte, owner string) ([]string, error) {
	return f(ctx, packets, owner)
}

// Fragment is one oracle result unit.
type Fragment struct {
	RiskScore *float64 `json:"riskScore,omitempty"`
	RiskLabel *string  `json:"riskLabel,omitempty"`
	Blocked   *bool    `json:"blocked,omitempty"`
	Reasons   []string `json:"reasons,omitempty"`
}

// Encode renders the fragment as the JSON text an oracle returns.
func (f Fragment) Encode() string {
	b, err := json.Marshal(f)
	if err != nil {
		return "{}"
	}
	return string(b)
}

type Options struct {
	Timeout time.Duration
	// Exclusive serializes oracle calls for engines that hold a single interpreter.
	Exclusive bool
	Logger    *log.Entry
	Metrics   *metrics.Metrics
}

var errTimeout = errors.New("oracle call timed out")

// OracleEvaluator merges oracle fragments into one RiskSummary.
type OracleEvaluator struct {
	oracle  Oracle
	timeout time.Duration
	sem     chan struct{} // nil unless Exclusive
	log     *log.Entry
	metrics *metrics.Metrics
}

func NewOracleEvaluator(oracle Oracle, opts Options) *OracleEvaluator {
	e := &OracleEvaluator{
		oracle:  oracle,
		timeout: opts.Timeout,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if opts.Exclusive {
		e.sem = make(chan struct{}, 1)
	}
	if e.log == nil {
		e.log = logging.Component(nil, "risk")
	}
	return e
}

type oracleResult struct {
	fragments []string
	err       error
}

// Evaluate never calls the oracle for an empty batch.
func (e *OracleEvaluator) Evaluate(packets [][]byte, owner string) model.RiskSummary {
	if len(packets) == 0 {
		return model.DefaultRiskSummary
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	done := make(chan oracleResult, 1)
	go func() {
		fragments, err := e.call(ctx, packets, owner)
		done <- oracleResult{fragments: fragments, err: err}
	}()

	var res oracleResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = errTimeout
	}
	if res.err != nil {
		reason := "error"
		if errors.Is(res.err, errTimeout) || errors.Is(res.err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		e.metrics.RiskFallback(reason)
		e.log.WithError(res.err).WithFields(log.Fields{"owner": owner, "packets": len(packets)}).Warn("Risk evaluation failed, using default")
		return model.DefaultRiskSummary
	}

	summary, skipped := MergeFragments(res.fragments)
	if skipped > 0 {
		e.metrics.RiskFallback("malformed_fragment")
		e.log.WithFields(log.Fields{"owner": owner, "skipped": skipped}).Warn("Ignored malformed risk fragments")
	}
	return summary
}

func (e *OracleEvaluator) call(ctx context.Context, packets [][]byte, owner string) (fragments []string, err error) {
	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			return nil, errTimeout
		}
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("oracle panicked: %v", rec)
		}
	}()
	return e.oracle.ScoreBatch(ctx, packets, owner)
}

// MergeFragments takes the maximum score, the highest-priority label and the OR of
// the blocked flags. A label only replaces the current one when its priority is
// strictly greater. It returns the number of fragments that could not be decoded.
func MergeFragments(fragments []string) (model.RiskSummary, int) {
	merged := model.DefaultRiskSummary
	skipped := 0
	for _, raw := range fragments {
		var f Fragment
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			skipped++
			continue
		}
		if f.RiskScore != nil && !math.IsNaN(*f.RiskScore) {
			merged.Score = math.Max(merged.Score, math.Min(*f.RiskScore, 1))
		}
		if f.RiskLabel != nil {
			label := model.ParseRiskLabel(*f.RiskLabel)
			if label.Priority() > merged.Label.Priority() {
				merged.Label = label
			}
		}
		if f.Blocked != nil && *f.Blocked {
			merged.Blocked = true
		}
	}
	return merged, skipped
}
