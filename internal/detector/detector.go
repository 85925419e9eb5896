// Package detector is the learned-model risk backend. It condenses a flow into a
// small feature vector and scores it with a logistic model.
package detector

import (
	"context"
	"fmt"
	"math"
	"net/netip"
	"time"

	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/factory"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/risk"
)

// NumFeatures is the width of the model input.
const NumFeatures = 5

func init() {
	factory.RegisterBackend("model", func(cfg *config.Config, deps factory.Deps) (risk.Evaluator, error) {
		m, err := NewLogisticModel(cfg.Risk.Model.Weights, cfg.Risk.Model.Bias)
		if err != nil {
			return nil, err
		}
		localV4, _ := netip.ParseAddr(cfg.Capture.LocalV4)
		localV6, _ := netip.ParseAddr(cfg.Capture.LocalV6)
		d := New(m, Options{
			LocalV4:         localV4,
			LocalV6:         localV6,
			HighThreshold:   cfg.Risk.Model.HighThreshold,
			MediumThreshold: cfg.Risk.Model.MediumThreshold,
		})
		// The model reuses its input buffer between runs.
		return risk.NewOracleEvaluator(d, risk.Options{
			Timeout:   config.Duration(cfg.Risk.Timeout, risk.DefaultTimeout),
			Exclusive: true,
			Logger:    deps.Logger,
			Metrics:   deps.Metrics,
		}), nil
	})
}

// Model maps a normalized feature vector to a probability.
type Model interface {
	Run(input []float64) (float64, error)
}

// LogisticModel is sigmoid(w·x + b). It is not safe for concurrent use.
type LogisticModel struct {
	weights []float64
	bias    float64
	scratch []float64
}

func NewLogisticModel(weights []float64, bias float64) (*LogisticModel, error) {
	if len(weights) != NumFeatures {
		return nil, fmt.Errorf("model needs %d weights, got %d", NumFeatures, len(weights))
	}
	return &LogisticModel{
		weights: append([]float64(nil), weights...),
		bias:    bias,
		scratch: make([]float64, NumFeatures),
	}, nil
}

func (m *LogisticModel) Run(input []float64) (float64, error) {
	if len(input) != len(m.weights) {
		return 0, fmt.Errorf("input has %d features, model expects %d", len(input), len(m.weights))
	}
	copy(m.scratch, input)
	z := m.bias
	for i, w := range m.weights {
		z += w * m.scratch[i]
	}
	return 1 / (1 + math.Exp(-z)), nil
}

type Options struct {
	LocalV4, LocalV6 netip.Addr
	HighThreshold    float64
	MediumThreshold  float64
	Now              func() time.Time
}

// Detector implements risk.Oracle and emits a single fragment per batch.
type Detector struct {
	model Model
	opts  Options
}

func New(m Model, opts Options) *Detector {
	if opts.HighThreshold <= 0 {
		opts.HighThreshold = 0.7
	}
	if opts.MediumThreshold <= 0 {
		opts.MediumThreshold = 0.4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Detector{model: m, opts: opts}
}

// Predict scores a feature summary.
func (d *Detector) Predict(f Features) (float64, model.RiskLabel, error) {
	score, err := d.model.Run(f.Vector())
	if err != nil {
		return 0, "", fmt.Errorf("model run failed: %w", err)
	}
	if math.IsNaN(score) {
		return 0, "", fmt.Errorf("model returned NaN")
	}
	score = clamp(score, 0, 1)
	switch {
	case score >= d.opts.HighThreshold:
		return score, model.RiskHigh, nil
	case score >= d.opts.MediumThreshold:
		return score, model.RiskMedium, nil
	default:
		return score, model.RiskLow, nil
	}
}

func (d *Detector) ScoreBatch(ctx context.Context, packets [][]byte, _ string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := Extract(packets, d.opts.LocalV4, d.opts.LocalV6, d.opts.Now())
	score, label, err := d.Predict(f)
	if err != nil {
		return nil, err
	}
	text := string(label)
	return []string{risk.Fragment{RiskScore: &score, RiskLabel: &text}.Encode()}, nil
}
