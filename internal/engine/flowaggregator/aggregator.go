package flowaggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/metrics"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/risk"
)

const (
	DefaultFlushWindow = 1500 * time.Millisecond
	DefaultMinBytes    = 1024
)

// EmitFunc receives each flushed session exactly once.
type EmitFunc func(ctx context.Context, s model.TrafficSession) error

type Options struct {
	FlushWindow time.Duration
	MinBytes    int64
	Now         func() time.Time
	Logger      *log.Entry
	Metrics     *metrics.Metrics
}

// Aggregator keeps one accumulator per FlowKey and turns it into a TrafficSession
// once it holds MinBytes or has been open for FlushWindow. All methods are safe
// for concurrent producers.
type Aggregator struct {
	evaluator   risk.Evaluator
	flushWindow time.Duration
	minBytes    int64
	now         func() time.Time
	log         *log.Entry
	metrics     *metrics.Metrics

	mu    sync.Mutex
	flows map[model.FlowKey]*accumulator
}

func New(evaluator risk.Evaluator, opts Options) *Aggregator {
	a := &Aggregator{
		evaluator:   evaluator,
		flushWindow: opts.FlushWindow,
		minBytes:    opts.MinBytes,
		now:         opts.Now,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		flows:       make(map[model.FlowKey]*accumulator),
	}
	if a.evaluator == nil {
		a.evaluator = risk.HeuristicEvaluator{}
	}
	if a.flushWindow <= 0 {
		a.flushWindow = DefaultFlushWindow
	}
	if a.minBytes <= 0 {
		a.minBytes = DefaultMinBytes
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.log == nil {
		a.log = logging.Component(nil, "aggregator")
	}
	return a
}

// Register adds one parsed packet to its flow. raw is retained until the flow is
// flushed, so callers must not reuse it. An empty owner leaves the flow's owner unchanged.
// When the flow reaches a flush threshold it is removed from the table and emitted
// before Register returns.
func (a *Aggregator) Register(ctx context.Context, p *model.ParsedPacket, raw []byte, owner string, emit EmitFunc) {
	key := p.Key()
	now := a.now()

	a.mu.Lock()
	acc, ok := a.flows[key]
	if !ok {
		acc = &accumulator{
			id:         uuid.NewString(),
			key:        key,
			appPackage: model.UnknownApp,
			firstSeen:  now,
		}
		a.flows[key] = acc
	}
	acc.add(p, raw, owner, now)

	flush := a.shouldFlush(acc, now)
	if flush {
		delete(a.flows, key)
	}
	active := len(a.flows)
	a.mu.Unlock()

	a.metrics.SetActiveFlows(active)
	if flush {
		a.flush(ctx, acc, emit)
	}
}

func (a *Aggregator) shouldFlush(acc *accumulator, now time.Time) bool {
	return acc.totalBytes() >= a.minBytes || now.Sub(acc.firstSeen) >= a.flushWindow
}

// FlushAll drains every live flow and returns how many sessions were emitted.
func (a *Aggregator) FlushAll(ctx context.Context, emit EmitFunc) int {
	a.mu.Lock()
	drained := make([]*accumulator, 0, len(a.flows))
	for key, acc := range a.flows {
		drained = append(drained, acc)
		delete(a.flows, key)
	}
	a.mu.Unlock()

	a.metrics.SetActiveFlows(0)
	for _, acc := range drained {
		a.flush(ctx, acc, emit)
	}
	return len(drained)
}

// FlushExpired emits flows whose window has elapsed even though no packet arrived to trigger them.
func (a *Aggregator) FlushExpired(ctx context.Context, emit EmitFunc) int {
	now := a.now()
	a.mu.Lock()
	var expired []*accumulator
	for key, acc := range a.flows {
		if now.Sub(acc.firstSeen) >= a.flushWindow {
			expired = append(expired, acc)
			delete(a.flows, key)
		}
	}
	active := len(a.flows)
	a.mu.Unlock()

	a.metrics.SetActiveFlows(active)
	for _, acc := range expired {
		a.flush(ctx, acc, emit)
	}
	return len(expired)
}

// Len returns the number of live flows.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.flows)
}

// flush runs outside the lock; acc is no longer reachable from the table.
func (a *Aggregator) flush(ctx context.Context, acc *accumulator, emit EmitFunc) {
	evaluated := a.evaluator.Evaluate(acc.packets, ownerHint(acc.appPackage))

	var dstPort uint16
	if acc.key.HasPorts {
		dstPort = acc.key.DstPort
	}
	session := acc.session(risk.Merge(evaluated, dstPort))
	acc.packets = nil

	a.metrics.SessionEmitted(string(session.RiskLabel))
	if emit == nil {
		return
	}
	if err := safeEmit(ctx, emit, session); err != nil {
		a.metrics.EmitFailed()
		a.log.WithError(err).WithFields(log.Fields{
			"session": session.ID,
			"flow":    acc.key.String(),
		}).Error("Failed to emit session")
	}
}

func safeEmit(ctx context.Context, emit EmitFunc, s model.TrafficSession) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("emit panicked: %v", rec)
		}
	}()
	return emit(ctx, s)
}

func ownerHint(app string) string {
	if app == model.UnknownApp {
		return ""
	}
	return app
}
