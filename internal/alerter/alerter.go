package alerter

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/parser"
	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/notification"
)

// maxPending bounds the sessions held between two checks; later ones are only counted.
const maxPending = 200

type alert struct {
	session model.TrafficSession
	reason  string
}

// Alerter collects suspicious sessions and periodically sends one consolidated
// summary through its notifier. It implements the session sink interface.
type Alerter struct {
	notifier      notification.Notifier
	minLabel      model.RiskLabel
	watched       []netip.Prefix
	checkInterval time.Duration
	log           *log.Entry

	mu       sync.Mutex
	pending  []alert
	overflow int

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewAlerter creates a new Alerter. Watch destinations may be single addresses or CIDR prefixes.
func NewAlerter(cfg *config.AlerterConfig, notifier notification.Notifier, logger *log.Entry) (*Alerter, error) {
	if notifier == nil {
		return nil, fmt.Errorf("alerter requires a notifier")
	}
	interval, err := time.ParseDuration(cfg.CheckInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid check_interval for alerter: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("alerter check_interval must be positive")
	}

	watched := make([]netip.Prefix, 0, len(cfg.WatchDestinations))
	for _, dest := range cfg.WatchDestinations {
		prefix, err := parseDestination(dest)
		if err != nil {
			return nil, err
		}
		watched = append(watched, prefix)
	}

	return &Alerter{
		notifier:      notifier,
		minLabel:      model.ParseRiskLabel(cfg.MinLabel),
		watched:       watched,
		checkInterval: interval,
		log:           logger,
		stopChan:      make(chan struct{}),
	}, nil
}

func parseDestination(dest string) (netip.Prefix, error) {
	if strings.Contains(dest, "/") {
		prefix, err := netip.ParsePrefix(dest)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid watch destination %q: %w", dest, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(dest)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid watch destination %q: %w", dest, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (a *Alerter) Name() string { return "alerter" }

// Write records s if it reaches the minimum label or talks to a watched destination.
func (a *Alerter) Write(_ context.Context, s model.TrafficSession) error {
	reason := a.match(s)
	if reason == "" {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) >= maxPending {
		a.overflow++
		return nil
	}
	a.pending = append(a.pending, alert{session: s, reason: reason})
	return nil
}

func (a *Alerter) match(s model.TrafficSession) string {
	if s.RiskLabel.Priority() >= a.minLabel.Priority() {
		return "risk " + string(s.RiskLabel)
	}
	remote := s.DstIP
	if s.Direction == model.Incoming.String() {
		remote = s.SrcIP
	}
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return ""
	}
	for _, p := range a.watched {
		if p.Contains(addr) {
			return "watched destination " + p.String()
		}
	}
	return ""
}

// Start launches the periodic check. It returns immediately; the loop runs until Stop.
func (a *Alerter) Start() {
	a.wg.Add(1)
	go a.run()
}

func (a *Alerter) run() {
	defer a.wg.Done()
	a.log.WithField("interval", a.checkInterval).Info("Alerter started")

	ticker := time.NewTicker(a.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.check()
		case <-a.stopChan:
			return
		}
	}
}

// Stop ends the loop and sends whatever is still pending.
func (a *Alerter) Stop() {
	a.stopOnce.Do(func() {
		a.log.Info("Stopping Alerter...")
		close(a.stopChan)
		a.wg.Wait()
		a.check()
	})
}

func (a *Alerter) check() {
	a.mu.Lock()
	alerts := a.pending
	overflow := a.overflow
	a.pending = nil
	a.overflow = 0
	a.mu.Unlock()

	if len(alerts) == 0 {
		return
	}

	total := len(alerts) + overflow
	subject := fmt.Sprintf("Go2NetGuard Alert Summary (%d Triggered)", total)
	body := string(markdown.ToHTML([]byte(renderSummary(alerts, overflow)), parser.NewWithExtensions(parser.CommonExtensions), nil))

	if err := a.notifier.Send(subject, body); err != nil {
		a.log.WithError(err).Error("Failed to send consolidated alert notification")
		return
	}
	a.log.WithField("alerts", total).Info("Consolidated alert notification sent")
}

func renderSummary(alerts []alert, overflow int) string {
	var b strings.Builder
	b.WriteString("# Go2NetGuard Alert Summary\n\n")
	fmt.Fprintf(&b, "The following %d session(s) were flagged since the last check.\n\n", len(alerts)+overflow)
	b.WriteString("| Time | App | Remote | Protocol | Sent | Received | Risk | Blocked | Reason |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|---|\n")
	for _, al := range alerts {
		s := al.session
		remote, port := s.DstIP, s.DstPort
		if s.Direction == model.Incoming.String() {
			remote, port = s.SrcIP, s.SrcPort
		}
		fmt.Fprintf(&b, "| %s | `%s` | %s:%d | %s | %d | %d | %s (%.2f) | %t | %s |\n",
			s.Timestamp.Format("2006-01-02 15:04:05"),
			s.AppPackage,
			remote, port,
			s.Protocol,
			s.BytesSent,
			s.BytesReceived,
			s.RiskLabel, s.RiskScore,
			s.Blocked,
			al.reason,
		)
	}
	if overflow > 0 {
		fmt.Fprintf(&b, "\n*%d more session(s) were flagged but not listed.*\n", overflow)
	}
	return b.String()
}
