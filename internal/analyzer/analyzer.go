// Package analyzer is the packet-level heuristic engine behind the "native" risk backend.
// It scores every packet independently and reports one JSON fragment per packet.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/factory"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/risk"
)

func init() {
	factory.RegisterBackend("native", func(cfg *config.Config, deps factory.Deps) (risk.Evaluator, error) {
		a := New(Options{
			Firewall: NewFirewall(cfg.Risk.Native.BlockedApps),
			Logger:   deps.Logger,
		})
		return risk.NewOracleEvaluator(a, risk.Options{
			Timeout:   config.Duration(cfg.Risk.Timeout, risk.DefaultTimeout),
			Exclusive: cfg.Risk.Exclusive,
			Logger:    deps.Logger,
			Metrics:   deps.Metrics,
		}), nil
	})
}

type DNSReport struct {
	QName string `json:"qname"`
	QType uint16 `json:"qtype"`
	RCode uint8  `json:"rcode"`
}

type Assurance struct {
	Primary           string `json:"primary"`
	Secondary         string `json:"secondary"`
	Correlation       string `json:"correlation"`
	HighRiskConfirmed bool   `json:"highRiskConfirmed"`
}

// Report is the per-packet result. Its riskScore, riskLabel and blocked members
// form the fragment contract consumed by risk.MergeFragments.
type Report struct {
	Bytes              int        `json:"bytes"`
	CRC32              uint32     `json:"crc32"`
	Truncated          bool       `json:"truncated"`
	IntegrityViolation bool       `json:"integrityViolation"`
	Src                string     `json:"src,omitempty"`
	Dst                string     `json:"dst,omitempty"`
	Proto              string     `json:"proto"`
	SrcPort            int        `json:"srcPort"`
	DstPort            int        `json:"dstPort"`
	Direction          string     `json:"direction"`
	PayloadBytes       int        `json:"payloadBytes"`
	Entropy            float64    `json:"entropy"`
	AppPackage         string     `json:"appPackage,omitempty"`
	HopLimit           uint8      `json:"hopLimit"`
	DNS                *DNSReport `json:"dns,omitempty"`
	RiskLabel          string     `json:"riskLabel"`
	RiskScore          float64    `json:"riskScore"`
	FirewallBlocked    bool       `json:"firewallBlocked"`
	Blocked            bool       `json:"blocked"`
	Assurance          Assurance  `json:"assurance"`
}

type Options struct {
	Firewall *Firewall
	Now      func() time.Time
	Logger   *log.Entry
}

// Analyzer implements risk.Oracle. It is safe for concurrent use.
type Analyzer struct {
	firewall *Firewall
	bursts   *burstTracker
	now      func() time.Time
	log      *log.Entry
}

func New(opts Options) *Analyzer {
	a := &Analyzer{
		firewall: opts.Firewall,
		bursts:   newBurstTracker(),
		now:      opts.Now,
		log:      opts.Logger,
	}
	if a.firewall == nil {
		a.firewall = NewFirewall(nil)
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.log == nil {
		a.log = logging.Component(nil, "analyzer")
	}
	return a
}

// ScoreBatch analyzes each packet and returns its encoded report.
func (a *Analyzer) ScoreBatch(ctx context.Context, packets [][]byte, owner string) ([]string, error) {
	fragments := make([]string, 0, len(packets))
	for _, raw := range packets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report := a.AnalyzePacket(raw, owner)
		b, err := json.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("failed to encode packet report: %w", err)
		}
		fragments = append(fragments, string(b))
	}
	return fragments, nil
}

// AnalyzePacket scores a single raw IP frame on behalf of owner.
func (a *Analyzer) AnalyzePacket(raw []byte, owner string) Report {
	pc := decodePacket(raw)

	report := Report{
		Bytes:              pc.length,
		CRC32:              pc.crc,
		Truncated:          pc.truncated,
		IntegrityViolation: pc.tampered,
		Src:                pc.src,
		Dst:                pc.dst,
		Proto:              pc.protocol,
		SrcPort:            pc.srcPort,
		DstPort:            pc.dstPort,
		Direction:          pc.direction,
		PayloadBytes:       pc.payloadLen,
		Entropy:            pc.entropy,
		AppPackage:         owner,
		HopLimit:           pc.hopLimit,
	}
	if pc.dns != nil {
		report.DNS = &DNSReport{QName: pc.dns.name, QType: pc.dns.qtype, RCode: pc.dns.rcode}
	}

	as := newAssessment()
	if !pc.valid {
		as.confirmed = true
		as.raisePrimary(absoluteHighScore, "Malformed or unsupported packet", true)
	}
	if pc.tampered {
		a.log.WithFields(log.Fields{"bytes": pc.length, "owner": owner}).Warn("Packet integrity violation detected")
	}

	burst := a.bursts.observe(burstKey(&pc), pc.payloadLen, a.now())
	applyPortRules(&pc, as)
	applyDNSRules(&pc, as)
	applyBehaviorRules(&pc, burst, as)

	score, label := as.verdict()
	report.RiskScore = score
	report.RiskLabel = string(label)

	report.FirewallBlocked = !a.firewall.IsAllowed(owner)
	if report.FirewallBlocked {
		a.log.WithField("owner", owner).Info("Firewall blocked packet")
	}
	report.Blocked = report.FirewallBlocked || label == model.RiskHigh
	report.Assurance = Assurance{
		Primary:           orNone(as.primaryReason),
		Secondary:         orNone(as.secondaryReason),
		Correlation:       orNone(as.correlationReason),
		HighRiskConfirmed: as.confirmed,
	}
	return report
}

func burstKey(pc *packetContext) string {
	port := strconv.Itoa(pc.dstPort)
	if pc.src == "" && pc.dst == "" {
		return "unknown:" + port
	}
	return pc.src + "->" + pc.dst + ":" + port
}
