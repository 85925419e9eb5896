package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
)

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes every session as a protobuf Struct.
type NATSPublisher struct {
	nc      *nats.Conn
	pub     publisher
	subject string
	log     *log.Entry
}

func NewNATSPublisher(cfg config.NATSSinkConfig, logger *log.Entry) (*NATSPublisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("netguard-sessions"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.WithField("url", cfg.URL).Info("Connected to NATS server")
	return &NATSPublisher{nc: nc, pub: nc, subject: cfg.Subject, log: logger}, nil
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) Write(_ context.Context, s model.TrafficSession) error {
	data, err := EncodeSession(s)
	if err != nil {
		return err
	}
	if err := p.pub.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish session %s: %w", s.ID, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	p.log.Info("NATS connection drained and closed")
	return nil
}

// EncodeSession serializes s as a google.protobuf.Struct. Times are carried in
// the canonical JSON form of google.protobuf.Timestamp.
func EncodeSession(s model.TrafficSession) ([]byte, error) {
	firstSeen, err := protojson.Marshal(timestamppb.New(s.FirstSeen))
	if err != nil {
		return nil, fmt.Errorf("failed to encode first_seen: %w", err)
	}
	lastSeen, err := protojson.Marshal(timestamppb.New(s.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("failed to encode timestamp: %w", err)
	}

	st, err := structpb.NewStruct(map[string]any{
		"id":             s.ID,
		"app_package":    s.AppPackage,
		"src_ip":         s.SrcIP,
		"dst_ip":         s.DstIP,
		"src_port":       s.SrcPort,
		"dst_port":       s.DstPort,
		"protocol":       s.Protocol,
		"direction":      s.Direction,
		"bytes_sent":     s.BytesSent,
		"bytes_received": s.BytesReceived,
		"packet_count":   s.PacketCount,
		"first_seen":     unquote(firstSeen),
		"timestamp":      unquote(lastSeen),
		"blocked":        s.Blocked,
		"risk_score":     s.RiskScore,
		"risk_label":     string(s.RiskLabel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build session struct: %w", err)
	}
	return proto.Marshal(st)
}

// DecodeSession is the inverse of EncodeSession.
func DecodeSession(data []byte) (model.TrafficSession, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return model.TrafficSession{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	f := st.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }
	num := func(k string) float64 { return f[k].GetNumberValue() }

	firstSeen, err := parseTimestamp(str("first_seen"))
	if err != nil {
		return model.TrafficSession{}, err
	}
	lastSeen, err := parseTimestamp(str("timestamp"))
	if err != nil {
		return model.TrafficSession{}, err
	}
	return model.TrafficSession{
		ID:            str("id"),
		AppPackage:    str("app_package"),
		SrcIP:         str("src_ip"),
		DstIP:         str("dst_ip"),
		SrcPort:       int(num("src_port")),
		DstPort:       int(num("dst_port")),
		Protocol:      str("protocol"),
		Direction:     str("direction"),
		BytesSent:     int64(num("bytes_sent")),
		BytesReceived: int64(num("bytes_received")),
		PacketCount:   int(num("packet_count")),
		FirstSeen:     firstSeen,
		Timestamp:     lastSeen,
		Blocked:       f["blocked"].GetBoolValue(),
		RiskScore:     num("risk_score"),
		RiskLabel:     model.ParseRiskLabel(str("risk_label")),
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	var ts timestamppb.Timestamp
	if err := protojson.Unmarshal([]byte(`"`+s+`"`), &ts); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode timestamp %q: %w", s, err)
	}
	return ts.AsTime(), nil
}

func unquote(b []byte) string {
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		return string(b[1 : len(b)-1])
	}
	return string(b)
}
