package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// CaptureConfig selects the raw frame source and the tunnel's local addresses.
type CaptureConfig struct {
	Source         string `yaml:"source"` // pcap, tun or nats
	PcapPath       string `yaml:"pcap_path"`
	TunName        string `yaml:"tun_name"`
	NATSURL        string `yaml:"nats_url"`
	NATSSubject    string `yaml:"nats_subject"`
	LocalV4        string `yaml:"local_v4"`
	LocalV6        string `yaml:"local_v6"`
	ReadBufferSize int    `yaml:"read_buffer_size"`
	DumpPath       string `yaml:"dump_path"`
}

// AggregatorConfig holds the flush thresholds of the flow table.
type AggregatorConfig struct {
	FlushWindow string `yaml:"flush_window"`
	MinBytes    int64  `yaml:"min_bytes"`
}

// ResolverConfig configures connection owner resolution.
type ResolverConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CacheSize  int    `yaml:"cache_size"`
	ProcfsPath string `yaml:"procfs_path"`
}

// NativeRiskConfig configures the packet heuristic engine.
type NativeRiskConfig struct {
	BlockedApps []string `yaml:"blocked_apps"`
}

// ModelRiskConfig holds the learned detector's parameters.
type ModelRiskConfig struct {
	Weights         []float64 `yaml:"weights"`
	Bias            float64   `yaml:"bias"`
	HighThreshold   float64   `yaml:"high_threshold"`
	MediumThreshold float64   `yaml:"medium_threshold"`
}

// RiskConfig selects the risk backend.
type RiskConfig struct {
	Backend   string           `yaml:"backend"` // native, model or heuristic
	Timeout   string           `yaml:"timeout"`
	Exclusive bool             `yaml:"exclusive"`
	Native    NativeRiskConfig `yaml:"native"`
	Model     ModelRiskConfig  `yaml:"model"`
}

// DispatcherConfig sizes the queue between the flow table and the sinks.
type DispatcherConfig struct {
	QueueSize      int    `yaml:"queue_size"`
	Workers        int    `yaml:"workers"`
	EnqueueTimeout string `yaml:"enqueue_timeout"`
}

type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type ClickHouseConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Database      string `yaml:"database"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval string `yaml:"flush_interval"`
}

type NATSSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type FileSinkConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`     // directory
	Encoding string `yaml:"encoding"` // text, jsonl or gob
}

// SinksConfig lists the collaborators every flushed session is handed to.
type SinksConfig struct {
	Store      StoreConfig      `yaml:"store"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	NATS       NATSSinkConfig   `yaml:"nats"`
	File       FileSinkConfig   `yaml:"file"`
}

// SMTPConfig holds the settings for the email notifier.
type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// AlerterConfig defines which sessions raise alerts and how often they are sent.
type AlerterConfig struct {
	Enabled           bool       `yaml:"enabled"`
	CheckInterval     string     `yaml:"check_interval"`
	MinLabel          string     `yaml:"min_label"`
	WatchDestinations []string   `yaml:"watch_destinations"`
	SMTP              SMTPConfig `yaml:"smtp"`
}

type APIConfig struct {
	HttpListenAddr string `yaml:"http_listen_addr"`
	GrpcListenAddr string `yaml:"grpc_listen_addr"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Capture    CaptureConfig    `yaml:"capture"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Risk       RiskConfig       `yaml:"risk"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Sinks      SinksConfig      `yaml:"sinks"`
	Alerter    AlerterConfig    `yaml:"alerter"`
	API        APIConfig        `yaml:"api"`
}

// LoadConfig reads the configuration from a YAML file, fills unset fields with
// defaults and validates the result.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration that replays nothing and keeps sessions in memory only.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Capture.Source == "" {
		c.Capture.Source = "pcap"
	}
	if c.Capture.LocalV4 == "" {
		c.Capture.LocalV4 = "10.0.0.2"
	}
	if c.Capture.LocalV6 == "" {
		c.Capture.LocalV6 = "fd00:1:fd00::2"
	}
	if c.Capture.ReadBufferSize <= 0 {
		c.Capture.ReadBufferSize = 32768
	}
	if c.Capture.NATSSubject == "" {
		c.Capture.NATSSubject = "netguard.frames"
	}
	if c.Aggregator.FlushWindow == "" {
		c.Aggregator.FlushWindow = "1500ms"
	}
	if c.Aggregator.MinBytes <= 0 {
		c.Aggregator.MinBytes = 1024
	}
	if c.Resolver.CacheSize <= 0 {
		c.Resolver.CacheSize = 256
	}
	if c.Resolver.ProcfsPath == "" {
		c.Resolver.ProcfsPath = "/proc"
	}
	if c.Risk.Backend == "" {
		c.Risk.Backend = "native"
	}
	if c.Risk.Timeout == "" {
		c.Risk.Timeout = "2s"
	}
	if c.Risk.Model.HighThreshold == 0 {
		c.Risk.Model.HighThreshold = 0.7
	}
	if c.Risk.Model.MediumThreshold == 0 {
		c.Risk.Model.MediumThreshold = 0.4
	}
	if c.Dispatcher.QueueSize <= 0 {
		c.Dispatcher.QueueSize = 1024
	}
	if c.Dispatcher.Workers <= 0 {
		c.Dispatcher.Workers = 2
	}
	if c.Dispatcher.EnqueueTimeout == "" {
		c.Dispatcher.EnqueueTimeout = "250ms"
	}
	if c.Sinks.ClickHouse.Port == 0 {
		c.Sinks.ClickHouse.Port = 9000
	}
	if c.Sinks.ClickHouse.Database == "" {
		c.Sinks.ClickHouse.Database = "default"
	}
	if c.Sinks.ClickHouse.BatchSize <= 0 {
		c.Sinks.ClickHouse.BatchSize = 500
	}
	if c.Sinks.ClickHouse.FlushInterval == "" {
		c.Sinks.ClickHouse.FlushInterval = "5s"
	}
	if c.Sinks.NATS.Subject == "" {
		c.Sinks.NATS.Subject = "netguard.sessions"
	}
	if c.Sinks.File.Encoding == "" {
		c.Sinks.File.Encoding = "jsonl"
	}
	if c.Alerter.CheckInterval == "" {
		c.Alerter.CheckInterval = "1m"
	}
	if c.Alerter.MinLabel == "" {
		c.Alerter.MinLabel = "High"
	}
}

// Validate reports the first field that cannot be used as configured.
func (c *Config) Validate() error {
	switch c.Capture.Source {
	case "pcap":
		if c.Capture.PcapPath == "" {
			return fmt.Errorf("capture.pcap_path is required for the pcap source")
		}
	case "tun":
		if c.Capture.TunName == "" {
			return fmt.Errorf("capture.tun_name is required for the tun source")
		}
	case "nats":
		if c.Capture.NATSURL == "" {
			return fmt.Errorf("capture.nats_url is required for the nats source")
		}
	default:
		return fmt.Errorf("unknown capture.source %q", c.Capture.Source)
	}

	if _, err := netip.ParseAddr(c.Capture.LocalV4); err != nil {
		return fmt.Errorf("invalid capture.local_v4: %w", err)
	}
	if _, err := netip.ParseAddr(c.Capture.LocalV6); err != nil {
		return fmt.Errorf("invalid capture.local_v6: %w", err)
	}

	durations := map[string]string{
		"aggregator.flush_window":         c.Aggregator.FlushWindow,
		"risk.timeout":                    c.Risk.Timeout,
		"dispatcher.enqueue_timeout":      c.Dispatcher.EnqueueTimeout,
		"sinks.clickhouse.flush_interval": c.Sinks.ClickHouse.FlushInterval,
		"alerter.check_interval":          c.Alerter.CheckInterval,
	}
	for field, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", field, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", field)
		}
	}

	switch c.Risk.Backend {
	case "native", "model", "heuristic":
	default:
		return fmt.Errorf("unknown risk.backend %q", c.Risk.Backend)
	}

	switch c.Sinks.File.Encoding {
	case "text", "jsonl", "gob":
	default:
		return fmt.Errorf("unknown sinks.file.encoding %q", c.Sinks.File.Encoding)
	}
	if c.Sinks.Store.Enabled && c.Sinks.Store.Path == "" {
		return fmt.Errorf("sinks.store.path is required when the store is enabled")
	}
	if c.Sinks.File.Enabled && c.Sinks.File.Path == "" {
		return fmt.Errorf("sinks.file.path is required when the file sink is enabled")
	}
	if c.Sinks.ClickHouse.Enabled && c.Sinks.ClickHouse.Host == "" {
		return fmt.Errorf("sinks.clickhouse.host is required when clickhouse is enabled")
	}
	if c.Sinks.NATS.Enabled && c.Sinks.NATS.URL == "" {
		return fmt.Errorf("sinks.nats.url is required when the nats sink is enabled")
	}
	if c.Alerter.Enabled && c.Alerter.SMTP.Host == "" {
		return fmt.Errorf("alerter.smtp.host is required when the alerter is enabled")
	}
	return nil
}

// Duration parses a field already checked by Validate. It returns fallback for empty or invalid values.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
