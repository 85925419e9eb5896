package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS traffic_sessions (
    Timestamp     DateTime64(3),
    FirstSeen     DateTime64(3),
    SessionID     String,
    AppPackage    String,
    SrcIP         String,
    DstIP         String,
    SrcPort       Int32,
    DstPort       Int32,
    Protocol      LowCardinality(String),
    Direction     LowCardinality(String),
    BytesSent     Int64,
    BytesReceived Int64,
    PacketCount   UInt32,
    Blocked       Bool,
    RiskScore     Float64,
    RiskLabel     LowCardinality(String)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (AppPackage, Timestamp);
`

// sendFunc inserts one batch of sessions.
type sendFunc func(ctx context.Context, rows []model.TrafficSession) error

// ClickHouseWriter buffers sessions and inserts them in batches, either when
// batchSize rows are pending or every flush interval.
type ClickHouseWriter struct {
	send      sendFunc
	conn      driver.Conn
	batchSize int
	log       *log.Entry

	mu      sync.Mutex
	pending []model.TrafficSession

	done chan struct{}
	wg   sync.WaitGroup
}

// NewClickHouseWriter connects, ensures the table exists and starts the flush loop.
func NewClickHouseWriter(cfg config.ClickHouseConfig, logger *log.Entry) (*ClickHouseWriter, error) {
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	logger.Info("Connected to ClickHouse and ensured traffic_sessions exists")

	w := newClickHouseWriter(insertBatch(conn), cfg.BatchSize, config.Duration(cfg.FlushInterval, 5*time.Second), logger)
	w.conn = conn
	return w, nil
}

func newClickHouseWriter(send sendFunc, batchSize int, interval time.Duration, logger *log.Entry) *ClickHouseWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	w := &ClickHouseWriter{
		send:      send,
		batchSize: batchSize,
		log:       logger,
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run(interval)
	return w
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func insertBatch(conn driver.Conn) sendFunc {
	return func(ctx context.Context, rows []model.TrafficSession) error {
		batch, err := conn.PrepareBatch(ctx, "INSERT INTO traffic_sessions")
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, s := range rows {
			err := batch.Append(
				s.Timestamp,
				s.FirstSeen,
				s.ID,
				s.AppPackage,
				s.SrcIP,
				s.DstIP,
				int32(s.SrcPort),
				int32(s.DstPort),
				s.Protocol,
				s.Direction,
				s.BytesSent,
				s.BytesReceived,
				uint32(s.PacketCount),
				s.Blocked,
				s.RiskScore,
				string(s.RiskLabel),
			)
			if err != nil {
				batch.Abort()
				return fmt.Errorf("failed to append session %s to batch: %w", s.ID, err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
		return nil
	}
}

func (w *ClickHouseWriter) Name() string { return "clickhouse" }

// Write queues the session; it only inserts when the batch is full.
func (w *ClickHouseWriter) Write(ctx context.Context, s model.TrafficSession) error {
	w.mu.Lock()
	w.pending = append(w.pending, s)
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush inserts everything pending. Rows of a failed insert are dropped.
func (w *ClickHouseWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	rows := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := w.send(ctx, rows); err != nil {
		return fmt.Errorf("failed to insert %d sessions: %w", len(rows), err)
	}
	w.log.WithField("rows", len(rows)).Debug("Wrote sessions to ClickHouse")
	return nil
}

func (w *ClickHouseWriter) run(interval time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(context.Background()); err != nil {
				w.log.WithError(err).Error("Periodic ClickHouse flush failed")
			}
		case <-w.done:
			return
		}
	}
}

// Close stops the flush loop, inserts what is pending and closes the connection.
func (w *ClickHouseWriter) Close() error {
	close(w.done)
	w.wg.Wait()
	err := w.Flush(context.Background())
	if w.conn != nil {
		if cerr := w.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
