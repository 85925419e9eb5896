package manager

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/alerter"
	_ "Go2NetGuard/internal/analyzer" // Registers the native risk backend
	"Go2NetGuard/internal/capture"
	"Go2NetGuard/internal/config"
	_ "Go2NetGuard/internal/detector" // Registers the model risk backend
	"Go2NetGuard/internal/engine/flowaggregator"
	"Go2NetGuard/internal/factory"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/metrics"
	"Go2NetGuard/internal/notification"
	"Go2NetGuard/internal/resolver"
	"Go2NetGuard/internal/sink"
	"Go2NetGuard/internal/store"
)

// Manager wires one frame source to the risk backend, the owner resolver, the
// flow table and every configured sink.
type Manager struct {
	log     *log.Entry
	sinks   *sink.Set
	alerter *alerter.Alerter
	service *capture.Service
}

// NewManager builds the pipeline for src. On success the manager owns src; on
// error the caller must close it. extra sinks receive every session after the
// configured ones.
func NewManager(cfg *config.Config, logger *log.Logger, m *metrics.Metrics, src capture.FrameSource, extra ...sink.Sink) (*Manager, error) {
	mlog := logging.Component(logger, "manager")

	localV4, err := netip.ParseAddr(cfg.Capture.LocalV4)
	if err != nil {
		return nil, fmt.Errorf("invalid local_v4: %w", err)
	}
	localV6, err := netip.ParseAddr(cfg.Capture.LocalV6)
	if err != nil {
		return nil, fmt.Errorf("invalid local_v6: %w", err)
	}

	evaluator, err := factory.Create(cfg, factory.Deps{
		Logger:  logging.Component(logger, "risk"),
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	var ownerResolver capture.OwnerResolver
	if cfg.Resolver.Enabled {
		querier, err := resolver.NewProcfsQuerier(cfg.Resolver.ProcfsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create owner querier: %w", err)
		}
		r, err := resolver.New(querier, resolver.UserLookup, resolver.Options{
			CacheSize: cfg.Resolver.CacheSize,
			Logger:    logging.Component(logger, "resolver"),
			Metrics:   m,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create resolver: %w", err)
		}
		ownerResolver = r
		mlog.WithField("procfs", cfg.Resolver.ProcfsPath).Info("Owner resolution enabled")
	}

	window := config.Duration(cfg.Aggregator.FlushWindow, flowaggregator.DefaultFlushWindow)
	agg := flowaggregator.New(evaluator, flowaggregator.Options{
		FlushWindow: window,
		MinBytes:    cfg.Aggregator.MinBytes,
		Logger:      logging.Component(logger, "aggregator"),
		Metrics:     m,
	})

	set, err := sink.Build(cfg, logger)
	if err != nil {
		return nil, err
	}
	sinks := append([]sink.Sink{}, set.Sinks...)

	var alertr *alerter.Alerter
	if cfg.Alerter.Enabled {
		notifier := notification.NewEmailNotifier(cfg.Alerter.SMTP)
		alertr, err = alerter.NewAlerter(&cfg.Alerter, notifier, logging.Component(logger, "alerter"))
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("failed to create alerter: %w", err)
		}
		sinks = append(sinks, alertr)
		mlog.Info("Alerter enabled and initialized.")
	}
	sinks = append(sinks, extra...)

	var dumper *capture.Dumper
	if cfg.Capture.DumpPath != "" {
		dumper, err = capture.NewDumper(cfg.Capture.DumpPath, logging.Component(logger, "dump"))
		if err != nil {
			set.Close()
			return nil, err
		}
	}

	service, err := capture.NewService(capture.Options{
		Source:     src,
		Resolver:   ownerResolver,
		Aggregator: agg,
		Sinks:      sinks,
		Dispatcher: capture.DispatcherOptions{
			QueueSize:      cfg.Dispatcher.QueueSize,
			Workers:        cfg.Dispatcher.Workers,
			EnqueueTimeout: config.Duration(cfg.Dispatcher.EnqueueTimeout, 250*time.Millisecond),
			Logger:         logging.Component(logger, "dispatcher"),
		},
		Dumper:        dumper,
		LocalV4:       localV4,
		LocalV6:       localV6,
		BufferSize:    cfg.Capture.ReadBufferSize,
		SweepInterval: window,
		Logger:        logging.Component(logger, "capture"),
		Metrics:       m,
	})
	if err != nil {
		dumper.Close()
		set.Close()
		return nil, err
	}

	return &Manager{
		log:     mlog,
		sinks:   set,
		alerter: alertr,
		service: service,
	}, nil
}

// Start launches the alerter loop and the capture service.
func (m *Manager) Start(ctx context.Context) error {
	if m.alerter != nil {
		m.alerter.Start()
	}
	if err := m.service.Start(ctx); err != nil {
		return err
	}
	m.log.Info("Manager started.")
	return nil
}

// Stop stops capture first so every pending session reaches the sinks, then
// sends the last alerts and closes the sinks.
func (m *Manager) Stop() error {
	var errs []error
	if err := m.service.Stop(); err != nil {
		errs = append(errs, err)
	}
	if m.alerter != nil {
		m.alerter.Stop()
	}
	if err := m.sinks.Close(); err != nil {
		errs = append(errs, err)
	}
	m.log.Info("Manager stopped.")
	return errors.Join(errs...)
}

// Done is closed when the frame source has ended.
func (m *Manager) Done() <-chan struct{} { return m.service.Done() }

func (m *Manager) Service() *capture.Service { return m.service }

// Store is nil when the embedded store is disabled.
func (m *Manager) Store() *store.Store { return m.sinks.Store }
