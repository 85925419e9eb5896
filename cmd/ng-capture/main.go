package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/api"
	"Go2NetGuard/internal/capture"
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/engine/manager"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/metrics"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	mainLog := logging.Component(logger, "ng-capture")
	mainLog.WithField("source", cfg.Capture.Source).Info("Starting ng-capture...")

	// 2. Open the frame source and build the pipeline around it
	m := metrics.New()
	src, err := capture.OpenSource(cfg.Capture, logging.Component(logger, "source"))
	if err != nil {
		mainLog.Fatalf("Failed to open frame source: %v", err)
	}
	mgr, err := manager.NewManager(cfg, logger, m, src)
	if err != nil {
		src.Close()
		mainLog.Fatalf("Failed to create manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		mainLog.Fatalf("Failed to start manager: %v", err)
	}

	// 3. Serve the query API next to the capture loop
	opts := api.Options{
		Feed:    mgr.Service(),
		Metrics: m.Handler(),
		Running: mgr.Service().Running,
		Logger:  logging.Component(logger, "api"),
	}
	if st := mgr.Store(); st != nil {
		opts.Sessions = st
	}
	server := api.NewServer(opts)
	apiCtx, stopAPI := context.WithCancel(ctx)
	apiDone := make(chan struct{})
	go func() {
		defer close(apiDone)
		if err := server.Serve(apiCtx, cfg.API.HttpListenAddr, cfg.API.GrpcListenAddr); err != nil {
			mainLog.WithError(err).Error("API server failed")
		}
	}()
	server.SetServing(true)

	// 4. Wait for a shutdown signal or the end of the source
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		mainLog.Info("Shutdown signal received, stopping capture...")
	case <-mgr.Done():
		mainLog.Info("Frame source ended, stopping capture...")
	}

	server.SetServing(false)
	if err := mgr.Stop(); err != nil {
		mainLog.WithError(err).Error("Errors during shutdown")
	}
	stopAPI()
	<-apiDone
	mainLog.Info("Shutdown complete.")
}
