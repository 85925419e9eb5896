package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/capture"
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/engine/manager"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/metrics"
	"Go2NetGuard/internal/model"
)

// printSink writes one line per session to stdout.
type printSink struct {
	mu    sync.Mutex
	count int
}

func (p *printSink) Name() string { return "stdout" }

func (p *printSink) Write(_ context.Context, s model.TrafficSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	_, err := fmt.Printf("%-8s %-9s %s:%d -> %s:%d up=%d down=%d app=%s risk=%s(%.2f) blocked=%t\n",
		s.Protocol, s.Direction, s.SrcIP, s.SrcPort, s.DstIP, s.DstPort,
		s.BytesSent, s.BytesReceived, s.AppPackage, s.RiskLabel, s.RiskScore, s.Blocked)
	return err
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ng-replay [-config path] <path_to_pcap_file>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	pcapFilePath := flag.Arg(0)

	// 1. Load configuration and point the capture at the file
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Capture.Source = "pcap"
	cfg.Capture.PcapPath = pcapFilePath

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	replayLog := logging.Component(logger, "ng-replay").WithField("pcap", pcapFilePath)

	// 2. Initialize modules
	src, err := capture.OpenSource(cfg.Capture, logging.Component(logger, "source"))
	if err != nil {
		replayLog.Fatalf("Failed to open pcap file: %v", err)
	}
	printer := &printSink{}
	mgr, err := manager.NewManager(cfg, logger, metrics.New(), src, printer)
	if err != nil {
		src.Close()
		replayLog.Fatalf("Failed to create manager: %v", err)
	}

	// 3. Replay until the file ends
	if err := mgr.Start(context.Background()); err != nil {
		replayLog.Fatalf("Failed to start manager: %v", err)
	}
	replayLog.Info("Reading frames...")
	<-mgr.Done()

	// 4. Graceful shutdown flushes the flows still open
	if err := mgr.Stop(); err != nil {
		replayLog.WithError(err).Error("Errors during shutdown")
	}
	printer.mu.Lock()
	replayLog.WithField("sessions", printer.count).Info("Replay complete.")
	printer.mu.Unlock()
}
