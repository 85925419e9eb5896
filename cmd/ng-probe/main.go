package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/engine/protocol"
	"Go2NetGuard/internal/logging"
)

const (
	snapshotLen int32 = 65535
	promiscuous       = true
	timeout           = pcap.BlockForever
)

func main() {
	mode := flag.String("mode", "sub", "Operating mode: 'pub' to capture and publish, 'sub' to subscribe and print.")
	iface := flag.String("iface", "", "Interface to capture frames from (required for pub mode).")
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	probeLog := logging.Component(logger, "ng-probe")

	switch *mode {
	case "pub":
		runProbe(cfg.Capture, *iface, probeLog)
	case "sub":
		runSubscriber(cfg.Capture, probeLog)
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// ipFrame returns the IP header and everything after it, dropping the link layer.
func ipFrame(packet gopacket.Packet) ([]byte, bool) {
	nl := packet.NetworkLayer()
	if nl == nil {
		return nil, false
	}
	switch nl.LayerType() {
	case layers.LayerTypeIPv4, layers.LayerTypeIPv6:
	default:
		return nil, false
	}
	contents, payload := nl.LayerContents(), nl.LayerPayload()
	frame := make([]byte, 0, len(contents)+len(payload))
	frame = append(frame, contents...)
	return append(frame, payload...), true
}

// runProbe captures on an interface and publishes raw IP frames to NATS.
func runProbe(cfg config.CaptureConfig, interfaceName string, logger *log.Entry) {
	if interfaceName == "" {
		logger.Error("The -iface flag is required for pub mode.")
		flag.Usage()
		os.Exit(1)
	}
	logger = logger.WithFields(log.Fields{"iface": interfaceName, "subject": cfg.NATSSubject})
	logger.Info("Starting ng-probe in PUB mode")

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer nc.Drain()

	handle, err := pcap.OpenLive(interfaceName, snapshotLen, promiscuous, timeout)
	if err != nil {
		logger.Fatalf("Error opening device %s: %v", interfaceName, err)
	}
	defer handle.Close()

	logger.Info("Capture started successfully. Publishing frames to NATS...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
		published := 0
		for packet := range packetSource.Packets() {
			frame, ok := ipFrame(packet)
			if !ok {
				continue
			}
			if err := nc.Publish(cfg.NATSSubject, frame); err != nil {
				logger.WithError(err).Warn("Failed to publish frame")
				continue
			}
			published++
			if published%1000 == 0 {
				logger.Infof("%d frames published...", published)
			}
		}
	}()

	<-sigChan
	logger.Info("Shutdown signal received, cleaning up...")
}

// runSubscriber prints a one-line header summary for every frame on the capture subject.
func runSubscriber(cfg config.CaptureConfig, logger *log.Entry) {
	logger = logger.WithField("subject", cfg.NATSSubject)
	logger.Info("Starting ng-probe in SUB mode")

	localV4, _ := netip.ParseAddr(cfg.LocalV4)
	localV6, _ := netip.ParseAddr(cfg.LocalV6)

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer nc.Drain()

	_, err = nc.Subscribe(cfg.NATSSubject, func(msg *nats.Msg) {
		pkt, err := protocol.Parse(msg.Data, localV4, localV6)
		if err != nil {
			logger.WithError(err).Debug("Received unparseable frame")
			return
		}
		logger.Infof("Received %s %s:%d -> %s:%d %d bytes %s",
			pkt.Protocol, pkt.SrcIP, pkt.SrcPort, pkt.DstIP, pkt.DstPort, pkt.TotalBytes, pkt.Direction)
	})
	if err != nil {
		logger.Fatalf("Subscriber failed to start: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received, cleaning up...")
}
