package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/netip"
	"os"

	"Go2NetGuard/internal/capture"
	"Go2NetGuard/internal/engine/protocol"
)

func main() {
	limit := flag.Int("n", 5, "Number of frames to print (0 prints all)")
	localV4 := flag.String("local4", "10.0.0.2", "Tunnel IPv4 address")
	localV6 := flag.String("local6", "fd00:1:fd00::2", "Tunnel IPv6 address")
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Println("Usage: go run ./scripts/pcapana/main.go [-n 5] <path_to_pcap_file>")
		os.Exit(1)
	}

	v4, err := netip.ParseAddr(*localV4)
	if err != nil {
		log.Fatalf("Invalid -local4: %v", err)
	}
	v6, err := netip.ParseAddr(*localV6)
	if err != nil {
		log.Fatalf("Invalid -local6: %v", err)
	}

	src, err := capture.NewPcapSource(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	defer src.Close()

	buf := make([]byte, capture.DefaultBufferSize)
	printed, failed := 0, 0
	for *limit == 0 || printed < *limit {
		n, err := src.Read(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatal(err)
		}
		pkt, err := protocol.Parse(buf[:n], v4, v6)
		if err != nil {
			failed++
			fmt.Println("Parse error:", err)
			continue
		}
		printed++
		fmt.Printf("%s:%d -> %s:%d proto=%s(%d) len=%d dir=%s\n",
			pkt.SrcIP, pkt.SrcPort, pkt.DstIP, pkt.DstPort,
			pkt.Protocol, pkt.ProtocolNumber, pkt.TotalBytes, pkt.Direction)
	}
	if failed > 0 {
		fmt.Printf("%d frames could not be parsed\n", failed)
	}
}
