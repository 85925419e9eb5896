package main

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"Go2NetGuard/internal/model"
)

// Reads a sessions_*.gob file written by the file sink and prints every session
// followed by a per-label count.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./scripts/gobana/main.go <gob_file>")
		os.Exit(1)
	}
	gobFile := os.Args[1]

	file, err := os.Open(gobFile)
	if err != nil {
		log.Fatalf("Unable to open file: %v", err)
	}
	defer file.Close()

	decoder := gob.NewDecoder(file)
	byLabel := make(map[model.RiskLabel]int)
	total := 0
	for {
		var s model.TrafficSession
		if err := decoder.Decode(&s); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			log.Fatalf("Failed to decode gob data after %d sessions: %v", total, err)
		}
		total++
		byLabel[s.RiskLabel]++
		fmt.Printf("%s %s %s:%d -> %s:%d up=%d down=%d %s %s\n",
			s.Timestamp.Format("15:04:05.000"), s.Protocol, s.SrcIP, s.SrcPort, s.DstIP, s.DstPort,
			s.BytesSent, s.BytesReceived, s.AppPackage, s.RiskLabel)
	}

	fmt.Printf("Decoded %d sessions:", total)
	for _, label := range []model.RiskLabel{model.RiskHigh, model.RiskMedium, model.RiskLow} {
		fmt.Printf(" %s=%d", label, byLabel[label])
	}
	fmt.Println()
}
