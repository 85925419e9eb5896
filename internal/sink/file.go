package sink

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/model"
)

// ErrQueueFull is returned by FileWriter.Write when the writer goroutine falls behind.
var ErrQueueFull = errors.New("file sink queue is full")

const defaultFileQueue = 4096

// FileWriter appends sessions to a timestamped file in a directory. A single
// goroutine owns the file so records never interleave.
type FileWriter struct {
	file     *os.File
	encoding string
	queue    chan model.TrafficSession
	log      *log.Entry

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewFileWriter creates dir if needed and opens a new output file in it.
// encoding is one of text, jsonl or gob.
func NewFileWriter(dir, encoding string, logger *log.Entry) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	var ext string
	switch encoding {
	case "text":
		ext = ".log"
	case "jsonl":
		ext = ".jsonl"
	case "gob":
		ext = ".gob"
	default:
		return nil, fmt.Errorf("unknown file encoding %q", encoding)
	}

	name := fmt.Sprintf("sessions_%s%s", time.Now().Format("2006-01-02_15-04-05"), ext)
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create session file: %w", err)
	}

	w := &FileWriter{
		file:     file,
		encoding: encoding,
		queue:    make(chan model.TrafficSession, defaultFileQueue),
		log:      logger,
	}
	w.wg.Add(1)
	go w.run()
	logger.WithFields(log.Fields{"path": file.Name(), "encoding": encoding}).Info("File sink started")
	return w, nil
}

func (w *FileWriter) Name() string { return "file" }

// Path is the file the writer appends to.
func (w *FileWriter) Path() string { return w.file.Name() }

// Write hands the session to the writer goroutine without blocking.
func (w *FileWriter) Write(_ context.Context, s model.TrafficSession) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return os.ErrClosed
	}
	select {
	case w.queue <- s:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *FileWriter) run() {
	defer w.wg.Done()
	buf := bufio.NewWriter(w.file)
	defer buf.Flush()

	var encode func(model.TrafficSession) error
	switch w.encoding {
	case "gob":
		enc := gob.NewEncoder(buf)
		encode = func(s model.TrafficSession) error { return enc.Encode(s) }
	case "jsonl":
		enc := json.NewEncoder(buf)
		encode = func(s model.TrafficSession) error { return enc.Encode(s) }
	default:
		encode = func(s model.TrafficSession) error {
			_, err := buf.WriteString(formatText(s))
			return err
		}
	}

	for s := range w.queue {
		if err := encode(s); err != nil {
			w.log.WithError(err).WithField("session", s.ID).Error("Failed to write session")
		}
		if len(w.queue) == 0 {
			if err := buf.Flush(); err != nil {
				w.log.WithError(err).Error("Failed to flush session file")
			}
		}
	}
}

func formatText(s model.TrafficSession) string {
	return fmt.Sprintf("%s - %s %s:%d -> %s:%d, Proto: %s, Dir: %s, Up: %d, Down: %d, Pkts: %d, Risk: %s(%.2f), Blocked: %t\n",
		s.Timestamp.Format("2006-01-02 15:04:05.000"),
		s.AppPackage,
		s.SrcIP, s.SrcPort,
		s.DstIP, s.DstPort,
		s.Protocol,
		s.Direction,
		s.BytesSent,
		s.BytesReceived,
		s.PacketCount,
		s.RiskLabel, s.RiskScore,
		s.Blocked,
	)
}

// Close drains the queue and closes the file. It is safe to call more than once.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close session file: %w", err)
	}
	w.log.Info("File sink stopped and file closed")
	return nil
}
