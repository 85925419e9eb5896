package capture

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

const (
	dumpSnapLen = 65535
	dumpBuffer  = 8192
)

type dumpFrame struct {
	at   time.Time
	data []byte
}

// Dumper records every frame read to a raw-IP pcap file from a background goroutine.
// Frames are dropped when the goroutine falls behind.
type Dumper struct {
	file   *os.File
	buf    *bufio.Writer
	writer *pcapgo.Writer
	frames chan dumpFrame
	log    *log.Entry

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	wg      sync.WaitGroup
}

func NewDumper(path string, logger *log.Entry) (*Dumper, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create dump file: %w", err)
	}
	buf := bufio.NewWriter(file)
	writer := pcapgo.NewWriter(buf)
	if err := writer.WriteFileHeader(dumpSnapLen, layers.LinkTypeRaw); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}

	d := &Dumper{
		file:   file,
		buf:    buf,
		writer: writer,
		frames: make(chan dumpFrame, dumpBuffer),
		log:    logger,
	}
	d.wg.Add(1)
	go d.run()
	logger.WithField("path", path).Info("Dumping raw frames")
	return d, nil
}

// Write queues frame. The slice is retained, so callers must not reuse it.
func (d *Dumper) Write(at time.Time, frame []byte) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.frames <- dumpFrame{at: at, data: frame}:
	default:
		d.dropped.Add(1)
	}
}

func (d *Dumper) run() {
	defer d.wg.Done()
	for f := range d.frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     f.at,
			CaptureLength: len(f.data),
			Length:        len(f.data),
		}
		if ci.CaptureLength > dumpSnapLen {
			ci.CaptureLength = dumpSnapLen
			f.data = f.data[:dumpSnapLen]
		}
		if err := d.writer.WritePacket(ci, f.data); err != nil {
			d.log.WithError(err).Error("Failed to write frame to dump")
		}
	}
}

// Close writes what is queued and closes the file.
func (d *Dumper) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.frames)
	d.mu.Unlock()

	d.wg.Wait()
	if dropped := d.dropped.Load(); dropped > 0 {
		d.log.WithField("dropped", dropped).Warn("Dump queue overflowed")
	}
	if err := d.buf.Flush(); err != nil {
		d.file.Close()
		return fmt.Errorf("failed to flush dump: %w", err)
	}
	return d.file.Close()
}
