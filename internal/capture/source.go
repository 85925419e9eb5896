package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/config"
)

// FrameSource yields one raw IP frame per Read. Read blocks until a frame is
// available and returns an error once the source is exhausted or closed.
// Close must unblock a pending Read.
type FrameSource interface {
	Read(buf []byte) (int, error)
	Close() error
}

// ErrSourceClosed is returned by Read after Close.
var ErrSourceClosed = errors.New("frame source closed")

const (
	ethernetHeaderLen = 14
	vlanTagLen        = 4
	linuxSLLHeaderLen = 16
	nullHeaderLen     = 4

	// Some writers use the BSD value 12 for raw IP.
	linkTypeRawBSD = 12
)

// PcapSource replays a pcap file. Raw IP captures are passed through as is;
// Ethernet, Linux cooked and loopback captures have their link header removed and
// non-IP frames skipped.
type PcapSource struct {
	file   *os.File
	reader *pcapgo.Reader
	strip  func([]byte) ([]byte, bool)
}

func NewPcapSource(path string) (*PcapSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file: %w", err)
	}
	src, err := newPcapSource(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	src.file = file
	return src, nil
}

func newPcapSource(r io.Reader) (*PcapSource, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	strip, err := linkStripper(reader.LinkType())
	if err != nil {
		return nil, err
	}
	return &PcapSource{reader: reader, strip: strip}, nil
}

func linkStripper(lt layers.LinkType) (func([]byte) ([]byte, bool), error) {
	switch lt {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6, linkTypeRawBSD:
		return func(b []byte) ([]byte, bool) { return b, len(b) > 0 }, nil
	case layers.LinkTypeEthernet:
		return stripEthernet, nil
	case layers.LinkTypeLinuxSLL:
		return stripLinuxSLL, nil
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return func(b []byte) ([]byte, bool) {
			if len(b) <= nullHeaderLen {
				return nil, false
			}
			return b[nullHeaderLen:], true
		}, nil
	default:
		return nil, fmt.Errorf("unsupported pcap link type %s", lt)
	}
}

func stripEthernet(b []byte) ([]byte, bool) {
	if len(b) < ethernetHeaderLen {
		return nil, false
	}
	offset := ethernetHeaderLen
	etherType := layers.EthernetType(binary.BigEndian.Uint16(b[12:14]))
	for etherType == layers.EthernetTypeDot1Q || etherType == layers.EthernetTypeQinQ {
		if len(b) < offset+vlanTagLen {
			return nil, false
		}
		etherType = layers.EthernetType(binary.BigEndian.Uint16(b[offset+2 : offset+4]))
		offset += vlanTagLen
	}
	if etherType != layers.EthernetTypeIPv4 && etherType != layers.EthernetTypeIPv6 {
		return nil, false
	}
	return b[offset:], len(b) > offset
}

func stripLinuxSLL(b []byte) ([]byte, bool) {
	if len(b) <= linuxSLLHeaderLen {
		return nil, false
	}
	etherType := layers.EthernetType(binary.BigEndian.Uint16(b[14:16]))
	if etherType != layers.EthernetTypeIPv4 && etherType != layers.EthernetTypeIPv6 {
		return nil, false
	}
	return b[linuxSLLHeaderLen:], true
}

// Read copies the next IP frame into buf, truncating it to len(buf).
// It returns io.EOF at the end of the file.
func (s *PcapSource) Read(buf []byte) (int, error) {
	for {
		data, _, err := s.reader.ReadPacketData()
		if err != nil {
			return 0, err
		}
		frame, ok := s.strip(data)
		if !ok {
			continue
		}
		return copy(buf, frame), nil
	}
}

func (s *PcapSource) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// OpenSource opens the frame source selected by cfg.Source.
func OpenSource(cfg config.CaptureConfig, logger *log.Entry) (FrameSource, error) {
	switch cfg.Source {
	case "pcap":
		return NewPcapSource(cfg.PcapPath)
	case "tun":
		return NewTunSource(cfg.TunName)
	case "nats":
		return NewNATSSource(cfg.NATSURL, cfg.NATSSubject, logger)
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Source)
	}
}
