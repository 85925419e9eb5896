package capture

import (
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

const natsFrameBuffer = 4096

// NATSSource reads raw IP frames published on a NATS subject, one frame per message.
type NATSSource struct {
	nc   *nats.Conn
	sub  *nats.Subscription
	msgs chan *nats.Msg
	log  *log.Entry

	once   sync.Once
	closed chan struct{}
}

func NewNATSSource(url, subject string, logger *log.Entry) (*NATSSource, error) {
	nc, err := nats.Connect(url, nats.Name("netguard-capture"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	src := newNATSSource(make(chan *nats.Msg, natsFrameBuffer), logger)
	sub, err := nc.ChanSubscribe(subject, src.msgs)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}
	src.nc, src.sub = nc, sub
	logger.WithField("subject", subject).Info("Subscribed to raw frame subject")
	return src, nil
}

func newNATSSource(msgs chan *nats.Msg, logger *log.Entry) *NATSSource {
	return &NATSSource{msgs: msgs, log: logger, closed: make(chan struct{})}
}

// Read waits for the next message and copies its payload into buf.
func (s *NATSSource) Read(buf []byte) (int, error) {
	for {
		select {
		case msg := <-s.msgs:
			if len(msg.Data) == 0 {
				continue
			}
			return copy(buf, msg.Data), nil
		case <-s.closed:
			return 0, ErrSourceClosed
		}
	}
}

// Close unsubscribes, closes the connection and unblocks Read.
func (s *NATSSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		if s.sub != nil {
			if uerr := s.sub.Unsubscribe(); uerr != nil {
				err = fmt.Errorf("failed to unsubscribe: %w", uerr)
			}
		}
		if s.nc != nil {
			s.nc.Close()
			s.log.Info("NATS frame source closed")
		}
	})
	return err
}
