// Package sink holds the collaborators that receive every flushed session.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/store"
)

// Sink receives flushed sessions. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Write(ctx context.Context, s model.TrafficSession) error
}

// Set is the group of sinks enabled by configuration.
type Set struct {
	Sinks []Sink
	// Store is non-nil when the embedded store is enabled; the API reads from it.
	Store *store.Store

	closers []io.Closer
}

// Build opens every sink enabled in cfg. On error the sinks opened so far are closed.
func Build(cfg *config.Config, logger *log.Logger) (*Set, error) {
	set := &Set{}
	fail := func(err error) (*Set, error) {
		set.Close()
		return nil, err
	}

	if sc := cfg.Sinks.Store; sc.Enabled {
		st, err := store.Open(sc.Path)
		if err != nil {
			return fail(err)
		}
		set.add(st, st)
		set.Store = st
	}
	if cc := cfg.Sinks.ClickHouse; cc.Enabled {
		w, err := NewClickHouseWriter(cc, logging.Component(logger, "clickhouse"))
		if err != nil {
			return fail(err)
		}
		set.add(w, w)
	}
	if nc := cfg.Sinks.NATS; nc.Enabled {
		p, err := NewNATSPublisher(nc, logging.Component(logger, "nats-sink"))
		if err != nil {
			return fail(err)
		}
		set.add(p, p)
	}
	if fc := cfg.Sinks.File; fc.Enabled {
		w, err := NewFileWriter(fc.Path, fc.Encoding, logging.Component(logger, "file-sink"))
		if err != nil {
			return fail(err)
		}
		set.add(w, w)
	}
	return set, nil
}

func (s *Set) add(sk Sink, c io.Closer) {
	s.Sinks = append(s.Sinks, sk)
	s.closers = append(s.closers, c)
}

// Close closes the sinks in reverse order of opening.
func (s *Set) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Sinks[i].Name(), err))
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
