// Package store keeps flushed sessions in an embedded buntdb database.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/buntdb"

	"Go2NetGuard/internal/model"
)

const keyPrefix = "session:"

// ErrNotFound is returned by Get for an unknown session id.
var ErrNotFound = errors.New("session not found")

// tsLayout is fixed width so the ts index orders byte-wise with full nanosecond precision.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// record is the stored JSON value; ts is the UTC last update used for ordering.
type record struct {
	model.TrafficSession
	TS string `json:"ts"`
}

// Summary aggregates every stored session.
type Summary struct {
	Sessions      int                     `json:"sessions"`
	TotalSent     int64                   `json:"total_sent"`
	TotalReceived int64                   `json:"total_received"`
	Blocked       int                     `json:"blocked"`
	ByLabel       map[model.RiskLabel]int `json:"by_label"`
}

type Store struct {
	db *buntdb.DB
}

// Open opens or creates the database at path. ":memory:" keeps it in memory.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	if err := db.CreateIndex("ts", keyPrefix+"*", buntdb.IndexJSONCaseSensitive("ts")); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ts index: %w", err)
	}
	if err := db.CreateIndex("risk", keyPrefix+"*", buntdb.IndexJSON("risk_score")); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create risk index: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Name() string { return "store" }

// Write inserts the session or replaces the one with the same id.
func (s *Store) Write(_ context.Context, sess model.TrafficSession) error {
	data, err := json.Marshal(record{TrafficSession: sess, TS: sess.Timestamp.UTC().Format(tsLayout)})
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(keyPrefix+sess.ID, string(data), nil)
		return err
	})
}

func (s *Store) Get(id string) (model.TrafficSession, error) {
	var sess model.TrafficSession
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(keyPrefix + id)
		if errors.Is(err, buntdb.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return decode(val, &sess)
	})
	return sess, err
}

// Recent returns up to limit sessions, newest first. limit <= 0 means no limit.
func (s *Store) Recent(limit int) ([]model.TrafficSession, error) {
	return s.descend("ts", limit, nil)
}

// ByLabel returns up to limit sessions carrying label, newest first.
func (s *Store) ByLabel(label model.RiskLabel, limit int) ([]model.TrafficSession, error) {
	return s.descend("ts", limit, func(sess *model.TrafficSession) bool {
		return sess.RiskLabel == label
	})
}

// Riskiest returns up to limit sessions ordered by descending risk score.
func (s *Store) Riskiest(limit int) ([]model.TrafficSession, error) {
	return s.descend("risk", limit, nil)
}

func (s *Store) descend(index string, limit int, keep func(*model.TrafficSession) bool) ([]model.TrafficSession, error) {
	var out []model.TrafficSession
	var decodeErr error
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.Descend(index, func(_, val string) bool {
			var sess model.TrafficSession
			if decodeErr = decode(val, &sess); decodeErr != nil {
				return false
			}
			if keep == nil || keep(&sess) {
				out = append(out, sess)
			}
			return limit <= 0 || len(out) < limit
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

func (s *Store) Summary() (Summary, error) {
	sum := Summary{ByLabel: make(map[model.RiskLabel]int)}
	var decodeErr error
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyPrefix+"*", func(_, val string) bool {
			var sess model.TrafficSession
			if decodeErr = decode(val, &sess); decodeErr != nil {
				return false
			}
			sum.Sessions++
			sum.TotalSent += sess.BytesSent
			sum.TotalReceived += sess.BytesReceived
			sum.ByLabel[sess.RiskLabel]++
			if sess.Blocked {
				sum.Blocked++
			}
			return true
		})
	})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize sessions: %w", err)
	}
	return sum, decodeErr
}

func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		n, err = tx.Len()
		return err
	})
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func decode(val string, sess *model.TrafficSession) error {
	if err := json.Unmarshal([]byte(val), sess); err != nil {
		return fmt.Errorf("failed to decode stored session: %w", err)
	}
	return nil
}
