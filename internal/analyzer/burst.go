package analyzer

import (
	"sync"
	"time"
)

const (
	maxTrackedEndpoints = 2048
	endpointExpiry      = 10 * time.Second
	burstWindow         = 500 * time.Millisecond
	smallPayloadBytes   = 150
)

type burstInfo struct {
	lastSeen   time.Time
	count      int
	smallCount int
}

// burstTracker counts back-to-back packets per endpoint key. A packet arriving
// within burstWindow of the previous one extends the burst; otherwise it restarts.
type burstTracker struct {
	mu      sync.Mutex
	entries map[string]*burstInfo
}

func newBurstTracker() *burstTracker {
	return &burstTracker{entries: make(map[string]*burstInfo)}
}

func (b *burstTracker) observe(key string, payloadLen int, now time.Time) burstInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, e := range b.entries {
		if now.Sub(e.lastSeen) > endpointExpiry {
			delete(b.entries, k)
		}
	}
	if len(b.entries) > maxTrackedEndpoints {
		clear(b.entries)
	}

	small := 0
	if payloadLen <= smallPayloadBytes {
		small = 1
	}
	e, ok := b.entries[key]
	if !ok {
		e = &burstInfo{}
		b.entries[key] = e
	}
	if ok && now.Sub(e.lastSeen) < burstWindow {
		e.count++
		e.smallCount += small
	} else {
		e.count = 1
		e.smallCount = small
	}
	e.lastSeen = now
	return *e
}

func (b *burstTracker) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
