package analyzer

import (
	"strings"
	"sync"
)

// Firewall is a per-application allow/deny table. Applications without a rule are allowed.
type Firewall struct {
	mu    sync.RWMutex
	rules map[string]bool // true = allowed
}

// NewFirewall denies every application in blocked.
func NewFirewall(blocked []string) *Firewall {
	f := &Firewall{rules: make(map[string]bool)}
	for _, app := range blocked {
		f.SetRule(app, false)
	}
	return f
}

func (f *Firewall) SetRule(app string, allowed bool) {
	app = strings.TrimSpace(app)
	if app == "" {
		return
	}
	f.mu.Lock()
	f.rules[app] = allowed
	f.mu.Unlock()
}

func (f *Firewall) IsAllowed(app string) bool {
	if f == nil {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	allowed, ok := f.rules[app]
	return !ok || allowed
}
