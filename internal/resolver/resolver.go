package resolver

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"Go2NetGuard/internal/logging"
	"Go2NetGuard/internal/metrics"
	"Go2NetGuard/internal/model"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Querier asks the operating system which user owns a socket.
// A returned uid <= 0 means no owner was found.
type Querier interface {
	QueryOwner(protocol uint8, local, remote netip.AddrPort) (int, error)
}

// QuerierFunc adapts a plain function to Querier.
type QuerierFunc func(protocol uint8, local, remote netip.AddrPort) (int, error)

func (f QuerierFunc) QueryOwner(protocol uint8, local, remote netip.AddrPort) (int, error) {
	return f(protocol, local, remote)
}

// PackageLookup maps an owner uid to an application identifier.
type PackageLookup func(uid int) (string, bool)

type Options struct {
	CacheSize int
	Logger    *log.Entry
	Metrics   *metrics.Metrics
}

// Resolver attributes packets to the application that owns their socket.
// It is safe for concurrent use.
type Resolver struct {
	querier Querier
	lookup  PackageLookup
	log     *log.Entry
	metrics *metrics.Metrics

	mu    sync.Mutex
	cache *ownerCache
}

func New(querier Querier, lookup PackageLookup, opts Options) (*Resolver, error) {
	if querier == nil {
		return nil, fmt.Errorf("resolver requires a querier")
	}
	if lookup == nil {
		return nil, fmt.Errorf("resolver requires a package lookup")
	}
	cache, err := newOwnerCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component(nil, "resolver")
	}
	return &Resolver{
		querier: querier,
		lookup:  lookup,
		log:     logger,
		metrics: opts.Metrics,
		cache:   cache,
	}, nil
}

// Resolve returns the owning application of the packet's socket, or false when
// it cannot be determined. Failures are logged and never returned.
func (r *Resolver) Resolve(p *model.ParsedPacket) (string, bool) {
	if p == nil || !p.HasPorts {
		return "", false
	}

	key := cacheKey(p)
	r.mu.Lock()
	cached, hit := r.cache.get(key)
	r.mu.Unlock()
	if hit {
		r.metrics.ResolverCacheHit()
		return cached.name, cached.found
	}
	r.metrics.ResolverCacheMiss()

	result := r.query(p, key)

	r.mu.Lock()
	r.cache.put(key, result)
	r.mu.Unlock()
	return result.name, result.found
}

// Len reports the number of cached tuples.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.len()
}

func (r *Resolver) query(p *model.ParsedPacket, key string) owner {
	src := netip.AddrPortFrom(p.SrcIP, p.SrcPort)
	dst := netip.AddrPortFrom(p.DstIP, p.DstPort)
	local, remote := src, dst
	if p.Direction == model.Incoming {
		local, remote = dst, src
	}

	uid, err := r.safeQuery(p.ProtocolNumber, local, remote)
	if err != nil {
		reason := "unexpected"
		switch {
		case errors.Is(err, ErrPermissionDenied):
			reason = "permission_denied"
		case errors.Is(err, ErrInvalidArgument):
			reason = "invalid_argument"
		}
		r.metrics.ResolverFailed(reason)
		r.log.WithError(err).WithFields(log.Fields{"key": key, "reason": reason}).Warn("Owner query failed")
		return owner{}
	}
	if uid <= 0 {
		return owner{}
	}

	name, ok := r.lookup(uid)
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		r.log.WithFields(log.Fields{"key": key, "uid": uid}).Debug("No package for uid")
		return owner{}
	}
	return owner{name: name, found: true}
}

// safeQuery converts a panicking querier into an error.
func (r *Resolver) safeQuery(protocol uint8, local, remote netip.AddrPort) (uid int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("owner query panicked: %v", rec)
		}
	}()
	return r.querier.QueryOwner(protocol, local, remote)
}

// cacheKey renders protocol number, 4-tuple and direction, e.g. "6:10.0.0.2:40000->1.1.1.1:443|OUTGOING".
func cacheKey(p *model.ParsedPacket) string {
	return fmt.Sprintf("%d:%s:%d->%s:%d|%s", p.ProtocolNumber, p.SrcIP, p.SrcPort, p.DstIP, p.DstPort, p.Direction)
}
