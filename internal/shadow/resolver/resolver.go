// Package resolver implements the simulator's hostname/address directory:
// a bidirectional map between hostname strings and IPv4 addresses plus
// per-host link bandwidth (§4.3).
package resolver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"

	"github.com/shadow-sim/shadow/internal/shadow/serrors"
)

// DefaultHostname is substituted whenever a caller passes an empty
// hostname to Add (§3).
const DefaultHostname = "default.shadow"

// Entry is one resolver record.
type Entry struct {
	Hostname string
	IP       uint32
	HostID   uint32 // the event.HostID owning this address, stored as a
	// plain uint32 to avoid an import cycle with the event package
	KbpsDown uint64
	KbpsUp   uint64
}

// Resolver keeps the two maps described in §4.3: by_name and by_addr.
// Reads dominate writes (every socket bind/connect and every
// getaddrinfo/gethostname call consults it, while hosts are only
// registered/torn down at boot and shutdown), so it is protected by a
// reader-writer lock, matching the guidance in §5.
type Resolver struct {
	mu     sync.RWMutex
	byName map[string]*Entry
	byAddr map[uint32]*Entry

	uniqueID atomic.Uint32

	// reverse caches the ip->hostname direction for getaddrinfo reverse
	// queries so a dense simulation doesn't repeatedly walk byAddr.
	reverse *ttlcache.Cache[uint32, string]

	// retry governs the backoff policy applied when a lookup reports
	// ErrResolveSystem (a transient resolver-backend failure, distinct
	// from ErrResolveNoName).
	retry func() backoff.BackOff
}

// Option configures a Resolver at construction.
type Option func(*Resolver)

// WithReverseCacheTTL overrides the reverse-lookup cache's entry lifetime.
func WithReverseCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		r.reverse = ttlcache.New[uint32, string](ttlcache.WithTTL[uint32, string](ttl))
	}
}

// New constructs an empty Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		byName: make(map[string]*Entry),
		byAddr: make(map[uint32]*Entry),
		retry: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.reverse == nil {
		r.reverse = ttlcache.New[uint32, string](ttlcache.WithTTL[uint32, string](30 * time.Minute))
	}
	go r.reverse.Start()
	return r
}

// Close stops the reverse-lookup cache's janitor goroutine.
func (r *Resolver) Close() { r.reverse.Stop() }

// Add registers hostname -> ip (with bandwidth) under the literal hostname
// given, rewriting only an empty hostname to DefaultHostname: add("server")
// yields an entry resolvable back via ResolveByName("server") (§3/§4.3, §8
// concrete scenario 5). A duplicate add (same final hostname) is
// last-writer-wins: the prior by_addr back-mapping is removed atomically
// with installing the new one. Use AddUnique instead when the caller wants
// a name guaranteed not to collide with another registration of the same
// literal hostname.
func (r *Resolver) Add(hostname string, ip uint32, hostID uint32, kbpsDown, kbpsUp uint64) *Entry {
	if hostname == "" {
		hostname = DefaultHostname
	}
	return r.add(hostname, ip, hostID, kbpsDown, kbpsUp)
}

// AddUnique registers hostname -> ip exactly as Add does, except the
// caller's hostname is first prefixed with a monotonically increasing
// unique id shared across every AddUnique call on this resolver, e.g.
// AddUnique("web") yields "0.web", then a later AddUnique("web") yields
// "1.web" (§3). Use this when a literal name might otherwise collide, e.g.
// multiple scenario instances spawned from one <host quantity=> element.
func (r *Resolver) AddUnique(hostname string, ip uint32, hostID uint32, kbpsDown, kbpsUp uint64) *Entry {
	if hostname == "" {
		hostname = DefaultHostname
	}
	id := r.uniqueID.Add(1) - 1
	return r.add(fmt.Sprintf("%d.%s", id, hostname), ip, hostID, kbpsDown, kbpsUp)
}

func (r *Resolver) add(hostname string, ip, hostID uint32, kbpsDown, kbpsUp uint64) *Entry {
	e := &Entry{Hostname: hostname, IP: ip, HostID: hostID, KbpsDown: kbpsDown, KbpsUp: kbpsUp}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.byAddr[ip]; ok {
		delete(r.byName, prior.Hostname)
	}
	if prior, ok := r.byName[hostname]; ok {
		delete(r.byAddr, prior.IP)
	}
	r.byName[hostname] = e
	r.byAddr[ip] = e
	return e
}

// RemoveByName deletes the entry for hostname, if present, along with its
// by_addr back-mapping.
func (r *Resolver) RemoveByName(hostname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[hostname]
	if !ok {
		return
	}
	delete(r.byName, hostname)
	delete(r.byAddr, e.IP)
}

// RemoveByAddr deletes the entry for ip, if present, along with its
// by_name back-mapping.
func (r *Resolver) RemoveByAddr(ip uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byAddr[ip]
	if !ok {
		return
	}
	delete(r.byAddr, ip)
	delete(r.byName, e.Hostname)
}

// ResolveByName returns the entry for an exact, case-sensitive hostname
// match (§4.3).
func (r *Resolver) ResolveByName(hostname string) (*Entry, error) {
	r.mu.RLock()
	e, ok := r.byName[hostname]
	r.mu.RUnlock()
	if !ok {
		return nil, serrors.ErrResolveNoName
	}
	return e, nil
}

// ResolveByAddr returns the entry for ip and populates the reverse cache.
func (r *Resolver) ResolveByAddr(ip uint32) (*Entry, error) {
	r.mu.RLock()
	e, ok := r.byAddr[ip]
	r.mu.RUnlock()
	if !ok {
		return nil, serrors.ErrResolveNoName
	}
	r.reverse.Set(ip, e.Hostname, ttlcache.DefaultTTL)
	return e, nil
}

// ReverseHostname consults the reverse cache for ip before falling back to
// ResolveByAddr, as getaddrinfo's reverse-lookup path does.
func (r *Resolver) ReverseHostname(ip uint32) (string, error) {
	if item := r.reverse.Get(ip); item != nil {
		return item.Value(), nil
	}
	e, err := r.ResolveByAddr(ip)
	if err != nil {
		return "", err
	}
	return e.Hostname, nil
}

// Bandwidth returns (down, up, min(down,up)) for ip, per §2's "Resolver:
// bidirectional map ... plus per-host link bandwidth".
func (r *Resolver) Bandwidth(ip uint32) (down, up, min uint64, err error) {
	e, err := r.ResolveByAddr(ip)
	if err != nil {
		return 0, 0, 0, err
	}
	m := e.KbpsDown
	if e.KbpsUp < m {
		m = e.KbpsUp
	}
	return e.KbpsDown, e.KbpsUp, m, nil
}

// ResolveSystem performs lookup, retrying transient ErrResolveSystem
// failures with exponential backoff before giving up (§2.1 ambient stack).
// fn is the underlying lookup (e.g. ResolveByName) which may itself
// represent an external DNS-like backend in a fuller deployment; in the
// simulation core's default configuration fn never returns
// ErrResolveSystem, since all lookups are served from the in-memory maps,
// but the retry plumbing is kept so an injected backend can use it.
func (r *Resolver) ResolveSystem(ctx context.Context, fn func() (*Entry, error)) (*Entry, error) {
	var result *Entry
	op := func() error {
		e, err := fn()
		if err != nil {
			if err == serrors.ErrResolveSystem {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		result = e
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(r.retry(), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}
