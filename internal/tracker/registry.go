package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jbesclapez/trackerspotter/internal/logs"
)

// ConnectionTTL is the connection id lifetime mandated by BEP 15.
const ConnectionTTL = 2 * time.Minute

type connectionEntry struct {
	addr    string
	created time.Time
}

// Registry tracks UDP connection identifiers, the address they were issued
// to, and their expiry. It is the only mutable state shared between the
// listeners and the GC, so every access goes through one mutex.
type Registry struct {
	mu      sync.Mutex
	entries map[uint64]connectionEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewRegistry creates a registry with the given TTL. Pass ConnectionTTL
// for protocol-conformant behavior.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		entries: make(map[uint64]connectionEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// addrKey normalizes an IP to its 16-byte form so IPv4 and IPv4-mapped
// addresses compare equal.
func addrKey(ip net.IP) string {
	key := ip.To16()
	if key == nil {
		key = net.IPv6zero
	}
	return string(key)
}

// Issue generates a cryptographically random 64-bit connection id, binds it
// to the issuing address, and returns it. Ids are unguessable by design so a
// spoofed sender cannot blind-forge announces.
func (r *Registry) Issue(ip net.IP) (uint64, error) {
	var id uint64
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, errors.Wrap(err, "failed to generate connection id")
		}
		id = binary.BigEndian.Uint64(buf[:])
		if id == 0 {
			continue
		}
		r.mu.Lock()
		if _, exists := r.entries[id]; !exists {
			break
		}
		r.mu.Unlock()
	}
	r.entries[id] = connectionEntry{addr: addrKey(ip), created: r.now()}
	r.mu.Unlock()
	return id, nil
}

// Validate reports whether id was issued to ip and has not expired. It
// returns a single bool for every failure mode so a probing sender learns
// nothing about which check failed. Expired entries are removed lazily.
func (r *Registry) Validate(id uint64, ip net.IP) bool {
	key := addrKey(ip)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return false
	}
	if r.now().Sub(entry.created) > r.ttl {
		delete(r.entries, id)
		return false
	}
	return entry.addr == key
}

// Sweep removes all expired entries and returns how many were dropped.
// The lock is held only for the duration of a single scan.
func (r *Registry) Sweep() int {
	deadline := r.now().Add(-r.ttl)

	r.mu.Lock()
	removed := 0
	for id, entry := range r.entries {
		if entry.created.Before(deadline) {
			delete(r.entries, id)
			removed++
		}
	}
	r.mu.Unlock()
	return removed
}

// Len returns the number of live entries, expired or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// RunSweeper periodically prunes expired entries until ctx is canceled.
// Intended to run as its own goroutine.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	log := logs.GetLogger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.Sweep(); removed > 0 {
				log.Debug("swept expired udp connections", zap.Int("removed", removed))
			}
		}
	}
}
