// Package nonce implements the per-sender monotonic nonce registry: a
// sharded, hot in-memory map protecting concurrent ingress.
package nonce

import (
	"sync"

	"github.com/meridiandb/node/internal/address"
	"github.com/meridiandb/node/internal/apierrors"
)

const shardCount = 256

// Registry maps sender addresses to their last-seen nonce. Check-and-bump
// is serialized per sender via a per-shard mutex; cross-sender operations
// proceed concurrently.
type Registry struct {
	shards [shardCount]shard
}

type shard struct {
	mu sync.Mutex
	m  map[address.Addr]uint64
}

// New constructs an empty registry. Callers on a restarting node should
// immediately call LoadAll with the persisted nonce/<sender> rows from the
// state store before accepting ingress traffic.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].m = make(map[address.Addr]uint64)
	}
	return r
}

func shardFor(r *Registry, sender address.Addr) *shard {
	var h byte
	for _, b := range sender {
		h ^= b
	}
	return &r.shards[h]
}

// LoadAll seeds the in-memory map from persisted state, used once at
// startup to rebuild the registry without replaying the entire mutation
// log.
func (r *Registry) LoadAll(lastSeen map[address.Addr]uint64) {
	for sender, n := range lastSeen {
		s := shardFor(r, sender)
		s.mu.Lock()
		s.m[sender] = n
		s.mu.Unlock()
	}
}

// Peek returns the next nonce expected from sender (last_seen + 1), used to
// answer GetNonce without mutating registry state.
func (r *Registry) Peek(sender address.Addr) uint64 {
	s := shardFor(r, sender)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[sender] + 1
}

// CheckAndBump admits nonce for sender only if it equals last_seen+1 (the
// first nonce for a sender is 1). On success it atomically advances
// last_seen and returns nil.
func (r *Registry) CheckAndBump(sender address.Addr, nonce uint64) error {
	s := shardFor(r, sender)
	s.mu.Lock()
	defer s.mu.Unlock()

	want := s.m[sender] + 1
	if nonce != want {
		return apierrors.NonceMismatch(sender.String(), nonce, want)
	}
	s.m[sender] = nonce
	return nil
}

// Rollback restores last_seen to nonce-1, used when a nonce was bumped at
// admission but the append that should have persisted it failed.
func (r *Registry) Rollback(sender address.Addr, nonce uint64) {
	s := shardFor(r, sender)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[sender] == nonce {
		s.m[sender] = nonce - 1
	}
}
