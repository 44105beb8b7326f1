package fpr

import (
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Store — address-keyed peer records
// -------------------------------------------------------------------------

// Store maps hardware addresses to peer records.
//
// One Store serves as the device-wide serialization point: the radio
// receive path, the background tasks, and the application API all mutate
// peer records inside Update/Visit closures, which run under the store
// lock. The lock is held briefly; application callbacks are never
// invoked while holding it, and blocking queue consumption happens on
// the per-peer queue's own lock.
type Store struct {
	mu    sync.Mutex
	peers map[MAC]*Peer
}

// NewStore creates an empty peer store.
func NewStore() *Store {
	return &Store{peers: make(map[MAC]*Peer)}
}

// Len returns the number of peer records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Put inserts or replaces the record for the peer's address.
func (s *Store) Put(p *Peer) {
	s.mu.Lock()
	s.peers[p.Addr] = p
	s.mu.Unlock()
}

// Delete removes a peer record. The record's delivery queue is drained
// so no frames outlive it. Returns false if the address was unknown.
func (s *Store) Delete(addr MAC) bool {
	s.mu.Lock()
	p, ok := s.peers[addr]
	delete(s.peers, addr)
	s.mu.Unlock()
	if ok {
		p.Queue.Drain()
		p.Keys.Clear()
	}
	return ok
}

// Clear removes every peer record, draining queues and wiping keys.
// Returns the addresses that were removed.
func (s *Store) Clear() []MAC {
	s.mu.Lock()
	removed := make([]MAC, 0, len(s.peers))
	old := s.peers
	s.peers = make(map[MAC]*Peer)
	s.mu.Unlock()

	for addr, p := range old {
		p.Queue.Drain()
		p.Keys.Clear()
		removed = append(removed, addr)
	}
	return removed
}

// Contains reports whether a record exists for the address.
func (s *Store) Contains(addr MAC) bool {
	s.mu.Lock()
	_, ok := s.peers[addr]
	s.mu.Unlock()
	return ok
}

// Update runs fn on the peer record for addr under the store lock.
// Returns false without calling fn when the address is unknown.
//
// fn must not block and must not call back into the Store.
func (s *Store) Update(addr MAC, fn func(p *Peer)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// Upsert runs fn on the record for addr, creating one via create if
// absent.
func (s *Store) Upsert(addr MAC, create func() *Peer, fn func(p *Peer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		p = create()
		s.peers[addr] = p
	}
	fn(p)
}

// Visit runs fn once per peer record under the store lock. fn must not
// block and must not call back into the Store.
func (s *Store) Visit(fn func(p *Peer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		fn(p)
	}
}

// Find returns the address of the first peer matching pred, under the
// store lock. The boolean reports whether a match was found.
func (s *Store) Find(pred func(p *Peer) bool) (MAC, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, p := range s.peers {
		if pred(p) {
			return addr, true
		}
	}
	return MAC{}, false
}

// Snapshot returns point-in-time copies of every peer record.
func (s *Store) Snapshot() []PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		infos = append(infos, p.snapshot())
	}
	return infos
}

// SweepStale removes peers not heard from within maxAge, skipping those
// matching keep (nil keeps nothing unconditionally). Returns the removed
// addresses.
func (s *Store) SweepStale(maxAge time.Duration, keep func(p *Peer) bool) []MAC {
	cutoff := time.Now().Add(-maxAge).UnixMicro()

	s.mu.Lock()
	var stale []*Peer
	for addr, p := range s.peers {
		if p.LastSeen >= cutoff {
			continue
		}
		if keep != nil && keep(p) {
			continue
		}
		delete(s.peers, addr)
		stale = append(stale, p)
	}
	s.mu.Unlock()

	removed := make([]MAC, 0, len(stale))
	for _, p := range stale {
		p.Queue.Drain()
		p.Keys.Clear()
		removed = append(removed, p.Addr)
	}
	return removed
}
