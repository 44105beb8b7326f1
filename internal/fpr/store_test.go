package fpr_test

import (
	"sync"
	"testing"
	"time"

	"github.com/repvi/fpr/internal/fpr"
)

// storePeer builds a minimal peer record for store tests.
func storePeer(last byte) *fpr.Peer {
	return &fpr.Peer{
		Name:     "peer",
		Addr:     fpr.MAC{0x02, 0, 0, 0, 0, last},
		State:    fpr.PeerDiscovered,
		LastSeen: time.Now().UnixMicro(),
		Queue:    fpr.NewDeliveryQueue(fpr.QueueDepth),
	}
}

func TestStorePutGetDelete(t *testing.T) {
	t.Parallel()

	s := fpr.NewStore()
	p := storePeer(1)
	s.Put(p)

	if !s.Contains(p.Addr) {
		t.Fatalf("peer missing after put")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1", s.Len())
	}

	var name string
	if !s.Update(p.Addr, func(p *fpr.Peer) { name = p.Name }) {
		t.Fatalf("update missed existing peer")
	}
	if name != "peer" {
		t.Errorf("name = %q", name)
	}

	if !s.Delete(p.Addr) {
		t.Fatalf("delete missed existing peer")
	}
	if s.Delete(p.Addr) {
		t.Fatalf("second delete reported success")
	}
	if s.Update(p.Addr, func(*fpr.Peer) {}) {
		t.Fatalf("update hit deleted peer")
	}
}

func TestStoreDeleteDrainsQueueAndClearsKeys(t *testing.T) {
	t.Parallel()

	s := fpr.NewStore()
	p := storePeer(1)
	p.Keys.PWKValid = true
	p.Queue.Push(&fpr.Frame{Type: fpr.PackageSingle})
	s.Put(p)

	s.Delete(p.Addr)

	if p.Queue.Len() != 0 {
		t.Errorf("queue survived delete")
	}
	if p.Keys.PWKValid {
		t.Errorf("keys survived delete")
	}
}

func TestStoreUpsert(t *testing.T) {
	t.Parallel()

	s := fpr.NewStore()
	addr := fpr.MAC{0x02, 0, 0, 0, 0, 7}

	created := 0
	for i := 0; i < 2; i++ {
		s.Upsert(addr,
			func() *fpr.Peer { created++; p := storePeer(7); return p },
			func(p *fpr.Peer) { p.PacketsReceived++ },
		)
	}

	if created != 1 {
		t.Errorf("create ran %d times, want 1", created)
	}
	var n uint32
	s.Update(addr, func(p *fpr.Peer) { n = p.PacketsReceived })
	if n != 2 {
		t.Errorf("updates = %d, want 2", n)
	}
}

func TestStoreFindAndSnapshot(t *testing.T) {
	t.Parallel()

	s := fpr.NewStore()
	for i := byte(1); i <= 3; i++ {
		p := storePeer(i)
		if i == 2 {
			p.State = fpr.PeerConnected
		}
		s.Put(p)
	}

	addr, ok := s.Find(func(p *fpr.Peer) bool { return p.State == fpr.PeerConnected })
	if !ok || addr != (fpr.MAC{0x02, 0, 0, 0, 0, 2}) {
		t.Errorf("find = %v, %v", addr, ok)
	}

	infos := s.Snapshot()
	if len(infos) != 3 {
		t.Errorf("snapshot len = %d, want 3", len(infos))
	}
}

func TestStoreClear(t *testing.T) {
	t.Parallel()

	s := fpr.NewStore()
	s.Put(storePeer(1))
	s.Put(storePeer(2))

	removed := s.Clear()
	if len(removed) != 2 || s.Len() != 0 {
		t.Errorf("clear removed %d, store len %d", len(removed), s.Len())
	}
}

func TestStoreSweepStale(t *testing.T) {
	t.Parallel()

	s := fpr.NewStore()
	fresh := storePeer(1)
	stale := storePeer(2)
	stale.LastSeen = time.Now().Add(-time.Hour).UnixMicro()
	kept := storePeer(3)
	kept.LastSeen = stale.LastSeen
	kept.State = fpr.PeerConnected
	s.Put(fresh)
	s.Put(stale)
	s.Put(kept)

	removed := s.SweepStale(time.Minute, func(p *fpr.Peer) bool {
		return p.State == fpr.PeerConnected
	})

	if len(removed) != 1 || removed[0] != stale.Addr {
		t.Errorf("removed = %v, want just %v", removed, stale.Addr)
	}
	if !s.Contains(fresh.Addr) || !s.Contains(kept.Addr) {
		t.Errorf("sweep removed live peers")
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := fpr.NewStore()
	addr := fpr.MAC{0x02, 0, 0, 0, 0, 1}
	s.Put(storePeer(1))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				s.Update(addr, func(p *fpr.Peer) { p.PacketsReceived++ })
				s.Snapshot()
			}
		}()
	}
	wg.Wait()

	var n uint32
	s.Update(addr, func(p *fpr.Peer) { n = p.PacketsReceived })
	if n != 8*500 {
		t.Errorf("counter = %d, want %d", n, 8*500)
	}
}
