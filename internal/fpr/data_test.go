package fpr_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/repvi/fpr/internal/fpr"
	"github.com/repvi/fpr/internal/radio"
)

// TestSingleFrameMessage sends one small payload and consumes it.
func TestSingleFrameMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	if err := client.SendToPeer(host.MAC(), []byte("hello"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}

	buf := make([]byte, 64)
	n, err := host.DataFromPeer(client.MAC(), buf, 2*time.Second)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("payload = %q", buf[:n])
	}

	waitFor(t, func() bool { return host.Stats().PacketsReceived >= 1 }, "receive counted")
}

// TestFragmentedMessage sends a payload spanning three frames and
// verifies byte-exact reassembly.
func TestFragmentedMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	payload := make([]byte, 400)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	if err := client.SendToPeer(host.MAC(), payload, 0); err != nil {
		t.Fatalf("send: %v", err)
	}

	buf := make([]byte, 1024)
	n, err := host.DataFromPeer(client.MAC(), buf, 2*time.Second)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if n != len(payload) || !bytes.Equal(buf[:n], payload) {
		t.Errorf("reassembly mismatch: %d bytes", n)
	}
}

// TestSequenceAdvancesAcrossMessages verifies one sequence per logical
// message, shared across its fragments.
func TestSequenceAdvancesAcrossMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	_ = client.SendToPeer(host.MAC(), []byte("one"), 0)
	_ = client.SendToPeer(host.MAC(), make([]byte, 300), 0)

	buf := make([]byte, 512)
	if _, err := host.DataFromPeer(client.MAC(), buf, 2*time.Second); err != nil {
		t.Fatalf("first message: %v", err)
	}
	if n, err := host.DataFromPeer(client.MAC(), buf, 2*time.Second); err != nil || n != 300 {
		t.Fatalf("second message: n=%d err=%v", n, err)
	}
}

// TestReplayBlocked re-injects a frame with a stale sequence number and
// verifies the replay filter rejects it without disturbing the session.
func TestReplayBlocked(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	// Legitimate traffic advances the host's replay cursor past 1.
	_ = client.SendToPeer(host.MAC(), []byte("first"), 0)  // seq 1
	_ = client.SendToPeer(host.MAC(), []byte("second"), 0) // seq 2

	buf := make([]byte, 64)
	if _, err := host.DataFromPeer(client.MAC(), buf, 2*time.Second); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := host.DataFromPeer(client.MAC(), buf, 2*time.Second); err != nil {
		t.Fatalf("second: %v", err)
	}

	// An attacker replays the captured seq-1 frame with the client's
	// source address.
	replay := fpr.Frame{
		Type:        fpr.PackageSingle,
		ID:          0,
		Origin:      client.MAC(),
		Dest:        host.MAC(),
		MaxHops:     fpr.DefaultMaxHops,
		Version:     fpr.ProtocolVersion,
		Sequence:    1,
		PayloadSize: 5,
	}
	copy(replay.Protocol[:], "first")
	mustInject(t, h.bus, client.MAC(), host.MAC(), &replay)

	waitFor(t, func() bool {
		return host.Stats().ReplayAttacksBlocked == 1
	}, "replay counted")

	if _, err := host.DataFromPeer(client.MAC(), buf, 80*time.Millisecond); err == nil {
		t.Errorf("replayed frame was delivered")
	}
	if got := host.Stats().PacketsReceived; got != 2 {
		t.Errorf("received = %d, want 2", got)
	}
}

// TestQueueOverflowDrops fills a peer queue past capacity and verifies
// the overflow is dropped and counted, never blocking the sender.
func TestQueueOverflowDrops(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	total := fpr.QueueDepth + 3
	for i := 0; i < total; i++ {
		if err := client.SendToPeer(host.MAC(), []byte("x"), 0); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	waitFor(t, func() bool {
		s := host.Stats()
		return s.PacketsReceived+s.PacketsDropped >= uint32(total)
	}, "all frames accounted")

	s := host.Stats()
	if s.PacketsReceived != fpr.QueueDepth {
		t.Errorf("received = %d, want %d", s.PacketsReceived, fpr.QueueDepth)
	}
	if s.PacketsDropped != uint32(total-fpr.QueueDepth) {
		t.Errorf("dropped = %d, want %d", s.PacketsDropped, total-fpr.QueueDepth)
	}
}

// TestLatestOnlyKeepsNewestSingle drives the LatestOnly queue policy:
// rapid singles displace each other and fragmented messages are refused.
func TestLatestOnlyKeepsNewestSingle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	if err := host.SetPeerQueueMode(client.MAC(), fpr.QueueLatestOnly); err != nil {
		t.Fatalf("queue mode: %v", err)
	}

	for _, msg := range []string{"ten", "eleven", "twelve"} {
		if err := client.SendToPeer(host.MAC(), []byte(msg), 0); err != nil {
			t.Fatalf("send %s: %v", msg, err)
		}
	}

	waitFor(t, func() bool {
		s := host.Stats()
		return s.PacketsReceived+s.PacketsDropped >= 3
	}, "singles accounted")

	buf := make([]byte, 64)
	n, err := host.DataFromPeer(client.MAC(), buf, 2*time.Second)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if string(buf[:n]) != "twelve" {
		t.Errorf("consumer saw %q, want the newest message", buf[:n])
	}
	if got := host.Stats().PacketsDropped; got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}

	// A fragmented message is refused outright in this mode.
	before := host.Stats().PacketsDropped
	if err := client.SendToPeer(host.MAC(), make([]byte, 400), 0); err != nil {
		t.Fatalf("fragmented send: %v", err)
	}
	waitFor(t, func() bool {
		return host.Stats().PacketsDropped >= before+3
	}, "fragments refused")

	if _, err := host.DataFromPeer(client.MAC(), buf, 80*time.Millisecond); err == nil {
		t.Errorf("fragmented message delivered in LatestOnly mode")
	}
}

// TestPauseIsolation verifies a paused device delivers nothing and
// preserves all session state across resume.
func TestPauseIsolation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()
	host.StopLoopTask()

	if err := host.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}

	_ = client.SendToPeer(host.MAC(), []byte("lost"), 0)
	time.Sleep(100 * time.Millisecond)

	if got := host.Stats().PacketsReceived; got != 0 {
		t.Errorf("frames delivered while paused: %d", got)
	}
	buf := make([]byte, 64)
	if _, err := host.DataFromPeer(client.MAC(), buf, 50*time.Millisecond); err == nil {
		t.Errorf("data available while paused")
	}

	if err := host.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}

	// Peer records and handshake state survived the pause.
	info, err := host.PeerInfo(client.MAC())
	if err != nil || info.State != fpr.PeerConnected || info.SecState != fpr.SecEstablished {
		t.Fatalf("session lost across pause: %+v, %v", info, err)
	}

	if err := client.SendToPeer(host.MAC(), []byte("back"), 0); err != nil {
		t.Fatalf("send after resume: %v", err)
	}
	n, err := host.DataFromPeer(client.MAC(), buf, 2*time.Second)
	if err != nil || string(buf[:n]) != "back" {
		t.Errorf("after resume: %q, %v", buf[:n], err)
	}
}

// TestReceiveCallbackFiresBeforeQueue verifies the synchronous
// application callback sees each accepted payload.
func TestReceiveCallbackFiresBeforeQueue(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	var mu sync.Mutex
	var got [][]byte
	host.RegisterReceiveCallback(func(src fpr.MAC, payload []byte) {
		if src != client.MAC() {
			return
		}
		mu.Lock()
		got = append(got, append([]byte(nil), payload...))
		mu.Unlock()
	})

	if err := client.SendToPeer(host.MAC(), []byte("ping"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "callback invoked")

	mu.Lock()
	defer mu.Unlock()
	if string(got[0]) != "ping" {
		t.Errorf("callback payload = %q", got[0])
	}
}

// TestVersionMismatchDropped injects frames from other protocol
// generations and verifies they are dropped and counted.
func TestVersionMismatchDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	for _, v := range []fpr.Version{0, fpr.PackVersion(9, 0, 0)} {
		f := fpr.Frame{
			Type:        fpr.PackageSingle,
			ID:          0,
			Origin:      client.MAC(),
			Dest:        host.MAC(),
			MaxHops:     fpr.DefaultMaxHops,
			Version:     v,
			Sequence:    100,
			PayloadSize: 1,
		}
		mustInject(t, h.bus, client.MAC(), host.MAC(), &f)
	}

	waitFor(t, func() bool { return host.Stats().PacketsDropped == 2 }, "version drops counted")
	if got := host.Stats().PacketsReceived; got != 0 {
		t.Errorf("received = %d, want 0", got)
	}
}

// TestUndecodableFrameDropped injects garbage and verifies the codec
// rejects it without touching peer state.
func TestUndecodableFrameDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	h.bus.Inject(client.MAC(), host.MAC(), -40, []byte{1, 2, 3})
	waitFor(t, func() bool { return host.Stats().PacketsDropped == 1 }, "codec drop counted")
}

// TestOrphanFragmentsDropped injects Continued/End frames with no
// preceding Start and verifies they never reach the application.
func TestOrphanFragmentsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	for _, typ := range []fpr.PackageType{fpr.PackageContinued, fpr.PackageEnd} {
		f := fpr.Frame{
			Type:        typ,
			ID:          0,
			Origin:      client.MAC(),
			Dest:        host.MAC(),
			MaxHops:     fpr.DefaultMaxHops,
			Version:     fpr.ProtocolVersion,
			Sequence:    50,
			PayloadSize: 1,
		}
		mustInject(t, h.bus, client.MAC(), host.MAC(), &f)
	}

	waitFor(t, func() bool { return host.Stats().PacketsDropped == 2 }, "orphans counted")

	buf := make([]byte, 64)
	if _, err := host.DataFromPeer(client.MAC(), buf, 80*time.Millisecond); err == nil {
		t.Errorf("orphan fragment delivered")
	}
}

// TestStartPreemptsUnfinishedRun verifies a new Start discards the
// buffered fragments of an abandoned run and the next message still
// assembles correctly.
func TestStartPreemptsUnfinishedRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	// An unfinished run: Start + Continued with no End, injected so the
	// device-side fragmenter cannot finish it for us.
	for _, typ := range []fpr.PackageType{fpr.PackageStart, fpr.PackageContinued} {
		f := fpr.Frame{
			Type:        typ,
			ID:          0,
			Origin:      client.MAC(),
			Dest:        host.MAC(),
			MaxHops:     fpr.DefaultMaxHops,
			Version:     fpr.ProtocolVersion,
			Sequence:    1,
			PayloadSize: fpr.ProtocolSize,
		}
		mustInject(t, h.bus, client.MAC(), host.MAC(), &f)
	}
	waitFor(t, func() bool { return host.Stats().PacketsReceived == 2 }, "run buffered")

	// A real message pre-empts the unfinished run.
	payload := make([]byte, 250)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := client.SendToPeer(host.MAC(), payload, 0); err != nil {
		t.Fatalf("send: %v", err)
	}

	buf := make([]byte, 512)
	n, err := host.DataFromPeer(client.MAC(), buf, 2*time.Second)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if n != len(payload) || !bytes.Equal(buf[:n], payload) {
		t.Errorf("reassembly after pre-emption: %d bytes", n)
	}

	// The abandoned fragments were discarded, not delivered.
	if got := host.Stats().PacketsDropped; got != 2 {
		t.Errorf("dropped = %d, want 2 abandoned fragments", got)
	}
}

// mustInject marshals and injects a frame, failing the test on error.
func mustInject(t *testing.T, bus *radio.Bus, src, dst fpr.MAC, f *fpr.Frame) {
	t.Helper()
	raw := make([]byte, fpr.FrameSize)
	if _, err := fpr.MarshalFrame(f, raw); err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bus.Inject(src, dst, -40, raw) {
		t.Fatalf("inject to %s failed", dst)
	}
}
