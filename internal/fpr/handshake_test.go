package fpr_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/repvi/fpr/internal/fpr"
)

// TestAutoHandshakeConverges walks the full 4-way exchange between an
// auto host and an auto client: announcement, key-less request, PWK
// offer, PWK+LWK response, and the echoed acknowledgment.
func TestAutoHandshakeConverges(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	hostView, err := host.PeerInfo(client.MAC())
	if err != nil {
		t.Fatalf("host peer info: %v", err)
	}
	if hostView.State != fpr.PeerConnected || hostView.SecState != fpr.SecEstablished {
		t.Errorf("host view = %s/%s, want Connected/Established",
			hostView.State, hostView.SecState)
	}

	clientView, err := client.PeerInfo(host.MAC())
	if err != nil {
		t.Fatalf("client peer info: %v", err)
	}
	if clientView.State != fpr.PeerConnected || clientView.SecState != fpr.SecEstablished {
		t.Errorf("client view = %s/%s, want Connected/Established",
			clientView.State, clientView.SecState)
	}

	info, err := client.HostInfo()
	if err != nil || info.Addr != host.MAC() {
		t.Errorf("host info = %+v, %v", info, err)
	}
}

// TestClientConnectsToOneHostOnly verifies the single-host rule: a
// second host heard while connected is recorded but never engaged.
func TestClientConnectsToOneHostOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	second := h.device("hub2", 3, fpr.ModeHost)
	if err := second.StartLoopTask(time.Minute, false); err != nil {
		t.Fatalf("second loop: %v", err)
	}

	waitFor(t, func() bool {
		_, err := client.PeerInfo(second.MAC())
		return err == nil
	}, "second host recorded")

	time.Sleep(150 * time.Millisecond)

	connected := 0
	for _, p := range client.Peers() {
		if p.Connected {
			connected++
		}
	}
	if connected != 1 {
		t.Errorf("connected peers = %d, want 1", connected)
	}
	if info, _ := client.HostInfo(); info.Addr != host.MAC() {
		t.Errorf("connected host changed to %s", info.Addr)
	}
	if secondView, err := client.PeerInfo(second.MAC()); err != nil || secondView.State != fpr.PeerDiscovered {
		t.Errorf("second host state = %+v, %v", secondView, err)
	}
}

// TestHostRestartReconverges models the host losing all state: the
// client's next key-less keepalive reads as a fresh request, the new
// PWK offer resets the client's established session, and the exchange
// reconverges without manual intervention.
func TestHostRestartReconverges(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	// The client's keepalives drive the reconnect after the restart.
	if err := client.StartReconnectTask(); err != nil {
		t.Fatalf("reconnect task: %v", err)
	}

	hostMAC := host.MAC()
	if err := host.Close(); err != nil {
		t.Fatalf("close host: %v", err)
	}

	// A replacement host comes up on the same radio with no memory of
	// the old session.
	restarted := h.deviceOn(h.port(hostMAC), "hub", fpr.ModeHost)
	if err := restarted.StartLoopTask(time.Minute, false); err != nil {
		t.Fatalf("restarted loop: %v", err)
	}

	waitFor(t, func() bool {
		return restarted.ConnectedCount() == 1 && client.IsConnected()
	}, "handshake reconvergence after host restart")

	view, err := restarted.PeerInfo(client.MAC())
	if err != nil || view.SecState != fpr.SecEstablished {
		t.Errorf("restarted host view = %+v, %v", view, err)
	}
}

// TestManualHostApproval exercises the manual connection flow: the
// request parks in Pending until ApprovePeer releases the handshake.
func TestManualHostApproval(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	host := h.device("hub", 1, fpr.ModeHost)
	if err := host.SetHostConfig(fpr.HostConfig{ConnectionMode: fpr.ConnectionManual}); err != nil {
		t.Fatalf("host config: %v", err)
	}
	client := h.device("node", 2, fpr.ModeClient)
	if err := host.StartLoopTask(time.Minute, false); err != nil {
		t.Fatalf("loop: %v", err)
	}

	waitFor(t, func() bool {
		info, err := host.PeerInfo(client.MAC())
		return err == nil && info.State == fpr.PeerPending
	}, "request pending")

	if client.IsConnected() {
		t.Fatalf("client connected before approval")
	}

	if err := host.ApprovePeer(client.MAC()); err != nil {
		t.Fatalf("approve: %v", err)
	}

	waitFor(t, func() bool {
		return client.IsConnected() && host.ConnectedCount() == 1
	}, "handshake after approval")
}

// TestManualHostApprovalCallback verifies the request callback drives
// the approve/reject decision.
func TestManualHostApprovalCallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var asked atomic.Int32
	host := h.device("hub", 1, fpr.ModeHost)
	if err := host.SetHostConfig(fpr.HostConfig{
		ConnectionMode: fpr.ConnectionManual,
		RequestCB: func(_ fpr.MAC, name string) bool {
			asked.Add(1)
			return name == "node"
		},
	}); err != nil {
		t.Fatalf("host config: %v", err)
	}
	client := h.device("node", 2, fpr.ModeClient)
	if err := host.StartLoopTask(time.Minute, false); err != nil {
		t.Fatalf("loop: %v", err)
	}

	waitFor(t, func() bool { return client.IsConnected() }, "callback approval")
	if asked.Load() == 0 {
		t.Errorf("request callback never invoked")
	}
}

// TestManualClientSelection verifies a declining selection callback
// records the host without engaging it.
func TestManualClientSelection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	host := h.device("hub", 1, fpr.ModeHost)
	client := h.device("node", 2, fpr.ModeClient)
	if err := client.SetClientConfig(fpr.ClientConfig{
		ConnectionMode: fpr.ConnectionManual,
		SelectionCB:    func(fpr.MAC, string, int8) bool { return false },
	}); err != nil {
		t.Fatalf("client config: %v", err)
	}
	if err := host.StartLoopTask(time.Minute, false); err != nil {
		t.Fatalf("loop: %v", err)
	}

	waitFor(t, func() bool {
		info, err := client.PeerInfo(host.MAC())
		return err == nil && info.State == fpr.PeerDiscovered
	}, "host recorded")

	time.Sleep(150 * time.Millisecond)
	if client.IsConnected() {
		t.Errorf("declined host still connected")
	}
	if host.ConnectedCount() != 0 {
		t.Errorf("host sees a connection")
	}
}

// TestConnectToHostExplicit drives a manual client through scan-then-
// connect: discovery records the host, ConnectToHost runs the handshake.
func TestConnectToHostExplicit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	host := h.device("hub", 1, fpr.ModeHost)
	client := h.device("node", 2, fpr.ModeClient)
	if err := client.SetClientConfig(fpr.ClientConfig{ConnectionMode: fpr.ConnectionManual}); err != nil {
		t.Fatalf("client config: %v", err)
	}
	if err := host.StartLoopTask(time.Minute, false); err != nil {
		t.Fatalf("loop: %v", err)
	}

	// Manual mode without a selection callback never initiates.
	waitFor(t, func() bool {
		info, err := client.PeerInfo(host.MAC())
		return err == nil && info.State == fpr.PeerDiscovered
	}, "host recorded")

	if err := client.ConnectToHost(context.Background(), testMAC(99), time.Second); !errors.Is(err, fpr.ErrNotFound) {
		t.Errorf("connect to unknown host: %v", err)
	}

	if err := client.ConnectToHost(context.Background(), host.MAC(), 5*time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !client.IsConnected() {
		t.Errorf("not connected after ConnectToHost")
	}

	// Connecting again is a no-op.
	if err := client.ConnectToHost(context.Background(), host.MAC(), time.Second); err != nil {
		t.Errorf("repeat connect: %v", err)
	}
}

// TestPrivateHostIgnoresUnknownPeers verifies private visibility: only
// peers added explicitly get engaged.
func TestPrivateHostIgnoresUnknownPeers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	host := h.device("hub", 1, fpr.ModeHost)
	host.SetVisibility(fpr.VisibilityPrivate)
	client := h.device("node", 2, fpr.ModeClient)
	if err := host.StartLoopTask(time.Minute, false); err != nil {
		t.Fatalf("loop: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if client.IsConnected() || host.ConnectedCount() != 0 {
		t.Errorf("private host engaged an unknown peer")
	}

	// Once the host knows the peer, the handshake proceeds.
	if err := host.AddPeer(client.MAC(), "node"); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	waitFor(t, func() bool { return client.IsConnected() }, "known peer connects")
}

// TestBlockedPeerCannotConnect verifies block/unblock semantics.
func TestBlockedPeerCannotConnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	host := h.device("hub", 1, fpr.ModeHost)
	client := h.device("node", 2, fpr.ModeClient)

	if err := host.BlockPeer(client.MAC()); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := host.ApprovePeer(client.MAC()); !errors.Is(err, fpr.ErrInvalidState) {
		t.Errorf("approve blocked: %v", err)
	}

	if err := host.StartLoopTask(time.Minute, false); err != nil {
		t.Fatalf("loop: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if host.ConnectedCount() != 0 || client.IsConnected() {
		t.Errorf("blocked peer connected")
	}

	if err := host.UnblockPeer(client.MAC()); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	waitFor(t, func() bool { return client.IsConnected() }, "unblocked peer connects")

	if err := host.UnblockPeer(client.MAC()); !errors.Is(err, fpr.ErrInvalidState) {
		t.Errorf("unblock non-blocked: %v", err)
	}
}

// TestMaxPeersLimit verifies the host refuses connections beyond its
// configured peer limit.
func TestMaxPeersLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	host := h.device("hub", 1, fpr.ModeHost)
	if err := host.SetHostConfig(fpr.HostConfig{MaxPeers: 1}); err != nil {
		t.Fatalf("host config: %v", err)
	}
	first := h.device("node1", 2, fpr.ModeClient)
	second := h.device("node2", 3, fpr.ModeClient)
	if err := host.StartLoopTask(time.Minute, false); err != nil {
		t.Fatalf("loop: %v", err)
	}

	waitFor(t, func() bool {
		return first.IsConnected() || second.IsConnected()
	}, "one client connects")

	time.Sleep(200 * time.Millisecond)
	if host.ConnectedCount() != 1 {
		t.Errorf("connected = %d, want 1", host.ConnectedCount())
	}
}

// TestHostDisconnectPeer verifies the host-side disconnect downgrades
// the session on the host without destroying the record.
func TestHostDisconnectPeer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	if err := host.DisconnectPeer(client.MAC()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if host.ConnectedCount() != 0 {
		t.Errorf("still connected on host")
	}
	info, err := host.PeerInfo(client.MAC())
	if err != nil || info.State != fpr.PeerDiscovered {
		t.Errorf("peer = %+v, %v", info, err)
	}
}

// TestClientDisconnect verifies the client-side disconnect.
func TestClientDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	host, client := h.connectPair()

	// Quiesce discovery so the client does not immediately re-engage.
	host.StopLoopTask()
	time.Sleep(50 * time.Millisecond)

	if err := client.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if client.IsConnected() {
		t.Errorf("still connected")
	}
	if err := client.Disconnect(); !errors.Is(err, fpr.ErrNotFound) {
		t.Errorf("second disconnect: %v", err)
	}
}
