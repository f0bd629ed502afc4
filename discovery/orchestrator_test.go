package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// fakeBackend is a channel-driven scan/advertise backend for
// orchestrator tests.
type fakeBackend struct {
	id   string
	caps Capabilities

	startScanErr error
	broadcastErr error
	startDelay   time.Duration
	stopDelay    time.Duration

	startCalls     atomic.Int32
	stopCalls      atomic.Int32
	broadcastCalls atomic.Int32

	mu       sync.Mutex
	scanning bool
	events   chan Event
}

func newFakeBackend(id string) *fakeBackend {
	return &fakeBackend{id: id, caps: Capabilities{CanScan: true}}
}

func (f *fakeBackend) ID() string                 { return f.id }
func (f *fakeBackend) Capabilities() Capabilities { return f.caps }

func (f *fakeBackend) StartScan(ctx context.Context) error {
	f.startCalls.Add(1)
	if f.startDelay > 0 {
		select {
		case <-time.After(f.startDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.startScanErr != nil {
		return f.startScanErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanning {
		return nil
	}
	f.scanning = true
	f.events = make(chan Event, 32)
	return nil
}

func (f *fakeBackend) StopScan(ctx context.Context) error {
	f.stopCalls.Add(1)
	if f.stopDelay > 0 {
		select {
		case <-time.After(f.stopDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.scanning {
		return nil
	}
	f.scanning = false
	close(f.events)
	return nil
}

func (f *fakeBackend) Events() <-chan Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeBackend) Broadcast(ctx context.Context) error {
	f.broadcastCalls.Add(1)
	return f.broadcastErr
}

func (f *fakeBackend) StopBroadcast(ctx context.Context) error { return nil }

func (f *fakeBackend) emitDiscovered(id PeerID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events <- Event{Type: EventPeerDiscovered, Peer: PeerInfo{ID: id, Name: name}}
}

func (f *fakeBackend) emitLost(id PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events <- Event{Type: EventPeerLost, Peer: PeerInfo{ID: id}}
}

// closeStream simulates an irrecoverable backend failure without an
// orderly stop.
func (f *fakeBackend) closeStream() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanning {
		f.scanning = false
		close(f.events)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func nextEvent(t *testing.T, sub *Subscription, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("merged stream closed while waiting for event")
		}
		return ev
	case <-time.After(timeout):
		t.Fatalf("no merged event within %s", timeout)
	}
	return Event{}
}

func assertNoEvent(t *testing.T, sub *Subscription, wait time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected merged event %s for peer %s", ev.Type, ev.Peer.ID)
		}
		t.Fatalf("merged stream closed unexpectedly")
	case <-time.After(wait):
	}
}

func startOrchestrator(t *testing.T, cfg Config, backends ...*fakeBackend) *Orchestrator {
	t.Helper()
	orch := NewOrchestrator(cfg)
	for _, b := range backends {
		if err := orch.Register(b, Capabilities{}); err != nil {
			t.Fatalf("Register(%s) failed: %v", b.id, err)
		}
	}
	report, err := orch.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !report.Ok() {
		t.Fatalf("unexpected start failures: %v", report.Failed())
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		orch.Stop(stopCtx)
	})
	return orch
}

func TestStartReportsPartialFailure(t *testing.T) {
	good := newFakeBackend("good")
	bad := newFakeBackend("bad")
	bad.startScanErr = errors.New("adapter gone")

	orch := NewOrchestrator(Config{})
	if err := orch.Register(good, Capabilities{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := orch.Register(bad, Capabilities{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	sub := orch.Subscribe()

	report, err := orch.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer orch.Stop(context.Background())

	if report.Results["good"] != nil {
		t.Fatalf("expected good backend to start, got %v", report.Results["good"])
	}
	var opErr *OperationError
	if !errors.As(report.Results["bad"], &opErr) || opErr.Backend != "bad" {
		t.Fatalf("expected attributed OperationError for bad backend, got %v", report.Results["bad"])
	}
	if failed := report.Failed(); len(failed) != 1 || failed[0] != "bad" {
		t.Fatalf("unexpected failed set: %v", failed)
	}

	// The surviving backend's events still flow.
	good.emitDiscovered("p1", "Alice")
	ev := nextEvent(t, sub, time.Second)
	if ev.Type != EventPeerDiscovered || ev.Peer.ID != "p1" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// The failure also arrives on the side channel.
	select {
	case failure := <-sub.Failures():
		if failure.Backend != "bad" {
			t.Fatalf("failure attributed to %q", failure.Backend)
		}
	case <-time.After(time.Second):
		t.Fatalf("no failure notification")
	}
}

func TestStartTwiceFails(t *testing.T) {
	orch := startOrchestrator(t, Config{}, newFakeBackend("a"))
	if _, err := orch.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestMergeDeduplicatesAcrossBackends(t *testing.T) {
	x := newFakeBackend("x")
	y := newFakeBackend("y")
	orch := startOrchestrator(t, Config{}, x, y)
	sub := orch.Subscribe()

	x.emitDiscovered("p1", "Alice")
	ev := nextEvent(t, sub, time.Second)
	if ev.Type != EventPeerDiscovered || ev.Peer.ID != "p1" {
		t.Fatalf("unexpected first event: %+v", ev)
	}

	// Second transport sighting of the same identity is suppressed.
	y.emitDiscovered("p1", "Alice")
	waitForCondition(t, time.Second, func() bool {
		peers, err := orch.QueryPeers(context.Background())
		if err != nil {
			t.Fatalf("QueryPeers failed: %v", err)
		}
		return len(peers) == 1 && len(peers[0].Transports) == 2
	})
	assertNoEvent(t, sub, 50*time.Millisecond)

	// Loss from one transport keeps the peer alive.
	x.emitLost("p1")
	waitForCondition(t, time.Second, func() bool {
		peers, _ := orch.QueryPeers(context.Background())
		return len(peers) == 1 && len(peers[0].Transports) == 1 && peers[0].Transports[0] == "y"
	})
	assertNoEvent(t, sub, 50*time.Millisecond)

	// Loss from the last transport emits exactly one merged loss.
	y.emitLost("p1")
	ev = nextEvent(t, sub, time.Second)
	if ev.Type != EventPeerLost || ev.Peer.ID != "p1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSightingExpiresAfterTTL(t *testing.T) {
	mock := clock.NewMock()
	x := newFakeBackend("x")
	orch := startOrchestrator(t, Config{
		ScanTTL:       120 * time.Second,
		SweepInterval: 30 * time.Second,
		clk:           mock,
	}, x)
	sub := orch.Subscribe()

	x.emitDiscovered("p1", "Alice")
	nextEvent(t, sub, time.Second)

	// Within the TTL nothing expires.
	mock.Add(90 * time.Second)
	assertNoEvent(t, sub, 50*time.Millisecond)

	// Crossing the TTL evicts the entry with exactly one loss.
	mock.Add(90 * time.Second)
	ev := nextEvent(t, sub, time.Second)
	if ev.Type != EventPeerLost || ev.Peer.ID != "p1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	assertNoEvent(t, sub, 50*time.Millisecond)

	// A sighting after expiry is a fresh discovery, not a resumption.
	x.emitDiscovered("p1", "Alice")
	ev = nextEvent(t, sub, time.Second)
	if ev.Type != EventPeerDiscovered || ev.Peer.ID != "p1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestStreamClosedDisablesBackendAndCascades(t *testing.T) {
	x := newFakeBackend("x")
	y := newFakeBackend("y")
	orch := startOrchestrator(t, Config{}, x, y)
	sub := orch.Subscribe()

	// p1 is seen by both transports, p2 only by x.
	x.emitDiscovered("p1", "Alice")
	nextEvent(t, sub, time.Second)
	y.emitDiscovered("p1", "Alice")
	x.emitDiscovered("p2", "Bob")
	nextEvent(t, sub, time.Second)
	waitForCondition(t, time.Second, func() bool {
		peers, _ := orch.QueryPeers(context.Background())
		if len(peers) != 2 {
			return false
		}
		for _, p := range peers {
			if p.ID == "p1" && len(p.Transports) != 2 {
				return false
			}
		}
		return true
	})

	x.closeStream()

	// p2 had no other contributor and is lost; p1 survives on y.
	ev := nextEvent(t, sub, time.Second)
	if ev.Type != EventPeerLost || ev.Peer.ID != "p2" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	peers, err := orch.QueryPeers(context.Background())
	if err != nil {
		t.Fatalf("QueryPeers failed: %v", err)
	}
	if len(peers) != 1 || peers[0].ID != "p1" {
		t.Fatalf("unexpected peers after cascade: %+v", peers)
	}

	waitForCondition(t, time.Second, func() bool {
		for _, status := range orch.Backends() {
			if status.ID == "x" {
				return status.State == StateDisabled && errors.Is(status.Err, ErrStreamClosed)
			}
		}
		return false
	})

	select {
	case failure := <-sub.Failures():
		if failure.Backend != "x" || !errors.Is(failure.Err, ErrStreamClosed) {
			t.Fatalf("unexpected failure notification: %+v", failure)
		}
	case <-time.After(time.Second):
		t.Fatalf("no failure notification")
	}
}

func TestRegisterRejectsUndeclaredRole(t *testing.T) {
	scanOnly := newFakeBackend("scan-only")

	orch := NewOrchestrator(Config{})
	err := orch.Register(scanOnly, Capabilities{CanScan: true, CanAdvertise: true})
	if !errors.Is(err, ErrCapabilityUnsupported) {
		t.Fatalf("expected ErrCapabilityUnsupported, got %v", err)
	}
	if len(orch.Backends()) != 0 {
		t.Fatalf("rejected registration left a record behind")
	}
}

func TestStartTimeoutDisablesBackendOnly(t *testing.T) {
	slow := newFakeBackend("slow")
	slow.startDelay = time.Hour
	good := newFakeBackend("good")

	orch := NewOrchestrator(Config{BackendStartTimeout: 50 * time.Millisecond})
	if err := orch.Register(slow, Capabilities{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := orch.Register(good, Capabilities{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	report, err := orch.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer orch.Stop(context.Background())

	if !errors.Is(report.Results["slow"], ErrTimeout) {
		t.Fatalf("expected timeout for slow backend, got %v", report.Results["slow"])
	}
	if report.Results["good"] != nil {
		t.Fatalf("good backend affected by slow one: %v", report.Results["good"])
	}
	for _, status := range orch.Backends() {
		if status.ID == "slow" && status.State != StateDisabled {
			t.Fatalf("slow backend in state %s, want disabled", status.State)
		}
	}
}

func TestStopIsBoundedByTimeout(t *testing.T) {
	wedged := newFakeBackend("wedged")
	wedged.stopDelay = time.Hour

	orch := startOrchestrator(t, Config{BackendStopTimeout: 50 * time.Millisecond}, wedged)

	begin := time.Now()
	err := orch.Stop(context.Background())
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Fatalf("Stop blocked for %s", elapsed)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error from Stop, got %v", err)
	}

	for _, status := range orch.Backends() {
		if status.ID == "wedged" && status.State != StateDisabled {
			t.Fatalf("wedged backend in state %s, want disabled", status.State)
		}
	}
}

func TestStopClosesMergedStream(t *testing.T) {
	x := newFakeBackend("x")
	orch := startOrchestrator(t, Config{}, x)
	sub := orch.Subscribe()

	if err := orch.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatalf("expected closed stream after Stop")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream not closed after Stop")
	}

	// Stop is idempotent and the orchestrator stays stopped.
	if err := orch.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if _, err := orch.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestSubscribersAreIndependent(t *testing.T) {
	x := newFakeBackend("x")
	orch := startOrchestrator(t, Config{}, x)
	first := orch.Subscribe()
	second := orch.Subscribe()

	x.emitDiscovered("p1", "Alice")
	for _, sub := range []*Subscription{first, second} {
		ev := nextEvent(t, sub, time.Second)
		if ev.Peer.ID != "p1" {
			t.Fatalf("subscriber missed event: %+v", ev)
		}
	}

	second.Cancel()
	x.emitDiscovered("p2", "Bob")
	ev := nextEvent(t, first, time.Second)
	if ev.Peer.ID != "p2" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if _, ok := <-second.Events(); ok {
		t.Fatalf("cancelled subscription still delivering")
	}
}

func TestQueryPeersReturnsSnapshotCopy(t *testing.T) {
	x := newFakeBackend("x")
	orch := startOrchestrator(t, Config{}, x)

	x.emitDiscovered("p1", "Alice")
	waitForCondition(t, time.Second, func() bool {
		peers, _ := orch.QueryPeers(context.Background())
		return len(peers) == 1
	})

	peers, err := orch.QueryPeers(context.Background())
	if err != nil {
		t.Fatalf("QueryPeers failed: %v", err)
	}
	peers[0].Name = "mutated"
	peers[0].Transports[0] = "mutated"

	again, err := orch.QueryPeers(context.Background())
	if err != nil {
		t.Fatalf("QueryPeers failed: %v", err)
	}
	if again[0].Name != "Alice" || again[0].Transports[0] != "x" {
		t.Fatalf("snapshot mutation leaked into table: %+v", again[0])
	}
}

func TestDisabledDedupeTracksPerTransport(t *testing.T) {
	x := newFakeBackend("x")
	y := newFakeBackend("y")
	orch := startOrchestrator(t, Config{DisableDedupe: true}, x, y)
	sub := orch.Subscribe()

	x.emitDiscovered("p1", "Alice")
	y.emitDiscovered("p1", "Alice")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, sub, time.Second)
		if ev.Type != EventPeerDiscovered || ev.Peer.ID != "p1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if len(ev.Peer.Transports) != 1 {
			t.Fatalf("per-transport entry has transports %v", ev.Peer.Transports)
		}
		seen[ev.Peer.Transports[0]] = true
	}
	if !seen["x"] || !seen["y"] {
		t.Fatalf("expected one event per transport, got %v", seen)
	}

	x.emitLost("p1")
	ev := nextEvent(t, sub, time.Second)
	if ev.Type != EventPeerLost || len(ev.Peer.Transports) != 1 || ev.Peer.Transports[0] != "x" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestResetAndRestartFailedBackend(t *testing.T) {
	flaky := newFakeBackend("flaky")
	flaky.startScanErr = errors.New("adapter busy")

	orch := NewOrchestrator(Config{})
	if err := orch.Register(flaky, Capabilities{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	report, err := orch.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer orch.Stop(context.Background())
	if report.Results["flaky"] == nil {
		t.Fatalf("expected start failure")
	}

	// Failed is terminal until an explicit reset.
	if err := orch.StartBackend(context.Background(), "flaky"); err == nil {
		t.Fatalf("expected error starting failed backend without reset")
	}
	if err := orch.ResetBackend("flaky"); err != nil {
		t.Fatalf("ResetBackend failed: %v", err)
	}

	flaky.startScanErr = nil
	if err := orch.StartBackend(context.Background(), "flaky"); err != nil {
		t.Fatalf("StartBackend failed: %v", err)
	}

	sub := orch.Subscribe()
	flaky.emitDiscovered("p1", "Alice")
	ev := nextEvent(t, sub, time.Second)
	if ev.Peer.ID != "p1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDuplicateSightingRefreshesLastSeen(t *testing.T) {
	mock := clock.NewMock()
	x := newFakeBackend("x")
	orch := startOrchestrator(t, Config{
		ScanTTL:       100 * time.Second,
		SweepInterval: 20 * time.Second,
		clk:           mock,
	}, x)
	sub := orch.Subscribe()

	x.emitDiscovered("p1", "Alice")
	nextEvent(t, sub, time.Second)

	// Renewals keep arriving; the entry must never expire.
	for i := 0; i < 5; i++ {
		mock.Add(60 * time.Second)
		x.emitDiscovered("p1", "Alice")
		waitForCondition(t, time.Second, func() bool {
			peers, _ := orch.QueryPeers(context.Background())
			return len(peers) == 1 && peers[0].LastSeen.Equal(mock.Now())
		})
	}
	assertNoEvent(t, sub, 50*time.Millisecond)
}
