package relay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-relaymesh/config"
	"github.com/dep2p/go-relaymesh/internal/peer"
	"github.com/dep2p/go-relaymesh/pkg/id160"
	"github.com/dep2p/go-relaymesh/pkg/peeraddress"
)

type fakeConn struct {
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{})} }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
func (c *fakeConn) Closed() <-chan struct{} { return c.closed }

// fakeRoutingLayer returns a fixed neighbor set.
type fakeRoutingLayer struct {
	neighbors []peeraddress.PeerAddress
}

func (f *fakeRoutingLayer) Neighbors() []peeraddress.PeerAddress { return f.neighbors }

// scriptedRPC succeeds for every candidate except those in fail, and
// records every PeerConnection it hands out so the test can close them.
type scriptedRPC struct {
	mu    sync.Mutex
	fail  map[id160.Id160]bool
	conns map[id160.Id160]*fakeConn
}

func newScriptedRPC(fail ...id160.Id160) *scriptedRPC {
	s := &scriptedRPC{fail: make(map[id160.Id160]bool), conns: make(map[id160.Id160]*fakeConn)}
	for _, id := range fail {
		s.fail[id] = true
	}
	return s
}

func (s *scriptedRPC) SendSetupMessage(ctx context.Context, candidate peeraddress.PeerAddress, cfg config.RelayConfig) (PeerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[candidate.ID()] {
		return nil, context.DeadlineExceeded
	}
	c := newFakeConn()
	s.conns[candidate.ID()] = c
	return c, nil
}

func (s *scriptedRPC) connFor(id id160.Id160) *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

func addr(id id160.Id160) peeraddress.PeerAddress {
	return peeraddress.New(id, net.ParseIP("10.0.0.1"), 7070, 7070, peeraddress.Flags{}, nil)
}

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{MaxRelays: 2, FailedRelayTTL: time.Minute, SetupTimeout: time.Second}
}

func TestDistributedRelayFillsUpToMaxRelays(t *testing.T) {
	bean := peer.NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	candidates := []peeraddress.PeerAddress{addr(id160.Random()), addr(id160.Random()), addr(id160.Random())}
	routingLayer := &fakeRoutingLayer{neighbors: candidates}
	rpc := newScriptedRPC()

	dr := New(bean, rpc, routingLayer, testRelayConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dr.Run(ctx)
	dr.Start()

	require.Eventually(t, func() bool { return dr.ActiveCount() == 2 }, time.Second, 5*time.Millisecond)
	require.True(t, bean.PeerAddress().Flags().Relayed)
	require.False(t, bean.PeerAddress().Flags().FirewalledTCP)
	require.Len(t, bean.PeerAddress().RelaySockets(), 2)
}

func TestDistributedRelayReplacesLostConnection(t *testing.T) {
	bean := peer.NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	c1, c2, c3 := id160.Random(), id160.Random(), id160.Random()
	routingLayer := &fakeRoutingLayer{neighbors: []peeraddress.PeerAddress{addr(c1), addr(c2), addr(c3)}}
	rpc := newScriptedRPC()

	dr := New(bean, rpc, routingLayer, testRelayConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dr.Run(ctx)
	dr.Start()

	require.Eventually(t, func() bool { return dr.ActiveCount() == 2 }, time.Second, 5*time.Millisecond)

	conn := rpc.connFor(c1)
	require.NotNil(t, conn)
	conn.Close()

	// c1 is now failed and c2 still active, so the replacement is c3.
	require.Eventually(t, func() bool { return rpc.connFor(c3) != nil }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return dr.ActiveCount() == 2 }, time.Second, 5*time.Millisecond)
	require.Len(t, bean.PeerAddress().RelaySockets(), 2)
}

func TestDistributedRelaySkipsFailedCandidates(t *testing.T) {
	bean := peer.NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	bad, good := id160.Random(), id160.Random()
	routingLayer := &fakeRoutingLayer{neighbors: []peeraddress.PeerAddress{addr(bad), addr(good)}}
	rpc := newScriptedRPC(bad)
	cfg := testRelayConfig()
	cfg.MaxRelays = 1

	dr := New(bean, rpc, routingLayer, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dr.Run(ctx)
	dr.Start()

	require.Eventually(t, func() bool { return dr.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NotNil(t, rpc.connFor(good))
	require.Nil(t, rpc.connFor(bad))
}

func TestDistributedRelayShutdownCompletes(t *testing.T) {
	bean := peer.NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	routingLayer := &fakeRoutingLayer{neighbors: []peeraddress.PeerAddress{addr(id160.Random()), addr(id160.Random())}}
	rpc := newScriptedRPC()

	dr := New(bean, rpc, routingLayer, testRelayConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dr.Run(ctx)
	dr.Start()

	require.Eventually(t, func() bool { return dr.ActiveCount() == 2 }, time.Second, 5*time.Millisecond)

	dr.Shutdown()
	select {
	case <-dr.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown did not complete")
	}
	require.Equal(t, 0, dr.ActiveCount())
}

// gatedRPC hands out a connection only after release is signaled,
// modeling a setup attempt still in flight when Shutdown runs.
type gatedRPC struct {
	release chan struct{}
	conn    *fakeConn
}

func newGatedRPC() *gatedRPC {
	return &gatedRPC{release: make(chan struct{}), conn: newFakeConn()}
}

func (g *gatedRPC) SendSetupMessage(ctx context.Context, candidate peeraddress.PeerAddress, cfg config.RelayConfig) (PeerConnection, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.conn, nil
}

// TestDistributedRelayShutdownDuringOutstandingSetupDoesNotLeak covers
// the race where Shutdown runs while active is still empty because the
// only setup attempt so far hasn't resolved: Done must not close until
// that attempt's connection is accounted for and actually closed, not
// quietly joined to a set nobody is watching anymore.
func TestDistributedRelayShutdownDuringOutstandingSetupDoesNotLeak(t *testing.T) {
	bean := peer.NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	routingLayer := &fakeRoutingLayer{neighbors: []peeraddress.PeerAddress{addr(id160.Random())}}
	rpc := newGatedRPC()

	dr := New(bean, rpc, routingLayer, testRelayConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dr.Run(ctx)
	dr.Start()

	// Give tryFill a moment to dispatch the (still-blocked) setup call.
	time.Sleep(20 * time.Millisecond)

	dr.Shutdown()
	select {
	case <-dr.Done():
		t.Fatal("shutdown completed before the outstanding setup resolved")
	case <-time.After(50 * time.Millisecond):
	}

	close(rpc.release)
	select {
	case <-dr.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown never completed after the outstanding setup resolved")
	}
	require.Equal(t, 0, dr.ActiveCount())
	select {
	case <-rpc.conn.Closed():
	default:
		t.Fatal("connection set up after shutdown was never closed")
	}
}

func TestDistributedRelayShutdownWithNoActiveRelaysCompletesImmediately(t *testing.T) {
	bean := peer.NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	dr := New(bean, newScriptedRPC(), &fakeRoutingLayer{}, testRelayConfig())

	dr.Shutdown()
	select {
	case <-dr.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown with no active relays should complete immediately")
	}
}

// recordingCallback records every OnRelayAdded/OnRelayRemoved call it
// receives, guarded by its own mutex since both fire from the relay
// manager's event-loop goroutine.
type recordingCallback struct {
	mu      sync.Mutex
	added   []id160.Id160
	removed []id160.Id160
}

func (r *recordingCallback) OnRelayAdded(candidate peeraddress.PeerAddress, conn PeerConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, candidate.ID())
}

func (r *recordingCallback) OnRelayRemoved(candidate peeraddress.PeerAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, candidate.ID())
}

func (r *recordingCallback) addedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.added)
}

func (r *recordingCallback) removedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.removed)
}

func TestDistributedRelayCallbackFiresOnAddAndRemove(t *testing.T) {
	bean := peer.NewPeerBean(id160.Random(), nil, nil, peeraddress.PeerAddress{})
	c1 := id160.Random()
	routingLayer := &fakeRoutingLayer{neighbors: []peeraddress.PeerAddress{addr(c1)}}
	rpc := newScriptedRPC()
	cb := &recordingCallback{}

	dr := New(bean, rpc, routingLayer, config.RelayConfig{MaxRelays: 1, FailedRelayTTL: time.Minute, SetupTimeout: time.Second})
	dr.SetCallback(cb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dr.Run(ctx)
	dr.Start()

	require.Eventually(t, func() bool { return cb.addedCount() == 1 }, time.Second, 5*time.Millisecond)

	conn := rpc.connFor(c1)
	require.NotNil(t, conn)
	conn.Close()

	require.Eventually(t, func() bool { return cb.removedCount() == 1 }, time.Second, 5*time.Millisecond)
}
