package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/swbus/internal/endpoint"
	"github.com/danmuck/swbus/internal/protocol"
	"github.com/danmuck/swbus/internal/protocol/session"
	"github.com/danmuck/swbus/internal/protocol/tlv"
	"github.com/danmuck/swbus/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var addr = protocol.MustParseAddress

func testConfig(identity string) Config {
	cfg := DefaultConfig()
	cfg.Identity = addr(identity)
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.RequestTimeout = 2 * time.Second
	cfg.BlockTimeout = 50 * time.Millisecond
	cfg.Session.HandshakeTimeout = 2 * time.Second
	cfg.Session.Backoff = session.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond, Jitter: true}
	cfg.Retry.Backoff = session.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	return cfg
}

func startNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	n, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// startPair brings up parent rack1 and child rack1.dpu0 dialing it.
func startPair(t *testing.T) (*Node, *Node) {
	t.Helper()
	parent := startNode(t, testConfig("rack1"))
	cfg := testConfig("rack1.dpu0")
	cfg.Neighbors = []NeighborConfig{{
		Name:     "uplink",
		Endpoint: parent.Addr().String(),
		Role:     session.RoleParent,
		Identity: parent.Identity(),
	}}
	child := startNode(t, cfg)
	waitReachable(t, parent, child.Identity())
	waitReachable(t, child, parent.Identity())
	return parent, child
}

func waitReachable(t *testing.T, n *Node, dst protocol.Address) {
	t.Helper()
	require.Eventually(t, func() bool { return n.reachable(dst) }, 3*time.Second, 10*time.Millisecond,
		"%s never reached %s", n.Identity(), dst)
}

// serveEcho answers every request on ep with its own payload prefixed.
func serveEcho(ctx context.Context, ep *Endpoint, prefix string) {
	go func() {
		for {
			env, err := ep.Receive(ctx)
			if err != nil {
				return
			}
			if env.Kind == protocol.KindRequest {
				_ = ep.Reply(ctx, env, append([]byte(prefix), env.Payload...))
			}
		}
	}()
}

func TestLocalRequestReply(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := startNode(t, testConfig("rack1"))

	srv, err := n.Register(addr("rack1.svc"))
	require.NoError(t, err)
	cli, err := n.Register(addr("rack1.cli"))
	require.NoError(t, err)
	serveEcho(ctx, srv, "echo:")

	resp, err := cli.Request(ctx, srv.Address(), []byte("hi"), 0)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(resp.Payload))
	assert.Equal(t, srv.Address(), resp.Source)
	assert.Equal(t, protocol.KindResponse, resp.Kind)
	assert.Zero(t, n.pending.Len())
}

func TestRegisterAddressInUse(t *testing.T) {
	testlog.Start(t)
	n := startNode(t, testConfig("rack1"))

	first, err := n.Register(addr("rack1.svc"))
	require.NoError(t, err)
	_, err = n.Register(addr("rack1.svc"))
	require.ErrorIs(t, err, protocol.ErrAddressInUse)

	_, err = n.Register(n.Identity())
	require.ErrorIs(t, err, protocol.ErrAddressInUse, "identity address belongs to the management endpoint")

	first.Close(endpoint.ShutdownDiscard)
	_, err = n.Register(addr("rack1.svc"))
	require.NoError(t, err)
}

func TestRequestUnreachableFailsImmediately(t *testing.T) {
	testlog.Start(t)
	n := startNode(t, testConfig("rack1"))
	cli, err := n.Register(addr("rack1.cli"))
	require.NoError(t, err)

	start := time.Now()
	_, err = cli.Request(context.Background(), addr("rack9.svc"), nil, 5*time.Second)
	require.ErrorIs(t, err, protocol.ErrUnreachable)
	assert.Less(t, time.Since(start), time.Second)

	_, err = cli.Request(context.Background(), addr("rack1.nobody"), nil, 5*time.Second)
	require.ErrorIs(t, err, protocol.ErrUnreachable)
	assert.Zero(t, n.pending.Len())
}

func TestTwoNodeRequestResponse(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	parent, child := startPair(t)

	ha, err := child.Register(addr("rack1.dpu0.ha"))
	require.NoError(t, err)
	serveEcho(ctx, ha, "ha:")
	ctl, err := parent.Register(addr("rack1.ctl"))
	require.NoError(t, err)
	serveEcho(ctx, ctl, "ctl:")

	resp, err := ctl.Request(ctx, ha.Address(), []byte("state"), 0)
	require.NoError(t, err)
	assert.Equal(t, "ha:state", string(resp.Payload))
	assert.Equal(t, protocol.DefaultHopLimit, resp.HopLimit, "one hop, no transit node")

	// Upward through the default route.
	resp, err = ha.Request(ctx, ctl.Address(), []byte("up"), 0)
	require.NoError(t, err)
	assert.Equal(t, "ctl:up", string(resp.Payload))

	resp, err = ha.Request(ctx, parent.Identity(), []byte(CmdPing), 0)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(resp.Payload))
}

func TestRemoteNoRouteInsideOwnedPrefix(t *testing.T) {
	testlog.Start(t)
	_, child := startPair(t)
	cli, err := child.Register(addr("rack1.dpu0.cli"))
	require.NoError(t, err)

	_, err = cli.Request(context.Background(), addr("rack1.missing"), nil, 0)
	var se *protocol.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, protocol.StatusNoRoute, se.Code)
	assert.Equal(t, addr("rack1"), se.From)
	assert.ErrorIs(t, err, protocol.ErrUnreachable)
}

func TestOneWaySend(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	parent, child := startPair(t)

	sink, err := child.Register(addr("rack1.dpu0.sink"))
	require.NoError(t, err)
	src, err := parent.Register(addr("rack1.src"))
	require.NoError(t, err)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, src.Send(ctx, sink.Address(), []byte(p)))
	}
	for _, want := range []string{"a", "b", "c"} {
		env, err := sink.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, protocol.KindOneWay, env.Kind)
		assert.Equal(t, want, string(env.Payload))
	}
}

func TestSessionLossFailsPendingEarly(t *testing.T) {
	testlog.Start(t)
	parent, child := startPair(t)

	// Registered but never answers.
	_, err := child.Register(addr("rack1.dpu0.ha"))
	require.NoError(t, err)
	ctl, err := parent.Register(addr("rack1.ctl"))
	require.NoError(t, err)

	errc := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := ctl.Request(context.Background(), addr("rack1.dpu0.ha"), nil, 10*time.Second)
		errc <- err
	}()
	require.Eventually(t, func() bool { return parent.pending.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, child.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, protocol.ErrUnreachable)
		require.ErrorIs(t, err, protocol.ErrSessionLost)
		assert.Less(t, time.Since(start), 3*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request outlived its session")
	}
	assert.False(t, parent.reachable(child.Identity()))
}

func TestDuplicateRequestAnsweredFromCache(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n := startNode(t, testConfig("rack1"))

	srv, err := n.Register(addr("rack1.svc"))
	require.NoError(t, err)
	cli, err := n.Register(addr("rack1.cli"))
	require.NoError(t, err)

	req := &protocol.Envelope{
		Source:      cli.Address(),
		Destination: srv.Address(),
		ID:          42,
		Kind:        protocol.KindRequest,
		HopLimit:    protocol.DefaultHopLimit,
		Payload:     []byte("once"),
	}
	_, err = n.deliver(ctx, req.Clone(), "")
	require.NoError(t, err)
	got, err := srv.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, srv.Reply(ctx, got, []byte("done")))

	// Retransmission with the same (source, id).
	_, err = n.deliver(ctx, req.Clone(), "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, err := cli.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), resp.CorrelationID)
		assert.Equal(t, "done", string(resp.Payload))
	}
	assert.Zero(t, srv.Mailbox().Len(), "handler must see the request once")
	assert.Equal(t, 1.0, n.metrics.Counters()["swbus_dedup_hits_total"])
}

func TestOrphanResponseNeverBlocks(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n := startNode(t, testConfig("rack1"))

	srv, err := n.Register(addr("rack1.svc"))
	require.NoError(t, err)
	cli, err := n.Register(addr("rack1.cli"), WithMailboxCapacity(1))
	require.NoError(t, err)

	// Requests cli never issued through Request, so no pending entry exists.
	for id := uint64(1); id <= 2; id++ {
		req := &protocol.Envelope{Source: cli.Address(), Destination: srv.Address(), ID: id, Kind: protocol.KindRequest}
		require.NoError(t, srv.Reply(ctx, req, []byte("late")))
	}

	assert.Equal(t, 1, cli.Mailbox().Len(), "first orphan is queued")
	assert.Equal(t, 1.0, n.metrics.Counters()["swbus_envelopes_dropped_total{reason=orphan_response}"])
	resp, err := cli.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.CorrelationID)
}

func TestHopLimitExceededAnswersRequester(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, child := startPair(t)

	cli, err := child.Register(addr("rack1.dpu0.cli"))
	require.NoError(t, err)
	req := &protocol.Envelope{
		Source:      cli.Address(),
		Destination: addr("rack1.far"),
		ID:          7,
		Kind:        protocol.KindRequest,
		HopLimit:    0,
	}
	// Arrived in transit on some other session with no hops left.
	_, err = child.deliver(ctx, req, "elsewhere")
	require.ErrorIs(t, err, protocol.ErrHopLimitExceeded)
	child.fail(ctx, req, err)

	resp, err := cli.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusHopLimitExceeded, resp.Status)
	assert.Equal(t, uint64(7), resp.CorrelationID)
	assert.ErrorIs(t, resp.Err(), protocol.ErrHopLimitExceeded)

	oneway := &protocol.Envelope{Source: cli.Address(), Destination: addr("rack1.far"), ID: 8, Kind: protocol.KindOneWay}
	_, err = child.deliver(ctx, oneway, "elsewhere")
	require.ErrorIs(t, err, protocol.ErrHopLimitExceeded)
}

func TestTransitDecrementsHopLimit(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	parent, child := startPair(t)

	sink, err := parent.Register(addr("rack1.sink"))
	require.NoError(t, err)
	env := &protocol.Envelope{Source: addr("rack7.x"), Destination: sink.Address(), ID: 9, Kind: protocol.KindOneWay, HopLimit: 5}
	_, err = child.deliver(ctx, env, "elsewhere")
	require.NoError(t, err)

	got, err := sink.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), got.HopLimit)
}

func TestTransitKeepsUnknownFields(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	parent, child := startPair(t)
	cfg := testConfig("rack1.dpu0.nic0")
	cfg.Neighbors = []NeighborConfig{{
		Name:     "dpu",
		Endpoint: child.Addr().String(),
		Role:     session.RoleParent,
		Identity: child.Identity(),
	}}
	leaf := startNode(t, cfg)
	waitReachable(t, leaf, child.Identity())

	sink, err := parent.Register(addr("rack1.sink"))
	require.NoError(t, err)
	extra := tlv.Field{ID: 4000, Type: tlv.TypeBytes, Value: []byte{0xCA, 0xFE}}
	env := &protocol.Envelope{
		Source:      addr("rack1.dpu0.nic0.app"),
		Destination: sink.Address(),
		ID:          77,
		Kind:        protocol.KindOneWay,
		HopLimit:    5,
		Payload:     []byte("through"),
		Extra:       []tlv.Field{extra},
	}
	_, err = leaf.deliver(ctx, env, "")
	require.NoError(t, err)

	got, err := sink.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), got.HopLimit, "only the transit node decrements")
	require.Len(t, got.Extra, 1)
	assert.Equal(t, extra.ID, got.Extra[0].ID)
	assert.Equal(t, extra.Type, got.Extra[0].Type)
	assert.Equal(t, extra.Value, got.Extra[0].Value)
	assert.Equal(t, "through", string(got.Payload))
}

func TestRequestToFullMailboxTimesOut(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n := startNode(t, testConfig("rack1"))

	slow, err := n.Register(addr("rack1.slow"), WithMailboxCapacity(1))
	require.NoError(t, err)
	cli, err := n.Register(addr("rack1.cli"))
	require.NoError(t, err)
	require.NoError(t, cli.Send(ctx, slow.Address(), []byte("fill")))

	start := time.Now()
	_, err = cli.Request(ctx, slow.Address(), []byte("x"), 200*time.Millisecond)
	require.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second, "request must end at its own deadline")
	assert.NoError(t, ctx.Err())
	require.Eventually(t, func() bool { return n.pending.Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, slow.Mailbox().Len(), "the stuck request never entered the mailbox")
}

func TestFullMailboxDoesNotStallSession(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	parent, child := startPair(t)

	slow, err := child.Register(addr("rack1.dpu0.slow"), WithMailboxCapacity(1))
	require.NoError(t, err)
	cli, err := parent.Register(addr("rack1.cli"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, cli.Send(ctx, slow.Address(), []byte("x")))
	}

	// The child's reader must keep serving traffic behind the stuck actor.
	resp, err := cli.Request(ctx, child.Identity(), []byte(CmdPing), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(resp.Payload))
	require.Eventually(t, func() bool {
		return child.metrics.Counters()["swbus_envelopes_dropped_total{reason=queue_full}"] == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, slow.Mailbox().Len())
	assert.Len(t, child.Sessions(), 1)
	assert.Equal(t, session.StateEstablished.String(), child.Sessions()[0].State)
}

func TestCloseEndpointFailsLocalPending(t *testing.T) {
	testlog.Start(t)
	n := startNode(t, testConfig("rack1"))
	srv, err := n.Register(addr("rack1.svc"))
	require.NoError(t, err)
	cli, err := n.Register(addr("rack1.cli"))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := cli.Request(context.Background(), srv.Address(), nil, 10*time.Second)
		errc <- err
	}()
	require.Eventually(t, func() bool { return srv.Mailbox().Len() == 1 }, time.Second, 5*time.Millisecond)
	srv.Close(endpoint.ShutdownDiscard)

	select {
	case err := <-errc:
		require.ErrorIs(t, err, protocol.ErrUnreachable)
	case <-time.After(3 * time.Second):
		t.Fatal("request to a closed endpoint did not fail")
	}
}

func TestRequestCancelledByContext(t *testing.T) {
	testlog.Start(t)
	n := startNode(t, testConfig("rack1"))
	_, err := n.Register(addr("rack1.svc"))
	require.NoError(t, err)
	cli, err := n.Register(addr("rack1.cli"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = cli.Request(ctx, addr("rack1.svc"), nil, 10*time.Second)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Zero(t, n.pending.Len())
}

func TestUpdateTopologyAddsAndRemovesNeighbors(t *testing.T) {
	testlog.Start(t)
	parent := startNode(t, testConfig("rack1"))
	child := startNode(t, testConfig("rack1.dpu1"))
	require.False(t, child.reachable(parent.Identity()))

	up := NeighborConfig{
		Name:     "uplink",
		Endpoint: parent.Addr().String(),
		Role:     session.RoleParent,
		Prefixes: []protocol.Address{addr("fabric")},
	}
	require.NoError(t, child.UpdateTopology([]NeighborConfig{up}))
	waitReachable(t, child, parent.Identity())
	waitReachable(t, child, addr("fabric.core"))

	require.NoError(t, child.UpdateTopology(nil))
	require.Eventually(t, func() bool { return !child.reachable(parent.Identity()) }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !parent.reachable(child.Identity()) }, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, child.Neighbors())
}

func TestDuplicateIdentityRejected(t *testing.T) {
	testlog.Start(t)
	parent, _ := startPair(t)

	cfg := testConfig("rack1.dpu0")
	cfg.ListenAddr = ""
	cfg.Neighbors = []NeighborConfig{{Name: "uplink", Endpoint: parent.Addr().String(), Role: session.RoleParent}}
	dup := startNode(t, cfg)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, dup.Sessions())
	assert.Len(t, parent.Sessions(), 1)
}

func TestMutualNeighborsAdoptInboundSession(t *testing.T) {
	testlog.Start(t)
	a := startNode(t, testConfig("rack1.a"))
	cfg := testConfig("rack1.b")
	cfg.Neighbors = []NeighborConfig{{Name: "a", Endpoint: a.Addr().String(), Role: session.RolePeer, Identity: a.Identity()}}
	b := startNode(t, cfg)
	waitReachable(t, a, b.Identity())

	require.NoError(t, a.UpdateTopology([]NeighborConfig{{
		Name:     "b",
		Endpoint: b.Addr().String(),
		Role:     session.RolePeer,
		Identity: b.Identity(),
		Prefixes: []protocol.Address{addr("svc.b")},
	}}))

	require.Eventually(t, func() bool { return a.Neighbors()["b"] != "" }, 2*time.Second, 10*time.Millisecond)
	require.Len(t, a.Sessions(), 1)
	sid := a.Sessions()[0].ID
	assert.Equal(t, sid, a.Neighbors()["b"])

	entry, err := a.Routes().Lookup(addr("svc.b.x"))
	require.NoError(t, err)
	assert.Equal(t, sid, entry.NextHop.Session, "configured prefixes ride the adopted session")

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, a.metrics.Counters()["swbus_sessions_events_total{event=dial_failed}"])
	assert.Len(t, a.Sessions(), 1)
	assert.Len(t, b.Sessions(), 1)
}

func TestAutoPingEndpoint(t *testing.T) {
	testlog.Start(t)
	parent, child := startPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := child.Register(addr("rack1.dpu0.svc"), WithAutoPing())
	require.NoError(t, err)
	serveEcho(ctx, svc, "echo:")
	plain, err := child.Register(addr("rack1.dpu0.plain"))
	require.NoError(t, err)
	serveEcho(ctx, plain, "echo:")
	waitReachable(t, parent, svc.Address())

	cli, err := parent.Register(addr("rack1.cli"))
	require.NoError(t, err)
	resp, err := cli.Request(ctx, svc.Address(), []byte(CmdPing), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(resp.Payload))

	resp, err = cli.Request(ctx, svc.Address(), []byte("hi"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(resp.Payload), "other requests still reach the owner")

	resp, err = cli.Request(ctx, plain.Address(), []byte(CmdPing), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", string(resp.Payload), "auto ping is opt-in")
}

func TestManagementCommands(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	_, child := startPair(t)
	cli, err := child.Register(addr("rack1.dpu0.cli"))
	require.NoError(t, err)

	resp, err := cli.Request(ctx, addr("rack1"), []byte(CmdRoutes), 0)
	require.NoError(t, err)
	assert.Contains(t, string(resp.Payload), `"prefix":"rack1.dpu0"`)

	_, err = cli.Request(ctx, addr("rack1"), []byte("reboot"), 0)
	require.ErrorIs(t, err, protocol.ErrInvalidArgs)
}

func TestSnapshot(t *testing.T) {
	testlog.Start(t)
	parent, child := startPair(t)
	_, err := child.Register(addr("rack1.dpu0.ha"))
	require.NoError(t, err)

	snap := child.Snapshot()
	assert.Equal(t, "rack1.dpu0", snap.Identity)
	assert.Contains(t, snap.Endpoints, "rack1.dpu0.ha")
	assert.Contains(t, snap.Endpoints, "rack1.dpu0")
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, parent.Identity().String(), snap.Sessions[0].PeerIdentity)
	assert.NotEmpty(t, snap.Neighbors["uplink"])

	var sawDefault bool
	for _, e := range snap.Routes {
		if e.Prefix.IsRoot() {
			sawDefault = true
		}
	}
	assert.True(t, sawDefault, "parent link installs the default route")
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig("rack1")
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Identity = protocol.Root
	require.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.Neighbors = []NeighborConfig{{Name: "a", Endpoint: "x:1"}, {Name: "a", Endpoint: "y:1"}}
	require.ErrorIs(t, bad.WithDefaults().Validate(), ErrInvalidConfig)

	bad = cfg
	bad.Overflow = "explode"
	require.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}
