package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/swbus/internal/endpoint"
	"github.com/danmuck/swbus/internal/observability"
	"github.com/danmuck/swbus/internal/protocol"
	"github.com/danmuck/swbus/internal/protocol/session"
	"github.com/danmuck/swbus/internal/routing"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("bus: node already started")
	ErrNodeClosed     = fmt.Errorf("%w: node closed", protocol.ErrUnreachable)
)

// Node is one bus participant: it owns the routing table, the local endpoint
// registry, the sessions to its neighbors and the outstanding requests of
// its local endpoints.
type Node struct {
	cfg      Config
	instance string
	log      zerolog.Logger
	metrics  *observability.BusMetrics

	routes   *routing.Table
	registry *endpoint.Registry
	pending  *pendingTable
	dedup    *dedupCache

	nextMessageID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	gctx   context.Context
	sups   sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool

	mu        sync.RWMutex
	ln        net.Listener
	sessions  map[string]*session.Session
	byPeer    map[protocol.Address]string
	neighbors map[string]*neighbor

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// New validates cfg and builds an idle node. Call Start or Run to bring up
// the listener and neighbor sessions.
func New(cfg Config) (*Node, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	instance := nuid.Next()
	n := &Node{
		cfg:       cfg,
		instance:  instance,
		log:       observability.NodeLogger("bus", cfg.Identity.String(), instance),
		metrics:   observability.NewBusMetrics(cfg.Identity.String()),
		routes:    routing.NewTable(),
		registry:  endpoint.NewRegistry(),
		dedup:     newDedupCache(cfg.Dedup),
		sessions:  make(map[string]*session.Session),
		byPeer:    make(map[protocol.Address]string),
		neighbors: make(map[string]*neighbor),
		conns:     make(map[net.Conn]struct{}),
	}
	n.nextMessageID.Store(uint64(time.Now().UnixNano()))
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.pending = newPendingTable(cfg.Retry, n.metrics, n.log)
	n.pending.send = n.resend
	n.pending.reachable = n.reachable
	n.routes.Add(routing.Entry{Prefix: cfg.Identity, NextHop: routing.LocalHop(), Origin: routing.OriginLocal})
	for _, p := range cfg.Advertise {
		n.routes.Add(routing.Entry{Prefix: p, NextHop: routing.LocalHop(), Origin: routing.OriginLocal})
	}
	return n, nil
}

func (n *Node) Identity() protocol.Address         { return n.cfg.Identity }
func (n *Node) InstanceID() string                 { return n.instance }
func (n *Node) Config() Config                     { return n.cfg }
func (n *Node) Metrics() *observability.BusMetrics { return n.metrics }
func (n *Node) Routes() *routing.Table             { return n.routes }
func (n *Node) Logger() zerolog.Logger             { return n.log }

// Addr is the bound listen address, nil before Start or without a listener.
func (n *Node) Addr() net.Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.ln == nil {
		return nil
	}
	return n.ln.Addr()
}

func (n *Node) newMessageID() uint64 {
	return n.nextMessageID.Add(1)
}

// Start binds the listener, registers the management endpoint and starts
// one supervisor per configured neighbor. It returns once everything is
// running; failures after that end the node and surface from Run or Close.
func (n *Node) Start(ctx context.Context) error {
	if n.closed.Load() {
		return ErrNodeClosed
	}
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go func() {
		select {
		case <-ctx.Done():
			n.cancel()
		case <-n.ctx.Done():
		}
	}()

	var ln net.Listener
	if n.cfg.ListenAddr != "" {
		var err error
		ln, err = session.Listen(n.cfg.ListenAddr, n.cfg.Session)
		if err != nil {
			n.cancel()
			return err
		}
	}
	mgmt, err := n.Register(n.cfg.Identity)
	if err != nil {
		n.cancel()
		if ln != nil {
			_ = ln.Close()
		}
		return err
	}

	n.group, n.gctx = errgroup.WithContext(n.ctx)
	n.group.Go(func() error { return n.pending.run(n.gctx) })
	n.group.Go(func() error { return n.serveManagement(n.gctx, mgmt) })
	if ln != nil {
		n.mu.Lock()
		n.ln = ln
		n.mu.Unlock()
		n.group.Go(func() error { return n.serve(n.gctx, ln) })
		n.log.Info().Str("addr", ln.Addr().String()).Msg("bus.Node.Start listening")
	}

	n.mu.Lock()
	for _, nc := range n.cfg.Neighbors {
		n.startNeighborLocked(nc)
	}
	n.mu.Unlock()
	n.log.Info().Int("neighbors", len(n.cfg.Neighbors)).Msg("bus.Node.Start running")
	return nil
}

// Run starts the node and blocks until ctx ends or a background loop fails.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-n.gctx.Done()
	return n.Close()
}

// Done is closed once the node is stopping, whether through Close, the Start
// context or a failed background loop.
func (n *Node) Done() <-chan struct{} {
	if n.gctx == nil {
		return n.ctx.Done()
	}
	return n.gctx.Done()
}

// Close stops supervisors, closes every session and fails outstanding
// requests. It is safe to call more than once.
func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.cancel()
	if !n.started.Load() || n.group == nil {
		return nil
	}
	n.closeAllConns()
	n.sups.Wait()

	n.mu.Lock()
	sessions := make([]*session.Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	err := n.group.Wait()
	n.log.Info().Msg("bus.Node.Close stopped")
	return err
}

// Bus connection-tracking add operation for coordinated shutdown.
func (n *Node) trackConn(conn net.Conn) bool {
	n.connsMu.Lock()
	defer n.connsMu.Unlock()
	if n.ctx.Err() != nil {
		return false
	}
	n.conns[conn] = struct{}{}
	return true
}

func (n *Node) untrackConn(conn net.Conn) {
	n.connsMu.Lock()
	defer n.connsMu.Unlock()
	delete(n.conns, conn)
}

// Bus shutdown helper that closes connections still in their handshake.
func (n *Node) closeAllConns() {
	n.connsMu.Lock()
	defer n.connsMu.Unlock()
	for conn := range n.conns {
		_ = conn.Close()
		delete(n.conns, conn)
	}
}
