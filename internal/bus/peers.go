package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"slices"
	"time"

	"github.com/danmuck/swbus/internal/auth"
	"github.com/danmuck/swbus/internal/protocol"
	"github.com/danmuck/swbus/internal/protocol/session"
	"github.com/danmuck/swbus/internal/routing"
)

// neighbor is a configured adjacency and the supervisor keeping it up.
type neighbor struct {
	cfg       NeighborConfig
	cancel    context.CancelFunc
	done      chan struct{}
	sessionID string
}

func (n *Node) session(id string) *session.Session {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessions[id]
}

// Sessions lists the live sessions.
func (n *Node) Sessions() []session.Info {
	n.mu.RLock()
	out := make([]session.Info, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s.Info())
	}
	n.mu.RUnlock()
	slices.SortFunc(out, func(a, b session.Info) int {
		switch {
		case a.PeerIdentity < b.PeerIdentity:
			return -1
		case a.PeerIdentity > b.PeerIdentity:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (n *Node) hello(role session.Role) session.Hello {
	prefixes := make([]string, 0, len(n.cfg.Advertise))
	for _, p := range n.cfg.Advertise {
		prefixes = append(prefixes, p.String())
	}
	return session.Hello{
		NodeID:   n.instance,
		Identity: n.cfg.Identity.String(),
		Role:     role,
		Version:  session.ProtocolVersion,
		Prefixes: prefixes,
	}
}

// sessionOptions builds handshake and handler options. role is how this node
// presents itself to the peer.
func (n *Node) sessionOptions(role session.Role, expect protocol.Address) session.Options {
	var token string
	if len(n.cfg.Tokens) > 0 {
		token = n.cfg.Tokens[0]
	}
	return session.Options{
		Handshake: session.HandshakeOptions{
			Local:          n.hello(role),
			Token:          token,
			Auth:           auth.ForTokens(n.cfg.Tokens...),
			ExpectIdentity: expect,
			Admit:          n.admit,
		},
		Handlers: session.Handlers{
			OnEnvelope:  n.onEnvelope,
			OnState:     n.onSessionState,
			OnMalformed: n.onMalformed,
		},
	}
}

// admit refuses a second session for an identity that is already attached.
func (n *Node) admit(peer session.Hello) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if id, ok := n.byPeer[peer.IdentityAddress()]; ok {
		return fmt.Errorf("identity %s already attached on session %s", peer.Identity, id)
	}
	return nil
}

func (n *Node) onSessionState(s *session.Session, from, to session.State) {
	n.metrics.SessionEvent(to.String())
	n.log.Debug().Str("session", s.ID()).Str("from", from.String()).Str("to", to.String()).Msg("bus.session state")
}

// Bus accept loop for neighbor sessions on an existing listener.
func (n *Node) serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !n.trackConn(conn) {
			_ = conn.Close()
			continue
		}
		go n.handleConn(conn)
	}
}

func (n *Node) handleConn(conn net.Conn) {
	defer n.untrackConn(conn)
	// Accepted peers declare their own role; this side presents as a peer.
	s, err := session.Accept(conn, n.cfg.Session, n.sessionOptions(session.RolePeer, protocol.Root))
	if err != nil {
		n.metrics.SessionEvent("handshake_failed")
		n.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("bus.handleConn handshake failed")
		return
	}
	n.attach(s, nil)
}

func (n *Node) startNeighborLocked(nc NeighborConfig) {
	ctx, cancel := context.WithCancel(n.gctx)
	nb := &neighbor{cfg: nc, cancel: cancel, done: make(chan struct{})}
	n.neighbors[nc.Name] = nb
	n.sups.Add(1)
	go func() {
		defer n.sups.Done()
		n.superviseNeighbor(ctx, nb)
	}()
}

// errAdopt stops a neighbor's dial loop once the peer has dialed in.
var errAdopt = errors.New("neighbor attached inbound")

// superviseNeighbor keeps one configured adjacency up, redialing with
// backoff until ctx ends. When the peer already holds a session to this node
// (both sides list each other) that session is adopted instead of dialing.
func (n *Node) superviseNeighbor(ctx context.Context, nb *neighbor) {
	defer close(nb.done)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	log := n.log.With().Str("neighbor", nb.cfg.Name).Str("endpoint", nb.cfg.Endpoint).Logger()
	policy := session.RetryPolicy{OnFailure: func(attempt int, err error) error {
		n.metrics.SessionEvent("dial_failed")
		if n.inbound(nb) != nil {
			return errAdopt
		}
		return nil
	}}
	for {
		s := n.inbound(nb)
		if s != nil && n.adopt(s, nb) {
			log.Info().Str("session", s.ID()).Msg("bus.neighbor adopted inbound session")
		} else {
			opts := n.sessionOptions(nb.cfg.Role.Inverse(), nb.cfg.Identity)
			var err error
			s, err = session.DialRetry(ctx, nb.cfg.Endpoint, n.cfg.Session, opts, policy)
			if errors.Is(err, errAdopt) {
				continue
			}
			if err != nil {
				return
			}
			if !n.attach(s, nb) {
				if session.SleepBackoff(ctx, n.cfg.Session.Backoff, 1, rng) != nil {
					return
				}
				continue
			}
		}

		select {
		case <-s.Done():
			log.Info().Err(s.Err()).Msg("bus.neighbor session ended")
		case <-ctx.Done():
			_ = s.Close()
			return
		}
		n.mu.Lock()
		if nb.sessionID == s.ID() {
			nb.sessionID = ""
		}
		n.mu.Unlock()
		if session.SleepBackoff(ctx, n.cfg.Session.Backoff, 1, rng) != nil {
			return
		}
	}
}

// inbound returns a live session from nb's configured identity that nb does
// not own yet.
func (n *Node) inbound(nb *neighbor) *session.Session {
	if nb.cfg.Identity.IsRoot() {
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	id, ok := n.byPeer[nb.cfg.Identity]
	if !ok || id == nb.sessionID {
		return nil
	}
	return n.sessions[id]
}

// adopt makes an accepted session serve nb and installs nb's configured
// routes on it.
func (n *Node) adopt(s *session.Session, nb *neighbor) bool {
	n.mu.Lock()
	if n.sessions[s.ID()] != s {
		n.mu.Unlock()
		return false
	}
	nb.sessionID = s.ID()
	nc := nb.cfg
	n.mu.Unlock()

	n.installRoutes(s, &nc)
	select {
	case <-s.Done():
		// detach may have run before the routes went in.
		n.routes.RemoveNextHop(routing.SessionHop(s.ID()))
		return false
	default:
	}
	n.metrics.SessionEvent("adopted")
	return true
}

// attach records an established session, installs its routes and watches it
// for loss. nb is nil for accepted sessions.
func (n *Node) attach(s *session.Session, nb *neighbor) bool {
	peer := s.PeerIdentity()
	n.mu.Lock()
	if n.ctx.Err() != nil {
		n.mu.Unlock()
		_ = s.Close()
		return false
	}
	if id, dup := n.byPeer[peer]; dup {
		n.mu.Unlock()
		n.log.Warn().Str("peer", peer.String()).Str("existing", id).Msg("bus.attach duplicate identity, closing")
		_ = s.Close()
		return false
	}
	n.sessions[s.ID()] = s
	n.byPeer[peer] = s.ID()
	var nc *NeighborConfig
	if nb != nil {
		nb.sessionID = s.ID()
		c := nb.cfg
		nc = &c
	}
	count := len(n.sessions)
	n.mu.Unlock()

	n.installRoutes(s, nc)
	n.metrics.SetSessions(count)
	n.metrics.SessionEvent("attached")
	n.log.Info().Str("session", s.ID()).Str("peer", peer.String()).Str("peer_role", string(s.Peer().Role)).
		Str("dir", string(s.Direction())).Msg("bus.attach session up")
	go func() {
		<-s.Done()
		n.detach(s)
	}()
	return true
}

// installRoutes adds the peer's identity and announced prefixes as learned
// routes, configured prefixes for dialed neighbors, and a default route via
// a parent.
func (n *Node) installRoutes(s *session.Session, nc *NeighborConfig) {
	hop := routing.SessionHop(s.ID())
	role := s.Peer().Role
	cost := uint32(1)
	if nc != nil {
		role = nc.Role
		cost = nc.Cost
	}
	learned := []routing.Entry{{Prefix: s.PeerIdentity(), NextHop: hop, Cost: cost}}
	for _, p := range s.Peer().PrefixAddresses() {
		learned = append(learned, routing.Entry{Prefix: p, NextHop: hop, Cost: cost})
	}
	n.routes.ReplaceNextHop(hop, routing.OriginLearned, learned)
	n.routes.ReplaceNextHop(hop, routing.OriginConfigured, configuredRoutes(hop, role, nc))
}

func configuredRoutes(hop routing.NextHop, role session.Role, nc *NeighborConfig) []routing.Entry {
	var out []routing.Entry
	cost := uint32(1)
	if nc != nil {
		cost = nc.Cost
		for _, p := range nc.Prefixes {
			out = append(out, routing.Entry{Prefix: p, NextHop: hop, Cost: cost})
		}
	}
	if role == session.RoleParent {
		out = append(out, routing.Entry{Prefix: protocol.Root, NextHop: hop, Cost: cost})
	}
	return out
}

// detach forgets a closed session, withdraws its routes and settles the
// requests that depended on it.
func (n *Node) detach(s *session.Session) {
	n.mu.Lock()
	if cur, ok := n.sessions[s.ID()]; ok && cur == s {
		delete(n.sessions, s.ID())
	}
	if n.byPeer[s.PeerIdentity()] == s.ID() {
		delete(n.byPeer, s.PeerIdentity())
	}
	for _, nb := range n.neighbors {
		if nb.sessionID == s.ID() {
			nb.sessionID = ""
		}
	}
	count := len(n.sessions)
	n.mu.Unlock()

	removed := n.routes.RemoveNextHop(routing.SessionHop(s.ID()))
	n.pending.sessionLost(s.ID())
	n.metrics.SetSessions(count)
	n.metrics.SessionEvent("detached")
	n.log.Info().Err(s.Err()).Str("session", s.ID()).Str("peer", s.PeerIdentity().String()).
		Int("routes_removed", len(removed)).Msg("bus.detach session down")
}

// UpdateTopology applies a new neighbor list. Neighbors that disappeared are
// disconnected, new ones dialed, and ones whose endpoint, role or identity
// changed are redialed. Prefix and cost changes apply in place.
func (n *Node) UpdateTopology(neighbors []NeighborConfig) error {
	next := n.cfg
	next.Neighbors = neighbors
	next = next.WithDefaults()
	if err := next.Validate(); err != nil {
		return err
	}
	if !n.started.Load() {
		n.mu.Lock()
		n.cfg.Neighbors = next.Neighbors
		n.mu.Unlock()
		return nil
	}

	want := make(map[string]NeighborConfig, len(next.Neighbors))
	for _, nc := range next.Neighbors {
		want[nc.Name] = nc
	}

	var stopped []*neighbor
	var refresh []*neighbor
	n.mu.Lock()
	for name, nb := range n.neighbors {
		nc, keep := want[name]
		if keep && nb.cfg.sameSession(nc) {
			nb.cfg = nc
			refresh = append(refresh, nb)
			continue
		}
		nb.cancel()
		stopped = append(stopped, nb)
		delete(n.neighbors, name)
	}
	n.mu.Unlock()
	for _, nb := range stopped {
		<-nb.done
	}

	n.mu.Lock()
	for _, nc := range next.Neighbors {
		if _, ok := n.neighbors[nc.Name]; !ok {
			n.startNeighborLocked(nc)
		}
	}
	n.cfg.Neighbors = next.Neighbors
	type update struct {
		s  *session.Session
		nc NeighborConfig
	}
	var updates []update
	for _, nb := range refresh {
		if s, ok := n.sessions[nb.sessionID]; ok {
			updates = append(updates, update{s: s, nc: nb.cfg})
		}
	}
	n.mu.Unlock()

	for _, u := range updates {
		n.installRoutes(u.s, &u.nc)
	}
	n.log.Info().Int("neighbors", len(next.Neighbors)).Int("stopped", len(stopped)).Msg("bus.UpdateTopology applied")
	return nil
}

// Neighbors reports each configured neighbor and its current session id.
func (n *Node) Neighbors() map[string]string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]string, len(n.neighbors))
	for name, nb := range n.neighbors {
		out[name] = nb.sessionID
	}
	return out
}
