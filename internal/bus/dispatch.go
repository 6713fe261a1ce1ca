package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/swbus/internal/endpoint"
	"github.com/danmuck/swbus/internal/observability"
	"github.com/danmuck/swbus/internal/protocol"
	"github.com/danmuck/swbus/internal/protocol/session"
	"github.com/danmuck/swbus/internal/routing"
)

// errNoEndpoint marks a destination inside a locally owned prefix with no
// endpoint registered.
var errNoEndpoint = fmt.Errorf("%w: no endpoint", protocol.ErrUnreachable)

// deliver moves env one step toward its destination: into a local mailbox or
// onto the session of the best route. via is the session env arrived on, ""
// when it originated here. It returns the session used, "" for local
// delivery.
func (n *Node) deliver(ctx context.Context, env *protocol.Envelope, via string) (string, error) {
	if m, ok := n.registry.Lookup(env.Destination); ok {
		return "", n.deliverLocal(ctx, m, env)
	}
	entry, err := n.routes.Lookup(env.Destination)
	if err != nil {
		return "", err
	}
	if entry.NextHop.Local {
		return "", fmt.Errorf("%w %s", errNoEndpoint, env.Destination)
	}
	return entry.NextHop.Session, n.forward(env, entry, via)
}

func (n *Node) forward(env *protocol.Envelope, entry routing.Entry, via string) error {
	s := n.session(entry.NextHop.Session)
	if s == nil {
		return fmt.Errorf("%w: next hop %s gone", protocol.ErrUnreachable, entry.NextHop)
	}
	if via != "" {
		if s.ID() == via {
			return fmt.Errorf("%w: route for %s points back at the arriving session", protocol.ErrUnreachable, env.Destination)
		}
		if env.HopLimit == 0 {
			return fmt.Errorf("%w: at %s for %s", protocol.ErrHopLimitExceeded, n.cfg.Identity, env.Destination)
		}
		env.HopLimit--
	}

	var err error
	if n.cfg.Overflow == OverflowShed {
		err = s.Send(env)
	} else {
		err = s.SendTimeout(env, n.cfg.BlockTimeout)
	}
	if err != nil {
		return err
	}
	n.metrics.Forwarded()
	return nil
}

// deliverLocal hands env to a registered mailbox. Responses are offered to
// the pending table first; requests pass the duplicate filter.
func (n *Node) deliverLocal(ctx context.Context, m *endpoint.Mailbox, env *protocol.Envelope) error {
	switch env.Kind {
	case protocol.KindResponse:
		if n.pending.resolve(env) {
			n.metrics.Delivered()
			return nil
		}
		// Nobody is waiting; a full mailbox must not stall the session reader.
		if !m.TryPush(env) {
			n.metrics.Dropped(observability.DropOrphan)
			n.log.Debug().Uint64("correlation", env.CorrelationID).Str("dst", env.Destination.String()).Msg("bus.deliver orphan response dropped")
			return nil
		}
		n.metrics.Delivered()
		return nil
	case protocol.KindRequest:
		cached, first := n.dedup.admit(env)
		if !first {
			n.metrics.DedupHit()
			if cached != nil {
				n.log.Debug().Uint64("id", env.ID).Str("src", env.Source.String()).Msg("bus.deliver duplicate answered from cache")
				n.route(ctx, cached.Clone())
			}
			return nil
		}
	}
	if err := m.Push(ctx, env); err != nil {
		if env.Kind == protocol.KindRequest {
			n.dedup.forget(env)
		}
		if errors.Is(err, endpoint.ErrMailboxClosed) {
			return fmt.Errorf("%w: %s closed", protocol.ErrUnreachable, env.Destination)
		}
		return err
	}
	n.metrics.Delivered()
	return nil
}

// route sends a locally produced envelope and drops it with a counter when
// it cannot go anywhere. Used for responses, which have no one left to tell.
func (n *Node) route(ctx context.Context, env *protocol.Envelope) {
	if _, err := n.deliver(ctx, env, ""); err != nil {
		n.drop(env, err)
	}
}

// relayContext bounds deliveries made for a session reader or the pending
// loop, so a full local mailbox cannot stall either of them. Under
// OverflowShed it is already expired and only free room is used.
func (n *Node) relayContext() (context.Context, context.CancelFunc) {
	wait := n.cfg.BlockTimeout
	if n.cfg.Overflow == OverflowShed {
		wait = 0
	}
	return context.WithTimeout(n.ctx, wait)
}

// relay delivers env with relayContext and reports a mailbox that stayed
// full as protocol.ErrQueueFull.
func (n *Node) relay(env *protocol.Envelope, via string) (string, error) {
	ctx, cancel := n.relayContext()
	defer cancel()
	sid, err := n.deliver(ctx, env, via)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && n.ctx.Err() == nil {
		err = fmt.Errorf("%w: mailbox %s full", protocol.ErrQueueFull, env.Destination)
	}
	return sid, err
}

// fail reports err for an envelope that could not be delivered. Requests get
// a response carrying the matching status; anything else is dropped. A
// request that met a full queue is dropped too: the requester retries it
// with the same id after its attempt timeout.
func (n *Node) fail(ctx context.Context, env *protocol.Envelope, err error) {
	if env.Kind != protocol.KindRequest || errors.Is(err, protocol.ErrQueueFull) {
		n.drop(env, err)
		return
	}
	status := protocol.StatusFor(err)
	if errors.Is(err, errNoEndpoint) {
		status = protocol.StatusNoRoute
	}
	n.metrics.Dropped(dropReason(err))
	n.log.Debug().Err(err).Uint64("id", env.ID).Str("src", env.Source.String()).Str("dst", env.Destination.String()).
		Str("status", status.String()).Msg("bus.fail request")
	resp := protocol.ResponseTo(env, n.cfg.Identity, status, err.Error(), nil)
	resp.ID = n.newMessageID()
	resp.HopLimit = n.cfg.HopLimit
	n.route(ctx, resp)
}

func (n *Node) drop(env *protocol.Envelope, err error) {
	reason := dropReason(err)
	if env.Kind == protocol.KindResponse && errors.Is(err, protocol.ErrUnreachable) {
		reason = observability.DropOrphan
	}
	n.metrics.Dropped(reason)
	n.log.Debug().Err(err).Str("kind", env.Kind.String()).Uint64("id", env.ID).Str("dst", env.Destination.String()).
		Str("reason", reason).Msg("bus.drop")
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrHopLimitExceeded):
		return observability.DropHopLimit
	case errors.Is(err, protocol.ErrQueueFull):
		return observability.DropQueueFull
	case errors.Is(err, protocol.ErrSessionLost):
		return observability.DropSessionLost
	case errors.Is(err, endpoint.ErrMailboxClosed):
		return observability.DropMailboxClosed
	default:
		return observability.DropUnreachable
	}
}

// onEnvelope is the session reader callback for inbound traffic.
func (n *Node) onEnvelope(s *session.Session, env *protocol.Envelope) {
	if _, err := n.relay(env, s.ID()); err != nil {
		n.fail(n.ctx, env, err)
	}
}

func (n *Node) onMalformed(s *session.Session, err error) {
	n.metrics.Dropped(observability.DropMalformed)
	n.log.Warn().Err(err).Str("session", s.ID()).Str("peer", s.PeerIdentity().String()).Msg("bus.session malformed envelope")
}

// reachable reports whether dst currently resolves to a live endpoint or
// session.
func (n *Node) reachable(dst protocol.Address) bool {
	if _, ok := n.registry.Lookup(dst); ok {
		return true
	}
	entry, err := n.routes.Lookup(dst)
	if err != nil || entry.NextHop.Local {
		return false
	}
	return n.session(entry.NextHop.Session) != nil
}

// resend retransmits a pending request with its original id.
func (n *Node) resend(env *protocol.Envelope) (string, error) {
	return n.relay(env, "")
}
