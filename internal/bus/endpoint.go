package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/swbus/internal/endpoint"
	"github.com/danmuck/swbus/internal/observability"
	"github.com/danmuck/swbus/internal/protocol"
)

// Endpoint is a locally registered address. Its mailbox receives requests,
// one-way messages and responses nobody is waiting for; responses to its own
// Request calls are returned directly.
type Endpoint struct {
	node *Node
	addr protocol.Address
	mbox *endpoint.Mailbox
	ping bool
}

// EndpointOption adjusts a registration.
type EndpointOption func(*endpointOptions)

type endpointOptions struct {
	capacity int
	autoPing bool
}

// WithMailboxCapacity overrides Config.MailboxCapacity for one endpoint.
func WithMailboxCapacity(n int) EndpointOption {
	return func(o *endpointOptions) { o.capacity = n }
}

// WithAutoPing answers ping requests addressed to the endpoint with "pong"
// from inside Receive, so they never reach the caller.
func WithAutoPing() EndpointOption {
	return func(o *endpointOptions) { o.autoPing = true }
}

// Register claims addr on this node. A second registration of the same
// address fails with protocol.ErrAddressInUse and leaves the first intact.
func (n *Node) Register(addr protocol.Address, opts ...EndpointOption) (*Endpoint, error) {
	if addr.IsRoot() {
		return nil, fmt.Errorf("%w: cannot register the root address", protocol.ErrInvalidArgs)
	}
	if n.closed.Load() {
		return nil, ErrNodeClosed
	}
	o := endpointOptions{capacity: n.cfg.MailboxCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	m, err := n.registry.Register(addr, o.capacity)
	if err != nil {
		return nil, err
	}
	n.log.Debug().Str("addr", addr.String()).Int("capacity", m.Cap()).Msg("bus.Register endpoint")
	return &Endpoint{node: n, addr: addr, mbox: m, ping: o.autoPing}, nil
}

// Endpoints lists the registered addresses.
func (n *Node) Endpoints() []protocol.Address {
	return n.registry.Snapshot()
}

func (e *Endpoint) Address() protocol.Address  { return e.addr }
func (e *Endpoint) Node() *Node                { return e.node }
func (e *Endpoint) Mailbox() *endpoint.Mailbox { return e.mbox }

// Receive blocks for the next envelope addressed to this endpoint.
func (e *Endpoint) Receive(ctx context.Context) (*protocol.Envelope, error) {
	for {
		env, err := e.mbox.Receive(ctx)
		if err != nil || !e.ping || !isPing(env) {
			return env, err
		}
		if err := e.Reply(ctx, env, []byte("pong")); err != nil {
			e.node.log.Debug().Err(err).Str("addr", e.addr.String()).Str("to", env.Source.String()).Msg("bus.Endpoint auto ping reply failed")
		}
	}
}

func isPing(env *protocol.Envelope) bool {
	return env.Kind == protocol.KindRequest && strings.TrimSpace(string(env.Payload)) == CmdPing
}

func (e *Endpoint) newEnvelope(dst protocol.Address, kind protocol.Kind, payload []byte) *protocol.Envelope {
	return &protocol.Envelope{
		Source:      e.addr,
		Destination: dst,
		ID:          e.node.newMessageID(),
		Kind:        kind,
		HopLimit:    e.node.cfg.HopLimit,
		Payload:     payload,
		TraceID:     protocol.NewTraceID(),
	}
}

// Send delivers a one-way message. Errors reflect this node's view only:
// an unknown destination or a full queue toward it.
func (e *Endpoint) Send(ctx context.Context, dst protocol.Address, payload []byte) error {
	if dst.IsRoot() {
		return fmt.Errorf("%w: empty destination", protocol.ErrInvalidArgs)
	}
	env := e.newEnvelope(dst, protocol.KindOneWay, payload)
	_, err := e.node.deliver(ctx, env, "")
	return err
}

// Request sends payload to dst and waits for the correlated response.
// timeout <= 0 uses Config.RequestTimeout. A non-OK response comes back with
// a *protocol.StatusError that unwraps to the matching error kind.
func (e *Endpoint) Request(ctx context.Context, dst protocol.Address, payload []byte, timeout time.Duration) (*protocol.Envelope, error) {
	if dst.IsRoot() {
		return nil, fmt.Errorf("%w: empty destination", protocol.ErrInvalidArgs)
	}
	if timeout <= 0 {
		timeout = e.node.cfg.RequestTimeout
	}
	n := e.node
	env := e.newEnvelope(dst, protocol.KindRequest, payload)
	p := n.pending.add(env, timeout)
	// A full local mailbox may hold the first attempt, but never past the
	// request deadline.
	dctx, cancel := context.WithDeadline(ctx, p.deadline)
	via, err := n.deliver(dctx, env, "")
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s did not accept the request within %v", protocol.ErrTimeout, dst, timeout)
		}
		n.pending.cancel(p, err)
		return nil, err
	}
	n.pending.setVia(p, via)

	select {
	case r := <-p.done:
		if r.err != nil {
			return nil, r.err
		}
		return r.env, r.env.Err()
	case <-ctx.Done():
		n.pending.cancel(p, ctx.Err())
		return nil, ctx.Err()
	}
}

// Reply answers req with an OK response.
func (e *Endpoint) Reply(ctx context.Context, req *protocol.Envelope, payload []byte) error {
	return e.respond(ctx, req, protocol.StatusOK, "", payload)
}

// ReplyError answers req with the status matching err.
func (e *Endpoint) ReplyError(ctx context.Context, req *protocol.Envelope, err error) error {
	return e.respond(ctx, req, protocol.StatusFor(err), err.Error(), nil)
}

// ReplyStatus answers req with an explicit status.
func (e *Endpoint) ReplyStatus(ctx context.Context, req *protocol.Envelope, status protocol.StatusCode, msg string, payload []byte) error {
	return e.respond(ctx, req, status, msg, payload)
}

func (e *Endpoint) respond(ctx context.Context, req *protocol.Envelope, status protocol.StatusCode, msg string, payload []byte) error {
	if req.Kind != protocol.KindRequest {
		return fmt.Errorf("%w: cannot reply to %s", protocol.ErrInvalidArgs, req.Kind)
	}
	resp := protocol.ResponseTo(req, e.addr, status, msg, payload)
	resp.ID = e.node.newMessageID()
	resp.HopLimit = e.node.cfg.HopLimit
	e.node.dedup.remember(resp)
	_, err := e.node.deliver(ctx, resp.Clone(), "")
	return err
}

// Close unregisters the endpoint. Queued envelopes are kept for Receive
// under ShutdownDrain and dropped under ShutdownDiscard. Requests other
// local endpoints have outstanding against this address fail at once.
func (e *Endpoint) Close(policy endpoint.ShutdownPolicy) {
	n := e.node
	if !n.registry.Unregister(e.addr, e.mbox) {
		return
	}
	if dropped := e.mbox.Close(policy); dropped > 0 {
		n.metrics.DroppedN(observability.DropMailboxClosed, dropped)
	}
	n.pending.endpointGone(e.addr)
	n.log.Debug().Str("addr", e.addr.String()).Str("policy", policy.String()).Msg("bus.Endpoint.Close")
}
