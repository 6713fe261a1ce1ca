package actor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/swbus/internal/bus"
	"github.com/danmuck/swbus/internal/endpoint"
	"github.com/danmuck/swbus/internal/logging"
	"github.com/danmuck/swbus/internal/protocol"
	"github.com/rs/zerolog"
)

var ErrRuntimeClosed = errors.New("actor: runtime shut down")

type spawnOptions struct {
	capacity int
	policy   endpoint.ShutdownPolicy
	autoPing bool
}

type Option func(*spawnOptions)

// WithMailboxCapacity bounds the actor mailbox; zero uses the node default.
func WithMailboxCapacity(n int) Option {
	return func(o *spawnOptions) { o.capacity = n }
}

// WithShutdownPolicy picks what happens to queued envelopes on Stop.
func WithShutdownPolicy(p endpoint.ShutdownPolicy) Option {
	return func(o *spawnOptions) { o.policy = p }
}

// WithAutoPing lets the endpoint answer ping requests itself; the handler
// never sees them.
func WithAutoPing() Option {
	return func(o *spawnOptions) { o.autoPing = true }
}

// Runtime spawns and tracks the actors hosted on one node.
type Runtime struct {
	node *bus.Node
	log  zerolog.Logger

	mu     sync.Mutex
	actors map[protocol.Address]*Ref
	closed bool
}

func NewRuntime(node *bus.Node) *Runtime {
	return &Runtime{
		node:   node,
		log:    logging.Component("actor").With().Str("node", node.Identity().String()).Logger(),
		actors: make(map[protocol.Address]*Ref),
	}
}

// Spawn registers addr on the node and starts h on it.
func (r *Runtime) Spawn(addr protocol.Address, h Handler, opts ...Option) (*Ref, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", protocol.ErrInvalidArgs)
	}
	o := spawnOptions{policy: endpoint.ShutdownDrain}
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRuntimeClosed
	}
	var epOpts []bus.EndpointOption
	if o.capacity > 0 {
		epOpts = append(epOpts, bus.WithMailboxCapacity(o.capacity))
	}
	if o.autoPing {
		epOpts = append(epOpts, bus.WithAutoPing())
	}
	ep, err := r.node.Register(addr, epOpts...)
	if err != nil {
		return nil, err
	}
	a := &Ref{
		rt:      r,
		ep:      ep,
		handler: h,
		policy:  o.policy,
		log:     r.log.With().Str("actor", addr.String()).Logger(),
		timers:  make(map[string]*timer),
	}
	r.actors[addr] = a
	a.t.Go(a.loop)
	a.log.Debug().Str("policy", o.policy.String()).Msg("actor.Spawn started")
	return a, nil
}

func (r *Runtime) remove(a *Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actors[a.Address()] == a {
		delete(r.actors, a.Address())
	}
}

func (r *Runtime) Lookup(addr protocol.Address) (*Ref, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[addr]
	return a, ok
}

// Actors lists live actor addresses in order.
func (r *Runtime) Actors() []protocol.Address {
	r.mu.Lock()
	out := make([]protocol.Address, 0, len(r.actors))
	for addr := range r.actors {
		out = append(out, addr)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Shutdown stops every actor and waits for them until ctx ends. Actors still
// running when ctx ends are killed.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	refs := make([]*Ref, 0, len(r.actors))
	for _, a := range r.actors {
		refs = append(refs, a)
	}
	r.mu.Unlock()

	for _, a := range refs {
		a.Stop()
	}
	for _, a := range refs {
		select {
		case <-a.Done():
		case <-ctx.Done():
			for _, k := range refs {
				k.t.Kill(nil)
			}
			r.log.Warn().Err(ctx.Err()).Msg("actor.Runtime.Shutdown killed remaining actors")
			return ctx.Err()
		}
	}
	r.log.Info().Int("actors", len(refs)).Msg("actor.Runtime.Shutdown done")
	return nil
}
