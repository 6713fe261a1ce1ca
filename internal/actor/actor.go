package actor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/danmuck/swbus/internal/bus"
	"github.com/danmuck/swbus/internal/endpoint"
	"github.com/danmuck/swbus/internal/protocol"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"
)

// Handler processes one envelope. Returning an error for a request that was
// not answered sends the requester a failure response.
type Handler interface {
	Receive(ctx *Context, env *protocol.Envelope) error
}

type HandlerFunc func(ctx *Context, env *protocol.Envelope) error

func (f HandlerFunc) Receive(ctx *Context, env *protocol.Envelope) error { return f(ctx, env) }

// Starter runs before the first envelope. An error stops the actor.
type Starter interface {
	Started(ctx *Context) error
}

// Stopper runs once after the last envelope.
type Stopper interface {
	Stopped(ctx *Context)
}

// Ref is a handle to a spawned actor.
type Ref struct {
	rt      *Runtime
	ep      *bus.Endpoint
	handler Handler
	policy  endpoint.ShutdownPolicy
	log     zerolog.Logger

	t        tomb.Tomb
	stopOnce sync.Once

	timersMu sync.Mutex
	timers   map[string]*timer
	timerSeq uint64
}

func (a *Ref) Address() protocol.Address { return a.ep.Address() }

// Done is closed once the actor goroutine and its timers have exited.
func (a *Ref) Done() <-chan struct{} { return a.t.Dead() }

// Wait blocks until the actor is gone and returns why it stopped; nil for a
// requested stop.
func (a *Ref) Wait() error { return a.t.Wait() }

// Stop unregisters the actor. With ShutdownDrain the envelopes already
// queued are still handled; with ShutdownDiscard they are dropped and the
// actor exits after the current one.
func (a *Ref) Stop() {
	a.stopOnce.Do(func() {
		a.ep.Close(a.policy)
		if a.policy == endpoint.ShutdownDiscard {
			a.t.Kill(nil)
		}
	})
}

func (a *Ref) loop() error {
	ctx := a.t.Context(nil)
	defer a.cleanup(ctx)

	if s, ok := a.handler.(Starter); ok {
		if err := s.Started(a.newContext(ctx, nil)); err != nil {
			a.log.Warn().Err(err).Msg("actor.Started failed")
			return fmt.Errorf("actor %s start: %w", a.Address(), err)
		}
	}
	for {
		env, err := a.ep.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, endpoint.ErrMailboxClosed) {
				return nil
			}
			return err
		}
		if err := a.handle(ctx, env); err != nil {
			return err
		}
	}
}

func (a *Ref) cleanup(ctx context.Context) {
	a.stopTimers()
	a.stopOnce.Do(func() { a.ep.Close(endpoint.ShutdownDiscard) })
	if s, ok := a.handler.(Stopper); ok {
		s.Stopped(a.newContext(context.WithoutCancel(ctx), nil))
	}
	a.rt.remove(a)
	a.log.Debug().Msg("actor.loop stopped")
}

// handle runs the handler for env. Only a panic is returned; it ends the
// actor.
func (a *Ref) handle(ctx context.Context, env *protocol.Envelope) (err error) {
	if env.Kind == protocol.KindTimer && !a.fireTimer(env) {
		return nil
	}
	c := a.newContext(ctx, env)
	defer func() {
		if p := recover(); p != nil {
			a.rt.node.Metrics().ActorPanic()
			err = fmt.Errorf("%w: panic in %s: %v", protocol.ErrHandler, a.Address(), p)
			a.log.Error().Err(err).Str("stack", string(debug.Stack())).Msg("actor.handle panic")
			if env.Kind == protocol.KindRequest && !c.replied {
				_ = c.reply(protocol.StatusHandlerError, err.Error(), nil)
			}
		}
	}()

	if herr := a.handler.Receive(c, env); herr != nil {
		a.log.Debug().Err(herr).Str("kind", env.Kind.String()).Uint64("id", env.ID).Msg("actor.handle handler error")
		if env.Kind == protocol.KindRequest && !c.replied {
			status := protocol.StatusHandlerError
			if errors.Is(herr, protocol.ErrInvalidArgs) {
				status = protocol.StatusInvalidArgs
			}
			if rerr := c.reply(status, herr.Error(), nil); rerr != nil {
				a.log.Debug().Err(rerr).Msg("actor.handle error reply failed")
			}
		}
	}
	return nil
}
