package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/swbus/internal/protocol"
	"github.com/rs/zerolog"
)

// Context is handed to a handler for one envelope. It is only valid on the
// actor goroutine for the duration of that call.
type Context struct {
	ctx     context.Context
	ref     *Ref
	env     *protocol.Envelope
	replied bool
}

func (a *Ref) newContext(ctx context.Context, env *protocol.Envelope) *Context {
	return &Context{ctx: ctx, ref: a, env: env}
}

func (c *Context) Context() context.Context     { return c.ctx }
func (c *Context) Self() protocol.Address       { return c.ref.Address() }
func (c *Context) Envelope() *protocol.Envelope { return c.env }
func (c *Context) Logger() zerolog.Logger       { return c.ref.log }

// Reply answers the current request with an OK status.
func (c *Context) Reply(payload []byte) error {
	return c.reply(protocol.StatusOK, "", payload)
}

// ReplyError answers the current request with the status matching err.
func (c *Context) ReplyError(err error) error {
	return c.reply(protocol.StatusFor(err), err.Error(), nil)
}

func (c *Context) reply(status protocol.StatusCode, msg string, payload []byte) error {
	if c.env == nil || c.env.Kind != protocol.KindRequest {
		return fmt.Errorf("%w: nothing to reply to", protocol.ErrInvalidArgs)
	}
	if c.replied {
		return fmt.Errorf("%w: request %d already answered", protocol.ErrInvalidArgs, c.env.ID)
	}
	c.replied = true
	return c.ref.ep.ReplyStatus(c.ctx, c.env, status, msg, payload)
}

// Send delivers a one-way message from this actor.
func (c *Context) Send(dst protocol.Address, payload []byte) error {
	return c.ref.ep.Send(c.ctx, dst, payload)
}

// Request sends a request from this actor and blocks the actor until the
// response arrives or timeout passes.
func (c *Context) Request(ctx context.Context, dst protocol.Address, payload []byte, timeout time.Duration) (*protocol.Envelope, error) {
	return c.ref.ep.Request(ctx, dst, payload, timeout)
}

// SetTimer schedules a KindTimer envelope carrying name after d, every d when
// repeat is set. Setting an existing name replaces it.
func (c *Context) SetTimer(name string, d time.Duration, repeat bool) {
	c.ref.setTimer(name, d, repeat)
}

// CancelTimer stops the named timer. A tick already queued is not handled.
func (c *Context) CancelTimer(name string) bool {
	return c.ref.cancelTimer(name)
}

// Stop asks the actor to stop after the current envelope.
func (c *Context) Stop() {
	c.ref.Stop()
}
