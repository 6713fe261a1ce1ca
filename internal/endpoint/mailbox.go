// Package endpoint holds the node-local endpoint registry and the bounded
// mailboxes that deliver envelopes to local actors.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/swbus/internal/protocol"
)

var ErrMailboxClosed = errors.New("endpoint: mailbox closed")

// ShutdownPolicy decides what happens to queued envelopes on Close.
type ShutdownPolicy int

const (
	// ShutdownDrain lets the receiver consume what is already queued.
	ShutdownDrain ShutdownPolicy = iota
	// ShutdownDiscard drops queued envelopes.
	ShutdownDiscard
)

func (p ShutdownPolicy) String() string {
	if p == ShutdownDiscard {
		return "discard"
	}
	return "drain"
}

func ParseShutdownPolicy(raw string) (ShutdownPolicy, error) {
	switch raw {
	case "", "drain":
		return ShutdownDrain, nil
	case "discard":
		return ShutdownDiscard, nil
	default:
		return ShutdownDrain, fmt.Errorf("endpoint: unknown shutdown policy %q", raw)
	}
}

// Mailbox is an ordered bounded queue with a single consumer. Push blocks
// while the mailbox is full, so a slow consumer throttles its producers
// instead of losing envelopes.
type Mailbox struct {
	addr protocol.Address
	ch   chan *protocol.Envelope

	closeOnce sync.Once
	closed    chan struct{}
	policy    ShutdownPolicy
}

func NewMailbox(addr protocol.Address, capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Mailbox{
		addr:   addr,
		ch:     make(chan *protocol.Envelope, capacity),
		closed: make(chan struct{}),
	}
}

func (m *Mailbox) Address() protocol.Address { return m.addr }
func (m *Mailbox) Len() int                  { return len(m.ch) }
func (m *Mailbox) Cap() int                  { return cap(m.ch) }

// Closed is closed once Close has been called.
func (m *Mailbox) Closed() <-chan struct{} { return m.closed }

// Push enqueues env, blocking while the mailbox is full. It fails with
// ErrMailboxClosed after Close and with ctx.Err() when ctx ends first. An
// already expired ctx still enqueues when there is room.
func (m *Mailbox) Push(ctx context.Context, env *protocol.Envelope) error {
	select {
	case <-m.closed:
		return fmt.Errorf("%w: %s", ErrMailboxClosed, m.addr)
	default:
	}
	select {
	case m.ch <- env:
		return nil
	default:
	}
	select {
	case m.ch <- env:
		return nil
	case <-m.closed:
		return fmt.Errorf("%w: %s", ErrMailboxClosed, m.addr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues env only if there is room.
func (m *Mailbox) TryPush(env *protocol.Envelope) bool {
	select {
	case <-m.closed:
		return false
	default:
	}
	select {
	case m.ch <- env:
		return true
	default:
		return false
	}
}

// Receive returns the next envelope in arrival order. After Close with
// ShutdownDrain it keeps returning queued envelopes until the queue is
// empty, then ErrMailboxClosed.
func (m *Mailbox) Receive(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case env := <-m.ch:
		return env, nil
	default:
	}
	select {
	case env := <-m.ch:
		return env, nil
	case <-m.closed:
		if m.policy == ShutdownDrain {
			select {
			case env := <-m.ch:
				return env, nil
			default:
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrMailboxClosed, m.addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops further pushes and applies policy to what is queued. It
// returns the number of envelopes discarded.
func (m *Mailbox) Close(policy ShutdownPolicy) int {
	dropped := 0
	m.closeOnce.Do(func() {
		m.policy = policy
		close(m.closed)
		if policy != ShutdownDiscard {
			return
		}
		for {
			select {
			case <-m.ch:
				dropped++
			default:
				return
			}
		}
	})
	return dropped
}
