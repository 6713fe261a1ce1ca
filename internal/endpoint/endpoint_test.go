package endpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/swbus/internal/protocol"
	"github.com/danmuck/swbus/internal/testutil/testlog"
)

func env(id uint64) *protocol.Envelope {
	return &protocol.Envelope{
		Source:      protocol.MustParseAddress("rack0.client"),
		Destination: protocol.MustParseAddress("rack1.dpu0.ha"),
		ID:          id,
		Kind:        protocol.KindOneWay,
	}
}

func TestRegisterDuplicateLeavesRegistryUnchanged(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	a := protocol.MustParseAddress("rack1.dpu0.ha")
	first, err := r.Register(a, 4)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(a, 8); !errors.Is(err, protocol.ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
	got, ok := r.Lookup(a)
	if !ok || got != first || got.Cap() != 4 || r.Len() != 1 {
		t.Fatalf("registry changed by failed register")
	}
}

func TestUnregisterOnlyRemovesOwner(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	a := protocol.MustParseAddress("rack1.dpu0.ha")
	old, _ := r.Register(a, 1)
	if !r.Unregister(a, old) {
		t.Fatalf("expected unregister")
	}
	if _, ok := r.Lookup(a); ok {
		t.Fatalf("lookup after unregister should miss")
	}
	fresh, _ := r.Register(a, 1)
	if r.Unregister(a, old) {
		t.Fatalf("stale unregister removed successor")
	}
	if got, _ := r.Lookup(a); got != fresh {
		t.Fatalf("successor missing")
	}
}

func TestSnapshotSorted(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	for _, s := range []string{"b.x", "a.y", "a.b"} {
		if _, err := r.Register(protocol.MustParseAddress(s), 1); err != nil {
			t.Fatalf("register %s: %v", s, err)
		}
	}
	snap := r.Snapshot()
	if snap[0].String() != "a.b" || snap[2].String() != "b.x" {
		t.Fatalf("unexpected order: %v", snap)
	}
}

func TestMailboxOrderAndBackpressure(t *testing.T) {
	testlog.Start(t)
	m := NewMailbox(protocol.MustParseAddress("a"), 2)
	ctx := context.Background()
	if err := m.Push(ctx, env(1)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := m.Push(ctx, env(2)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if m.TryPush(env(3)) {
		t.Fatalf("TryPush should fail when full")
	}

	pushed := make(chan error, 1)
	go func() { pushed <- m.Push(ctx, env(3)) }()
	select {
	case <-pushed:
		t.Fatalf("push into a full mailbox must block")
	case <-time.After(30 * time.Millisecond):
	}

	for want := uint64(1); want <= 3; want++ {
		got, err := m.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if got.ID != want {
			t.Fatalf("out of order: got %d want %d", got.ID, want)
		}
		if want == 1 {
			if err := <-pushed; err != nil {
				t.Fatalf("blocked push failed: %v", err)
			}
		}
	}

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := m.Receive(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMailboxDrainPolicy(t *testing.T) {
	testlog.Start(t)
	m := NewMailbox(protocol.MustParseAddress("a"), 4)
	ctx := context.Background()
	_ = m.Push(ctx, env(1))
	_ = m.Push(ctx, env(2))
	if dropped := m.Close(ShutdownDrain); dropped != 0 {
		t.Fatalf("drain dropped %d", dropped)
	}
	if err := m.Push(ctx, env(3)); !errors.Is(err, ErrMailboxClosed) {
		t.Fatalf("expected ErrMailboxClosed, got %v", err)
	}
	for want := uint64(1); want <= 2; want++ {
		got, err := m.Receive(ctx)
		if err != nil || got.ID != want {
			t.Fatalf("drain receive got=%v err=%v", got, err)
		}
	}
	if _, err := m.Receive(ctx); !errors.Is(err, ErrMailboxClosed) {
		t.Fatalf("expected ErrMailboxClosed after drain, got %v", err)
	}
}

func TestMailboxDiscardPolicy(t *testing.T) {
	testlog.Start(t)
	m := NewMailbox(protocol.MustParseAddress("a"), 4)
	ctx := context.Background()
	_ = m.Push(ctx, env(1))
	_ = m.Push(ctx, env(2))
	if dropped := m.Close(ShutdownDiscard); dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}
	if _, err := m.Receive(ctx); !errors.Is(err, ErrMailboxClosed) {
		t.Fatalf("expected ErrMailboxClosed, got %v", err)
	}
}

func TestCloseUnblocksProducer(t *testing.T) {
	testlog.Start(t)
	m := NewMailbox(protocol.MustParseAddress("a"), 1)
	ctx := context.Background()
	_ = m.Push(ctx, env(1))
	done := make(chan error, 1)
	go func() { done <- m.Push(ctx, env(2)) }()
	time.Sleep(10 * time.Millisecond)
	m.Close(ShutdownDiscard)
	select {
	case err := <-done:
		if !errors.Is(err, ErrMailboxClosed) {
			t.Fatalf("expected ErrMailboxClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("producer stayed blocked after close")
	}
}
