package endpoint

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/swbus/internal/protocol"
)

// Registry maps local addresses to their mailboxes.
type Registry struct {
	mu    sync.RWMutex
	boxes map[protocol.Address]*Mailbox
}

func NewRegistry() *Registry {
	return &Registry{boxes: make(map[protocol.Address]*Mailbox)}
}

// Register creates a mailbox for addr. A taken address fails with
// protocol.ErrAddressInUse and leaves the registry unchanged.
func (r *Registry) Register(addr protocol.Address, capacity int) (*Mailbox, error) {
	if addr.IsRoot() {
		return nil, fmt.Errorf("%w: root is not an endpoint", protocol.ErrMalformedAddress)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.boxes[addr]; taken {
		return nil, fmt.Errorf("%w: %s", protocol.ErrAddressInUse, addr)
	}
	m := NewMailbox(addr, capacity)
	r.boxes[addr] = m
	return m, nil
}

// Unregister removes addr only if it still maps to m, so a late unregister
// from a stopped endpoint never removes its successor.
func (r *Registry) Unregister(addr protocol.Address, m *Mailbox) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.boxes[addr]
	if !ok || (m != nil && cur != m) {
		return false
	}
	delete(r.boxes, addr)
	return true
}

func (r *Registry) Lookup(addr protocol.Address) (*Mailbox, bool) {
	r.mu.RLock()
	m, ok := r.boxes[addr]
	r.mu.RUnlock()
	return m, ok
}

// Snapshot returns the registered addresses in sorted order.
func (r *Registry) Snapshot() []protocol.Address {
	r.mu.RLock()
	out := make([]protocol.Address, 0, len(r.boxes))
	for a := range r.boxes {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.boxes)
}
