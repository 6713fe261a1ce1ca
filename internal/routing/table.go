// Package routing holds the bus routing table: a trie over address segments
// answering longest-prefix-match lookups.
package routing

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/swbus/internal/protocol"
)

type Origin string

const (
	OriginLocal      Origin = "local"
	OriginConfigured Origin = "configured"
	OriginLearned    Origin = "learned"
)

// NextHop is either this node or a session id. Entries hold the id, not the
// session, so the table never keeps a closed session alive.
type NextHop struct {
	Local   bool   `json:"local,omitempty"`
	Session string `json:"session,omitempty"`
}

func LocalHop() NextHop            { return NextHop{Local: true} }
func SessionHop(id string) NextHop { return NextHop{Session: id} }

func (h NextHop) String() string {
	if h.Local {
		return "local"
	}
	return "session:" + h.Session
}

// Entry is one route. Seq is the install sequence assigned by the table;
// when prefix length and cost tie, the lower Seq wins.
type Entry struct {
	Prefix  protocol.Address `json:"prefix"`
	NextHop NextHop          `json:"next_hop"`
	Cost    uint32           `json:"cost"`
	Origin  Origin           `json:"origin"`
	Seq     uint64           `json:"seq"`
}

func (e Entry) String() string {
	return fmt.Sprintf("%s via %s cost=%d origin=%s", e.Prefix, e.NextHop, e.Cost, e.Origin)
}

type node struct {
	children map[string]*node
	entries  []Entry
}

func (n *node) child(seg string, create bool) *node {
	if c, ok := n.children[seg]; ok {
		return c
	}
	if !create {
		return nil
	}
	if n.children == nil {
		n.children = make(map[string]*node)
	}
	c := &node{}
	n.children[seg] = c
	return c
}

// Table is safe for concurrent use. Lookups return copies, so a caller
// holding a result is unaffected by later table changes.
type Table struct {
	mu   sync.RWMutex
	root node
	seq  uint64
	size int
}

func NewTable() *Table {
	return &Table{}
}

// Add installs e, replacing any entry with the same prefix and next hop.
// A replacement keeps the original Seq so a refreshed route does not lose
// its age.
func (t *Table) Add(e Entry) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(e)
}

func (t *Table) addLocked(e Entry) Entry {
	n := &t.root
	for _, seg := range e.Prefix.Segments() {
		n = n.child(seg, true)
	}
	for i := range n.entries {
		if n.entries[i].NextHop == e.NextHop {
			e.Seq = n.entries[i].Seq
			n.entries[i] = e
			return e
		}
	}
	t.seq++
	e.Seq = t.seq
	n.entries = append(n.entries, e)
	t.size++
	return e
}

// Remove deletes the entry for prefix via hop.
func (t *Table) Remove(prefix protocol.Address, hop NextHop) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.find(prefix)
	if n == nil {
		return false
	}
	for i := range n.entries {
		if n.entries[i].NextHop == hop {
			n.entries = append(n.entries[:i], n.entries[i+1:]...)
			t.size--
			return true
		}
	}
	return false
}

// RemoveNextHop deletes every entry through hop and returns them.
func (t *Table) RemoveNextHop(hop NextHop) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeWhere(func(e Entry) bool { return e.NextHop == hop })
}

// ReplaceNextHop swaps the entries of one origin through hop for entries,
// leaving the other origins through hop untouched. It is the incremental
// recompute path when a neighbor's configured prefixes change.
func (t *Table) ReplaceNextHop(hop NextHop, origin Origin, entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	keep := make(map[protocol.Address]bool, len(entries))
	for _, e := range entries {
		keep[e.Prefix] = true
	}
	t.removeWhere(func(e Entry) bool {
		return e.NextHop == hop && e.Origin == origin && !keep[e.Prefix]
	})
	for _, e := range entries {
		e.NextHop = hop
		e.Origin = origin
		t.addLocked(e)
	}
}

func (t *Table) removeWhere(match func(Entry) bool) []Entry {
	var removed []Entry
	var walk func(n *node) bool
	walk = func(n *node) bool {
		kept := n.entries[:0]
		for _, e := range n.entries {
			if match(e) {
				removed = append(removed, e)
				continue
			}
			kept = append(kept, e)
		}
		n.entries = kept
		for seg, c := range n.children {
			if walk(c) {
				delete(n.children, seg)
			}
		}
		return len(n.entries) == 0 && len(n.children) == 0
	}
	walk(&t.root)
	t.size -= len(removed)
	return removed
}

func (t *Table) find(prefix protocol.Address) *node {
	n := &t.root
	for _, seg := range prefix.Segments() {
		if n = n.child(seg, false); n == nil {
			return nil
		}
	}
	return n
}

// Lookup returns the best entry for dst: the longest matching prefix, then
// the lowest cost, then the oldest entry. It fails with
// protocol.ErrUnreachable when nothing matches.
func (t *Table) Lookup(dst protocol.Address) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best := t.root.entries
	n := &t.root
	for _, seg := range dst.Segments() {
		if n = n.child(seg, false); n == nil {
			break
		}
		if len(n.entries) > 0 {
			best = n.entries
		}
	}
	if len(best) == 0 {
		return Entry{}, fmt.Errorf("%w: no route to %s", protocol.ErrUnreachable, dst)
	}
	pick := best[0]
	for _, e := range best[1:] {
		if e.Cost < pick.Cost || (e.Cost == pick.Cost && e.Seq < pick.Seq) {
			pick = e
		}
	}
	return pick, nil
}

// Snapshot returns all entries ordered by prefix, then cost, then age.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, t.size)
	var walk func(n *node)
	walk = func(n *node) {
		out = append(out, n.entries...)
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(&t.root)
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Prefix != b.Prefix {
			return a.Prefix.String() < b.Prefix.String()
		}
		if a.Cost != b.Cost {
			return a.Cost < b.Cost
		}
		return a.Seq < b.Seq
	})
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}
