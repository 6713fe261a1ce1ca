package bus

import (
	"time"

	"github.com/danmuck/swbus/internal/protocol/session"
	"github.com/danmuck/swbus/internal/routing"
)

// Snapshot is a point-in-time view of a node for operators and tests.
type Snapshot struct {
	Identity   string             `json:"identity"`
	InstanceID string             `json:"instance_id"`
	Listen     string             `json:"listen,omitempty"`
	TakenAt    time.Time          `json:"taken_at"`
	Routes     []routing.Entry    `json:"routes"`
	Sessions   []session.Info     `json:"sessions"`
	Neighbors  map[string]string  `json:"neighbors"`
	Endpoints  []string           `json:"endpoints"`
	Pending    []PendingInfo      `json:"pending"`
	DedupSize  int                `json:"dedup_size"`
	Counters   map[string]float64 `json:"counters"`
}

func (n *Node) Snapshot() Snapshot {
	snap := Snapshot{
		Identity:   n.cfg.Identity.String(),
		InstanceID: n.instance,
		TakenAt:    time.Now(),
		Routes:     n.routes.Snapshot(),
		Sessions:   n.Sessions(),
		Neighbors:  n.Neighbors(),
		Pending:    n.pending.snapshot(),
		DedupSize:  n.dedup.Len(),
		Counters:   n.metrics.Counters(),
	}
	if addr := n.Addr(); addr != nil {
		snap.Listen = addr.String()
	}
	for _, a := range n.Endpoints() {
		snap.Endpoints = append(snap.Endpoints, a.String())
	}
	return snap
}

// Pending lists outstanding requests.
func (n *Node) Pending() []PendingInfo {
	return n.pending.snapshot()
}
