// Package bus implements a bus node: it owns an identity prefix, hosts local
// endpoints, keeps sessions to its neighbors and moves envelopes between
// them.
//
// Outbound envelopes are handed to a local mailbox when the destination is
// registered on this node and routed through a neighbor session otherwise.
// Requests are tracked in a deadline-ordered pending table that retries a
// lost attempt with the same message id; receivers suppress the duplicate
// and answer from a short-lived response cache.
//
// A Node has no package-level state, so several can run in one process.
package bus
