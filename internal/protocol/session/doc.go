// Package session owns one transport connection between two bus nodes.
//
// Ownership boundary:
// - transport connect (TCP or TLS) and the hello handshake
// - keepalive and the Connecting/Established/Degraded/Closed lifecycle
// - the bounded, ordered send queue and the inbound read loop
// - reconnect backoff primitives
//
// Routing decisions and the choice to abandon a neighbor belong to the bus
// node, not to this package.
package session
