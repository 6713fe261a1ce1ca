// Package actor runs message handlers on top of bus endpoints.
//
// Each actor owns one registered address and one goroutine. Envelopes are
// handled strictly one at a time in mailbox order; timers are delivered as
// KindTimer envelopes through the same mailbox so a handler never runs
// concurrently with itself.
package actor
