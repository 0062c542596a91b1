// Package queue implements the outbound delivery queue used by the cloud
// uplink.
//
// The queue sits between event producers (device state, rule firings) and a
// pluggable transport. It buffers messages, applies a dynamically-changing
// admissibility filter, bounds in-flight concurrency, tracks per-message reply
// timeouts, and retries with a budget. Every message's lifecycle terminates
// exactly once, either through the delegate's Notify hook or by handing
// ownership back to the caller from Completed.
//
// # Sets
//
// A queued message lives in exactly one place at a time:
//
//   - pending: everything accepted but not yet dispatched, in insertion order.
//     Entries currently passing the delegate's filter are flagged admissible;
//     the worker dispatches the admissible subset in FIFO order.
//   - in-flight: dispatched messages that expect a reply, keyed by ID, each
//     with a running reply deadline.
//
// Membership is tracked with an explicit per-message state tag, never by
// holding the same pointer in two containers.
//
// # Concurrency
//
// A single worker goroutine runs the dispatch loop. Arbitrary goroutines may
// call Append, Remove, Clear, Completed, RunFilter and Contains concurrently.
// One mutex guards the sets; the only unlocked section is the delegate's
// Process call, which may block on real I/O. That unlocked window is what
// allows Completed to run from the transport's read loop while a send is
// still on the wire. Remove, Clear and Contains wait for an in-progress
// Process call to settle before touching the sets, so a message is never
// finalized while the transport still references it.
//
// # Volatility
//
// The queue is deliberately in-memory. Messages in flight at shutdown are
// lost; durability comes from producers re-emitting unsynced state, not from
// this queue.
package queue
