// Package msession is a client-side session layer for backends that stream
// long-running analysis work over Server-Sent Events.
//
// The backend schedules a unit of work per assistant turn and pushes typed
// events (progress snapshots, step updates, a terminal result) on a
// per-work stream. This package owns the client half of that protocol:
// dispatching work, subscribing to its stream with reconnect + backoff,
// reattaching to work that was already running before the current process
// started observing it, and settling final state through a point-in-time
// status fetch when the stream can no longer be observed.
//
// All state lives in a Store of conversation turns, mutated exclusively
// through Store.Patch keyed by turn id. Progress events carry full
// snapshots, never deltas, so a resumed or reconnected subscription needs
// no offset tracking: the server replays accumulated state before live
// events, and applying a stale snapshot is harmless.
//
// The backend is addressed only through the Backend interface; package
// httpapi provides the HTTP/SSE implementation.
package msession
