// Package peer emulates the remote end of a hexlink notification link.
//
// A Responder maps requests to scripted notification frames (by exact frame
// or by correlation key), with optional delay and dropped first matches so
// retry paths can be exercised. Server exposes a Responder over websocket:
// binary messages carry raw frame bytes, text messages carry hex wire text
// and are answered in kind.
//
// Routes:
// - GET /ws      notification link
// - GET /healthz liveness
// - GET /metrics prometheus exposition
package peer
