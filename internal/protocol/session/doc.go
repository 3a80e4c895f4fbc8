// Package session owns request/response correlation over a notification link.
//
// Ownership boundary:
// - single-shot waiters and the key -> waiter registry
// - inbound notification sink and its append-only log
// - one-attempt request channel and the bounded retry combinator
//
// A request and its response carry the same correlation key at a fixed byte
// window (frame.KeySpec, bytes 1..2 unless configured). Requests on one Channel are half-duplex: at most
// one outstanding request at a time.
//
// Known race: retries resend the same bytes under the same key, so a response
// to attempt k that lands after attempt k+1 registered is attributed to k+1.
// Fixing it needs per-attempt tokens on the wire, which the peer protocol
// does not carry.
package session
