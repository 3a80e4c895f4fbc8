// Package link is the client-side facade over one notification link: it
// owns the transport connection, the correlation channel, user callbacks and
// request tracing.
//
// Lifecycle:
// - New binds a transport.Conn; nothing is sent yet
// - Start serves inbound frames; Send and Request become available
// - a transport disconnect fails pending requests with
//   session.ErrChannelClosed, then calls the disconnect handler
package link
