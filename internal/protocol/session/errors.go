package session

import "errors"

var (
	ErrRequestTimeout   = errors.New("session: request timeout")
	ErrRetriesExhausted = errors.New("session: retries exhausted")
	ErrChannelClosed    = errors.New("session: channel closed")
	ErrTransport        = errors.New("session: transport error")
	ErrInvalidPolicy    = errors.New("session: invalid retry policy")
	ErrWaiterAbandoned  = errors.New("session: waiter abandoned")
	ErrWaiterPending    = errors.New("session: waiter pending")
)
