package transport

import "errors"

var (
	errSocketClosed = errors.New("transport: socket closed")
	errOutboxFull   = errors.New("transport: outbox full")
)
