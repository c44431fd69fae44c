package domain

import "errors"

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrStreamExists   = errors.New("stream already exists")
	ErrPeerNotFound   = errors.New("peer not found")
	ErrDeviceOnline   = errors.New("device already online")
)

var (
	// ErrTransportFull is returned by transports when the send buffer is exhausted.
	ErrTransportFull = errors.New("transport send buffer full")
	ErrNoReceivers   = errors.New("no receiver connected")
	ErrClosed        = errors.New("closed")
)
