package domain

import fgerrors "fieldgw/pkg/errors"

// SignalEvent reports a signaling state transition. Err explains terminal
// states and is nil otherwise.
type SignalEvent struct {
	State SignalState
	Err   error
}

// ErrorEvent is an asynchronous failure report.
type ErrorEvent struct {
	Code    fgerrors.Code
	Message string
}

// WireCode is the negated numeric code used on error callbacks.
func (e ErrorEvent) WireCode() int32 {
	return -e.Code.Value()
}

// LogEvent is an SDK log line.
type LogEvent struct {
	Level   LogLevel
	Message string
}
