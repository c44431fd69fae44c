package domain

import "fmt"

// ConnState is the connection state of the session or of one stream.
type ConnState int

const (
	Disconnected  ConnState = 0
	Connecting    ConnState = 1
	Connected     ConnState = 2
	Disconnecting ConnState = 3
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("conn_state(%d)", int(s))
}

// SignalState is the state of the signaling channel.
type SignalState int

const (
	SignalReady      SignalState = 0
	SignalLost       SignalState = 1
	SignalReup       SignalState = 2
	SignalKickout    SignalState = 3
	SignalAuthFailed SignalState = 4
)

// Terminal states never recover on their own.
func (s SignalState) Terminal() bool {
	return s == SignalKickout || s == SignalAuthFailed
}

// Usable reports whether the channel can carry traffic in this state.
func (s SignalState) Usable() bool {
	return s == SignalReady || s == SignalReup
}

func (s SignalState) String() string {
	switch s {
	case SignalReady:
		return "ready"
	case SignalLost:
		return "lost"
	case SignalReup:
		return "reup"
	case SignalKickout:
		return "kickout"
	case SignalAuthFailed:
		return "auth_failed"
	}
	return fmt.Sprintf("signal_state(%d)", int(s))
}

// Permission of a remote operator.
type Permission int

const (
	PermissionGuest  Permission = 0
	PermissionMaster Permission = 1
)

func (p Permission) Valid() bool {
	return p == PermissionGuest || p == PermissionMaster
}

func (p Permission) String() string {
	if p == PermissionMaster {
		return "master"
	}
	return "guest"
}

// LogLevel of entries delivered to the log sink.
type LogLevel int

const (
	LogInfo    LogLevel = 1
	LogWarning LogLevel = 2
	LogError   LogLevel = 3
)
