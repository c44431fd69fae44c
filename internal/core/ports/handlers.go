package ports

import (
	"fieldgw/internal/core/domain"
)

// SessionStatus is a point-in-time view of the gateway for the admin API.
type SessionStatus struct {
	SessionID   string               `json:"session_id"`
	DeviceID    string               `json:"device_id"`
	Version     string               `json:"version"`
	State       string               `json:"state"`
	SignalState string               `json:"signal_state"`
	Started     bool                 `json:"started"`
	Peers       []PeerStatus         `json:"peers"`
	Streams     []StreamStatus       `json:"streams"`
	Paths       []domain.NetworkPath `json:"paths"`
}

type StreamStatus struct {
	ID       int    `json:"id"`
	Protocol string `json:"protocol"`
	State    string `json:"state"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Bitrate  int    `json:"bitrate_kbps"`
	Master   string `json:"master,omitempty"`
}

type PeerStatus struct {
	ID         string `json:"id"`
	Permission string `json:"permission"`
}

type StatusProvider interface {
	Snapshot() SessionStatus
	Ready() bool
}
