package domain

import "time"

type DeviceID string

type RemotePeer struct {
	ID         DeviceID
	Permission Permission
	JoinedAt   time.Time
}

// PermissionChange is one entry of a permission update.
type PermissionChange struct {
	Peer DeviceID
	From Permission
	To   Permission
}

// PermissionRequest is a remote operator asking for a permission level.
type PermissionRequest struct {
	Peer       DeviceID
	Permission Permission
}
