package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"fieldgw/internal/core/domain"
)

// Message types exchanged between devices and the rendezvous server.
const (
	TypeLogin             = "login"
	TypeLoginAck          = "login_ack"
	TypeLoginFailed       = "login_failed"
	TypeKickout           = "kickout"
	TypePeers             = "peers"
	TypePeerJoined        = "peer_joined"
	TypePeerLeft          = "peer_left"
	TypeControl           = "control"
	TypePermissionRequest = "permission_request"
	TypePermissionUpdate  = "permission_update"
	TypeOffer             = "offer"
	TypeAnswer            = "answer"
	TypeICE               = "ice"
	TypeError             = "error"
)

// Login roles.
const (
	RoleField  = "field"
	RoleRemote = "remote"
)

// Login failure reasons carried in ErrorPayload.Reason.
const (
	ReasonCredentials = "credentials"
	ReasonExpired     = "token_expired"
	ReasonBadRequest  = "bad_request"
)

// Message is the JSON envelope of every websocket text frame. PeerID is the
// sender on frames from the server and the target on frames to it.
type Message struct {
	Type    string          `json:"type"`
	PeerID  domain.DeviceID `json:"peer_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type LoginPayload struct {
	ProjectID string          `json:"projectid"`
	DeviceID  domain.DeviceID `json:"device_id"`
	Password  string          `json:"password,omitempty"`
	Token     string          `json:"token,omitempty"`
	Role      string          `json:"role"`
	// FieldID is the field device a remote operator attaches to.
	FieldID domain.DeviceID `json:"field_id,omitempty"`
}

type LoginAckPayload struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type PeersPayload struct {
	Peers []domain.DeviceID `json:"peers"`
}

type ControlPayload struct {
	Data []byte     `json:"data"`
	QoS  domain.QoS `json:"qos"`
}

type PermissionRequestPayload struct {
	Permission domain.Permission `json:"permission"`
}

type PermissionChangePayload struct {
	Peer domain.DeviceID   `json:"peer"`
	From domain.Permission `json:"from"`
	To   domain.Permission `json:"to"`
}

type PermissionUpdatePayload struct {
	Changes []PermissionChangePayload `json:"changes"`
}

// MediaSignalPayload carries SDP or a JSON encoded ICE candidate.
type MediaSignalPayload struct {
	Data string `json:"data"`
}

func isMediaSignal(typ string) bool {
	return typ == TypeOffer || typ == TypeAnswer || typ == TypeICE
}

type ErrorPayload struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func newMessage(typ string, peer domain.DeviceID, payload interface{}) (Message, error) {
	msg := Message{Type: typ, PeerID: peer}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	msg.Payload = raw
	return msg, nil
}

func decodePayload(msg Message, v interface{}) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%s: payload is required", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", msg.Type, err)
	}
	return nil
}

func toChangePayloads(changes []domain.PermissionChange) []PermissionChangePayload {
	out := make([]PermissionChangePayload, len(changes))
	for i, c := range changes {
		out[i] = PermissionChangePayload{Peer: c.Peer, From: c.From, To: c.To}
	}
	return out
}
