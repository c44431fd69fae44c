package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	"fieldgw/internal/core/services"
	"fieldgw/internal/infrastructure/distributed"
	"fieldgw/pkg/config"
	"fieldgw/pkg/tracing"
	"fieldgw/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxMessageBytes = 64 * 1024

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // devices do not send an Origin header
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

var (
	errNoTarget  = errors.New("no receiver for message")
	errForbidden = errors.New("message not allowed for role")
	errSlowPeer  = errors.New("send buffer full")
)

type deviceKey struct {
	project string
	device  domain.DeviceID
}

type serverConn struct {
	id      string
	ws      *websocket.Conn
	key     deviceKey
	role    string
	field   domain.DeviceID
	send    chan Message
	limiter *rate.Limiter

	quit      chan struct{}
	closeOnce sync.Once
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() { close(c.quit) })
}

// WebSocketServer is the rendezvous server. Field devices and remote
// operators log in over one websocket each; control data, presence and
// permission traffic is routed between a field device and its remotes.
type WebSocketServer struct {
	cfg      *config.ServerConfig
	auth     services.AuthService
	presence ports.PresenceRepository
	bus      *distributed.EventBus

	mu      sync.RWMutex
	conns   map[string]*serverConn
	devices map[deviceKey]*serverConn

	logger *zap.SugaredLogger
}

// NewWebSocketServer creates the server. bus may be nil for a single instance.
func NewWebSocketServer(cfg *config.ServerConfig, auth services.AuthService, presence ports.PresenceRepository, bus *distributed.EventBus, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		cfg:      cfg,
		auth:     auth,
		presence: presence,
		bus:      bus,
		conns:    make(map[string]*serverConn),
		devices:  make(map[deviceKey]*serverConn),
		logger:   logger,
	}
}

// RunEventBus applies kicks published by other instances until ctx is done.
func (s *WebSocketServer) RunEventBus(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Subscribe(ctx, func(e *distributed.Event) error {
		if e.Type != distributed.EventKick {
			return nil
		}
		s.mu.RLock()
		c, ok := s.conns[e.ConnID]
		s.mu.RUnlock()
		if ok {
			s.logger.Infow("kicking device on remote login", "device_id", e.DeviceID, "conn_id", e.ConnID, "from_instance", e.InstanceID)
			s.kick(c)
		}
		return nil
	})
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxMessageBytes)

	c, err := s.login(r.Context(), ws)
	if err != nil {
		s.logger.Infow("login rejected", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	done := make(chan struct{})
	go func() {
		s.writePump(c)
		close(done)
	}()
	defer func() {
		c.close()
		<-done
		s.cleanup(c)
	}()

	s.attach(r.Context(), c)

	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", c.key.device, "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if !c.limiter.Allow() {
			s.sendError(c, "", "rate limit exceeded")
			continue
		}
		if err := s.handleMessage(r.Context(), c, msg); err != nil {
			s.logger.Debugw("error handling message from peer", "peer_id", c.key.device, "type", msg.Type, "error", err)
			s.sendError(c, "", err.Error())
		}
	}
}

// login reads the first frame and authenticates it. Rejections are written
// directly since no writer goroutine runs yet.
func (s *WebSocketServer) login(ctx context.Context, ws *websocket.Conn) (*serverConn, error) {
	ws.SetReadDeadline(time.Now().Add(s.cfg.LoginTimeout))

	var msg Message
	if err := ws.ReadJSON(&msg); err != nil {
		return nil, fmt.Errorf("read login: %w", err)
	}

	var req LoginPayload
	if msg.Type != TypeLogin {
		return nil, s.reject(ws, ReasonBadRequest, fmt.Errorf("expected %s, got %q", TypeLogin, msg.Type))
	}
	if err := decodePayload(msg, &req); err != nil {
		return nil, s.reject(ws, ReasonBadRequest, err)
	}
	if err := validation.ValidateProjectID(req.ProjectID); err != nil {
		return nil, s.reject(ws, ReasonBadRequest, err)
	}
	if err := validation.ValidateDeviceID(string(req.DeviceID)); err != nil {
		return nil, s.reject(ws, ReasonBadRequest, err)
	}
	switch req.Role {
	case RoleField:
	case RoleRemote:
		if req.FieldID == "" {
			return nil, s.reject(ws, ReasonBadRequest, errors.New("field_id is required for remote login"))
		}
	default:
		return nil, s.reject(ws, ReasonBadRequest, fmt.Errorf("unknown role %q", req.Role))
	}

	if err := s.authenticate(req); err != nil {
		reason := ReasonCredentials
		if errors.Is(err, services.ErrExpiredToken) {
			reason = ReasonExpired
		}
		return nil, s.reject(ws, reason, err)
	}

	c := &serverConn{
		id:      uuid.NewString(),
		ws:      ws,
		key:     deviceKey{project: req.ProjectID, device: req.DeviceID},
		role:    req.Role,
		field:   req.FieldID,
		send:    make(chan Message, s.cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimit.MessagesPerSecond), s.cfg.RateLimit.Burst),
		quit:    make(chan struct{}),
	}

	token, expires, err := s.auth.GenerateToken(req.ProjectID, req.DeviceID, req.Role)
	if err != nil {
		return nil, s.reject(ws, ReasonCredentials, err)
	}

	prev, err := s.presence.Register(ctx, req.ProjectID, req.DeviceID, c.id)
	if err != nil {
		return nil, s.reject(ws, ReasonBadRequest, fmt.Errorf("register presence: %w", err))
	}

	s.mu.Lock()
	local := s.conns[prev]
	s.conns[c.id] = c
	s.devices[c.key] = c
	s.mu.Unlock()

	if prev != "" && prev != c.id {
		if local != nil {
			s.kick(local)
		} else if s.bus != nil {
			if err := s.bus.PublishKick(ctx, req.ProjectID, req.DeviceID, prev); err != nil {
				s.logger.Warnw("failed to publish kick", "device_id", req.DeviceID, "conn_id", prev, "error", err)
			}
		}
	}

	ack, err := newMessage(TypeLoginAck, "", LoginAckPayload{Token: token, ExpiresAt: expires})
	if err != nil {
		return nil, err
	}
	c.send <- ack

	s.logger.Infow("device logged in",
		"project_id", req.ProjectID,
		"device_id", req.DeviceID,
		"role", req.Role,
		"conn_id", c.id,
		"replaced", prev != "",
	)
	return c, nil
}

func (s *WebSocketServer) authenticate(req LoginPayload) error {
	if req.Token != "" {
		claims, err := s.auth.ValidateToken(req.Token)
		if err != nil {
			return err
		}
		if claims.ProjectID != req.ProjectID || claims.DeviceID != req.DeviceID || claims.Role != req.Role {
			return services.ErrInvalidToken
		}
		return nil
	}
	return s.auth.Authenticate(req.ProjectID, req.DeviceID, req.Password)
}

func (s *WebSocketServer) reject(ws *websocket.Conn, reason string, cause error) error {
	msg, err := newMessage(TypeLoginFailed, "", ErrorPayload{Reason: reason, Message: cause.Error()})
	if err == nil {
		ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		_ = ws.WriteJSON(msg)
	}
	return cause
}

// attach tells the peers of c about it.
func (s *WebSocketServer) attach(ctx context.Context, c *serverConn) {
	switch c.role {
	case RoleField:
		msg, err := newMessage(TypePeers, "", PeersPayload{Peers: s.remoteIDs(c.key)})
		if err == nil {
			s.enqueue(c, msg)
		}
	case RoleRemote:
		if field := s.fieldOf(c); field != nil {
			s.enqueue(field, Message{Type: TypePeerJoined, PeerID: c.key.device})
		}
	}
}

func (s *WebSocketServer) cleanup(c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	owner := s.devices[c.key] == c
	if owner {
		delete(s.devices, c.key)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.presence.Unregister(ctx, c.key.project, c.key.device, c.id); err != nil {
		s.logger.Warnw("failed to unregister presence", "device_id", c.key.device, "error", err)
	}

	if owner && c.role == RoleRemote {
		if field := s.fieldOf(c); field != nil {
			s.enqueue(field, Message{Type: TypePeerLeft, PeerID: c.key.device})
		}
	}

	s.logger.Infow("peer disconnected", "peer_id", c.key.device, "conn_id", c.id)
}

func (s *WebSocketServer) kick(c *serverConn) {
	s.enqueue(c, Message{Type: TypeKickout})
	c.close()
}

// writePump is the only writer of c.ws. Messages queued before quit are
// flushed before the socket closes.
func (s *WebSocketServer) writePump(c *serverConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	write := func(msg Message) error {
		c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		return c.ws.WriteJSON(msg)
	}

	for {
		select {
		case msg := <-c.send:
			if err := write(msg); err != nil {
				s.logger.Debugw("error writing message", "peer_id", c.key.device, "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugw("error sending ping", "peer_id", c.key.device, "error", err)
				return
			}
		case <-c.quit:
			for {
				select {
				case msg := <-c.send:
					if write(msg) != nil {
						return
					}
				default:
					deadline := time.Now().Add(s.cfg.WriteTimeout)
					_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
					return
				}
			}
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *serverConn, msg Message) error {
	ctx, span := tracing.TraceSignalMessage(ctx, msg.Type, string(c.key.device))
	defer span.End()

	switch msg.Type {
	case TypeControl:
		return s.handleControl(ctx, c, msg)
	case TypeOffer, TypeAnswer, TypeICE:
		return s.handleMediaSignal(c, msg)
	case TypePermissionRequest:
		if c.role != RoleRemote {
			return errForbidden
		}
		var req PermissionRequestPayload
		if err := decodePayload(msg, &req); err != nil {
			return err
		}
		field := s.fieldOf(c)
		if field == nil {
			return errNoTarget
		}
		return s.enqueue(field, Message{Type: TypePermissionRequest, PeerID: c.key.device, Payload: msg.Payload})
	case TypePermissionUpdate:
		if c.role != RoleField {
			return errForbidden
		}
		var update PermissionUpdatePayload
		if err := decodePayload(msg, &update); err != nil {
			return err
		}
		for _, remote := range s.remotesOf(c.key) {
			s.enqueue(remote, Message{Type: TypePermissionUpdate, PeerID: c.key.device, Payload: msg.Payload})
		}
		return nil
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *WebSocketServer) handleControl(ctx context.Context, c *serverConn, msg Message) error {
	var payload ControlPayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}
	if len(payload.Data) == 0 {
		return errors.New("control data is empty")
	}

	out := Message{Type: TypeControl, PeerID: c.key.device, Payload: msg.Payload}

	if c.role == RoleRemote {
		field := s.fieldOf(c)
		if field == nil {
			return errNoTarget
		}
		return s.enqueue(field, out)
	}

	targets := s.remotesOf(c.key)
	if msg.PeerID != "" {
		targets = filterConns(targets, msg.PeerID)
	}
	if len(targets) == 0 {
		return errNoTarget
	}
	for _, t := range targets {
		if err := s.enqueue(t, out); err != nil && payload.QoS == domain.QoSReliable {
			s.logger.Warnw("reliable control message dropped", "from_peer", c.key.device, "to_peer", t.key.device, "error", err)
		}
	}
	return nil
}

// handleMediaSignal relays negotiation between a field device and one of
// its remotes. A field device names the remote in PeerID.
func (s *WebSocketServer) handleMediaSignal(c *serverConn, msg Message) error {
	var payload MediaSignalPayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}
	if payload.Data == "" {
		return fmt.Errorf("%s data is empty", msg.Type)
	}
	out := Message{Type: msg.Type, PeerID: c.key.device, Payload: msg.Payload}

	if c.role == RoleRemote {
		field := s.fieldOf(c)
		if field == nil {
			return errNoTarget
		}
		return s.enqueue(field, out)
	}
	if msg.PeerID == "" {
		return errNoTarget
	}
	targets := filterConns(s.remotesOf(c.key), msg.PeerID)
	if len(targets) == 0 {
		return errNoTarget
	}
	return s.enqueue(targets[0], out)
}

// enqueue never blocks. A peer that cannot keep up is disconnected.
func (s *WebSocketServer) enqueue(c *serverConn, msg Message) error {
	select {
	case <-c.quit:
		return errNoTarget
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		s.logger.Warnw("send buffer full, closing connection", "peer_id", c.key.device, "conn_id", c.id)
		c.close()
		return errSlowPeer
	}
}

func (s *WebSocketServer) sendError(c *serverConn, reason, text string) {
	msg, err := newMessage(TypeError, "", ErrorPayload{Reason: reason, Message: text})
	if err != nil {
		return
	}
	_ = s.enqueue(c, msg)
}

func (s *WebSocketServer) fieldOf(c *serverConn) *serverConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	field, ok := s.devices[deviceKey{project: c.key.project, device: c.field}]
	if !ok || field.role != RoleField {
		return nil
	}
	return field
}

func (s *WebSocketServer) remotesOf(key deviceKey) []*serverConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*serverConn
	for k, c := range s.devices {
		if k.project == key.project && c.role == RoleRemote && c.field == key.device {
			out = append(out, c)
		}
	}
	return out
}

func (s *WebSocketServer) remoteIDs(key deviceKey) []domain.DeviceID {
	remotes := s.remotesOf(key)
	ids := make([]domain.DeviceID, 0, len(remotes))
	for _, r := range remotes {
		ids = append(ids, r.key.device)
	}
	return ids
}

func filterConns(conns []*serverConn, id domain.DeviceID) []*serverConn {
	for _, c := range conns {
		if c.key.device == id {
			return []*serverConn{c}
		}
	}
	return nil
}

// Connections is the number of logged-in connections on this instance.
func (s *WebSocketServer) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// IsDeviceConnected reports whether the device is logged in on this instance.
func (s *WebSocketServer) IsDeviceConnected(project string, device domain.DeviceID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[deviceKey{project: project, device: device}]
	return ok
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"connections": s.Connections(),
		"timestamp":   time.Now().Unix(),
	})
}
