package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	"fieldgw/pkg/config"
	fgerrors "fieldgw/pkg/errors"
	"fieldgw/pkg/retry"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/tevino/abool"
	"go.uber.org/zap"
)

// tokenMargin is how long before expiry a session token stops being reused.
const tokenMargin = 30 * time.Second

var errNotConnected = errors.New("signaling not connected")

// Client is the field device end of the signaling channel. One goroutine
// owns the connection cycle and is the only caller of the observer.
type Client struct {
	cfg    *config.Config
	url    string
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	closed *abool.AtomicBool
	lifeMu sync.Mutex
	opened bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	out       chan Message
	receivers map[domain.DeviceID]struct{}
	token     string
}

func NewClient(cfg *config.Config, logger *zap.SugaredLogger) *Client {
	return &Client{
		cfg: cfg,
		url: cfg.SignalURL(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Signal.ConnectTimeout,
		},
		logger:    logger,
		closed:    abool.New(),
		done:      make(chan struct{}),
		receivers: make(map[domain.DeviceID]struct{}),
	}
}

// Open starts the connect loop. The loop outlives ctx and stops on Close.
func (c *Client) Open(ctx context.Context, obs ports.SignalingObserver) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.closed.IsSet() {
		return domain.ErrClosed
	}
	if c.opened {
		return errors.New("signaling client already opened")
	}
	c.opened = true

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(runCtx, obs)
	return nil
}

func (c *Client) run(ctx context.Context, obs ports.SignalingObserver) {
	defer close(c.done)

	established := false
	for {
		ws, err := c.connectWithRetry(ctx, obs)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if fgerrors.HasCode(err, fgerrors.SignalCredentialRejected) {
				obs.OnSignalState(domain.SignalAuthFailed, err)
			} else {
				c.logger.Errorw("signaling reconnect attempts exhausted", "url", c.url, "error", err)
			}
			return
		}

		if established {
			obs.OnSignalState(domain.SignalReup, nil)
		} else {
			obs.OnSignalState(domain.SignalReady, nil)
			established = true
		}

		kicked, err := c.serve(ctx, ws, obs)
		if ctx.Err() != nil {
			return
		}
		if kicked {
			obs.OnSignalState(domain.SignalKickout, err)
			return
		}
		c.logger.Warnw("signaling connection lost", "url", c.url, "error", err)
		obs.OnSignalState(domain.SignalLost, err)
	}
}

func (c *Client) connectWithRetry(ctx context.Context, obs ports.SignalingObserver) (*websocket.Conn, error) {
	rc := c.cfg.Signal.Reconnect
	attempts := 0
	cfg := retry.Config{
		MaxAttempts:  rc.MaxAttempts,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.Multiplier,
		Jitter:       true,
		Retryable: func(err error) bool {
			return !fgerrors.HasCode(err, fgerrors.SignalCredentialRejected)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.logger.Debugw("signaling connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
			obs.OnConnectFailed(attempt, err)
		},
	}

	return retry.RetryWithResult(ctx, cfg, func() (*websocket.Conn, error) {
		attempts++
		ws, err := c.connect(ctx)
		if err != nil && rc.MaxAttempts > 0 && attempts >= rc.MaxAttempts {
			obs.OnConnectFailed(attempts, err)
		}
		return ws, err
	})
}

// connect dials and completes the login exchange.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	timeout := c.cfg.Signal.ConnectTimeout
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(dctx, c.url, nil)
	if err != nil {
		return nil, fgerrors.Wrap(err, fgerrors.SignalRegisterFailed, "failed to dial signaling server")
	}
	ws.SetReadLimit(maxMessageBytes)

	token := c.sessionToken()
	login := LoginPayload{
		ProjectID: c.cfg.ProjectID,
		DeviceID:  domain.DeviceID(c.cfg.DeviceID),
		Role:      RoleField,
	}
	if token != "" {
		login.Token = token
	} else {
		login.Password = c.cfg.Password
	}

	msg, err := newMessage(TypeLogin, "", login)
	if err != nil {
		ws.Close()
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(c.cfg.Signal.WriteTimeout))
	if err := ws.WriteJSON(msg); err != nil {
		ws.Close()
		return nil, fgerrors.Wrap(err, fgerrors.SignalRegisterFailed, "failed to send login")
	}

	ws.SetReadDeadline(time.Now().Add(timeout))
	var reply Message
	if err := ws.ReadJSON(&reply); err != nil {
		ws.Close()
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fgerrors.Wrap(err, fgerrors.SignalConnectTimeout, "no login reply")
		}
		return nil, fgerrors.Wrap(err, fgerrors.SignalStatusAbnormal, "failed to read login reply")
	}

	switch reply.Type {
	case TypeLoginAck:
		var ack LoginAckPayload
		if err := decodePayload(reply, &ack); err != nil {
			ws.Close()
			return nil, fgerrors.Wrap(err, fgerrors.SignalStatusAbnormal, "bad login reply")
		}
		c.mu.Lock()
		c.token = ack.Token
		c.mu.Unlock()
		ws.SetReadDeadline(time.Time{})
		return ws, nil
	case TypeLoginFailed:
		ws.Close()
		var failed ErrorPayload
		_ = decodePayload(reply, &failed)
		if token != "" {
			// Fall back to the password on the next attempt.
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			return nil, fgerrors.Newf(fgerrors.SignalRegisterFailed, "session token refused: %s", failed.Message)
		}
		if failed.Reason == ReasonBadRequest {
			return nil, fgerrors.Newf(fgerrors.SignalRegisterFailed, "login refused: %s", failed.Message)
		}
		return nil, fgerrors.Newf(fgerrors.SignalCredentialRejected, "login refused: %s", failed.Message)
	default:
		ws.Close()
		return nil, fgerrors.Newf(fgerrors.SignalStatusAbnormal, "unexpected login reply %q", reply.Type)
	}
}

// sessionToken returns the cached token while it has not nearly expired.
func (c *Client) sessionToken() string {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return ""
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	if claims.ExpiresAt == nil || time.Until(claims.ExpiresAt.Time) < tokenMargin {
		return ""
	}
	return token
}

// serve runs one established connection until it drops. kicked is true
// when the server replaced this login.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn, obs ports.SignalingObserver) (kicked bool, err error) {
	out := make(chan Message, c.cfg.Control.SendBuffer)
	stop := make(chan struct{})
	writerDone := make(chan struct{})

	c.mu.Lock()
	c.out = out
	c.mu.Unlock()

	pongTimeout := c.cfg.Signal.PongTimeout
	ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	go func() {
		defer close(writerDone)
		c.writePump(ctx, ws, out, stop)
	}()

	defer func() {
		c.mu.Lock()
		c.out = nil
		c.mu.Unlock()
		close(stop)
		<-writerDone
		ws.Close()
	}()

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			return false, fgerrors.Wrap(err, fgerrors.SignalStatusAbnormal, "signaling connection closed")
		}
		ws.SetReadDeadline(time.Now().Add(pongTimeout))

		switch msg.Type {
		case TypeKickout:
			return true, fgerrors.New(fgerrors.SignalAlreadyLoggedIn, "device logged in elsewhere")
		case TypePeers:
			var peers PeersPayload
			if err := decodePayload(msg, &peers); err != nil {
				c.logger.Warnw("bad peers message", "error", err)
				continue
			}
			c.syncPeers(peers.Peers, obs)
		case TypePeerJoined:
			if c.addReceiver(msg.PeerID) {
				obs.OnPeerJoined(msg.PeerID)
			}
		case TypePeerLeft:
			if c.removeReceiver(msg.PeerID) {
				obs.OnPeerLeft(msg.PeerID)
			}
		case TypeControl:
			var payload ControlPayload
			if err := decodePayload(msg, &payload); err != nil {
				c.logger.Warnw("bad control message", "peer_id", msg.PeerID, "error", err)
				continue
			}
			obs.OnControlData(msg.PeerID, payload.Data)
		case TypePermissionRequest:
			var req PermissionRequestPayload
			if err := decodePayload(msg, &req); err != nil {
				c.logger.Warnw("bad permission request", "peer_id", msg.PeerID, "error", err)
				continue
			}
			obs.OnPermissionRequest(domain.PermissionRequest{Peer: msg.PeerID, Permission: req.Permission})
		case TypeOffer, TypeAnswer, TypeICE:
			var payload MediaSignalPayload
			if err := decodePayload(msg, &payload); err != nil {
				c.logger.Warnw("bad media signal", "peer_id", msg.PeerID, "type", msg.Type, "error", err)
				continue
			}
			obs.OnMediaSignal(domain.MediaSignal{Peer: msg.PeerID, Kind: domain.MediaSignalKind(msg.Type), Data: payload.Data})
		case TypeError:
			var e ErrorPayload
			_ = decodePayload(msg, &e)
			c.logger.Warnw("signaling server reported error", "reason", e.Reason, "message", e.Message)
		default:
			c.logger.Debugw("ignoring signaling message", "type", msg.Type)
		}
	}
}

func (c *Client) writePump(ctx context.Context, ws *websocket.Conn, out <-chan Message, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Signal.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-out:
			ws.SetWriteDeadline(time.Now().Add(c.cfg.Signal.WriteTimeout))
			if err := ws.WriteJSON(msg); err != nil {
				c.logger.Debugw("signaling write failed", "type", msg.Type, "error", err)
				ws.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.Signal.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				ws.Close()
				return
			}
		case <-ctx.Done():
			deadline := time.Now().Add(c.cfg.Signal.WriteTimeout)
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			ws.Close()
			return
		case <-stop:
			return
		}
	}
}

// syncPeers reconciles the receiver set with a full peer list.
func (c *Client) syncPeers(peers []domain.DeviceID, obs ports.SignalingObserver) {
	next := make(map[domain.DeviceID]struct{}, len(peers))
	for _, p := range peers {
		next[p] = struct{}{}
	}

	c.mu.Lock()
	var joined, left []domain.DeviceID
	for p := range next {
		if _, ok := c.receivers[p]; !ok {
			joined = append(joined, p)
		}
	}
	for p := range c.receivers {
		if _, ok := next[p]; !ok {
			left = append(left, p)
		}
	}
	c.receivers = next
	c.mu.Unlock()

	for _, p := range left {
		obs.OnPeerLeft(p)
	}
	for _, p := range joined {
		obs.OnPeerJoined(p)
	}
}

func (c *Client) addReceiver(p domain.DeviceID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.receivers[p]; ok {
		return false
	}
	c.receivers[p] = struct{}{}
	return true
}

func (c *Client) removeReceiver(p domain.DeviceID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.receivers[p]; !ok {
		return false
	}
	delete(c.receivers, p)
	return true
}

func (c *Client) enqueue(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return errNotConnected
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return domain.ErrTransportFull
	}
}

func (c *Client) SendControl(ctx context.Context, frame []byte, qos domain.QoS) error {
	if c.Receivers() == 0 {
		return domain.ErrNoReceivers
	}
	msg, err := newMessage(TypeControl, "", ControlPayload{Data: frame, QoS: qos})
	if err != nil {
		return err
	}
	if err := c.enqueue(msg); err != nil {
		if errors.Is(err, errNotConnected) {
			return domain.ErrNoReceivers
		}
		return err
	}
	return nil
}

// Receivers is zero while disconnected.
func (c *Client) Receivers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		return 0
	}
	return len(c.receivers)
}

func (c *Client) SendPermissionUpdate(ctx context.Context, changes []domain.PermissionChange) error {
	msg, err := newMessage(TypePermissionUpdate, "", PermissionUpdatePayload{Changes: toChangePayloads(changes)})
	if err != nil {
		return err
	}
	if err := c.enqueue(msg); err != nil {
		return fmt.Errorf("send permission update: %w", err)
	}
	return nil
}

// SendMediaSignal relays a negotiation message to sig.Peer.
func (c *Client) SendMediaSignal(ctx context.Context, sig domain.MediaSignal) error {
	typ := string(sig.Kind)
	if !isMediaSignal(typ) {
		return fmt.Errorf("unknown media signal kind %q", sig.Kind)
	}
	if sig.Peer == "" {
		return errors.New("media signal needs a target peer")
	}
	msg, err := newMessage(typ, sig.Peer, MediaSignalPayload{Data: sig.Data})
	if err != nil {
		return err
	}
	if err := c.enqueue(msg); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

// Close stops the connect loop and waits for it.
func (c *Client) Close() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if !c.closed.SetToIf(false, true) {
		return nil
	}
	if c.opened {
		c.cancel()
		<-c.done
	}
	return nil
}

// Factory creates signaling clients for gateway sessions.
type Factory struct {
	Logger *zap.SugaredLogger
}

func (f Factory) NewSignalingClient(cfg *config.Config) (ports.SignalingClient, error) {
	if cfg.DeviceID == "" || cfg.ProjectID == "" {
		return nil, fgerrors.New(fgerrors.InitInvalidInput, "device_id and projectid are required for signaling")
	}
	return NewClient(cfg, f.Logger.Named("signal")), nil
}
