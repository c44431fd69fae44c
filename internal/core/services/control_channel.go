package services

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"fieldgw/internal/core/domain"
	"fieldgw/internal/core/ports"
	"fieldgw/pkg/config"
	fgerrors "fieldgw/pkg/errors"
	"fieldgw/pkg/framing"
)

// ControlChannel sends application control data to remote operators under
// a per-session message and byte budget. Rejections are synchronous and a
// rejected message consumes no budget.
type ControlChannel struct {
	cfg       config.ControlConfig
	transport ports.ControlTransport
	codec     *framing.Codec
	events    *Dispatcher
	metrics   ports.MetricsRecorder
	log       *zap.SugaredLogger
	now       func() time.Time

	mu          sync.Mutex
	msgLimiter  *rate.Limiter
	byteLimiter *rate.Limiter
}

func NewControlChannel(cfg config.ControlConfig, transport ports.ControlTransport, codec *framing.Codec, events *Dispatcher, metrics ports.MetricsRecorder, log *zap.SugaredLogger) *ControlChannel {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &ControlChannel{
		cfg:         cfg,
		transport:   transport,
		codec:       codec,
		events:      events,
		metrics:     metrics,
		log:         log,
		now:         time.Now,
		msgLimiter:  rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSecond), cfg.MaxMessagesPerSecond),
		byteLimiter: rate.NewLimiter(rate.Limit(cfg.MaxBytesPerSecond), cfg.MaxBytesPerSecond),
	}
}

// Send delivers payload to every connected remote operator.
func (c *ControlChannel) Send(ctx context.Context, payload []byte, qos domain.QoS) error {
	if len(payload) == 0 {
		return c.reject("empty", fgerrors.New(fgerrors.MessageError, "control message is empty"))
	}
	if len(payload) > c.cfg.MaxMessageBytes {
		return c.reject("byte_exceed", fgerrors.Newf(fgerrors.MessageByteExceed, "control message of %d bytes exceeds %d", len(payload), c.cfg.MaxMessageBytes))
	}
	if c.transport == nil || c.transport.Receivers() == 0 {
		return c.reject("no_receiver", fgerrors.New(fgerrors.MessagePermission, "no remote operator connected"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	msgRes := c.msgLimiter.ReserveN(now, 1)
	if !msgRes.OK() || msgRes.DelayFrom(now) > 0 {
		msgRes.CancelAt(now)
		return c.reject("rate_exceed", fgerrors.New(fgerrors.MessageRateExceed, "control messages sent too frequently"))
	}
	byteRes := c.byteLimiter.ReserveN(now, len(payload))
	if !byteRes.OK() || byteRes.DelayFrom(now) > 0 {
		byteRes.CancelAt(now)
		msgRes.CancelAt(now)
		return c.reject("max_exceed", fgerrors.Newf(fgerrors.MessageMaxExceed, "control data above %d bytes per second", c.cfg.MaxBytesPerSecond))
	}
	refund := func() {
		byteRes.CancelAt(now)
		msgRes.CancelAt(now)
	}

	frame, err := c.codec.Encode(framing.Envelope{
		Role:     framing.RoleField,
		Type:     framing.TypeData,
		Payload:  payload,
		Reliable: qos == domain.QoSReliable,
	})
	if err != nil {
		refund()
		return c.reject("compress", fgerrors.Wrap(err, fgerrors.MessageCompress, "failed to encode control message"))
	}

	if err := c.transport.SendControl(ctx, frame, qos); err != nil {
		refund()
		switch {
		case errors.Is(err, domain.ErrTransportFull):
			return c.reject("block", fgerrors.Wrap(err, fgerrors.MessageBlock, "control send buffer full"))
		case errors.Is(err, domain.ErrNoReceivers):
			return c.reject("no_receiver", fgerrors.Wrap(err, fgerrors.MessagePermission, "no remote operator connected"))
		}
		return c.reject("channel", fgerrors.Wrap(err, fgerrors.MessageChannel, "control channel unavailable"))
	}

	c.metrics.ControlSent(len(payload))
	return nil
}

func (c *ControlChannel) reject(reason string, err *fgerrors.Error) error {
	c.metrics.ControlRejected(reason)
	c.log.Debugw("control message rejected", "reason", reason, "code", err.Code.String())
	return err
}

// Deliver handles an inbound control frame relayed by the signaling channel.
func (c *ControlChannel) Deliver(ctx context.Context, sender domain.DeviceID, frame []byte) {
	env, err := c.codec.Decode(frame)
	if err != nil {
		c.log.Warnw("dropping malformed control frame", "peer_id", sender, "error", err)
		return
	}

	switch env.Type {
	case framing.TypeData:
		qos := domain.QoSUnreliable
		if env.Reliable {
			qos = domain.QoSReliable
		}
		c.metrics.ControlReceived(len(env.Payload))
		c.events.ControlData.Emit(domain.ControlMessage{Sender: sender, Payload: env.Payload, QoS: qos})
	case framing.TypeTimeSyncRequest:
		c.answerTimeSync(ctx, sender, env)
	case framing.TypeHeartbeat, framing.TypeTimeSyncResponse:
	default:
		c.log.Debugw("ignoring control frame", "peer_id", sender, "type", env.Type)
	}
}

// answerTimeSync echoes the request payload followed by the local receive
// time in ms, so the remote side can estimate clock offset.
func (c *ControlChannel) answerTimeSync(ctx context.Context, sender domain.DeviceID, req framing.Envelope) {
	if c.transport == nil {
		return
	}
	payload := make([]byte, len(req.Payload)+8)
	copy(payload, req.Payload)
	binary.LittleEndian.PutUint64(payload[len(req.Payload):], uint64(c.now().UnixMilli()))

	frame, err := c.codec.Encode(framing.Envelope{Role: framing.RoleField, Type: framing.TypeTimeSyncResponse, Seq: req.Seq, Payload: payload})
	if err != nil {
		return
	}
	if err := c.transport.SendControl(ctx, frame, domain.QoSUnreliable); err != nil {
		c.log.Debugw("failed to answer time sync", "peer_id", sender, "error", err)
	}
}
