package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fieldgw/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	// EventKick asks the instance holding ConnID to drop it.
	EventKick EventType = "device.kick"
	// EventDeviceOnline announces a login, used by metrics and audit only.
	EventDeviceOnline EventType = "device.online"
)

// Event represents a distributed event
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	ProjectID  string          `json:"project_id,omitempty"`
	DeviceID   domain.DeviceID `json:"device_id,omitempty"`
	ConnID     string          `json:"conn_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus fans signaling events out to the other server instances
// sharing the same Redis.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
	channel    string
}

func NewEventBus(
	client *redis.Client,
	instanceID string,
	logger *zap.SugaredLogger,
) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channel:    "fieldgw:signal:events",
	}
}

func (eb *EventBus) InstanceID() string { return eb.instanceID }

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"device_id", event.DeviceID,
		"conn_id", event.ConnID,
	)

	return nil
}

// PublishKick asks whichever instance owns connID to close it.
func (eb *EventBus) PublishKick(ctx context.Context, project string, device domain.DeviceID, connID string) error {
	return eb.Publish(ctx, &Event{
		Type:      EventKick,
		ProjectID: project,
		DeviceID:  device,
		ConnID:    connID,
	})
}

// Subscribe blocks delivering events from other instances to handler until
// ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer eb.pubsub.Close()

	// Wait for the subscription so events published right after return are seen.
	if _, err := eb.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := eb.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip events from this instance
			if event.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
