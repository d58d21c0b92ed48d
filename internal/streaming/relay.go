package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayPrefix = "opshub:chat:"

type relayEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// Relay mirrors local publishes to Redis pub/sub and feeds messages from
// other instances into the local manager. Sequence numbers are per instance:
// a relayed event is renumbered on arrival, so a client resumes with the seq
// it last saw on the instance it reconnects to. A reconnect that lands on a
// different instance replays from that instance's buffer.
type Relay struct {
	rdb        *redis.Client
	mgr        *Manager
	instanceID string
	logger     *zap.Logger
}

func NewRelay(rdb *redis.Client, mgr *Manager, logger *zap.Logger) *Relay {
	return &Relay{rdb: rdb, mgr: mgr, instanceID: uuid.NewString(), logger: logger}
}

// Manager returns the local manager.
func (r *Relay) Manager() *Manager { return r.mgr }

// Publish delivers evt locally and to the other instances. A Redis failure
// is logged and returned after local delivery.
func (r *Relay) Publish(ctx context.Context, channelID string, evt Event) (Event, error) {
	evt = r.mgr.Publish(channelID, evt)
	if r.rdb == nil {
		return evt, nil
	}
	payload, err := json.Marshal(relayEnvelope{Origin: r.instanceID, Event: evt})
	if err != nil {
		return evt, fmt.Errorf("failed to encode chat event: %w", err)
	}
	if err := r.rdb.Publish(ctx, relayPrefix+channelID, payload).Err(); err != nil {
		r.logger.Warn("Chat relay publish failed", zap.String("channel_id", channelID), zap.Error(err))
		return evt, fmt.Errorf("failed to relay chat event: %w", err)
	}
	return evt, nil
}

// Run consumes relayed events until ctx ends. It returns once the
// subscription is confirmed or fails, and keeps consuming in the background.
func (r *Relay) Run(ctx context.Context) error {
	if r.rdb == nil {
		return nil
	}
	sub := r.rdb.PSubscribe(ctx, relayPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to chat relay: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.deliver(msg)
			}
		}
	}()
	r.logger.Info("Chat relay subscribed", zap.String("instance_id", r.instanceID))
	return nil
}

func (r *Relay) deliver(msg *redis.Message) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.logger.Warn("Dropping malformed relay message", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	channelID := strings.TrimPrefix(msg.Channel, relayPrefix)
	env.Event.Seq = 0
	r.mgr.Publish(channelID, env.Event)
}
