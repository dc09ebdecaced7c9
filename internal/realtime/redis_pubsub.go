package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	dashboardChannel = "relay:dashboard"
	wakeChannel      = "relay:uploads:wake"
	publishTTL       = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-process fanout.
type redisPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisPubSub bridges dashboard events and uploader wake nudges between the
// coordinator and worker processes.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates the Redis bridge.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger}
}

// Publish sends a dashboard event to all processes.
func (r *RedisPubSub) Publish(event string, payload []byte) error {
	body, err := json.Marshal(redisPayload{Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTTL)
	defer cancel()
	return r.client.Publish(ctx, dashboardChannel, body).Err()
}

// Subscribe listens for dashboard events and calls handler for each. Returns
// a cancel function to stop the subscription.
func (r *RedisPubSub) Subscribe(handler func(event string, payload []byte)) (cancel func(), err error) {
	return r.subscribe(dashboardChannel, func(msg string) {
		var p redisPayload
		if err := json.Unmarshal([]byte(msg), &p); err != nil {
			return
		}
		handler(p.Event, p.Data)
	})
}

// PublishWake nudges every uploader loop to rescan its queue.
func (r *RedisPubSub) PublishWake() error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTTL)
	defer cancel()
	return r.client.Publish(ctx, wakeChannel, "wake").Err()
}

// SubscribeWake calls handler whenever any process publishes a wake nudge.
func (r *RedisPubSub) SubscribeWake(handler func()) (cancel func(), err error) {
	return r.subscribe(wakeChannel, func(string) { handler() })
}

func (r *RedisPubSub) subscribe(channel string, handle func(msg string)) (func(), error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handle(msg.Payload)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
