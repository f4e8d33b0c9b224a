package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// sentEventCacheSize bounds the relay's own-publish dedup window; it only
// needs to survive the round trip to Redis and back, not the process
// lifetime.
const sentEventCacheSize = 4096

// Relay republishes events onto a Redis pub/sub channel so that a fleet of
// API instances, each running its own in-process EventBus, converges on the
// same fan-out: a session connected to instance B still sees writes made
// through instance A. Disabled by default (RealtimeConfig.RelayEnabled).
type Relay struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
	bus     *DefaultEventBus
	sent    *lru.Cache[string, struct{}]
}

// NewRelay creates a Relay that publishes local events to channel and
// forwards events received from other instances into bus.
func NewRelay(client *redis.Client, channel string, bus *DefaultEventBus, logger *slog.Logger) *Relay {
	sent, err := lru.New[string, struct{}](sentEventCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size, which sentEventCacheSize never is
	}
	return &Relay{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "realtime_relay"),
		bus:     bus,
		sent:    sent,
	}
}

// ID implements EventSubscriber; the relay subscribes to the local bus so it
// can republish every event to Redis.
func (r *Relay) ID() string { return "realtime-relay" }

// Context implements EventSubscriber.
func (r *Relay) Context() context.Context { return context.Background() }

// Close implements EventSubscriber.
func (r *Relay) Close() error { return nil }

// Send implements EventSubscriber, publishing the event to Redis for other
// instances to pick up.
func (r *Relay) Send(event Event) error {
	r.sent.Add(event.ID, struct{}{})

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.Publish(context.Background(), r.channel, payload).Err()
}

// Run subscribes to the Redis channel and forwards received events into the
// local bus until ctx is cancelled. The same process is both subscriber and
// publisher on this channel, so an event this instance relayed out via Send
// comes back through this same subscription; Run recognizes its own event
// IDs (recorded by Send) and drops them instead of republishing into the
// local bus, which would otherwise trigger Send again and loop forever.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	ch := sub.Channel()
	r.logger.Info("realtime relay subscribed", "channel", r.channel)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("realtime relay stopping")
			return ctx.Err()

		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn("failed to decode relayed event", "error", err)
				continue
			}
			if _, ok := r.sent.Get(event.ID); ok {
				continue
			}
			if r.bus != nil {
				if err := r.bus.Publish(event); err != nil {
					r.logger.Warn("failed to republish relayed event", "error", err)
				}
			}
		}
	}
}
