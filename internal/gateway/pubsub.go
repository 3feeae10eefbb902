package gateway

import (
	"context"
	"log"

	goredis "github.com/go-redis/redis/v8"
)

// PubSubRouter feeds Redis PubSub traffic into the hub's broadcaster
// for WS fan-out.
type PubSubRouter struct {
	hub *Hub
}

// NewPubSubRouter returns a router backed by the given Hub.
func NewPubSubRouter(hub *Hub) *PubSubRouter {
	return &PubSubRouter{hub: hub}
}

// pump forwards messages from a subscription until ctx is cancelled.
func (r *PubSubRouter) pump(ctx context.Context, pubsub *goredis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.hub.broadcast(msg.Channel, []byte(msg.Payload))
		}
	}
}

// RunExplicit subscribes to a fixed channel list and routes messages
// until ctx is cancelled.
func (r *PubSubRouter) RunExplicit(ctx context.Context, channels []string) {
	if len(channels) == 0 {
		log.Println("[api_gateway] WARNING: explicit channel list is empty")
		return
	}
	log.Printf("[api_gateway] subscribing to %d PubSub channels", len(channels))
	r.pump(ctx, r.hub.Rdb.Subscribe(ctx, channels...))
}

// RunPattern subscribes to wildcard patterns. The indicator side always
// runs through here so indicators created after startup need no
// resubscribe. Patterns must not overlap the explicit channel set or
// clients see every message twice.
func (r *PubSubRouter) RunPattern(ctx context.Context, patterns ...string) {
	if len(patterns) == 0 {
		return
	}
	log.Printf("[api_gateway] psubscribing to %v", patterns)
	r.pump(ctx, r.hub.Rdb.PSubscribe(ctx, patterns...))
}
