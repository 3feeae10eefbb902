package gateway

import (
	"context"
	"encoding/json"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const activeConfigRedisKey = "gateway:active_config"

// ConfigStore holds the indicator configuration the UI treats as active.
// The gateway is the system of record for this view: it survives restarts
// via a redis key and changes are pushed to every connected client.
type ConfigStore struct {
	hub *Hub
	rdb *goredis.Client
}

// NewConfigStore creates a ConfigStore over the hub's shared state.
func NewConfigStore(hub *Hub, rdb *goredis.Client) *ConfigStore {
	return &ConfigStore{hub: hub, rdb: rdb}
}

// Load restores the persisted active config at startup. Returns false when
// the key is absent or unreadable, in which case the zero config stands.
func (cs *ConfigStore) Load(ctx context.Context) bool {
	raw, err := cs.rdb.Get(ctx, activeConfigRedisKey).Bytes()
	if err != nil {
		return false
	}
	var cfg ActiveConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		log.Printf("[config_store] stored active config unreadable: %v", err)
		return false
	}
	cs.hub.mu.Lock()
	cs.hub.activeConfig = cfg
	cs.hub.mu.Unlock()
	log.Printf("[config_store] restored active config (%d entries)", len(cfg.Entries))
	return true
}

// Get returns the current active configuration.
func (cs *ConfigStore) Get() ActiveConfig {
	cs.hub.mu.RLock()
	defer cs.hub.mu.RUnlock()
	return cs.hub.activeConfig
}

// Set replaces the active config, persists it, and pushes a config_update
// frame to all clients regardless of their channel filters.
func (cs *ConfigStore) Set(cfg ActiveConfig) {
	cs.hub.mu.Lock()
	cs.hub.activeConfig = cfg
	cs.hub.mu.Unlock()

	if cs.rdb != nil {
		// Persistence is best-effort; the engine keeps its own copy.
		if raw, err := json.Marshal(cfg); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := cs.rdb.Set(ctx, activeConfigRedisKey, raw, 0).Err(); err != nil {
				log.Printf("[config_store] persist failed: %v", err)
			}
			cancel()
		}
	}

	frame, _ := json.Marshal(map[string]interface{}{
		"type":    "config_update",
		"entries": cfg.Entries,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	})

	cs.hub.mu.RLock()
	defer cs.hub.mu.RUnlock()
	for c := range cs.hub.clients {
		select {
		case c.send <- frame:
		default:
		}
	}
}
