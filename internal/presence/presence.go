// Package presence publishes which routes have a live brain on this gateway,
// so other services (or other gateway instances) can see where a brain is
// connected.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/magi-network/brainproxy/internal/config"
	"github.com/magi-network/brainproxy/internal/registry"
)

// Record is the value stored under a route's presence key.
type Record struct {
	GatewayID   string `json:"gateway_id"`
	ConnectorID string `json:"connector_id"`
	Origin      string `json:"origin"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Publisher announces connector presence.
type Publisher interface {
	// Announce sets or refreshes the presence key for c.
	Announce(ctx context.Context, c *registry.Connector) error
	// Withdraw deletes the presence key for c, only if c still owns it.
	Withdraw(ctx context.Context, c *registry.Connector) error
	// Lookup returns the current record for route, or nil.
	Lookup(ctx context.Context, route string) (*Record, error)
	Close() error
}

// New returns a Redis publisher when a URL is configured and a no-op one
// otherwise.
func New(ctx context.Context, cfg config.PresenceConfig, logger *slog.Logger) (Publisher, error) {
	if cfg.RedisURL == "" {
		return Nop{}, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, cfg, logger), nil
}

// Redis stores presence as "<prefix><route>" keys with a TTL. Keys left by a
// crashed gateway expire on their own.
type Redis struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	gatewayID string
	logger    *slog.Logger
}

// deleteIfOwned removes KEYS[1] only if its gateway and connector match.
var deleteIfOwned = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
local ok, cur = pcall(cjson.decode, raw)
if not ok then return 0 end
if cur["gateway_id"] ~= ARGV[1] or cur["connector_id"] ~= ARGV[2] then return 0 end
return redis.call("DEL", KEYS[1])
`)

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, cfg config.PresenceConfig, logger *slog.Logger) *Redis {
	ttl := cfg.TTL.Duration
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "brain_online:"
	}
	return &Redis{
		client:    client,
		prefix:    prefix,
		ttl:       ttl,
		gatewayID: cfg.GatewayID,
		logger:    logger.With("component", "presence"),
	}
}

func (p *Redis) key(route string) string {
	return p.prefix + route
}

func (p *Redis) Announce(ctx context.Context, c *registry.Connector) error {
	b, err := json.Marshal(Record{
		GatewayID:   p.gatewayID,
		ConnectorID: c.ID,
		Origin:      string(c.Origin),
		UpdatedAt:   time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	if err := p.client.Set(ctx, p.key(c.Route), b, p.ttl).Err(); err != nil {
		return fmt.Errorf("announce %s: %w", c.Route, err)
	}
	return nil
}

func (p *Redis) Withdraw(ctx context.Context, c *registry.Connector) error {
	n, err := deleteIfOwned.Run(ctx, p.client, []string{p.key(c.Route)}, p.gatewayID, c.ID).Int()
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", c.Route, err)
	}
	if n == 0 {
		p.logger.Debug("presence key not owned, left in place", "route", c.Route, "connector_id", c.ID)
	}
	return nil
}

func (p *Redis) Lookup(ctx context.Context, route string) (*Record, error) {
	raw, err := p.client.Get(ctx, p.key(route)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode presence record: %w", err)
	}
	return &rec, nil
}

func (p *Redis) Close() error {
	return p.client.Close()
}

// Nop is used when presence is disabled.
type Nop struct{}

func (Nop) Announce(context.Context, *registry.Connector) error { return nil }
func (Nop) Withdraw(context.Context, *registry.Connector) error { return nil }
func (Nop) Lookup(context.Context, string) (*Record, error)     { return nil, nil }
func (Nop) Close() error                                        { return nil }
