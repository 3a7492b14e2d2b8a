package presence

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magi-network/brainproxy/internal/config"
	"github.com/magi-network/brainproxy/internal/registry"
	"github.com/magi-network/brainproxy/internal/registry/registrytest"
)

func TestNew_DisabledIsNop(t *testing.T) {
	p, err := New(context.Background(), config.PresenceConfig{}, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)

	rec, err := p.Lookup(context.Background(), "alice")
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestNew_BadURL(t *testing.T) {
	_, err := New(context.Background(), config.PresenceConfig{RedisURL: "not-a-url"}, slog.Default())
	assert.Error(t, err)
}

// Runs against a real server when BRAINPROXY_TEST_REDIS is set, e.g.
// redis://localhost:6379/15.
func TestRedis_AnnounceWithdraw(t *testing.T) {
	url := os.Getenv("BRAINPROXY_TEST_REDIS")
	if url == "" {
		t.Skip("BRAINPROXY_TEST_REDIS not set")
	}
	ctx := context.Background()
	cfg := config.PresenceConfig{
		RedisURL:  url,
		KeyPrefix: "test_brain_online:" + uuid.NewString() + ":",
		TTL:       config.Duration{Duration: time.Minute},
		GatewayID: "gw-1",
	}
	p, err := New(ctx, cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	reg := registry.New(slog.Default())
	old, _ := reg.Register("alice", registrytest.NewSocket(1), "abcdefghijklmnop", registry.OriginLocal)
	require.NoError(t, p.Announce(ctx, old))

	cur, _ := reg.Register("alice", registrytest.NewSocket(1), "abcdefghijklmnop", registry.OriginLocal)
	require.NoError(t, p.Announce(ctx, cur))

	// The displaced connector no longer owns the key.
	require.NoError(t, p.Withdraw(ctx, old))
	rec, err := p.Lookup(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, cur.ID, rec.ConnectorID)
	assert.Equal(t, "gw-1", rec.GatewayID)

	require.NoError(t, p.Withdraw(ctx, cur))
	rec, err = p.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
