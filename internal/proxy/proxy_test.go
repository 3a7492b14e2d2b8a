package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magi-network/brainproxy/internal/config"
	"github.com/magi-network/brainproxy/internal/registry"
	"github.com/magi-network/brainproxy/internal/store"
	"github.com/magi-network/brainproxy/pkg/connector"
	"github.com/magi-network/brainproxy/pkg/protocol"
)

const secret = "abcdefghijklmnop"

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "proxy.db")
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBrain(t *testing.T, url, route string) (cancel func(), done <-chan error) {
	t.Helper()
	connected := make(chan struct{}, 1)
	handler := func(_ context.Context, req protocol.Request) (any, error) {
		return map[string]string{"echo": req.Method}, nil
	}
	c, err := connector.New(connector.Options{
		URL:         url,
		Route:       route,
		Secret:      secret,
		OnConnected: func(string) { connected <- struct{}{} },
	}, handler, quietLogger())
	require.NoError(t, err)

	ctx, stop := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		stop()
		t.Fatal("brain did not connect")
	}
	return stop, errc
}

func TestProxy_RecordsBrainLifecycle(t *testing.T) {
	p, err := New(context.Background(), testConfig(t), "test", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)

	stop, done := startBrain(t, srv.URL, "alice")
	ctx := context.Background()

	brains, err := p.store.ListBrains(ctx)
	require.NoError(t, err)
	require.Len(t, brains, 1)
	assert.Equal(t, "alice", brains[0].Route)
	assert.True(t, brains[0].Online)

	// Round trip through the real connector client.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/rpc/alice", strings.NewReader(`{"id":"r1","method":"ai_status"}`))
	req.Header.Set("Authorization", "Bearer "+secret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":"r1","result":{"echo":"ai_status"}}`, string(body))

	stop()
	assert.ErrorIs(t, <-done, context.Canceled)

	// The removal hook runs after the registry entry is gone; wait for its
	// last write.
	assert.Eventually(t, func() bool {
		events, err := p.store.ListAuditEvents(ctx, store.AuditFilter{Action: store.ActionBrainDisconnect})
		return err == nil && len(events) == 1
	}, 3*time.Second, 10*time.Millisecond)

	brains, err = p.store.ListBrains(ctx)
	require.NoError(t, err)
	require.Len(t, brains, 1)
	assert.False(t, brains[0].Online)

	events, err := p.store.ListAuditEvents(ctx, store.AuditFilter{Action: "brain.", Route: "alice"})
	require.NoError(t, err)
	actions := make([]string, 0, len(events))
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []string{store.ActionBrainConnect, store.ActionBrainDisconnect}, actions)
}

func TestProxy_KickIsAudited(t *testing.T) {
	p, err := New(context.Background(), testConfig(t), "test", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)

	_, done := startBrain(t, srv.URL, "bob")
	require.True(t, p.registry.Kick("bob"))
	assert.ErrorIs(t, <-done, connector.ErrKicked)

	events, err := p.store.ListAuditEvents(context.Background(), store.AuditFilter{Action: store.ActionBrainKicked})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "bob", events[0].Route)
}

func TestProxy_MarksStaleRowsOfflineOnStart(t *testing.T) {
	cfg := testConfig(t)
	db, err := store.New(cfg.Storage)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, db.UpsertBrain(context.Background(), &store.Brain{
		Route: "ghost", ConnectorID: "old", Origin: "local", Online: true, RegisteredAt: now, LastSeen: now,
	}))
	require.NoError(t, db.Close())

	p, err := New(context.Background(), cfg, "test", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	brains, err := p.store.ListBrains(context.Background())
	require.NoError(t, err)
	require.Len(t, brains, 1)
	assert.False(t, brains[0].Online)
}

func TestProxy_RunAndShutdown(t *testing.T) {
	p, err := New(context.Background(), testConfig(t), "test", quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer addrCancel()
	addr, err := p.Addr(addrCtx)
	require.NoError(t, err)
	base := "http://" + addr.String()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stop, done := startBrain(t, base, "carol")
	t.Cleanup(stop)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Shutdown closes brains with 1001, which the client treats as retryable.
	select {
	case err := <-done:
		t.Fatalf("brain stopped unexpectedly: %v", err)
	default:
	}
	assert.Equal(t, 0, p.registry.Len())
}

func TestRemovalAction(t *testing.T) {
	tests := []struct {
		reason error
		action string
	}{
		{registry.ErrReplaced, store.ActionBrainReplaced},
		{registry.ErrStale, store.ActionBrainReaped},
		{registry.ErrKicked, store.ActionBrainKicked},
		{registry.ErrClosed, store.ActionBrainDisconnect},
		{errors.New("boom"), store.ActionBrainDisconnect},
		{nil, store.ActionBrainDisconnect},
	}
	for _, tt := range tests {
		action, _ := removalAction(tt.reason)
		assert.Equal(t, tt.action, action, "reason %v", tt.reason)
	}
}
