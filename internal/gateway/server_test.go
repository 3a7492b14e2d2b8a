package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/magi-network/brainproxy/internal/auth"
	"github.com/magi-network/brainproxy/internal/config"
	"github.com/magi-network/brainproxy/internal/correlator"
	"github.com/magi-network/brainproxy/internal/metrics"
	"github.com/magi-network/brainproxy/internal/registry"
	"github.com/magi-network/brainproxy/internal/session"
	"github.com/magi-network/brainproxy/internal/store"
)

const (
	secretS1 = "abcdefghijklmnop"
	secretS2 = "ponmlkjihgfedcba"
)

type harness struct {
	srv      *httptest.Server
	reg      *registry.Registry
	co       *correlator.Correlator
	sessions *session.Manager
	stats    *metrics.Stats
	store    *store.SQLiteStore
}

type harnessOption func(*config.Config, *Deps)

func withAdmin(t *testing.T) harnessOption {
	return func(cfg *config.Config, d *Deps) {
		hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
		require.NoError(t, err)
		cfg.Admin = config.AdminConfig{
			Username:     "ops",
			PasswordHash: string(hash),
			JWTSecret:    "0123456789abcdef0123456789abcdef",
		}
		a, err := auth.NewAdminAuth(context.Background(), cfg.Admin)
		require.NoError(t, err)
		d.Admin = a
	}
}

func newHarness(t *testing.T, timeout time.Duration, opts ...harnessOption) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	reg := registry.New(logger)
	co := correlator.New(logger, correlator.Options{Timeout: timeout})
	reg.OnRemove(func(c *registry.Connector, reason error) { co.CancelAll(c, reason) })

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		reg:      reg,
		co:       co,
		sessions: session.NewManager(reg, time.Hour, logger),
		stats:    metrics.New(),
		store:    st,
	}
	d := Deps{
		Registry:   reg,
		Correlator: co,
		Auth:       auth.New(reg, 16),
		Sessions:   h.sessions,
		Stats:      h.stats,
		Store:      st,
		Version:    "test",
	}
	for _, o := range opts {
		o(cfg, &d)
	}

	gw := NewServer(d, cfg, logger)
	h.srv = httptest.NewServer(gw.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) wsURL(route, token string) string {
	q := url.Values{}
	q.Set("route", route)
	q.Set("token", token)
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/connect?" + q.Encode()
}

// dialBrain connects a raw brain socket and consumes the greeting.
func (h *harness) dialBrain(t *testing.T, route, secret string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(route, secret), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var hello map[string]any
	require.NoError(t, json.Unmarshal(msg, &hello))
	require.Equal(t, "bp_connected", hello["type"])
	require.Equal(t, route, hello["route"])
	return conn
}

func (h *harness) post(t *testing.T, path, authz, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// answer reads one request on conn and writes reply(request).
func answer(t *testing.T, conn *websocket.Conn, reply func(frame []byte) []byte) <-chan []byte {
	t.Helper()
	got := make(chan []byte, 1)
	go func() {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			close(got)
			return
		}
		got <- msg
		if out := reply(msg); out != nil {
			_ = conn.WriteMessage(websocket.TextMessage, out)
		}
	}()
	return got
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m), string(data))
	return m
}

// --- /rpc ---

func TestRPC_ScenarioA_ForwardsAndReturnsRawReply(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	brain := h.dialBrain(t, "alice", secretS1)

	body := `{"id":"r1","method":"ai_status","params":{}}`
	got := answer(t, brain, func([]byte) []byte { return []byte(`{"id":"r1","result":{"ok":true}}`) })

	resp, data := h.post(t, "/rpc/alice", "Bearer "+secretS1, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"id":"r1","result":{"ok":true}}`, string(data))
	assert.Equal(t, body, string(<-got))
}

func TestRPC_ScenarioB_OfflineDegrades(t *testing.T) {
	h := newHarness(t, 5*time.Second)

	resp, data := h.post(t, "/rpc/alice", "Bearer "+secretS1, `{"id":"r1","method":"ai_status","params":{}}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	m := decode(t, data)
	assert.Equal(t, "r1", m["id"])
	result := m["result"].(map[string]any)
	content := result["content"].([]any)
	require.NotEmpty(t, content)
	assert.Equal(t, "text", content[0].(map[string]any)["type"])
	assert.Equal(t, true, result["brainOffline"])

	assert.Equal(t, int64(1), h.stats.OfflineResponses())
}

func TestRPC_ScenarioC_SecretMismatch(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.dialBrain(t, "alice", secretS1)

	resp, _ := h.post(t, "/rpc/alice", "Bearer "+secretS2, `{"id":"r1","method":"ai_status"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	events, err := h.store.ListAuditEvents(context.Background(), store.AuditFilter{Action: store.ActionAuthForbidden})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].Route)
}

func TestRPC_ScenarioD_TimeoutNotBefore(t *testing.T) {
	timeout := 150 * time.Millisecond
	h := newHarness(t, timeout)
	brain := h.dialBrain(t, "alice", secretS1)
	answer(t, brain, func([]byte) []byte { return nil })

	start := time.Now()
	resp, data := h.post(t, "/rpc/alice", "Bearer "+secretS1, `{"id":"r1","method":"ai_status"}`)
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.GreaterOrEqual(t, elapsed, timeout)
	m := decode(t, data)
	assert.Equal(t, "r1", m["id"])
	assert.Equal(t, "request timed out", m["error"])
}

func TestRPC_ShortSecretRejectedBeforeRegistry(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	// Connect tokens only need 8 characters, so this brain is reachable over
	// the socket but can never be called.
	h.dialBrain(t, "alice", "12345678")

	resp, _ := h.post(t, "/rpc/alice", "Bearer 12345678", `{"id":"r1","method":"ai_status"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.post(t, "/rpc/alice", "", `{"id":"r1","method":"ai_status"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRPC_BadRequests(t *testing.T) {
	h := newHarness(t, 5*time.Second)

	resp, _ := h.post(t, "/rpc/alice", "Bearer "+secretS1, `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.post(t, "/rpc/alice", "Bearer "+secretS1, `{"id":"r1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.post(t, "/rpc/alice", "Bearer "+secretS1, `{"method":"ai_status"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRPC_CompositeKeyWithAutoRoute(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	brain := h.dialBrain(t, "alice", secretS1)
	answer(t, brain, func([]byte) []byte { return []byte(`{"id":42,"result":"pong"}`) })

	resp, data := h.post(t, "/rpc/_auto", "Bearer alice:"+secretS1, `{"id":42,"method":"ai_status"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"id":42,"result":"pong"}`, string(data))
}

func TestRPC_DisconnectRejectsPending(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	brain := h.dialBrain(t, "alice", secretS1)
	answer(t, brain, func([]byte) []byte {
		brain.Close()
		return nil
	})

	resp, data := h.post(t, "/rpc/alice", "Bearer "+secretS1, `{"id":"r1","method":"ai_status"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "r1", decode(t, data)["id"])
	assert.Equal(t, 0, h.co.Pending())
}

// --- /connect ---

func TestConnect_RejectsShortToken(t *testing.T) {
	h := newHarness(t, 5*time.Second)

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("alice", "short"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
	assert.Equal(t, registry.CloseUnauthorized, ce.Code)
	assert.Equal(t, 0, h.reg.Len())
}

func TestConnect_RejectsMissingRoute(t *testing.T) {
	h := newHarness(t, 5*time.Second)

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("", secretS1), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, registry.CloseUnauthorized, ce.Code)
}

func TestConnect_ReplacementClosesOldSocket(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	old := h.dialBrain(t, "alice", secretS1)
	first, _ := h.reg.Get("alice")

	h.dialBrain(t, "alice", secretS2)

	_, _, err := old.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, registry.CloseReplaced, ce.Code)

	cur, ok := h.reg.Get("alice")
	require.True(t, ok)
	assert.NotEqual(t, first.ID, cur.ID)
	assert.Equal(t, secretS2, cur.Secret)

	// The old socket's read loop exiting must not evict the new connector.
	time.Sleep(50 * time.Millisecond)
	_, ok = h.reg.Get("alice")
	assert.True(t, ok)
}

func TestConnect_DropsMalformedAndUnknownFrames(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	brain := h.dialBrain(t, "alice", secretS1)

	require.NoError(t, brain.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, brain.WriteMessage(websocket.TextMessage, []byte(`{"id":"ghost","result":1}`)))
	require.NoError(t, brain.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))
	require.NoError(t, brain.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	_, msg, err := brain.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", decode(t, msg)["type"])

	_, ok := h.reg.Get("alice")
	assert.True(t, ok)
}

// --- /mcp ---

func TestMCP_SynthesizesFalsyIDAndRestoresIt(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	brain := h.dialBrain(t, "alice", secretS1)

	got := answer(t, brain, func(frame []byte) []byte {
		var req map[string]any
		_ = json.Unmarshal(frame, &req)
		out, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": map[string]any{"tools": []any{}}})
		return out
	})

	resp, data := h.post(t, "/mcp?route=alice", "Bearer "+secretS1, `{"jsonrpc":"2.0","id":0,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	forwarded := decode(t, <-got)
	fid, _ := forwarded["id"].(string)
	assert.True(t, strings.HasPrefix(fid, "mcp-"), "forwarded id %v", forwarded["id"])

	m := decode(t, data)
	assert.Equal(t, float64(0), m["id"])
	assert.Contains(t, m, "result")
}

func TestMCP_KeepsTruthyID(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	brain := h.dialBrain(t, "alice", secretS1)
	got := answer(t, brain, func([]byte) []byte { return []byte(`{"jsonrpc":"2.0","id":"abc","result":{}}`) })

	body := `{"jsonrpc":"2.0","id":"abc","method":"tools/call","params":{"name":"search"}}`
	resp, data := h.post(t, "/mcp", "Bearer alice:"+secretS1, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, body, string(<-got))
	assert.Equal(t, `{"jsonrpc":"2.0","id":"abc","result":{}}`, string(data))
}

func TestMCP_Errors(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.dialBrain(t, "bob", secretS1)

	tests := []struct {
		name   string
		path   string
		authz  string
		body   string
		status int
		code   float64
	}{
		{"short secret", "/mcp?route=alice", "Bearer short", `{"jsonrpc":"2.0","id":1,"method":"x"}`, 401, -32000},
		{"no route", "/mcp", "Bearer " + secretS1, `{"jsonrpc":"2.0","id":1,"method":"x"}`, 401, -32000},
		{"parse error", "/mcp?route=alice", "Bearer " + secretS1, `{oops`, 400, -32700},
		{"missing method", "/mcp?route=alice", "Bearer " + secretS1, `{"jsonrpc":"2.0","id":1}`, 400, -32600},
		{"batch", "/mcp?route=alice", "Bearer " + secretS1, `[{"jsonrpc":"2.0","id":1,"method":"x"}]`, 400, -32600},
		{"forbidden", "/mcp?route=bob", "Bearer " + secretS2, `{"jsonrpc":"2.0","id":1,"method":"x"}`, 403, -32001},
		{"offline", "/mcp?route=alice", "Bearer " + secretS1, `{"jsonrpc":"2.0","id":1,"method":"x"}`, 503, -32002},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := h.post(t, tt.path, tt.authz, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			m := decode(t, data)
			assert.Equal(t, "2.0", m["jsonrpc"])
			assert.Equal(t, tt.code, m["error"].(map[string]any)["code"])
		})
	}
}

func TestMCP_OfflineEchoesID(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	resp, data := h.post(t, "/mcp?route=alice", "Bearer "+secretS1, `{"jsonrpc":"2.0","id":"q9","method":"tools/list"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "q9", decode(t, data)["id"])
}

func TestMCP_LocalMethods(t *testing.T) {
	h := newHarness(t, 5*time.Second)

	resp, data := h.post(t, "/mcp?route=alice", "Bearer "+secretS1, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode(t, data)["result"].(map[string]any)
	assert.Equal(t, mcpProtocolVersion, result["protocolVersion"])

	resp, data = h.post(t, "/mcp?route=alice", "Bearer "+secretS1, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Empty(t, data)
}

// --- /claude ---

func TestClaude_AuthThenCommand(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	brain := h.dialBrain(t, "alice", secretS1)

	code := strings.ToLower(session.DailyCode("alice", secretS1, time.Now()))
	resp, data := h.post(t, "/claude", "", `{"message":"MAGI AUTH `+code+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	m := decode(t, data)
	assert.Equal(t, true, m["success"])
	sid, _ := m["sessionId"].(string)
	require.Len(t, sid, 32)

	got := answer(t, brain, func(frame []byte) []byte {
		var req map[string]any
		_ = json.Unmarshal(frame, &req)
		out, _ := json.Marshal(map[string]any{"id": req["id"], "result": map[string]any{"memories": 3}})
		return out
	})

	resp, data = h.post(t, "/claude", "", `{"message":"magi how many memories?","sessionId":"`+sid+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	m = decode(t, data)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, map[string]any{"memories": float64(3)}, m["result"])

	forwarded := decode(t, <-got)
	assert.Equal(t, "magi_command", forwarded["method"])
	assert.True(t, strings.HasPrefix(forwarded["id"].(string), "claude-"))
	assert.Equal(t, map[string]any{"command": "how many memories?"}, forwarded["params"])

	events, err := h.store.ListAuditEvents(context.Background(), store.AuditFilter{Action: store.ActionSessionCreated})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestClaude_Rejections(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.dialBrain(t, "alice", secretS1)

	resp, data := h.post(t, "/claude", "", `{"message":"magi auth ZZZZZZ"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, false, decode(t, data)["success"])

	resp, _ = h.post(t, "/claude", "", `{"message":"magi status","sessionId":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.post(t, "/claude", "", `{"message":"hello there"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.post(t, "/claude", "", `nope`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClaude_OfflineAfterAuth(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	sess, err := h.sessions.Create("alice", secretS1)
	require.NoError(t, err)

	resp, data := h.post(t, "/claude", "", `{"message":"magi status","sessionId":"`+sess.ID+`"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, decode(t, data)["success"])
}

func TestClaude_AuthRateLimited(t *testing.T) {
	h := newHarness(t, 5*time.Second)

	limited := false
	for i := 0; i < 20; i++ {
		resp, _ := h.post(t, "/claude", "", `{"message":"magi auth AAAAAA"}`)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited)
}

// --- health, schemas, metrics ---

func TestHealth(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.dialBrain(t, "bob", secretS1)
	h.dialBrain(t, "alice", secretS1)
	h.post(t, "/rpc/carol", "Bearer "+secretS1, `{"id":"r1","method":"ai_status"}`)

	resp, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.ConnectedBrains)
	assert.Equal(t, []string{"alice", "bob"}, body.Routes)
	assert.Equal(t, int64(1), body.TotalRequests)
	assert.Equal(t, int64(1), body.OfflineResponses)
}

func TestSchemasAndMetrics(t *testing.T) {
	h := newHarness(t, 5*time.Second)

	for _, path := range []string{"/openapi.json", "/claude-api.json"} {
		resp, err := http.Get(h.srv.URL + path)
		require.NoError(t, err)
		var doc map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(h.srv.URL + "/openapi.json")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	resp.Body.Close()
	paths := doc["paths"].(map[string]any)
	assert.Contains(t, paths, "/rpc/{route}")
	assert.Contains(t, paths, "/mcp")
	assert.Contains(t, paths, "/claude")

	resp, err = http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "go_goroutines")
}

// --- admin ---

func TestAdmin_LoginListKickAudit(t *testing.T) {
	h := newHarness(t, 5*time.Second, withAdmin(t))
	brain := h.dialBrain(t, "alice", secretS1)

	resp, _ := h.post(t, "/api/admin/login", "", `{"username":"ops","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, data := h.post(t, "/api/admin/login", "", `{"username":"ops","password":"correct-horse"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := decode(t, data)["token"].(string)

	do := func(method, path, authz string) (*http.Response, []byte) {
		req, _ := http.NewRequest(method, h.srv.URL+path, bytes.NewReader(nil))
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp, b
	}

	resp, _ = do(http.MethodGet, "/api/admin/brains", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, data = do(http.MethodGet, "/api/admin/brains", "Bearer "+token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var brains adminBrains
	require.NoError(t, json.Unmarshal(data, &brains))
	require.Len(t, brains.Live, 1)
	assert.Equal(t, "alice", brains.Live[0].Route)
	assert.NotContains(t, string(data), secretS1)

	resp, _ = do(http.MethodDelete, "/api/admin/brains/alice", "Bearer "+token)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, _, err := brain.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, registry.CloseKicked, ce.Code)

	resp, _ = do(http.MethodDelete, "/api/admin/brains/alice", "Bearer "+token)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, data = do(http.MethodGet, "/api/admin/audit?action=admin.", "Bearer "+token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []store.AuditEvent
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, store.ActionAdminLogin, events[0].Action)
}

func TestAdmin_DisabledByDefault(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	resp, _ := h.post(t, "/api/admin/login", "", `{"username":"ops","password":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
