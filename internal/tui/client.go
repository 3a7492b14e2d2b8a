package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/magi-network/brainproxy/internal/registry"
	"github.com/magi-network/brainproxy/internal/store"
)

// Health mirrors the proxy's /health document.
type Health struct {
	Status           string   `json:"status"`
	ConnectedBrains  int      `json:"connectedBrains"`
	Routes           []string `json:"routes"`
	TotalRequests    int64    `json:"totalRequests"`
	OfflineResponses int64    `json:"offlineResponses"`
	Uptime           float64  `json:"uptime"`
	Version          string   `json:"version"`
}

// UptimeDuration returns Uptime truncated to whole seconds.
func (h Health) UptimeDuration() time.Duration {
	return time.Duration(h.Uptime) * time.Second
}

// Snapshot is everything one refresh collected. Live and Events are only
// filled when the client holds an admin token.
type Snapshot struct {
	Health Health
	Live   []registry.Info
	Known  []store.Brain
	Events []store.AuditEvent
	At     time.Time
	Err    error
}

// Client reads the proxy's public and admin endpoints.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a client for the proxy at base, e.g. http://localhost:8080.
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// Admin reports whether the client is logged in.
func (c *Client) Admin() bool { return c.token != "" }

// Login exchanges admin credentials for a token used by later calls.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/admin/login", bytes.NewReader(body), &out); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.token = out.Token
	return nil
}

// Health fetches /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

// Fetch collects a Snapshot. Errors are reported in Snapshot.Err so the
// dashboard can keep showing the last good data.
func (c *Client) Fetch(ctx context.Context) Snapshot {
	snap := Snapshot{At: time.Now()}
	if snap.Health, snap.Err = c.Health(ctx); snap.Err != nil {
		return snap
	}
	if !c.Admin() {
		return snap
	}

	var brains struct {
		Live  []registry.Info `json:"live"`
		Known []store.Brain   `json:"known"`
	}
	if snap.Err = c.do(ctx, http.MethodGet, "/api/admin/brains", nil, &brains); snap.Err != nil {
		return snap
	}
	snap.Live, snap.Known = brains.Live, brains.Known
	snap.Err = c.do(ctx, http.MethodGet, "/api/admin/audit?limit=100", nil, &snap.Events)
	return snap
}

func (c *Client) do(ctx context.Context, method, path string, body *bytes.Reader, out any) error {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.base+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.base+path, nil)
	}
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
