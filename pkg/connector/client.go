// Package connector is the client side of the brain tunnel: a local agent
// uses it to hold an outbound WebSocket to the brain proxy and answer the
// requests the proxy forwards.
package connector

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/magi-network/brainproxy/internal/registry"
	"github.com/magi-network/brainproxy/internal/session"
	"github.com/magi-network/brainproxy/pkg/protocol"
)

// Close codes after which reconnecting would not help.
var (
	ErrUnauthorized = errors.New("proxy rejected the credentials")
	ErrReplaced     = errors.New("another connection took over this route")
	ErrKicked       = errors.New("removed by the proxy operator")
)

// Handler answers one forwarded request. A returned *protocol.Error is sent
// as is; any other error becomes an internal error reply.
type Handler func(ctx context.Context, req protocol.Request) (any, error)

// Options configures a Client.
type Options struct {
	URL               string        // proxy base URL, e.g. wss://proxy.example.com
	Route             string
	Secret            string
	Origin            string        // "local" (default) or "remote"
	ReconnectInterval time.Duration // initial backoff, default 2s
	MaxBackoff        time.Duration // default 30s
	HeartbeatInterval time.Duration // default 30s
	TLSSkipVerify     bool

	// OnConnected is called after the proxy confirms the registration.
	OnConnected func(route string)
}

// Client maintains the connection and dispatches requests to the handler.
type Client struct {
	opts    Options
	handler Handler
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New validates opts and creates a Client.
func New(opts Options, handler Handler, logger *slog.Logger) (*Client, error) {
	if opts.URL == "" || opts.Route == "" || opts.Secret == "" {
		return nil, fmt.Errorf("url, route and secret are required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.Origin == "" {
		opts.Origin = "local"
	}
	return &Client{
		opts:    opts,
		handler: handler,
		logger:  logger.With("component", "connector", "route", opts.Route),
	}, nil
}

// DailyCode returns today's code for pairing a /claude session.
func (c *Client) DailyCode(now time.Time) string {
	return session.DailyCode(c.opts.Route, c.opts.Secret, now)
}

// ConnectURL builds the /connect URL for the configured proxy.
func (c *Client) ConnectURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse proxy url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported proxy url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/connect"
	q := url.Values{}
	q.Set("token", c.opts.Secret)
	q.Set("route", c.opts.Route)
	q.Set("origin", c.opts.Origin)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and reconnects with exponential backoff until ctx is done or
// the proxy closes the connection with a code that makes retrying pointless.
func (c *Client) Run(ctx context.Context) error {
	delay := c.opts.ReconnectInterval
	for {
		connected, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrReplaced) || errors.Is(err, ErrKicked) {
			return err
		}
		if connected {
			delay = c.opts.ReconnectInterval
		}
		c.logger.Warn("connection lost, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.opts.MaxBackoff {
			delay = c.opts.MaxBackoff
		}
	}
}

// connectOnce runs one connection until it fails. connected reports whether
// the proxy confirmed the registration.
func (c *Client) connectOnce(ctx context.Context) (connected bool, err error) {
	target, err := c.ConnectURL()
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if c.opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, fmt.Errorf("dial proxy: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeat(connCtx)
	}()

	// Unblock ReadMessage on shutdown.
	go func() {
		<-connCtx.Done()
		c.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"), time.Now().Add(time.Second))
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return connected, closeError(err)
		}

		var f protocol.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.logger.Warn("invalid frame from proxy", "error", err)
			continue
		}

		if len(f.ID) == 0 {
			switch f.Type {
			case protocol.TypeConnected:
				connected = true
				c.logger.Info("connected to proxy", "daily_code", c.DailyCode(time.Now()))
				if c.opts.OnConnected != nil {
					c.opts.OnConnected(c.opts.Route)
				}
			case protocol.TypePing:
				c.sendJSON(protocol.Control{Type: protocol.TypePong, Timestamp: time.Now().UTC()})
			}
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal(msg, &req); err != nil {
			c.logger.Warn("invalid request from proxy", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.serve(connCtx, req)
		}()
	}
}

func (c *Client) serve(ctx context.Context, req protocol.Request) {
	reply := protocol.Reply{JSONRPC: req.JSONRPC, ID: req.ID}

	result, err := c.handler(ctx, req)
	if err != nil {
		var rpcErr *protocol.Error
		if errors.As(err, &rpcErr) {
			reply.Error = rpcErr
		} else {
			reply.Error = &protocol.Error{Code: protocol.CodeInternalError, Message: err.Error()}
		}
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			reply.Error = &protocol.Error{Code: protocol.CodeInternalError, Message: "marshal result: " + merr.Error()}
		} else {
			reply.Result = raw
		}
	}

	c.sendJSON(reply)
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendJSON(protocol.Control{Type: protocol.TypeHeartbeat, Timestamp: time.Now().UTC()})
		}
	}
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("marshal frame", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("write failed", "error", err)
	}
}

// Close closes the current connection; Run will reconnect unless its context
// is canceled.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// closeError maps proxy close codes to the package errors.
func closeError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case registry.CloseUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, ce.Text)
		case registry.CloseReplaced:
			return fmt.Errorf("%w: %s", ErrReplaced, ce.Text)
		case registry.CloseKicked:
			return fmt.Errorf("%w: %s", ErrKicked, ce.Text)
		}
	}
	return fmt.Errorf("read: %w", err)
}
