// Package registry tracks the live brain connectors, one per route, and keeps
// them alive with heartbeats and a stale-connector reaper.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WebSocket close codes sent to brains.
const (
	CloseUnauthorized = 4001
	CloseStale        = 4002
	CloseReplaced     = 4000
	CloseKicked       = 4003
)

var (
	// ErrConnectorGone is wrapped by every removal reason.
	ErrConnectorGone = errors.New("connector gone")

	ErrClosed   = fmt.Errorf("%w: socket closed", ErrConnectorGone)
	ErrStale    = fmt.Errorf("%w: no heartbeat", ErrConnectorGone)
	ErrReplaced = fmt.Errorf("%w: replaced by a newer connection", ErrConnectorGone)
	ErrKicked   = fmt.Errorf("%w: removed by operator", ErrConnectorGone)
)

// Origin says where a brain runs.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Socket is the transport a connector owns. Gateway code backs it with a
// WebSocket; tests use fakes.
type Socket interface {
	// Send writes one text frame. Implementations serialize writes.
	Send(ctx context.Context, data []byte) error
	Ping() error
	Close(code int, reason string) error
}

// Connector is a registered brain connection.
type Connector struct {
	ID           string
	Route        string
	Secret       string
	Origin       Origin
	RegisteredAt time.Time

	socket Socket

	mu       sync.Mutex
	lastSeen time.Time
}

// Send writes data to the connector's socket.
func (c *Connector) Send(ctx context.Context, data []byte) error {
	return c.socket.Send(ctx, data)
}

// LastSeen returns the time of the last inbound traffic.
func (c *Connector) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Connector) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

// Info is a JSON-friendly snapshot of a connector.
type Info struct {
	ID           string    `json:"id"`
	Route        string    `json:"route"`
	Origin       Origin    `json:"origin"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Info returns a snapshot without the secret.
func (c *Connector) Info() Info {
	return Info{
		ID:           c.ID,
		Route:        c.Route,
		Origin:       c.Origin,
		RegisteredAt: c.RegisteredAt,
		LastSeen:     c.LastSeen(),
	}
}

// AddFunc is called after a connector is registered.
type AddFunc func(c *Connector)

// RemoveFunc is called after a connector leaves the registry.
type RemoveFunc func(c *Connector, reason error)

// Registry maps routes to their live connector.
type Registry struct {
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	conns map[string]*Connector

	hookMu   sync.RWMutex
	onAdd    []AddFunc
	onRemove []RemoveFunc
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("component", "registry"),
		now:    time.Now,
		conns:  make(map[string]*Connector),
	}
}

// OnAdd subscribes fn to registrations.
func (r *Registry) OnAdd(fn AddFunc) {
	r.hookMu.Lock()
	r.onAdd = append(r.onAdd, fn)
	r.hookMu.Unlock()
}

// OnRemove subscribes fn to removals. The correlator uses this to reject the
// requests still pending on a removed connector.
func (r *Registry) OnRemove(fn RemoveFunc) {
	r.hookMu.Lock()
	r.onRemove = append(r.onRemove, fn)
	r.hookMu.Unlock()
}

// Register stores a new connector for route, replacing any existing one. The
// displaced connector, if any, is closed and reported to removal listeners
// with ErrReplaced.
func (r *Registry) Register(route string, sock Socket, secret string, origin Origin) (c *Connector, displaced *Connector) {
	now := r.now()
	c = &Connector{
		ID:           uuid.New().String(),
		Route:        route,
		Secret:       secret,
		Origin:       origin,
		RegisteredAt: now,
		socket:       sock,
		lastSeen:     now,
	}

	r.mu.Lock()
	displaced = r.conns[route]
	r.conns[route] = c
	r.mu.Unlock()

	if displaced != nil {
		r.logger.Warn("brain reconnect: replacing previous connection", "route", route, "previous_id", displaced.ID)
		_ = displaced.socket.Close(CloseReplaced, "replaced by a newer connection")
		r.notifyRemove(displaced, ErrReplaced)
	}

	r.hookMu.RLock()
	hooks := append([]AddFunc(nil), r.onAdd...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(c)
	}

	r.logger.Info("brain registered", "route", route, "connector_id", c.ID, "origin", origin)
	return c, displaced
}

// Get returns the connector registered for route.
func (r *Registry) Get(route string) (*Connector, bool) {
	r.mu.RLock()
	c, ok := r.conns[route]
	r.mu.RUnlock()
	return c, ok
}

// Touch records inbound traffic for route.
func (r *Registry) Touch(route string) {
	if c, ok := r.Get(route); ok {
		c.touch(r.now())
	}
}

// TouchConnector records inbound traffic for c, whether or not it is still
// the registered connector for its route.
func (r *Registry) TouchConnector(c *Connector) {
	c.touch(r.now())
}

// Remove deletes the connector for route. It does not close the socket.
func (r *Registry) Remove(route string, reason error) bool {
	r.mu.Lock()
	c, ok := r.conns[route]
	if ok {
		delete(r.conns, route)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.notifyRemove(c, reason)
	return true
}

// RemoveConnector deletes c only if it is still the registered connector for
// its route, so a displaced socket can never evict its replacement.
func (r *Registry) RemoveConnector(c *Connector, reason error) bool {
	r.mu.Lock()
	cur, ok := r.conns[c.Route]
	if ok && cur == c {
		delete(r.conns, c.Route)
	}
	r.mu.Unlock()

	if !ok || cur != c {
		return false
	}
	r.notifyRemove(c, reason)
	return true
}

// Kick closes and removes the connector for route.
func (r *Registry) Kick(route string) bool {
	c, ok := r.Get(route)
	if !ok {
		return false
	}
	if !r.RemoveConnector(c, ErrKicked) {
		return false
	}
	_ = c.socket.Close(CloseKicked, "removed by operator")
	return true
}

// ReapStale closes and removes every connector idle for longer than maxIdle.
func (r *Registry) ReapStale(maxIdle time.Duration) []*Connector {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var stale []*Connector
	for route, c := range r.conns {
		if c.LastSeen().Before(cutoff) {
			stale = append(stale, c)
			delete(r.conns, route)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		r.logger.Info("reaping stale brain", "route", c.Route, "connector_id", c.ID, "last_seen", c.LastSeen())
		_ = c.socket.Close(CloseStale, "heartbeat timeout")
		r.notifyRemove(c, ErrStale)
	}
	return stale
}

// Connectors returns the registered connectors sorted by route.
func (r *Registry) Connectors() []*Connector {
	r.mu.RLock()
	out := make([]*Connector, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

// Routes returns the registered routes, sorted.
func (r *Registry) Routes() []string {
	conns := r.Connectors()
	routes := make([]string, len(conns))
	for i, c := range conns {
		routes[i] = c.Route
	}
	return routes
}

// Len returns the number of registered connectors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every connector, for shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connector)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.socket.Close(code, reason)
		r.notifyRemove(c, ErrClosed)
	}
}

func (r *Registry) notifyRemove(c *Connector, reason error) {
	r.hookMu.RLock()
	hooks := append([]RemoveFunc(nil), r.onRemove...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(c, reason)
	}
}
