// Package session manages the short-lived sessions created by the "magi auth
// CODE" handshake of the /claude dialect.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/magi-network/brainproxy/internal/registry"
)

// DefaultTTL is how long a session stays valid.
const DefaultTTL = 24 * time.Hour

// Session binds a session id to the brain credentials it was created for.
type Session struct {
	ID        string
	Route     string
	Secret    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Lister lists the currently registered connectors.
type Lister interface {
	Connectors() []*registry.Connector
}

// DailyCode derives the six-character code for route and secret on the UTC
// calendar day of date.
func DailyCode(route, secret string, date time.Time) string {
	day := date.UTC().Format("2006-01-02")
	sum := sha256.Sum256([]byte(route + ":" + secret + ":" + day))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:6])
}

// Manager creates, looks up and expires sessions.
type Manager struct {
	lister Lister
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. ttl defaults to 24h.
func NewManager(lister Lister, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		lister:   lister,
		ttl:      ttl,
		logger:   logger.With("component", "sessions"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// ValidateCode finds the registered brain whose code for today matches code.
// The comparison is case-insensitive; the first match wins.
func (m *Manager) ValidateCode(code string) (route, secret string, ok bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", "", false
	}
	today := m.now()
	for _, c := range m.lister.Connectors() {
		if DailyCode(c.Route, c.Secret, today) == code {
			return c.Route, c.Secret, true
		}
	}
	return "", "", false
}

// Create starts a new session for route.
func (m *Manager) Create(route, secret string) (*Session, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	now := m.now()
	s := &Session{
		ID:        id,
		Route:     route,
		Secret:    secret,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session created", "route", route)
	return s, nil
}

// Get returns the session for id. Expired sessions are deleted and reported
// as missing.
func (m *Manager) Get(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if !m.now().Before(s.ExpiresAt) {
		delete(m.sessions, id)
		return nil, false
	}
	return s, true
}

// Sweep deletes every expired session and returns how many were removed.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	n := 0
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	m.mu.Unlock()

	if n > 0 {
		m.logger.Debug("expired sessions swept", "count", n)
	}
	return n
}

// Len returns the number of stored sessions, expired or not.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func newID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
