// Package store defines the storage interface for brain records and the audit
// log, with SQLite and PostgreSQL implementations. Secrets and in-flight
// messages are never stored.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/magi-network/brainproxy/internal/config"
)

// Audit actions.
const (
	ActionBrainConnect    = "brain.connect"
	ActionBrainDisconnect = "brain.disconnect"
	ActionBrainReplaced   = "brain.replaced"
	ActionBrainReaped     = "brain.reaped"
	ActionBrainKicked     = "brain.kicked"
	ActionAuthForbidden   = "auth.forbidden"
	ActionSessionCreated  = "session.created"
	ActionAdminLogin      = "admin.login"
)

// Store is the persistence interface for the proxy.
type Store interface {
	// Brains
	UpsertBrain(ctx context.Context, b *Brain) error
	SetBrainOnline(ctx context.Context, route string, online bool, lastSeen time.Time) error
	ListBrains(ctx context.Context) ([]Brain, error)
	MarkAllOffline(ctx context.Context) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Data retention
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Brain is the last known state of a route.
type Brain struct {
	Route        string    `json:"route"`
	ConnectorID  string    `json:"connector_id"`
	Origin       string    `json:"origin"`
	Online       bool      `json:"online"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID          string          `json:"id"`
	Action      string          `json:"action"`
	Route       string          `json:"route,omitempty"`
	ConnectorID string          `json:"connector_id,omitempty"`
	RemoteAddr  string          `json:"remote_addr,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events. Action matches
// as a prefix, so "brain." selects every brain event.
type AuditFilter struct {
	Action string
	Route  string
	Limit  int
	Offset int
}

// New creates a Store based on the configured storage driver.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	case "none":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

// Nop discards writes and returns empty lists.
type Nop struct{}

func (Nop) UpsertBrain(context.Context, *Brain) error                          { return nil }
func (Nop) SetBrainOnline(context.Context, string, bool, time.Time) error      { return nil }
func (Nop) ListBrains(context.Context) ([]Brain, error)                         { return nil, nil }
func (Nop) MarkAllOffline(context.Context) error                               { return nil }
func (Nop) LogAuditEvent(context.Context, *AuditEvent) error                   { return nil }
func (Nop) ListAuditEvents(context.Context, AuditFilter) ([]AuditEvent, error) { return nil, nil }
func (Nop) PurgeOldAuditEvents(context.Context, time.Time) (int64, error)      { return 0, nil }
func (Nop) Ping(context.Context) error                                         { return nil }
func (Nop) Close() error                                                       { return nil }
