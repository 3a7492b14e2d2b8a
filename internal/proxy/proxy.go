// Package proxy wires the brain proxy components together and runs them.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/magi-network/brainproxy/internal/auth"
	"github.com/magi-network/brainproxy/internal/config"
	"github.com/magi-network/brainproxy/internal/correlator"
	"github.com/magi-network/brainproxy/internal/gateway"
	"github.com/magi-network/brainproxy/internal/metrics"
	"github.com/magi-network/brainproxy/internal/presence"
	"github.com/magi-network/brainproxy/internal/registry"
	"github.com/magi-network/brainproxy/internal/session"
	"github.com/magi-network/brainproxy/internal/store"
)

const (
	hookTimeout    = 5 * time.Second
	purgeInterval  = time.Hour
	shutdownWindow = 30 * time.Second
)

// Proxy is the brain proxy process.
type Proxy struct {
	cfg *config.Config

	registry   *registry.Registry
	correlator *correlator.Correlator
	sessions   *session.Manager
	monitor    *registry.Monitor
	stats      *metrics.Stats
	store      store.Store
	presence   presence.Publisher
	gateway    *gateway.Server

	logger *slog.Logger

	// ready is closed once the listener is bound; addr is valid after that.
	ready chan struct{}
	addr  net.Addr
}

// New builds every component from cfg.
func New(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger) (*Proxy, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	// Rows left online by a previous process are stale; the registry
	// starts empty.
	if err := db.MarkAllOffline(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reset brain state: %w", err)
	}

	pub, err := presence.New(ctx, cfg.Presence, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init presence: %w", err)
	}

	var admin *auth.AdminAuth
	if cfg.Admin.Enabled() {
		admin, err = auth.NewAdminAuth(ctx, cfg.Admin)
		if err != nil {
			_ = multierr.Combine(db.Close(), pub.Close())
			return nil, fmt.Errorf("init admin auth: %w", err)
		}
	}

	reg := registry.New(logger)
	co := correlator.New(logger, correlator.Options{
		Timeout:     cfg.Proxy.RequestTimeout.Duration,
		MaxInFlight: cfg.Proxy.MaxInFlightPerRoute,
	})
	sessions := session.NewManager(reg, cfg.Sessions.TTL.Duration, logger)
	stats := metrics.New()

	p := &Proxy{
		cfg:        cfg,
		registry:   reg,
		correlator: co,
		sessions:   sessions,
		stats:      stats,
		store:      db,
		presence:   pub,
		logger:     logger.With("component", "proxy"),
		ready:      make(chan struct{}),
	}

	reg.OnAdd(p.brainAdded)
	reg.OnRemove(p.brainRemoved)

	p.monitor = registry.NewMonitor(reg, logger, registry.MonitorOptions{
		HeartbeatInterval: cfg.Proxy.HeartbeatInterval.Duration,
		ReapInterval:      cfg.Proxy.ReapInterval.Duration,
		MaxIdle:           cfg.Proxy.MaxIdle.Duration,
		OnHeartbeat:       p.refreshPresence,
	})

	stats.RegisterGauges(reg.Len, co.Pending, sessions.Len)

	p.gateway = gateway.NewServer(gateway.Deps{
		Registry:   reg,
		Correlator: co,
		Auth:       auth.New(reg, cfg.Proxy.MinSecretLength),
		Sessions:   sessions,
		Stats:      stats,
		Store:      db,
		Admin:      admin,
		Version:    version,
	}, cfg, logger)

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			p.logger.Warn("allowed_origins contains wildcard '*'; restrict it to known origins in production")
			break
		}
	}
	if cfg.Storage.Driver == "none" {
		p.logger.Warn("storage disabled, brain history and audit events are not kept")
	}

	return p, nil
}

// Handler returns the HTTP handler, for embedding the proxy in another server.
func (p *Proxy) Handler() http.Handler {
	return p.gateway.Handler()
}

// Addr blocks until Run has bound its listener and returns its address.
func (p *Proxy) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-p.ready:
		return p.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run serves until ctx is canceled, then shuts down gracefully: brains are
// disconnected (which rejects their pending requests), the HTTP server
// drains, and the store and presence client are closed.
func (p *Proxy) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.Server.Addr)
	if err != nil {
		_ = p.Close()
		return fmt.Errorf("listen: %w", err)
	}
	p.addr = ln.Addr()
	close(p.ready)

	srv := &http.Server{
		Handler:           p.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.logger.Info("brain proxy listening", "addr", p.addr.String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return p.monitor.Run(gctx) })
	g.Go(func() error { return p.sessions.Run(gctx, p.cfg.Sessions.SweepInterval.Duration) })
	g.Go(func() error {
		p.runRetentionPurger(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		p.logger.Info("shutting down")

		// Hijacked WebSocket connections are not tracked by Shutdown.
		p.registry.CloseAll(websocket.CloseGoingAway, "proxy shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		return nil
	})

	err = g.Wait()
	if cerr := p.Close(); cerr != nil {
		p.logger.Warn("close resources", "error", cerr)
	}
	if err != nil {
		return err
	}
	p.logger.Info("shutdown complete")
	return nil
}

// Close releases the store and the presence client.
func (p *Proxy) Close() error {
	return multierr.Combine(p.store.Close(), p.presence.Close())
}

func (p *Proxy) brainAdded(c *registry.Connector) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	p.stats.BrainEvent("connect")
	err := multierr.Combine(
		p.store.UpsertBrain(ctx, &store.Brain{
			Route:        c.Route,
			ConnectorID:  c.ID,
			Origin:       string(c.Origin),
			Online:       true,
			RegisteredAt: c.RegisteredAt,
			LastSeen:     c.RegisteredAt,
		}),
		p.store.LogAuditEvent(ctx, p.brainEvent(store.ActionBrainConnect, c, nil)),
	)
	if err != nil {
		p.logger.Warn("record brain connect", "route", c.Route, "error", err)
	}
	if err := p.presence.Announce(ctx, c); err != nil {
		p.logger.Warn("announce presence", "route", c.Route, "error", err)
	}
}

func (p *Proxy) brainRemoved(c *registry.Connector, reason error) {
	n := p.correlator.CancelAll(c, reason)

	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	action, event := removalAction(reason)
	p.stats.BrainEvent(event)

	var errs error
	if action != store.ActionBrainReplaced {
		// A replaced route stays online under its new connector.
		errs = p.store.SetBrainOnline(ctx, c.Route, false, c.LastSeen())
	}
	detail := map[string]any{"pending_rejected": n}
	if reason != nil {
		detail["reason"] = reason.Error()
	}
	errs = multierr.Append(errs, p.store.LogAuditEvent(ctx, p.brainEvent(action, c, detail)))
	if errs != nil {
		p.logger.Warn("record brain removal", "route", c.Route, "error", errs)
	}
	if err := p.presence.Withdraw(ctx, c); err != nil {
		p.logger.Warn("withdraw presence", "route", c.Route, "error", err)
	}
}

func (p *Proxy) refreshPresence(ctx context.Context, c *registry.Connector) {
	if err := p.presence.Announce(ctx, c); err != nil {
		p.logger.Debug("refresh presence", "route", c.Route, "error", err)
	}
}

func (p *Proxy) runRetentionPurger(ctx context.Context) {
	retention := p.cfg.Storage.AuditRetention.Duration
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.purge(ctx, time.Now().Add(-retention))
		}
	}
}

func (p *Proxy) purge(ctx context.Context, cutoff time.Time) {
	if n, err := p.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
		p.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		p.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}

func (p *Proxy) brainEvent(action string, c *registry.Connector, detail map[string]any) *store.AuditEvent {
	e := &store.AuditEvent{
		ID:          uuid.New().String(),
		Action:      action,
		Route:       c.Route,
		ConnectorID: c.ID,
		CreatedAt:   time.Now(),
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["origin"] = c.Origin
	if raw, err := json.Marshal(detail); err == nil {
		e.Detail = raw
	}
	return e
}

// removalAction maps a registry removal reason to its audit action and
// metrics event.
func removalAction(reason error) (action, event string) {
	switch {
	case errors.Is(reason, registry.ErrReplaced):
		return store.ActionBrainReplaced, "replaced"
	case errors.Is(reason, registry.ErrStale):
		return store.ActionBrainReaped, "reaped"
	case errors.Is(reason, registry.ErrKicked):
		return store.ActionBrainKicked, "kicked"
	default:
		return store.ActionBrainDisconnect, "disconnect"
	}
}
