package registry

import (
	"context"
	"log/slog"
	"time"
)

// MonitorOptions configures a Monitor. Zero values use the defaults.
type MonitorOptions struct {
	HeartbeatInterval time.Duration // default 30s
	ReapInterval      time.Duration // default 60s
	MaxIdle           time.Duration // default 5m

	// OnHeartbeat runs after each heartbeat tick for every connector that
	// accepted the ping.
	OnHeartbeat func(ctx context.Context, c *Connector)
}

// Monitor pings registered brains and reaps the ones that stop answering.
type Monitor struct {
	reg    *Registry
	opts   MonitorOptions
	logger *slog.Logger
}

// NewMonitor creates a liveness monitor for reg.
func NewMonitor(reg *Registry, logger *slog.Logger, opts MonitorOptions) *Monitor {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 60 * time.Second
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 5 * time.Minute
	}
	return &Monitor{
		reg:    reg,
		opts:   opts,
		logger: logger.With("component", "liveness"),
	}
}

// Run blocks until ctx is canceled. Heartbeats and reaping run on independent
// tickers and never hold the registry lock while doing I/O.
func (m *Monitor) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(m.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	reap := time.NewTicker(m.opts.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			m.Heartbeat(ctx)
		case <-reap.C:
			m.Reap()
		}
	}
}

// Heartbeat pings every connector once. A connector whose socket rejects the
// ping is removed immediately.
func (m *Monitor) Heartbeat(ctx context.Context) {
	for _, c := range m.reg.Connectors() {
		if err := c.socket.Ping(); err != nil {
			m.logger.Debug("heartbeat ping failed", "route", c.Route, "error", err)
			if m.reg.RemoveConnector(c, ErrClosed) {
				_ = c.socket.Close(CloseStale, "ping failed")
			}
			continue
		}
		if m.opts.OnHeartbeat != nil {
			m.opts.OnHeartbeat(ctx, c)
		}
	}
}

// Reap removes connectors idle for longer than MaxIdle.
func (m *Monitor) Reap() int {
	stale := m.reg.ReapStale(m.opts.MaxIdle)
	if len(stale) > 0 {
		m.logger.Info("reaper removed stale brains", "count", len(stale))
	}
	return len(stale)
}
