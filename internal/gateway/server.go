// Package gateway is the public HTTP surface of the brain proxy: the
// WebSocket endpoint brains connect to, the /rpc, /mcp and /claude dialects
// that forward calls to them, and the health, schema, metrics and admin
// endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/magi-network/brainproxy/internal/auth"
	"github.com/magi-network/brainproxy/internal/config"
	"github.com/magi-network/brainproxy/internal/correlator"
	"github.com/magi-network/brainproxy/internal/metrics"
	"github.com/magi-network/brainproxy/internal/registry"
	"github.com/magi-network/brainproxy/internal/session"
	"github.com/magi-network/brainproxy/internal/store"
)

// Dialect labels used for metrics.
const (
	dialectRPC    = "rpc"
	dialectMCP    = "mcp"
	dialectClaude = "claude"
)

// Deps are the components the gateway serves.
type Deps struct {
	Registry   *registry.Registry
	Correlator *correlator.Correlator
	Auth       *auth.Authenticator
	Sessions   *session.Manager
	Stats      *metrics.Stats
	Store      store.Store
	Admin      *auth.AdminAuth // nil disables the admin API
	Version    string
}

// Server is the HTTP gateway.
type Server struct {
	reg        *registry.Registry
	correlator *correlator.Correlator
	auth       *auth.Authenticator
	sessions   *session.Manager
	stats      *metrics.Stats
	store      store.Store
	admin      *auth.AdminAuth
	version    string

	logger   *slog.Logger
	mux      *chi.Mux
	upgrader websocket.Upgrader

	publicURL          string
	maxBodyBytes       int64
	maxMessageBytes    int64
	minConnectTokenLen int
	writeTimeout       time.Duration

	claudeAuthRL *ipLimiter
	adminLoginRL *ipLimiter
}

// NewServer creates the gateway and its routes.
func NewServer(d Deps, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		reg:                d.Registry,
		correlator:         d.Correlator,
		auth:               d.Auth,
		sessions:           d.Sessions,
		stats:              d.Stats,
		store:              d.Store,
		admin:              d.Admin,
		version:            d.Version,
		logger:             logger.With("component", "gateway"),
		upgrader:           makeUpgrader(cfg.Server.AllowedOrigins),
		publicURL:          cfg.Server.PublicURL,
		maxBodyBytes:       cfg.Server.MaxBodyBytes,
		maxMessageBytes:    cfg.Proxy.MaxMessageBytes,
		minConnectTokenLen: cfg.Proxy.MinConnectTokenLength,
		writeTimeout:       10 * time.Second,
		claudeAuthRL:       newIPLimiter(cfg.Sessions.AuthPerMinute, cfg.Sessions.AuthBurst, cfg.Sessions.MaxTrackedClients),
		adminLoginRL:       newIPLimiter(5, 5, 1024),
	}
	if s.store == nil {
		s.store = store.Nop{}
	}
	if s.maxBodyBytes <= 0 {
		s.maxBodyBytes = 1024 * 1024
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/connect", s.handleConnect)

	mux.Post("/rpc/{route}", s.handleRPC)
	mux.Post("/mcp", s.handleMCP)
	mux.Post("/claude", s.handleClaude)

	mux.Get("/health", s.handleHealth)
	mux.Get("/openapi.json", s.handleOpenAPI)
	mux.Get("/claude-api.json", s.handleClaudeAPI)

	if !cfg.Metrics.Disabled && s.stats != nil {
		mux.Handle("/metrics", s.stats.Handler())
	}

	if s.admin != nil {
		mux.Route("/api/admin", func(r chi.Router) {
			r.With(ipRateLimitMiddleware(s.adminLoginRL, "too many login attempts")).Post("/login", s.handleAdminLogin)
			r.Group(func(r chi.Router) {
				r.Use(s.adminAuthMiddleware)
				r.Get("/brains", s.handleAdminListBrains)
				r.Delete("/brains/{route}", s.handleAdminKick)
				r.Get("/audit", s.handleAdminListAudit)
			})
		})
	}

	s.mux = mux
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// audit records an event, logging instead of failing the request on error.
func (s *Server) audit(ctx context.Context, e *store.AuditEvent) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if err := s.store.LogAuditEvent(ctx, e); err != nil {
		s.logger.Warn("failed to log audit event", "action", e.Action, "error", err)
	}
}

// readBody reads at most maxBodyBytes of the request body.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var buf json.RawMessage
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
