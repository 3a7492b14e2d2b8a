package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/magi-network/brainproxy/internal/auth"
	"github.com/magi-network/brainproxy/internal/registry"
	"github.com/magi-network/brainproxy/internal/store"
)

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, exp, err := s.admin.Login(req.Username, req.Password)
	if errors.Is(err, auth.ErrLoginDisabled) {
		writeError(w, http.StatusNotFound, "local login is not configured")
		return
	}
	if err != nil {
		s.logger.Warn("admin login failed", "username", req.Username, "remote_addr", clientIP(r))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	s.audit(r.Context(), &store.AuditEvent{
		Action:     store.ActionAdminLogin,
		RemoteAddr: clientIP(r),
		Detail:     json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": exp.UTC().Format(time.RFC3339),
	})
}

type adminBrains struct {
	Live  []registry.Info `json:"live"`
	Known []store.Brain   `json:"known"`
}

func (s *Server) handleAdminListBrains(w http.ResponseWriter, r *http.Request) {
	conns := s.reg.Connectors()
	out := adminBrains{Live: make([]registry.Info, 0, len(conns)), Known: []store.Brain{}}
	for _, c := range conns {
		out.Live = append(out.Live, c.Info())
	}

	known, err := s.store.ListBrains(r.Context())
	if err != nil {
		s.logger.Error("list brains", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list brains")
		return
	}
	if known != nil {
		out.Known = known
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminKick(w http.ResponseWriter, r *http.Request) {
	route := chi.URLParam(r, "route")
	if !s.reg.Kick(route) {
		writeError(w, http.StatusNotFound, "no brain connected for route")
		return
	}
	subject := ""
	if admin := adminFromContext(r.Context()); admin != nil {
		subject = admin.Subject
	}
	s.logger.Info("brain kicked by operator", "route", route, "admin", subject)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		Action: q.Get("action"),
		Route:  q.Get("route"),
		Limit:  50,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		s.logger.Error("list audit events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
