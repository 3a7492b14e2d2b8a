package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/magi-network/brainproxy/internal/auth"
	"github.com/magi-network/brainproxy/internal/correlator"
	"github.com/magi-network/brainproxy/internal/metrics"
	"github.com/magi-network/brainproxy/internal/registry"
	"github.com/magi-network/brainproxy/internal/store"
	"github.com/magi-network/brainproxy/pkg/protocol"
)

// offlineText is the message shown to callers while a brain is disconnected.
func offlineText(route string) string {
	return fmt.Sprintf("The brain for route %q is offline right now. "+
		"Start your local agent so it reconnects to the proxy, then try again. "+
		"Nothing was sent and nothing was lost.", route)
}

// degradedReply is the successful-shaped body /rpc returns while the brain is
// offline. It echoes the caller's id.
func degradedReply(id json.RawMessage, route string) map[string]any {
	return map[string]any{
		"id": id,
		"result": protocol.ToolResult{
			Content:      []protocol.TextContent{{Type: "text", Text: offlineText(route)}},
			BrainOffline: true,
			Route:        route,
		},
	}
}

// forward sends payload to c and waits for the correlated reply.
func (s *Server) forward(ctx context.Context, dialect string, c *registry.Connector, id string, payload []byte) ([]byte, error) {
	start := time.Now()
	reply, err := s.correlator.Send(ctx, c, id, payload)
	if err == nil {
		s.stats.Forwarded(dialect, time.Since(start))
	}
	return reply, err
}

// forwardOutcome maps a forward error to a metrics outcome.
func forwardOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, correlator.ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, correlator.ErrConnectorGone):
		return metrics.OutcomeOffline
	case errors.Is(err, correlator.ErrTooManyInFlight):
		return metrics.OutcomeThrottled
	default:
		return metrics.OutcomeError
	}
}

// handleRPC serves POST /rpc/{route}.
//
// Checks run in a fixed order: credentials, secret length, body, secret
// match, availability. An offline brain is reported without checking the
// secret, since there is nothing to check it against.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	creds, err := s.auth.Parse(r.Header.Get("Authorization"), chi.URLParam(r, "route"))
	if err == nil {
		err = s.auth.ValidateSecretLength(creds.Secret)
	}
	if err != nil {
		s.stats.Request(dialectRPC, metrics.OutcomeRejected)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		s.stats.Request(dialectRPC, metrics.OutcomeRejected)
		writeError(w, http.StatusBadRequest, "parse error: request body must be a JSON object")
		return
	}
	var req protocol.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.stats.Request(dialectRPC, metrics.OutcomeRejected)
		writeError(w, http.StatusBadRequest, "parse error: request body must be a JSON object")
		return
	}
	id := protocol.IDKey(req.ID)
	if id == "" || req.Method == "" {
		s.stats.Request(dialectRPC, metrics.OutcomeRejected)
		writeError(w, http.StatusBadRequest, "id and method are required")
		return
	}

	c, err := s.auth.Authorize(creds.Route, creds.Secret)
	if errors.Is(err, auth.ErrForbidden) {
		s.stats.Request(dialectRPC, metrics.OutcomeRejected)
		s.audit(r.Context(), &store.AuditEvent{Action: store.ActionAuthForbidden, Route: creds.Route, RemoteAddr: clientIP(r)})
		s.logger.Warn("secret mismatch", "dialect", dialectRPC, "route", creds.Route)
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if c == nil {
		s.stats.Request(dialectRPC, metrics.OutcomeOffline)
		writeJSON(w, http.StatusServiceUnavailable, degradedReply(req.ID, creds.Route))
		return
	}

	reply, err := s.forward(r.Context(), dialectRPC, c, id, body)
	s.stats.Request(dialectRPC, forwardOutcome(err))
	if err != nil {
		s.writeRPCForwardError(w, r, req.ID, creds.Route, err)
		return
	}
	writeRaw(w, http.StatusOK, reply)
}

func (s *Server) writeRPCForwardError(w http.ResponseWriter, r *http.Request, id json.RawMessage, route string, err error) {
	body := func(msg string) map[string]any { return map[string]any{"id": id, "error": msg} }

	switch {
	case errors.Is(err, correlator.ErrTimeout):
		s.logger.Warn("brain did not reply in time", "route", route, "id", string(id))
		writeJSON(w, http.StatusInternalServerError, body("request timed out"))
	case errors.Is(err, correlator.ErrConnectorGone):
		writeJSON(w, http.StatusServiceUnavailable, degradedReply(id, route))
	case errors.Is(err, correlator.ErrTooManyInFlight):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, body("too many requests in flight"))
	case errors.Is(err, correlator.ErrDuplicateID):
		writeJSON(w, http.StatusConflict, body("request id already in flight"))
	case r.Context().Err() != nil:
		// Caller went away; nobody is listening.
	default:
		s.logger.Error("forward failed", "route", route, "error", err)
		writeJSON(w, http.StatusInternalServerError, body("request failed"))
	}
}
