package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/magi-network/brainproxy/internal/auth"
	"github.com/magi-network/brainproxy/internal/correlator"
	"github.com/magi-network/brainproxy/internal/metrics"
	"github.com/magi-network/brainproxy/internal/store"
	"github.com/magi-network/brainproxy/pkg/protocol"
)

// methodMagiCommand is the brain method /claude commands are forwarded as.
const methodMagiCommand = "magi_command"

var (
	authPattern    = regexp.MustCompile(`(?i)^magi\s+auth\s+(\S+)$`)
	commandPattern = regexp.MustCompile(`(?is)^magi\s+(.+)$`)
)

type claudeRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

type claudeResponse struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// handleClaude serves POST /claude. It understands two messages:
// "magi auth CODE" exchanges a daily code for a session, and "magi COMMAND"
// forwards COMMAND to the session's brain. No bearer header is used.
func (s *Server) handleClaude(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	var req claudeRequest
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		s.stats.Request(dialectClaude, metrics.OutcomeRejected)
		writeJSON(w, http.StatusBadRequest, claudeResponse{Message: "Request body must be JSON: {\"message\": \"magi ...\", \"sessionId\": \"...\"}"})
		return
	}

	msg := strings.TrimSpace(req.Message)
	if m := authPattern.FindStringSubmatch(msg); m != nil {
		s.claudeAuth(w, r, m[1])
		return
	}
	if m := commandPattern.FindStringSubmatch(msg); m != nil {
		s.claudeCommand(w, r, req.SessionID, strings.TrimSpace(m[1]))
		return
	}

	s.stats.Request(dialectClaude, metrics.OutcomeRejected)
	writeJSON(w, http.StatusBadRequest, claudeResponse{
		Message: `Unrecognized message. Use "magi auth <code>" to connect, then "magi <command>".`,
	})
}

func (s *Server) claudeAuth(w http.ResponseWriter, r *http.Request, code string) {
	if !s.claudeAuthRL.allow(clientIP(r)) {
		s.stats.Request(dialectClaude, metrics.OutcomeThrottled)
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, claudeResponse{Message: "Too many authentication attempts. Wait a minute and try again."})
		return
	}

	route, secret, ok := s.sessions.ValidateCode(code)
	if !ok {
		s.stats.Request(dialectClaude, metrics.OutcomeRejected)
		s.logger.Warn("invalid daily code", "remote_addr", clientIP(r))
		writeJSON(w, http.StatusUnauthorized, claudeResponse{
			Message: "Invalid code. Codes change every day (UTC) and only work while your brain is connected.",
		})
		return
	}

	sess, err := s.sessions.Create(route, secret)
	if err != nil {
		s.stats.Request(dialectClaude, metrics.OutcomeError)
		s.logger.Error("create session", "error", err)
		writeJSON(w, http.StatusInternalServerError, claudeResponse{Message: "Could not create a session."})
		return
	}
	s.audit(r.Context(), &store.AuditEvent{Action: store.ActionSessionCreated, Route: route, RemoteAddr: clientIP(r)})
	s.stats.Request(dialectClaude, metrics.OutcomeOK)

	writeJSON(w, http.StatusOK, claudeResponse{
		Success:   true,
		Message:   fmt.Sprintf("Connected to brain %q. Session valid until %s.", route, sess.ExpiresAt.UTC().Format("2006-01-02 15:04 MST")),
		SessionID: sess.ID,
	})
}

func (s *Server) claudeCommand(w http.ResponseWriter, r *http.Request, sessionID, command string) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		s.stats.Request(dialectClaude, metrics.OutcomeRejected)
		writeJSON(w, http.StatusUnauthorized, claudeResponse{
			Message: `No valid session. Authenticate first with "magi auth <code>".`,
		})
		return
	}

	c, err := s.auth.Authorize(sess.Route, sess.Secret)
	if errors.Is(err, auth.ErrForbidden) {
		// The brain reconnected with a different secret since the session
		// was created.
		s.stats.Request(dialectClaude, metrics.OutcomeRejected)
		writeJSON(w, http.StatusForbidden, claudeResponse{
			Message: `Session no longer matches the connected brain. Authenticate again with "magi auth <code>".`,
		})
		return
	}
	if c == nil {
		s.stats.Request(dialectClaude, metrics.OutcomeOffline)
		writeJSON(w, http.StatusServiceUnavailable, claudeResponse{Message: offlineText(sess.Route), SessionID: sess.ID})
		return
	}

	id := "claude-" + uuid.New().String()
	params, _ := json.Marshal(map[string]string{"command": command})
	payload, _ := json.Marshal(protocol.Request{ID: protocol.StringID(id), Method: methodMagiCommand, Params: params})

	raw, err := s.forward(r.Context(), dialectClaude, c, id, payload)
	s.stats.Request(dialectClaude, forwardOutcome(err))
	if err != nil {
		s.writeClaudeForwardError(w, r, sess.ID, sess.Route, err)
		return
	}

	var reply protocol.Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		s.logger.Warn("brain reply is not a JSON object", "route", sess.Route, "error", err)
		writeJSON(w, http.StatusBadGateway, claudeResponse{Message: "The brain sent an unreadable reply.", SessionID: sess.ID})
		return
	}
	if reply.Error != nil {
		writeJSON(w, http.StatusOK, claudeResponse{Message: reply.Error.Message, SessionID: sess.ID})
		return
	}
	writeJSON(w, http.StatusOK, claudeResponse{Success: true, Message: "ok", SessionID: sess.ID, Result: reply.Result})
}

func (s *Server) writeClaudeForwardError(w http.ResponseWriter, r *http.Request, sessionID, route string, err error) {
	switch {
	case errors.Is(err, correlator.ErrTimeout):
		writeJSON(w, http.StatusInternalServerError, claudeResponse{Message: "The brain did not reply in time.", SessionID: sessionID})
	case errors.Is(err, correlator.ErrConnectorGone):
		writeJSON(w, http.StatusServiceUnavailable, claudeResponse{Message: offlineText(route), SessionID: sessionID})
	case errors.Is(err, correlator.ErrTooManyInFlight):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, claudeResponse{Message: "Too many requests in flight for this brain.", SessionID: sessionID})
	case r.Context().Err() != nil:
	default:
		s.logger.Error("forward failed", "route", route, "error", err)
		writeJSON(w, http.StatusInternalServerError, claudeResponse{Message: "Request failed.", SessionID: sessionID})
	}
}
