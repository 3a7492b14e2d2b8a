package gateway

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/magi-network/brainproxy/internal/auth"
	"github.com/magi-network/brainproxy/internal/correlator"
	"github.com/magi-network/brainproxy/internal/metrics"
	"github.com/magi-network/brainproxy/internal/store"
	"github.com/magi-network/brainproxy/pkg/protocol"
)

// mcpProtocolVersion is reported by the local initialize handler.
const mcpProtocolVersion = "2024-11-05"

var nullID = json.RawMessage("null")

type mcpErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   protocol.Error  `json:"error"`
}

type mcpResultResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

func writeMCPError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string, data any) {
	if len(id) == 0 {
		id = nullID
	}
	writeJSON(w, status, mcpErrorResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   protocol.Error{Code: code, Message: message, Data: data},
	})
}

// synthesizeID returns a fresh id for callers that sent a falsy one.
func synthesizeID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("mcp-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(b))
}

// handleMCP serves POST /mcp, a JSON-RPC 2.0 endpoint. The route comes from
// ?route= or a composite key.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	creds, err := s.auth.Parse(r.Header.Get("Authorization"), r.URL.Query().Get("route"))
	if err == nil {
		err = s.auth.ValidateSecretLength(creds.Secret)
	}
	if err != nil {
		s.stats.Request(dialectMCP, metrics.OutcomeRejected)
		writeMCPError(w, http.StatusUnauthorized, nil, protocol.CodeUnauthorized, err.Error(), nil)
		return
	}

	body, err := s.readBody(w, r)
	if err != nil {
		s.stats.Request(dialectMCP, metrics.OutcomeRejected)
		writeMCPError(w, http.StatusBadRequest, nil, protocol.CodeParseError, "parse error", nil)
		return
	}
	if bytes.HasPrefix(body, []byte("[")) {
		s.stats.Request(dialectMCP, metrics.OutcomeRejected)
		writeMCPError(w, http.StatusBadRequest, nil, protocol.CodeInvalidRequest, "batch requests are not supported", nil)
		return
	}
	var req protocol.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.stats.Request(dialectMCP, metrics.OutcomeRejected)
		writeMCPError(w, http.StatusBadRequest, nil, protocol.CodeParseError, "parse error", nil)
		return
	}
	if req.Method == "" {
		s.stats.Request(dialectMCP, metrics.OutcomeRejected)
		writeMCPError(w, http.StatusBadRequest, req.ID, protocol.CodeInvalidRequest, "method is required", nil)
		return
	}

	// Notifications expect no response.
	if strings.HasPrefix(req.Method, "notifications/") {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.stats.Request(dialectMCP, metrics.OutcomeOK)
		writeJSON(w, http.StatusOK, mcpResultResponse{JSONRPC: "2.0", ID: orNull(req.ID), Result: map[string]any{
			"protocolVersion": mcpProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "brain-proxy", "version": s.version},
		}})
		return
	case "ping":
		s.stats.Request(dialectMCP, metrics.OutcomeOK)
		writeJSON(w, http.StatusOK, mcpResultResponse{JSONRPC: "2.0", ID: orNull(req.ID), Result: map[string]any{}})
		return
	}

	c, err := s.auth.Authorize(creds.Route, creds.Secret)
	if errors.Is(err, auth.ErrForbidden) {
		s.stats.Request(dialectMCP, metrics.OutcomeRejected)
		s.audit(r.Context(), &store.AuditEvent{Action: store.ActionAuthForbidden, Route: creds.Route, RemoteAddr: clientIP(r)})
		s.logger.Warn("secret mismatch", "dialect", dialectMCP, "route", creds.Route)
		writeMCPError(w, http.StatusForbidden, req.ID, protocol.CodeForbidden, "forbidden", nil)
		return
	}
	if c == nil {
		s.stats.Request(dialectMCP, metrics.OutcomeOffline)
		writeMCPError(w, http.StatusServiceUnavailable, req.ID, protocol.CodeBrainOffline, offlineText(creds.Route),
			map[string]any{"brainOffline": true, "route": creds.Route})
		return
	}

	// Falsy ids would collide across callers; replace them and restore the
	// caller's id on the way back.
	payload := body
	id := protocol.IDKey(req.ID)
	synthesized := protocol.IsFalsyID(req.ID)
	if synthesized {
		id = synthesizeID()
		fwd := req
		fwd.ID = protocol.StringID(id)
		if fwd.JSONRPC == "" {
			fwd.JSONRPC = "2.0"
		}
		payload, _ = json.Marshal(fwd)
	} else if id == "" {
		s.stats.Request(dialectMCP, metrics.OutcomeRejected)
		writeMCPError(w, http.StatusBadRequest, nil, protocol.CodeInvalidRequest, "id must be a string or number", nil)
		return
	}

	reply, err := s.forward(r.Context(), dialectMCP, c, id, payload)
	s.stats.Request(dialectMCP, forwardOutcome(err))
	if err != nil {
		s.writeMCPForwardError(w, r, req.ID, creds.Route, err)
		return
	}

	if synthesized {
		reply, err = rewriteID(reply, orNull(req.ID))
		if err != nil {
			s.logger.Warn("brain reply is not a JSON object", "route", creds.Route, "error", err)
			writeMCPError(w, http.StatusInternalServerError, req.ID, protocol.CodeInternalError, "invalid reply from brain", nil)
			return
		}
	}
	writeRaw(w, http.StatusOK, reply)
}

func (s *Server) writeMCPForwardError(w http.ResponseWriter, r *http.Request, id json.RawMessage, route string, err error) {
	switch {
	case errors.Is(err, correlator.ErrTimeout):
		s.logger.Warn("brain did not reply in time", "route", route, "id", string(id))
		writeMCPError(w, http.StatusInternalServerError, id, protocol.CodeInternalError, "request timed out", nil)
	case errors.Is(err, correlator.ErrConnectorGone):
		writeMCPError(w, http.StatusServiceUnavailable, id, protocol.CodeBrainOffline, offlineText(route),
			map[string]any{"brainOffline": true, "route": route})
	case errors.Is(err, correlator.ErrTooManyInFlight):
		w.Header().Set("Retry-After", "1")
		writeMCPError(w, http.StatusTooManyRequests, id, protocol.CodeTooManyPending, "too many requests in flight", nil)
	case errors.Is(err, correlator.ErrDuplicateID):
		writeMCPError(w, http.StatusConflict, id, protocol.CodeInvalidRequest, "request id already in flight", nil)
	case r.Context().Err() != nil:
	default:
		s.logger.Error("forward failed", "route", route, "error", err)
		writeMCPError(w, http.StatusInternalServerError, id, protocol.CodeInternalError, "internal error", nil)
	}
}

// rewriteID replaces the "id" member of a JSON object, keeping every other
// member as sent.
func rewriteID(reply []byte, id json.RawMessage) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(reply, &obj); err != nil {
		return nil, err
	}
	obj["id"] = id
	return json.Marshal(obj)
}

func orNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}
