package gateway

import (
	"net/http"
)

// baseURL is the advertised public URL, or one derived from the request.
func (s *Server) baseURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func jsonBody(schemaRef string) map[string]any {
	return map[string]any{
		"required": true,
		"content": map[string]any{
			"application/json": map[string]any{"schema": map[string]any{"$ref": schemaRef}},
		},
	}
}

func jsonResponse(description, schemaRef string) map[string]any {
	return map[string]any{
		"description": description,
		"content": map[string]any{
			"application/json": map[string]any{"schema": map[string]any{"$ref": schemaRef}},
		},
	}
}

// handleOpenAPI serves an OpenAPI 3.1 description of the caller-facing
// endpoints, for LLM tool-calling integrations.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":       "Brain Proxy",
			"version":     s.version,
			"description": "Forwards authenticated calls to a personal brain running behind NAT. When the brain is offline, calls degrade to a 503 with a helpful message instead of failing hard.",
		},
		"servers": []map[string]any{{"url": s.baseURL(r)}},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"bearer": map[string]any{
					"type":        "http",
					"scheme":      "bearer",
					"description": "Either the brain secret (with the route in the URL) or a composite \"route:secret\" key.",
				},
			},
			"schemas": map[string]any{
				"RPCRequest": map[string]any{
					"type":     "object",
					"required": []string{"id", "method"},
					"properties": map[string]any{
						"id":     map[string]any{"type": []string{"string", "number"}},
						"method": map[string]any{"type": "string", "examples": []string{"ai_status", "ai_search_memories", "ai_save_memory"}},
						"params": map[string]any{"type": "object"},
					},
				},
				"RPCReply": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":     map[string]any{"type": []string{"string", "number"}},
						"result": map[string]any{},
						"error":  map[string]any{},
					},
				},
				"JSONRPCRequest": map[string]any{
					"type":     "object",
					"required": []string{"jsonrpc", "method"},
					"properties": map[string]any{
						"jsonrpc": map[string]any{"const": "2.0"},
						"id":      map[string]any{"type": []string{"string", "number", "null"}},
						"method":  map[string]any{"type": "string"},
						"params":  map[string]any{"type": "object"},
					},
				},
				"ClaudeRequest": map[string]any{
					"type":     "object",
					"required": []string{"message"},
					"properties": map[string]any{
						"message":   map[string]any{"type": "string", "examples": []string{"magi auth A1B2C3", "magi status"}},
						"sessionId": map[string]any{"type": "string"},
					},
				},
				"ClaudeResponse": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"success":   map[string]any{"type": "boolean"},
						"message":   map[string]any{"type": "string"},
						"sessionId": map[string]any{"type": "string"},
						"result":    map[string]any{},
					},
				},
				"Health": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"status":           map[string]any{"type": "string"},
						"connectedBrains":  map[string]any{"type": "integer"},
						"routes":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"totalRequests":    map[string]any{"type": "integer"},
						"offlineResponses": map[string]any{"type": "integer"},
						"uptime":           map[string]any{"type": "number"},
					},
				},
			},
		},
		"paths": map[string]any{
			"/rpc/{route}": map[string]any{
				"post": map[string]any{
					"operationId": "callBrain",
					"summary":     "Call a method on the brain registered for route.",
					"security":    []map[string]any{{"bearer": []string{}}},
					"parameters": []map[string]any{{
						"name": "route", "in": "path", "required": true,
						"description": "Brain route, or _auto to take it from a composite key.",
						"schema":      map[string]any{"type": "string"},
					}},
					"requestBody": jsonBody("#/components/schemas/RPCRequest"),
					"responses": map[string]any{
						"200": jsonResponse("Reply from the brain.", "#/components/schemas/RPCReply"),
						"400": map[string]any{"description": "Malformed body or missing id/method."},
						"401": map[string]any{"description": "Missing or too-short credentials."},
						"403": map[string]any{"description": "Secret does not match the connected brain."},
						"429": map[string]any{"description": "Too many requests in flight for this brain."},
						"500": map[string]any{"description": "Timed out or failed."},
						"503": jsonResponse("Brain offline; degraded reply echoing the id.", "#/components/schemas/RPCReply"),
					},
				},
			},
			"/mcp": map[string]any{
				"post": map[string]any{
					"operationId": "mcp",
					"summary":     "JSON-RPC 2.0 endpoint for MCP clients.",
					"security":    []map[string]any{{"bearer": []string{}}},
					"parameters": []map[string]any{{
						"name": "route", "in": "query", "required": false,
						"schema": map[string]any{"type": "string"},
					}},
					"requestBody": jsonBody("#/components/schemas/JSONRPCRequest"),
					"responses": map[string]any{
						"200": map[string]any{"description": "JSON-RPC response."},
						"202": map[string]any{"description": "Notification accepted."},
						"default": map[string]any{"description": "JSON-RPC error object."},
					},
				},
			},
			"/claude": map[string]any{
				"post": map[string]any{
					"operationId": "claude",
					"summary":     "Session-based access with a daily code: send \"magi auth CODE\", then \"magi COMMAND\" with the returned sessionId.",
					"requestBody": jsonBody("#/components/schemas/ClaudeRequest"),
					"responses": map[string]any{
						"200": jsonResponse("Command result.", "#/components/schemas/ClaudeResponse"),
					},
				},
			},
			"/health": map[string]any{
				"get": map[string]any{
					"operationId": "health",
					"responses": map[string]any{
						"200": jsonResponse("Proxy status.", "#/components/schemas/Health"),
					},
				},
			},
		},
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleClaudeAPI serves a compact tool description for the /claude dialect.
func (s *Server) handleClaudeAPI(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "magi",
		"description": "Talk to your personal brain. First run \"magi auth CODE\" with the six-character code your local agent shows today, then send \"magi COMMAND\" with the returned sessionId.",
		"version":     s.version,
		"endpoint":    base + "/claude",
		"method":      "POST",
		"input_schema": map[string]any{
			"type":     "object",
			"required": []string{"message"},
			"properties": map[string]any{
				"message":   map[string]any{"type": "string", "description": "\"magi auth CODE\" or \"magi COMMAND\""},
				"sessionId": map[string]any{"type": "string", "description": "Returned by magi auth; required for commands."},
			},
		},
		"examples": []map[string]any{
			{"message": "magi auth A1B2C3"},
			{"message": "magi what did I note about the trip?", "sessionId": "<from auth>"},
		},
		"session_ttl_hours": 24,
	})
}
