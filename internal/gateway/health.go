package gateway

import (
	"net/http"
)

type healthResponse struct {
	Status           string   `json:"status"`
	ConnectedBrains  int      `json:"connectedBrains"`
	Routes           []string `json:"routes"`
	TotalRequests    int64    `json:"totalRequests"`
	OfflineResponses int64    `json:"offlineResponses"`
	Uptime           float64  `json:"uptime"` // seconds
	Version          string   `json:"version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:           "ok",
		ConnectedBrains:  s.reg.Len(),
		Routes:           s.reg.Routes(),
		TotalRequests:    s.stats.TotalRequests(),
		OfflineResponses: s.stats.OfflineResponses(),
		Uptime:           s.stats.Uptime().Seconds(),
		Version:          s.version,
	})
}
