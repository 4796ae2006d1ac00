package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// StatusResponse is the JSON body returned by GET /health.
type StatusResponse struct {
	Status        string        `json:"status"`
	Node          string        `json:"node,omitempty"`
	Version       string        `json:"version,omitempty"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Sessions      SessionStatus `json:"sessions"`
	Peers         PeerStatus    `json:"peers"`
}

// SessionStatus holds session counts.
type SessionStatus struct {
	Active     int   `json:"active"`
	Persistent int   `json:"persistent"`
	AppOffline int   `json:"app_offline"`
	Created    int64 `json:"created_total"`
	Resumed    int64 `json:"resumed_total"`
	Expired    int64 `json:"expired_total"`
}

// PeerStatus holds live connection counts.
type PeerStatus struct {
	Apps    int `json:"apps"`
	Clients int `json:"clients"`
}

// Metrics tracks relay counters for /health and /metrics.
type Metrics struct {
	ConnectionsTotal atomic.Int64
	SessionsCreated  atomic.Int64
	SessionsResumed  atomic.Int64
	SessionsExpired  atomic.Int64
	Takeovers        atomic.Int64
	FramesIn         atomic.Int64
	FramesOut        atomic.Int64
	FramesRejected   atomic.Int64
}

func (s *Server) snapshot() StatusResponse {
	resp := StatusResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(s.now().Sub(s.startTime) / time.Second),
		Sessions: SessionStatus{
			Created: s.metrics.SessionsCreated.Load(),
			Resumed: s.metrics.SessionsResumed.Load(),
			Expired: s.metrics.SessionsExpired.Load(),
		},
	}
	if s.coord != nil {
		resp.Node = s.coord.NodeID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	resp.Sessions.Active = len(s.sessions)
	for _, sess := range s.sessions {
		if sess.persistent {
			resp.Sessions.Persistent++
		}
		if sess.app == nil {
			resp.Sessions.AppOffline++
		}
	}
	for _, p := range s.peers {
		switch p.role {
		case roleApp:
			resp.Peers.Apps++
		case roleClient:
			resp.Peers.Clients++
		}
	}
	return resp
}

// healthHandler serves GET /health.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

// walletsHandler serves GET /get_wallets_metadata[?network=X].
func (s *Server) walletsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	json.NewEncoder(w).Encode(s.wallets.List(r.URL.Query().Get("network")))
}
