package httpserver

import (
	"net/http"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/signaling"
)

// PeerDirectory is the read side of the peer registry.
type PeerDirectory interface {
	Len() int
	Snapshot() []signaling.PeerInfo
}

type healthResponse struct {
	Status         string  `json:"status"`
	Timestamp      string  `json:"timestamp"`
	ConnectedPeers int     `json:"connectedPeers"`
	Uptime         float64 `json:"uptime"`
}

type peerEntry struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
}

type peersResponse struct {
	Peers []peerEntry `json:"peers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "OK",
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Uptime:    time.Since(s.started).Seconds(),
	}
	if s.deps.Peers != nil {
		resp.ConnectedPeers = s.deps.Peers.Len()
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	resp := peersResponse{Peers: []peerEntry{}}
	if s.deps.Peers != nil {
		for _, p := range s.deps.Peers.Snapshot() {
			resp.Peers = append(resp.Peers, peerEntry{ID: p.ID, Connected: p.Connected})
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}
