package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
)

const DefaultMaxMessageBytes = int64(64 * 1024)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Registry *Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// MaxMessageBytes caps a single inbound message. Larger messages close
	// the connection with 1009.
	MaxMessageBytes int64

	// CheckOrigin decides whether a browser origin may open /ws. If nil, all
	// origins are accepted.
	CheckOrigin func(r *http.Request) bool
}

// Server implements the relay's WebSocket surface.
//
// Endpoints:
//   - GET /ws?id=<peer id> : register as peer id and exchange signaling messages
type Server struct {
	registry        *Registry
	log             *slog.Logger
	metrics         *metrics.Metrics
	maxMessageBytes int64
	upgrader        websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry(RegistryConfig{Logger: log, Metrics: cfg.Metrics})
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		registry:        reg,
		log:             log,
		metrics:         cfg.Metrics,
		maxMessageBytes: maxBytes,
		upgrader: websocket.Upgrader{
			CheckOrigin:       checkOrigin,
			EnableCompression: false,
		},
	}
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Close disconnects every peer with 1001 and refuses further connections.
func (s *Server) Close() {
	s.registry.Shutdown()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	clientIP := clientAddr(r)
	id, err := ValidatePeerID(r.URL.Query().Get("id"))
	if err != nil {
		reason := TextMissingPeerID
		if errors.Is(err, ErrInvalidPeerID) {
			reason = TextInvalidPeerID
		}
		s.metrics.Inc(metrics.PeersRejected)
		s.log.Warn("rejecting connection", "client_ip", clientIP, "reason", reason)
		writeClose(conn, ClosePolicyViolated, reason)
		_ = conn.Close()
		return
	}

	conn.SetReadLimit(s.maxMessageBytes)
	t := newWSTransport(conn)
	peer, err := s.registry.Register(id, t)
	if err != nil {
		_ = conn.Close()
		return
	}
	s.log.Info("peer connected", "peer_id", id, "client_ip", clientIP)

	defer func() {
		t.markClosed()
		_ = conn.Close()
		s.registry.Unregister(peer)
	}()

	conn.SetPongHandler(func(string) error {
		s.registry.Touch(peer)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.log.Warn("message too large", "peer_id", id, "limit", s.maxMessageBytes)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("read failed", "peer_id", id, "err", err)
			}
			return
		}
		_ = s.registry.Route(peer, data)
	}
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}
