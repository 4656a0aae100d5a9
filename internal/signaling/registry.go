package signaling

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-audio-bridge/internal/ratelimit"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultIdleSweepInterval = 30 * time.Second
)

type RegistryConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	IdleSweepInterval time.Duration

	// MaxMessagesPerSecond limits inbound messages per peer. <= 0 disables
	// the limit.
	MaxMessagesPerSecond int

	// Clock defaults to the wall clock. Tests inject a fake.
	Clock ratelimit.Clock
}

// Peer is one registered connection. The same peer id may be registered
// again later with a different Peer value; only the current one is routable.
type Peer struct {
	ID string

	connID       string
	connectedAt  time.Time
	transport    Transport
	limiter      *ratelimit.TokenBucket
	lastActivity atomic.Int64
	messageCount atomic.Uint64
}

// ConnID identifies this particular connection of the peer id.
func (p *Peer) ConnID() string { return p.connID }

func (p *Peer) touch(now time.Time) {
	p.lastActivity.Store(now.UnixNano())
}

func (p *Peer) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, p.lastActivity.Load()))
}

// PeerInfo is the externally visible state of a registered peer.
type PeerInfo struct {
	ID           string
	Connected    bool
	ConnectedAt  time.Time
	MessageCount uint64
}

// Stats are lifetime totals since the registry was created.
type Stats struct {
	TotalConnections uint64
	TotalMessages    uint64
}

// Registry maps peer ids to their live connection and routes messages
// between them.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	heartbeatInterval    time.Duration
	idleTimeout          time.Duration
	idleSweepInterval    time.Duration
	maxMessagesPerSecond int

	totalConnections atomic.Uint64
	totalMessages    atomic.Uint64

	mu           sync.Mutex
	peers        map[string]*Peer
	shuttingDown bool
}

func NewRegistry(cfg RegistryConfig) *Registry {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	sweep := cfg.IdleSweepInterval
	if sweep <= 0 {
		sweep = DefaultIdleSweepInterval
	}
	return &Registry{
		log:                  log,
		metrics:              cfg.Metrics,
		clock:                clock,
		heartbeatInterval:    heartbeat,
		idleTimeout:          idle,
		idleSweepInterval:    sweep,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		peers:                make(map[string]*Peer),
	}
}

func (r *Registry) nowMillis() int64 {
	return r.clock.Now().UnixMilli()
}

// Register makes t the current connection for id. An existing connection
// with the same id is closed with 1012. The new peer receives a welcome and
// every other open peer is told that id connected.
func (r *Registry) Register(id string, t Transport) (*Peer, error) {
	now := r.clock.Now()
	p := &Peer{
		ID:          id,
		connID:      uuid.NewString(),
		connectedAt: now,
		transport:   t,
		limiter:     ratelimit.NewMessageLimiter(r.clock, r.maxMessagesPerSecond),
	}
	p.touch(now)

	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		t.Close(CloseGoingAway, TextServerShutdown)
		return nil, ErrShuttingDown
	}
	old := r.peers[id]
	r.peers[id] = p
	total := len(r.peers)
	others := r.othersLocked(id)
	r.mu.Unlock()

	if old != nil {
		r.metrics.Inc(metrics.PeersReplaced)
		r.log.Info("replacing existing connection", "peer_id", id, "old_conn_id", old.connID, "conn_id", p.connID)
		old.transport.Close(CloseServiceRestart, TextReplaced)
	}
	r.totalConnections.Add(1)
	r.metrics.Inc(metrics.PeersRegistered)
	r.log.Info("peer registered", "peer_id", id, "conn_id", p.connID, "total_peers", total)

	welcome := systemMessage(EventWelcome)
	welcome.ID = id
	welcome.Timestamp = now.UnixMilli()
	welcome.TotalPeers = total
	r.sendSystem(p, welcome)

	connected := systemMessage(EventPeerConnected)
	connected.ID = id
	connected.Timestamp = now.UnixMilli()
	r.broadcast(others, connected)

	return p, nil
}

// Unregister removes p if it is still the current connection for its id and
// tells the remaining peers. It reports whether p was removed.
func (r *Registry) Unregister(p *Peer) bool {
	r.mu.Lock()
	if cur, ok := r.peers[p.ID]; !ok || cur != p {
		r.mu.Unlock()
		return false
	}
	delete(r.peers, p.ID)
	others := r.othersLocked(p.ID)
	r.mu.Unlock()

	r.log.Info("peer unregistered", "peer_id", p.ID, "conn_id", p.connID)

	msg := systemMessage(EventPeerDisconnected)
	msg.ID = p.ID
	msg.Timestamp = r.nowMillis()
	r.broadcast(others, msg)
	return true
}

// Touch records inbound activity from p, including pongs.
func (r *Registry) Touch(p *Peer) {
	p.touch(r.clock.Now())
}

// Route handles one inbound message from p. Any failure is reported back to
// p as a system message and also returned.
func (r *Registry) Route(from *Peer, data []byte) error {
	r.Touch(from)
	from.messageCount.Add(1)
	r.totalMessages.Add(1)

	if !from.limiter.Allow(1) {
		r.metrics.Inc(metrics.DropRateLimited)
		r.sendError(from, TextRateLimited)
		return ErrRateLimited
	}

	env, err := ParseEnvelope(data)
	if err != nil {
		r.metrics.Inc(metrics.MessagesInvalid)
		if errors.Is(err, ErrInvalidJSON) {
			r.sendError(from, TextInvalidJSON)
		} else {
			r.sendError(from, TextMissingFields)
		}
		return err
	}

	r.mu.Lock()
	dest := r.peers[env.To]
	r.mu.Unlock()

	now := r.nowMillis()
	if dest == nil {
		r.metrics.Inc(metrics.PeerUnavailable)
		msg := systemMessage(EventPeerUnavailable)
		msg.To = env.To
		msg.Timestamp = now
		r.sendSystem(from, msg)
		return ErrPeerUnavailable
	}
	if !dest.transport.Open() {
		r.metrics.Inc(metrics.PeerUnavailable)
		msg := systemMessage(EventPeerUnavailable)
		msg.To = env.To
		msg.Reason = TextPeerNotReady
		msg.Timestamp = now
		r.sendSystem(from, msg)
		return ErrPeerNotReady
	}

	out, err := env.Stamp(from.ID, now)
	if err != nil {
		return err
	}
	if err := dest.transport.Send(out); err != nil {
		r.metrics.Inc(metrics.DeliveryFailed)
		r.log.Warn("delivery failed", "from", from.ID, "to", env.To, "err", err)
		msg := systemMessage(EventDeliveryFailed)
		msg.To = env.To
		msg.Error = err.Error()
		msg.Timestamp = now
		r.sendSystem(from, msg)
		return err
	}
	r.metrics.Inc(metrics.MessagesRouted)
	r.log.Debug("routed message", "type", env.Type, "from", from.ID, "to", env.To)
	return nil
}

// PingAll sends a WebSocket ping to every open peer. A peer whose ping
// cannot be written is closed and removed.
func (r *Registry) PingAll() {
	for _, p := range r.all() {
		if !p.transport.Open() {
			continue
		}
		if err := p.transport.Ping(); err != nil {
			r.metrics.Inc(metrics.PeersPingFailed)
			r.log.Warn("ping failed", "peer_id", p.ID, "err", err)
			p.transport.Close(CloseNormal, TextInactive)
			r.Unregister(p)
		}
	}
}

// SweepIdle closes every peer with no activity for longer than the idle
// timeout and returns how many were closed.
func (r *Registry) SweepIdle() int {
	now := r.clock.Now()
	closed := 0
	for _, p := range r.all() {
		idle := p.idleSince(now)
		if idle <= r.idleTimeout {
			continue
		}
		r.log.Info("closing inactive peer", "peer_id", p.ID, "idle", idle)
		r.metrics.Inc(metrics.PeersIdleClosed)
		p.transport.Close(CloseNormal, TextInactive)
		r.Unregister(p)
		closed++
	}
	return closed
}

// Shutdown closes every connection with 1001 and refuses new
// registrations.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.shuttingDown = true
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[string]*Peer)
	r.mu.Unlock()

	for _, p := range peers {
		p.transport.Close(CloseGoingAway, TextServerShutdown)
	}
}

// Run drives the heartbeat and idle sweep until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	heartbeat := time.NewTicker(r.heartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(r.idleSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			r.PingAll()
		case <-sweep.C:
			r.SweepIdle()
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Snapshot lists registered peers sorted by id.
func (r *Registry) Snapshot() []PeerInfo {
	peers := r.all()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerInfo{
			ID:           p.ID,
			Connected:    p.transport.Open(),
			ConnectedAt:  p.connectedAt,
			MessageCount: p.messageCount.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Stats() Stats {
	return Stats{
		TotalConnections: r.totalConnections.Load(),
		TotalMessages:    r.totalMessages.Load(),
	}
}

func (r *Registry) all() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Registry) othersLocked(id string) []*Peer {
	out := make([]*Peer, 0, len(r.peers))
	for pid, p := range r.peers {
		if pid != id {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) broadcast(peers []*Peer, msg Message) {
	for _, p := range peers {
		if p.transport.Open() {
			r.sendSystem(p, msg)
		}
	}
}

func (r *Registry) sendError(p *Peer, text string) {
	msg := systemMessage(EventError)
	msg.Message = text
	r.sendSystem(p, msg)
}

func (r *Registry) sendSystem(p *Peer, msg Message) {
	payload, err := msg.Encode()
	if err == nil {
		err = p.transport.Send(payload)
	}
	if err != nil {
		r.metrics.Inc(metrics.SystemSendFailed)
		r.log.Debug("failed to send system message", "peer_id", p.ID, "event", msg.Event, "err", err)
	}
}
