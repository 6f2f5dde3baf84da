// Package conn implements the WebSocket connection handler: upgrade,
// per-socket rate limiting, message dispatch to the signaling/relay/
// rendezvous/gossip packages, and the HTTP side channel (§4.8, §6).
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/petervdpas/signalcore/internal/bootstrap"
	"github.com/petervdpas/signalcore/internal/config"
	"github.com/petervdpas/signalcore/internal/coordinator"
	"github.com/petervdpas/signalcore/internal/gossip"
	"github.com/petervdpas/signalcore/internal/identity"
	"github.com/petervdpas/signalcore/internal/metrics"
	"github.com/petervdpas/signalcore/internal/relaypeer"
	"github.com/petervdpas/signalcore/internal/rendezvous"
	"github.com/petervdpas/signalcore/internal/ring"
	"github.com/petervdpas/signalcore/internal/signaling"
	"github.com/petervdpas/signalcore/internal/util"

	"github.com/petervdpas/signalcore/internal/proto"
)

// Server owns every connected socket and dispatches inbound frames to the
// domain registries.
type Server struct {
	cfg  *config.Config
	self identity.Metadata

	upgrader websocket.Upgrader

	ring      *ring.Ring
	signaling *signaling.Registry
	relay     *relaypeer.Registry
	coord     *coordinator.Coordinator
	gossipMgr *gossip.Manager
	fed       *federationTransport
	metrics   *metrics.Metrics
	bootstrap *bootstrap.Client

	diagnostics *util.RingBuffer[string]
	startTime   time.Time
	accepting   atomic.Bool

	mu              sync.Mutex
	sockets         map[string]*Socket
	rendezvousPeers map[string]*Socket // peer_id -> socket owning it locally
}

func New(
	cfg *config.Config,
	self identity.Metadata,
	r *ring.Ring,
	sig *signaling.Registry,
	relay *relaypeer.Registry,
	coord *coordinator.Coordinator,
	gossipMgr *gossip.Manager,
	fed *federationTransport,
	m *metrics.Metrics,
	bc *bootstrap.Client,
) *Server {
	s := &Server{
		cfg:             cfg,
		self:            self,
		upgrader:        websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		ring:            r,
		signaling:       sig,
		relay:           relay,
		coord:           coord,
		gossipMgr:       gossipMgr,
		fed:             fed,
		metrics:         m,
		bootstrap:       bc,
		diagnostics:     util.NewRingBuffer[string](256),
		startTime:       time.Now(),
		sockets:         map[string]*Socket{},
		rendezvousPeers: map[string]*Socket{},
	}
	s.accepting.Store(true)
	return s
}

// Mux builds the HTTP handler serving both WebSocket endpoints and the
// side-channel HTTP surface (§6).
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleClientWS)
	mux.HandleFunc("/federation", s.handleFederationWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

func (s *Server) relayRecord(peerID string) (relaypeer.PeerRecord, bool) {
	return s.relay.Get(peerID)
}

func (s *Server) note(format string, args ...any) {
	s.diagnostics.Push(time.Now().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...))
}

// --- WebSocket upgrade & per-connection loops -------------------------------

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	if !s.accepting.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("client websocket upgrade failed")
		return
	}
	sock := newSocket(wsConn, newSlidingWindowLimiter(s.cfg.RateLimit.Window(), s.cfg.RateLimit.MaxMsgs))
	s.track(sock)
	defer s.untrack(sock)

	sock.Send(proto.Msg(proto.TypeServerInfo, map[string]any{
		"server_id": s.self.ServerID,
		"endpoint":  s.self.Endpoint,
		"region":    s.self.Region,
	}))

	go sock.writePump()
	s.readLoop(sock, s.dispatchClient)

	s.signaling.Disconnect(sock)
	s.relay.Disconnect(sock)
	s.metrics.RelayPeersTotal.Set(float64(len(s.relay.Snapshot())))
	s.untrackRendezvousPeer(sock)
}

func (s *Server) handleFederationWS(w http.ResponseWriter, r *http.Request) {
	if !s.accepting.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("federation websocket upgrade failed")
		return
	}
	sock := newSocket(wsConn, newSlidingWindowLimiter(s.cfg.RateLimit.Window(), s.cfg.RateLimit.MaxMsgs))
	s.track(sock)
	defer s.untrack(sock)

	go sock.writePump()
	s.readLoop(sock, s.dispatchFederation)

	if _, key := sock.Classification(); key != "" {
		s.fed.unbind(key)
	}
}

func (s *Server) track(sock *Socket) {
	s.mu.Lock()
	s.sockets[sock.ID()] = sock
	s.mu.Unlock()
	s.metrics.ConnectionsTotal.WithLabelValues(classUnbound.String()).Inc()
}

func (s *Server) untrack(sock *Socket) {
	s.mu.Lock()
	delete(s.sockets, sock.ID())
	s.mu.Unlock()
	kind, _ := sock.Classification()
	s.metrics.ConnectionsTotal.WithLabelValues(kind.String()).Dec()
}

// markBound moves a socket's connection-count gauge entry from unbound to
// its newly-assigned classification, once Bind has succeeded.
func (s *Server) markBound(kind class) {
	s.metrics.ConnectionsTotal.WithLabelValues(classUnbound.String()).Dec()
	s.metrics.ConnectionsTotal.WithLabelValues(kind.String()).Inc()
}

func (s *Server) untrackRendezvousPeer(sock *Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for peerID, bound := range s.rendezvousPeers {
		if bound == sock {
			delete(s.rendezvousPeers, peerID)
		}
	}
}

// readLoop owns the per-socket serial read path (§5: per-socket ordering).
func (s *Server) readLoop(sock *Socket, dispatch func(*Socket, []byte)) {
	sock.conn.SetReadLimit(s.cfg.Listen.MaxFrameBytes)
	_ = sock.conn.SetReadDeadline(time.Now().Add(pongWait))
	sock.conn.SetPongHandler(func(string) error {
		_ = sock.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := sock.conn.ReadMessage()
		if err != nil {
			return
		}

		switch sock.CheckRate() {
		case allowRejectAndClose:
			s.metrics.MessagesRateLimited.Inc()
			s.note("rate limit exceeded, closing socket %s", sock.ID())
			sock.Send(proto.ErrorMsg("Rate limit exceeded; closing connection"))
			sock.Close(websocket.ClosePolicyViolation)
			return
		case allowRejectAndWarn:
			s.metrics.MessagesRateLimited.Inc()
			s.note("rate limit exceeded, warning socket %s", sock.ID())
			sock.Send(proto.ErrorMsg("Rate limit exceeded; slow down"))
			continue
		}

		dispatch(sock, payload)
	}
}

// --- Client dispatch ---------------------------------------------------------

func (s *Server) dispatchClient(sock *Socket, raw []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.note("malformed envelope from socket %s: %v", sock.ID(), err)
		sock.Send(proto.ErrorMsg("Invalid message format: JSON parse error"))
		return
	}

	switch env.Type {
	case proto.TypeRegister:
		s.handleRegister(sock, raw)
	case proto.TypePairRequest:
		var m proto.PairRequest
		if err := json.Unmarshal(raw, &m); err != nil {
			sock.Send(proto.ErrorMsg("Invalid message format: JSON parse error"))
			return
		}
		if out := s.signaling.PairRequest(sock, m.TargetCode, m.ProposedName); out != nil {
			sock.Send(out)
		}
		s.metrics.PendingPairs.Set(float64(s.signaling.PendingTotal()))
	case proto.TypePairResponse:
		var m proto.PairResponse
		if err := json.Unmarshal(raw, &m); err != nil {
			sock.Send(proto.ErrorMsg("Invalid message format: JSON parse error"))
			return
		}
		if out := s.signaling.PairResponse(sock, m.TargetCode, m.Accepted); out != nil {
			sock.Send(out)
		}
		s.metrics.PendingPairs.Set(float64(s.signaling.PendingTotal()))
	case proto.TypeOffer, proto.TypeAnswer, proto.TypeICECandidate,
		proto.TypeCallOffer, proto.TypeCallAnswer, proto.TypeCallReject, proto.TypeCallHangup, proto.TypeCallICE:
		var m proto.Forward
		if err := json.Unmarshal(raw, &m); err != nil {
			sock.Send(proto.ErrorMsg("Invalid message format: JSON parse error"))
			return
		}
		if out := s.signaling.Forward(sock, env.Type, m.Target, m.Payload); out != nil {
			sock.Send(out)
		}
	case proto.TypeRegisterRendezvous:
		s.handleRegisterRendezvous(sock, raw)
	case proto.TypeGetRelays:
		var m proto.GetRelays
		if err := json.Unmarshal(raw, &m); err != nil {
			sock.Send(proto.ErrorMsg("Invalid message format: JSON parse error"))
			return
		}
		relays := s.relay.AvailableRelays(m.PeerID, m.Count)
		sock.Send(proto.Msg(proto.TypeRelays, map[string]any{"relays": relays}))
	case proto.TypeUpdateLoad:
		var m proto.UpdateLoad
		if err := json.Unmarshal(raw, &m); err != nil {
			sock.Send(proto.ErrorMsg("Invalid message format: JSON parse error"))
			return
		}
		out := s.relay.UpdateLoad(sock, m.PeerID, m.ConnectedCount)
		if out["type"] == proto.TypeLoadUpdated {
			if rec, ok := s.relayRecord(m.PeerID); ok && rec.MaxConnections > 0 {
				s.metrics.RelayLoadRatio.Observe(float64(rec.CurrentLoad) / float64(rec.MaxConnections))
			}
		}
		sock.Send(out)
	case proto.TypeHeartbeat:
		var m proto.Heartbeat
		if err := json.Unmarshal(raw, &m); err != nil {
			sock.Send(proto.ErrorMsg("Invalid message format: JSON parse error"))
			return
		}
		sock.Send(s.relay.Heartbeat(sock, m.PeerID))
	case proto.TypeIntroduction:
		var m proto.IntroductionIn
		if err := json.Unmarshal(raw, &m); err != nil {
			sock.Send(proto.ErrorMsg("Invalid message format: JSON parse error"))
			return
		}
		if out := s.relay.Introduction(sock, m.RelayID, m.TargetSourceID, m.Payload); out != nil {
			sock.Send(out)
		}
	case proto.TypePing:
		sock.Send(proto.Msg(proto.TypePong, nil))
	default:
		s.note("unknown message type %q from socket %s", env.Type, sock.ID())
		sock.Send(proto.ErrorMsg("Unknown message type: " + env.Type))
	}
}

// registerProbe decodes just enough of a register message to decide
// which classification it targets (§4.8 step 4).
type registerProbe struct {
	PeerID      string `json:"peer_id"`
	PairingCode string `json:"pairing_code"`
}

func (s *Server) handleRegister(sock *Socket, raw []byte) {
	var probe registerProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		s.note("malformed register from socket %s: %v", sock.ID(), err)
		sock.Send(proto.ErrorMsg("Invalid message format: JSON parse error"))
		return
	}

	wasUnbound, _ := sock.Classification()

	switch {
	case probe.PeerID != "":
		if !sock.Bind(classRelay, probe.PeerID) {
			sock.Send(proto.ErrorMsg("connection already registered with a different classification"))
			return
		}
		if wasUnbound == classUnbound {
			s.markBound(classRelay)
		}
		var m proto.RegisterRelay
		_ = json.Unmarshal(raw, &m)
		out := s.relay.Register(sock, m.PeerID, m.MaxConnections, m.PublicKey)
		s.metrics.RelayPeersTotal.Set(float64(len(s.relay.Snapshot())))
		sock.Send(out)
	case probe.PairingCode != "":
		var m proto.RegisterSignaling
		if err := json.Unmarshal(raw, &m); err != nil {
			sock.Send(proto.ErrorMsg("Invalid message format: JSON parse error"))
			return
		}
		code, ok := signaling.ValidateCode(m.PairingCode)
		if !ok {
			sock.Send(proto.ErrorMsg("Invalid pairing code format"))
			return
		}
		if !sock.Bind(classSignaling, code) {
			sock.Send(proto.ErrorMsg("connection already registered with a different classification"))
			return
		}
		if wasUnbound == classUnbound {
			s.markBound(classSignaling)
		}
		sock.Send(s.signaling.Register(sock, m.PairingCode, m.PublicKey))
	default:
		sock.Send(proto.ErrorMsg("register requires pairing_code or peer_id"))
	}
}

func (s *Server) handleRegisterRendezvous(sock *Socket, raw []byte) {
	var m proto.RegisterRendezvous
	if err := json.Unmarshal(raw, &m); err != nil {
		s.note("malformed rendezvous registration from socket %s: %v", sock.ID(), err)
		sock.Send(proto.ErrorMsg("Invalid message format: JSON parse error"))
		return
	}
	if len(m.DailyPoints) > s.cfg.Rendezvous.MaxPointsPerMessage {
		sock.Send(proto.ErrorMsg(fmt.Sprintf("daily_points exceeds max of %d", s.cfg.Rendezvous.MaxPointsPerMessage)))
		return
	}
	if len(m.HourlyTokens) > s.cfg.Rendezvous.MaxTokensPerMessage {
		sock.Send(proto.ErrorMsg(fmt.Sprintf("hourly_tokens exceeds max of %d", s.cfg.Rendezvous.MaxTokensPerMessage)))
		return
	}
	if m.DeadDrop != "" && m.DeadDrops != nil {
		sock.Send(proto.ErrorMsg("dead_drop and dead_drops are mutually exclusive"))
		return
	}

	deadDrops := m.DeadDrops
	if deadDrops == nil && m.DeadDrop != "" {
		deadDrops = map[string]string{}
		for _, p := range m.DailyPoints {
			deadDrops[p] = m.DeadDrop
		}
	}
	for _, dd := range deadDrops {
		if len(dd) > s.cfg.Rendezvous.MaxDeadDropBytes {
			sock.Send(proto.ErrorMsg(fmt.Sprintf("dead_drop exceeds max of %d bytes", s.cfg.Rendezvous.MaxDeadDropBytes)))
			return
		}
	}

	s.bindRendezvousPeer(m.PeerID, sock)

	res, err := s.coord.Register(m.PeerID, m.DailyPoints, m.HourlyTokens, deadDrops, m.RelayID)
	if err != nil {
		log.WithError(err).Error("rendezvous registration failed")
		sock.Send(proto.ErrorMsg("internal error processing rendezvous registration"))
		return
	}

	// Match fan-out: push rendezvous_match to each earlier-registered local
	// peer before replying to the registrant (§4.5, §5 ordering guarantee).
	s.pushLiveMatches(m.PeerID, m.RelayID, res.LiveMatches)
	if len(res.DeadDrops) > 0 {
		s.metrics.RendezvousMatches.WithLabelValues("dead_drop").Add(float64(len(res.DeadDrops)))
	}
	if len(res.LiveMatches) > 0 {
		s.metrics.RendezvousMatches.WithLabelValues("live").Add(float64(len(res.LiveMatches)))
	}

	if res.HasRedirects() {
		sock.Send(proto.Msg(proto.TypeRendezvousPartial, map[string]any{
			"local": map[string]any{
				"dead_drops":   res.DeadDrops,
				"live_matches": res.LiveMatches,
			},
			"redirects": res.Redirects,
		}))
		return
	}
	sock.Send(proto.Msg(proto.TypeRendezvousResult, map[string]any{
		"dead_drops":   res.DeadDrops,
		"live_matches": res.LiveMatches,
	}))
}

func (s *Server) bindRendezvousPeer(peerID string, sock *Socket) {
	if peerID == "" {
		return
	}
	s.mu.Lock()
	s.rendezvousPeers[peerID] = sock
	s.mu.Unlock()
}

func (s *Server) pushLiveMatches(registeringPeerID, registeringRelayID string, matches []rendezvous.LiveMatch) {
	for _, match := range matches {
		s.mu.Lock()
		peerSock, ok := s.rendezvousPeers[match.PeerID]
		s.mu.Unlock()
		if !ok {
			continue // the earlier peer isn't locally connected right now
		}
		peerSock.Send(proto.Msg(proto.TypeRendezvousMatch, map[string]any{
			"token":    match.Token,
			"peer_id":  registeringPeerID,
			"relay_id": registeringRelayID,
		}))
	}
}

// --- Federation dispatch (SWIM, §4.6) ---------------------------------------

func (s *Server) dispatchFederation(sock *Socket, raw []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	reqID, _ := body["req_id"].(string)

	switch env.Type {
	case proto.TypeSwimPing:
		sock.Send(proto.Msg(proto.TypeSwimAck, map[string]any{"req_id": reqID}))
	case proto.TypeSwimAck:
		s.fed.deliverAck(reqID)
	case proto.TypeSwimPingReq:
		targetServerID, _ := body["target_server_id"].(string)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Gossip.Period())
			defer cancel()
			ok := s.fed.Ping(ctx, gossip.Member{ServerID: targetServerID})
			if ok {
				sock.Send(proto.Msg(proto.TypeSwimAck, map[string]any{"req_id": reqID}))
			}
		}()
	case proto.TypeSwimStateDiff:
		serverID, _ := body["server_id"].(string)
		stateStr, _ := body["state"].(string)
		incF, _ := body["incarnation"].(float64)
		s.gossipMgr.Refute(serverID, uint64(incF), parseState(stateStr))
	case proto.TypeIntroduction:
		// federation peers never send client messages; ignore.
	default:
		serverID, _ := body["server_id"].(string)
		if serverID != "" {
			wasUnbound, _ := sock.Classification()
			if sock.Bind(classFederation, serverID) && wasUnbound == classUnbound {
				s.markBound(classFederation)
			}
			s.fed.bind(serverID, sock)
		}
	}
}

func parseState(s string) gossip.State {
	switch s {
	case "alive":
		return gossip.Alive
	case "suspect":
		return gossip.Suspect
	case "failed":
		return gossip.Failed
	default:
		return gossip.Left
	}
}

// --- HTTP side channel (§6) --------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"server_id": s.self.ServerID,
		"uptime_s":  int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	token := s.cfg.Admin.StatsToken
	if token != "" {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	s.mu.Lock()
	numSockets := len(s.sockets)
	s.mu.Unlock()

	var bootstrapErr string
	if s.bootstrap != nil {
		bootstrapErr = s.bootstrap.LastError()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"server_id":     s.self.ServerID,
		"connections":   numSockets,
		"members":       s.gossipMgr.Snapshot(),
		"relay_peers":   len(s.relay.Snapshot()),
		"recent_events": s.diagnostics.Snapshot(),
		"bootstrap_err": bootstrapErr,
	})
}

// --- Graceful shutdown (§9) --------------------------------------------------

// Shutdown stops accepting new connections, then closes every open socket
// with close code 1001 within the given deadline.
func (s *Server) Shutdown(ctx context.Context) {
	s.accepting.Store(false)

	s.mu.Lock()
	sockets := make([]*Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		sockets = append(sockets, sock)
	}
	s.mu.Unlock()

	for _, sock := range sockets {
		sock.Close(websocket.CloseGoingAway)
	}

	select {
	case <-ctx.Done():
	case <-time.After(50 * time.Millisecond):
	}
}
