// Package relaypeer implements the load-aware relay registry and the
// introduction protocol peers use to carry each other's traffic (§4.2).
package relaypeer

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/signalcore/internal/proto"
)

var peerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Sender is the subset of a connection the registry needs to push
// unsolicited messages (introduction forwarding, errors) and to close a
// socket the cleanup sweep has evicted.
type Sender interface {
	ID() string
	Send(msg proto.OutMessage)
	Close(code int)
}

// PeerRecord is the relay-side peer record (§3).
type PeerRecord struct {
	PeerID         string
	MaxConnections int
	CurrentLoad    int
	LastSeen       time.Time
	PublicKey      string
	sock           Sender
}

// IsAtCapacity reports whether the peer has reached max_connections.
func (p PeerRecord) IsAtCapacity() bool { return p.CurrentLoad >= p.MaxConnections }

// Registry tracks relay-opt-in peers connected to this server.
type Registry struct {
	mu sync.Mutex

	peers        map[string]*PeerRecord // peer_id -> record
	socketToPeer map[string]string      // sender ID -> peer_id

	serverID            string
	overheadCap         float64
	maxConnectionsCap   int
	heartbeatTimeout    time.Duration
}

func New(serverID string, overheadCap float64, maxConnectionsCap int, heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		peers:             map[string]*PeerRecord{},
		socketToPeer:      map[string]string{},
		serverID:          serverID,
		overheadCap:       overheadCap,
		maxConnectionsCap: maxConnectionsCap,
		heartbeatTimeout:  heartbeatTimeout,
	}
}

// Register binds a socket to a relay peer identity (§4.2 Register).
func (r *Registry) Register(s Sender, peerID string, maxConnections int, publicKey string) proto.OutMessage {
	if !peerIDPattern.MatchString(peerID) {
		return proto.ErrorMsg("Invalid peer_id format")
	}
	if maxConnections <= 0 {
		maxConnections = 10
	}
	if maxConnections < 1 || maxConnections > r.maxConnectionsCap {
		return proto.ErrorMsg(fmt.Sprintf("max_connections must be 1..%d", r.maxConnectionsCap))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.peers[peerID]; ok && existing.sock != nil && existing.sock.ID() != s.ID() {
		return proto.ErrorMsg("peer_id already bound to another connection")
	}
	if prevPeer, ok := r.socketToPeer[s.ID()]; ok && prevPeer != peerID {
		return proto.ErrorMsg("connection already registered with a different peer_id")
	}

	r.peers[peerID] = &PeerRecord{
		PeerID:         peerID,
		MaxConnections: maxConnections,
		CurrentLoad:    0,
		LastSeen:       time.Now(),
		PublicKey:      publicKey,
		sock:           s,
	}
	r.socketToPeer[s.ID()] = peerID

	relays := r.availableRelaysLocked(peerID, 10)
	return proto.OutMessage{
		"type":      proto.TypeRegistered,
		"peer_id":   peerID,
		"server_id": r.serverID,
		"relays":    relays,
	}
}

// UpdateLoad applies a load report (§4.2 UpdateLoad), ownership-checked.
func (r *Registry) UpdateLoad(s Sender, peerID string, connectedCount int) proto.OutMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.ownedLocked(s, peerID)
	if err != "" {
		return proto.ErrorMsg(err)
	}
	upper := int(float64(rec.MaxConnections) * r.overheadCap)
	if connectedCount < 0 || connectedCount > upper {
		return proto.ErrorMsg(fmt.Sprintf("connected_count out of bounds [0,%d]", upper))
	}
	rec.CurrentLoad = connectedCount
	rec.LastSeen = time.Now()
	return proto.OutMessage{"type": proto.TypeLoadUpdated, "peer_id": peerID, "current_load": connectedCount}
}

func (r *Registry) ownedLocked(s Sender, peerID string) (*PeerRecord, string) {
	bound, ok := r.socketToPeer[s.ID()]
	if !ok || bound != peerID {
		return nil, "ownership check failed: socket is not bound to this peer_id"
	}
	rec, ok := r.peers[peerID]
	if !ok {
		return nil, "unknown peer_id"
	}
	return rec, ""
}

// RelayInfo is the public-facing shape of a relay candidate.
type RelayInfo struct {
	PeerID      string  `json:"peer_id"`
	LoadRatio   float64 `json:"load_ratio"`
	AtCapacity  bool    `json:"at_capacity"`
}

// AvailableRelays returns up to count peers sorted by ascending load ratio,
// excluding at-capacity peers and the given excluded peer_id (§4.2).
func (r *Registry) AvailableRelays(excluding string, count int) []RelayInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableRelaysLocked(excluding, count)
}

func (r *Registry) availableRelaysLocked(excluding string, count int) []RelayInfo {
	if count <= 0 || count > 10 {
		count = 10
	}
	candidates := make([]RelayInfo, 0, len(r.peers))
	for id, rec := range r.peers {
		if id == excluding || rec.IsAtCapacity() {
			continue
		}
		ratio := 0.0
		if rec.MaxConnections > 0 {
			ratio = float64(rec.CurrentLoad) / float64(rec.MaxConnections)
		}
		candidates = append(candidates, RelayInfo{PeerID: id, LoadRatio: ratio, AtCapacity: false})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LoadRatio != candidates[j].LoadRatio {
			return candidates[i].LoadRatio < candidates[j].LoadRatio
		}
		return candidates[i].PeerID < candidates[j].PeerID
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// Introduction forwards an introduction-request envelope through a chosen
// relay (§4.2 Introduction). The payload is opaque ciphertext.
func (r *Registry) Introduction(from Sender, relayID, targetSourceID, payload string) proto.OutMessage {
	r.mu.Lock()
	fromPeer := r.socketToPeer[from.ID()]
	relay, ok := r.peers[relayID]
	r.mu.Unlock()

	if fromPeer == "" {
		return proto.ErrorMsg("socket is not registered as a relay peer")
	}
	if !ok || relay.sock == nil {
		return proto.OutMessage{"type": proto.TypeIntroductionError, "error": "relay_not_found", "relay_id": relayID}
	}

	relay.sock.Send(proto.OutMessage{
		"type":             proto.TypeIntroductionRequest,
		"from_source_id":   fromPeer,
		"target_source_id": targetSourceID,
		"payload":          payload,
		"timestamp":        proto.NowMillis(),
	})
	return nil
}

// Heartbeat refreshes last_seen for an ownership-checked peer (§4.2
// Heartbeat).
func (r *Registry) Heartbeat(s Sender, peerID string) proto.OutMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.ownedLocked(s, peerID)
	if err != "" {
		return proto.ErrorMsg(err)
	}
	rec.LastSeen = time.Now()
	return proto.OutMessage{"type": proto.TypeHeartbeatAck, "peer_id": peerID}
}

// Disconnect removes all state for a socket (used by the connection
// handler on close; no reply needed).
func (r *Registry) Disconnect(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peerID, ok := r.socketToPeer[s.ID()]
	if !ok {
		return
	}
	delete(r.socketToPeer, s.ID())
	delete(r.peers, peerID)
}

// Sweep removes peers whose last_seen exceeds the heartbeat timeout (§4.2
// Cleanup sweep). It does not close their sockets; it returns them so the
// caller can close them with a controlled close code.
func (r *Registry) Sweep() []Sender {
	cutoff := time.Now().Add(-r.heartbeatTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []Sender
	for id, rec := range r.peers {
		if rec.LastSeen.Before(cutoff) {
			if rec.sock != nil {
				stale = append(stale, rec.sock)
				delete(r.socketToPeer, rec.sock.ID())
			}
			delete(r.peers, id)
		}
	}
	return stale
}

// Get returns a copy of one peer's record, for metrics/diagnostics.
func (r *Registry) Get(peerID string) (PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[peerID]
	if !ok {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of all current peer records (diagnostics/tests).
func (r *Registry) Snapshot() []PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, *rec)
	}
	return out
}
