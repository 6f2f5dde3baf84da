// Package gossip implements SWIM-style failure detection and membership
// dissemination (§4.6).
package gossip

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/signalcore/internal/config"
	"github.com/petervdpas/signalcore/internal/identity"
)

// State is a membership record's lifecycle stage (§3).
type State int

const (
	Alive State = iota
	Suspect
	Failed
	Left
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Failed:
		return "failed"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// severity orders states for the "ties broken by severity" dominance rule.
func (s State) severity() int { return int(s) }

// Member is a membership record (§3).
type Member struct {
	ServerID     string
	Endpoint     string
	Region       string
	State        State
	Incarnation  uint64
	LastChangeAt time.Time
}

func (m Member) Metadata() identity.Metadata {
	return identity.Metadata{ServerID: m.ServerID, Endpoint: m.Endpoint, Region: m.Region}
}

// Transport carries the SWIM wire protocol; the connection handler's
// federation endpoint implements it.
type Transport interface {
	// Ping sends a direct ping and blocks (bounded by ctx) for an ack.
	Ping(ctx context.Context, target Member) bool
	// PingReq asks via to ping target on our behalf, relaying the ack.
	PingReq(ctx context.Context, via Member, target Member) bool
	// Flood disseminates a membership change to all known members as a
	// message of its own; it is not piggybacked on other traffic.
	Flood(change Member)
}

// FailureObserver is notified on every membership state transition,
// primarily to drive the optional webhook notification.
type FailureObserver func(m Member)

// Manager runs the gossip protocol and owns the membership table.
type Manager struct {
	mu      sync.Mutex
	self    Member
	members map[string]*Member

	suspectTimers map[string]*time.Timer
	failedTimers  map[string]*time.Timer

	cfg       config.Gossip
	transport Transport
	onChange  FailureObserver
	onRebuild func([]identity.Metadata) // called with the new alive set after every change
	onRound   func()                    // called once per completed gossip round, for metrics

	rng *rand.Rand
	stop chan struct{}
}

func New(self Member, cfg config.Gossip, transport Transport) *Manager {
	self.State = Alive
	self.LastChangeAt = time.Now()
	return &Manager{
		self:          self,
		members:       map[string]*Member{},
		suspectTimers: map[string]*time.Timer{},
		failedTimers:  map[string]*time.Timer{},
		cfg:           cfg,
		transport:     transport,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:          make(chan struct{}),
	}
}

// OnChange registers a callback fired on every membership transition
// (used for the webhook notification, §SUPPLEMENTED FEATURES).
func (m *Manager) OnChange(f FailureObserver) { m.onChange = f }

// OnRebuild registers a callback fired with the current alive set whenever
// membership changes, so the ring can rebuild (§4.4).
func (m *Manager) OnRebuild(f func([]identity.Metadata)) { m.onRebuild = f }

// OnRound registers a callback fired once per completed gossip round, so
// callers can track round throughput.
func (m *Manager) OnRound(f func()) { m.onRound = f }

// Seed merges an initial member list, e.g. from the bootstrap client's
// heartbeat response (§4.7).
func (m *Manager) Seed(peers []identity.Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, p := range peers {
		if p.ServerID == m.self.ServerID {
			continue
		}
		if _, ok := m.members[p.ServerID]; !ok {
			m.members[p.ServerID] = &Member{
				ServerID: p.ServerID, Endpoint: p.Endpoint, Region: p.Region,
				State: Alive, Incarnation: 0, LastChangeAt: time.Now(),
			}
			changed = true
		}
	}
	if changed {
		m.notifyRebuildLocked()
	}
}

// AliveMembers returns the current alive set including self, for the ring
// to rebuild on.
func (m *Manager) AliveMembers() []identity.Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aliveLocked()
}

func (m *Manager) aliveLocked() []identity.Metadata {
	out := []identity.Metadata{m.self.Metadata()}
	for _, mem := range m.members {
		if mem.State == Alive || mem.State == Suspect { // suspect still routable
			out = append(out, mem.Metadata())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

func (m *Manager) notifyRebuildLocked() {
	if m.onRebuild != nil {
		alive := m.aliveLocked()
		go m.onRebuild(alive)
	}
}

func (m *Manager) randomAliveLocked(exclude string) (Member, bool) {
	candidates := make([]*Member, 0, len(m.members))
	for id, mem := range m.members {
		if id == exclude || mem.State == Failed || mem.State == Left {
			continue
		}
		candidates = append(candidates, mem)
	}
	if len(candidates) == 0 {
		return Member{}, false
	}
	return *candidates[m.rng.Intn(len(candidates))], true
}

func (m *Manager) kRandomAliveLocked(exclude string, k int) []Member {
	candidates := make([]*Member, 0, len(m.members))
	for id, mem := range m.members {
		if id == exclude || mem.State == Failed || mem.State == Left {
			continue
		}
		candidates = append(candidates, mem)
	}
	m.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]Member, k)
	for i := 0; i < k; i++ {
		out[i] = *candidates[i]
	}
	return out
}

// Run drives the periodic ping and anti-entropy loops until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	pingTicker := time.NewTicker(m.cfg.Period())
	stateTicker := time.NewTicker(m.cfg.StateExchange())
	defer pingTicker.Stop()
	defer stateTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-pingTicker.C:
			m.gossipRound(ctx)
		case <-stateTicker.C:
			m.antiEntropyRound(ctx)
		}
	}
}

// Stop halts Run.
func (m *Manager) Stop() { close(m.stop) }

// gossipRound implements one iteration of §4.6 steps 1-6.
func (m *Manager) gossipRound(ctx context.Context) {
	if m.onRound != nil {
		m.onRound()
	}

	m.mu.Lock()
	target, ok := m.randomAliveLocked(m.self.ServerID)
	m.mu.Unlock()
	if !ok {
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.Period()/2)
	acked := m.transport.Ping(pingCtx, target)
	cancel()
	if acked {
		m.Refute(target.ServerID, target.Incarnation, Alive) // successful direct ack refutes suspicion
		return
	}

	m.mu.Lock()
	helpers := m.kRandomAliveLocked(target.ServerID, m.cfg.IndirectPingCount)
	m.mu.Unlock()

	for _, h := range helpers {
		reqCtx, reqCancel := context.WithTimeout(ctx, m.cfg.Period())
		ok := m.transport.PingReq(reqCtx, h, target)
		reqCancel()
		if ok {
			m.Refute(target.ServerID, target.Incarnation, Alive)
			return
		}
	}

	m.markSuspect(target.ServerID)
}

func (m *Manager) antiEntropyRound(ctx context.Context) {
	m.mu.Lock()
	target, ok := m.randomAliveLocked(m.self.ServerID)
	m.mu.Unlock()
	if !ok {
		return
	}
	// Best-effort: floods only the chosen member's own record; no full state
	// digest is pushed and no reply is awaited.
	m.transport.Flood(target)
	_ = ctx
}

// markSuspect transitions a member to suspect and starts its suspicion
// timer (§4.6 step 4). A no-op if the member already left/failed or is
// already suspect.
func (m *Manager) markSuspect(serverID string) {
	m.mu.Lock()
	mem, ok := m.members[serverID]
	if !ok || mem.State != Alive {
		m.mu.Unlock()
		return
	}
	mem.State = Suspect
	mem.LastChangeAt = time.Now()
	snapshot := *mem
	if t, exists := m.suspectTimers[serverID]; exists {
		t.Stop()
	}
	m.suspectTimers[serverID] = time.AfterFunc(m.cfg.SuspectTimeout(), func() { m.onSuspectExpiry(serverID) })
	m.mu.Unlock()

	m.fireChange(snapshot)
}

func (m *Manager) onSuspectExpiry(serverID string) {
	m.mu.Lock()
	mem, ok := m.members[serverID]
	if !ok || mem.State != Suspect {
		m.mu.Unlock()
		return
	}
	mem.State = Failed
	mem.LastChangeAt = time.Now()
	snapshot := *mem
	if t, exists := m.failedTimers[serverID]; exists {
		t.Stop()
	}
	m.failedTimers[serverID] = time.AfterFunc(m.cfg.FailedTimeout(), func() { m.onFailedExpiry(serverID) })
	m.notifyRebuildLocked()
	m.mu.Unlock()

	m.fireChange(snapshot)
}

func (m *Manager) onFailedExpiry(serverID string) {
	m.mu.Lock()
	mem, ok := m.members[serverID]
	if !ok || mem.State != Failed {
		m.mu.Unlock()
		return
	}
	delete(m.members, serverID)
	delete(m.suspectTimers, serverID)
	delete(m.failedTimers, serverID)
	m.notifyRebuildLocked()
	m.mu.Unlock()

	m.fireChange(*mem) // member-failed, final removal
}

func (m *Manager) fireChange(mem Member) {
	if m.onChange != nil {
		go m.onChange(mem)
	}
}

// Refute applies an incoming membership assertion, honoring the
// dominance rule: a strictly greater incarnation always wins; at equal
// incarnation, higher severity (suspect/failed) wins over lower
// (alive) — never the reverse (§3 Membership record).
func (m *Manager) Refute(serverID string, incarnation uint64, newState State) {
	if serverID == m.self.ServerID {
		updated := m.refuteSelf(incarnation, newState)
		if updated.Incarnation > incarnation { // we bumped; tell everyone we're alive at the new incarnation
			m.transport.Flood(updated)
		}
		return
	}

	m.mu.Lock()
	mem, ok := m.members[serverID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if !dominates(incarnation, newState, mem.Incarnation, mem.State) {
		m.mu.Unlock()
		return
	}
	prevState := mem.State
	mem.Incarnation = incarnation
	mem.State = newState
	mem.LastChangeAt = time.Now()
	snapshot := *mem

	if newState == Alive {
		if t, exists := m.suspectTimers[serverID]; exists {
			t.Stop()
			delete(m.suspectTimers, serverID)
		}
		if t, exists := m.failedTimers[serverID]; exists {
			t.Stop()
			delete(m.failedTimers, serverID)
		}
	}
	if prevState != newState && (prevState == Failed || newState == Failed) {
		m.notifyRebuildLocked()
	}
	m.mu.Unlock()

	if prevState != newState {
		m.fireChange(snapshot)
	}
}

// refuteSelf handles the case where this server learns (via gossip) that
// it has been marked suspect or failed: it bumps its own incarnation and
// the caller is expected to flood alive(incarnation+1) (§4.6 step 8).
func (m *Manager) refuteSelf(observedIncarnation uint64, observedState State) Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	if observedState == Alive || observedIncarnation < m.self.Incarnation {
		return m.self
	}
	m.self.Incarnation = observedIncarnation + 1
	m.self.LastChangeAt = time.Now()
	return m.self
}

// dominates reports whether (incA, stateA) dominates (incB, stateB) per
// the incarnation-then-severity rule.
func dominates(incA uint64, stateA State, incB uint64, stateB State) bool {
	if incA != incB {
		return incA > incB
	}
	return stateA.severity() > stateB.severity()
}

// Self returns a snapshot of this server's own membership record.
func (m *Manager) Self() Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// Snapshot returns every known member, including self.
func (m *Manager) Snapshot() []Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Member, 0, len(m.members)+1)
	out = append(out, m.self)
	for _, mem := range m.members {
		out = append(out, *mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Digest returns a bounded slice of known members ordered by most recent
// change first (§4.6 step 5). cap bounds the result size. How often an
// item has already been disseminated is not tracked and plays no part in
// the order.
func (m *Manager) Digest(cap int) []Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		all = append(all, *mem)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastChangeAt.After(all[j].LastChangeAt) })
	if len(all) > cap {
		all = all[:cap]
	}
	return all
}
