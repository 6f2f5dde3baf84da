package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/petervdpas/signalcore/internal/config"
	"github.com/petervdpas/signalcore/internal/identity"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTransport lets tests script ack outcomes per target server_id.
type fakeTransport struct {
	mu      sync.Mutex
	acks    map[string]bool
	flooded []Member
}

func newFakeTransport() *fakeTransport { return &fakeTransport{acks: map[string]bool{}} }

func (f *fakeTransport) Ping(ctx context.Context, target Member) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks[target.ServerID]
}

func (f *fakeTransport) PingReq(ctx context.Context, via Member, target Member) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks[target.ServerID]
}

func (f *fakeTransport) Flood(change Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flooded = append(f.flooded, change)
}

func (f *fakeTransport) setAck(serverID string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks[serverID] = ok
}

func testCfg() config.Gossip {
	return config.Gossip{
		PeriodMS:            20,
		IndirectPingCount:   3,
		SuspectTimeoutMS:    30,
		FailedTimeoutMS:     30,
		StateExchangeMS:     1000,
		DigestPiggybackCap:  10,
	}
}

func TestGossipRound_SuccessfulPing_StaysAlive(t *testing.T) {
	transport := newFakeTransport()
	m := New(Member{ServerID: "s1"}, testCfg(), transport)
	m.Seed(nil)
	m.members["s2"] = &Member{ServerID: "s2", State: Alive, LastChangeAt: time.Now()}
	transport.setAck("s2", true)

	m.gossipRound(context.Background())

	require.Equal(t, Alive, m.members["s2"].State)
}

func TestGossipRound_FailedDirectAndIndirect_MarksSuspect(t *testing.T) {
	transport := newFakeTransport()
	m := New(Member{ServerID: "s1"}, testCfg(), transport)
	m.members["s2"] = &Member{ServerID: "s2", State: Alive, LastChangeAt: time.Now()}
	m.members["s3"] = &Member{ServerID: "s3", State: Alive, LastChangeAt: time.Now()}
	transport.setAck("s2", false)

	// Each round probes one randomly chosen member; repeat until s2 has been
	// the probe target.
	var state State
	for i := 0; i < 64 && state != Suspect; i++ {
		m.gossipRound(context.Background())
		m.mu.Lock()
		state = m.members["s2"].State
		m.mu.Unlock()
	}
	require.Equal(t, Suspect, state)
	m.Stop()
}

func TestSuspectTimeout_EscalatesToFailedThenRemoves(t *testing.T) {
	transport := newFakeTransport()
	cfg := testCfg()
	m := New(Member{ServerID: "s1"}, cfg, transport)
	var removed []Member
	m.OnChange(func(mem Member) {
		if mem.State == Failed {
			removed = append(removed, mem)
		}
	})
	m.members["s2"] = &Member{ServerID: "s2", State: Alive, LastChangeAt: time.Now()}

	m.markSuspect("s2")

	require.Eventually(t, func() bool {
		m.mu.Lock()
		_, stillPresent := m.members["s2"]
		m.mu.Unlock()
		return !stillPresent
	}, time.Second, time.Millisecond, "member must be removed after suspect+failed timeouts elapse")
}

func TestRefute_HigherIncarnationWins(t *testing.T) {
	transport := newFakeTransport()
	m := New(Member{ServerID: "s1"}, testCfg(), transport)
	m.members["s2"] = &Member{ServerID: "s2", State: Suspect, Incarnation: 1, LastChangeAt: time.Now()}

	m.Refute("s2", 2, Alive)

	require.Equal(t, Alive, m.members["s2"].State)
	require.Equal(t, uint64(2), m.members["s2"].Incarnation)
}

func TestRefute_LowerIncarnationIgnored(t *testing.T) {
	transport := newFakeTransport()
	m := New(Member{ServerID: "s1"}, testCfg(), transport)
	m.members["s2"] = &Member{ServerID: "s2", State: Failed, Incarnation: 5, LastChangeAt: time.Now()}

	m.Refute("s2", 3, Alive)

	require.Equal(t, Failed, m.members["s2"].State)
	require.Equal(t, uint64(5), m.members["s2"].Incarnation)
}

func TestRefute_SameIncarnationSeverityWins(t *testing.T) {
	transport := newFakeTransport()
	m := New(Member{ServerID: "s1"}, testCfg(), transport)
	m.members["s2"] = &Member{ServerID: "s2", State: Alive, Incarnation: 1, LastChangeAt: time.Now()}

	m.Refute("s2", 1, Suspect)
	require.Equal(t, Suspect, m.members["s2"].State)

	// Same incarnation, lower severity (alive) must not undo the suspicion.
	m.Refute("s2", 1, Alive)
	require.Equal(t, Suspect, m.members["s2"].State)
}

func TestRefuteSelf_BumpsIncarnationAndFloods(t *testing.T) {
	transport := newFakeTransport()
	m := New(Member{ServerID: "s1"}, testCfg(), transport)

	m.Refute("s1", 0, Suspect)

	require.Equal(t, uint64(1), m.Self().Incarnation)
	require.Len(t, transport.flooded, 1)
	require.Equal(t, "s1", transport.flooded[0].ServerID)
	require.Equal(t, uint64(1), transport.flooded[0].Incarnation)
}

func TestSeed_ExcludesSelf(t *testing.T) {
	transport := newFakeTransport()
	m := New(Member{ServerID: "s1"}, testCfg(), transport)

	m.Seed([]identity.Metadata{{ServerID: "s1", Endpoint: "wss://s1"}})

	require.Empty(t, m.members)
}

func TestAliveMembers_IncludesSuspectExcludesFailed(t *testing.T) {
	transport := newFakeTransport()
	m := New(Member{ServerID: "s1"}, testCfg(), transport)
	m.members["s2"] = &Member{ServerID: "s2", State: Suspect}
	m.members["s3"] = &Member{ServerID: "s3", State: Failed}

	alive := m.AliveMembers()
	ids := map[string]bool{}
	for _, a := range alive {
		ids[a.ServerID] = true
	}
	require.True(t, ids["s1"])
	require.True(t, ids["s2"])
	require.False(t, ids["s3"])
}
