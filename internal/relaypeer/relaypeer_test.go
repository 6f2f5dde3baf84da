package relaypeer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/signalcore/internal/proto"
)

type fakeSocket struct {
	id        string
	mu        sync.Mutex
	in        []proto.OutMessage
	closeCode int
	wasClosed bool
}

func newFakeSocket(id string) *fakeSocket { return &fakeSocket{id: id} }
func (f *fakeSocket) ID() string          { return f.id }
func (f *fakeSocket) Send(msg proto.OutMessage) {
	f.mu.Lock()
	f.in = append(f.in, msg)
	f.mu.Unlock()
}
func (f *fakeSocket) Close(code int) {
	f.mu.Lock()
	f.wasClosed = true
	f.closeCode = code
	f.mu.Unlock()
}
func (f *fakeSocket) last() proto.OutMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.in) == 0 {
		return nil
	}
	return f.in[len(f.in)-1]
}

func newRegistry() *Registry {
	return New("server-1", 1.2, 1000, time.Minute)
}

func TestRegister_RejectsBadPeerID(t *testing.T) {
	r := newRegistry()
	out := r.Register(newFakeSocket("c1"), "bad id with spaces", 10, "")
	require.Equal(t, proto.TypeError, out["type"])
}

func TestRegister_RejectsDuplicatePeerIDDifferentSocket(t *testing.T) {
	r := newRegistry()
	r.Register(newFakeSocket("c1"), "peer-a", 10, "")
	out := r.Register(newFakeSocket("c2"), "peer-a", 10, "")
	require.Equal(t, proto.TypeError, out["type"])
}

func TestAvailableRelays_ExcludesSelfAndAtCapacity(t *testing.T) {
	r := newRegistry()
	r.Register(newFakeSocket("c1"), "peer-a", 10, "")
	r.Register(newFakeSocket("c2"), "peer-b", 10, "")
	r.UpdateLoad(newUnused(), "peer-b", 0) // wrong socket: ownership check fails, load unchanged
	full := newFakeSocket("c3")
	r.Register(full, "peer-c", 10, "")
	r.UpdateLoad(full, "peer-c", 10) // at capacity

	relays := r.AvailableRelays("peer-a", 10)
	require.Len(t, relays, 1)
	require.Equal(t, "peer-b", relays[0].PeerID)
}

func newUnused() Sender { return newFakeSocket("unused") }

func TestUpdateLoad_AtCapacityBoundary(t *testing.T) {
	r := newRegistry()
	s := newFakeSocket("c1")
	r.Register(s, "peer-a", 10, "")
	out := r.UpdateLoad(s, "peer-a", 10)
	require.Equal(t, proto.TypeLoadUpdated, out["type"])

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.True(t, snap[0].IsAtCapacity())

	relays := r.AvailableRelays("", 10)
	require.Empty(t, relays, "at-capacity peer must not appear in relay list")
}

func TestHeartbeat_OwnershipCheck(t *testing.T) {
	r := newRegistry()
	s := newFakeSocket("c1")
	r.Register(s, "peer-a", 10, "")

	out := r.Heartbeat(newFakeSocket("other"), "peer-a")
	require.Equal(t, proto.TypeError, out["type"])

	out = r.Heartbeat(s, "peer-a")
	require.Equal(t, proto.TypeHeartbeatAck, out["type"])
}

func TestIntroduction_ForwardsToRelay(t *testing.T) {
	r := newRegistry()
	from := newFakeSocket("from-conn")
	relay := newFakeSocket("relay-conn")
	r.Register(from, "peer-from", 10, "")
	r.Register(relay, "peer-relay", 10, "")

	reply := r.Introduction(from, "peer-relay", "target-source", "opaque-ciphertext")
	require.Nil(t, reply)

	msg := relay.last()
	require.Equal(t, proto.TypeIntroductionRequest, msg["type"])
	require.Equal(t, "peer-from", msg["from_source_id"])
	require.Equal(t, "opaque-ciphertext", msg["payload"])
}

func TestIntroduction_RelayNotFound(t *testing.T) {
	r := newRegistry()
	from := newFakeSocket("from-conn")
	r.Register(from, "peer-from", 10, "")

	reply := r.Introduction(from, "nope", "target-source", "ct")
	require.Equal(t, proto.TypeIntroductionError, reply["type"])
}

func TestSweep_RemovesStalePeers(t *testing.T) {
	r := New("server-1", 1.2, 1000, time.Millisecond)
	s := newFakeSocket("c1")
	r.Register(s, "peer-a", 10, "")

	time.Sleep(5 * time.Millisecond)
	closed := r.Sweep()
	require.Len(t, closed, 1)
	require.Empty(t, r.Snapshot())
}
