package signaling

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/signalcore/internal/proto"
)

type fakeSocket struct {
	id  string
	mu  sync.Mutex
	in  []proto.OutMessage
}

func newFakeSocket(id string) *fakeSocket { return &fakeSocket{id: id} }

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) Send(msg proto.OutMessage) {
	f.mu.Lock()
	f.in = append(f.in, msg)
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

func (f *fakeSocket) messages() []proto.OutMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proto.OutMessage, len(f.in))
	copy(out, f.in)
	return out
}

// requesterCode derives a distinct, alphabet-valid 6-char code ("DEF" plus
// three digits drawn from 2-9) for the i-th test requester.
func requesterCode(i int) string {
	const digits = "23456789"
	a := digits[i/64%8]
	b := digits[i/8%8]
	c := digits[i%8]
	return fmt.Sprintf("DEF%c%c%c", a, b, c)
}

func pubkey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}

func newRegistry() *Registry {
	return New("server-1", 10, 120*time.Millisecond, 90*time.Millisecond, nil)
}

// S1 — Successful pairing.
func TestScenario_SuccessfulPairing(t *testing.T) {
	reg := newRegistry()
	alice := newFakeSocket("alice-conn")
	bob := newFakeSocket("bob-conn")

	alicePK := pubkey()
	bobPK := pubkey()

	out := reg.Register(alice, "abc234", alicePK)
	require.Equal(t, proto.TypeRegistered, out["type"])
	require.Equal(t, "ABC234", out["pairing_code"])

	out = reg.Register(bob, "xyz567", bobPK)
	require.Equal(t, proto.TypeRegistered, out["type"])

	reply := reg.PairRequest(alice, "XYZ567", "")
	require.Nil(t, reply)

	incoming := bob.last()
	require.Equal(t, proto.TypePairIncoming, incoming["type"])
	require.Equal(t, "ABC234", incoming["from_code"])

	reply = reg.PairResponse(bob, "ABC234", true)
	require.Equal(t, proto.TypePairMatched, reply["type"])
	require.Equal(t, "ABC234", reply["peer_code"])
	require.Equal(t, false, reply["is_initiator"])

	aliceMatched := alice.last()
	require.Equal(t, proto.TypePairMatched, aliceMatched["type"])
	require.Equal(t, "XYZ567", aliceMatched["peer_code"])
	require.Equal(t, true, aliceMatched["is_initiator"])
}

// S2 — Enumeration resistance.
func TestScenario_EnumerationResistance(t *testing.T) {
	reg := newRegistry()
	alice := newFakeSocket("alice-conn")
	reg.Register(alice, "abc234", pubkey())

	reply := reg.PairRequest(alice, "ZZZZZ9", "")
	require.Equal(t, proto.TypePairError, reply["type"])
	require.Equal(t, proto.OpaquePairError, reply["error"])
}

// S3 — Pair rejection.
func TestScenario_PairRejection(t *testing.T) {
	reg := newRegistry()
	alice := newFakeSocket("alice-conn")
	bob := newFakeSocket("bob-conn")
	reg.Register(alice, "abc234", pubkey())
	reg.Register(bob, "xyz567", pubkey())

	reg.PairRequest(alice, "XYZ567", "")
	reply := reg.PairResponse(bob, "ABC234", false)
	require.Nil(t, reply)

	rejected := alice.last()
	require.Equal(t, proto.TypePairRejected, rejected["type"])
	require.Equal(t, "XYZ567", rejected["peer_code"])
}

func TestPendingCap_EleventhRequestRejected(t *testing.T) {
	reg := newRegistry()
	target := newFakeSocket("target-conn")
	reg.Register(target, "abc234", pubkey())

	for i := 0; i < 10; i++ {
		req := newFakeSocket(fmt.Sprintf("req-%d", i))
		code := requesterCode(i)
		reg.Register(req, code, pubkey())
		reply := reg.PairRequest(req, "ABC234", "")
		require.Nil(t, reply, "request %d should be accepted", i)
	}
	require.Equal(t, 10, reg.PendingCount("ABC234"))

	eleventh := newFakeSocket("req-11")
	reg.Register(eleventh, "GHJ777", pubkey())
	reply := reg.PairRequest(eleventh, "ABC234", "")
	require.Equal(t, proto.TypePairError, reply["type"])
	require.Equal(t, proto.OpaquePairError, reply["error"])
}

func TestPairRequest_TimeoutFiresAndWarns(t *testing.T) {
	reg := newRegistry()
	alice := newFakeSocket("alice-conn")
	bob := newFakeSocket("bob-conn")
	reg.Register(alice, "abc234", pubkey())
	reg.Register(bob, "xyz567", pubkey())

	reg.PairRequest(alice, "XYZ567", "")

	require.Eventually(t, func() bool {
		for _, m := range bob.messages() {
			if m["type"] == proto.TypePairExpiring {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "bob should receive pair_expiring warning")

	require.Eventually(t, func() bool {
		for _, m := range alice.messages() {
			if m["type"] == proto.TypePairTimeout {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "alice should receive pair_timeout")

	require.Equal(t, 0, reg.PendingCount("XYZ567"))
}

func TestInvalidPairingCode_RejectsIAndO(t *testing.T) {
	reg := newRegistry()
	_, ok := ValidateCode("ABCIOZ")
	require.False(t, ok)
	_, ok = ValidateCode("ABC12")
	require.False(t, ok)
	_, ok = ValidateCode("ABC1234")
	require.False(t, ok)
	_ = reg
}

func TestDisconnect_CancelsPendingAndNotifies(t *testing.T) {
	reg := newRegistry()
	alice := newFakeSocket("alice-conn")
	bob := newFakeSocket("bob-conn")
	reg.Register(alice, "abc234", pubkey())
	reg.Register(bob, "xyz567", pubkey())

	reg.PairRequest(alice, "XYZ567", "")
	require.Equal(t, 1, reg.PendingCount("XYZ567"))

	reg.Disconnect(bob)
	require.Equal(t, 0, reg.PendingCount("XYZ567"))

	timeout := alice.last()
	require.Equal(t, proto.TypePairTimeout, timeout["type"])
}
