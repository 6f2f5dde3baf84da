package ring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/signalcore/internal/identity"
)

func servers(ids ...string) []identity.Metadata {
	out := make([]identity.Metadata, len(ids))
	for i, id := range ids {
		out[i] = identity.Metadata{ServerID: id, Endpoint: "wss://" + id}
	}
	return out
}

func TestResponsibleNodes_CountIsMinOfRAndAlive(t *testing.T) {
	r := New(160)
	r.Rebuild(servers("s1", "s2"))

	got := r.ResponsibleNodes("some-key", 3)
	require.Len(t, got, 2, "must return min(R, |alive|) nodes")
}

func TestResponsibleNodes_DistinctServers(t *testing.T) {
	r := New(160)
	r.Rebuild(servers("s1", "s2", "s3", "s4", "s5"))

	got := r.ResponsibleNodes("another-key", 3)
	require.Len(t, got, 3)
	seen := map[string]bool{}
	for _, m := range got {
		require.False(t, seen[m.ServerID], "responsible nodes must be distinct servers")
		seen[m.ServerID] = true
	}
}

func TestResponsibleNodes_DeterministicAcrossIdenticalRings(t *testing.T) {
	r1 := New(160)
	r1.Rebuild(servers("s1", "s2", "s3"))
	r2 := New(160)
	r2.Rebuild(servers("s3", "s1", "s2")) // different insertion order

	for _, k := range []string{"k1", "k2", "k3", "dp_A", "ht_X"} {
		got1 := r1.ResponsibleNodes(k, 2)
		got2 := r2.ResponsibleNodes(k, 2)
		require.Equal(t, got1, got2, "ring must be deterministic given identical membership")
	}
}

func TestClassify_LocalVsRemote(t *testing.T) {
	r := New(160)
	r.Rebuild(servers("s1", "s2", "s3"))

	found := false
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		c := r.Classify(k, 3, "s1")
		if c.IsLocal {
			found = true
			require.GreaterOrEqual(t, c.LocalReplicaIndex, 0)
		}
		require.LessOrEqual(t, len(c.Others), 2)
	}
	require.True(t, found, "s1 should be responsible for at least one of these sample keys")
}

func TestResponsibleNodes_EmptyRing(t *testing.T) {
	r := New(160)
	require.Nil(t, r.ResponsibleNodes("x", 3))
}
