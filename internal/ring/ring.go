// Package ring implements the consistent-hash ring used to shard the
// rendezvous tables across federated servers.
package ring

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/petervdpas/signalcore/internal/identity"
)

// VirtualNode is one point on the ring.
type VirtualNode struct {
	ServerID string
	VIndex   int
	Token    uint64
}

// Ring is a copy-on-write snapshot of the virtual-node list plus the
// server metadata it was built from. Readers always see a complete,
// consistent snapshot; Rebuild swaps the pointer atomically.
type Ring struct {
	mu      sync.RWMutex
	nodes   []VirtualNode             // sorted ascending by token
	members map[string]identity.Metadata // server_id -> metadata, alive members only
	v       int
}

// New creates an empty ring with V virtual nodes per server.
func New(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = 160
	}
	return &Ring{v: virtualNodes, members: map[string]identity.Metadata{}}
}

// HashKey returns H(key) mod 2^64, the same hash space virtual-node tokens
// live in.
func HashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

func tokenFor(serverID string, vIndex int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s:%d", serverID, vIndex))
}

// Rebuild replaces the ring's membership with the given alive servers and
// regenerates the virtual-node list. Safe to call concurrently with
// lookups; readers never observe a partially-built ring.
func (r *Ring) Rebuild(alive []identity.Metadata) {
	members := make(map[string]identity.Metadata, len(alive))
	nodes := make([]VirtualNode, 0, len(alive)*r.v)
	for _, m := range alive {
		members[m.ServerID] = m
		for vi := 0; vi < r.v; vi++ {
			nodes = append(nodes, VirtualNode{
				ServerID: m.ServerID,
				VIndex:   vi,
				Token:    tokenFor(m.ServerID, vi),
			})
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Token != nodes[j].Token {
			return nodes[i].Token < nodes[j].Token
		}
		return nodes[i].ServerID < nodes[j].ServerID // deterministic tie-break
	})

	r.mu.Lock()
	r.nodes = nodes
	r.members = members
	r.mu.Unlock()
}

// Members returns the current alive member set.
func (r *Ring) Members() []identity.Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]identity.Metadata, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// ResponsibleNodes returns the first R distinct server_ids encountered
// clockwise from H(key), per §4.4.
func (r *Ring) ResponsibleNodes(key string, replicationFactor int) []identity.Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.nodes) == 0 {
		return nil
	}
	h := HashKey(key)
	start := sort.Search(len(r.nodes), func(i int) bool { return r.nodes[i].Token >= h })

	seen := make(map[string]bool, replicationFactor)
	out := make([]identity.Metadata, 0, replicationFactor)
	n := len(r.nodes)
	for i := 0; i < n && len(out) < replicationFactor; i++ {
		idx := (start + i) % n
		sid := r.nodes[idx].ServerID
		if seen[sid] {
			continue
		}
		seen[sid] = true
		if md, ok := r.members[sid]; ok {
			out = append(out, md)
		}
	}
	return out
}

// Classification describes whether the local server is responsible for a
// key, and if so at which replica index (0 = primary).
type Classification struct {
	LocalReplicaIndex int  // -1 if not locally responsible
	IsLocal           bool
	Others            []identity.Metadata // responsible servers other than self, in ring order
}

// Classify implements routing table's classify(key) from §4.4.
func (r *Ring) Classify(key string, replicationFactor int, selfServerID string) Classification {
	responsible := r.ResponsibleNodes(key, replicationFactor)
	out := Classification{LocalReplicaIndex: -1}
	for i, m := range responsible {
		if m.ServerID == selfServerID {
			out.IsLocal = true
			out.LocalReplicaIndex = i
			continue
		}
		out.Others = append(out.Others, m)
	}
	return out
}
