package conn

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/petervdpas/signalcore/internal/gossip"
	"github.com/petervdpas/signalcore/internal/proto"
)

// federationSender is the subset of Socket the SWIM transport needs.
type federationSender interface {
	Send(msg proto.OutMessage)
}

// federationTransport implements gossip.Transport over the /federation
// WebSocket endpoint's swim_* message set (§4.6).
type federationTransport struct {
	mu      sync.Mutex
	sockets map[string]federationSender // server_id -> socket
	pending map[string]chan bool        // req_id -> ack delivery
}

func newFederationTransport() *federationTransport {
	return &federationTransport{
		sockets: map[string]federationSender{},
		pending: map[string]chan bool{},
	}
}

// NewFederationTransport constructs the gossip.Transport implementation
// backing the /federation WebSocket endpoint. Exported so cmd/signalcore
// can wire the same instance into both gossip.New and conn.New.
func NewFederationTransport() *federationTransport { return newFederationTransport() }

// bind associates a federation socket with the server_id it authenticated
// as.
func (f *federationTransport) bind(serverID string, s federationSender) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sockets[serverID] = s
}

func (f *federationTransport) unbind(serverID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sockets, serverID)
}

func (f *federationTransport) Ping(ctx context.Context, target gossip.Member) bool {
	f.mu.Lock()
	sock, ok := f.sockets[target.ServerID]
	f.mu.Unlock()
	if !ok {
		return false
	}
	return f.request(ctx, sock, proto.TypeSwimPing, nil)
}

func (f *federationTransport) PingReq(ctx context.Context, via gossip.Member, target gossip.Member) bool {
	f.mu.Lock()
	sock, ok := f.sockets[via.ServerID]
	f.mu.Unlock()
	if !ok {
		return false
	}
	return f.request(ctx, sock, proto.TypeSwimPingReq, map[string]any{"target_server_id": target.ServerID})
}

func (f *federationTransport) request(ctx context.Context, sock federationSender, msgType string, extra map[string]any) bool {
	reqID := uuid.NewString()
	ch := make(chan bool, 1)
	f.mu.Lock()
	f.pending[reqID] = ch
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.pending, reqID)
		f.mu.Unlock()
	}()

	fields := map[string]any{"req_id": reqID}
	for k, v := range extra {
		fields[k] = v
	}
	sock.Send(proto.Msg(msgType, fields))

	select {
	case ok := <-ch:
		return ok
	case <-ctx.Done():
		return false
	}
}

// Flood disseminates a membership change to every known federation peer.
func (f *federationTransport) Flood(change gossip.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sock := range f.sockets {
		sock.Send(proto.Msg(proto.TypeSwimStateDiff, map[string]any{
			"server_id":   change.ServerID,
			"state":       change.State.String(),
			"incarnation": change.Incarnation,
			"endpoint":    change.Endpoint,
			"region":      change.Region,
		}))
	}
}

// deliverAck routes an incoming swim_ack to its waiting request, if any.
func (f *federationTransport) deliverAck(reqID string) {
	f.mu.Lock()
	ch, ok := f.pending[reqID]
	f.mu.Unlock()
	if ok {
		select {
		case ch <- true:
		default:
		}
	}
}
