// Package signaling implements the pairing-code registry, the
// pair-request state machine, and WebRTC/call-signal forwarding (§4.1).
package signaling

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/signalcore/internal/proto"
)

const pairingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no I, O
const pairingCodeLen = 6

// Sender is anything a registered connection can push server->client
// messages to. The connection handler implements this.
type Sender interface {
	ID() string
	Send(msg proto.OutMessage)
}

// ValidateCode checks and normalizes a pairing code (case-folded upper,
// six characters, all drawn from the reserved alphabet).
func ValidateCode(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != pairingCodeLen {
		return "", false
	}
	for _, r := range code {
		if !strings.ContainsRune(pairingAlphabet, r) {
			return "", false
		}
	}
	return code, true
}

type pairRequest struct {
	requesterCode   string
	requesterPubKey []byte
	targetCode      string
	proposedName    string
	createdAt       time.Time
	warned          bool
	warningTimer    *time.Timer
	expiryTimer     *time.Timer
}

// RedirectResolver supplies other servers responsible for a given key
// (e.g. a pairing code), per the consistent-hash ring.
type RedirectResolver interface {
	RedirectsFor(key string) []Redirect
}

type Redirect struct {
	ServerID string `json:"server_id"`
	Endpoint string `json:"endpoint"`
}

// Registry holds the three signaling maps and the pair-request state
// machine. All mutation happens under a single mutex, matching §5's
// "single mutex/lock per registry" guidance.
type Registry struct {
	mu sync.Mutex

	codeToSocket map[string]Sender
	socketToCode map[string]string // sender ID -> code
	codeToPubKey map[string][]byte

	// pending[target][requester] = record; pendingByRequester mirrors it
	// for O(1) disconnect cleanup from the requester side.
	pendingByTarget    map[string]map[string]*pairRequest
	pendingByRequester map[string]map[string]*pairRequest

	serverID    string
	maxPending  int
	pairTimeout time.Duration
	pairWarning time.Duration
	redirects   RedirectResolver
}

func New(serverID string, maxPendingPerTarget int, pairTimeout, pairWarning time.Duration, redirects RedirectResolver) *Registry {
	return &Registry{
		codeToSocket:       map[string]Sender{},
		socketToCode:       map[string]string{},
		codeToPubKey:       map[string][]byte{},
		pendingByTarget:    map[string]map[string]*pairRequest{},
		pendingByRequester: map[string]map[string]*pairRequest{},
		serverID:           serverID,
		maxPending:         maxPendingPerTarget,
		pairTimeout:        pairTimeout,
		pairWarning:        pairWarning,
		redirects:          redirects,
	}
}

// Register binds a socket to a pairing code and public key (§4.1 Register).
func (reg *Registry) Register(s Sender, rawCode, publicKeyB64 string) proto.OutMessage {
	code, ok := ValidateCode(rawCode)
	if !ok {
		return proto.ErrorMsg("Invalid pairing code format")
	}
	pk, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pk) != 32 {
		return proto.ErrorMsg("Invalid public key: must be 32 bytes base64-encoded")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.codeToSocket[code]; exists {
		return proto.OutMessage{"type": proto.TypeCodeCollision, "pairing_code": code}
	}
	if prevCode, bound := reg.socketToCode[s.ID()]; bound && prevCode != code {
		return proto.ErrorMsg("connection already registered with a different classification")
	}

	reg.codeToSocket[code] = s
	reg.socketToCode[s.ID()] = code
	reg.codeToPubKey[code] = pk

	out := proto.OutMessage{
		"type":         proto.TypeRegistered,
		"pairing_code": code,
		"server_id":    reg.serverID,
	}
	if reg.redirects != nil {
		if rs := reg.redirects.RedirectsFor(code); len(rs) > 0 {
			out["redirects"] = rs
		}
	}
	return out
}

func (reg *Registry) lookupLocked(s Sender) (string, bool) {
	code, ok := reg.socketToCode[s.ID()]
	return code, ok
}

// PairRequest initiates pairing (§4.1 PairRequest). Side effects (sending
// pair_incoming to the target) happen here; the return value, if non-nil,
// is the error reply owed to the requester — the opaque pair_error whenever
// the target is absent or at its pending cap — and success has no
// immediate reply.
func (reg *Registry) PairRequest(s Sender, targetCode, proposedName string) proto.OutMessage {
	target, ok := ValidateCode(targetCode)
	if !ok {
		return proto.ErrorMsg("Invalid pairing code format")
	}

	reg.mu.Lock()
	requesterCode, registered := reg.lookupLocked(s)
	if !registered {
		reg.mu.Unlock()
		return proto.ErrorMsg("socket is not registered")
	}
	if target == requesterCode {
		reg.mu.Unlock()
		return proto.ErrorMsg("cannot pair with yourself")
	}

	targetSocket, targetOnline := reg.codeToSocket[target]
	if !targetOnline {
		reg.mu.Unlock()
		return proto.OutMessage{"type": proto.TypePairError, "error": proto.OpaquePairError}
	}

	// Displace any existing pending request from the same requester to
	// this target.
	if existing, ok := reg.pendingByTarget[target][requesterCode]; ok {
		reg.cancelLocked(existing)
	}

	if len(reg.pendingByTarget[target]) >= reg.maxPending {
		reg.mu.Unlock()
		return proto.OutMessage{"type": proto.TypePairError, "error": proto.OpaquePairError}
	}

	requesterPK := append([]byte(nil), reg.codeToPubKey[requesterCode]...)
	rec := &pairRequest{
		requesterCode:   requesterCode,
		requesterPubKey: requesterPK,
		targetCode:      target,
		proposedName:    proposedName,
		createdAt:       time.Now(),
	}
	reg.index(rec)

	rec.warningTimer = time.AfterFunc(reg.pairWarning, func() { reg.onWarning(rec) })
	rec.expiryTimer = time.AfterFunc(reg.pairTimeout, func() { reg.onExpiry(rec) })
	reg.mu.Unlock()

	targetSocket.Send(proto.OutMessage{
		"type":            proto.TypePairIncoming,
		"from_code":       requesterCode,
		"from_public_key": base64.StdEncoding.EncodeToString(requesterPK),
		"expires_in_ms":   reg.pairTimeout.Milliseconds(),
		"proposed_name":   proposedName,
	})
	return nil
}

func (reg *Registry) index(rec *pairRequest) {
	if reg.pendingByTarget[rec.targetCode] == nil {
		reg.pendingByTarget[rec.targetCode] = map[string]*pairRequest{}
	}
	reg.pendingByTarget[rec.targetCode][rec.requesterCode] = rec
	if reg.pendingByRequester[rec.requesterCode] == nil {
		reg.pendingByRequester[rec.requesterCode] = map[string]*pairRequest{}
	}
	reg.pendingByRequester[rec.requesterCode][rec.targetCode] = rec
}

// cancelLocked removes rec from both indices and stops its timers. Must be
// called with reg.mu held. A fired timer that finds its record already
// gone is a no-op (checked via map membership in the callbacks).
func (reg *Registry) cancelLocked(rec *pairRequest) {
	if rec.warningTimer != nil {
		rec.warningTimer.Stop()
	}
	if rec.expiryTimer != nil {
		rec.expiryTimer.Stop()
	}
	delete(reg.pendingByTarget[rec.targetCode], rec.requesterCode)
	delete(reg.pendingByRequester[rec.requesterCode], rec.targetCode)
}

func (reg *Registry) onWarning(rec *pairRequest) {
	reg.mu.Lock()
	cur, ok := reg.pendingByTarget[rec.targetCode][rec.requesterCode]
	if !ok || cur != rec || rec.warned {
		reg.mu.Unlock()
		return
	}
	rec.warned = true
	requesterSock := reg.codeToSocket[rec.requesterCode]
	targetSock := reg.codeToSocket[rec.targetCode]
	remaining := int64(reg.pairTimeout.Seconds() - reg.pairWarning.Seconds())
	reg.mu.Unlock()

	msg := proto.OutMessage{"type": proto.TypePairExpiring, "remaining_seconds": remaining}
	if requesterSock != nil {
		requesterSock.Send(msg)
	}
	if targetSock != nil {
		targetSock.Send(msg)
	}
}

func (reg *Registry) onExpiry(rec *pairRequest) {
	reg.mu.Lock()
	cur, ok := reg.pendingByTarget[rec.targetCode][rec.requesterCode]
	if !ok || cur != rec {
		reg.mu.Unlock()
		return
	}
	reg.cancelLocked(rec)
	requesterSock := reg.codeToSocket[rec.requesterCode]
	reg.mu.Unlock()

	if requesterSock != nil {
		requesterSock.Send(proto.OutMessage{"type": proto.TypePairTimeout, "target_code": rec.targetCode})
	}
}

// PairResponse accepts or rejects a pending request (§4.1 PairResponse).
// socket is the responder (the original request's target); targetCode in
// the message names the original requester.
func (reg *Registry) PairResponse(s Sender, requesterCodeField string, accepted bool) proto.OutMessage {
	requesterCode, ok := ValidateCode(requesterCodeField)
	if !ok {
		return proto.OutMessage{"type": proto.TypePairError, "error": "No pending request from this peer"}
	}

	reg.mu.Lock()
	responderCode, registered := reg.lookupLocked(s)
	if !registered {
		reg.mu.Unlock()
		return proto.ErrorMsg("socket is not registered")
	}
	rec, ok := reg.pendingByTarget[responderCode][requesterCode]
	if !ok {
		reg.mu.Unlock()
		return proto.OutMessage{"type": proto.TypePairError, "error": "No pending request from this peer"}
	}
	reg.cancelLocked(rec)

	requesterSock := reg.codeToSocket[requesterCode]
	responderPK := append([]byte(nil), reg.codeToPubKey[responderCode]...)
	requesterPK := rec.requesterPubKey
	reg.mu.Unlock()

	if !accepted {
		if requesterSock != nil {
			requesterSock.Send(proto.OutMessage{"type": proto.TypePairRejected, "peer_code": responderCode})
		}
		return nil
	}

	if requesterSock != nil {
		requesterSock.Send(proto.OutMessage{
			"type":             proto.TypePairMatched,
			"peer_code":        responderCode,
			"peer_public_key":  base64.StdEncoding.EncodeToString(responderPK),
			"is_initiator":     true,
		})
	}
	return proto.OutMessage{
		"type":            proto.TypePairMatched,
		"peer_code":       requesterCode,
		"peer_public_key": base64.StdEncoding.EncodeToString(requesterPK),
		"is_initiator":    false,
	}
}

var forwardTypes = map[string]bool{
	proto.TypeOffer: true, proto.TypeAnswer: true, proto.TypeICECandidate: true,
	proto.TypeCallOffer: true, proto.TypeCallAnswer: true, proto.TypeCallReject: true,
	proto.TypeCallHangup: true, proto.TypeCallICE: true,
}

// Forward relays a WebRTC or call-signal payload verbatim to its target
// (§4.1 Forward).
func (reg *Registry) Forward(s Sender, msgType, target string, payload map[string]any) proto.OutMessage {
	if !forwardTypes[msgType] {
		return proto.ErrorMsg(fmt.Sprintf("unsupported forward type: %s", msgType))
	}
	targetCode, ok := ValidateCode(target)
	if !ok {
		return proto.ErrorMsg("Invalid pairing code format")
	}
	if strings.HasPrefix(msgType, "call_") {
		if _, ok := payload["call_id"]; !ok {
			payload = cloneWithCallID(payload)
		}
	}

	reg.mu.Lock()
	_, registered := reg.lookupLocked(s)
	if !registered {
		reg.mu.Unlock()
		return proto.ErrorMsg("socket is not registered")
	}
	senderCode := reg.socketToCode[s.ID()]
	targetSock, online := reg.codeToSocket[targetCode]
	reg.mu.Unlock()

	if !online {
		return proto.ErrorMsg(fmt.Sprintf("Peer not found: %s", targetCode))
	}
	targetSock.Send(proto.OutMessage{
		"type":    msgType,
		"from":    senderCode,
		"payload": payload,
	})
	return nil
}

func cloneWithCallID(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["call_id"] = uuid.NewString()
	return out
}

// Disconnect tears down all state owned by socket (§4.1 Disconnect).
func (reg *Registry) Disconnect(s Sender) {
	reg.mu.Lock()
	code, registered := reg.lookupLocked(s)
	if !registered {
		reg.mu.Unlock()
		return
	}
	delete(reg.codeToSocket, code)
	delete(reg.socketToCode, s.ID())
	delete(reg.codeToPubKey, code)

	type notify struct {
		sock Sender
		msg  proto.OutMessage
	}
	var toNotify []notify

	// This socket was a target: every requester waiting on it gets pair_timeout.
	for requesterCode, rec := range reg.pendingByTarget[code] {
		reg.cancelLocked(rec)
		if sock, ok := reg.codeToSocket[requesterCode]; ok {
			toNotify = append(toNotify, notify{sock, proto.OutMessage{"type": proto.TypePairTimeout, "target_code": code}})
		}
	}
	delete(reg.pendingByTarget, code)

	// This socket was a requester: every target with a pending request from
	// it is told the link timed out.
	for targetCode, rec := range reg.pendingByRequester[code] {
		reg.cancelLocked(rec)
		if sock, ok := reg.codeToSocket[targetCode]; ok {
			toNotify = append(toNotify, notify{sock, proto.OutMessage{"type": proto.TypePairTimeout, "target_code": code}})
		}
	}
	delete(reg.pendingByRequester, code)
	reg.mu.Unlock()

	for _, n := range toNotify {
		n.sock.Send(n.msg)
	}
}

// PendingCount reports how many requests are pending for a target; used by
// tests and diagnostics.
func (reg *Registry) PendingCount(targetCode string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.pendingByTarget[targetCode])
}

// PendingTotal reports the number of pair requests pending across every
// target, for the pending_pair_requests gauge.
func (reg *Registry) PendingTotal() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	total := 0
	for _, byRequester := range reg.pendingByTarget {
		total += len(byRequester)
	}
	return total
}
