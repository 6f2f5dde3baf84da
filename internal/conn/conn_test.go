package conn

import (
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/signalcore/internal/config"
	"github.com/petervdpas/signalcore/internal/coordinator"
	"github.com/petervdpas/signalcore/internal/gossip"
	"github.com/petervdpas/signalcore/internal/identity"
	"github.com/petervdpas/signalcore/internal/metrics"
	"github.com/petervdpas/signalcore/internal/relaypeer"
	"github.com/petervdpas/signalcore/internal/rendezvous"
	"github.com/petervdpas/signalcore/internal/ring"
	"github.com/petervdpas/signalcore/internal/signaling"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()

	self := identity.Metadata{ServerID: "s1", Endpoint: "wss://s1"}
	r := ring.New(cfg.Ring.VirtualNodes)
	r.Rebuild([]identity.Metadata{self})

	sig := signaling.New(self.ServerID, cfg.Signaling.MaxPendingPerTarget, cfg.Signaling.PairTimeout(), cfg.Signaling.PairWarning(), nil)
	relay := relaypeer.New(self.ServerID, cfg.RelayPeer.OverheadCap, cfg.RelayPeer.MaxConnectionsCap, time.Duration(cfg.RelayPeer.HeartbeatTimeoutSec)*time.Second)
	rv, err := rendezvous.New(cfg.Rendezvous.DailyTTL(), cfg.Rendezvous.HourlyTTL(), nil)
	require.NoError(t, err)
	coord := coordinator.New(r, rv, self.ServerID, cfg.Ring.ReplicationFactor)
	gm := gossip.New(gossip.Member{ServerID: self.ServerID, Endpoint: self.Endpoint}, cfg.Gossip, newFederationTransport())
	fed := newFederationTransport()
	m := metrics.New()

	srv := New(&cfg, self, r, sig, relay, coord, gm, fed, m, nil)
	httpSrv := httptest.NewServer(srv.Mux())
	return srv, httpSrv
}

func dialWS(t *testing.T, httpSrv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return c
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out map[string]any
	require.NoError(t, c.ReadJSON(&out))
	return out
}

func TestHandleHealth_AlwaysUnauthenticated(t *testing.T) {
	_, httpSrv := testServer(t)
	defer httpSrv.Close()

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}

func TestHandleStats_RequiresBearerTokenWhenConfigured(t *testing.T) {
	srv, httpSrv := testServer(t)
	srv.cfg.Admin.StatsToken = "secret"
	defer httpSrv.Close()

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/stats")
	require.NoError(t, err)
	require.Equal(t, 401, resp.StatusCode)
}

func TestClientConnect_ReceivesServerInfo(t *testing.T) {
	_, httpSrv := testServer(t)
	defer httpSrv.Close()

	c := dialWS(t, httpSrv, "/")
	defer c.Close()

	msg := readJSON(t, c)
	require.Equal(t, "server_info", msg["type"])
	require.Equal(t, "s1", msg["server_id"])
}

func pubkeyB64() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func TestRegisterSignaling_Succeeds(t *testing.T) {
	_, httpSrv := testServer(t)
	defer httpSrv.Close()

	c := dialWS(t, httpSrv, "/")
	defer c.Close()
	readJSON(t, c) // server_info

	require.NoError(t, c.WriteJSON(map[string]any{
		"type": "register", "pairing_code": "ABC234", "public_key": pubkeyB64(),
	}))
	msg := readJSON(t, c)
	require.Equal(t, "registered", msg["type"])
	require.Equal(t, "ABC234", msg["pairing_code"])
}

func TestRegisterRelay_Succeeds(t *testing.T) {
	_, httpSrv := testServer(t)
	defer httpSrv.Close()

	c := dialWS(t, httpSrv, "/")
	defer c.Close()
	readJSON(t, c)

	require.NoError(t, c.WriteJSON(map[string]any{
		"type": "register", "peer_id": "relay-1", "max_connections": 10,
	}))
	msg := readJSON(t, c)
	require.Equal(t, "registered", msg["type"])
	require.Equal(t, "relay-1", msg["peer_id"])
}

func TestReRegisterDifferentClassification_Rejected(t *testing.T) {
	_, httpSrv := testServer(t)
	defer httpSrv.Close()

	c := dialWS(t, httpSrv, "/")
	defer c.Close()
	readJSON(t, c)

	require.NoError(t, c.WriteJSON(map[string]any{
		"type": "register", "pairing_code": "ABC234", "public_key": pubkeyB64(),
	}))
	readJSON(t, c)

	require.NoError(t, c.WriteJSON(map[string]any{
		"type": "register", "peer_id": "relay-1",
	}))
	msg := readJSON(t, c)
	require.Equal(t, "error", msg["type"])
}

func TestPing_RepliesWithPong(t *testing.T) {
	_, httpSrv := testServer(t)
	defer httpSrv.Close()

	c := dialWS(t, httpSrv, "/")
	defer c.Close()
	readJSON(t, c)

	require.NoError(t, c.WriteJSON(map[string]any{"type": "ping"}))
	msg := readJSON(t, c)
	require.Equal(t, "pong", msg["type"])
}

func TestRegisterRendezvous_SymmetricDiscoveryOverWire(t *testing.T) {
	_, httpSrv := testServer(t)
	defer httpSrv.Close()

	c1 := dialWS(t, httpSrv, "/")
	defer c1.Close()
	readJSON(t, c1)
	require.NoError(t, c1.WriteJSON(map[string]any{
		"type": "register_rendezvous", "peer_id": "P1", "hourly_tokens": []string{"ht_X"}, "relay_id": "r1",
	}))
	first := readJSON(t, c1)
	require.Equal(t, "rendezvous_result", first["type"])

	c2 := dialWS(t, httpSrv, "/")
	defer c2.Close()
	readJSON(t, c2)
	require.NoError(t, c2.WriteJSON(map[string]any{
		"type": "register_rendezvous", "peer_id": "P2", "hourly_tokens": []string{"ht_X"}, "relay_id": "r2",
	}))

	// P1 must receive a rendezvous_match push before P2's own reply settles.
	pushed := readJSON(t, c1)
	require.Equal(t, "rendezvous_match", pushed["type"])
	require.Equal(t, "P2", pushed["peer_id"])

	reply := readJSON(t, c2)
	require.Equal(t, "rendezvous_result", reply["type"])
}

func TestInvalidJSON_RespondsWithParseError(t *testing.T) {
	_, httpSrv := testServer(t)
	defer httpSrv.Close()

	c := dialWS(t, httpSrv, "/")
	defer c.Close()
	readJSON(t, c)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readJSON(t, c)
	require.Equal(t, "error", msg["type"])
}
