package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/signalcore/internal/config"
	"github.com/petervdpas/signalcore/internal/identity"
)

func TestRegister_Standalone_NoOp(t *testing.T) {
	c := New(config.Bootstrap{}, identity.Metadata{ServerID: "s1"})
	require.NoError(t, c.Register(context.Background()))
}

func TestRegister_PostsServerRecord(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cfg := config.Bootstrap{URL: srv.URL, RetryInitialMS: 1, RetryMaxMS: 10}
	c := New(cfg, identity.Metadata{ServerID: "s1", Endpoint: "wss://s1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Register(ctx))
	require.Equal(t, "/servers", gotPath)
}

func TestRegister_RetriesOnFailureThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Bootstrap{URL: srv.URL, RetryInitialMS: 1, RetryMaxMS: 5}
	c := New(cfg, identity.Metadata{ServerID: "s1"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Register(ctx))
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(3))
}

func TestHeartbeat_ReturnsPeersExcludingSelf(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/servers/heartbeat", r.URL.Path)
		_ = json.NewEncoder(w).Encode(heartbeatResponse{Peers: []serverRecord{
			{ServerID: "s1", Endpoint: "wss://s1"},
			{ServerID: "s2", Endpoint: "wss://s2"},
		}})
	}))
	defer srv.Close()

	cfg := config.Bootstrap{URL: srv.URL}
	c := New(cfg, identity.Metadata{ServerID: "s1"})

	peers, err := c.Heartbeat(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "s2", peers[0].ServerID)
}

func TestUnregister_SendsDelete(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	cfg := config.Bootstrap{URL: srv.URL}
	c := New(cfg, identity.Metadata{ServerID: "s1"})

	require.NoError(t, c.Unregister(context.Background()))
	require.Equal(t, http.MethodDelete, gotMethod)
	require.Equal(t, "/servers/s1", gotPath)
}

func TestNotifyMemberFailed_PostsWebhook(t *testing.T) {
	done := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		done <- payload
	}))
	defer srv.Close()

	cfg := config.Bootstrap{WebhookURL: srv.URL}
	c := New(cfg, identity.Metadata{ServerID: "s1"})

	c.NotifyMemberFailed("s2")

	select {
	case payload := <-done:
		require.Equal(t, "member-failed", payload["event"])
		require.Equal(t, "s2", payload["server_id"])
	case <-time.After(time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestNotifyMemberFailed_NoURLIsNoOp(t *testing.T) {
	c := New(config.Bootstrap{}, identity.Metadata{ServerID: "s1"})
	c.NotifyMemberFailed("s2") // must not panic or block
}
