// Package bootstrap talks to the external HTTP bootstrap registry that
// seeds gossip membership on startup (§4.7).
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/petervdpas/signalcore/internal/config"
	"github.com/petervdpas/signalcore/internal/identity"
)

// Client registers with, heartbeats, and unregisters from the bootstrap
// registry, retrying transient failures with exponential backoff.
type Client struct {
	cfg    config.Bootstrap
	http   *http.Client
	self   identity.Metadata
	limiter *rate.Limiter

	webhookClient *http.Client
	lastErr       atomic.Value // string
}

// serverRecord is the registry's wire shape for POST /servers and the
// heartbeat response's peer list.
type serverRecord struct {
	ServerID string `json:"server_id"`
	Endpoint string `json:"endpoint"`
	Region   string `json:"region,omitempty"`
}

// heartbeatResponse carries the current peer set, used to seed gossip.
type heartbeatResponse struct {
	Peers []serverRecord `json:"peers"`
}

func New(cfg config.Bootstrap, self identity.Metadata) *Client {
	return &Client{
		cfg:           cfg,
		http:          &http.Client{Timeout: 10 * time.Second},
		webhookClient: &http.Client{Timeout: 5 * time.Second},
		self:          self,
		limiter:       rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Register performs POST /servers, retrying with exponential backoff
// bounded by RetryMaxMS until ctx is cancelled. A bootstrap URL of "" is
// treated as standalone mode and Register is a no-op.
func (c *Client) Register(ctx context.Context) error {
	if c.cfg.URL == "" {
		return nil
	}
	body, err := json.Marshal(serverRecord{ServerID: c.self.ServerID, Endpoint: c.self.Endpoint, Region: c.self.Region})
	if err != nil {
		return fmt.Errorf("marshal server record: %w", err)
	}
	return c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.URL, "/")+"/servers", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("register: unexpected status %d", resp.StatusCode)
		}
		return nil
	})
}

// Heartbeat performs POST /servers/heartbeat and returns the registry's
// current peer list (excluding self) for the gossip manager to Seed.
func (c *Client) Heartbeat(ctx context.Context) ([]identity.Metadata, error) {
	if c.cfg.URL == "" {
		return nil, nil
	}
	body, err := json.Marshal(serverRecord{ServerID: c.self.ServerID, Endpoint: c.self.Endpoint, Region: c.self.Region})
	if err != nil {
		return nil, fmt.Errorf("marshal heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.URL, "/")+"/servers/heartbeat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		c.lastErr.Store(err.Error())
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("heartbeat: unexpected status %d", resp.StatusCode)
	}

	var hr heartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return nil, fmt.Errorf("decode heartbeat response: %w", err)
	}

	peers := make([]identity.Metadata, 0, len(hr.Peers))
	for _, p := range hr.Peers {
		if p.ServerID == c.self.ServerID {
			continue
		}
		peers = append(peers, identity.Metadata{ServerID: p.ServerID, Endpoint: p.Endpoint, Region: p.Region})
	}
	return peers, nil
}

// Run periodically heartbeats until ctx is cancelled, invoking onPeers
// with every successful response.
func (c *Client) Run(ctx context.Context, onPeers func([]identity.Metadata)) {
	if c.cfg.URL == "" {
		return
	}
	ticker := time.NewTicker(c.cfg.Heartbeat())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			peers, err := c.Heartbeat(ctx)
			if err != nil {
				continue // transient; next tick retries
			}
			if onPeers != nil {
				onPeers(peers)
			}
		}
	}
}

// Unregister performs DELETE /servers/{server_id} as a best-effort call
// during graceful shutdown (§9).
func (c *Client) Unregister(ctx context.Context) error {
	if c.cfg.URL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, strings.TrimRight(c.cfg.URL, "/")+"/servers/"+c.self.ServerID, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// NotifyMemberFailed fires a best-effort webhook POST when gossip marks a
// peer failed.
func (c *Client) NotifyMemberFailed(serverID string) {
	if c.cfg.WebhookURL == "" {
		return
	}
	if !c.limiter.Allow() {
		return
	}
	go func() {
		payload, _ := json.Marshal(map[string]string{"event": "member-failed", "server_id": serverID})
		resp, err := c.webhookClient.Post(c.cfg.WebhookURL, "application/json", bytes.NewReader(payload))
		if err != nil {
			c.lastErr.Store(err.Error())
			return
		}
		resp.Body.Close()
	}()
}

// withRetry retries op with exponential backoff from RetryInitialMS up
// to RetryMaxMS, stopping when ctx is cancelled.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	delay := time.Duration(c.cfg.RetryInitialMS) * time.Millisecond
	maxDelay := time.Duration(c.cfg.RetryMaxMS) * time.Millisecond
	for {
		err := op()
		if err == nil {
			return nil
		}
		c.lastErr.Store(err.Error())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// LastError returns the most recent transport error observed, if any,
// for diagnostics surfacing on GET /stats.
func (c *Client) LastError() string {
	if v := c.lastErr.Load(); v != nil {
		return v.(string)
	}
	return ""
}
