// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/signalcore/internal/util"
)

type Config struct {
	Identity   Identity   `json:"identity"`
	Listen     Listen     `json:"listen"`
	Ring       Ring       `json:"ring"`
	Gossip     Gossip     `json:"gossip"`
	Bootstrap  Bootstrap  `json:"bootstrap"`
	RateLimit  RateLimit  `json:"rate_limit"`
	Rendezvous Rendezvous `json:"rendezvous"`
	Signaling  Signaling  `json:"signaling"`
	RelayPeer  RelayPeer  `json:"relay_peer"`
	Admin      Admin      `json:"admin"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
	Region  string `json:"region"`
}

type Listen struct {
	Addr           string `json:"addr"`
	FederationAddr string `json:"federation_addr"`
	Endpoint       string `json:"endpoint"` // advertised wss:// URL for this server
	MonitoringPort int    `json:"monitoring_port"`
	MaxFrameBytes  int64  `json:"max_frame_bytes"`
}

// Ring configures the consistent-hash ring.
type Ring struct {
	VirtualNodes      int `json:"virtual_nodes"`
	ReplicationFactor int `json:"replication_factor"`
}

// Gossip configures the SWIM membership protocol.
type Gossip struct {
	PeriodMS           int `json:"period_ms"`
	IndirectPingCount  int `json:"indirect_ping_count"`
	SuspectTimeoutMS   int `json:"suspect_timeout_ms"`
	FailedTimeoutMS    int `json:"failed_timeout_ms"`
	StateExchangeMS    int `json:"state_exchange_ms"`
	DigestPiggybackCap int `json:"digest_piggyback_cap"`
}

// Bootstrap configures the external HTTP registry client.
type Bootstrap struct {
	URL            string `json:"url"`
	HeartbeatMS    int    `json:"heartbeat_ms"`
	RetryInitialMS int    `json:"retry_initial_ms"`
	RetryMaxMS     int    `json:"retry_max_ms"`
	WebhookURL     string `json:"webhook_url,omitempty"`
}

// RateLimit configures the per-socket fixed-window limiter.
type RateLimit struct {
	WindowMS int `json:"window_ms"`
	MaxMsgs  int `json:"max_msgs"`
}

// Rendezvous configures the daily/hourly table TTLs and optional
// persistence.
type Rendezvous struct {
	DailyTTLHours       int    `json:"daily_ttl_hours"`
	HourlyTTLHours      int    `json:"hourly_ttl_hours"`
	SweepIntervalSec    int    `json:"sweep_interval_seconds"`
	MaxPointsPerMessage int    `json:"max_points_per_message"`
	MaxTokensPerMessage int    `json:"max_tokens_per_message"`
	MaxDeadDropBytes    int    `json:"max_dead_drop_bytes"`
	SQLitePath          string `json:"sqlite_path,omitempty"` // empty = memory-only
}

// Signaling configures pair-request timers and caps.
type Signaling struct {
	PairTimeoutMS       int `json:"pair_timeout_ms"`
	PairWarningMS       int `json:"pair_warning_ms"`
	MaxPendingPerTarget int `json:"max_pending_per_target"`
}

// RelayPeer configures heartbeat timeout and load-report behavior.
type RelayPeer struct {
	HeartbeatTimeoutSec int     `json:"heartbeat_timeout_seconds"`
	SweepIntervalSec    int     `json:"sweep_interval_seconds"`
	MaxConnectionsCap   int     `json:"max_connections_cap"`
	OverheadCap         float64 `json:"overhead_cap"`
}

// Admin gates GET /stats.
type Admin struct {
	StatsToken string `json:"stats_token,omitempty"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.json",
		},
		Listen: Listen{
			Addr:           ":8443",
			FederationAddr: ":8444",
			Endpoint:       "wss://localhost:8443",
			MonitoringPort: 9100,
			MaxFrameBytes:  1 << 20,
		},
		Ring: Ring{
			VirtualNodes:      160,
			ReplicationFactor: 3,
		},
		Gossip: Gossip{
			PeriodMS:           1000,
			IndirectPingCount:  3,
			SuspectTimeoutMS:   2000,
			FailedTimeoutMS:    4000,
			StateExchangeMS:    3000,
			DigestPiggybackCap: 16,
		},
		Bootstrap: Bootstrap{
			HeartbeatMS:    60000,
			RetryInitialMS: 1000,
			RetryMaxMS:     60000,
		},
		RateLimit: RateLimit{
			WindowMS: 60000,
			MaxMsgs:  100,
		},
		Rendezvous: Rendezvous{
			DailyTTLHours:       72,
			HourlyTTLHours:      3,
			SweepIntervalSec:    60,
			MaxPointsPerMessage: 64,
			MaxTokensPerMessage: 64,
			MaxDeadDropBytes:    4096,
		},
		Signaling: Signaling{
			PairTimeoutMS:       120000,
			PairWarningMS:       90000,
			MaxPendingPerTarget: 10,
		},
		RelayPeer: RelayPeer{
			HeartbeatTimeoutSec: 60,
			SweepIntervalSec:    15,
			MaxConnectionsCap:   1000,
			OverheadCap:         1.2,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Listen.Addr) == "" {
		return errors.New("listen.addr is required")
	}
	if strings.TrimSpace(c.Listen.Endpoint) == "" {
		return errors.New("listen.endpoint is required")
	}
	if c.Listen.MaxFrameBytes <= 0 {
		return errors.New("listen.max_frame_bytes must be > 0")
	}

	if c.Ring.VirtualNodes <= 0 {
		return errors.New("ring.virtual_nodes must be > 0")
	}
	if c.Ring.ReplicationFactor <= 0 {
		return errors.New("ring.replication_factor must be > 0")
	}

	if c.Gossip.PeriodMS <= 0 {
		return errors.New("gossip.period_ms must be > 0")
	}
	if c.Gossip.IndirectPingCount < 0 {
		return errors.New("gossip.indirect_ping_count must be >= 0")
	}
	if c.Gossip.SuspectTimeoutMS <= 0 || c.Gossip.FailedTimeoutMS <= 0 {
		return errors.New("gossip suspect/failed timeouts must be > 0")
	}

	if c.Bootstrap.URL != "" {
		if err := validateHTTPURL(c.Bootstrap.URL); err != nil {
			return fmt.Errorf("bootstrap.url: %w", err)
		}
	}
	if c.Bootstrap.WebhookURL != "" {
		if err := validateHTTPURL(c.Bootstrap.WebhookURL); err != nil {
			return fmt.Errorf("bootstrap.webhook_url: %w", err)
		}
	}
	if c.Bootstrap.HeartbeatMS <= 0 {
		return errors.New("bootstrap.heartbeat_ms must be > 0")
	}

	if c.RateLimit.WindowMS <= 0 || c.RateLimit.MaxMsgs <= 0 {
		return errors.New("rate_limit.window_ms and max_msgs must be > 0")
	}

	if c.Rendezvous.DailyTTLHours <= 0 || c.Rendezvous.HourlyTTLHours <= 0 {
		return errors.New("rendezvous TTLs must be > 0")
	}
	if c.Rendezvous.MaxPointsPerMessage <= 0 || c.Rendezvous.MaxTokensPerMessage <= 0 {
		return errors.New("rendezvous per-message caps must be > 0")
	}

	if c.Signaling.PairTimeoutMS <= 0 {
		return errors.New("signaling.pair_timeout_ms must be > 0")
	}
	if c.Signaling.PairWarningMS <= 0 || c.Signaling.PairWarningMS >= c.Signaling.PairTimeoutMS {
		return errors.New("signaling.pair_warning_ms must be > 0 and < pair_timeout_ms")
	}
	if c.Signaling.MaxPendingPerTarget <= 0 {
		return errors.New("signaling.max_pending_per_target must be > 0")
	}

	if c.RelayPeer.HeartbeatTimeoutSec <= 0 {
		return errors.New("relay_peer.heartbeat_timeout_seconds must be > 0")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

func (g Gossip) Period() time.Duration        { return time.Duration(g.PeriodMS) * time.Millisecond }
func (g Gossip) SuspectTimeout() time.Duration { return time.Duration(g.SuspectTimeoutMS) * time.Millisecond }
func (g Gossip) FailedTimeout() time.Duration  { return time.Duration(g.FailedTimeoutMS) * time.Millisecond }
func (g Gossip) StateExchange() time.Duration  { return time.Duration(g.StateExchangeMS) * time.Millisecond }

func (b Bootstrap) Heartbeat() time.Duration { return time.Duration(b.HeartbeatMS) * time.Millisecond }

func (s Signaling) PairTimeout() time.Duration { return time.Duration(s.PairTimeoutMS) * time.Millisecond }
func (s Signaling) PairWarning() time.Duration { return time.Duration(s.PairWarningMS) * time.Millisecond }

func (r Rendezvous) DailyTTL() time.Duration  { return time.Duration(r.DailyTTLHours) * time.Hour }
func (r Rendezvous) HourlyTTL() time.Duration { return time.Duration(r.HourlyTTLHours) * time.Hour }
func (r Rendezvous) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSec) * time.Second
}

func (rl RateLimit) Window() time.Duration { return time.Duration(rl.WindowMS) * time.Millisecond }

func (rp RelayPeer) SweepInterval() time.Duration {
	return time.Duration(rp.SweepIntervalSec) * time.Second
}
