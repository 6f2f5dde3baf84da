// cmd/signalcore/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/petervdpas/signalcore/internal/bootstrap"
	"github.com/petervdpas/signalcore/internal/config"
	"github.com/petervdpas/signalcore/internal/conn"
	"github.com/petervdpas/signalcore/internal/coordinator"
	"github.com/petervdpas/signalcore/internal/gossip"
	"github.com/petervdpas/signalcore/internal/identity"
	"github.com/petervdpas/signalcore/internal/metrics"
	"github.com/petervdpas/signalcore/internal/relaypeer"
	"github.com/petervdpas/signalcore/internal/rendezvous"
	"github.com/petervdpas/signalcore/internal/ring"
	"github.com/petervdpas/signalcore/internal/signaling"
)

var appVersion = "dev"

func main() {
	var (
		cfgPath  = flag.String("config", "signalcore.json", "Path to the server config file")
		loglevel = flag.String("loglevel", "info", "Set a log level. Can be: debug, info, warning, error")
		version  = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *version {
		fmt.Printf("signalcore v%s\n", appVersion)
		return
	}

	switch *loglevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", *loglevel)
	}

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Infof("wrote default config to %s", *cfgPath)
	}

	id, err := identity.LoadOrCreate(cfg.Identity.KeyFile)
	if err != nil {
		log.Fatalf("Failed to load identity: %v", err)
	}
	self := identity.Metadata{ServerID: id.ServerID, Endpoint: cfg.Listen.Endpoint, Region: cfg.Identity.Region}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	srv, err := build(cfg, self)
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}

	go srv.gossipMgr.Run(ctx)
	go srv.conn.RunSweepers(ctx)
	if srv.bootstrapClient != nil {
		// Register retries with backoff until it succeeds or ctx ends, so it
		// runs in the background rather than holding up startup.
		go func() {
			if err := srv.bootstrapClient.Register(ctx); err != nil {
				log.WithError(err).Warn("bootstrap registration did not complete")
			}
		}()
		go srv.bootstrapClient.Run(ctx, srv.gossipMgr.Seed)
	}

	httpSrv := &http.Server{Addr: cfg.Listen.Addr, Handler: srv.conn.Mux()}
	go func() {
		log.Infof("listening on %s", cfg.Listen.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	<-sigCh
	log.Info("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	srv.conn.Shutdown(shutdownCtx)
	srv.gossipMgr.Stop()
	if srv.bootstrapClient != nil {
		if err := srv.bootstrapClient.Unregister(shutdownCtx); err != nil {
			log.WithError(err).Warn("bootstrap unregister failed")
		}
	}
	if srv.sqliteStore != nil {
		if err := srv.sqliteStore.Close(); err != nil {
			log.WithError(err).Warn("failed to close rendezvous store")
		}
	}
	_ = httpSrv.Shutdown(shutdownCtx)
}

// wiredServer bundles the components main needs to reach during shutdown,
// beyond what conn.Server already owns.
type wiredServer struct {
	conn            *conn.Server
	gossipMgr       *gossip.Manager
	bootstrapClient *bootstrap.Client
	sqliteStore     *rendezvous.SQLiteStore
}

func build(cfg config.Config, self identity.Metadata) (*wiredServer, error) {
	r := ring.New(cfg.Ring.VirtualNodes)
	r.Rebuild([]identity.Metadata{self})

	var store rendezvous.Store
	var sqliteStore *rendezvous.SQLiteStore
	if cfg.Rendezvous.SQLitePath != "" {
		s, err := rendezvous.OpenSQLiteStore(cfg.Rendezvous.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open rendezvous store: %w", err)
		}
		sqliteStore = s
		store = s
	}

	rv, err := rendezvous.New(cfg.Rendezvous.DailyTTL(), cfg.Rendezvous.HourlyTTL(), store)
	if err != nil {
		return nil, fmt.Errorf("init rendezvous registry: %w", err)
	}

	redirects := &ringRedirectResolver{ring: r, selfServerID: self.ServerID, replicationFactor: cfg.Ring.ReplicationFactor}
	sig := signaling.New(self.ServerID, cfg.Signaling.MaxPendingPerTarget, cfg.Signaling.PairTimeout(), cfg.Signaling.PairWarning(), redirects)
	relay := relaypeer.New(self.ServerID, cfg.RelayPeer.OverheadCap, cfg.RelayPeer.MaxConnectionsCap, time.Duration(cfg.RelayPeer.HeartbeatTimeoutSec)*time.Second)
	coord := coordinator.New(r, rv, self.ServerID, cfg.Ring.ReplicationFactor)

	fed := conn.NewFederationTransport()
	gm := gossip.New(gossip.Member{ServerID: self.ServerID, Endpoint: self.Endpoint, Region: self.Region}, cfg.Gossip, fed)
	gm.OnRebuild(func(alive []identity.Metadata) { r.Rebuild(alive) })

	m := metrics.New()
	gm.OnRound(func() { m.GossipRounds.Inc() })

	var bc *bootstrap.Client
	if cfg.Bootstrap.URL != "" {
		bc = bootstrap.New(cfg.Bootstrap, self)
	}
	gm.OnChange(func(member gossip.Member) {
		if member.State == gossip.Failed {
			m.MembersFailedTotal.Inc()
			if bc != nil {
				bc.NotifyMemberFailed(member.ServerID)
			}
		}
		suspect := 0
		for _, mem := range gm.Snapshot() {
			if mem.State == gossip.Suspect {
				suspect++
			}
		}
		m.MembersSuspect.Set(float64(suspect))
	})

	connSrv := conn.New(&cfg, self, r, sig, relay, coord, gm, fed, m, bc)

	return &wiredServer{conn: connSrv, gossipMgr: gm, bootstrapClient: bc, sqliteStore: sqliteStore}, nil
}

// ringRedirectResolver implements signaling.RedirectResolver on top of the
// consistent-hash ring, so Register replies can tell a client which other
// servers are also responsible for its code (§4.4).
type ringRedirectResolver struct {
	ring              *ring.Ring
	selfServerID      string
	replicationFactor int
}

func (x *ringRedirectResolver) RedirectsFor(key string) []signaling.Redirect {
	class := x.ring.Classify(key, x.replicationFactor, x.selfServerID)
	if len(class.Others) == 0 {
		return nil
	}
	out := make([]signaling.Redirect, 0, len(class.Others))
	for _, other := range class.Others {
		out = append(out, signaling.Redirect{ServerID: other.ServerID, Endpoint: other.Endpoint})
	}
	return out
}
