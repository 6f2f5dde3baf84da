package conn

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// RunSweepers runs the periodic rendezvous expiry sweep (§4.3 Sweep) and
// the relay-peer heartbeat-timeout cleanup sweep (§4.2 Cleanup sweep)
// until ctx is cancelled.
func (s *Server) RunSweepers(ctx context.Context) {
	rendezvousTicker := time.NewTicker(s.cfg.Rendezvous.SweepInterval())
	relayTicker := time.NewTicker(s.cfg.RelayPeer.SweepInterval())
	defer rendezvousTicker.Stop()
	defer relayTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rendezvousTicker.C:
			if err := s.coord.Sweep(); err != nil {
				log.WithError(err).Warn("rendezvous sweep failed")
			}
		case <-relayTicker.C:
			stale := s.relay.Sweep()
			for _, sock := range stale {
				sock.Close(websocket.CloseGoingAway)
			}
			if len(stale) > 0 {
				s.metrics.RelayPeersTotal.Set(float64(len(s.relay.Snapshot())))
			}
		}
	}
}
