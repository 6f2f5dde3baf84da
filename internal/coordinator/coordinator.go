// Package coordinator glues the consistent-hash ring to the local
// rendezvous registry, partitioning registrations into a local slice and
// redirect advisories for the other responsible servers (§4.5).
package coordinator

import (
	"github.com/petervdpas/signalcore/internal/identity"
	"github.com/petervdpas/signalcore/internal/rendezvous"
	"github.com/petervdpas/signalcore/internal/ring"
)

// Classifier is the subset of *ring.Ring the coordinator needs.
type Classifier interface {
	Classify(key string, replicationFactor int, selfServerID string) ring.Classification
}

// RedirectItem is one other-server's slice of the original request.
type RedirectItem struct {
	ServerID     string   `json:"server_id"`
	Endpoint     string   `json:"endpoint"`
	DailyPoints  []string `json:"daily_points,omitempty"`
	HourlyTokens []string `json:"hourly_tokens,omitempty"`
}

// Result is what the connection handler turns into rendezvous_result or
// rendezvous_partial.
type Result struct {
	DeadDrops  []rendezvous.DeadDropMatch
	LiveMatches []rendezvous.LiveMatch
	Redirects  []RedirectItem
}

// HasRedirects reports whether the client must reissue part of its
// request elsewhere.
func (r Result) HasRedirects() bool { return len(r.Redirects) > 0 }

// Coordinator implements §4.5's RegisterDailyPoints/RegisterHourlyTokens
// glue.
type Coordinator struct {
	ring              Classifier
	local             *rendezvous.Registry
	selfServerID      string
	replicationFactor int
}

func New(ring Classifier, local *rendezvous.Registry, selfServerID string, replicationFactor int) *Coordinator {
	return &Coordinator{ring: ring, local: local, selfServerID: selfServerID, replicationFactor: replicationFactor}
}

// Register partitions daily points and hourly tokens into local vs.
// per-server remote groups, registers the local set, and returns a Result
// describing both the local matches and the redirect advisories.
func (c *Coordinator) Register(peerID string, dailyPoints, hourlyTokens []string, deadDropByPoint map[string]string, relayID string) (Result, error) {
	localDaily, remoteDaily := c.partition(dailyPoints)
	localHourly, remoteHourly := c.partition(hourlyTokens)

	var res Result

	if len(localDaily) > 0 {
		matches, err := c.local.RegisterDailyPoints(peerID, localDaily, deadDropByPoint, relayID)
		if err != nil {
			return res, err
		}
		res.DeadDrops = matches
	}
	if len(localHourly) > 0 {
		matches, err := c.local.RegisterHourlyTokens(peerID, localHourly, relayID)
		if err != nil {
			return res, err
		}
		res.LiveMatches = matches
	}

	res.Redirects = mergeRedirects(remoteDaily, remoteHourly)
	return res, nil
}

// partition splits keys into the subset this server is responsible for
// and a map of remote server -> its subset.
func (c *Coordinator) partition(keys []string) (local []string, remote map[identity.Metadata][]string) {
	remote = map[identity.Metadata][]string{}
	for _, k := range keys {
		class := c.ring.Classify(k, c.replicationFactor, c.selfServerID)
		if class.IsLocal {
			local = append(local, k)
		}
		for _, other := range class.Others {
			remote[other] = append(remote[other], k)
		}
	}
	return local, remote
}

// Sweep removes expired entries from the local rendezvous shard (§4.3
// Sweep).
func (c *Coordinator) Sweep() error { return c.local.Sweep() }

func mergeRedirects(daily, hourly map[identity.Metadata][]string) []RedirectItem {
	byServer := map[string]*RedirectItem{}
	order := []string{}

	add := func(m map[identity.Metadata][]string, assign func(*RedirectItem, []string)) {
		for md, keys := range m {
			item, ok := byServer[md.ServerID]
			if !ok {
				item = &RedirectItem{ServerID: md.ServerID, Endpoint: md.Endpoint}
				byServer[md.ServerID] = item
				order = append(order, md.ServerID)
			}
			assign(item, keys)
		}
	}
	add(daily, func(i *RedirectItem, keys []string) { i.DailyPoints = keys })
	add(hourly, func(i *RedirectItem, keys []string) { i.HourlyTokens = keys })

	out := make([]RedirectItem, 0, len(order))
	for _, sid := range order {
		out = append(out, *byServer[sid])
	}
	return out
}
