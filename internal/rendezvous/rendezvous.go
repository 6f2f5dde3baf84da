// Package rendezvous maintains the local slice of the daily-point and
// hourly-token tables, answers match queries, and sweeps expired entries
// (§4.3).
package rendezvous

import (
	"fmt"
	"sync"
	"time"
)

// DailyEntry is one row of the daily table (§3).
type DailyEntry struct {
	PeerID    string
	RelayID   string
	DeadDrop  string
	ExpiresAt time.Time
}

// HourlyEntry is one row of the hourly table (§3).
type HourlyEntry struct {
	PeerID    string
	RelayID   string
	ExpiresAt time.Time
}

// DeadDropMatch is one element of a dead-drop match set (§4.3
// RegisterDailyPoints return value).
type DeadDropMatch struct {
	Point    string `json:"point"`
	PeerID   string `json:"peer_id"`
	RelayID  string `json:"relay_id"`
	Payload  string `json:"payload,omitempty"`
}

// LiveMatch is one element of a live-match set (§4.3
// RegisterHourlyTokens return value).
type LiveMatch struct {
	Token   string `json:"token"`
	PeerID  string `json:"peer_id"`
	RelayID string `json:"relay_id"`
}

// Store persists daily/hourly rows beyond process memory. A nil Store is
// valid and makes the registry memory-only.
type Store interface {
	UpsertDaily(point, peerID, relayID, deadDrop string, expiresAt time.Time) error
	UpsertHourly(token, peerID, relayID string, expiresAt time.Time) error
	DeleteDaily(point, peerID string) error
	DeleteHourly(token, peerID string) error
	SweepExpired(now time.Time) error
	LoadAll() (map[string][]DailyEntry, map[string][]HourlyEntry, error)
}

// Registry holds the daily and hourly tables for this server's local
// shard of the rendezvous key space.
type Registry struct {
	mu sync.Mutex

	daily  map[string]map[string]DailyEntry  // point -> peer_id -> entry
	hourly map[string]map[string]HourlyEntry // token -> peer_id -> entry

	dailyTTL  time.Duration
	hourlyTTL time.Duration
	store     Store
}

func New(dailyTTL, hourlyTTL time.Duration, store Store) (*Registry, error) {
	r := &Registry{
		daily:     map[string]map[string]DailyEntry{},
		hourly:    map[string]map[string]HourlyEntry{},
		dailyTTL:  dailyTTL,
		hourlyTTL: hourlyTTL,
		store:     store,
	}
	if store != nil {
		daily, hourly, err := store.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("load persisted rendezvous state: %w", err)
		}
		for point, entries := range daily {
			m := map[string]DailyEntry{}
			for _, e := range entries {
				m[e.PeerID] = e
			}
			r.daily[point] = m
		}
		for token, entries := range hourly {
			m := map[string]HourlyEntry{}
			for _, e := range entries {
				m[e.PeerID] = e
			}
			r.hourly[token] = m
		}
	}
	return r, nil
}

// RegisterDailyPoints upserts (peer_id, relay_id, dead_drop, expires_at)
// at each point and returns the dead-drop match set: for each point, the
// other peers already registered there (§4.3).
func (r *Registry) RegisterDailyPoints(peerID string, points []string, deadDropByPoint map[string]string, relayID string) ([]DeadDropMatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	expiresAt := now.Add(r.dailyTTL)
	var matches []DeadDropMatch

	for _, point := range points {
		bucket, ok := r.daily[point]
		if !ok {
			bucket = map[string]DailyEntry{}
			r.daily[point] = bucket
		}
		for otherPeer, entry := range bucket {
			if otherPeer == peerID || entry.ExpiresAt.Before(now) {
				continue // no self-match, no stale match
			}
			matches = append(matches, DeadDropMatch{
				Point: point, PeerID: otherPeer, RelayID: entry.RelayID, Payload: entry.DeadDrop,
			})
		}
		dd := deadDropByPoint[point]
		bucket[peerID] = DailyEntry{PeerID: peerID, RelayID: relayID, DeadDrop: dd, ExpiresAt: expiresAt}
		if r.store != nil {
			if err := r.store.UpsertDaily(point, peerID, relayID, dd, expiresAt); err != nil {
				return matches, fmt.Errorf("persist daily point %q: %w", point, err)
			}
		}
	}
	return matches, nil
}

// RegisterHourlyTokens upserts (peer_id, relay_id, expires_at) at each
// token and returns the live-match set (§4.3).
func (r *Registry) RegisterHourlyTokens(peerID string, tokens []string, relayID string) ([]LiveMatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	expiresAt := now.Add(r.hourlyTTL)
	var matches []LiveMatch

	for _, token := range tokens {
		bucket, ok := r.hourly[token]
		if !ok {
			bucket = map[string]HourlyEntry{}
			r.hourly[token] = bucket
		}
		for otherPeer, entry := range bucket {
			if otherPeer == peerID || entry.ExpiresAt.Before(now) {
				continue
			}
			matches = append(matches, LiveMatch{Token: token, PeerID: otherPeer, RelayID: entry.RelayID})
		}
		bucket[peerID] = HourlyEntry{PeerID: peerID, RelayID: relayID, ExpiresAt: expiresAt}
		if r.store != nil {
			if err := r.store.UpsertHourly(token, peerID, relayID, expiresAt); err != nil {
				return matches, fmt.Errorf("persist hourly token %q: %w", token, err)
			}
		}
	}
	return matches, nil
}

// GetDailyPoint exposes the current entry list for inter-server
// forwarding (§4.3).
func (r *Registry) GetDailyPoint(point string) []DailyEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	bucket := r.daily[point]
	out := make([]DailyEntry, 0, len(bucket))
	for _, e := range bucket {
		if e.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// GetHourlyToken exposes the current entry list for inter-server
// forwarding (§4.3).
func (r *Registry) GetHourlyToken(token string) []HourlyEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	bucket := r.hourly[token]
	out := make([]HourlyEntry, 0, len(bucket))
	for _, e := range bucket {
		if e.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// UnregisterPeer removes all entries for peerID from both tables in one
// pass (§4.3 UnregisterPeer).
func (r *Registry) UnregisterPeer(peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for point, bucket := range r.daily {
		if _, ok := bucket[peerID]; ok {
			delete(bucket, peerID)
			if r.store != nil {
				if err := r.store.DeleteDaily(point, peerID); err != nil {
					return err
				}
			}
		}
	}
	for token, bucket := range r.hourly {
		if _, ok := bucket[peerID]; ok {
			delete(bucket, peerID)
			if r.store != nil {
				if err := r.store.DeleteHourly(token, peerID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Sweep removes entries whose expires_at has passed (§4.3 Sweep).
func (r *Registry) Sweep() error {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for point, bucket := range r.daily {
		for peerID, e := range bucket {
			if e.ExpiresAt.Before(now) {
				delete(bucket, peerID)
			}
		}
		if len(bucket) == 0 {
			delete(r.daily, point)
		}
	}
	for token, bucket := range r.hourly {
		for peerID, e := range bucket {
			if e.ExpiresAt.Before(now) {
				delete(bucket, peerID)
			}
		}
		if len(bucket) == 0 {
			delete(r.hourly, token)
		}
	}
	if r.store != nil {
		return r.store.SweepExpired(now)
	}
	return nil
}
