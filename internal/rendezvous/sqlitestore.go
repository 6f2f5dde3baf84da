package rendezvous

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the daily/hourly tables per §6's persistent state
// layout: WAL mode, a short busy timeout, upsert-on-conflict writes, and
// an index on expires_at for the sweep.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) the rendezvous database at
// path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open rendezvous db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS rendezvous_daily (
			point TEXT NOT NULL,
			peer_id TEXT NOT NULL,
			relay_id TEXT NOT NULL,
			dead_drop BLOB,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (point, peer_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rendezvous_daily_expires ON rendezvous_daily(expires_at)`,
		`CREATE TABLE IF NOT EXISTS rendezvous_hourly (
			token TEXT NOT NULL,
			peer_id TEXT NOT NULL,
			relay_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (token, peer_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rendezvous_hourly_expires ON rendezvous_hourly(expires_at)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) UpsertDaily(point, peerID, relayID, deadDrop string, expiresAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO rendezvous_daily(point, peer_id, relay_id, dead_drop, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(point, peer_id) DO UPDATE SET
			relay_id = excluded.relay_id,
			dead_drop = excluded.dead_drop,
			expires_at = excluded.expires_at
	`, point, peerID, relayID, deadDrop, expiresAt.UnixMilli())
	return err
}

func (s *SQLiteStore) UpsertHourly(token, peerID, relayID string, expiresAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO rendezvous_hourly(token, peer_id, relay_id, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token, peer_id) DO UPDATE SET
			relay_id = excluded.relay_id,
			expires_at = excluded.expires_at
	`, token, peerID, relayID, expiresAt.UnixMilli())
	return err
}

func (s *SQLiteStore) DeleteDaily(point, peerID string) error {
	_, err := s.db.Exec(`DELETE FROM rendezvous_daily WHERE point = ? AND peer_id = ?`, point, peerID)
	return err
}

func (s *SQLiteStore) DeleteHourly(token, peerID string) error {
	_, err := s.db.Exec(`DELETE FROM rendezvous_hourly WHERE token = ? AND peer_id = ?`, token, peerID)
	return err
}

func (s *SQLiteStore) SweepExpired(now time.Time) error {
	ms := now.UnixMilli()
	if _, err := s.db.Exec(`DELETE FROM rendezvous_daily WHERE expires_at < ?`, ms); err != nil {
		return fmt.Errorf("sweep daily: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM rendezvous_hourly WHERE expires_at < ?`, ms); err != nil {
		return fmt.Errorf("sweep hourly: %w", err)
	}
	return nil
}

// LoadAll restores every non-expired row into memory on startup, per the
// "restore, not drop" decision in DESIGN.md.
func (s *SQLiteStore) LoadAll() (map[string][]DailyEntry, map[string][]HourlyEntry, error) {
	now := time.Now().UnixMilli()
	daily := map[string][]DailyEntry{}
	hourly := map[string][]HourlyEntry{}

	rows, err := s.db.Query(`SELECT point, peer_id, relay_id, dead_drop, expires_at FROM rendezvous_daily WHERE expires_at >= ?`, now)
	if err != nil {
		return nil, nil, fmt.Errorf("load daily: %w", err)
	}
	for rows.Next() {
		var point, peerID, relayID string
		var deadDrop sql.NullString
		var expiresMS int64
		if err := rows.Scan(&point, &peerID, &relayID, &deadDrop, &expiresMS); err != nil {
			rows.Close()
			return nil, nil, err
		}
		daily[point] = append(daily[point], DailyEntry{
			PeerID: peerID, RelayID: relayID, DeadDrop: deadDrop.String,
			ExpiresAt: time.UnixMilli(expiresMS),
		})
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT token, peer_id, relay_id, expires_at FROM rendezvous_hourly WHERE expires_at >= ?`, now)
	if err != nil {
		return nil, nil, fmt.Errorf("load hourly: %w", err)
	}
	for rows.Next() {
		var token, peerID, relayID string
		var expiresMS int64
		if err := rows.Scan(&token, &peerID, &relayID, &expiresMS); err != nil {
			rows.Close()
			return nil, nil, err
		}
		hourly[token] = append(hourly[token], HourlyEntry{
			PeerID: peerID, RelayID: relayID, ExpiresAt: time.UnixMilli(expiresMS),
		})
	}
	rows.Close()

	return daily, hourly, nil
}
