// Package store persists server connection records and pairings in a
// local sqlite database. All other components reach it through the
// lifecycle tracker; nothing else mutates these tables.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"lanbridge/internal/model"
)

// ErrNotFound is returned when a referenced record does not exist.
// Callers updating statistics treat it as a soft failure (log and move on).
var ErrNotFound = errors.New("store: not found")

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite is a file database; a single connection avoids write contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS server_connections (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	platform TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	established_at TEXT NOT NULL,
	last_heartbeat_sent_at TEXT NOT NULL DEFAULT '',
	last_heartbeat_ack_at TEXT NOT NULL DEFAULT '',
	heartbeat_failures INTEGER NOT NULL DEFAULT 0,
	bytes_sent INTEGER NOT NULL DEFAULT 0,
	bytes_received INTEGER NOT NULL DEFAULT 0,
	quality TEXT NOT NULL DEFAULT 'good',
	active INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_server_connections_active ON server_connections(active);

CREATE TABLE IF NOT EXISTS pairings (
	relay_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	first_connected_at TEXT NOT NULL,
	last_connected_at TEXT NOT NULL,
	successes INTEGER NOT NULL DEFAULT 0,
	failures INTEGER NOT NULL DEFAULT 0,
	auto_reconnect INTEGER NOT NULL DEFAULT 1,
	cert_fingerprint TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (relay_id, device_id)
);
`
	_, err := s.db.Exec(schema)
	return err
}

// InsertConnection records a new session. Inserting an existing id is a
// no-op so retries stay idempotent.
func (s *Store) InsertConnection(ctx context.Context, c model.ServerConnection) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO server_connections
	(id, device_id, platform, name, established_at, heartbeat_failures, bytes_sent, bytes_received, quality, active)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		c.ID, c.DeviceID, c.Platform, c.Name, formatTime(c.EstablishedAt),
		c.HeartbeatFailures, c.BytesSent, c.BytesReceived, string(qualityOrDefault(c.Quality)), boolInt(c.Active))
	return err
}

// UpdateStatistics adds traffic byte counts to a session record.
func (s *Store) UpdateStatistics(ctx context.Context, id string, sent, received int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE server_connections SET bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ? WHERE id = ?`,
		sent, received, id)
	if err != nil {
		return err
	}
	return checkFound(res)
}

// UpdateHeartbeat stores the latest heartbeat state for a session.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string, sentAt, ackAt time.Time, failures int, quality model.Quality) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE server_connections
SET last_heartbeat_sent_at = ?, last_heartbeat_ack_at = ?, heartbeat_failures = ?, quality = ?
WHERE id = ?`,
		formatTime(sentAt), formatTime(ackAt), failures, string(quality), id)
	if err != nil {
		return err
	}
	return checkFound(res)
}

// TerminateConnection marks a session inactive. Idempotent.
func (s *Store) TerminateConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE server_connections SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkFound(res)
}

// ConnectionByID fetches one session record.
func (s *Store) ConnectionByID(ctx context.Context, id string) (model.ServerConnection, error) {
	row := s.db.QueryRowContext(ctx, connectionColumns+` WHERE id = ?`, id)
	return scanConnection(row)
}

// ActiveConnections lists sessions still marked active.
func (s *Store) ActiveConnections(ctx context.Context) ([]model.ServerConnection, error) {
	rows, err := s.db.QueryContext(ctx, connectionColumns+` WHERE active = 1 ORDER BY established_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConnections(rows)
}

// RecentConnections lists the most recent sessions, newest first.
func (s *Store) RecentConnections(ctx context.Context, limit int) ([]model.ServerConnection, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, connectionColumns+` ORDER BY established_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConnections(rows)
}

// DeleteConnection removes a session record.
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM server_connections WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkFound(res)
}

// RecordPairingOutcome creates the pairing on first success and bumps the
// success/failure counters on every later attempt. A failure against an
// unknown device does not create a record.
func (s *Store) RecordPairingOutcome(ctx context.Context, relayID, deviceID string, success bool, fingerprint string, now time.Time) error {
	if !success {
		res, err := s.db.ExecContext(ctx, `
UPDATE pairings SET failures = failures + 1, last_connected_at = ? WHERE relay_id = ? AND device_id = ?`,
			formatTime(now), relayID, deviceID)
		if err != nil {
			return err
		}
		return checkFound(res)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pairings (relay_id, device_id, first_connected_at, last_connected_at, successes, failures, auto_reconnect, cert_fingerprint)
VALUES (?, ?, ?, ?, 1, 0, 1, ?)
ON CONFLICT(relay_id, device_id) DO UPDATE SET
	last_connected_at = excluded.last_connected_at,
	successes = successes + 1,
	cert_fingerprint = excluded.cert_fingerprint`,
		relayID, deviceID, formatTime(now), formatTime(now), fingerprint)
	return err
}

// SetAutoReconnect flips the auto-reconnect flag on a pairing.
func (s *Store) SetAutoReconnect(ctx context.Context, relayID, deviceID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pairings SET auto_reconnect = ? WHERE relay_id = ? AND device_id = ?`,
		boolInt(enabled), relayID, deviceID)
	if err != nil {
		return err
	}
	return checkFound(res)
}

// Pairing fetches one pairing record.
func (s *Store) Pairing(ctx context.Context, relayID, deviceID string) (model.PairingRecord, error) {
	row := s.db.QueryRowContext(ctx, pairingColumns+` WHERE relay_id = ? AND device_id = ?`, relayID, deviceID)
	return scanPairing(row)
}

// Pairings lists all pairings for a relay identity.
func (s *Store) Pairings(ctx context.Context, relayID string) ([]model.PairingRecord, error) {
	rows, err := s.db.QueryContext(ctx, pairingColumns+` WHERE relay_id = ? ORDER BY last_connected_at DESC`, relayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PairingRecord
	for rows.Next() {
		p, err := scanPairing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PurgeExpired deletes pairings past the expiry window and returns how
// many were removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-model.PairingExpiry)
	res, err := s.db.ExecContext(ctx, `DELETE FROM pairings WHERE last_connected_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const connectionColumns = `
SELECT id, device_id, platform, name, established_at, last_heartbeat_sent_at, last_heartbeat_ack_at,
	heartbeat_failures, bytes_sent, bytes_received, quality, active
FROM server_connections`

const pairingColumns = `
SELECT relay_id, device_id, first_connected_at, last_connected_at, successes, failures, auto_reconnect, cert_fingerprint
FROM pairings`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (model.ServerConnection, error) {
	var c model.ServerConnection
	var established, hbSent, hbAck, quality string
	var active int
	err := row.Scan(&c.ID, &c.DeviceID, &c.Platform, &c.Name, &established, &hbSent, &hbAck,
		&c.HeartbeatFailures, &c.BytesSent, &c.BytesReceived, &quality, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.EstablishedAt = parseTime(established)
	c.LastHeartbeatSentAt = parseTime(hbSent)
	c.LastHeartbeatAckAt = parseTime(hbAck)
	c.Quality = model.Quality(quality)
	c.Active = active != 0
	return c, nil
}

func scanConnections(rows *sql.Rows) ([]model.ServerConnection, error) {
	var out []model.ServerConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanPairing(row rowScanner) (model.PairingRecord, error) {
	var p model.PairingRecord
	var first, last string
	var auto int
	err := row.Scan(&p.RelayID, &p.DeviceID, &first, &last, &p.Successes, &p.Failures, &auto, &p.CertFingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.FirstConnectedAt = parseTime(first)
	p.LastConnectedAt = parseTime(last)
	p.AutoReconnect = auto != 0
	return p, nil
}

func checkFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func qualityOrDefault(q model.Quality) model.Quality {
	if q == "" {
		return model.QualityGood
	}
	return q
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
