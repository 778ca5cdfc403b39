// Package history persists lease and security activity to an on-disk
// SQLite database for after-the-fact queries. The hot path writes one
// row per event; readers page over indexed timestamp columns.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultRetention bounds how long rows are kept.
const DefaultRetention = 90 * 24 * time.Hour

// LeaseRecord is one lease lifecycle event.
type LeaseRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	MAC       string    `json:"mac"`
	IP        string    `json:"ip"`
	Hostname  string    `json:"hostname,omitempty"`
	Subnet    string    `json:"subnet"`
	Action    string    `json:"action"` // allocated, renewed, released, expired, declined, conflict
	Static    bool      `json:"static"`
}

// SecurityRecord is one validator denial or notable security event.
type SecurityRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	MAC       string    `json:"mac,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Interface string    `json:"interface,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Store wraps the database handle. Writes serialize on a mutex so a
// burst of events never interleaves partial transactions.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	retention time.Duration
}

// Open creates or opens the history database at path. A zero
// retention gets the default.
func Open(path string, retention time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{db: db, retention: retention}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS lease_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	mac TEXT NOT NULL,
	ip TEXT NOT NULL,
	hostname TEXT,
	subnet TEXT NOT NULL,
	action TEXT NOT NULL,
	static INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_lease_ts ON lease_history(timestamp);
CREATE INDEX IF NOT EXISTS idx_lease_ip ON lease_history(ip);
CREATE INDEX IF NOT EXISTS idx_lease_mac ON lease_history(mac);

CREATE TABLE IF NOT EXISTS security_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	kind TEXT NOT NULL,
	severity TEXT NOT NULL,
	mac TEXT,
	ip TEXT,
	interface TEXT,
	detail TEXT
);
CREATE INDEX IF NOT EXISTS idx_sec_ts ON security_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_sec_kind ON security_events(kind);
`

// RecordLease appends one lease lifecycle row.
func (s *Store) RecordLease(r LeaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO lease_history (timestamp, mac, ip, hostname, subnet, action, static)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Timestamp, r.MAC, r.IP, r.Hostname, r.Subnet, r.Action, r.Static)
	if err != nil {
		return fmt.Errorf("history: insert lease row: %w", err)
	}
	return nil
}

// RecordSecurity appends one security event row.
func (s *Store) RecordSecurity(r SecurityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO security_events (timestamp, kind, severity, mac, ip, interface, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.Timestamp, r.Kind, r.Severity, r.MAC, r.IP, r.Interface, r.Detail)
	if err != nil {
		return fmt.Errorf("history: insert security row: %w", err)
	}
	return nil
}

// LeaseHistory returns the newest rows for one IP, newest first.
func (s *Store) LeaseHistory(ip string, limit int) ([]LeaseRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, timestamp, mac, ip, hostname, subnet, action, static
		FROM lease_history WHERE ip = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?
	`, ip, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query lease rows: %w", err)
	}
	defer rows.Close()

	var out []LeaseRecord
	for rows.Next() {
		var r LeaseRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.MAC, &r.IP, &r.Hostname, &r.Subnet, &r.Action, &r.Static); err != nil {
			return nil, fmt.Errorf("history: scan lease row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentSecurity returns the newest security rows, newest first.
func (s *Store) RecentSecurity(limit int) ([]SecurityRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, timestamp, kind, severity, mac, ip, interface, detail
		FROM security_events
		ORDER BY timestamp DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query security rows: %w", err)
	}
	defer rows.Close()

	var out []SecurityRecord
	for rows.Next() {
		var r SecurityRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Kind, &r.Severity, &r.MAC, &r.IP, &r.Interface, &r.Detail); err != nil {
			return nil, fmt.Errorf("history: scan security row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes rows past the retention window relative to now.
func (s *Store) Prune(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.retention)
	if _, err := s.db.Exec(`DELETE FROM lease_history WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("history: prune lease rows: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("history: prune security rows: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
