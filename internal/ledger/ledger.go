// Package ledger is the license server's SQLite store: an append-only audit
// log of issued credentials and the per-device trial ledger that stops
// trial resets by clearing client storage.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// DBFileName is the ledger database inside its directory.
const DBFileName = "license-ledger.db"

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// ErrInvalidDeviceID is returned for an empty device id.
var ErrInvalidDeviceID = errors.New("device id is required")

// Ledger is safe for concurrent use; SQLite access is serialized on one
// connection.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database in dir.
func Open(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	dbPath := filepath.Join(dir, DBFileName)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open license ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS issuances (
		id          TEXT PRIMARY KEY,
		license_id  TEXT NOT NULL,
		device_id   TEXT NOT NULL,
		plan        TEXT NOT NULL,
		features    TEXT NOT NULL DEFAULT '',
		key_id      TEXT NOT NULL DEFAULT '',
		request_id  TEXT NOT NULL DEFAULT '',
		issued_at   INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_issuances_device_id ON issuances(device_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_issuances_license_id ON issuances(license_id);

	CREATE TABLE IF NOT EXISTS trials (
		device_id   TEXT PRIMARY KEY,
		started_at  INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("init license ledger schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// RecordIssuance appends an audit record. A record with an existing license
// id is rejected.
func (l *Ledger) RecordIssuance(ctx context.Context, rec Issuance) error {
	if strings.TrimSpace(rec.DeviceID) == "" {
		return ErrInvalidDeviceID
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.LicenseID == "" {
		rec.LicenseID = rec.ID
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO issuances (
			id, license_id, device_id, plan, features, key_id, request_id, issued_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.LicenseID, rec.DeviceID, rec.Plan, strings.Join(rec.Features, ","),
		rec.KeyID, rec.RequestID, rec.IssuedAt.Unix(), rec.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record issuance: %w", err)
	}
	return nil
}

// ListIssuances returns the newest records first. An empty deviceID lists
// every device.
func (l *Ledger) ListIssuances(ctx context.Context, deviceID string, limit int) ([]Issuance, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT id, license_id, device_id, plan, features, key_id, request_id, issued_at, expires_at
		FROM issuances`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY issued_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issuances: %w", err)
	}
	defer rows.Close()

	var out []Issuance
	for rows.Next() {
		var rec Issuance
		var features string
		var issuedAt, expiresAt int64
		if err := rows.Scan(&rec.ID, &rec.LicenseID, &rec.DeviceID, &rec.Plan, &features,
			&rec.KeyID, &rec.RequestID, &issuedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan issuance: %w", err)
		}
		if features != "" {
			rec.Features = strings.Split(features, ",")
		}
		rec.IssuedAt = time.Unix(issuedAt, 0).UTC()
		rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClaimTrial grants the first claim per device a window starting at now.
// Later claims return the original window with Granted=false.
func (l *Ledger) ClaimTrial(ctx context.Context, deviceID string, now time.Time, duration time.Duration) (TrialGrant, error) {
	if strings.TrimSpace(deviceID) == "" {
		return TrialGrant{}, ErrInvalidDeviceID
	}
	start := now.UTC().Truncate(time.Second)
	end := start.Add(duration)

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO trials (device_id, started_at, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO NOTHING`,
		deviceID, start.Unix(), end.Unix(),
	)
	if err != nil {
		return TrialGrant{}, fmt.Errorf("claim trial: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return TrialGrant{DeviceID: deviceID, StartedAt: start, ExpiresAt: end, Granted: true}, nil
	}

	var startedAt, expiresAt int64
	err = l.db.QueryRowContext(ctx,
		`SELECT started_at, expires_at FROM trials WHERE device_id = ?`, deviceID,
	).Scan(&startedAt, &expiresAt)
	if err != nil {
		return TrialGrant{}, fmt.Errorf("load trial: %w", err)
	}
	return TrialGrant{
		DeviceID:  deviceID,
		StartedAt: time.Unix(startedAt, 0).UTC(),
		ExpiresAt: time.Unix(expiresAt, 0).UTC(),
	}, nil
}
