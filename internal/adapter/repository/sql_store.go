package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

// Dialect selects placeholder style and DDL for the SQL store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements port.UsageStore on database/sql. Queries are written
// with '?' placeholders and rebound for postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open connection and creates the schema if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

var _ port.UsageStore = (*SQLStore)(nil)

func (s *SQLStore) migrate(ctx context.Context) error {
	eventID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	usageID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		eventID = "BIGSERIAL PRIMARY KEY"
		usageID = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			ip TEXT PRIMARY KEY,
			mac TEXT NOT NULL DEFAULT '',
			hostname TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 2,
			enforced_tier INTEGER NOT NULL DEFAULT -1,
			last_seen BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS usage (
			id ` + usageID + `,
			ip TEXT NOT NULL,
			ts BIGINT NOT NULL,
			bytes_rx BIGINT NOT NULL DEFAULT 0,
			bytes_tx BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_ip_ts ON usage(ip, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage(ts)`,
		`CREATE TABLE IF NOT EXISTS events (
			id ` + eventID + `,
			ts BIGINT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS blocked_devices (
			ip TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts '?' placeholders to '$n' for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func now() int64 { return time.Now().UnixMilli() }

const touchDevice = `
	INSERT INTO devices (ip, priority, enforced_tier, last_seen)
	VALUES (?, 2, -1, ?)
	ON CONFLICT (ip) DO UPDATE SET last_seen = excluded.last_seen
`

func (s *SQLStore) RecordSample(ctx context.Context, ip string, rx, tx uint64) error {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer txn.Rollback()

	ts := now()
	if _, err := s.exec(ctx, txn,
		`INSERT INTO usage (ip, ts, bytes_rx, bytes_tx) VALUES (?, ?, ?, ?)`,
		ip, ts, int64(rx), int64(tx),
	); err != nil {
		return fmt.Errorf("failed to insert usage sample: %w", err)
	}
	if _, err := s.exec(ctx, txn, touchDevice, ip, ts); err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) RecentSamples(ctx context.Context, ip string, n int) ([]domain.UsageSample, error) {
	samples, err := s.querySamples(ctx,
		`SELECT ip, ts, bytes_rx, bytes_tx FROM usage WHERE ip = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		ip, n,
	)
	if err != nil {
		return nil, err
	}
	// newest-first from the query, callers want chronological order
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

func (s *SQLStore) RecentUsage(ctx context.Context, n int) ([]domain.UsageSample, error) {
	return s.querySamples(ctx,
		`SELECT ip, ts, bytes_rx, bytes_tx FROM usage ORDER BY ts DESC, id DESC LIMIT ?`,
		n,
	)
}

func (s *SQLStore) querySamples(ctx context.Context, query string, args ...any) ([]domain.UsageSample, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	samples := []domain.UsageSample{}
	for rows.Next() {
		var (
			sample domain.UsageSample
			ts     int64
			rx, tx int64
		)
		if err := rows.Scan(&sample.IP, &ts, &rx, &tx); err != nil {
			return nil, fmt.Errorf("failed to scan usage sample: %w", err)
		}
		sample.Timestamp = fromMillis(ts)
		sample.RxBytes = uint64(rx)
		sample.TxBytes = uint64(tx)
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func (s *SQLStore) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, s.db, `DELETE FROM usage WHERE ts < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) UpsertDevice(ctx context.Context, device domain.Device) error {
	seen := device.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO devices (ip, mac, hostname, priority, enforced_tier, last_seen)
		VALUES (?, ?, ?, 2, -1, ?)
		ON CONFLICT (ip) DO UPDATE SET
			mac = CASE WHEN excluded.mac <> '' THEN excluded.mac ELSE devices.mac END,
			hostname = CASE WHEN excluded.hostname <> '' THEN excluded.hostname ELSE devices.hostname END,
			last_seen = excluded.last_seen
	`, device.IP, device.MACAddress, device.Hostname, toMillis(seen))
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

const deviceColumns = `ip, mac, hostname, priority, enforced_tier, last_seen`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (domain.Device, error) {
	var (
		d        domain.Device
		priority int
		enforced int
		seen     int64
	)
	if err := row.Scan(&d.IP, &d.MACAddress, &d.Hostname, &priority, &enforced, &seen); err != nil {
		return d, err
	}
	d.Priority = domain.Tier(priority)
	d.EnforcedTier = domain.Tier(enforced)
	d.LastSeen = fromMillis(seen)
	return d, nil
}

func (s *SQLStore) GetDevice(ctx context.Context, ip string) (*domain.Device, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+deviceColumns+` FROM devices WHERE ip = ?`), ip)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find device by IP: %w", err)
	}
	return &d, nil
}

func (s *SQLStore) ListDevices(ctx context.Context) ([]domain.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY ip`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []domain.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *SQLStore) SetPriorityUnlessBlocked(ctx context.Context, ip string, tier domain.Tier) (bool, error) {
	if !tier.Valid() {
		return false, fmt.Errorf("%w: got %d", domain.ErrInvalidTier, int(tier))
	}

	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer txn.Rollback()

	if _, err := s.exec(ctx, txn, `
		INSERT INTO devices (ip, priority, enforced_tier, last_seen)
		VALUES (?, 2, -1, ?)
		ON CONFLICT (ip) DO NOTHING
	`, ip, now()); err != nil {
		return false, fmt.Errorf("failed to register device: %w", err)
	}
	res, err := s.exec(ctx, txn, `
		UPDATE devices SET priority = ?
		WHERE ip = ? AND NOT EXISTS (SELECT 1 FROM blocked_devices WHERE ip = ?)
	`, int(tier), ip, ip)
	if err != nil {
		return false, fmt.Errorf("failed to set priority: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to set priority: %w", err)
	}

	if err := txn.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLStore) setPriority(ctx context.Context, q execer, ip string, tier domain.Tier) error {
	_, err := s.exec(ctx, q, `
		INSERT INTO devices (ip, priority, enforced_tier, last_seen)
		VALUES (?, ?, -1, ?)
		ON CONFLICT (ip) DO UPDATE SET priority = excluded.priority
	`, ip, int(tier), now())
	if err != nil {
		return fmt.Errorf("failed to set priority: %w", err)
	}
	return nil
}

func (s *SQLStore) SetEnforcedTier(ctx context.Context, ip string, tier domain.Tier) error {
	_, err := s.exec(ctx, s.db, `UPDATE devices SET enforced_tier = ? WHERE ip = ?`, int(tier), ip)
	if err != nil {
		return fmt.Errorf("failed to set enforced tier: %w", err)
	}
	return nil
}

func (s *SQLStore) Block(ctx context.Context, ip, reason string) error {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer txn.Rollback()

	if _, err := s.exec(ctx, txn, `
		INSERT INTO blocked_devices (ip, reason, ts) VALUES (?, ?, ?)
		ON CONFLICT (ip) DO UPDATE SET reason = excluded.reason, ts = excluded.ts
	`, ip, reason, now()); err != nil {
		return fmt.Errorf("failed to insert blocked device: %w", err)
	}
	if err := s.setPriority(ctx, txn, ip, domain.TierBlocked); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) Unblock(ctx context.Context, ip string) error {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer txn.Rollback()

	if _, err := s.exec(ctx, txn, `DELETE FROM blocked_devices WHERE ip = ?`, ip); err != nil {
		return fmt.Errorf("failed to delete blocked device: %w", err)
	}
	if err := s.setPriority(ctx, txn, ip, domain.TierNormal); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM blocked_devices WHERE ip = ?`), ip).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check blocked set: %w", err)
	}
	return count > 0, nil
}

func (s *SQLStore) ListBlocked(ctx context.Context) ([]domain.BlockedDevice, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ip, reason, ts FROM blocked_devices ORDER BY ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked devices: %w", err)
	}
	defer rows.Close()

	blocked := []domain.BlockedDevice{}
	for rows.Next() {
		var (
			b  domain.BlockedDevice
			ts int64
		)
		if err := rows.Scan(&b.IP, &b.Reason, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan blocked device: %w", err)
		}
		b.BlockedAt = fromMillis(ts)
		blocked = append(blocked, b)
	}
	return blocked, rows.Err()
}

func (s *SQLStore) AppendEvent(ctx context.Context, level domain.EventLevel, message string) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO events (ts, level, message) VALUES (?, ?, ?)`, now(), string(level), message)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *SQLStore) ListEvents(ctx context.Context, n int) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, ts, level, message FROM events ORDER BY id DESC LIMIT ?`), n)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var (
			ev    domain.Event
			ts    int64
			level string
		)
		if err := rows.Scan(&ev.ID, &ts, &level, &ev.Message); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Timestamp = fromMillis(ts)
		ev.Level = domain.EventLevel(level)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLStore) GetConfig(ctx context.Context, key, defaultValue string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM config WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultValue, nil
	}
	if err != nil {
		return defaultValue, fmt.Errorf("failed to read config %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write config %q: %w", key, err)
	}
	return nil
}

// MetricsSummary counts devices active in the last hour and averages the
// per-sample byte total over the last five minutes.
func (s *SQLStore) MetricsSummary(ctx context.Context, at time.Time) (domain.MetricsSummary, error) {
	var summary domain.MetricsSummary

	queries := []struct {
		query string
		args  []any
		dest  any
	}{
		{`SELECT COUNT(*) FROM devices`, nil, &summary.TotalDevices},
		{`SELECT COUNT(DISTINCT ip) FROM usage WHERE ts >= ?`, []any{toMillis(at.Add(-time.Hour))}, &summary.ActiveDevices},
		{`SELECT COUNT(*) FROM blocked_devices`, nil, &summary.BlockedDevices},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, s.rebind(q.query), q.args...).Scan(q.dest); err != nil {
			return summary, fmt.Errorf("failed to compute metrics: %w", err)
		}
	}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT AVG(bytes_rx + bytes_tx) FROM usage WHERE ts >= ?`),
		toMillis(at.Add(-5*time.Minute)),
	).Scan(&avg)
	if err != nil {
		return summary, fmt.Errorf("failed to compute average usage: %w", err)
	}
	if avg.Valid {
		summary.AvgBytesPerSample = int64(avg.Float64)
	}
	return summary, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
