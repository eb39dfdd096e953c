package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style. The schema itself is written in the
// portable subset both engines accept: TEXT columns for JSON, BIGINT epoch
// milliseconds for timestamps, ON CONFLICT upserts.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// SQL implements Store over database/sql.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// OpenPostgres connects to PostgreSQL and runs migrations.
func OpenPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &SQL{db: db, dialect: Postgres}
	if err := s.db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) an embedded database and runs migrations.
// Use ":memory:" for an ephemeral instance.
func OpenSQLite(ctx context.Context, path string) (*SQL, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The embedded engine serializes writers; one connection avoids lock churn.
	db.SetMaxOpenConns(1)
	s := &SQL{db: db, dialect: SQLite}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an existing handle without migrating. Used with sqlmock.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

func (s *SQL) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

// q rewrites ? placeholders to $N for PostgreSQL.
func (s *SQL) q(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS integrations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		platform TEXT NOT NULL,
		connection_config TEXT NOT NULL,
		sync_policy TEXT NOT NULL,
		field_mappings TEXT,
		severity_mapping TEXT,
		features BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		last_connected BIGINT,
		last_sync BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		ts BIGINT NOT NULL,
		source_type TEXT NOT NULL,
		source_integration_id TEXT NOT NULL,
		event_type TEXT,
		severity TEXT NOT NULL,
		title TEXT,
		description TEXT,
		category TEXT,
		subcategory TEXT,
		source_ip TEXT,
		dest_ip TEXT,
		usr TEXT,
		host TEXT,
		protocol TEXT,
		tags TEXT,
		raw_payload TEXT,
		status TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events (ts)`,
	`CREATE TABLE IF NOT EXISTS unified_threats (
		id TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		severity TEXT NOT NULL,
		confidence INTEGER NOT NULL,
		sources TEXT NOT NULL,
		first_seen BIGINT NOT NULL,
		last_seen BIGINT NOT NULL,
		event_count INTEGER NOT NULL,
		affected_assets TEXT,
		affected_users TEXT,
		status TEXT NOT NULL,
		evidence TEXT,
		risk_score INTEGER NOT NULL,
		risk_factors TEXT,
		created_at BIGINT NOT NULL,
		dedup_key TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_unified_threats_risk ON unified_threats (risk_score)`,
	`CREATE INDEX IF NOT EXISTS idx_unified_threats_dedup ON unified_threats (dedup_key)`,
	`CREATE TABLE IF NOT EXISTS vulnerabilities (
		id TEXT PRIMARY KEY,
		scanner_vuln_id TEXT NOT NULL,
		cve TEXT,
		title TEXT NOT NULL,
		description TEXT,
		severity TEXT NOT NULL,
		cvss_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		exploit_available BOOLEAN NOT NULL DEFAULT FALSE,
		affected_assets TEXT,
		first_seen BIGINT NOT NULL,
		last_seen BIGINT NOT NULL,
		scan_id TEXT,
		risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		integration_id TEXT NOT NULL,
		UNIQUE (scanner_vuln_id, integration_id)
	)`,
	`CREATE TABLE IF NOT EXISTS cloud_security_findings (
		id TEXT PRIMARY KEY,
		finding_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		resource_type TEXT,
		resource_id TEXT,
		region TEXT,
		account_id TEXT,
		compliance_status TEXT NOT NULL,
		control_id TEXT,
		threat_intelligence TEXT,
		remediation TEXT,
		severity TEXT NOT NULL,
		status TEXT,
		workflow_status TEXT,
		integration_id TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE (finding_id, integration_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		priority TEXT,
		severity TEXT,
		assignee TEXT,
		reporter TEXT,
		status TEXT,
		linked_threats TEXT,
		linked_vulnerabilities TEXT,
		linked_findings TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		resolved_at BIGINT,
		sla_status TEXT,
		time_to_resolution INTEGER,
		UNIQUE (external_id, platform)
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_mappings (
		ticket_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		integration_id TEXT NOT NULL,
		threat_id TEXT,
		vulnerability_id TEXT,
		finding_id TEXT,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (external_id, integration_id)
	)`,
}

func (s *SQL) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Epoch-millisecond helpers. Millis keep timestamp arithmetic portable
// between the two engines; day buckets are integer division by 86400000.

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromMSPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

const dayMillis = 86_400_000

// marshalJSON encodes nullable JSON columns; nil maps/slices become NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(raw), nil
}

func unmarshalJSON(raw sql.NullString, out any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), out); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func (s *SQL) perDay(ctx context.Context, table, tsCol string, days int) ([]DayCount, error) {
	since := time.Now().UTC().AddDate(0, 0, -days).UnixMilli()
	query := fmt.Sprintf(
		`SELECT %s / %d AS day, COUNT(*) FROM %s WHERE %s >= ? GROUP BY day ORDER BY day`,
		tsCol, dayMillis, table, tsCol)

	rows, err := s.db.QueryContext(ctx, s.q(query), since)
	if err != nil {
		return nil, fmt.Errorf("per-day histogram %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var out []DayCount
	for rows.Next() {
		var day int64
		var count int
		if err := rows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("scan histogram row: %w", err)
		}
		out = append(out, DayCount{Day: time.UnixMilli(day * dayMillis).UTC(), Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("histogram rows: %w", err)
	}
	return out, nil
}

func (s *SQL) perDayStat(ctx context.Context, table, tsCol, avgCol string, days int) ([]DayStat, error) {
	since := time.Now().UTC().AddDate(0, 0, -days).UnixMilli()
	query := fmt.Sprintf(
		`SELECT %s / %d AS day, COUNT(*), AVG(%s) FROM %s WHERE %s >= ? GROUP BY day ORDER BY day`,
		tsCol, dayMillis, avgCol, table, tsCol)

	rows, err := s.db.QueryContext(ctx, s.q(query), since)
	if err != nil {
		return nil, fmt.Errorf("per-day stats %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var out []DayStat
	for rows.Next() {
		var day int64
		var count int
		var avg sql.NullFloat64
		if err := rows.Scan(&day, &count, &avg); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		out = append(out, DayStat{
			Day:   time.UnixMilli(day * dayMillis).UTC(),
			Count: count,
			Avg:   avg.Float64,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats rows: %w", err)
	}
	return out, nil
}

var _ Store = (*SQL)(nil)
