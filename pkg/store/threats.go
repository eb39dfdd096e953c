package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

const threatCols = `id, correlation_id, title, description, severity, confidence,
	sources, first_seen, last_seen, event_count, affected_assets, affected_users,
	status, evidence, risk_score, risk_factors, created_at, dedup_key`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQL) InsertThreat(ctx context.Context, t *model.UnifiedThreat) error {
	return s.insertThreat(ctx, s.db, t)
}

func (s *SQL) insertThreat(ctx context.Context, ex execer, t *model.UnifiedThreat) error {
	sources, err := marshalJSON(t.Sources)
	if err != nil {
		return err
	}
	assets, err := marshalJSON(t.AffectedAssets)
	if err != nil {
		return err
	}
	users, err := marshalJSON(t.AffectedUsers)
	if err != nil {
		return err
	}
	evidence, err := marshalJSON(t.Evidence)
	if err != nil {
		return err
	}
	factors, err := marshalJSON(t.RiskFactors)
	if err != nil {
		return err
	}

	query := `INSERT INTO unified_threats (` + threatCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = ex.ExecContext(ctx, s.q(query),
		t.ID, t.CorrelationID, t.Title, t.Description, string(t.Severity), t.Confidence,
		sources, ms(t.FirstSeen), ms(t.LastSeen), t.EventCount, assets, users,
		string(t.Status), evidence, t.RiskScore, factors, ms(t.CreatedAt), t.DedupKey)
	if err != nil {
		return fmt.Errorf("insert threat: %w", err)
	}
	return nil
}

// UpsertThreatByDedupKey merges the threat into the newest stored threat
// sharing its dedup key: eventCount sums, sources append, confidence takes the
// max and lastSeen the later timestamp. A threat without a key, or with no
// stored match, inserts a fresh row.
func (s *SQL) UpsertThreatByDedupKey(ctx context.Context, t *model.UnifiedThreat) error {
	if t.DedupKey == "" {
		return s.InsertThreat(ctx, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin threat upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.q(`SELECT `+threatCols+` FROM unified_threats
		WHERE dedup_key = ? ORDER BY created_at DESC LIMIT 1`), t.DedupKey)
	existing, err := scanThreat(row)
	if errors.Is(err, sql.ErrNoRows) {
		if err := s.insertThreat(ctx, tx, t); err != nil {
			return err
		}
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("load threat by dedup key: %w", err)
	}

	existing.EventCount += t.EventCount
	existing.Sources = append(existing.Sources, t.Sources...)
	if t.Confidence > existing.Confidence {
		existing.Confidence = t.Confidence
	}
	if t.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = t.LastSeen
	}

	sources, err := marshalJSON(existing.Sources)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`UPDATE unified_threats
		SET event_count = ?, sources = ?, confidence = ?, last_seen = ? WHERE id = ?`),
		existing.EventCount, sources, existing.Confidence, ms(existing.LastSeen), existing.ID)
	if err != nil {
		return fmt.Errorf("merge threat: %w", err)
	}
	return tx.Commit()
}

func (s *SQL) GetThreat(ctx context.Context, id string) (*model.UnifiedThreat, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+threatCols+` FROM unified_threats WHERE id = ?`), id)
	t, err := scanThreat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQL) ListThreats(ctx context.Context, limit int) ([]*model.UnifiedThreat, error) {
	return s.queryThreats(ctx,
		`SELECT `+threatCols+` FROM unified_threats ORDER BY created_at DESC LIMIT ?`, limit)
}

// TopThreats returns the n highest-risk threats, risk score descending.
func (s *SQL) TopThreats(ctx context.Context, n int) ([]*model.UnifiedThreat, error) {
	return s.queryThreats(ctx,
		`SELECT `+threatCols+` FROM unified_threats ORDER BY risk_score DESC, created_at DESC LIMIT ?`, n)
}

func (s *SQL) queryThreats(ctx context.Context, query string, args ...any) ([]*model.UnifiedThreat, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query threats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.UnifiedThreat
	for rows.Next() {
		t, err := scanThreat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("threat rows: %w", err)
	}
	return out, nil
}

func (s *SQL) ThreatsPerDay(ctx context.Context, days int) ([]DayCount, error) {
	return s.perDay(ctx, "unified_threats", "created_at", days)
}

// ThreatHistogram buckets threats per day with the day's average risk score.
func (s *SQL) ThreatHistogram(ctx context.Context, days int) ([]DayStat, error) {
	return s.perDayStat(ctx, "unified_threats", "created_at", "risk_score", days)
}

func (s *SQL) SetThreatStatus(ctx context.Context, id string, status model.ThreatStatus) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE unified_threats SET status = ? WHERE id = ?`), string(status), id)
	if err != nil {
		return fmt.Errorf("set threat status: %w", err)
	}
	return requireRow(res)
}

func (s *SQL) CountThreatsByStatus(ctx context.Context) (map[model.ThreatStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM unified_threats GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count threats by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[model.ThreatStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan threat status count: %w", err)
		}
		out[model.ThreatStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("threat status rows: %w", err)
	}
	return out, nil
}

func scanThreat(row rowScanner) (*model.UnifiedThreat, error) {
	var (
		t                                  model.UnifiedThreat
		severity, status                   string
		firstSeen, lastSeen, createdAt     int64
		sources, assets, users             sql.NullString
		evidence, factors                  sql.NullString
	)
	err := row.Scan(&t.ID, &t.CorrelationID, &t.Title, &t.Description, &severity,
		&t.Confidence, &sources, &firstSeen, &lastSeen, &t.EventCount, &assets,
		&users, &status, &evidence, &t.RiskScore, &factors, &createdAt, &t.DedupKey)
	if err != nil {
		return nil, err
	}
	t.Severity = model.Severity(severity)
	t.Status = model.ThreatStatus(status)
	t.FirstSeen = fromMS(firstSeen)
	t.LastSeen = fromMS(lastSeen)
	t.CreatedAt = fromMS(createdAt)
	if err := unmarshalJSON(sources, &t.Sources); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(assets, &t.AffectedAssets); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(users, &t.AffectedUsers); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(evidence, &t.Evidence); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(factors, &t.RiskFactors); err != nil {
		return nil, err
	}
	return &t, nil
}
