package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

const eventCols = `id, ts, source_type, source_integration_id, event_type, severity,
	title, description, category, subcategory, source_ip, dest_ip, usr, host,
	protocol, tags, raw_payload, status`

func (s *SQL) InsertEvents(ctx context.Context, events []*model.NormalizedEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.q(`INSERT INTO security_events (` + eventCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, ev := range events {
		tags, err := marshalJSON(ev.Tags)
		if err != nil {
			return err
		}
		raw, err := marshalJSON(ev.RawPayload)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			ev.ID, ms(ev.Timestamp), string(ev.SourceType), ev.SourceIntegrationID,
			ev.EventType, string(ev.Severity), ev.Title, ev.Description,
			ev.Category, ev.Subcategory, ev.SourceIP, ev.DestIP, ev.User, ev.Host,
			ev.Protocol, tags, raw, string(ev.Status))
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event insert: %w", err)
	}
	return nil
}

// EventsBetween returns events with start <= ts < end, oldest first.
func (s *SQL) EventsBetween(ctx context.Context, start, end time.Time) ([]*model.NormalizedEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+eventCols+` FROM security_events WHERE ts >= ? AND ts < ? ORDER BY ts`),
		ms(start), ms(end))
	if err != nil {
		return nil, fmt.Errorf("query event window: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.NormalizedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

func (s *SQL) EventsPerDay(ctx context.Context, days int) ([]DayCount, error) {
	return s.perDay(ctx, "security_events", "ts", days)
}

func (s *SQL) CountEventsBySeverity(ctx context.Context) (map[model.Severity]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT severity, COUNT(*) FROM security_events GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("count events by severity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[model.Severity]int)
	for rows.Next() {
		var sev string
		var count int
		if err := rows.Scan(&sev, &count); err != nil {
			return nil, fmt.Errorf("scan severity count: %w", err)
		}
		out[model.Severity(sev)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("severity count rows: %w", err)
	}
	return out, nil
}

func scanEvent(row rowScanner) (*model.NormalizedEvent, error) {
	var (
		ev               model.NormalizedEvent
		ts               int64
		sourceType       string
		severity, status string
		tags, raw        sql.NullString
	)
	err := row.Scan(&ev.ID, &ts, &sourceType, &ev.SourceIntegrationID, &ev.EventType,
		&severity, &ev.Title, &ev.Description, &ev.Category, &ev.Subcategory,
		&ev.SourceIP, &ev.DestIP, &ev.User, &ev.Host, &ev.Protocol, &tags, &raw, &status)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	ev.Timestamp = fromMS(ts)
	ev.SourceType = model.ToolType(sourceType)
	ev.Severity = model.Severity(severity)
	ev.Status = model.EventStatus(status)
	if err := unmarshalJSON(tags, &ev.Tags); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(raw, &ev.RawPayload); err != nil {
		return nil, err
	}
	return &ev, nil
}
