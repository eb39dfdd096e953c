package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

const integrationCols = `id, name, type, platform, connection_config, sync_policy,
	field_mappings, severity_mapping, features, status, last_connected, last_sync,
	created_at, updated_at, version`

func (s *SQL) CreateIntegration(ctx context.Context, integ *model.Integration) error {
	cfg, err := marshalJSON(integ.ConnectionConfig)
	if err != nil {
		return err
	}
	policy, err := marshalJSON(integ.SyncPolicy)
	if err != nil {
		return err
	}
	mappings, err := marshalJSON(integ.FieldMappings)
	if err != nil {
		return err
	}
	sevMap, err := marshalJSON(integ.SeverityMapping)
	if err != nil {
		return err
	}

	query := `INSERT INTO integrations (` + integrationCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, s.q(query),
		integ.ID, integ.Name, string(integ.Type), integ.Platform, cfg, policy,
		mappings, sevMap, int64(integ.Features), string(integ.Status),
		msPtr(integ.LastConnected), msPtr(integ.LastSync),
		ms(integ.CreatedAt), ms(integ.UpdatedAt), integ.Version)
	if err != nil {
		return fmt.Errorf("insert integration: %w", err)
	}
	return nil
}

func (s *SQL) GetIntegration(ctx context.Context, id string) (*model.Integration, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+integrationCols+` FROM integrations WHERE id = ?`), id)
	integ, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return integ, err
}

func (s *SQL) ListIntegrations(ctx context.Context) ([]*model.Integration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+integrationCols+` FROM integrations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Integration
	for rows.Next() {
		integ, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, integ)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("integration rows: %w", err)
	}
	return out, nil
}

func (s *SQL) UpdateIntegration(ctx context.Context, integ *model.Integration) error {
	cfg, err := marshalJSON(integ.ConnectionConfig)
	if err != nil {
		return err
	}
	policy, err := marshalJSON(integ.SyncPolicy)
	if err != nil {
		return err
	}
	mappings, err := marshalJSON(integ.FieldMappings)
	if err != nil {
		return err
	}
	sevMap, err := marshalJSON(integ.SeverityMapping)
	if err != nil {
		return err
	}

	query := `UPDATE integrations SET
		name = ?, connection_config = ?, sync_policy = ?, field_mappings = ?,
		severity_mapping = ?, features = ?, status = ?, last_connected = ?,
		last_sync = ?, updated_at = ?, version = version + 1
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, s.q(query),
		integ.Name, cfg, policy, mappings, sevMap, int64(integ.Features),
		string(integ.Status), msPtr(integ.LastConnected), msPtr(integ.LastSync),
		ms(time.Now().UTC()), integ.ID)
	if err != nil {
		return fmt.Errorf("update integration: %w", err)
	}
	return requireRow(res)
}

func (s *SQL) DeleteIntegration(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM integrations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	return requireRow(res)
}

func (s *SQL) SetIntegrationStatus(ctx context.Context, id string, status model.IntegrationStatus) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE integrations SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), ms(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set integration status: %w", err)
	}
	return requireRow(res)
}

func (s *SQL) SetLastSync(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE integrations SET last_sync = ?, updated_at = ? WHERE id = ?`),
		ms(at), ms(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set last sync: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row rowScanner) (*model.Integration, error) {
	var (
		integ                          model.Integration
		toolType, status               string
		cfg, policy, mappings, sevMap  sql.NullString
		features                       int64
		lastConnected, lastSync        sql.NullInt64
		createdAt, updatedAt           int64
	)
	err := row.Scan(&integ.ID, &integ.Name, &toolType, &integ.Platform, &cfg, &policy,
		&mappings, &sevMap, &features, &status, &lastConnected, &lastSync,
		&createdAt, &updatedAt, &integ.Version)
	if err != nil {
		return nil, err
	}

	integ.Type = model.ToolType(toolType)
	integ.Status = model.IntegrationStatus(status)
	integ.Features = uint64(features)
	integ.LastConnected = fromMSPtr(lastConnected)
	integ.LastSync = fromMSPtr(lastSync)
	integ.CreatedAt = fromMS(createdAt)
	integ.UpdatedAt = fromMS(updatedAt)

	if err := unmarshalJSON(cfg, &integ.ConnectionConfig); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(policy, &integ.SyncPolicy); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(mappings, &integ.FieldMappings); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(sevMap, &integ.SeverityMapping); err != nil {
		return nil, err
	}
	return &integ, nil
}
