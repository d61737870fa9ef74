// Package audit is the durable, append-only store of spawn attempts and
// their metering data.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"spawnd/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store persists audit records. Records are inserted once and never updated.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Record appends one spawn attempt. It is the only write path.
func (s Store) Record(ctx context.Context, req domain.SpawnRequest, jailRoot string, res domain.SpawnResult) (domain.AuditRecord, error) {
	rec := domain.AuditRecord{
		ID:                   uuid.NewString(),
		AgentType:            req.AgentType,
		Task:                 req.Task,
		WorkspaceDir:         req.WorkspaceDir,
		JailRoot:             jailRoot,
		RequestedBy:          req.RequestedBy,
		Status:               res.Status,
		Output:               res.Output,
		ErrorMessage:         res.ErrorMessage,
		ExitCode:             res.ExitCode,
		ExecutionTimeSeconds: res.ExecutionTimeSeconds,
		EstimatedCostUSD:     res.EstimatedCostUSD,
		StartedAt:            res.StartedAt,
		CompletedAt:          res.CompletedAt,
		CreatedAt:            s.now().UTC().Format(domain.TimestampFormat),
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO audit_records(
		id, agent_type, task, workspace_dir, jail_root, requested_by,
		status, output, error_message, exit_code,
		execution_time_seconds, estimated_cost_usd,
		started_at, completed_at, created_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.AgentType, rec.Task, rec.WorkspaceDir, nullable(rec.JailRoot), nullable(rec.RequestedBy),
		rec.Status, nullable(rec.Output), nullable(rec.ErrorMessage), nullableInt(rec.ExitCode),
		rec.ExecutionTimeSeconds, rec.EstimatedCostUSD,
		rec.StartedAt, rec.CompletedAt, rec.CreatedAt)
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("insert audit record: %w", err)
	}
	return rec, nil
}

// Filter narrows Query results. Zero values mean "no constraint".
type Filter struct {
	AgentType    string
	WorkspaceDir string
	Status       string
	Since        string
	Until        string
	Limit        int
}

// Query returns records matching the filter, ordered by start time
// descending with record id as a tiebreak so the ordering is stable.
func (s Store) Query(ctx context.Context, f Filter) ([]domain.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentType != "" {
		where = append(where, "agent_type=?")
		args = append(args, f.AgentType)
	}
	if f.WorkspaceDir != "" {
		where = append(where, "workspace_dir=?")
		args = append(args, f.WorkspaceDir)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.Since != "" {
		where = append(where, "started_at>=?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		where = append(where, "started_at<?")
		args = append(args, f.Until)
	}
	query := `SELECT id, agent_type, task, workspace_dir,
		COALESCE(jail_root,'') AS jail_root, COALESCE(requested_by,'') AS requested_by,
		status, COALESCE(output,'') AS output, COALESCE(error_message,'') AS error_message,
		exit_code, execution_time_seconds, estimated_cost_usd,
		started_at, completed_at, created_at FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var exitCode sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.AgentType, &rec.Task, &rec.WorkspaceDir,
			&rec.JailRoot, &rec.RequestedBy,
			&rec.Status, &rec.Output, &rec.ErrorMessage,
			&exitCode, &rec.ExecutionTimeSeconds, &rec.EstimatedCostUSD,
			&rec.StartedAt, &rec.CompletedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Get returns one record by id.
func (s Store) Get(ctx context.Context, id string) (domain.AuditRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, agent_type, task, workspace_dir,
		COALESCE(jail_root,'') AS jail_root, COALESCE(requested_by,'') AS requested_by,
		status, COALESCE(output,'') AS output, COALESCE(error_message,'') AS error_message,
		exit_code, execution_time_seconds, estimated_cost_usd,
		started_at, completed_at, created_at FROM audit_records WHERE id=?`, id)
	var rec domain.AuditRecord
	var exitCode sql.NullInt64
	err := row.Scan(&rec.ID, &rec.AgentType, &rec.Task, &rec.WorkspaceDir,
		&rec.JailRoot, &rec.RequestedBy,
		&rec.Status, &rec.Output, &rec.ErrorMessage,
		&exitCode, &rec.ExecutionTimeSeconds, &rec.EstimatedCostUSD,
		&rec.StartedAt, &rec.CompletedAt, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.AuditRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.AuditRecord{}, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	return rec, nil
}

// Summarize aggregates spawn counts, successes, cost, and wall time per
// agent type for records started at or after since (all records when empty).
func (s Store) Summarize(ctx context.Context, since string) ([]domain.CostSummary, error) {
	query := `SELECT agent_type, COUNT(*),
		SUM(CASE WHEN status='success' THEN 1 ELSE 0 END),
		SUM(estimated_cost_usd), SUM(execution_time_seconds)
		FROM audit_records`
	var args []any
	if since != "" {
		query += " WHERE started_at>=?"
		args = append(args, since)
	}
	query += " GROUP BY agent_type ORDER BY agent_type"

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CostSummary
	for rows.Next() {
		var sum domain.CostSummary
		if err := rows.Scan(&sum.AgentType, &sum.Spawns, &sum.Successes, &sum.TotalCostUSD, &sum.TotalSeconds); err != nil {
			return nil, err
		}
		res = append(res, sum)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
