package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ShayCichocki/steward/pkg/models"
)

// SaveGate inserts a new gate.
func (db *DB) SaveGate(ctx context.Context, g *models.Gate) error {
	gctx, err := encodeJSON(g.Context)
	if err != nil {
		return fmt.Errorf("encode gate context: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO gates (id, type, project_id, agent_id, task_id, reason, context, status,
			resolved_by, feedback, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, g.ID, string(g.Type), g.ProjectID, nullString(g.AgentID), nullString(g.TaskID), g.Reason, gctx,
		string(g.Status), nullString(g.ResolvedBy), nullString(g.Feedback),
		formatTime(g.CreatedAt), formatNullableTime(g.ResolvedAt))
	if err != nil {
		return fmt.Errorf("save gate: %w", err)
	}
	return nil
}

// UpdateGate records a gate's resolution.
func (db *DB) UpdateGate(ctx context.Context, g *models.Gate) error {
	result, err := db.Exec(ctx, `
		UPDATE gates SET status = ?, resolved_by = ?, feedback = ?, resolved_at = ?
		WHERE id = ?
	`, string(g.Status), nullString(g.ResolvedBy), nullString(g.Feedback), formatNullableTime(g.ResolvedAt), g.ID)
	if err != nil {
		return fmt.Errorf("update gate: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update gate: %s not found", g.ID)
	}
	return nil
}

const gateColumns = `id, type, project_id, agent_id, task_id, reason, context, status,
	resolved_by, feedback, created_at, resolved_at`

// GetGate retrieves a gate by ID. It returns nil, nil when the gate does
// not exist.
func (db *DB) GetGate(ctx context.Context, id string) (*models.Gate, error) {
	row := db.QueryRow(ctx, `SELECT `+gateColumns+` FROM gates WHERE id = ?`, id)
	g, err := scanGate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get gate: %w", err)
	}
	return g, nil
}

// ListGates lists gates oldest first, optionally filtered by status. An
// empty projectID lists every project.
func (db *DB) ListGates(ctx context.Context, projectID string, status *models.GateStatus) ([]models.Gate, error) {
	query := `SELECT ` + gateColumns + ` FROM gates WHERE (? = '' OR project_id = ?)`
	args := []any{projectID, projectID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list gates: %w", err)
	}
	defer rows.Close()

	var out []models.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gate: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanGate(s scanner) (*models.Gate, error) {
	var g models.Gate
	var agentID, taskID, gctx, resolvedBy, feedback, resolvedAt sql.NullString
	var createdAt string
	if err := s.Scan(&g.ID, &g.Type, &g.ProjectID, &agentID, &taskID, &g.Reason, &gctx, &g.Status,
		&resolvedBy, &feedback, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	g.AgentID = agentID.String
	g.TaskID = taskID.String
	g.ResolvedBy = resolvedBy.String
	g.Feedback = feedback.String
	if err := decodeJSON(gctx, &g.Context); err != nil {
		return nil, fmt.Errorf("decode context for %s: %w", g.ID, err)
	}
	g.CreatedAt, _ = parseTime(createdAt)
	g.ResolvedAt = parseNullableTime(resolvedAt)
	return &g, nil
}
