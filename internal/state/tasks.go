package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ShayCichocki/steward/pkg/models"
)

// SaveTask inserts or replaces a task.
func (db *DB) SaveTask(ctx context.Context, t *models.Task) error {
	payload, err := encodeJSON(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	metadata, err := encodeJSON(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	var result sql.NullString
	if t.Result != nil {
		if result, err = encodeJSON(t.Result); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
	}

	_, err = db.Exec(ctx, `
		INSERT INTO tasks (id, project_id, type, description, role, priority, status, assigned_to,
			payload, metadata, result, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			description = excluded.description,
			role = excluded.role,
			priority = excluded.priority,
			status = excluded.status,
			assigned_to = excluded.assigned_to,
			payload = excluded.payload,
			metadata = excluded.metadata,
			result = excluded.result,
			completed_at = excluded.completed_at
	`, t.ID, t.ProjectID, nullString(t.Type), nullString(t.Description), nullString(string(t.Role)), t.Priority,
		string(t.Status), nullString(t.AssignedTo), payload, metadata, result,
		formatTime(t.CreatedAt), formatNullableTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

const taskColumns = `id, project_id, type, description, role, priority, status, assigned_to,
	payload, metadata, result, created_at, completed_at`

// GetTask retrieves a task by ID. It returns nil, nil when the task does
// not exist.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks lists a project's tasks in creation order, optionally filtered
// by status. An empty projectID lists every project.
func (db *DB) ListTasks(ctx context.Context, projectID string, status *models.TaskStatus) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE (? = '' OR project_id = ?)`
	args := []any{projectID, projectID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTask(s scanner) (*models.Task, error) {
	var t models.Task
	var typ, desc, role, assigned, payload, metadata, result, completedAt sql.NullString
	var createdAt string
	if err := s.Scan(&t.ID, &t.ProjectID, &typ, &desc, &role, &t.Priority, &t.Status, &assigned,
		&payload, &metadata, &result, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	t.Type = typ.String
	t.Description = desc.String
	t.Role = models.AgentRole(role.String)
	t.AssignedTo = assigned.String
	if err := decodeJSON(payload, &t.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", t.ID, err)
	}
	if err := decodeJSON(metadata, &t.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", t.ID, err)
	}
	if result.Valid {
		t.Result = &models.TaskResult{}
		if err := decodeJSON(result, t.Result); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", t.ID, err)
		}
	}
	t.CreatedAt, _ = parseTime(createdAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

// encodeJSON stores empty maps and nil values as NULL.
func encodeJSON(v any) (sql.NullString, error) {
	switch m := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case map[string]any:
		if len(m) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}
