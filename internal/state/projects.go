package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ShayCichocki/steward/pkg/models"
)

// SaveProject inserts or replaces a project.
func (db *DB) SaveProject(ctx context.Context, p *models.Project) error {
	roles, err := json.Marshal(p.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO projects (id, goal, phase, roles, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			goal = excluded.goal,
			phase = excluded.phase,
			roles = excluded.roles,
			status = excluded.status,
			completed_at = excluded.completed_at
	`, p.ID, p.Goal, nullString(p.Phase), string(roles), string(p.Status),
		formatTime(p.CreatedAt), formatNullableTime(p.CompletedAt))
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

const projectColumns = `id, goal, phase, roles, status, created_at, completed_at`

// GetProject retrieves a project by ID. It returns nil, nil when the
// project does not exist.
func (db *DB) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := db.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects lists projects, newest first, optionally filtered by status.
func (db *DB) ListProjects(ctx context.Context, status *models.ProjectStatus) ([]models.Project, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = db.Query(ctx, `SELECT `+projectColumns+` FROM projects WHERE status = ? ORDER BY created_at DESC`, string(*status))
	} else {
		rows, err = db.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanProject(s scanner) (*models.Project, error) {
	var p models.Project
	var phase, roles, completedAt sql.NullString
	var createdAt string
	if err := s.Scan(&p.ID, &p.Goal, &phase, &roles, &p.Status, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	p.Phase = phase.String
	if roles.Valid && roles.String != "" && roles.String != "null" {
		if err := json.Unmarshal([]byte(roles.String), &p.Roles); err != nil {
			return nil, fmt.Errorf("decode roles for %s: %w", p.ID, err)
		}
	}
	p.CreatedAt, _ = parseTime(createdAt)
	p.CompletedAt = parseNullableTime(completedAt)
	return &p, nil
}
