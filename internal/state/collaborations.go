package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ShayCichocki/steward/pkg/models"
)

// SaveCollaboration inserts a help request.
func (db *DB) SaveCollaboration(ctx context.Context, r *models.CollaborationRequest) error {
	_, err := db.Exec(ctx, `
		INSERT INTO collaborations (id, project_id, requester_id, requester_role, question, context,
			category, urgency, status, specialist_role, specialist_id, confidence, answer, gate_id,
			created_at, responded_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ProjectID, r.RequesterID, nullString(string(r.RequesterRole)), r.Question, nullString(r.Context),
		string(r.Category), string(r.Urgency), string(r.Status), nullString(string(r.SpecialistRole)),
		nullString(r.SpecialistID), r.Confidence, nullString(r.Answer), nullString(r.GateID),
		formatTime(r.CreatedAt), formatNullableTime(r.RespondedAt), formatNullableTime(r.ResolvedAt))
	if err != nil {
		return fmt.Errorf("save collaboration: %w", err)
	}
	return nil
}

// UpdateCollaboration records a help request's progress.
func (db *DB) UpdateCollaboration(ctx context.Context, r *models.CollaborationRequest) error {
	result, err := db.Exec(ctx, `
		UPDATE collaborations SET status = ?, specialist_role = ?, specialist_id = ?, confidence = ?,
			answer = ?, gate_id = ?, responded_at = ?, resolved_at = ?
		WHERE id = ?
	`, string(r.Status), nullString(string(r.SpecialistRole)), nullString(r.SpecialistID), r.Confidence,
		nullString(r.Answer), nullString(r.GateID), formatNullableTime(r.RespondedAt),
		formatNullableTime(r.ResolvedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update collaboration: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update collaboration: %s not found", r.ID)
	}
	return nil
}

const collaborationColumns = `id, project_id, requester_id, requester_role, question, context,
	category, urgency, status, specialist_role, specialist_id, confidence, answer, gate_id,
	created_at, responded_at, resolved_at`

// GetCollaboration retrieves a help request by ID. It returns nil, nil
// when the request does not exist.
func (db *DB) GetCollaboration(ctx context.Context, id string) (*models.CollaborationRequest, error) {
	row := db.QueryRow(ctx, `SELECT `+collaborationColumns+` FROM collaborations WHERE id = ?`, id)
	r, err := scanCollaboration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get collaboration: %w", err)
	}
	return r, nil
}

// ListCollaborations lists a project's help requests oldest first.
func (db *DB) ListCollaborations(ctx context.Context, projectID string) ([]models.CollaborationRequest, error) {
	rows, err := db.Query(ctx, `SELECT `+collaborationColumns+` FROM collaborations
		WHERE (? = '' OR project_id = ?) ORDER BY created_at, id`, projectID, projectID)
	if err != nil {
		return nil, fmt.Errorf("list collaborations: %w", err)
	}
	defer rows.Close()

	var out []models.CollaborationRequest
	for rows.Next() {
		r, err := scanCollaboration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collaboration: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanCollaboration(s scanner) (*models.CollaborationRequest, error) {
	var r models.CollaborationRequest
	var requesterRole, rctx, specialistRole, specialistID, answer, gateID, respondedAt, resolvedAt sql.NullString
	var createdAt string
	if err := s.Scan(&r.ID, &r.ProjectID, &r.RequesterID, &requesterRole, &r.Question, &rctx,
		&r.Category, &r.Urgency, &r.Status, &specialistRole, &specialistID, &r.Confidence, &answer, &gateID,
		&createdAt, &respondedAt, &resolvedAt); err != nil {
		return nil, err
	}
	r.RequesterRole = models.AgentRole(requesterRole.String)
	r.Context = rctx.String
	r.SpecialistRole = models.AgentRole(specialistRole.String)
	r.SpecialistID = specialistID.String
	r.Answer = answer.String
	r.GateID = gateID.String
	r.CreatedAt, _ = parseTime(createdAt)
	r.RespondedAt = parseNullableTime(respondedAt)
	r.ResolvedAt = parseNullableTime(resolvedAt)
	return &r, nil
}

// SaveExchange inserts an exchange between two agents.
func (db *DB) SaveExchange(ctx context.Context, e *models.Exchange) error {
	_, err := db.Exec(ctx, `
		INSERT INTO exchanges (id, request_id, project_id, from_agent, to_agent, question, success,
			created_at, responded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.RequestID, e.ProjectID, e.FromAgent, e.ToAgent, e.Question, boolToInt(e.Success),
		formatTime(e.CreatedAt), formatNullableTime(e.RespondedAt))
	if err != nil {
		return fmt.Errorf("save exchange: %w", err)
	}
	return nil
}

// UpdateExchange records the outcome of an exchange.
func (db *DB) UpdateExchange(ctx context.Context, e *models.Exchange) error {
	_, err := db.Exec(ctx, `
		UPDATE exchanges SET success = ?, responded_at = ? WHERE id = ?
	`, boolToInt(e.Success), formatNullableTime(e.RespondedAt), e.ID)
	if err != nil {
		return fmt.Errorf("update exchange: %w", err)
	}
	return nil
}

// ListExchanges lists the exchanges recorded for a help request.
func (db *DB) ListExchanges(ctx context.Context, requestID string) ([]models.Exchange, error) {
	rows, err := db.Query(ctx, `
		SELECT id, request_id, project_id, from_agent, to_agent, question, success, created_at, responded_at
		FROM exchanges WHERE request_id = ? ORDER BY created_at, id
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()

	var out []models.Exchange
	for rows.Next() {
		var e models.Exchange
		var success int
		var createdAt string
		var respondedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.RequestID, &e.ProjectID, &e.FromAgent, &e.ToAgent, &e.Question,
			&success, &createdAt, &respondedAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		e.Success = success != 0
		e.CreatedAt, _ = parseTime(createdAt)
		e.RespondedAt = parseNullableTime(respondedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
