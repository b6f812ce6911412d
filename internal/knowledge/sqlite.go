package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/steward/pkg/models"
)

// SQLiteSink appends records to a local SQLite table.
type SQLiteSink struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

var _ Sink = (*SQLiteSink)(nil)

// OpenSQLite opens (creating when needed) the knowledge database at dbPath
// and applies pending migrations.
func OpenSQLite(dbPath string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteSink{db: conn, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate knowledge db: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS knowledge_schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return err
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM knowledge_schema_version").Scan(&current); err != nil {
		return err
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Records},
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec("INSERT INTO knowledge_schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

const migrationV1Records = `
CREATE TABLE IF NOT EXISTS knowledge_records (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	project_id TEXT NOT NULL,
	task_id TEXT,
	agent_id TEXT,
	role TEXT,
	condition TEXT NOT NULL,
	action TEXT NOT NULL,
	outcome TEXT NOT NULL,
	concepts TEXT,
	context TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_knowledge_project ON knowledge_records(project_id);
CREATE INDEX IF NOT EXISTS idx_knowledge_kind ON knowledge_records(kind);
CREATE INDEX IF NOT EXISTS idx_knowledge_created ON knowledge_records(created_at);
`

// Write inserts r. Writing the same id twice is a no-op.
func (s *SQLiteSink) Write(ctx context.Context, r Record) error {
	concepts, err := json.Marshal(r.Concepts)
	if err != nil {
		return fmt.Errorf("encode concepts: %w", err)
	}
	var rctx []byte
	if len(r.Context) > 0 {
		if rctx, err = json.Marshal(r.Context); err != nil {
			return fmt.Errorf("encode context: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO knowledge_records
			(id, kind, project_id, task_id, agent_id, role, condition, action, outcome, concepts, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, string(r.Kind), r.ProjectID, nullString(r.TaskID), nullString(r.AgentID), nullString(string(r.Role)),
		r.Condition, r.Action, r.Outcome, string(concepts), nullString(string(rctx)), formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert knowledge record: %w", err)
	}
	return nil
}

// Recent returns up to limit records for a project, newest first. An empty
// projectID matches every project.
func (s *SQLiteSink) Recent(ctx context.Context, projectID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, project_id, task_id, agent_id, role, condition, action, outcome, concepts, context, created_at
		FROM knowledge_records
		WHERE ? = '' OR project_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`, projectID, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query knowledge records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var kind, created string
		var taskID, agentID, role, concepts, rctx sql.NullString
		if err := rows.Scan(&r.ID, &kind, &r.ProjectID, &taskID, &agentID, &role,
			&r.Condition, &r.Action, &r.Outcome, &concepts, &rctx, &created); err != nil {
			return nil, fmt.Errorf("scan knowledge record: %w", err)
		}
		r.Kind = Kind(kind)
		r.TaskID = taskID.String
		r.AgentID = agentID.String
		r.Role = models.AgentRole(role.String)
		if concepts.Valid && concepts.String != "" && concepts.String != "null" {
			if err := json.Unmarshal([]byte(concepts.String), &r.Concepts); err != nil {
				return nil, fmt.Errorf("decode concepts for %s: %w", r.ID, err)
			}
		}
		if rctx.Valid && rctx.String != "" {
			if err := json.Unmarshal([]byte(rctx.String), &r.Context); err != nil {
				return nil, fmt.Errorf("decode context for %s: %w", r.ID, err)
			}
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at for %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of stored records of kind; empty kind counts all.
func (s *SQLiteSink) Count(ctx context.Context, kind Kind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM knowledge_records WHERE ? = '' OR kind = ?", string(kind), string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count knowledge records: %w", err)
	}
	return n, nil
}

// Path returns the database file path.
func (s *SQLiteSink) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// timeLayout has a fixed-width fraction so stored values sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
