package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/ashureev/deploychat/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

	CREATE TABLE IF NOT EXISTS deployments (
		deployment_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		repo_url TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		service_name TEXT NOT NULL,
		status TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_deployments_session ON deployments(session_id, started_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// UpsertSession creates a session or refreshes its last_seen_at.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sessionID string, seen time.Time) error {
	query := `
	INSERT INTO sessions (session_id, created_at, last_seen_at)
	VALUES (?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		last_seen_at = excluded.last_seen_at`

	err := withRetry(ctx, "upsert session", func() error {
		_, err := s.db.ExecContext(ctx, query, sessionID, seen.Unix(), seen.Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT session_id, created_at, last_seen_at FROM sessions WHERE session_id = ?`

	var session domain.Session
	var createdAt, lastSeen int64
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&session.ID, &createdAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.CreatedAt = time.Unix(createdAt, 0)
	session.LastSeenAt = time.Unix(lastSeen, 0)
	return &session, nil
}

// TouchSession updates the last_seen_at timestamp for a session.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, seen time.Time) error {
	query := `UPDATE sessions SET last_seen_at = ? WHERE session_id = ?`

	var rows int64
	err := withRetry(ctx, "touch session", func() error {
		result, err := s.db.ExecContext(ctx, query, seen.Unix(), sessionID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if rows == 0 {
		slog.Warn("TouchSession affected 0 rows", "session_id", sessionID)
		return ErrNotFound
	}
	return nil
}

// AppendMessage stores a chat line.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.ChatMessage) error {
	query := `INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	err := withRetry(ctx, "append message", func() error {
		result, err := s.db.ExecContext(ctx, query, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt.Unix())
		if err != nil {
			return err
		}
		msg.ID, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns up to limit most recent messages, oldest first.
// A limit of zero or less returns the whole history.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, session_id, role, content, created_at
		FROM messages WHERE session_id = ?
		ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.ChatMessage
	for rows.Next() {
		var msg domain.ChatMessage
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.CreatedAt = time.Unix(createdAt, 0)
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	slices.Reverse(msgs)
	return msgs, nil
}

// CreateDeployment inserts a deployment record.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	query := `
	INSERT INTO deployments (
		deployment_id, session_id, repo_url, branch, service_name,
		status, url, error, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if d.Status == "" {
		d.Status = domain.DeploymentRunning
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}
	var finishedAt any
	if d.FinishedAt != nil {
		finishedAt = d.FinishedAt.Unix()
	}

	err := withRetry(ctx, "create deployment", func() error {
		_, err := s.db.ExecContext(ctx, query,
			d.ID, d.SessionID, d.RepoURL, d.Branch, d.ServiceName,
			string(d.Status), d.URL, d.Error, d.StartedAt.Unix(), finishedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}
	return nil
}

// FinishDeployment records the terminal status of a deployment.
func (s *SQLiteStore) FinishDeployment(ctx context.Context, id string, status domain.DeploymentStatus, url, errMsg string, at time.Time) error {
	query := `
	UPDATE deployments SET status = ?, url = ?, error = ?, finished_at = ?
	WHERE deployment_id = ?`

	var rows int64
	err := withRetry(ctx, "finish deployment", func() error {
		result, err := s.db.ExecContext(ctx, query, string(status), url, errMsg, at.Unix(), id)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("finish deployment: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("finish deployment %s: %w", id, ErrNotFound)
	}
	return nil
}

const deploymentColumns = `deployment_id, session_id, repo_url, branch, service_name,
		status, url, error, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row scanner) (*domain.Deployment, error) {
	var d domain.Deployment
	var status string
	var startedAt int64
	var finishedAt sql.NullInt64
	if err := row.Scan(
		&d.ID, &d.SessionID, &d.RepoURL, &d.Branch, &d.ServiceName,
		&status, &d.URL, &d.Error, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	d.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		ts := time.Unix(finishedAt.Int64, 0)
		d.FinishedAt = &ts
	}
	return &d, nil
}

// GetDeployment retrieves a deployment by ID.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE deployment_id = ?`

	d, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan deployment row: %w", err)
	}
	return d, nil
}

// ListDeployments returns a session's deployments, newest first.
func (s *SQLiteStore) ListDeployments(ctx context.Context, sessionID string, limit int) ([]*domain.Deployment, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + deploymentColumns + `
		FROM deployments WHERE session_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close deployment rows", "error", closeErr)
		}
	}()

	var out []*domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return out, nil
}

// DeleteExpiredSessions removes sessions idle longer than ttl together with
// their messages and deployments. Sessions with a running deployment are kept.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	expired := `
		SELECT session_id FROM sessions WHERE last_seen_at < ?
		AND session_id NOT IN (SELECT session_id FROM deployments WHERE status = 'running')`

	var deleted int64
	err := withRetry(ctx, "delete expired sessions", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, table := range []string{"messages", "deployments"} {
			q := `DELETE FROM ` + table + ` WHERE session_id IN (` + expired + `)`
			if _, err := tx.ExecContext(ctx, q, threshold); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (`+expired+`)`, threshold)
		if err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if deleted, err = result.RowsAffected(); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return deleted, nil
}
