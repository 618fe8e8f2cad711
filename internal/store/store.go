// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/deploychat/internal/domain"
)

// ErrNotFound is returned by updates that matched no row.
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for persisting sessions, chat history
// and deployment records.
type Repository interface {
	// UpsertSession creates a session or refreshes its last_seen_at.
	UpsertSession(ctx context.Context, sessionID string, seen time.Time) error

	// GetSession retrieves a session. Returns nil, nil when it does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// TouchSession updates last_seen_at for an existing session.
	TouchSession(ctx context.Context, sessionID string, seen time.Time) error

	// AppendMessage stores a chat line and fills in its ID.
	AppendMessage(ctx context.Context, msg *domain.ChatMessage) error

	// ListMessages returns up to limit most recent messages, oldest first.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.ChatMessage, error)

	// CreateDeployment inserts a running deployment record.
	CreateDeployment(ctx context.Context, d *domain.Deployment) error

	// FinishDeployment marks a deployment terminal.
	FinishDeployment(ctx context.Context, id string, status domain.DeploymentStatus, url, errMsg string, at time.Time) error

	// GetDeployment retrieves a deployment. Returns nil, nil when it does not exist.
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)

	// ListDeployments returns a session's deployments, newest first.
	ListDeployments(ctx context.Context, sessionID string, limit int) ([]*domain.Deployment, error)

	// DeleteExpiredSessions removes sessions idle longer than ttl along with
	// their messages and deployments.
	DeleteExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
