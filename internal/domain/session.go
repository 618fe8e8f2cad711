// Package domain holds the entities persisted by the gateway.
package domain

import (
	"time"
)

// Session is one chat session identity as seen by the gateway.
type Session struct {
	ID         string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// ChatMessage is a stored chat line.
type ChatMessage struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// DeploymentStatus is the lifecycle state of a deployment record.
type DeploymentStatus string

const (
	DeploymentRunning DeploymentStatus = "running"
	DeploymentSuccess DeploymentStatus = "success"
	DeploymentFailed  DeploymentStatus = "failed"
)

// Deployment records one deployment run. FinishedAt is nil while running.
type Deployment struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	RepoURL     string           `json:"repo_url"`
	Branch      string           `json:"branch,omitempty"`
	ServiceName string           `json:"service_name"`
	Status      DeploymentStatus `json:"status"`
	URL         string           `json:"url,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
}

// Duration returns how long the deployment ran, or zero while running.
func (d *Deployment) Duration() time.Duration {
	if d.FinishedAt == nil {
		return 0
	}
	return d.FinishedAt.Sub(d.StartedAt)
}
