// Package engine talks to the build-and-deploy engine that produces the
// progress events relayed to chat clients.
package engine

import (
	"context"
	"errors"
	"iter"
)

// ErrEngineUnavailable is returned when the engine cannot be reached.
var ErrEngineUnavailable = errors.New("deployment engine unavailable")

// Request asks the engine to deploy one repository.
type Request struct {
	DeploymentID string `json:"deployment_id"`
	SessionID    string `json:"session_id"`
	RepoURL      string `json:"repo_url"`
	Branch       string `json:"branch,omitempty"`
	ServiceName  string `json:"service_name,omitempty"`
}

// Event is one progress report. Events without a Stage are free-text log
// lines; clients run them through their line interpreter.
type Event struct {
	Stage    string         `json:"stage,omitempty"`
	Status   string         `json:"status,omitempty"`
	Message  string         `json:"message,omitempty"`
	Progress *int           `json:"progress,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	URL      string         `json:"url,omitempty"`
}

// IsLog reports whether the event is a free-text line.
func (e *Event) IsLog() bool { return e.Stage == "" }

// Engine runs deployments. Deploy streams events until the run ends; a
// failed stage is reported as an event with status "error", while transport
// problems surface as the iterator's error.
type Engine interface {
	Deploy(ctx context.Context, req Request) iter.Seq2[*Event, error]
	Health(ctx context.Context) error
	Close()
}
