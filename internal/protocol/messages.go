// Package protocol defines the JSON frames exchanged over the chat channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Outbound (client -> server) frame types.
const (
	TypeInit   = "init"
	TypeChat   = "chat"
	TypePing   = "ping"
	TypeDeploy = "deploy"
)

// Inbound (server -> client) frame types.
const (
	TypeConnected          = "connected"
	TypeTyping             = "typing"
	TypeMessage            = "message"
	TypeAnalysis           = "analysis"
	TypeDeploymentProgress = "deployment_progress"
	TypeDeploymentComplete = "deployment_complete"
	TypeError              = "error"
	TypePong               = "pong"
)

// APIKeyParam is the query parameter carrying the API key on the channel URL.
const APIKeyParam = "api_key"

// ErrMissingType is returned when a frame has no type discriminator.
var ErrMissingType = errors.New("frame has no type")

// Outbound is a frame sent by the client. Type selects which fields are meaningful.
type Outbound struct {
	Type        string            `json:"type"`
	SessionID   string            `json:"session_id,omitempty"`
	InstanceID  string            `json:"instance_id,omitempty"`
	IsReconnect bool              `json:"is_reconnect,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Content     string            `json:"content,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	RepoURL     string            `json:"repo_url,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
}

// Attachment is a file or snippet attached to a chat message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        string `json:"data,omitempty"`
}

// Inbound is a frame received from the server.
type Inbound struct {
	Type         string         `json:"type"`
	SessionID    string         `json:"session_id,omitempty"`
	Content      string         `json:"content,omitempty"`
	Message      string         `json:"message,omitempty"`
	Code         string         `json:"code,omitempty"`
	DeploymentID string         `json:"deployment_id,omitempty"`
	Stage        string         `json:"stage,omitempty"`
	Status       string         `json:"status,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Progress     *int           `json:"progress,omitempty"`
	URL          string         `json:"url,omitempty"`
	Duration     string         `json:"duration,omitempty"`
	Analysis     *Analysis      `json:"analysis,omitempty"`
	Timestamp    string         `json:"timestamp,omitempty"`
}

// Analysis is the result of the code analysis step.
type Analysis struct {
	Language          string   `json:"language,omitempty"`
	Framework         string   `json:"framework,omitempty"`
	EntryPoint        string   `json:"entry_point,omitempty"`
	DependenciesCount int      `json:"dependencies_count,omitempty"`
	Database          string   `json:"database,omitempty"`
	Port              int      `json:"port,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
}

// Text returns the human-readable body of the frame, preferring Content.
func (m Inbound) Text() string {
	if m.Content != "" {
		return m.Content
	}
	return m.Message
}

// IsChat reports whether the frame is a conversational reply.
func (m Inbound) IsChat() bool {
	return m.Type == TypeMessage || m.Type == TypeChat
}

// NewPing builds a heartbeat frame stamped with the given time.
func NewPing(now time.Time) Outbound {
	return Outbound{Type: TypePing, Timestamp: now.UnixMilli()}
}

// Encode serializes an outbound frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// DecodeInbound parses a server frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return Inbound{}, ErrMissingType
	}
	return msg, nil
}

// DecodeOutbound parses a client frame. Used by the gateway.
func DecodeOutbound(data []byte) (Outbound, error) {
	var msg Outbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Outbound{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return Outbound{}, ErrMissingType
	}
	return msg, nil
}
