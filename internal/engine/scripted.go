package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"iter"
	"log/slog"
	"strings"
	"time"
)

// Scripted replays a fixed pipeline with realistic milestone messages. It
// backs local runs when no engine address is configured.
//
// Delay is the pause between events. FailAt names a stage that fails; empty
// means the run succeeds. Region only shapes the reported service URL.
type Scripted struct {
	Delay     time.Duration
	Framework string
	FailAt    string
	Region    string
	Logger    *slog.Logger
}

var _ Engine = (*Scripted)(nil)

// NewScripted returns a scripted engine with the given pacing.
func NewScripted(delay time.Duration, logger *slog.Logger) *Scripted {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scripted{Delay: delay, Framework: "Flask", Region: "us-central1", Logger: logger}
}

// Health always succeeds.
func (s *Scripted) Health(context.Context) error { return nil }

// Close is a no-op.
func (s *Scripted) Close() {}

// Deploy emits the scripted event sequence, pausing Delay between events.
func (s *Scripted) Deploy(ctx context.Context, req Request) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		logger := s.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Info("Scripted deployment started", "deployment_id", req.DeploymentID, "repo_url", req.RepoURL, "fail_at", s.FailAt)
		for _, ev := range s.script(req) {
			if s.Delay > 0 {
				select {
				case <-ctx.Done():
					yield(nil, ctx.Err())
					return
				case <-time.After(s.Delay):
				}
			} else if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(ev, nil) {
				return
			}
			if ev.Status == "error" {
				return
			}
		}
	}
}

func (s *Scripted) script(req Request) []*Event {
	service := req.ServiceName
	if service == "" {
		service = ServiceNameFromRepo(req.RepoURL)
	}
	branch := req.Branch
	if branch == "" {
		branch = "main"
	}
	framework := s.Framework
	if framework == "" {
		framework = "application"
	}
	url := serviceURL(service, s.Region)

	half := 50
	// Analysis and Dockerfile steps speak in free text, the way the analysis
	// service reports them; the rest are structured.
	steps := []struct {
		stage string
		ev    *Event
	}{
		{"repo_clone", &Event{Stage: "repo_clone", Status: "in-progress", Message: "Cloning repository " + req.RepoURL}},
		{"repo_clone", &Event{Stage: "repo_clone", Status: "success", Message: "Repository cloned", Details: map[string]any{"branch": branch, "duration": "1.2s"}}},
		{"code_analysis", &Event{Message: "🔍 Scanning project structure..."}},
		{"code_analysis", &Event{Message: fmt.Sprintf("📦 Detected %s framework...", framework)}},
		{"code_analysis", &Event{Stage: "code_analysis", Status: "success", Message: "Analysis complete", Details: map[string]any{"framework": framework}}},
		{"dockerfile_generation", &Event{Message: fmt.Sprintf("🐳 Generating optimized Dockerfile for %s...", framework)}},
		{"dockerfile_generation", &Event{Message: "✅ Dockerfile generated successfully!"}},
		{"security_scan", &Event{Stage: "security_scan", Status: "in-progress", Message: "Running security scan"}},
		{"security_scan", &Event{Stage: "security_scan", Status: "success", Message: "No vulnerabilities found"}},
		{"container_build", &Event{Stage: "container_build", Status: "in-progress", Message: "Building container image"}},
		{"container_build", &Event{Stage: "container_build", Status: "in-progress", Message: "Step 6/12", Progress: &half}},
		{"container_build", &Event{Stage: "container_build", Status: "success", Message: "Image built", Details: map[string]any{"duration": "41.0s"}}},
		{"cloud_deployment", &Event{Stage: "cloud_deployment", Status: "in-progress", Message: "Deploying to Cloud Run"}},
		{"cloud_deployment", &Event{Stage: "cloud_deployment", Status: "success", Message: "Service is live", URL: url, Details: map[string]any{"region": s.Region}}},
	}

	out := make([]*Event, 0, len(steps))
	for _, st := range steps {
		if st.stage == s.FailAt {
			msg := strings.ReplaceAll(s.FailAt, "_", " ") + " failed"
			return append(out, &Event{Stage: s.FailAt, Status: "error", Message: msg})
		}
		out = append(out, st.ev)
	}
	return out
}

func serviceURL(service, region string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(service + region))
	return fmt.Sprintf("https://%s-%08x.a.run.app", service, h.Sum32())
}
