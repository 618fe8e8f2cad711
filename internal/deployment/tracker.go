// Package deployment folds interpreted stage updates into a single view of
// the current deployment.
package deployment

import (
	"slices"
	"sync"
	"time"

	"github.com/ashureev/deploychat/internal/progress"
)

// Status is the overall state of a deployment.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the deployment has finished.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

// StageState is one entry of the fixed stage list.
type StageState struct {
	Stage       progress.Stage
	Label       string
	Status      progress.Status
	Details     []string
	Progress    int
	Duration    string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Progress is a point-in-time copy of the aggregate. Current is the furthest
// stage reached and is empty before any update.
type Progress struct {
	DeploymentID string
	Status       Status
	Stages       []StageState
	Current      progress.Stage
	Percent      int
	URL          string
	Duration     string
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Stage returns the state of s, or false if s is not in the list.
func (p Progress) Stage(s progress.Stage) (StageState, bool) {
	for _, st := range p.Stages {
		if st.Stage == s {
			return st, true
		}
	}
	return StageState{}, false
}

// Elapsed is the wall time since start, frozen once the deployment finishes.
func (p Progress) Elapsed(now time.Time) time.Duration {
	if p.StartedAt.IsZero() {
		return 0
	}
	if !p.FinishedAt.IsZero() {
		return p.FinishedAt.Sub(p.StartedAt)
	}
	return now.Sub(p.StartedAt)
}

// Tracker is the session state aggregator. It is safe for concurrent use.
type Tracker struct {
	mu  sync.Mutex
	now func() time.Time
	p   Progress
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns an idle tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	t.p = emptyProgress()
	return t
}

func emptyProgress() Progress {
	stages := make([]StageState, len(progress.Stages))
	for i, s := range progress.Stages {
		stages[i] = StageState{Stage: s, Label: s.Label(), Status: progress.StatusPending}
	}
	return Progress{Status: StatusIdle, Stages: stages}
}

// Start discards any previous deployment and begins a new one.
func (t *Tracker) Start(deploymentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked(deploymentID)
}

func (t *Tracker) startLocked(deploymentID string) {
	t.p = emptyProgress()
	t.p.DeploymentID = deploymentID
	t.p.Status = StatusRunning
	t.p.StartedAt = t.now()
}

// Reset clears the aggregate back to idle.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p = emptyProgress()
}

// Active reports whether a deployment is running.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p.Status == StatusRunning
}

// Snapshot returns a deep copy of the aggregate.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.p
	out.Stages = make([]StageState, len(t.p.Stages))
	for i, st := range t.p.Stages {
		st.Details = slices.Clone(st.Details)
		out.Stages[i] = st
	}
	return out
}

// Apply merges one update and reports whether anything changed.
//
// An update carrying a different deployment id starts a new deployment.
// While idle, any non-error update starts one implicitly. Updates for
// unknown stages, and every update after a terminal state, are dropped.
func (t *Tracker) Apply(u progress.Update) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	if u.DeploymentID != "" && t.p.DeploymentID != "" && u.DeploymentID != t.p.DeploymentID {
		t.startLocked(u.DeploymentID)
		changed = true
	}
	if t.p.Status.Terminal() {
		return changed
	}
	if t.p.Status == StatusIdle {
		if u.Status == progress.StatusError {
			return changed
		}
		t.startLocked(u.DeploymentID)
		changed = true
	}
	if t.p.DeploymentID == "" && u.DeploymentID != "" {
		t.p.DeploymentID = u.DeploymentID
		changed = true
	}

	stage := u.Stage
	if stage == "" && u.Status == progress.StatusError {
		stage = t.p.Current
		if stage == "" {
			stage = progress.Stages[0]
		}
	}
	idx := stage.Index()
	if idx < 0 {
		return changed
	}
	// A finished stage never fails afterwards; the error belongs to the
	// stage still open.
	if u.Status == progress.StatusError && t.p.Stages[idx].Status == progress.StatusSuccess {
		if open := t.openStageLocked(); open >= 0 {
			idx, stage = open, progress.Stages[open]
		}
	}
	st := &t.p.Stages[idx]

	if u.Status == progress.StatusSuccess && st.Status == progress.StatusSuccess {
		return changed
	}

	now := t.now()
	switch u.Status {
	case progress.StatusError:
		if st.Status != progress.StatusError && st.Status != progress.StatusSuccess {
			st.Status = progress.StatusError
			changed = true
		}
		if msg := firstNonEmpty(u.Error, firstDetail(u.Details)); msg != "" && t.p.Error != msg {
			t.p.Error = msg
			changed = true
		}
	case progress.StatusInProgress, progress.StatusSuccess:
		if st.Status != progress.StatusError && u.Status.Rank() > st.Status.Rank() {
			st.Status = u.Status
			changed = true
		}
	}

	if st.Status != progress.StatusPending && st.StartedAt.IsZero() {
		st.StartedAt = now
	}
	switch {
	case st.Status == progress.StatusSuccess:
		if st.Progress != 100 {
			st.Progress = 100
			st.CompletedAt = now
			changed = true
		}
	case u.Progress > st.Progress:
		st.Progress = u.Progress
		changed = true
	}
	if u.Duration != "" && st.Duration != u.Duration {
		st.Duration = u.Duration
		changed = true
	}
	for _, d := range u.Details {
		if d != "" && !slices.Contains(st.Details, d) {
			st.Details = append(st.Details, d)
			changed = true
		}
	}

	// Reaching a stage implies every earlier stage finished.
	if st.Status != progress.StatusPending {
		for i := 0; i < idx; i++ {
			prev := &t.p.Stages[i]
			if prev.Status == progress.StatusPending || prev.Status == progress.StatusInProgress {
				prev.Status = progress.StatusSuccess
				prev.Progress = 100
				if prev.StartedAt.IsZero() {
					prev.StartedAt = now
				}
				prev.CompletedAt = now
				changed = true
			}
		}
		if idx > t.p.Current.Index() {
			t.p.Current = stage
			changed = true
		}
	}

	if u.URL != "" && t.p.URL != u.URL {
		t.p.URL = u.URL
		changed = true
	}

	switch u.Terminal {
	case progress.TerminalSuccess:
		t.finishLocked(StatusSuccess, now)
		if u.Duration != "" {
			t.p.Duration = u.Duration
		}
		return true
	case progress.TerminalFailed:
		t.finishLocked(StatusFailed, now)
		return true
	}

	if pct := t.percentLocked(); pct > t.p.Percent {
		t.p.Percent = pct
		changed = true
	}
	return changed
}

// openStageLocked returns the index of the current stage when it has not
// succeeded, else the first stage that has not, or -1.
func (t *Tracker) openStageLocked() int {
	if i := t.p.Current.Index(); i >= 0 && t.p.Stages[i].Status != progress.StatusSuccess {
		return i
	}
	for i, st := range t.p.Stages {
		if st.Status != progress.StatusSuccess {
			return i
		}
	}
	return -1
}

func (t *Tracker) finishLocked(status Status, now time.Time) {
	t.p.Status = status
	t.p.FinishedAt = now
	if status == StatusSuccess {
		for i := range t.p.Stages {
			st := &t.p.Stages[i]
			if st.Status != progress.StatusSuccess {
				st.Status = progress.StatusSuccess
				st.Progress = 100
				st.CompletedAt = now
			}
		}
		t.p.Current = progress.Stages[len(progress.Stages)-1]
		t.p.Percent = 100
		return
	}
	if pct := t.percentLocked(); pct > t.p.Percent {
		t.p.Percent = pct
	}
}

// percentLocked sums completed stages plus partial credit for started ones.
func (t *Tracker) percentLocked() int {
	total := 0
	for _, st := range t.p.Stages {
		switch st.Status {
		case progress.StatusSuccess:
			total += st.Stage.Weight()
		case progress.StatusInProgress, progress.StatusError:
			if st.Progress > 0 {
				total += st.Stage.Weight() * st.Progress / 100
			}
		}
	}
	if total > 100 {
		total = 100
	}
	return total
}

func firstDetail(details []string) string {
	if len(details) == 0 {
		return ""
	}
	return details[0]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
