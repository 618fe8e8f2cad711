// Package progress turns backend status output into structured stage updates.
// It is pure: no I/O, no timers, and it never panics on unknown input.
package progress

// Stage identifies one phase of the deployment pipeline.
type Stage string

const (
	StageRepoClone      Stage = "repo_clone"
	StageCodeAnalysis   Stage = "code_analysis"
	StageDockerfile     Stage = "dockerfile_generation"
	StageSecurityScan   Stage = "security_scan"
	StageContainerBuild Stage = "container_build"
	StageCloudDeploy    Stage = "cloud_deployment"
)

// Stages is the fixed pipeline order.
var Stages = []Stage{
	StageRepoClone,
	StageCodeAnalysis,
	StageDockerfile,
	StageSecurityScan,
	StageContainerBuild,
	StageCloudDeploy,
}

// weights are the progress contributions of each stage; they sum to 100.
var weights = map[Stage]int{
	StageRepoClone:      10,
	StageCodeAnalysis:   20,
	StageDockerfile:     15,
	StageSecurityScan:   10,
	StageContainerBuild: 25,
	StageCloudDeploy:    20,
}

var labels = map[Stage]string{
	StageRepoClone:      "Repository access",
	StageCodeAnalysis:   "Code analysis",
	StageDockerfile:     "Dockerfile generation",
	StageSecurityScan:   "Security scan",
	StageContainerBuild: "Container build",
	StageCloudDeploy:    "Cloud deployment",
}

// Weight returns the stage's contribution to the overall percentage.
func (s Stage) Weight() int { return weights[s] }

// Label returns a human-readable stage name.
func (s Stage) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

// Index returns the stage's position in the pipeline, or -1 if unknown.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the pipeline stages.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// Status is a stage's state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// Rank orders non-error statuses so they can only move forward.
func (s Status) Rank() int {
	switch s {
	case StatusInProgress:
		return 1
	case StatusSuccess:
		return 2
	default:
		return 0
	}
}

// Terminal marks an update that ends the whole deployment.
type Terminal string

const (
	TerminalNone    Terminal = ""
	TerminalSuccess Terminal = "success"
	TerminalFailed  Terminal = "failed"
)

// Update describes what one backend event changed.
//
// Stage may be empty only for error updates whose stage could not be
// identified; the aggregator attributes those to the active stage. Progress
// is the in-stage completion percentage (0-100), or -1 when unknown.
type Update struct {
	Stage        Stage
	Status       Status
	Details      []string
	Progress     int
	DeploymentID string
	URL          string
	Duration     string
	Terminal     Terminal
	Error        string
}

// Contribution returns the overall-percentage points this update accounts for.
func (u Update) Contribution() int {
	w := u.Stage.Weight()
	switch u.Status {
	case StatusSuccess:
		return w
	case StatusInProgress:
		if u.Progress > 0 {
			return w * clampPercent(u.Progress) / 100
		}
	}
	return 0
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
