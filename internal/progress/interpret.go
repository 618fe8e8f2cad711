package progress

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ashureev/deploychat/internal/protocol"
)

// rule maps one recognizable milestone phrase to a stage update. detail
// renders submatches into a detail line and progress computes the in-stage
// percentage; either may be nil.
type rule struct {
	stage    Stage
	re       *regexp.Regexp
	detail   func(m []string) string
	progress func(m []string) int
}

func fixed(p int) func([]string) int { return func([]string) int { return p } }

// Rules are checked in three passes: completions, then facts, then starts.
// Within a pass the first match wins.
var completionRules = []rule{
	{stage: StageRepoClone, re: regexp.MustCompile(`(?i)(repository|repo)\s+cloned|cloned\s+successfully|clone\s+(complete|finished|done)`)},
	{stage: StageCodeAnalysis, re: regexp.MustCompile(`(?i)analysis\s+(complete|finished|done)|analy[sz]ed\s+successfully`)},
	{stage: StageDockerfile, re: regexp.MustCompile(`(?i)dockerfile\s+(generated|created|ready)`)},
	{stage: StageSecurityScan, re: regexp.MustCompile(`(?i)security\s+(scan|check)\s+(complete|passed|finished|done)|no\s+vulnerabilities`)},
	{stage: StageContainerBuild, re: regexp.MustCompile(`(?i)(image|container)\s+built|build\s+(succeeded|successful|complete|finished)`)},
	{stage: StageCloudDeploy, re: regexp.MustCompile(`(?i)deployed\s+successfully|deployment\s+(complete|successful|succeeded)|service\s+(is\s+)?live`)},
}

var factRules = []rule{
	{
		stage:    StageCodeAnalysis,
		re:       regexp.MustCompile(`(?i)detected\s+([\w.+#-]+)\s+(framework|application|app)`),
		detail:   func(m []string) string { return "Framework: " + m[1] },
		progress: fixed(50),
	},
	{
		stage:    StageCodeAnalysis,
		re:       regexp.MustCompile(`(?i)(\d+)\s+dependenc(y|ies)`),
		detail:   func(m []string) string { return "Dependencies: " + m[1] },
		progress: fixed(75),
	},
	{
		stage:  StageSecurityScan,
		re:     regexp.MustCompile(`(?i)(\d+)\s+(vulnerabilit(y|ies)|issues?)\s+found`),
		detail: func(m []string) string { return "Findings: " + m[1] },
	},
	{
		stage:    StageContainerBuild,
		re:       regexp.MustCompile(`(?i)step\s+(\d+)\s*/\s*(\d+)`),
		progress: stepProgress,
	},
}

var startRules = []rule{
	{stage: StageRepoClone, re: regexp.MustCompile(`(?i)clon(e|ing)\s+(the\s+)?(repository|repo)|fetching\s+repository|accessing\s+repository`)},
	{stage: StageCodeAnalysis, re: regexp.MustCompile(`(?i)scanning\s+project\s+structure|analy[sz]ing\s+(the\s+)?(project|code|codebase|repository)`)},
	{
		stage:  StageDockerfile,
		re:     regexp.MustCompile(`(?i)generating\s+(an\s+)?(optimized\s+)?dockerfile(\s+for\s+([\w.+#-]+))?`),
		detail: targetDetail,
	},
	{stage: StageSecurityScan, re: regexp.MustCompile(`(?i)(running|starting)\s+security\s+(scan|check)|scanning\s+(for\s+)?(vulnerabilit|security)`)},
	{stage: StageContainerBuild, re: regexp.MustCompile(`(?i)building\s+(the\s+)?(container|image|docker\s+image)|build\s+started`)},
	{stage: StageCloudDeploy, re: regexp.MustCompile(`(?i)deploying\s+(to\s+)?(cloud\s*run|cloud|service)|deployment\s+started`)},
}

var (
	errorPattern    = regexp.MustCompile(`(?i)\b(error|errors|failed|failure|fatal|exception|unable\s+to|could\s+not)\b|❌`)
	negatedError    = regexp.MustCompile(`(?i)\b(no|0|zero|without)\s+(errors?|failures?)\b`)
	urlPattern      = regexp.MustCompile(`https?://[^\s"'<>)]+`)
	durationPattern = regexp.MustCompile(`(?i)\bin\s+(\d+(\.\d+)?s)\b`)
)

// stageHints attribute an error line to a stage. Order matters: more
// specific words are tried first.
var stageHints = []struct {
	stage Stage
	re    *regexp.Regexp
}{
	{StageDockerfile, regexp.MustCompile(`(?i)dockerfile`)},
	{StageSecurityScan, regexp.MustCompile(`(?i)security|vulnerab`)},
	{StageCloudDeploy, regexp.MustCompile(`(?i)cloud\s*run`)},
	{StageContainerBuild, regexp.MustCompile(`(?i)\bbuild|\bimage\b`)},
	{StageRepoClone, regexp.MustCompile(`(?i)\bclon|repositor`)},
	{StageCodeAnalysis, regexp.MustCompile(`(?i)analy[sz]`)},
	{StageCloudDeploy, regexp.MustCompile(`(?i)deploy`)},
}

func stepProgress(m []string) int {
	n, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || total <= 0 {
		return -1
	}
	return clampPercent(n * 100 / total)
}

func targetDetail(m []string) string {
	if len(m) > 4 && m[4] != "" {
		return "Target: " + strings.TrimRight(m[4], ".")
	}
	return ""
}

// InterpretLine classifies one free-text status line. It returns false when
// the line does not correspond to any recognized milestone.
func InterpretLine(line string) (Update, bool) {
	text := strings.TrimSpace(line)
	if text == "" {
		return Update{}, false
	}

	if isErrorLine(text) {
		return Update{
			Stage:    hintStage(text),
			Status:   StatusError,
			Details:  []string{text},
			Progress: -1,
			Terminal: TerminalFailed,
			Error:    text,
		}, true
	}

	if u, ok := matchRules(completionRules, StatusSuccess, text); ok {
		if u.Stage == StageCloudDeploy {
			u.Terminal = TerminalSuccess
			u.URL = urlPattern.FindString(text)
		}
		if m := durationPattern.FindStringSubmatch(text); m != nil {
			u.Duration = m[1]
		}
		return u, true
	}
	if u, ok := matchRules(factRules, StatusInProgress, text); ok {
		return u, true
	}
	return matchRules(startRules, StatusInProgress, text)
}

// isErrorLine reports whether text signals a failure. Phrases such as "no
// errors" do not count, but any other failure word on the line still does.
func isErrorLine(text string) bool {
	if !errorPattern.MatchString(text) {
		return false
	}
	return errorPattern.MatchString(negatedError.ReplaceAllString(text, ""))
}

// InterpretText splits a multi-line body and interprets each line in order.
func InterpretText(text string) []Update {
	var out []Update
	for _, line := range strings.Split(text, "\n") {
		if u, ok := InterpretLine(line); ok {
			out = append(out, u)
		}
	}
	return out
}

func matchRules(rules []rule, status Status, text string) (Update, bool) {
	for _, r := range rules {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		u := Update{Stage: r.stage, Status: status, Progress: -1}
		if r.detail != nil {
			if d := r.detail(m); d != "" {
				u.Details = []string{d}
			}
		}
		if r.progress != nil {
			u.Progress = r.progress(m)
		}
		return u, true
	}
	return Update{}, false
}

func hintStage(text string) Stage {
	for _, h := range stageHints {
		if h.re.MatchString(text) {
			return h.stage
		}
	}
	return ""
}

// ParseStatus maps a backend status word to a Status.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "waiting", "pending", "queued":
		return StatusPending, true
	case "in-progress", "in_progress", "running", "started":
		return StatusInProgress, true
	case "success", "succeeded", "completed", "complete", "done":
		return StatusSuccess, true
	case "error", "failed", "failure":
		return StatusError, true
	}
	return "", false
}

// Interpret maps one inbound frame to a stage update. Structured frames are
// preferred; chat-shaped frames fall back to free-text matching of their
// first recognizable line.
func Interpret(msg protocol.Inbound) (Update, bool) {
	switch msg.Type {
	case protocol.TypeDeploymentProgress:
		return InterpretEvent(msg)
	case protocol.TypeAnalysis:
		return InterpretAnalysis(msg)
	case protocol.TypeDeploymentComplete:
		return InterpretCompletion(msg)
	case protocol.TypeError:
		if msg.DeploymentID == "" && msg.Stage == "" {
			return Update{}, false
		}
		u := Update{
			Stage:        Stage(msg.Stage),
			Status:       StatusError,
			Progress:     -1,
			DeploymentID: msg.DeploymentID,
			Terminal:     TerminalFailed,
			Error:        msg.Text(),
		}
		if !u.Stage.Valid() {
			u.Stage = hintStage(msg.Text())
		}
		if msg.Text() != "" {
			u.Details = []string{msg.Text()}
		}
		return u, true
	case protocol.TypeTyping, protocol.TypeMessage, protocol.TypeChat:
		if updates := InterpretText(msg.Text()); len(updates) > 0 {
			u := updates[0]
			u.DeploymentID = msg.DeploymentID
			return u, true
		}
	}
	return Update{}, false
}

// InterpretEvent maps a structured deployment_progress frame. Frames with an
// unknown stage or status fall back to the free-text adapter.
func InterpretEvent(msg protocol.Inbound) (Update, bool) {
	stage := Stage(msg.Stage)
	status, ok := ParseStatus(msg.Status)
	if !stage.Valid() || !ok {
		// Legacy producers put everything in the message text.
		u, ok := InterpretLine(msg.Text())
		if !ok {
			return Update{}, false
		}
		u.DeploymentID = msg.DeploymentID
		return u, true
	}

	u := Update{
		Stage:        stage,
		Status:       status,
		Progress:     -1,
		DeploymentID: msg.DeploymentID,
		URL:          msg.URL,
		Duration:     msg.Duration,
	}
	if msg.Progress != nil {
		u.Progress = clampPercent(*msg.Progress)
	}
	if text := strings.TrimSpace(msg.Text()); text != "" {
		u.Details = append(u.Details, text)
	}
	u.Details = append(u.Details, formatDetails(msg.Details)...)
	if d, ok := msg.Details["duration"].(string); ok && u.Duration == "" {
		u.Duration = d
	}
	if s, ok := msg.Details["url"].(string); ok && u.URL == "" {
		u.URL = s
	}

	switch {
	case status == StatusError:
		u.Terminal = TerminalFailed
		u.Error = msg.Text()
	case status == StatusSuccess && stage == StageCloudDeploy:
		u.Terminal = TerminalSuccess
	}
	return u, true
}

// InterpretAnalysis turns an analysis report into a completed code_analysis
// update with one detail line per known fact.
func InterpretAnalysis(msg protocol.Inbound) (Update, bool) {
	a := msg.Analysis
	if a == nil {
		return Update{}, false
	}
	var details []string
	add := func(label, value string) {
		if value != "" {
			details = append(details, label+": "+value)
		}
	}
	add("Language", a.Language)
	add("Framework", a.Framework)
	add("Entry point", a.EntryPoint)
	if a.DependenciesCount > 0 {
		add("Dependencies", strconv.Itoa(a.DependenciesCount))
	}
	add("Database", a.Database)
	if a.Port > 0 {
		add("Port", strconv.Itoa(a.Port))
	}
	for _, w := range a.Warnings {
		add("Warning", w)
	}
	return Update{
		Stage:        StageCodeAnalysis,
		Status:       StatusSuccess,
		Details:      details,
		Progress:     -1,
		DeploymentID: msg.DeploymentID,
	}, true
}

// InterpretCompletion maps a deployment_complete frame to a terminal update.
func InterpretCompletion(msg protocol.Inbound) (Update, bool) {
	status, ok := ParseStatus(msg.Status)
	if !ok {
		status = StatusSuccess
	}
	u := Update{
		Stage:        StageCloudDeploy,
		Status:       status,
		Progress:     -1,
		DeploymentID: msg.DeploymentID,
		URL:          msg.URL,
		Duration:     msg.Duration,
	}
	if status == StatusError {
		u.Terminal = TerminalFailed
		u.Error = msg.Text()
		if s := Stage(msg.Stage); s.Valid() {
			u.Stage = s
		}
	} else {
		u.Status = StatusSuccess
		u.Terminal = TerminalSuccess
	}
	if text := strings.TrimSpace(msg.Text()); text != "" {
		u.Details = []string{text}
	}
	return u, true
}

// formatDetails renders a details object as sorted "key: value" lines.
// The url and duration keys are surfaced on the update itself.
func formatDetails(details map[string]any) []string {
	if len(details) == 0 {
		return nil
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		if k == "url" || k == "duration" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s: %v", k, details[k]))
	}
	return out
}
