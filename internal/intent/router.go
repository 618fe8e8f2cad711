// Package intent decides what a chat message asks for.
package intent

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the action a message maps to.
type Kind string

const (
	KindDeploy Kind = "deploy"
	KindStatus Kind = "status"
	KindHelp   Kind = "help"
	KindChat   Kind = "chat"
)

// Intent is the routing decision for one message. Reply is set for kinds
// that are answered directly.
type Intent struct {
	Kind    Kind
	RepoURL string
	Branch  string
	Reply   string
}

// Router classifies chat messages.
type Router interface {
	Route(text string) Intent
}

var (
	githubURL = regexp.MustCompile(`(?i)\bhttps?://(www\.)?github\.com/([\w.-]+)/([\w.-]+?)(\.git)?(/tree/([\w./-]+))?(?:[\s?#)]|$)`)
	branchArg = regexp.MustCompile(`(?i)\b(?:branch|on)\s+([\w./-]+)`)
	statusAsk = regexp.MustCompile(`(?i)\b(status|progress|how(?:'s| is) it going)\b`)
	helpAsk   = regexp.MustCompile(`(?i)^\s*(help|\?|what can you do)`)
	deployAsk = regexp.MustCompile(`(?i)\bdeploy\b`)
)

const helpText = "Paste a GitHub repository URL and I will clone it, analyze the code, " +
	"generate a Dockerfile, scan it, build the image and deploy it to Cloud Run. " +
	"Ask for \"status\" at any time to see where a deployment is."

// KeywordRouter is a rule-based Router. A GitHub URL anywhere in the text
// requests a deployment.
type KeywordRouter struct{}

var _ Router = KeywordRouter{}

// Route implements Router.
func (KeywordRouter) Route(text string) Intent {
	if m := githubURL.FindStringSubmatch(text); m != nil {
		repo := fmt.Sprintf("https://github.com/%s/%s", m[2], m[3])
		branch := m[6]
		if branch == "" {
			if b := branchArg.FindStringSubmatch(text); b != nil {
				branch = b[1]
			}
		}
		return Intent{Kind: KindDeploy, RepoURL: repo, Branch: strings.TrimSuffix(branch, "/")}
	}
	switch {
	case helpAsk.MatchString(text):
		return Intent{Kind: KindHelp, Reply: helpText}
	case statusAsk.MatchString(text):
		return Intent{Kind: KindStatus}
	case deployAsk.MatchString(text):
		return Intent{Kind: KindChat, Reply: "Sure. Which repository? Paste its GitHub URL."}
	}
	return Intent{Kind: KindChat, Reply: "I can deploy GitHub repositories to Cloud Run. Paste a repository URL to start, or type \"help\"."}
}
