package engine

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// MaxServiceNameLen is the longest service name Cloud Run accepts.
const MaxServiceNameLen = 63

// ErrInvalidServiceName is returned by ValidateServiceName.
var ErrInvalidServiceName = errors.New("invalid service name")

var serviceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)

// ValidateServiceName checks name against the Cloud Run naming rules:
// lowercase letters, digits and single hyphens, starting with a letter and
// ending with a letter or digit, at most 63 characters.
func ValidateServiceName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidServiceName)
	case len(name) > MaxServiceNameLen:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidServiceName, MaxServiceNameLen)
	case name[0] < 'a' || name[0] > 'z':
		return fmt.Errorf("%w: must start with a lowercase letter", ErrInvalidServiceName)
	case !serviceNamePattern.MatchString(name):
		return fmt.Errorf("%w: only lowercase letters, digits and hyphens, ending in a letter or digit", ErrInvalidServiceName)
	case strings.Contains(name, "--"):
		return fmt.Errorf("%w: consecutive hyphens", ErrInvalidServiceName)
	}
	return nil
}

// ServiceNameFromRepo derives a valid service name from a repository URL.
func ServiceNameFromRepo(repoURL string) string {
	base := path.Base(strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(repoURL), "/"), ".git"))
	var b strings.Builder
	for _, r := range strings.ToLower(base) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			if s := b.String(); s != "" && !strings.HasSuffix(s, "-") {
				b.WriteByte('-')
			}
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		return "app"
	}
	if name[0] < 'a' || name[0] > 'z' || len(name) < 2 {
		name = "app-" + name
	}
	if len(name) > MaxServiceNameLen {
		name = strings.TrimRight(name[:MaxServiceNameLen], "-")
	}
	return name
}
