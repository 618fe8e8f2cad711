// Package verify probes a freshly deployed service before it is reported live.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrUnhealthy is returned when every probe attempt got an unacceptable answer.
var ErrUnhealthy = errors.New("service did not become healthy")

// StatusSet is a set of acceptable HTTP status codes.
type StatusSet struct {
	ranges [][2]int
}

// DefaultStatusSet accepts any 2xx or 3xx answer.
func DefaultStatusSet() StatusSet {
	return StatusSet{ranges: [][2]int{{200, 399}}}
}

// ParseStatusSet parses a comma separated list of codes and inclusive
// ranges, e.g. "200-399,401,403".
func ParseStatusSet(codes string) (StatusSet, error) {
	var set StatusSet
	for _, part := range strings.Split(codes, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := parseCode(lo)
		if err != nil {
			return StatusSet{}, err
		}
		to := from
		if isRange {
			if to, err = parseCode(hi); err != nil {
				return StatusSet{}, err
			}
		}
		if to < from {
			return StatusSet{}, fmt.Errorf("invalid status range %q", part)
		}
		set.ranges = append(set.ranges, [2]int{from, to})
	}
	if len(set.ranges) == 0 {
		return StatusSet{}, errors.New("empty status set")
	}
	return set, nil
}

func parseCode(s string) (int, error) {
	code, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || code < 100 || code > 599 {
		return 0, fmt.Errorf("invalid status code %q", s)
	}
	return code, nil
}

// Contains reports whether code is acceptable.
func (s StatusSet) Contains(code int) bool {
	for _, r := range s.ranges {
		if code >= r[0] && code <= r[1] {
			return true
		}
	}
	return false
}

func (s StatusSet) String() string {
	parts := make([]string, 0, len(s.ranges))
	for _, r := range s.ranges {
		if r[0] == r[1] {
			parts = append(parts, strconv.Itoa(r[0]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r[0], r[1]))
		}
	}
	return strings.Join(parts, ",")
}

// Result describes the last probe.
type Result struct {
	URL        string
	StatusCode int
	Healthy    bool
	Attempts   int
	Latency    time.Duration
}

// Checker probes a URL until it answers with an acceptable status.
type Checker struct {
	Client   *http.Client
	Healthy  StatusSet
	Attempts int
	Interval time.Duration
	Logger   *slog.Logger
}

// NewChecker returns a checker with per-request timeout.
func NewChecker(healthy StatusSet, timeout time.Duration, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		Client:   &http.Client{Timeout: timeout},
		Healthy:  healthy,
		Attempts: 3,
		Interval: 2 * time.Second,
		Logger:   logger,
	}
}

// Check probes url. New services often answer slowly on their first
// request, so failures are retried up to Attempts times.
func (c *Checker) Check(ctx context.Context, url string) (Result, error) {
	res := Result{URL: url}
	attempts := max(c.Attempts, 1)
	var lastErr error

	for i := 1; i <= attempts; i++ {
		res.Attempts = i
		start := time.Now()
		code, err := c.probe(ctx, url)
		res.Latency = time.Since(start)
		res.StatusCode = code
		if err == nil && c.Healthy.Contains(code) {
			res.Healthy = true
			return res, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("status %d not in %s", code, c.Healthy)
		}
		c.Logger.Debug("Health probe failed", "url", url, "attempt", i, "error", lastErr)

		if i < attempts {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(c.Interval):
			}
		}
	}
	return res, fmt.Errorf("%w: %v", ErrUnhealthy, lastErr)
}

func (c *Checker) probe(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.Logger.Debug("Failed to close probe body", "error", closeErr)
		}
	}()
	return resp.StatusCode, nil
}
