package transport

import (
	"math"
	"time"
)

// Backoff returns the delay before reconnect attempt n (1-based):
// min(MaxDelay, InitialDelay * Multiplier^(n-1)), rounded to the millisecond.
func Backoff(attempt int, cfg BackoffConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := float64(cfg.InitialDelay.Milliseconds()) * math.Pow(cfg.Multiplier, float64(attempt-1))
	maxMs := float64(cfg.MaxDelay.Milliseconds())
	if ms > maxMs || math.IsInf(ms, 1) {
		ms = maxMs
	}
	return time.Duration(math.Round(ms)) * time.Millisecond
}
