// Package backoff computes retry delays for failed jobs.
package backoff

import "time"

const (
	base     = 5 * time.Second
	maxDelay = 900 * time.Second
)

// Delay returns min(5s * 2^clamp(attempt,1,10), 900s). There is no jitter so
// retries of a given attempt are reproducible.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	d := base << attempt
	if d > maxDelay {
		return maxDelay
	}
	return d
}
