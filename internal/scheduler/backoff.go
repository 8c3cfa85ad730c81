package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// MaxRetries is the number of consecutive failures that are retried.
	// The failure after that stops the source.
	MaxRetries = 5

	baseRetryDelay = 60 * time.Second
	maxRetryDelay  = 16 * time.Minute

	// DefaultFetchInterval applies when a source sets no interval.
	DefaultFetchInterval = 60 * time.Second
)

// newRetryBackoff returns the per-source retry policy:
// 60s, 120s, 240s, ... capped at 16 minutes, without jitter.
func newRetryBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseRetryDelay
	bo.MaxInterval = maxRetryDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}
