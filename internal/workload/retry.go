// Copyright 2025 The svidwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workload

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RetryConfig configures retry behavior for the initial Workload API fetch.
type RetryConfig struct {
	// MaxAttempts is the maximum number of fetch attempts (default: 10)
	MaxAttempts int

	// InitialBackoff is the initial backoff duration (default: 1s)
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration (default: 16s)
	MaxBackoff time.Duration

	// BackoffFactor is the exponential backoff multiplier (default: 2.0)
	BackoffFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     16 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Validate checks if the retry configuration is valid.
func (c *RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.InitialBackoff < 0 {
		return fmt.Errorf("initial_backoff must be non-negative, got %v", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max_backoff (%v) must be >= initial_backoff (%v)", c.MaxBackoff, c.InitialBackoff)
	}
	if c.BackoffFactor < 1.0 {
		return fmt.Errorf("backoff_factor must be >= 1.0, got %f", c.BackoffFactor)
	}
	return nil
}

// retryableSignatures are lowercase substrings of error text that mean the
// agent endpoint is not ready yet rather than permanently broken: the
// socket doesn't exist, nobody is listening on it, or this workload has
// not been attested yet. Both the gRPC status spelling and the dial error
// spelling are covered.
var retryableSignatures = []string{
	"permissiondenied",
	"permission denied",
	"connectionrefused",
	"connection refused",
	"notfound",
	"not found",
	"no such file",
}

// IsRetryable reports whether a fetch error is worth retrying.
// Anything not matching a known transient signature aborts immediately: a
// malformed address or an unexpected server error won't fix itself by
// waiting.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range retryableSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Execute runs the given function with retry logic.
//
// Retry behavior:
// - Retries only errors IsRetryable classifies as transient
// - Aborts immediately on any other error
// - Stops immediately on context cancellation
func Execute(ctx context.Context, config *RetryConfig, fn func(context.Context) error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = fn(ctx)

		// Success - return immediately
		if lastErr == nil {
			return nil
		}

		if !IsRetryable(lastErr) {
			return fmt.Errorf("non-retryable error on attempt %d: %w", attempt, lastErr)
		}

		// Don't sleep after the last attempt
		if attempt >= config.MaxAttempts {
			break
		}

		// Sleep for the backoff duration (interruptible by context)
		select {
		case <-time.After(calculateBackoff(config, attempt)):
			// Continue to next attempt
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// All retries exhausted
	return fmt.Errorf("all %d attempts failed: %w", config.MaxAttempts, lastErr)
}

// calculateBackoff calculates the backoff delay after a failed attempt.
//
// Formula: delay = min(InitialBackoff * (BackoffFactor ^ (attempt - 1)), MaxBackoff)
func calculateBackoff(config *RetryConfig, attempt int) time.Duration {
	baseDelay := float64(config.InitialBackoff) * pow(config.BackoffFactor, attempt-1)

	// Cap at MaxBackoff
	if baseDelay > float64(config.MaxBackoff) {
		baseDelay = float64(config.MaxBackoff)
	}

	return time.Duration(baseDelay)
}

// pow calculates base^exp for integer exponents.
// Used for exponential backoff calculation.
func pow(base float64, exp int) float64 {
	if exp == 0 {
		return 1.0
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
