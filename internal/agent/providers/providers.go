// Package providers implements the planner's Provider seam for hosted
// language models: Anthropic's Messages API and OpenAI-compatible chat
// completions (which also covers local OpenAI-style endpoints).
package providers

import (
	"context"
	"strings"
	"time"

	"github.com/moonbotlabs/moonbot/internal/retry"
)

// callPolicy spaces retries of transient API failures.
var callPolicy = retry.Policy{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     8 * time.Second,
	Factor:       2.0,
	Jitter:       true,
}

// call runs op under the shared retry policy, retrying only transient
// failures.
func call[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return retry.DoValue(ctx, callPolicy, func() (T, error) {
		v, err := op()
		if err != nil && !retryable(err) {
			return v, retry.Permanent(err)
		}
		return v, err
	})
}

// retryable reports whether an API error is worth a second attempt: rate
// limits, server errors, and transport failures. Auth and validation
// failures are not.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate_limit", "rate limit", "429", "too many requests",
		"500", "502", "503", "504", "overloaded",
		"connection refused", "connection reset", "no such host",
		"i/o timeout", "eof", "timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
