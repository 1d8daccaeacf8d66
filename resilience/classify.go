// Package resilience provides error classification, bounded backoff, retry,
// graceful degradation and partial-success combinators shared by the AI
// client, the agent loop and the job executor.
package resilience

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/aws/smithy-go"
)

// Category labels the failure mode detected by Classify.
type Category string

const (
	// CategoryTransient is the default for unrecognized failures.
	CategoryTransient Category = "transient"
	// CategoryRateLimit marks provider throttling.
	CategoryRateLimit Category = "rate_limit"
	// CategoryTimeout marks deadline and slow-dependency failures.
	CategoryTimeout Category = "timeout"
	// CategoryNetwork marks connection-level failures.
	CategoryNetwork Category = "network"
	// CategoryAuth marks authentication and authorization failures.
	CategoryAuth Category = "auth"
	// CategoryValidation marks malformed-input failures.
	CategoryValidation Category = "validation"
	// CategoryResource marks quota and capacity exhaustion.
	CategoryResource Category = "resource_exhausted"
)

// Classification describes how a failure should be handled.
type Classification struct {
	// Category labels the failure mode.
	Category Category
	// Retryable reports whether repeating the operation may succeed.
	Retryable bool
	// ShouldDegrade reports whether a fallback path is worth trying.
	ShouldDegrade bool
	// BackoffMultiplier scales the base delay between attempts.
	BackoffMultiplier float64
	// MaxRetries caps attempts for this category.
	MaxRetries int
}

type pattern struct {
	substrings []string
	class      Classification
}

// Substring patterns are matched against the lowercased error text in order;
// the first match wins.
var patterns = []pattern{
	{
		substrings: []string{"rate limit", "too many requests", "429", "throttl"},
		class:      Classification{Category: CategoryRateLimit, Retryable: true, ShouldDegrade: false, BackoffMultiplier: 3.0, MaxRetries: 5},
	},
	{
		substrings: []string{"timeout", "timed out", "deadline exceeded", "context deadline"},
		class:      Classification{Category: CategoryTimeout, Retryable: true, ShouldDegrade: true, BackoffMultiplier: 2.0, MaxRetries: 3},
	},
	{
		substrings: []string{"connection refused", "connection reset", "no such host", "network", "broken pipe", "eof"},
		class:      Classification{Category: CategoryNetwork, Retryable: true, ShouldDegrade: true, BackoffMultiplier: 2.0, MaxRetries: 4},
	},
	{
		substrings: []string{"unauthorized", "forbidden", "invalid api key", "access denied", "401", "403", "authentication"},
		class:      Classification{Category: CategoryAuth, Retryable: false, ShouldDegrade: false, BackoffMultiplier: 1.0, MaxRetries: 1},
	},
	{
		substrings: []string{"validation", "invalid input", "malformed", "schema", "bad request", "400"},
		class:      Classification{Category: CategoryValidation, Retryable: false, ShouldDegrade: false, BackoffMultiplier: 1.0, MaxRetries: 1},
	},
	{
		substrings: []string{"quota", "insufficient", "capacity", "resource exhausted", "overloaded", "out of memory"},
		class:      Classification{Category: CategoryResource, Retryable: true, ShouldDegrade: true, BackoffMultiplier: 4.0, MaxRetries: 2},
	},
}

var defaultClassification = Classification{
	Category:          CategoryTransient,
	Retryable:         true,
	ShouldDegrade:     false,
	BackoffMultiplier: 2.0,
	MaxRetries:        3,
}

// Classify inspects an error and returns handling guidance. Typed errors
// (context, net, smithy API errors) are checked before substring matching.
func Classify(err error) Classification {
	if err == nil {
		return defaultClassification
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Category: CategoryTimeout, Retryable: false, BackoffMultiplier: 1.0, MaxRetries: 1}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return patterns[1].class
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return patterns[1].class
		}
		return patterns[2].class
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ProvisionedThroughputExceededException", "TooManyRequestsException":
			return patterns[0].class
		case "AccessDeniedException", "UnrecognizedClientException":
			return patterns[3].class
		case "ValidationException":
			return patterns[4].class
		}
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		for _, sub := range p.substrings {
			if strings.Contains(msg, sub) {
				return p.class
			}
		}
	}
	return defaultClassification
}
