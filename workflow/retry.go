// ABOUTME: Retry policy configuration and exponential backoff delay calculation for pipeline node execution.
// ABOUTME: Provides preset policies (none, standard, aggressive, linear, patient) and helper functions.
package workflow

import (
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy controls how many times a node execution is retried on failure.
type RetryPolicy struct {
	MaxAttempts int // minimum 1 (1 = no retries)
	Backoff     BackoffConfig
	ShouldRetry func(error) bool
}

// BackoffConfig controls delay timing between retry attempts.
type BackoffConfig struct {
	InitialDelay time.Duration // default 200ms
	Factor       float64       // default 2.0
	MaxDelay     time.Duration // default 60s
	Jitter       bool          // default true
}

// DelayForAttempt calculates the delay for a given attempt number (0-indexed).
// The formula is: min(InitialDelay * Factor^attempt, MaxDelay).
// If Jitter is enabled, the result is scaled by a uniform random factor in
// [0.5, 1.5) before being floored at zero.
func (b BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	baseNanos := float64(b.InitialDelay.Nanoseconds()) * math.Pow(b.Factor, float64(attempt))
	maxNanos := float64(b.MaxDelay.Nanoseconds())
	delayNanos := math.Min(baseNanos, maxNanos)

	if b.Jitter {
		delayNanos *= 0.5 + rand.Float64()
	}
	if delayNanos < 0 {
		delayNanos = 0
	}

	return time.Duration(int64(delayNanos))
}

// RetryPolicyNone returns a policy with no retries (single attempt).
func RetryPolicyNone() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 1,
		Backoff: BackoffConfig{
			InitialDelay: 200 * time.Millisecond,
			Factor:       2.0,
			MaxDelay:     60 * time.Second,
			Jitter:       false,
		},
		ShouldRetry: DefaultShouldRetry,
	}
}

// RetryPolicyStandard returns a standard retry policy with 5 attempts and exponential backoff.
func RetryPolicyStandard() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff: BackoffConfig{
			InitialDelay: 200 * time.Millisecond,
			Factor:       2.0,
			MaxDelay:     60 * time.Second,
			Jitter:       true,
		},
		ShouldRetry: DefaultShouldRetry,
	}
}

// RetryPolicyAggressive returns a policy with 5 attempts and a higher initial delay.
func RetryPolicyAggressive() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Factor:       2.0,
			MaxDelay:     60 * time.Second,
			Jitter:       true,
		},
		ShouldRetry: DefaultShouldRetry,
	}
}

// RetryPolicyLinear returns a policy with 3 attempts and constant delay (factor=1.0).
func RetryPolicyLinear() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Factor:       1.0,
			MaxDelay:     60 * time.Second,
			Jitter:       false,
		},
		ShouldRetry: DefaultShouldRetry,
	}
}

// RetryPolicyPatient returns a policy with 3 attempts, high initial delay, and steep backoff.
func RetryPolicyPatient() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelay: 2000 * time.Millisecond,
			Factor:       3.0,
			MaxDelay:     60 * time.Second,
			Jitter:       true,
		},
		ShouldRetry: DefaultShouldRetry,
	}
}

// statusCoder is implemented by handler errors that expose an HTTP-like
// numeric status (e.g. a wrapped API error). Detected via type assertion in
// ClassifyRetryable; handlers are not required to implement it.
type statusCoder interface {
	StatusCode() int
}

// retryableSubstrings are matched case-insensitively against an error's message.
var retryableSubstrings = []string{
	"timeout",
	"temporar",
	"econnreset",
	"connection reset",
	"rate limit",
	"429",
}

// ClassifyRetryable decides whether a handler error is transient: a
// message-substring match, or a numeric status of 429/5xx, marks an error as
// retryable; any other 4xx is non-retryable; anything else defaults to
// non-retryable.
func ClassifyRetryable(err error) bool {
	if err == nil {
		return false
	}

	if sc, ok := err.(statusCoder); ok {
		status := sc.StatusCode()
		if status == 429 || (status >= 500 && status < 600) {
			return true
		}
		if status >= 400 && status < 500 {
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, sub := range retryableSubstrings {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// DefaultShouldRetry is the default retry predicate, delegating to ClassifyRetryable.
func DefaultShouldRetry(err error) bool {
	return ClassifyRetryable(err)
}

// buildRetryPolicy constructs a RetryPolicy from the provided default policy. MaxAttempts is
// 1 + max_retries, where max_retries comes from the node's max_retries attribute, else the
// graph's default_max_retry attribute, else 50; the default policy's MaxAttempts is not used.
// MaxAttempts is clamped to at least 1. Node retry_* attributes override the backoff settings.
func buildRetryPolicy(node *Node, graph *Graph, defaultPolicy RetryPolicy) RetryPolicy {
	policy := defaultPolicy

	maxRetries := 50
	if s := node.Attrs["max_retries"]; s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			maxRetries = n
		}
	} else if s := graph.Attrs["default_max_retry"]; s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			maxRetries = n
		}
	}
	policy.MaxAttempts = maxRetries + 1
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	if node.Attrs != nil {
		if s, ok := node.Attrs["retry_initial_delay_ms"]; ok && s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				policy.Backoff.InitialDelay = time.Duration(n) * time.Millisecond
			}
		}
		if s, ok := node.Attrs["retry_backoff_factor"]; ok && s != "" {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				policy.Backoff.Factor = f
			}
		}
		if s, ok := node.Attrs["retry_max_delay_ms"]; ok && s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				policy.Backoff.MaxDelay = time.Duration(n) * time.Millisecond
			}
		}
		if s, ok := node.Attrs["retry_jitter"]; ok && s != "" {
			policy.Backoff.Jitter = s == "true"
		}
	}

	return policy
}

// resolveNodeTimeout determines the execution timeout for a node by checking,
// in order: node "timeout" attribute, graph "default_node_timeout" attribute,
// and finally the config default. Returns 0 (no timeout) if nothing is set.
func resolveNodeTimeout(node *Node, graph *Graph, configDefault time.Duration) time.Duration {
	// Check node attribute first
	if node.Attrs != nil {
		if timeoutStr, ok := node.Attrs["timeout"]; ok && timeoutStr != "" {
			if d, err := time.ParseDuration(timeoutStr); err == nil {
				return d
			}
		}
	}

	// Check graph attribute
	if graph.Attrs != nil {
		if timeoutStr, ok := graph.Attrs["default_node_timeout"]; ok && timeoutStr != "" {
			if d, err := time.ParseDuration(timeoutStr); err == nil {
				return d
			}
		}
	}

	// Fall back to config default
	return configDefault
}

// isTerminal returns true if the node is a terminal/exit node.
// Recognized via shape=Msquare, node_type=exit, or type=exit.
func isTerminal(node *Node) bool {
	if node.Attrs == nil {
		return false
	}
	if node.Attrs["shape"] == "Msquare" {
		return true
	}
	if node.Attrs["node_type"] == "exit" || node.Attrs["type"] == "exit" {
		return true
	}
	return false
}

// checkGoalGates checks all visited nodes with goal_gate=true and verifies they have
// a success or partial success outcome. Returns (true, nil) if all gates pass,
// or (false, failedNode) if any gate has a non-success outcome.
func checkGoalGates(graph *Graph, outcomes map[string]*Outcome) (bool, *Node) {
	for _, node := range graph.Nodes {
		if node.Attrs["goal_gate"] != "true" {
			continue
		}
		outcome, visited := outcomes[node.ID]
		if !visited {
			continue
		}
		if outcome.Status != StatusSuccess && outcome.Status != StatusPartialSuccess {
			return false, node
		}
	}
	return true, nil
}

// getRetryTarget resolves the retry target node ID from the node and graph attributes.
// Checks in order: node.retry_target, node.fallback_retry_target,
// graph.retry_target, graph.fallback_retry_target.
func getRetryTarget(node *Node, graph *Graph) string {
	if node.Attrs != nil {
		if target := node.Attrs["retry_target"]; target != "" {
			return target
		}
		if target := node.Attrs["fallback_retry_target"]; target != "" {
			return target
		}
	}
	if graph.Attrs != nil {
		if target := graph.Attrs["retry_target"]; target != "" {
			return target
		}
		if target := graph.Attrs["fallback_retry_target"]; target != "" {
			return target
		}
	}
	return ""
}
