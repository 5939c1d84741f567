package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

// ErrorClass buckets a node failure for the retry pipeline.
type ErrorClass string

const (
	// ClassTransient covers I/O hiccups and timeouts; retried with backoff.
	ClassTransient ErrorClass = "transient"
	// ClassRateLimited is a provider rate limit; retried with backoff.
	ClassRateLimited ErrorClass = "rate_limited"
	// ClassLogic means the LLM produced invalid output; gets one adaptive
	// retry with the error fed back into the prompt.
	ClassLogic ErrorClass = "logic"
	// ClassUserRejected is an approval denial; never retried.
	ClassUserRejected ErrorClass = "user_rejected"
	// ClassFatal is a programmer error or invariant violation; never retried.
	ClassFatal ErrorClass = "fatal"
)

// ErrUserRejected marks a node failed by an approval denial.
var ErrUserRejected = errors.New("rejected by user")

// LogicError wraps a failure caused by invalid LLM output, e.g. an
// unparseable plan. The scheduler grants it one adaptive retry.
type LogicError struct {
	Reason string
}

func (e *LogicError) Error() string { return "logic error: " + e.Reason }

// Classifier maps a node failure to its error class.
type Classifier func(err error) ErrorClass

// DefaultClassifier implements the standard propagation policy. Unknown
// errors are fatal: retrying a failure we cannot explain hides bugs.
func DefaultClassifier(err error) ErrorClass {
	var logicErr *LogicError
	switch {
	case errors.Is(err, ErrUserRejected):
		return ClassUserRejected
	case errors.Is(err, llm.ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, store.ErrStoreUnavailable):
		return ClassTransient
	case errors.As(err, &logicErr):
		return ClassLogic
	default:
		return ClassFatal
	}
}

// Retryable reports whether the class enters the backoff retry pipeline.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient || c == ClassRateLimited
}

// RetryPolicy bounds retries for one node type.
type RetryPolicy struct {
	// MaxAttempts is the total execution budget, first try included.
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

// Delay returns the backoff before re-running after the given failure count.
func (p RetryPolicy) Delay(failures int) time.Duration {
	d := p.BackoffInitial
	for i := 1; i < failures; i++ {
		d = time.Duration(float64(d) * p.BackoffMultiplier)
		if p.BackoffMax > 0 && d > p.BackoffMax {
			return p.BackoffMax
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}

// DefaultPolicies returns the per-node-type retry policies. Structural nodes
// never fail on external services, so only the LLM-backed types get budget.
func DefaultPolicies() map[models.NodeType]RetryPolicy {
	agentPolicy := RetryPolicy{
		MaxAttempts:       3,
		BackoffInitial:    500 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        30 * time.Second,
	}
	return map[models.NodeType]RetryPolicy{
		models.NodePlanning: agentPolicy,
		models.NodeControl:  agentPolicy,
		models.NodeAgent:    agentPolicy,
	}
}
