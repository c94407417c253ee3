// internal/executor/retry.go
package executor

import (
	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/triage"
)

type retryPolicy struct {
	max       int
	retryable map[triage.FailureType]bool
}

func newRetryPolicy(p schemas.RetryPolicy) retryPolicy {
	rp := retryPolicy{max: p.MaxRetriesPerStep, retryable: make(map[triage.FailureType]bool)}
	if rp.max < 0 {
		rp.max = 0
	}
	for _, s := range p.RetryableFailures {
		if ft, ok := triage.Parse(s); ok {
			rp.retryable[ft] = true
		}
	}
	return rp
}

// shouldRetry reports whether a result earns another attempt after `attempt` retries.
func (rp retryPolicy) shouldRetry(res schemas.StepResult, attempt int) bool {
	if attempt >= rp.max || !res.Status.IsFailure() {
		return false
	}
	return rp.retryable[triage.Classify(res.Message, res.Status)]
}
