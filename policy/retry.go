package policy

import "time"

// RetryContext is a per-attempt counter bound to a Policy. It decides
// whether another attempt of the same call is allowed, and is advanced
// by exactly one attempt each time the tracker retries a call.
type RetryContext struct {
	policy    Policy
	attempted int
}

// NewRetryContext creates a counter starting at zero attempts consumed.
func NewRetryContext(p Policy) *RetryContext {
	return &RetryContext{policy: p}
}

// AttemptsRemaining reports how many additional attempts the policy
// still allows.
func (r *RetryContext) AttemptsRemaining() int {
	remaining := r.policy.Retries - r.attempted
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ConsumeAttempt records one more attempt having been made. It is the
// caller's responsibility to have checked AttemptsRemaining() > 0 first.
func (r *RetryContext) ConsumeAttempt() {
	r.attempted++
}

// PolicyRetryTimeout returns the per-attempt deadline duration from the
// bound Policy, used to compute the next attempt's deadline after a
// retry.
func (r *RetryContext) PolicyRetryTimeout() time.Duration {
	return r.policy.RetryTimeout
}
