package queue

import "time"

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second

	DefaultStoreTimeout = 10 * time.Second
)

// RetryPolicy decides how many attempts a job gets and how long to wait
// between them
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
}

// Delay returns the wait after the given failed attempt: base * 2^(attempt-1)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// ShouldRetry reports whether a job that failed its attempt-th attempt gets another one
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}
