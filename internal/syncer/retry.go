package syncer

// DefaultMaxRetries caps delivery attempts per outbox entry.
const DefaultMaxRetries = 3

// RetryPolicy bounds how many delivery attempts an outbox entry gets. Entries
// keep their queue position between attempts; there is no backoff, only the
// hard cap.
type RetryPolicy struct {
	MaxRetries int
}

// NewRetryPolicy normalizes non-positive caps to the default.
func NewRetryPolicy(maxRetries int) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return RetryPolicy{MaxRetries: maxRetries}
}

// Exhausted reports whether an entry that has now failed retryCount times is
// out of attempts.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount > p.MaxRetries
}
