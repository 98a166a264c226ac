package deopt

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/cenkalti/backoff.v1"
)

const (
	RETRY_BACKOFF_NONE        = "none"
	RETRY_BACKOFF_CONSTANT    = "constant"
	RETRY_BACKOFF_EXPONENTIAL = "exponential"

	DEFAULT_RETRY_INTERVAL = time.Millisecond
)

var (
	ErrUnknownBackOffPolicy = errors.New("unknown back-off policy")
)

func RetryBackOffPolicies() []string {
	return []string{RETRY_BACKOFF_NONE, RETRY_BACKOFF_CONSTANT, RETRY_BACKOFF_EXPONENTIAL}
}

// NewRetryBackOff returns the constructor of the back-off policy of the epoch retry loop. The policies
// never give up.
func NewRetryBackOff(policy string, interval time.Duration) (func() backoff.BackOff, error) {
	if interval <= 0 {
		interval = DEFAULT_RETRY_INTERVAL
	}

	switch policy {
	case RETRY_BACKOFF_NONE, "":
		return func() backoff.BackOff { return &backoff.ZeroBackOff{} }, nil
	case RETRY_BACKOFF_CONSTANT:
		return func() backoff.BackOff { return backoff.NewConstantBackOff(interval) }, nil
	case RETRY_BACKOFF_EXPONENTIAL:
		return func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = interval
			b.MaxElapsedTime = 0
			return b
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackOffPolicy, policy)
}
