package renewal

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/go-authgate/tokenkeeper/autherr"
)

// BaseBackoff is the first Execute delay; each further attempt doubles it.
const BaseBackoff = time.Second

// Execute runs op up to attempts times, waiting BaseBackoff * 2^n between attempts.
// It stops early when ctx ends or op fails with an error that cannot succeed on retry
// (terminated session, rejected refresh credential, permission denied).
func Execute(ctx context.Context, attempts int, op func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	operation := func() (struct{}, error) {
		err := op(ctx)
		if err != nil && !autherr.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newExecuteBackoff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}

func newExecuteBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = BaseBackoff
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = time.Hour
	return bo
}
