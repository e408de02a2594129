package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const defaultRetryDelay = 20 * time.Millisecond

// retriableCodes are the SQLSTATEs two concurrent cluster mutations can
// raise against each other: serialization_failure and deadlock_detected.
var retriableCodes = map[string]bool{
	"40001": true,
	"40P01": true,
}

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && retriableCodes[pgErr.Code]
}

// WithRetry calls fn and repeats it up to maxRetries more times while it
// fails with a retriable conflict. The wait doubles from delay each round,
// plus up to the same amount of jitter. Any other error, or ctx ending,
// stops the loop.
func WithRetry(ctx context.Context, maxRetries int, delay time.Duration, fn func() error) error {
	err := fn()
	for retry := 0; retry < maxRetries && isRetriable(err); retry++ {
		wait := delay + time.Duration(rand.Int64N(int64(delay)+1)) //nolint:gosec // jitter only
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		err = fn()
	}
	return err
}
