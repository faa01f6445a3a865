package service

import (
	"context"
	"time"
)

const defaultStoreTimeout = 10 * time.Second

// callWithTimeout runs fn with a deadline derived from ctx so shutdown still cancels it.
func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}
