package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	storageAttempts = 3
	storageBackoff  = 200 * time.Millisecond
)

// retryStorage runs op up to three times, doubling the wait between attempts.
// ErrNotFound is final and returned without retrying.
func retryStorage(ctx context.Context, clk clock, op func() error) error {
	var err error
	wait := storageBackoff
	for attempt := 1; attempt <= storageAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		if attempt == storageAttempts {
			break
		}
		if sleepErr := clk.Sleep(ctx, wait); sleepErr != nil {
			break
		}
		wait *= 2
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
