package frameobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// PollInterval is how often WaitForElement re-queries the document.
	PollInterval = 100 * time.Millisecond
	// DefaultWaitTimeout applies when WaitForElement gets a zero timeout.
	DefaultWaitTimeout = 5 * time.Second
)

// TimeoutError is returned by WaitForElement when the selector did not
// match before the deadline.
type TimeoutError struct {
	Selector string
	Timeout  time.Duration
	// Last is the last query error other than ErrNotFound, if any.
	Last error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("frameobs: element %q not found within %s", e.Selector, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// WaitForElement polls doc every PollInterval until an element matches
// selector, and returns it. It fails with *TimeoutError once timeout has
// elapsed, or with ctx.Err() if ctx is cancelled first. Query errors are
// treated as "not there yet".
func WaitForElement(ctx context.Context, doc Document, selector string, timeout time.Duration) (Element, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	start := time.Now()

	var ticker *time.Ticker
	var last error
	for {
		el, err := doc.Query(ctx, selector)
		if err == nil {
			return el, nil
		}
		if !errors.Is(err, ErrNotFound) {
			last = err
		}
		if time.Since(start) >= timeout {
			return nil, &TimeoutError{Selector: selector, Timeout: timeout, Last: last}
		}

		if ticker == nil {
			ticker = time.NewTicker(PollInterval)
			defer ticker.Stop()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
