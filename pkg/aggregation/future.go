package aggregation

import (
	"context"
	"errors"
	"sync"
)

// Future is the not yet resolved result of a sub-job: the identifier of its
// partial output, or the error it failed with.
type Future struct {
	once   sync.Once
	done   chan struct{}
	output string
	err    error
}

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a future resolved with output.
func Completed(output string) *Future {
	f := NewFuture()
	f.Resolve(output, nil)
	return f
}

// Failed returns a future resolved with err.
func Failed(err error) *Future {
	f := NewFuture()
	f.Resolve("", err)
	return f
}

// Resolve sets the result. Only the first call has an effect.
func (f *Future) Resolve(output string, err error) {
	f.once.Do(func() {
		f.output, f.err = output, err
		close(f.done)
	})
}

// Cancel resolves the future with context.Canceled.
func (f *Future) Cancel() {
	f.Resolve("", context.Canceled)
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is resolved or ctx is done.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.output, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
