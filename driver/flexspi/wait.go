package flexspi

import (
	"context"
	"fmt"
	"time"
)

// A Waiter blocks until cond reports true. Every poll of a status bit
// goes through the controller's Waiter, which decides how long polling
// may go on.
type Waiter interface {
	Wait(cond func() bool) error
}

// Spin returns a Waiter that busy-polls without bound.
func Spin() Waiter {
	return spin{}
}

// Deadline returns a Waiter that busy-polls for at most d and then fails
// with ErrTimeout.
func Deadline(d time.Duration) Waiter {
	return deadline(d)
}

// Context returns a Waiter that busy-polls until ctx is done and then
// fails with ErrTimeout.
func Context(ctx context.Context) Waiter {
	return ctxWaiter{ctx}
}

// Timeout returns Deadline(d), or Spin when d is zero.
func Timeout(d time.Duration) Waiter {
	if d > 0 {
		return Deadline(d)
	}
	return Spin()
}

// WithContext returns a Waiter that polls through w but gives up with
// ErrTimeout as soon as ctx is done. It lets another goroutine abort a
// transfer that holds the controller, however w bounds polling.
func WithContext(ctx context.Context, w Waiter) Waiter {
	return abortable{ctx: ctx, w: w}
}

type spin struct{}

func (spin) Wait(cond func() bool) error {
	for !cond() {
	}
	return nil
}

type deadline time.Duration

func (d deadline) Wait(cond func() bool) error {
	end := time.Now().Add(time.Duration(d))
	for !cond() {
		if time.Now().After(end) {
			return fmt.Errorf("%w after %v", ErrTimeout, time.Duration(d))
		}
	}
	return nil
}

type ctxWaiter struct {
	ctx context.Context
}

func (w ctxWaiter) Wait(cond func() bool) error {
	for !cond() {
		if err := w.ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
	}
	return nil
}

type abortable struct {
	ctx context.Context
	w   Waiter
}

func (a abortable) Wait(cond func() bool) error {
	err := a.w.Wait(func() bool {
		return a.ctx.Err() != nil || cond()
	})
	if err != nil {
		return err
	}
	if err := a.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return nil
}
