// Package eventloop serializes state mutation onto a single goroutine.
// Feed callbacks and command completions are posted to the loop; blocking
// work runs off the loop and posts its completion back.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrStopped = errors.New("eventloop: stopped")

type Executor interface {
	// Post schedules fn to run on the loop.
	Post(fn func())
	// Go runs work off the loop and posts done with its result.
	Go(work func() error, done func(error))
}

// Runner runs fn on the loop and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func New() *Loop {
	return &Loop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

var (
	_ Executor = (*Loop)(nil)
	_ Runner   = (*Loop)(nil)
)

// Post never blocks, so it is safe to call from the loop itself.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Go(work func() error, done func(error)) {
	go func() {
		err := work()
		l.Post(func() { done(err) })
	}()
}

func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrStopped
	}
}

// Run processes posted functions until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.stopped) })

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
			l.drain(ctx)
		}
	}
}

func (l *Loop) drain(ctx context.Context) {
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			l.run(ctx, fn)
		}
	}
}

func (l *Loop) run(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event loop task panicked", "panic", r)
		}
	}()
	fn()
}

// Immediate runs everything inline on the caller's goroutine. Tests use it
// to make feed deliveries and write completions deterministic.
type Immediate struct{}

var (
	_ Executor = Immediate{}
	_ Runner   = Immediate{}
)

func (Immediate) Post(fn func()) {
	fn()
}

func (Immediate) Go(work func() error, done func(error)) {
	done(work())
}

func (Immediate) Do(_ context.Context, fn func()) error {
	fn()
	return nil
}
