// Package lifetime keeps track of detached work that must finish before the
// process is allowed to exit, such as cache writes that outlive the request
// that triggered them.
package lifetime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("tracker is closed")

// Pending is the settle token of one tracked task.
type Pending struct {
	done chan struct{}
	err  error
}

// Resolved returns a Pending that is already settled with err.
func Resolved(err error) *Pending {
	p := &Pending{done: make(chan struct{}), err: err}
	close(p.done)
	return p
}

func (p *Pending) settle(err error) {
	p.err = err
	close(p.done)
}

// Done is closed when the task settles.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the task error. It is only meaningful after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the task settles or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tracker runs tasks on their own goroutines and can wait for all of them.
// Tasks get a context that is independent of the caller; it is only
// cancelled when Close gives up waiting.
//
// Close must not be called from inside a tracked task, it would wait for itself.
type Tracker struct {
	m       sync.Mutex
	wg      sync.WaitGroup
	closed  bool
	running atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

func NewTracker(logger zerolog.Logger) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		ctx:    ctx,
		cancel: cancel,
		log:    logger,
	}
}

// Go starts f in a new goroutine. A panic in f settles the task with an error.
// After Close, f is not run and the returned Pending settles with ErrClosed.
func (t *Tracker) Go(name string, f func(ctx context.Context) error) *Pending {
	t.m.Lock()
	if t.closed {
		t.m.Unlock()
		t.log.Warn().Str("task", name).Msg("Task rejected, tracker is closed")
		return Resolved(ErrClosed)
	}
	t.wg.Add(1)
	t.m.Unlock()

	t.running.Add(1)
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer t.wg.Done()
		err := run(t.ctx, f)
		if err != nil {
			t.log.Debug().Err(err).Str("task", name).Msg("Task failed")
		} else {
			t.log.Trace().Str("task", name).Msg("Task done")
		}
		t.running.Add(-1)
		p.settle(err)
	}()
	return p
}

func run(ctx context.Context, f func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f(ctx)
}

// Running returns the number of unsettled tasks.
func (t *Tracker) Running() int64 {
	return t.running.Load()
}

// Wait blocks until every task started so far settles, or ctx ends.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close refuses new tasks and waits for the running ones.
// If ctx ends first, the task context is cancelled and ctx.Err() is returned.
// It is safe to call Close multiple times.
func (t *Tracker) Close(ctx context.Context) error {
	t.m.Lock()
	t.closed = true
	t.m.Unlock()

	err := t.Wait(ctx)
	t.cancel()
	return err
}
