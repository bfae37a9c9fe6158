// Package eventloop runs protocol callbacks one at a time. Network readers
// and timers post work onto a Loop; nothing posted runs concurrently with
// anything else posted to the same Loop.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("event loop closed")

type Timer interface {
	// Stop prevents the callback from running if it has not started yet.
	Stop() bool
}

// Scheduler is what protocol code needs from its host runtime.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
	Post(fn func())
}

const defaultQueue = 256

type Loop struct {
	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func New(queue int) *Loop {
	if queue <= 0 {
		queue = defaultQueue
	}
	return &Loop{
		tasks: make(chan func(), queue),
		done:  make(chan struct{}),
	}
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post queues fn. It blocks while the queue is full and drops fn once the
// loop is closed. Handlers running on the loop must not Post to a full
// queue; they schedule with AfterFunc instead.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if t.stopped.Swap(true) {
		return false
	}
	t.t.Stop()
	return true
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped.Load() {
				return
			}
			fn()
		})
	})
	return lt
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted work until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}
