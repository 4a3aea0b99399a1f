// internal/eventloop/loop.go

// Package eventloop runs queued callbacks on a single goroutine. It supplies
// the RegisterCallback contract that taskqueue.New consumes, so work funneled
// through a task queue executes serially in enqueue order.
package eventloop

import (
	"sync"

	"go.uber.org/zap"
)

const taskBuffer = 64

// Loop is a single-goroutine executor. Tasks enqueued through the callbacks
// minted by RegisterCallback run one at a time, in order.
type Loop struct {
	logger *zap.Logger
	tasks  chan func() error

	closeOnce sync.Once
	closed    chan struct{}
	drained   chan struct{}
}

// New starts the loop goroutine.
func New(logger *zap.Logger) *Loop {
	l := &Loop{
		logger:  logger.Named("eventloop"),
		tasks:   make(chan func() error, taskBuffer),
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	go l.run()
	return l
}

// RegisterCallback reserves a slot on the loop and returns the enqueue func
// for it. This is the signature taskqueue.New expects. A task enqueued after
// Close is dropped silently.
func (l *Loop) RegisterCallback() func(func() error) {
	return func(task func() error) {
		select {
		case <-l.closed:
		case l.tasks <- task:
		}
	}
}

// Close stops accepting tasks, runs whatever is already queued, and returns
// once the loop goroutine has exited. Safe to call repeatedly.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
	})
	<-l.drained
}

func (l *Loop) run() {
	defer close(l.drained)
	for {
		select {
		case task := <-l.tasks:
			l.runTask(task)
		case <-l.closed:
			// Drain tasks that were enqueued before Close.
			for {
				select {
				case task := <-l.tasks:
					l.runTask(task)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) runTask(task func() error) {
	if err := task(); err != nil {
		l.logger.Error("Queued task failed.", zap.Error(err))
	}
}
