// Package taskqueue runs tasks one at a time on a single goroutine, every
// queued priority task before any background task, each starting only once
// its predecessor has returned.
package taskqueue

import (
	"os"
	"sync"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
)

var log, _ = slog.New(os.Stderr)

// Task is a unit of work, c is canceled when the queue stops.
type Task func(c context.T)

type T struct {
	mx         sync.Mutex
	priority   []Task
	background []Task
	busy       bool
	wake       chan struct{}
	idle       *sync.Cond
	stopped    bool
}

func New() (q *T) {
	q = &T{wake: make(chan struct{}, 1)}
	q.idle = sync.NewCond(&q.mx)
	return
}

// Start runs the worker until c is canceled.
func (q *T) Start(c context.T) {
	go func() {
		for {
			task, ok := q.pop()
			if !ok {
				select {
				case <-q.wake:
					continue
				case <-c.Done():
					q.stop()
					return
				}
			}
			q.run(c, task)
			q.mx.Lock()
			q.busy = false
			if len(q.priority)+len(q.background) == 0 {
				q.idle.Broadcast()
			}
			q.mx.Unlock()
		}
	}()
}

func (q *T) run(c context.T, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.E.F("task panicked: %v", r)
		}
	}()
	task(c)
}

func (q *T) pop() (task Task, ok bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	switch {
	case len(q.priority) > 0:
		task, q.priority = q.priority[0], q.priority[1:]
	case len(q.background) > 0:
		task, q.background = q.background[0], q.background[1:]
	default:
		return nil, false
	}
	q.busy = true
	return task, true
}

func (q *T) stop() {
	q.mx.Lock()
	q.stopped = true
	q.priority, q.background = nil, nil
	q.idle.Broadcast()
	q.mx.Unlock()
}

func (q *T) push(task Task, priority bool) bool {
	q.mx.Lock()
	if q.stopped {
		q.mx.Unlock()
		return false
	}
	if priority {
		q.priority = append(q.priority, task)
	} else {
		q.background = append(q.background, task)
	}
	q.mx.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Push queues a background task, reporting false once the queue stopped.
func (q *T) Push(task Task) bool { return q.push(task, false) }

// PushPriority queues a task ahead of every background task.
func (q *T) PushPriority(task Task) bool { return q.push(task, true) }

// Len is the number of tasks waiting.
func (q *T) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.priority) + len(q.background)
}

// Wait blocks until no task is queued or running, or the queue stopped.
func (q *T) Wait() {
	q.mx.Lock()
	defer q.mx.Unlock()
	for !q.stopped && (q.busy || len(q.priority)+len(q.background) > 0) {
		q.idle.Wait()
	}
}
