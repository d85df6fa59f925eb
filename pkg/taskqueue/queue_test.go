package taskqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/stretchr/testify/assert"
)

func TestPriorityDrainsFirst(t *testing.T) {
	q := New()
	var mx sync.Mutex
	var order []string
	rec := func(s string) Task {
		return func(context.T) {
			mx.Lock()
			order = append(order, s)
			mx.Unlock()
		}
	}
	// queue before starting so the order is decided by the tiers alone
	q.Push(rec("bg1"))
	q.Push(rec("bg2"))
	q.PushPriority(rec("p1"))
	q.PushPriority(rec("p2"))
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	q.Start(c)
	q.Wait()
	assert.Equal(t, []string{"p1", "p2", "bg1", "bg2"}, order)
}

func TestSequential(t *testing.T) {
	q := New()
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	q.Start(c)
	var running, maxRunning int
	var mx sync.Mutex
	for i := 0; i < 20; i++ {
		push := q.Push
		if i%3 == 0 {
			push = q.PushPriority
		}
		push(func(context.T) {
			mx.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mx.Unlock()
			time.Sleep(time.Millisecond)
			mx.Lock()
			running--
			mx.Unlock()
		})
	}
	q.Wait()
	assert.Equal(t, 1, maxRunning)
	assert.Zero(t, q.Len())
}

func TestPanicDoesNotStopQueue(t *testing.T) {
	q := New()
	c, cancel := context.Cancel(context.Bg())
	defer cancel()
	q.Start(c)
	done := false
	q.Push(func(context.T) { panic("boom") })
	q.Push(func(context.T) { done = true })
	q.Wait()
	assert.True(t, done)
}

func TestStop(t *testing.T) {
	q := New()
	c, cancel := context.Cancel(context.Bg())
	q.Start(c)
	cancel()
	assert.Eventually(t, func() bool { return !q.Push(func(context.T) {}) },
		time.Second, time.Millisecond)
	q.Wait()
}
