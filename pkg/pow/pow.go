// Package pow mines NIP-13 proof of work on worker goroutines fed through a
// job channel, so the caller only ever exchanges event copies with them.
package pow

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip13"
)

var log, chk = slog.New(os.Stderr)

var ErrStopped = errors.New("proof of work worker stopped")

// DefaultTimeout bounds the mining of a single event.
const DefaultTimeout = 30 * time.Second

type result struct {
	ev  *nostr.Event
	err error
}

type job struct {
	ev         nostr.Event
	difficulty int
	answer     chan result
}

type Worker struct {
	Timeout time.Duration
	jobs    chan job
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewWorker creates a worker pool mining with n goroutines.
func NewWorker(c context.T, n int, timeout time.Duration) (w *Worker) {
	if n < 1 {
		n = 1
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	w = &Worker{Timeout: timeout, jobs: make(chan job),
		done: make(chan struct{})}
	for i := 0; i < n; i++ {
		w.wg.Add(1)
		go w.loop(c)
	}
	go func() {
		w.wg.Wait()
		close(w.done)
	}()
	return
}

func (w *Worker) loop(c context.T) {
	defer w.wg.Done()
	for {
		select {
		case <-c.Done():
			return
		case j := <-w.jobs:
			start := time.Now()
			ev, err := nip13.Generate(&j.ev, j.difficulty, w.Timeout)
			if err == nil {
				log.D.F("mined difficulty %d in %v", j.difficulty,
					time.Since(start))
			}
			j.answer <- result{ev, err}
		}
	}
}

// Mine adds a nonce tag to a copy of ev so its id has at least difficulty
// leading zero bits. The returned event is unsigned and needs its pubkey
// set.
func (w *Worker) Mine(c context.T, ev *nostr.Event,
	difficulty int) (mined *nostr.Event, err error) {

	cp := *ev
	cp.Tags = make(nostr.Tags, len(ev.Tags))
	for i := range ev.Tags {
		cp.Tags[i] = append(nostr.Tag{}, ev.Tags[i]...)
	}
	cp.ID, cp.Sig = "", ""
	j := job{ev: cp, difficulty: difficulty, answer: make(chan result, 1)}
	select {
	case w.jobs <- j:
	case <-w.done:
		return nil, ErrStopped
	case <-c.Done():
		return nil, c.Err()
	}
	select {
	case r := <-j.answer:
		return r.ev, r.err
	case <-c.Done():
		return nil, c.Err()
	}
}

// Difficulty is the number of leading zero bits of an event id.
func Difficulty(id string) int { return nip13.Difficulty(id) }
