// Package interrupt runs registered shutdown handlers once, on SIGINT,
// SIGTERM or a programmatic Request, last registered first.
package interrupt

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/Hubmakerlabs/feedr/pkg/slog"
	"go.uber.org/atomic"
)

var log, _ = slog.New(os.Stderr)

type handler struct {
	source string
	fn     func()
}

var (
	requested atomic.Bool
	mx        sync.Mutex
	handlers  []handler
	once      sync.Once
	started   sync.Once
	sig       = make(chan os.Signal, 1)
	shutdown  = make(chan struct{})

	// HandlersDone is closed after all handlers ran.
	HandlersDone = make(chan struct{})
)

func listen() {
	select {
	case s := <-sig:
		log.D.Ln("received interrupt signal", s)
	case <-shutdown:
		log.W.Ln("received shutdown request, shutting down...")
	}
	requested.Store(true)
	run()
}

func run() {
	once.Do(func() {
		mx.Lock()
		hs := append([]handler{}, handlers...)
		mx.Unlock()
		log.D.Ln("running interrupt handlers", len(hs))
		for i := len(hs) - 1; i >= 0; i-- {
			log.T.Ln("running handler", i, hs[i].source)
			hs[i].fn()
		}
		close(HandlersDone)
	})
}

// AddHandler registers fn to be run on shutdown.
func AddHandler(fn func()) {
	_, loc, line, _ := runtime.Caller(1)
	src := fmt.Sprintf("%s:%d", loc, line)
	log.T.Ln("handler added by:", src)
	mx.Lock()
	handlers = append(handlers, handler{src, fn})
	mx.Unlock()
	started.Do(func() {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go listen()
	})
}

// Request programmatically requests a shutdown.
func Request() {
	if requested.Swap(true) {
		return
	}
	_, f, l, _ := runtime.Caller(1)
	log.D.Ln("interrupt requested", f, l)
	started.Do(func() { go listen() })
	close(shutdown)
}

// Requested reports whether a shutdown was requested.
func Requested() bool { return requested.Load() }
