// Package engine turns the messages of a pool of relays into the views a
// client displays. Events are verified, deduplicated by id and merged into a
// bounded working set of processed events carrying their reactions,
// reposts, replies and zap receipts. Notes of followed users go to the local
// store, which answers the windowed, resumable page queries of GetEvents.
//
// All state of the working set is owned by one task queue goroutine. Relay
// messages are processed in background order, calls from the presentation
// side run as priority tasks, and callers only ever get copies.
package engine

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/client"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/relayinfo"
	"github.com/Hubmakerlabs/feedr/pkg/pow"
	"github.com/Hubmakerlabs/feedr/pkg/publish"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
	"github.com/Hubmakerlabs/feedr/pkg/store"
	"github.com/Hubmakerlabs/feedr/pkg/taskqueue"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/atomic"
)

var log, chk = slog.New(os.Stderr)

var (
	ErrNotReady     = errors.New("engine not initialized")
	ErrInvalidRange = errors.New("query since is after until")
	ErrTagPresent   = errors.New("tag already present on event")
	ErrNoSigner     = errors.New("no signer configured")
)

// RelayClient is the relay pool as the engine uses it, implemented by
// client.Pool.
type RelayClient interface {
	Connect(c context.T, cfgs []client.RelayConfig) error
	Listen(fn func(client.Message))
	IsReady() bool
	Subscribe(c context.T, req client.Request) ([]client.ClientSubscription,
		error)
	Subscription(id string) (client.Request, bool)
	Subscriptions() []client.ClientSubscription
	Unsubscribe(ids ...string)
	UnsubscribeAll()
	Eligible(ev *nostr.Event, required ...string) ([]string, error)
	Info(url string) *relayinfo.T
	SendEvent(c context.T, ev *nostr.Event, required ...string) ([]string,
		error)
	Auth(c context.T, url string, ev *nostr.Event) error
	DisconnectAll()
}

// Config holds the tunables of an engine. Zero values take the defaults.
type Config struct {
	// Pubkey is the local user, whose contact list is the follow list.
	Pubkey string
	// WorkingSetLimit bounds the processed events kept in memory.
	WorkingSetLimit int
	// InfoTimeout closes information requests that don't reach EOSE.
	InfoTimeout time.Duration
	// SubscribeRetries and SubscribeRetryDelay bound the wait for the relay
	// client to become ready in Subscribe.
	SubscribeRetries    int
	SubscribeRetryDelay time.Duration
	NotificationBuffer  int
	PowWorkers          int
	PowTimeout          time.Duration
}

const (
	DefaultWorkingSetLimit     = 2000
	DefaultInfoTimeout         = 30 * time.Second
	DefaultSubscribeRetries    = 10
	DefaultSubscribeRetryDelay = time.Second
	DefaultNotificationBuffer  = 256
	// DefaultWindow is the span of a page query without bounds.
	DefaultWindow = 24 * 60 * 60
	// NewEventWindow is how close to the upper bound of the last query a
	// live event has to be to flag newer events.
	NewEventWindow = 10 * 60
)

func (cfg *Config) defaults() {
	if cfg.WorkingSetLimit <= 0 {
		cfg.WorkingSetLimit = DefaultWorkingSetLimit
	}
	if cfg.InfoTimeout <= 0 {
		cfg.InfoTimeout = DefaultInfoTimeout
	}
	if cfg.SubscribeRetries <= 0 {
		cfg.SubscribeRetries = DefaultSubscribeRetries
	}
	if cfg.SubscribeRetryDelay <= 0 {
		cfg.SubscribeRetryDelay = DefaultSubscribeRetryDelay
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = DefaultNotificationBuffer
	}
	if cfg.PowWorkers <= 0 {
		cfg.PowWorkers = 1
	}
	if cfg.PowTimeout <= 0 {
		cfg.PowTimeout = pow.DefaultTimeout
	}
}

type Option func(e *Engine)

// WithVerifier replaces the event id and signature check.
func WithVerifier(fn func(ev *nostr.Event) bool) Option {
	return func(e *Engine) { e.verify = fn }
}

// WithSigner sets the key AUTH answers, contact lists and mined events are
// signed with. Its pubkey becomes the local user unless Config has one.
func WithSigner(s Signer) Option { return func(e *Engine) { e.signer = s } }

func WithMetrics(m Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock sets the source of the current time.
func WithClock(now func() nostr.Timestamp) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	cfg     Config
	store   store.Store
	client  RelayClient
	verify  func(ev *nostr.Event) bool
	signer  Signer
	metrics Metrics
	now     func() nostr.Timestamp

	queue      *taskqueue.T
	miner      *pow.Worker
	publishing *publish.Queue
	ctx        context.T
	cancel     context.F
	ready      *atomic.Bool
	hasNewer   *atomic.Bool

	// owned by the queue goroutine
	working      *workingSet
	replies      map[string][]*nostr.Event
	blocked      map[string]bool
	following    map[string]bool
	lastWindow   *window
	lastNotified nostr.Timestamp

	popularMx     sync.RWMutex
	popularEvents []Popular
	popularUsers  []Popular

	notifyMx      sync.Mutex
	notifications chan Notification
	closed        bool
}

// New creates an engine over a store and a relay client. The store has to
// be initialized before Init is called.
func New(cfg Config, st store.Store, cl RelayClient, opts ...Option) (e *Engine) {
	cfg.defaults()
	e = &Engine{
		cfg:        cfg,
		store:      st,
		client:     cl,
		verify:     Verify,
		metrics:    nopMetrics{},
		now:        nostr.Now,
		queue:      taskqueue.New(),
		publishing: publish.New(),
		ready:      atomic.NewBool(false),
		hasNewer:   atomic.NewBool(false),
		working:    newWorkingSet(cfg.WorkingSetLimit),
		replies:    make(map[string][]*nostr.Event),
		blocked:    make(map[string]bool),
		following:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.Pubkey == "" && e.signer != nil {
		e.cfg.Pubkey = e.signer.PublicKey()
	}
	e.notifications = make(chan Notification, e.cfg.NotificationBuffer)
	return
}

// Init loads the follow and block flags from the store, starts the task
// queue and the proof of work worker and starts listening to the relays.
func (e *Engine) Init(c context.T) (err error) {
	if e.ready.Load() {
		return
	}
	var users []*store.UserRecord
	if users, err = e.store.Users(c, func(u *store.UserRecord) bool {
		return u.IsBlocked || u.Following
	}); chk.E(err) {
		return
	}
	for _, u := range users {
		if u.IsBlocked {
			e.blocked[u.User.Pubkey] = true
		}
		if u.Following {
			e.following[u.User.Pubkey] = true
		}
	}
	e.ctx, e.cancel = context.Cancel(c)
	e.queue.Start(e.ctx)
	e.miner = pow.NewWorker(e.ctx, e.cfg.PowWorkers, e.cfg.PowTimeout)
	e.client.Listen(e.listen)
	e.ready.Store(true)
	log.D.F("engine ready, %d followed, %d blocked", len(e.following),
		len(e.blocked))
	return
}

// Teardown disconnects the relays, stops the workers and closes the
// notification channel.
func (e *Engine) Teardown() {
	if !e.ready.Swap(false) {
		return
	}
	e.client.Listen(nil)
	e.client.DisconnectAll()
	e.cancel()
	e.notifyMx.Lock()
	e.closed = true
	close(e.notifications)
	e.notifyMx.Unlock()
}

func (e *Engine) listen(m client.Message) {
	e.queue.Push(func(c context.T) { e.processMessage(c, m) })
}

// do runs fn on the queue goroutine and waits for it to finish.
func (e *Engine) do(c context.T, priority bool, fn func(c context.T)) (err error) {
	if !e.ready.Load() {
		return ErrNotReady
	}
	done := make(chan struct{})
	task := func(c context.T) {
		defer close(done)
		fn(c)
	}
	var ok bool
	if priority {
		ok = e.queue.PushPriority(task)
	} else {
		ok = e.queue.Push(task)
	}
	if !ok {
		return ErrNotReady
	}
	select {
	case <-done:
	case <-c.Done():
		return c.Err()
	}
	return
}

// Connect connects the relays. It fails only if none could be reached.
func (e *Engine) Connect(c context.T, cfgs []client.RelayConfig) (err error) {
	if !e.ready.Load() {
		return ErrNotReady
	}
	return e.client.Connect(c, cfgs)
}

// Disconnect closes every subscription and relay and clears the working set.
func (e *Engine) Disconnect(c context.T) (err error) {
	e.client.DisconnectAll()
	return e.do(c, true, func(c context.T) { e.reset() })
}

func (e *Engine) reset() {
	e.working.reset()
	e.replies = make(map[string][]*nostr.Event)
	e.lastWindow = nil
	e.lastNotified = 0
	e.hasNewer.Store(false)
}

// Subscribe sends a request to the relays. While the relay client is not yet
// ready it retries a bounded number of times before giving up.
func (e *Engine) Subscribe(c context.T,
	req client.Request) (subs []client.ClientSubscription, err error) {

	if !e.ready.Load() {
		return nil, ErrNotReady
	}
	for i := 0; !e.client.IsReady(); i++ {
		if i >= e.cfg.SubscribeRetries {
			return nil, client.ErrNotReady
		}
		select {
		case <-c.Done():
			return nil, c.Err()
		case <-time.After(e.cfg.SubscribeRetryDelay):
		}
	}
	return e.client.Subscribe(c, req)
}

func (e *Engine) Unsubscribe(ids ...string) { e.client.Unsubscribe(ids...) }

func (e *Engine) UnsubscribeAll() { e.client.UnsubscribeAll() }

// UnsubscribeByToken closes every subscription belonging to a view.
func (e *Engine) UnsubscribeByToken(view string) {
	var ids []string
	for _, s := range e.client.Subscriptions() {
		if s.Options.View == view {
			ids = append(ids, s.ID)
		}
	}
	e.client.Unsubscribe(ids...)
}

// Notifications is the stream of updates for the presentation side. It is
// closed by Teardown.
func (e *Engine) Notifications() <-chan Notification { return e.notifications }

// HasNewerEvents reports whether live events arrived near the upper bound of
// the last page query.
func (e *Engine) HasNewerEvents() bool { return e.hasNewer.Load() }

// PublishingQueue returns every publication entry.
func (e *Engine) PublishingQueue() []publish.Entry { return e.publishing.Entries() }

// WorkingSet returns copies of the processed events in memory, oldest first.
func (e *Engine) WorkingSet(c context.T) (evs []LightProcessedEvent, err error) {
	err = e.do(c, true, func(c context.T) {
		e.working.each(func(pe *ProcessedEvent) {
			evs = append(evs, pe.Light())
		})
	})
	return
}
