package engine

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/client"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/relayinfo"
	"github.com/Hubmakerlabs/feedr/pkg/store"
	badgerstore "github.com/Hubmakerlabs/feedr/pkg/store/badger"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	now    = nostr.Timestamp(1700000000)
	relayA = "wss://a.example"
	relayB = "wss://b.example"
	day    = nostr.Timestamp(DefaultWindow)
)

// fakeClient is a relay client without sockets that records what the
// engine asks of it.
type fakeClient struct {
	mx        sync.Mutex
	ready     bool
	urls      []string
	info      map[string]*relayinfo.T
	subs      map[string]client.Request
	reqs      []client.Request
	sent      map[string][]*nostr.Event
	auths     []*nostr.Event
	connected []client.RelayConfig
	listener  func(client.Message)
}

func newFakeClient(urls ...string) *fakeClient {
	return &fakeClient{
		ready: true,
		urls:  urls,
		info:  make(map[string]*relayinfo.T),
		subs:  make(map[string]client.Request),
		sent:  make(map[string][]*nostr.Event),
	}
}

func (f *fakeClient) Connect(c context.T, cfgs []client.RelayConfig) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.connected = append(f.connected, cfgs...)
	f.ready = true
	return nil
}

func (f *fakeClient) Listen(fn func(client.Message)) {
	f.mx.Lock()
	f.listener = fn
	f.mx.Unlock()
}

func (f *fakeClient) IsReady() bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.ready
}

func (f *fakeClient) setReady(ready bool) {
	f.mx.Lock()
	f.ready = ready
	f.mx.Unlock()
}

func (f *fakeClient) Subscribe(c context.T,
	req client.Request) (subs []client.ClientSubscription, err error) {

	f.mx.Lock()
	defer f.mx.Unlock()
	if !f.ready || len(f.urls) == 0 {
		return nil, client.ErrNotReady
	}
	if req.ID == "" {
		req.ID = client.NewSubscriptionID()
	}
	f.reqs = append(f.reqs, req)
	f.subs[req.ID] = req
	for _, u := range f.urls {
		subs = append(subs, client.ClientSubscription{ID: req.ID,
			Type: client.REQ, Relay: u, Filters: req.Filters,
			Options: req.Options, IsActive: true})
	}
	return
}

// live registers a subscription without going through the engine.
func (f *fakeClient) live(id, view string, isLive bool) {
	f.mx.Lock()
	f.subs[id] = client.Request{ID: id, Options: client.SubscriptionOptions{
		View: view, IsLive: isLive}}
	f.mx.Unlock()
}

func (f *fakeClient) Subscription(id string) (req client.Request, ok bool) {
	f.mx.Lock()
	defer f.mx.Unlock()
	req, ok = f.subs[id]
	return
}

func (f *fakeClient) Subscriptions() (subs []client.ClientSubscription) {
	f.mx.Lock()
	defer f.mx.Unlock()
	for id, req := range f.subs {
		subs = append(subs, client.ClientSubscription{ID: id,
			Options: req.Options, IsActive: true})
	}
	return
}

func (f *fakeClient) Unsubscribe(ids ...string) {
	f.mx.Lock()
	defer f.mx.Unlock()
	for _, id := range ids {
		delete(f.subs, id)
	}
}

func (f *fakeClient) UnsubscribeAll() {
	f.mx.Lock()
	f.subs = make(map[string]client.Request)
	f.mx.Unlock()
}

func (f *fakeClient) Eligible(ev *nostr.Event,
	required ...string) (urls []string, err error) {

	f.mx.Lock()
	defer f.mx.Unlock()
	if len(required) > 0 {
		for _, u := range required {
			if !f.ready || !contains(f.urls, u) {
				return nil, client.ErrRequiredRelaysMissing
			}
		}
		return required, nil
	}
	if !f.ready || len(f.urls) == 0 {
		return nil, client.ErrNoWritableRelay
	}
	return append([]string{}, f.urls...), nil
}

func (f *fakeClient) Info(url string) *relayinfo.T {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.info[url]
}

func (f *fakeClient) SendEvent(c context.T, ev *nostr.Event,
	required ...string) (sent []string, err error) {

	if sent, err = f.Eligible(ev, required...); err != nil {
		return
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	for _, u := range sent {
		f.sent[u] = append(f.sent[u], ev)
	}
	return
}

func (f *fakeClient) Auth(c context.T, url string, ev *nostr.Event) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.auths = append(f.auths, ev)
	return nil
}

func (f *fakeClient) DisconnectAll() {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.ready = false
	f.subs = make(map[string]client.Request)
}

func (f *fakeClient) requests() []client.Request {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]client.Request{}, f.reqs...)
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func newEngine(t *testing.T, cfg Config,
	opts ...Option) (e *Engine, fc *fakeClient, st *badgerstore.Backend) {

	t.Helper()
	st = badgerstore.NewInMemory()
	require.NoError(t, st.Init())
	fc = newFakeClient(relayA)
	opts = append([]Option{WithClock(func() nostr.Timestamp { return now })},
		opts...)
	e = New(cfg, st, fc, opts...)
	require.NoError(t, e.Init(context.Bg()))
	t.Cleanup(func() {
		e.Teardown()
		st.Close()
	})
	return
}

type author struct{ sk, pk string }

func newAuthor(t *testing.T) (a author) {
	t.Helper()
	a.sk = nostr.GeneratePrivateKey()
	var err error
	a.pk, err = nostr.GetPublicKey(a.sk)
	require.NoError(t, err)
	return
}

func (a author) event(t *testing.T, k int, created nostr.Timestamp,
	content string, tg ...nostr.Tag) *nostr.Event {

	t.Helper()
	ev := &nostr.Event{Kind: k, CreatedAt: created, Tags: nostr.Tags(tg),
		Content: content}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	require.NoError(t, ev.Sign(a.sk))
	return ev
}

func deliver(t *testing.T, e *Engine, relay, sub string, ev *nostr.Event) {
	t.Helper()
	require.NoError(t, e.ProcessMessage(context.Bg(), client.Message{
		Relay:    relay,
		Envelope: &nostr.EventEnvelope{SubscriptionID: &sub, Event: *ev},
	}))
}

// drain returns the notifications emitted so far.
func drain(e *Engine) (ns []Notification) {
	for {
		select {
		case n := <-e.Notifications():
			ns = append(ns, n)
		default:
			return
		}
	}
}

func ofType(ns []Notification, typ NotificationType) (out []Notification) {
	for _, n := range ns {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return
}

func inMemory(t *testing.T, e *Engine) []LightProcessedEvent {
	t.Helper()
	evs, err := e.WorkingSet(context.Bg())
	require.NoError(t, err)
	return evs
}

func TestNotInitialized(t *testing.T) {
	st := badgerstore.NewInMemory()
	require.NoError(t, st.Init())
	defer st.Close()
	e := New(Config{}, st, newFakeClient(relayA))
	_, err := e.GetEvents(context.Bg(), Query{})
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = e.Subscribe(context.Bg(), client.Request{})
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, e.ProcessMessage(context.Bg(), client.Message{}),
		ErrNotReady)

	uninit := badgerstore.NewInMemory()
	e = New(Config{}, uninit, newFakeClient(relayA))
	assert.ErrorIs(t, e.Init(context.Bg()), store.ErrNotInitialized)
}

func TestSubscribeWaitsForClient(t *testing.T) {
	e, fc, _ := newEngine(t, Config{SubscribeRetries: 3,
		SubscribeRetryDelay: 20 * time.Millisecond})
	fc.setReady(false)
	_, err := e.Subscribe(context.Bg(), client.Request{ID: "s"})
	assert.ErrorIs(t, err, client.ErrNotReady)

	go func() {
		time.Sleep(30 * time.Millisecond)
		fc.setReady(true)
	}()
	subs, err := e.Subscribe(context.Bg(), client.Request{ID: "s"})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, relayA, subs[0].Relay)
}

func TestUnsubscribeByToken(t *testing.T) {
	e, fc, _ := newEngine(t, Config{})
	fc.live("home-1", "home", true)
	fc.live("home-2", "home", false)
	fc.live("profile", "profile", false)
	e.UnsubscribeByToken("home")
	var ids []string
	for _, s := range fc.Subscriptions() {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"profile"}, ids)
	e.UnsubscribeAll()
	assert.Empty(t, fc.Subscriptions())
}

func TestDisconnectClearsWorkingSet(t *testing.T) {
	e, fc, _ := newEngine(t, Config{})
	fc.live("live", "home", true)
	a := newAuthor(t)
	deliver(t, e, relayA, "live", a.event(t, 1, now, "hi"))
	require.Len(t, inMemory(t, e), 1)
	require.NoError(t, e.Disconnect(context.Bg()))
	assert.Empty(t, inMemory(t, e))
	assert.False(t, fc.IsReady())
}
