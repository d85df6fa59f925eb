package client

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

func newTestPool(t *testing.T, cfgs ...RelayConfig) *Pool {
	t.Helper()
	p := NewPool(WithoutInfo(), WithSendRetry(2, 10*time.Millisecond))
	require.NoError(t, p.Connect(context.Bg(), cfgs))
	t.Cleanup(p.DisconnectAll)
	return p
}

func rw(url string) RelayConfig { return RelayConfig{URL: url, Read: true, Write: true} }

func TestPoolSubscribeSkipsDisconnected(t *testing.T) {
	a, b := newFakeRelay(t, nil), newFakeRelay(t, nil)
	dead := newWebsocketServer(discardingHandler)
	deadURL := dead.URL
	dead.Close()
	p := newTestPool(t, rw(a.URL), rw(b.URL), rw(deadURL))
	assert.Len(t, p.Relays(), 3)

	until := nostr.Timestamp(1700000000)
	subs, err := p.Subscribe(context.Bg(), Request{
		Filters: nostr.Filters{{Kinds: []int{1}, Until: &until, Limit: 10}},
		Options: SubscriptionOptions{View: "home"},
	})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.NotEmpty(t, subs[0].ID)
	assert.Equal(t, subs[0].ID, subs[1].ID)
	assert.True(t, subs[0].IsActive)

	for _, fr := range []*fakeRelay{a, b} {
		label, raw := fr.next(t)
		assert.Equal(t, "REQ", label)
		assert.Equal(t, subs[0].ID, parseString(t, raw[1]))
		var f nostr.Filter
		require.NoError(t, json.Unmarshal(raw[2], &f))
		assert.Equal(t, []int{1}, f.Kinds)
		assert.Equal(t, 10, f.Limit)
	}
	req, ok := p.Subscription(subs[0].ID)
	require.True(t, ok)
	assert.Equal(t, "home", req.Options.View)
}

func TestPoolSubscribeWithoutRelays(t *testing.T) {
	p := NewPool()
	_, err := p.Subscribe(context.Bg(), Request{Filters: nostr.Filters{{}}})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestPoolUnsubscribeIsIdempotent(t *testing.T) {
	fr := newFakeRelay(t, nil)
	p := newTestPool(t, rw(fr.URL))
	subs, err := p.Subscribe(context.Bg(), Request{ID: "feed",
		Filters: nostr.Filters{{Kinds: []int{1}}}})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	label, _ := fr.next(t)
	require.Equal(t, "REQ", label)

	p.Unsubscribe("feed")
	label, raw := fr.next(t)
	assert.Equal(t, "CLOSE", label)
	assert.Equal(t, "feed", parseString(t, raw[1]))

	p.Unsubscribe("feed")
	p.Unsubscribe("never-existed")
	fr.quiet(t)
	assert.Empty(t, p.Subscriptions())
}

func TestPoolSubscriptionTimeout(t *testing.T) {
	fr := newFakeRelay(t, nil)
	p := newTestPool(t, rw(fr.URL))
	_, err := p.Subscribe(context.Bg(), Request{ID: "brief",
		Filters: nostr.Filters{{Kinds: []int{0}}},
		Options: SubscriptionOptions{TimeoutIn: 50 * time.Millisecond}})
	require.NoError(t, err)
	fr.next(t)
	label, raw := fr.next(t)
	assert.Equal(t, "CLOSE", label)
	assert.Equal(t, "brief", parseString(t, raw[1]))
	_, ok := p.Subscription("brief")
	assert.False(t, ok)
}

func TestPoolResubscribeStopsTimeout(t *testing.T) {
	fr := newFakeRelay(t, nil)
	p := newTestPool(t, rw(fr.URL))
	req := Request{ID: "reused", Filters: nostr.Filters{{Kinds: []int{0}}},
		Options: SubscriptionOptions{TimeoutIn: 50 * time.Millisecond}}
	_, err := p.Subscribe(context.Bg(), req)
	require.NoError(t, err)
	fr.next(t)
	req.Options.TimeoutIn = 0
	_, err = p.Subscribe(context.Bg(), req)
	require.NoError(t, err)
	fr.next(t)
	time.Sleep(150 * time.Millisecond)
	_, ok := p.Subscription("reused")
	assert.True(t, ok, "the earlier timeout closed the new subscription")
}

func TestPoolListenAndUnsubscribeOnEOSE(t *testing.T) {
	note := signedNote(t, "stored", nil)
	fr := newFakeRelay(t, func(conn *websocket.Conn, raw []json.RawMessage) {
		var label, id string
		_ = json.Unmarshal(raw[0], &label)
		if label != "REQ" {
			return
		}
		_ = json.Unmarshal(raw[1], &id)
		_ = websocket.JSON.Send(conn, []any{"EVENT", id, note})
		_ = websocket.JSON.Send(conn, []any{"EOSE", id})
	})
	p := newTestPool(t, rw(fr.URL))
	var mx sync.Mutex
	var got []Message
	p.Listen(func(m Message) {
		mx.Lock()
		got = append(got, m)
		mx.Unlock()
	})
	_, err := p.Subscribe(context.Bg(), Request{ID: "once",
		Filters: nostr.Filters{{Kinds: []int{1}}},
		Options: SubscriptionOptions{UnsubscribeOnEOSE: true}})
	require.NoError(t, err)
	fr.next(t)
	label, _ := fr.next(t)
	assert.Equal(t, "CLOSE", label)

	require.Eventually(t, func() bool {
		mx.Lock()
		defer mx.Unlock()
		return len(got) == 2
	}, 3*time.Second, 10*time.Millisecond)
	mx.Lock()
	defer mx.Unlock()
	assert.Equal(t, "EVENT", got[0].Label())
	assert.Equal(t, "once", got[0].SubscriptionID())
	assert.Equal(t, nostr.NormalizeURL(fr.URL), got[0].Relay)
	ee := got[0].Envelope.(*nostr.EventEnvelope)
	assert.Equal(t, note.ID, ee.Event.ID)
	assert.Equal(t, "EOSE", got[1].Label())
	_, ok := p.Subscription("once")
	assert.False(t, ok)
}

func TestPoolSendEvent(t *testing.T) {
	writer, reader := newFakeRelay(t, nil), newFakeRelay(t, nil)
	p := newTestPool(t, rw(writer.URL),
		RelayConfig{URL: reader.URL, Read: true})
	ev := signedNote(t, "out", nil)

	sent, err := p.SendEvent(context.Bg(), ev)
	require.NoError(t, err)
	assert.Equal(t, []string{nostr.NormalizeURL(writer.URL)}, sent)
	label, _ := writer.next(t)
	assert.Equal(t, "EVENT", label)
	reader.quiet(t)

	_, err = p.SendEvent(context.Bg(), ev, reader.URL)
	assert.ErrorIs(t, err, ErrRequiredRelaysMissing)
	_, err = p.SendEvent(context.Bg(), ev, "wss://unknown.example")
	assert.ErrorIs(t, err, ErrRequiredRelaysMissing)

	_, err = p.SendEvent(context.Bg(), signedNote(t, "pow needed",
		nostr.Tags{{"nonce", "3", "8"}}))
	assert.ErrorIs(t, err, ErrNoWritableRelay)
}

func TestPoolDisconnectAll(t *testing.T) {
	a, b := newFakeRelay(t, nil), newFakeRelay(t, nil)
	p := NewPool(WithoutInfo())
	require.NoError(t, p.Connect(context.Bg(), []RelayConfig{rw(a.URL), rw(b.URL)}))
	_, err := p.Subscribe(context.Bg(), Request{ID: "s",
		Filters: nostr.Filters{{}}})
	require.NoError(t, err)
	b.CloseClientConnections()
	p.DisconnectAll()
	assert.False(t, p.IsReady())
	assert.Empty(t, p.Relays())
	assert.Empty(t, p.Subscriptions())
}
