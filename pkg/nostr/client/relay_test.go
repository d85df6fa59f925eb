package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/relayinfo"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/net/websocket"
)

// fakeRelay is a websocket server that hands every received message to the
// test and lets the reply function answer it.
type fakeRelay struct {
	*httptest.Server
	received chan []json.RawMessage
	conns    *atomic.Int32
}

type replyFunc func(conn *websocket.Conn, msg []json.RawMessage)

func newFakeRelay(t *testing.T, reply replyFunc) (fr *fakeRelay) {
	t.Helper()
	fr = &fakeRelay{
		received: make(chan []json.RawMessage, 100),
		conns:    atomic.NewInt32(0),
	}
	fr.Server = newWebsocketServer(func(conn *websocket.Conn) {
		fr.conns.Inc()
		for {
			var raw []json.RawMessage
			if err := websocket.JSON.Receive(conn, &raw); err != nil {
				return
			}
			fr.received <- raw
			if reply != nil {
				reply(conn, raw)
			}
		}
	})
	t.Cleanup(fr.Close)
	return
}

// next waits for the next message the relay received.
func (fr *fakeRelay) next(t *testing.T) (label string, raw []json.RawMessage) {
	t.Helper()
	select {
	case raw = <-fr.received:
	case <-time.After(3 * time.Second):
		t.Fatal("fake relay received nothing")
	}
	require.NoError(t, json.Unmarshal(raw[0], &label))
	return
}

// quiet asserts the relay receives nothing for a short while.
func (fr *fakeRelay) quiet(t *testing.T) {
	t.Helper()
	select {
	case raw := <-fr.received:
		t.Fatalf("unexpected message %s", raw[0])
	case <-time.After(150 * time.Millisecond):
	}
}

func newWebsocketServer(handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(&websocket.Server{
		Handshake: anyOriginHandshake,
		Handler:   handler,
	})
}

// anyOriginHandshake is an alternative to default in golang.org/x/net/websocket
// which checks for origin. nostr client sends no origin and it makes no difference
// for the tests here anyway.
var anyOriginHandshake = func(conf *websocket.Config, r *http.Request) error {
	return nil
}

func signedNote(t *testing.T, content string, tg nostr.Tags) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		Kind:      kind.TextNote.Int(),
		Content:   content,
		CreatedAt: nostr.Timestamp(1672068534),
		Tags:      tg,
	}
	require.NoError(t, ev.Sign(nostr.GeneratePrivateKey()))
	return ev
}

func parseString(t *testing.T, raw json.RawMessage) (s string) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, &s))
	return
}

func connected(t *testing.T, url string, opts ...Option) *Relay {
	t.Helper()
	r := NewRelay(RelayConfig{URL: url, Read: true, Write: true},
		append([]Option{WithoutInfo()}, opts...)...)
	require.NoError(t, r.Connect(context.Bg()))
	t.Cleanup(r.Close)
	return r
}

func TestPublish(t *testing.T) {
	textNote := signedNote(t, "hello", nostr.Tags{{"foo", "bar"}})
	fr := newFakeRelay(t, func(conn *websocket.Conn, raw []json.RawMessage) {
		_ = websocket.JSON.Send(conn, []any{"OK", textNote.ID, true, ""})
	})
	r := connected(t, fr.URL)
	require.NoError(t, r.Publish(context.Bg(), textNote))

	label, raw := fr.next(t)
	assert.Equal(t, "EVENT", label)
	var got nostr.Event
	require.NoError(t, json.Unmarshal(raw[1], &got))
	assert.Equal(t, textNote.Serialize(), got.Serialize())

	require.Eventually(t, func() bool {
		cmd, ok := r.Command(textNote.ID)
		return ok && cmd.Done()
	}, 3*time.Second, 10*time.Millisecond)
	cmd, _ := r.Command(textNote.ID)
	assert.True(t, *cmd.Success)
	assert.Equal(t, EVENT, cmd.Type)
}

func TestPublishBlocked(t *testing.T) {
	textNote := signedNote(t, "hello", nil)
	fr := newFakeRelay(t, func(conn *websocket.Conn, raw []json.RawMessage) {
		_ = websocket.JSON.Send(conn,
			[]any{"OK", textNote.ID, false, "blocked: no spam"})
	})
	r := connected(t, fr.URL)
	require.NoError(t, r.Publish(context.Bg(), textNote))
	require.Eventually(t, func() bool {
		cmd, _ := r.Command(textNote.ID)
		return cmd.Done()
	}, 3*time.Second, 10*time.Millisecond)
	cmd, _ := r.Command(textNote.ID)
	assert.False(t, *cmd.Success)
	assert.Equal(t, "blocked: no spam", cmd.Response)
}

func TestCountAndNotice(t *testing.T) {
	fr := newFakeRelay(t, func(conn *websocket.Conn, raw []json.RawMessage) {
		var label string
		_ = json.Unmarshal(raw[0], &label)
		switch label {
		case "COUNT":
			var id string
			_ = json.Unmarshal(raw[1], &id)
			_ = websocket.JSON.Send(conn, []any{"COUNT", id,
				map[string]int{"count": 42}})
		case "EVENT":
			_ = websocket.JSON.Send(conn, []any{"NOTICE", "slow down"})
		}
	})
	r := connected(t, fr.URL)
	_, err := r.Subscribe(context.Bg(), Request{ID: "c1", Type: COUNT,
		Filters: nostr.Filters{{Kinds: []int{1}}}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cmd, _ := r.Command("c1")
		return cmd.Done()
	}, 3*time.Second, 10*time.Millisecond)
	cmd, _ := r.Command("c1")
	assert.Equal(t, int64(42), *cmd.Count)

	ev := signedNote(t, "noticed", nil)
	require.NoError(t, r.Publish(context.Bg(), ev))
	require.Eventually(t, func() bool {
		cmd, _ := r.Command(ev.ID)
		return cmd.Response == "slow down"
	}, 3*time.Second, 10*time.Millisecond)
	cmd, _ = r.Command(ev.ID)
	assert.False(t, cmd.Done())
}

func TestConnectIsIdempotent(t *testing.T) {
	fr := newFakeRelay(t, nil)
	r := NewRelay(RelayConfig{URL: fr.URL, Read: true}, WithoutInfo())
	defer r.Close()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Connect(context.Bg()))
		}()
	}
	wg.Wait()
	assert.True(t, r.IsReady())
	require.NoError(t, r.Connect(context.Bg()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fr.conns.Load())
}

func TestSendRetriesThenFails(t *testing.T) {
	r := NewRelay(RelayConfig{URL: "ws://127.0.0.1:1"},
		WithSendRetry(3, 10*time.Millisecond))
	start := time.Now()
	err := r.Send(context.Bg(), []byte(`["CLOSE","x"]`))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestConnectFailureRecorded(t *testing.T) {
	srv := newWebsocketServer(discardingHandler)
	url := srv.URL
	srv.Close()
	r := NewRelay(RelayConfig{URL: url}, WithoutInfo())
	assert.Error(t, r.Connect(context.Bg()))
	assert.Equal(t, Disconnected, r.Status())
	assert.Error(t, r.Err())
}

func TestConnectWithOrigin(t *testing.T) {
	// default handler requires origin golang.org/x/net/websocket
	ws := httptest.NewServer(websocket.Handler(discardingHandler))
	defer ws.Close()
	r := NewRelay(RelayConfig{URL: ws.URL}, WithoutInfo())
	r.RequestHeader = http.Header{"origin": {"https://example.com"}}
	ctx, cancel := context.Timeout(context.Bg(), 3*time.Second)
	defer cancel()
	assert.NoError(t, r.Connect(ctx))
	r.Close()
}

func TestRelayInfoOnConnect(t *testing.T) {
	wsSrv := &websocket.Server{Handshake: anyOriginHandshake,
		Handler: discardingHandler}
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Accept") == relayinfo.MimeType {
				_, _ = w.Write([]byte(`{"supported_nips":[1,11,40]}`))
				return
			}
			wsSrv.ServeHTTP(w, req)
		}))
	defer srv.Close()
	r := NewRelay(RelayConfig{URL: srv.URL, Write: true})
	require.NoError(t, r.Connect(context.Bg()))
	defer r.Close()
	require.NotNil(t, r.Info())
	assert.True(t, r.SupportsEvent(signedNote(t, "x",
		nostr.Tags{{"expiration", "1900000000"}})))
	assert.False(t, r.SupportsEvent(signedNote(t, "x",
		nostr.Tags{{"nonce", "1", "8"}})))
}

func TestSupportsEvent(t *testing.T) {
	r := NewRelay(RelayConfig{URL: "wss://relay.example"})
	plain := signedNote(t, "plain", nil)
	expiring := signedNote(t, "soon gone", nostr.Tags{{"expiration", "1"}})
	assert.True(t, r.SupportsEvent(plain))
	assert.False(t, r.SupportsEvent(expiring))
	r.SetInfo(&relayinfo.T{Nips: []int{1, 40}})
	assert.True(t, r.SupportsEvent(expiring))
	assert.False(t, r.SupportsEvent(signedNote(t, "pow",
		nostr.Tags{{"nonce", "1", "8"}})))
}

func TestParseRelayConfig(t *testing.T) {
	rc, err := ParseRelayConfig("wss://relay.example/,r")
	require.NoError(t, err)
	assert.Equal(t, RelayConfig{URL: "wss://relay.example", Read: true}, rc)
	assert.Equal(t, "wss://relay.example,r", rc.String())
	rc, err = ParseRelayConfig("relay.example")
	require.NoError(t, err)
	assert.True(t, rc.Read && rc.Write)
	_, err = ParseRelayConfig("wss://relay.example,x")
	assert.Error(t, err)
}

func discardingHandler(conn *websocket.Conn) {
	_, _ = io.ReadAll(conn) // discard all input
}
