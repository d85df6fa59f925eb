// Package client holds the websocket connections to relays: Relay is a single
// connection with its subscriptions and outstanding commands, Pool fans
// requests out over every configured relay and merges what they send back
// into one stream of messages.
package client

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/connection"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/relayinfo"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tags"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
	"go.uber.org/atomic"
)

var log, chk = slog.New(os.Stderr)

type Status int32

const (
	Disconnected Status = iota
	Connecting
	Ready
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	}
	return "disconnected"
}

// Defaults for the send retry loop while the socket is not yet open.
const (
	DefaultSendRetries    = 10
	DefaultSendRetryDelay = 100 * time.Millisecond
	pingInterval          = 29 * time.Second
)

type writeRequest struct {
	msg    []byte
	answer chan error
}

// Relay is one websocket to one relay.
type Relay struct {
	cfg           RelayConfig
	RequestHeader http.Header
	// Retries and Delay bound how long Send waits for the socket to open.
	Retries       int
	Delay         time.Duration
	SkipInfo      bool
	handler       func(Message)
	status        *atomic.Int32
	mx            sync.Mutex
	conn          *connection.C
	connCtx       context.T
	connCancel    context.F
	connecting    chan struct{}
	lastErr       error
	info          *relayinfo.T
	Subscriptions *xsync.MapOf[string, ClientSubscription]
	commands      *xsync.MapOf[string, Command]
	writeQueue    chan writeRequest
}

// Option configures a Relay.
type Option func(r *Relay)

// WithHandler sets the function every message from the relay is passed to.
func WithHandler(fn func(Message)) Option { return func(r *Relay) { r.handler = fn } }

// WithSendRetry sets the number of attempts and the delay between them Send
// makes while the relay is not connected.
func WithSendRetry(n int, d time.Duration) Option {
	return func(r *Relay) { r.Retries, r.Delay = n, d }
}

// WithoutInfo skips fetching the NIP-11 document on connect.
func WithoutInfo() Option { return func(r *Relay) { r.SkipInfo = true } }

// NewRelay creates a relay that is not yet connected.
func NewRelay(cfg RelayConfig, opts ...Option) (r *Relay) {
	cfg.URL = nostr.NormalizeURL(cfg.URL)
	r = &Relay{
		cfg:           cfg,
		Retries:       DefaultSendRetries,
		Delay:         DefaultSendRetryDelay,
		status:        atomic.NewInt32(int32(Disconnected)),
		Subscriptions: xsync.NewMapOf[ClientSubscription](),
		commands:      xsync.NewMapOf[Command](),
		writeQueue:    make(chan writeRequest),
	}
	for _, opt := range opts {
		opt(r)
	}
	return
}

func (r *Relay) URL() string { return r.cfg.URL }

func (r *Relay) String() string { return r.cfg.URL }

func (r *Relay) Config() RelayConfig { return r.cfg }

func (r *Relay) Status() Status { return Status(r.status.Load()) }

// IsReady reports whether the socket is open.
func (r *Relay) IsReady() bool { return r.Status() == Ready }

// Err returns the error that last closed or failed to open the socket.
func (r *Relay) Err() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.lastErr
}

// Info returns the relay information document, nil if none was retrieved.
func (r *Relay) Info() *relayinfo.T {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.info
}

// SetInfo replaces the relay information document.
func (r *Relay) SetInfo(info *relayinfo.T) {
	r.mx.Lock()
	r.info = info
	r.mx.Unlock()
}

// Connect opens the websocket. Calls while a connection attempt is under way
// wait for that attempt instead of opening another socket, calls on an open
// relay return immediately.
func (r *Relay) Connect(c context.T) (err error) {
	r.mx.Lock()
	switch r.Status() {
	case Ready:
		r.mx.Unlock()
		return
	case Connecting:
		wait := r.connecting
		r.mx.Unlock()
		select {
		case <-wait:
		case <-c.Done():
			return c.Err()
		}
		if r.IsReady() {
			return nil
		}
		return fmt.Errorf("%w: %s: %v", ErrNotConnected, r.URL(), r.Err())
	}
	r.status.Store(int32(Connecting))
	done := make(chan struct{})
	r.connecting = done
	r.mx.Unlock()
	defer close(done)
	if _, ok := c.Deadline(); !ok {
		// if no timeout is set, force it to 7 seconds
		var cancel context.F
		c, cancel = context.Timeout(c, 7*time.Second)
		defer cancel()
	}
	var conn *connection.C
	if conn, err = connection.Dial(c, r.URL(), r.RequestHeader); err != nil {
		r.mx.Lock()
		r.lastErr = err
		r.status.Store(int32(Disconnected))
		r.mx.Unlock()
		return fmt.Errorf("error opening websocket to '%s': %w", r.URL(), err)
	}
	cx, cancel := context.Cancel(context.Bg())
	r.mx.Lock()
	r.conn, r.connCtx, r.connCancel, r.lastErr = conn, cx, cancel, nil
	r.status.Store(int32(Ready))
	r.mx.Unlock()
	go r.writeLoop(cx, conn)
	go r.readLoop(cx, conn)
	log.D.Ln("connected to", r.URL())
	if !r.SkipInfo {
		var info *relayinfo.T
		if info, err = relayinfo.Fetch(c, r.URL()); err != nil {
			log.D.F("{%s} no relay information: %v", r.URL(), err)
			err = nil
		} else {
			r.SetInfo(info)
		}
	}
	return
}

// writeLoop serialises every write and the keepalive pings of one socket.
func (r *Relay) writeLoop(cx context.T, conn *connection.C) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				log.D.F("{%s} error writing ping: %v; closing websocket",
					r.URL(), err)
				r.fail(conn, err)
				return
			}
		case wr := <-r.writeQueue:
			wr.answer <- conn.WriteMessage(wr.msg)
		case <-cx.Done():
			return
		}
	}
}

func (r *Relay) readLoop(cx context.T, conn *connection.C) {
	buf := new(bytes.Buffer)
	for {
		buf.Reset()
		if err := conn.ReadMessage(cx, buf); err != nil {
			r.fail(conn, err)
			return
		}
		env := nostr.ParseMessage(buf.Bytes())
		if env == nil {
			log.D.F("{%s} dropping unparseable message: %s", r.URL(),
				buf.String())
			continue
		}
		r.track(env)
		if r.handler != nil {
			r.handler(Message{Relay: r.URL(), Envelope: env,
				Received: time.Now()})
		}
	}
}

// track updates subscription and command records from a relay message.
func (r *Relay) track(env nostr.Envelope) {
	switch e := env.(type) {
	case *nostr.EOSEEnvelope:
		r.Subscriptions.Compute(string(*e),
			func(s ClientSubscription, loaded bool) (ClientSubscription, bool) {
				s.EOSE = true
				return s, !loaded
			})
	case *nostr.ClosedEnvelope:
		log.D.F("{%s} subscription %s closed: %s", r.URL(),
			e.SubscriptionID, e.Reason)
		r.Subscriptions.Delete(e.SubscriptionID)
	case *nostr.OKEnvelope:
		ok := e.OK
		r.updateCommand(e.EventID, func(cmd *Command) {
			cmd.Success, cmd.Response = &ok, e.Reason
		})
	case *nostr.CountEnvelope:
		if e.Count != nil {
			n := *e.Count
			r.updateCommand(e.SubscriptionID, func(cmd *Command) {
				cmd.Count = &n
			})
		}
	case *nostr.NoticeEnvelope:
		log.D.F("NOTICE from %s: '%s'", r.URL(), string(*e))
		r.commands.Range(func(id string, cmd Command) bool {
			if !cmd.Done() && cmd.Response == "" {
				r.updateCommand(id, func(cmd *Command) {
					cmd.Response = string(*e)
				})
			}
			return true
		})
	}
}

func (r *Relay) updateCommand(id string, fn func(cmd *Command)) {
	r.commands.Compute(id, func(cmd Command, loaded bool) (Command, bool) {
		if !loaded {
			return cmd, true
		}
		fn(&cmd)
		return cmd, false
	})
}

// fail records the error that broke conn and closes the relay, unless conn
// has already been replaced.
func (r *Relay) fail(conn *connection.C, err error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.conn != conn {
		return
	}
	r.lastErr = err
	r.shutdown()
}

// shutdown must be called with the mutex held.
func (r *Relay) shutdown() {
	r.status.Store(int32(Disconnected))
	if r.connCancel != nil {
		r.connCancel()
		r.connCancel = nil
	}
	if r.conn != nil {
		chk.D(r.conn.Close())
		r.conn = nil
	}
	r.Subscriptions.Range(func(id string, _ ClientSubscription) bool {
		r.Subscriptions.Delete(id)
		return true
	})
}

// Send writes one message, waiting for the socket to open for up to Retries
// times Delay before failing.
func (r *Relay) Send(c context.T, msg []byte) (err error) {
	for i := 0; !r.IsReady(); i++ {
		if i >= r.Retries {
			return fmt.Errorf("%w: %s after %d attempts", ErrNotConnected,
				r.URL(), r.Retries)
		}
		select {
		case <-time.After(r.Delay):
		case <-c.Done():
			return c.Err()
		}
	}
	r.mx.Lock()
	cx := r.connCtx
	r.mx.Unlock()
	wr := writeRequest{msg: msg, answer: make(chan error, 1)}
	select {
	case r.writeQueue <- wr:
	case <-cx.Done():
		return fmt.Errorf("%w: %s", ErrNotConnected, r.URL())
	case <-c.Done():
		return c.Err()
	}
	select {
	case err = <-wr.answer:
	case <-c.Done():
		err = c.Err()
	}
	log.T.F("{%s} sent %s", r.URL(), msg)
	return
}

// SendEnvelope marshals and sends a client message.
func (r *Relay) SendEnvelope(c context.T, env nostr.Envelope) (err error) {
	var b []byte
	if b, err = env.MarshalJSON(); chk.E(err) {
		return
	}
	return r.Send(c, b)
}

// SupportsEvent reports whether the relay advertises every NIP the tags of
// the event need. Relays without a document only take events needing none.
func (r *Relay) SupportsEvent(ev *nostr.Event) bool {
	return r.Info().Supports(tags.RequiredNIPs(ev.Tags)...)
}

// AddCommand starts tracking a message awaiting a response.
func (r *Relay) AddCommand(id string, typ ReqType) {
	r.commands.Store(id, Command{ID: id, Type: typ, Relay: r.URL(),
		Created: time.Now()})
}

// Command returns the record of a tracked message.
func (r *Relay) Command(id string) (cmd Command, ok bool) {
	return r.commands.Load(id)
}

// Commands returns every tracked message.
func (r *Relay) Commands() (cmds []Command) {
	r.commands.Range(func(_ string, cmd Command) bool {
		cmds = append(cmds, cmd)
		return true
	})
	return
}

// Subscribe sends a REQ or COUNT with the given filters and records the
// subscription.
func (r *Relay) Subscribe(c context.T, req Request) (sub ClientSubscription,
	err error) {

	var env nostr.Envelope
	switch req.Type {
	case COUNT:
		env = &nostr.CountEnvelope{SubscriptionID: req.ID, Filters: req.Filters}
	case AUTH:
		if req.Event == nil {
			return sub, fmt.Errorf("AUTH request %s without event", req.ID)
		}
		env = &nostr.AuthEnvelope{Event: *req.Event}
	default:
		req.Type = REQ
		env = &nostr.ReqEnvelope{SubscriptionID: req.ID, Filters: req.Filters}
	}
	sub = ClientSubscription{
		ID:       req.ID,
		Type:     req.Type,
		Relay:    r.URL(),
		Filters:  req.Filters,
		Options:  req.Options,
		Created:  time.Now(),
		IsActive: true,
	}
	switch req.Type {
	case COUNT:
		r.AddCommand(req.ID, COUNT)
	case AUTH:
		r.AddCommand(req.Event.ID, AUTH)
	}
	if req.Type != AUTH {
		r.Subscriptions.Store(req.ID, sub)
	}
	if err = r.SendEnvelope(c, env); err != nil {
		r.Subscriptions.Delete(req.ID)
		return
	}
	return
}

// Unsubscribe sends CLOSE for a subscription held on this relay. Unknown ids
// are ignored.
func (r *Relay) Unsubscribe(c context.T, id string) {
	if _, ok := r.Subscriptions.LoadAndDelete(id); !ok {
		return
	}
	if !r.IsReady() {
		return
	}
	closeEnv := nostr.CloseEnvelope(id)
	if err := r.SendEnvelope(c, &closeEnv); err != nil {
		log.D.F("{%s} sending CLOSE %s: %v", r.URL(), id, err)
	}
}

// Publish sends an EVENT and tracks it as a command keyed by the event id.
func (r *Relay) Publish(c context.T, ev *nostr.Event) (err error) {
	r.AddCommand(ev.ID, EVENT)
	return r.SendEnvelope(c, &nostr.EventEnvelope{Event: *ev})
}

// Close closes the socket. Closing a relay that is not connected is not an
// error.
func (r *Relay) Close() {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.shutdown()
}
