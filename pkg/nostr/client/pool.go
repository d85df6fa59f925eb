package client

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/relayinfo"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v2"
	"golang.org/x/exp/slices"
	"lukechampine.com/frand"
)

type poolSub struct {
	req   Request
	timer *time.Timer
}

// Pool is the set of relay connections the client talks to.
type Pool struct {
	relays     *xsync.MapOf[string, *Relay]
	subs       *xsync.MapOf[string, *poolSub]
	relayOpts  []Option
	listenerMx sync.RWMutex
	listener   func(Message)
}

// NewPool creates an empty pool, the options apply to every relay added.
func NewPool(opts ...Option) *Pool {
	return &Pool{
		relays:    xsync.NewMapOf[*Relay](),
		subs:      xsync.NewMapOf[*poolSub](),
		relayOpts: opts,
	}
}

// NewSubscriptionID returns a random subscription id.
func NewSubscriptionID() string { return hex.EncodeToString(frand.Bytes(8)) }

// Listen sets the function every message from every relay is passed to,
// replacing any previous one.
func (p *Pool) Listen(fn func(Message)) {
	p.listenerMx.Lock()
	p.listener = fn
	p.listenerMx.Unlock()
}

// Add registers a relay without connecting it, returning the existing relay
// for a known url.
func (p *Pool) Add(cfg RelayConfig) (r *Relay) {
	cfg.URL = nostr.NormalizeURL(cfg.URL)
	opts := append(slices.Clone(p.relayOpts), WithHandler(p.dispatch))
	r, _ = p.relays.LoadOrStore(cfg.URL, NewRelay(cfg, opts...))
	return
}

// Connect adds and connects every relay concurrently. It fails only if no
// relay at all could be connected.
func (p *Pool) Connect(c context.T, cfgs []RelayConfig) (err error) {
	var wg sync.WaitGroup
	errs := make([]error, len(cfgs))
	for i := range cfgs {
		r := p.Add(cfgs[i])
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Connect(c)
		}(i)
	}
	wg.Wait()
	if len(cfgs) > 0 && !p.IsReady() {
		return errors.Join(errs...)
	}
	for _, e := range errs {
		if e != nil {
			log.W.Ln(e)
		}
	}
	return
}

// Relay returns the relay with the given url.
func (p *Pool) Relay(url string) (r *Relay, ok bool) {
	return p.relays.Load(nostr.NormalizeURL(url))
}

// Relays returns every relay in the pool ordered by url.
func (p *Pool) Relays() (relays []*Relay) {
	p.relays.Range(func(_ string, r *Relay) bool {
		relays = append(relays, r)
		return true
	})
	slices.SortFunc(relays, func(a, b *Relay) int {
		return strings.Compare(a.URL(), b.URL())
	})
	return
}

// IsReady reports whether at least one relay is connected.
func (p *Pool) IsReady() (ready bool) {
	p.relays.Range(func(_ string, r *Relay) bool {
		ready = r.IsReady()
		return !ready
	})
	return
}

func (p *Pool) dispatch(m Message) {
	switch env := m.Envelope.(type) {
	case *nostr.EOSEEnvelope:
		if ps, ok := p.subs.Load(string(*env)); ok &&
			ps.req.Options.UnsubscribeOnEOSE {
			if r, ok := p.relays.Load(m.Relay); ok {
				r.Unsubscribe(context.Bg(), ps.req.ID)
			}
			p.forgetIfUnused(ps.req.ID)
		}
	case *nostr.ClosedEnvelope:
		p.forgetIfUnused(env.SubscriptionID)
	}
	p.listenerMx.RLock()
	fn := p.listener
	p.listenerMx.RUnlock()
	if fn != nil {
		fn(m)
	}
}

// forgetIfUnused drops the pool record of a subscription no relay holds
// anymore.
func (p *Pool) forgetIfUnused(id string) {
	held := false
	p.relays.Range(func(_ string, r *Relay) bool {
		_, held = r.Subscriptions.Load(id)
		return !held
	})
	if held {
		return
	}
	if ps, ok := p.subs.LoadAndDelete(id); ok && ps.timer != nil {
		ps.timer.Stop()
	}
}

// Subscribe sends the request to every connected relay that reads, skipping
// the others, and returns the subscription records of the relays that took
// it. A request without id gets a random one.
func (p *Pool) Subscribe(c context.T, req Request) (subs []ClientSubscription,
	err error) {

	if req.Type == CLOSE {
		p.Unsubscribe(req.ID)
		return
	}
	if req.ID == "" {
		req.ID = NewSubscriptionID()
	}
	if req.Type == "" {
		req.Type = REQ
	}
	var errs []error
	for _, r := range p.Relays() {
		if !r.IsReady() || (req.Type != AUTH && !r.Config().Read) {
			continue
		}
		var sub ClientSubscription
		if sub, err = r.Subscribe(c, req); err != nil {
			errs = append(errs, err)
			continue
		}
		subs = append(subs, sub)
	}
	err = nil
	if len(subs) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, ErrNotReady
	}
	ps := &poolSub{req: req}
	if req.Type != AUTH {
		if req.Options.TimeoutIn > 0 {
			id := req.ID
			ps.timer = time.AfterFunc(req.Options.TimeoutIn, func() {
				log.T.Ln("subscription timed out", id)
				p.Unsubscribe(id)
			})
		}
		if old, loaded := p.subs.LoadAndStore(req.ID, ps); loaded &&
			old.timer != nil {
			old.timer.Stop()
		}
	}
	return
}

// Unsubscribe closes the subscriptions on every relay holding them. Unknown
// ids are ignored.
func (p *Pool) Unsubscribe(ids ...string) {
	for _, id := range ids {
		if ps, ok := p.subs.LoadAndDelete(id); ok && ps.timer != nil {
			ps.timer.Stop()
		}
		p.relays.Range(func(_ string, r *Relay) bool {
			r.Unsubscribe(context.Bg(), id)
			return true
		})
	}
}

// UnsubscribeAll closes every subscription.
func (p *Pool) UnsubscribeAll() {
	var ids []string
	p.subs.Range(func(id string, _ *poolSub) bool {
		ids = append(ids, id)
		return true
	})
	p.relays.Range(func(_ string, r *Relay) bool {
		r.Subscriptions.Range(func(id string, _ ClientSubscription) bool {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
			return true
		})
		return true
	})
	p.Unsubscribe(ids...)
}

// Subscription returns the pool wide request of a subscription.
func (p *Pool) Subscription(id string) (req Request, ok bool) {
	var ps *poolSub
	if ps, ok = p.subs.Load(id); ok {
		req = ps.req
	}
	return
}

// Subscriptions returns the records of every relay's subscriptions.
func (p *Pool) Subscriptions() (subs []ClientSubscription) {
	for _, r := range p.Relays() {
		r.Subscriptions.Range(func(_ string, s ClientSubscription) bool {
			subs = append(subs, s)
			return true
		})
	}
	return
}

// Eligible returns the urls of the connected relays that write and support
// the NIPs the event needs. With required urls only those relays count and
// all of them have to be eligible.
func (p *Pool) Eligible(ev *nostr.Event, required ...string) (urls []string,
	err error) {

	ok := func(r *Relay) bool {
		return r.IsReady() && r.Config().Write && r.SupportsEvent(ev)
	}
	if len(required) > 0 {
		var missing []string
		for _, u := range required {
			if r, found := p.Relay(u); !found || !ok(r) {
				missing = append(missing, nostr.NormalizeURL(u))
				continue
			}
			urls = append(urls, nostr.NormalizeURL(u))
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrRequiredRelaysMissing,
				strings.Join(missing, ", "))
		}
		return
	}
	for _, r := range p.Relays() {
		if ok(r) {
			urls = append(urls, r.URL())
		}
	}
	if len(urls) == 0 {
		return nil, ErrNoWritableRelay
	}
	return
}

// SendEvent publishes the event to the relays Eligible selects and returns
// the urls it was dispatched to.
func (p *Pool) SendEvent(c context.T, ev *nostr.Event,
	required ...string) (sent []string, err error) {

	var urls []string
	if urls, err = p.Eligible(ev, required...); err != nil {
		return
	}
	var errs []error
	for _, u := range urls {
		r, _ := p.Relay(u)
		if e := r.Publish(c, ev); e != nil {
			errs = append(errs, e)
			continue
		}
		sent = append(sent, u)
	}
	if len(sent) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoWritableRelay, errors.Join(errs...))
	}
	return
}

// Info returns the information document of a relay, nil when unknown.
func (p *Pool) Info(url string) *relayinfo.T {
	if r, ok := p.Relay(url); ok {
		return r.Info()
	}
	return nil
}

// Auth answers the AUTH challenge of one relay with a signed event.
func (p *Pool) Auth(c context.T, url string, ev *nostr.Event) (err error) {
	r, ok := p.Relay(url)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, url)
	}
	_, err = r.Subscribe(c, Request{Type: AUTH, Event: ev})
	return
}

// Close closes and removes one relay.
func (p *Pool) Close(url string) {
	if r, ok := p.relays.LoadAndDelete(nostr.NormalizeURL(url)); ok {
		r.Close()
	}
}

// DisconnectAll closes every subscription and every socket and empties the
// pool. Dead sockets don't stop the others from being closed.
func (p *Pool) DisconnectAll() {
	p.UnsubscribeAll()
	p.relays.Range(func(url string, r *Relay) bool {
		r.Close()
		p.relays.Delete(url)
		return true
	})
}
