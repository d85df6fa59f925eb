package engine

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tags"
	"github.com/Hubmakerlabs/feedr/pkg/publish"
	"github.com/nbd-wtf/go-nostr"
)

// SendRequest is an event to publish. An unsigned event is signed with the
// configured signer.
type SendRequest struct {
	Event *nostr.Event
	// RequiredRelays restricts publishing to these relays, all of which have
	// to be connected and able to take the event.
	RequiredRelays []string
	// Pow is the proof of work difficulty to mine before sending. Relays
	// demanding more get a separately mined copy.
	Pow int
	// ExpiresIn adds a NIP-40 expiration tag.
	ExpiresIn time.Duration
}

// SendEvent publishes an event and returns its publishing queue entries,
// one per eligible relay. It fails when no relay could take the event.
func (e *Engine) SendEvent(c context.T, req SendRequest) (entries []publish.Entry,
	err error) {

	if !e.ready.Load() {
		return nil, ErrNotReady
	}
	if req.Event == nil {
		return nil, fmt.Errorf("send request without event")
	}
	ev := copyEvent(req.Event)
	resign := false
	if req.Pow > 0 && tags.Has(ev.Tags, tags.Nonce) {
		return nil, fmt.Errorf("%w: %s", ErrTagPresent, tags.Nonce)
	}
	if req.ExpiresIn > 0 {
		if tags.Has(ev.Tags, tags.Expiry) {
			return nil, fmt.Errorf("%w: %s", ErrTagPresent, tags.Expiry)
		}
		exp := e.now() + nostr.Timestamp(req.ExpiresIn/time.Second)
		ev.Tags = append(ev.Tags, nostr.Tag{tags.Expiry,
			strconv.FormatInt(int64(exp), 10)})
		resign = true
	}
	if ev.Sig == "" || resign {
		if err = e.sign(ev); err != nil {
			return
		}
	}
	var urls []string
	if urls, err = e.client.Eligible(ev, req.RequiredRelays...); err != nil {
		return
	}
	groups := make(map[int][]string)
	for _, u := range urls {
		d := req.Pow
		if info := e.client.Info(u); info != nil &&
			info.Limitation.MinPowDifficulty > d {
			d = info.Limitation.MinPowDifficulty
		}
		groups[d] = append(groups[d], u)
	}
	difficulties := make([]int, 0, len(groups))
	for d := range groups {
		difficulties = append(difficulties, d)
	}
	sort.Ints(difficulties)
	var sent int
	collect := func(id string, group []string) {
		for _, u := range group {
			if en, found := e.publishing.Get(id, u); found {
				entries = append(entries, en)
			}
		}
	}
	for _, d := range difficulties {
		out := ev
		group := groups[d]
		for _, u := range group {
			e.publishing.Add(ev, u)
			if d > 0 {
				e.publishing.RequirePow(ev.ID, u, d)
			}
		}
		if d > 0 {
			if out, err = e.mine(c, ev, d, group); err != nil {
				for _, u := range group {
					e.publishing.Failed(ev.ID, u, err.Error())
				}
				collect(ev.ID, group)
				continue
			}
		}
		var ok []string
		if ok, err = e.client.SendEvent(c, out, group...); err != nil {
			for _, u := range group {
				e.publishing.Failed(out.ID, u, err.Error())
			}
			collect(out.ID, group)
			continue
		}
		for _, u := range ok {
			e.publishing.Sent(out.ID, u)
		}
		sent += len(ok)
		collect(out.ID, group)
	}
	if sent == 0 && err == nil {
		err = fmt.Errorf("event %s was not sent", ev.ID)
	}
	if sent > 0 {
		err = nil
	}
	return
}

// mine runs proof of work for the relays of group and swaps their queue
// entries over to the mined event.
func (e *Engine) mine(c context.T, ev *nostr.Event, difficulty int,
	group []string) (mined *nostr.Event, err error) {

	if e.signer == nil {
		return nil, fmt.Errorf("%w for proof of work", ErrNoSigner)
	}
	if mined, err = e.miner.Mine(c, ev, difficulty); err != nil {
		return
	}
	if err = e.sign(mined); err != nil {
		return
	}
	for _, u := range group {
		e.publishing.Mined(ev.ID, u, mined)
	}
	return
}

func (e *Engine) sign(ev *nostr.Event) (err error) {
	if e.signer == nil {
		return ErrNoSigner
	}
	if ev.PubKey == "" {
		ev.PubKey = e.signer.PublicKey()
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = e.now()
	}
	return e.signer.Sign(ev)
}

func copyEvent(ev *nostr.Event) (cp *nostr.Event) {
	c := *ev
	c.Tags = make(nostr.Tags, len(ev.Tags))
	for i := range ev.Tags {
		c.Tags[i] = append(nostr.Tag{}, ev.Tags[i]...)
	}
	return &c
}
