package engine

import (
	"errors"
	"sort"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/client"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tags"
	"github.com/Hubmakerlabs/feedr/pkg/store"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
)

// Page is one page of a query, newest first, and the query for the next.
type Page struct {
	Events []LightProcessedEvent `json:"events"`
	Next   Query                 `json:"next"`
}

// GetEvents returns the next page of a query. A query with ReqCount zero
// starts over with an empty working set. Unless the query is offline a live
// subscription for its window is sent to the relays first.
func (e *Engine) GetEvents(c context.T, q Query) (page *Page, err error) {
	if !e.ready.Load() {
		return nil, ErrNotReady
	}
	if _, err = windowOf(q.Filter, e.now()); err != nil {
		return
	}
	if !q.IsOffline {
		e.mirror(c, q)
	}
	var evs []*nostr.Event
	var perr error
	page = &Page{}
	if err = e.do(c, true, func(c context.T) {
		if q.ReqCount == 0 {
			e.reset()
		}
		exclude := e.working.ids()
		if evs, page.Next, perr = e.paginate(c, q, exclude); perr != nil {
			return
		}
		if w, werr := windowOf(q.Filter, e.now()); werr == nil {
			e.lastWindow = &w
		}
		for _, ev := range evs {
			pe, _ := e.working.add(newProcessed(ev, ""))
			e.attachUser(c, pe)
			page.Events = append(page.Events, pe.Light())
		}
	}); err != nil {
		return nil, err
	}
	if perr != nil {
		return nil, perr
	}
	if !q.IsOffline && len(evs) > 0 {
		e.enrich(evs, q.View)
	}
	return
}

// mirror subscribes the relays to the window of a page query.
func (e *Engine) mirror(c context.T, q Query) {
	if !e.client.IsReady() {
		return
	}
	w, _ := windowOf(q.Filter, e.now())
	f := q.Filter
	// an open upper bound keeps the subscription streaming new events
	f.Since, f.Until = &w.since, nil
	if q.Filter.Until != nil {
		f.Until = &w.until
	}
	if _, err := e.client.Subscribe(c, client.Request{
		ID:      "page:" + q.View,
		Filters: nostr.Filters{f},
		Options: client.SubscriptionOptions{View: q.View, IsLive: true},
	}); err != nil {
		log.D.F("mirroring page query: %v", err)
	}
}

// enrich asks the relays for the authors and the related events of evs.
func (e *Engine) enrich(evs []*nostr.Event, view string) {
	var ids, authors []string
	for _, ev := range evs {
		ids = append(ids, ev.ID)
		if !slices.Contains(authors, ev.PubKey) {
			authors = append(authors, ev.PubKey)
		}
	}
	opts := client.SubscriptionOptions{View: view}
	e.requestAsync(InformationRequest{Source: SourceUsers,
		IDsOrKeys: authors}, opts, kind.Metadata)
	e.requestAsync(InformationRequest{Source: SourceEvents, IDsOrKeys: ids},
		opts)
}

type GetEventOptions struct {
	View       string
	RetryCount int
	// RelayUrls are connected for reading when the event is not known
	// locally.
	RelayUrls []string
	IsLive    bool
}

// GetEvent returns an event from the working set or the store. When it is
// in neither on a first try, the relays are asked for it and nil is
// returned for the caller to retry.
func (e *Engine) GetEvent(c context.T, id string,
	opts GetEventOptions) (l *LightProcessedEvent, err error) {

	var pe *ProcessedEvent
	var gerr error
	if err = e.do(c, true, func(c context.T) {
		if pe = e.working.get(id); pe == nil {
			var ev *nostr.Event
			if ev, gerr = e.store.GetEvent(c, id); gerr != nil {
				if errors.Is(gerr, store.ErrNotFound) {
					gerr = nil
				}
				return
			}
			pe, _ = e.working.add(newProcessed(ev, ""))
			e.attachUser(c, pe)
		}
		light := pe.Light()
		l = &light
	}); err != nil {
		return nil, err
	}
	if gerr != nil {
		return nil, gerr
	}
	sopts := client.SubscriptionOptions{View: opts.View, IsLive: opts.IsLive}
	if l != nil {
		e.requestAsync(InformationRequest{Source: SourceEvents,
			IDsOrKeys: []string{id}}, sopts)
		e.requestAsync(InformationRequest{Source: SourceUsers,
			IDsOrKeys: []string{l.Event.PubKey}}, sopts, kind.Metadata)
		return
	}
	if opts.RetryCount > 0 {
		return
	}
	go func() {
		c := e.ctx
		if len(opts.RelayUrls) > 0 {
			cfgs := make([]client.RelayConfig, len(opts.RelayUrls))
			for i, u := range opts.RelayUrls {
				cfgs[i] = client.RelayConfig{URL: u, Read: true}
			}
			if err := e.client.Connect(c, cfgs); err != nil {
				log.D.F("connecting relay hints: %v", err)
			}
		}
		sopts.UnsubscribeOnEOSE = true
		sopts.TimeoutIn = e.cfg.InfoTimeout
		if err := e.RequestInformation(c, InformationRequest{Source: SourceIDs,
			IDsOrKeys: []string{id}}, sopts); err != nil {
			log.D.F("requesting event %s: %v", id, err)
		}
	}()
	return
}

// GetEventReplies returns the replies to an event, newest first.
func (e *Engine) GetEventReplies(c context.T,
	id string) (replies []LightProcessedEvent, err error) {

	var rerr error
	if err = e.do(c, true, func(c context.T) {
		var stored []*nostr.Event
		if stored, rerr = e.store.RelatedEvents(c, tags.Event, id,
			kind.Ints(kind.TextNote, kind.LongFormContent)...); rerr != nil {
			return
		}
		byID := make(map[string]*nostr.Event)
		for _, ev := range append(stored, e.replies[id]...) {
			if e.blocked[ev.PubKey] ||
				!slices.Contains(tags.Targets(ev.Tags), id) {
				continue
			}
			byID[ev.ID] = ev
		}
		evs := make([]*nostr.Event, 0, len(byID))
		for _, ev := range byID {
			evs = append(evs, ev)
		}
		sort.Slice(evs, func(i, j int) bool {
			if evs[i].CreatedAt != evs[j].CreatedAt {
				return evs[i].CreatedAt > evs[j].CreatedAt
			}
			return evs[i].ID < evs[j].ID
		})
		for _, ev := range evs {
			pe := e.working.get(ev.ID)
			if pe == nil {
				pe = newProcessed(ev, "")
				if u, found := e.user(c, ev.PubKey); found && u.User.Data != nil {
					usr := u.User
					pe.User = &usr
				}
			}
			replies = append(replies, pe.Light())
		}
	}); err != nil {
		return
	}
	err = rerr
	return
}

// notifyOfNewEvent flags newer events when a live event is close to the
// upper bound of the last page query and newer than any flagged before.
func (e *Engine) notifyOfNewEvent(ev *nostr.Event) {
	if e.lastWindow == nil ||
		ev.CreatedAt < e.lastWindow.until-NewEventWindow ||
		ev.CreatedAt <= e.lastNotified {
		return
	}
	e.lastNotified = ev.CreatedAt
	e.hasNewer.Store(true)
	e.emit(Notification{Type: NewerEvents})
}

type InformationSource string

const (
	// SourceUsers asks for events by the given pubkeys.
	SourceUsers InformationSource = "users"
	// SourceEvents asks for events referring to the given ids.
	SourceEvents InformationSource = "events"
	// SourceIDs asks for the events with the given ids.
	SourceIDs InformationSource = "ids"
)

type InformationRequest struct {
	Source    InformationSource
	IDsOrKeys []string
}

// defaultRelatedKinds are asked for about events without explicit kinds.
var defaultRelatedKinds = []kind.T{kind.TextNote, kind.Repost, kind.Reaction,
	kind.ZapReceipt}

// RequestInformation asks the relays for metadata of users or for events
// related to a set of events. Requests close on EOSE unless they are live.
func (e *Engine) RequestInformation(c context.T, req InformationRequest,
	opts client.SubscriptionOptions, kinds ...kind.T) (err error) {

	if len(req.IDsOrKeys) == 0 {
		return
	}
	var f nostr.Filter
	switch req.Source {
	case SourceUsers:
		if len(kinds) == 0 {
			kinds = []kind.T{kind.Metadata}
		}
		f = nostr.Filter{Authors: req.IDsOrKeys, Kinds: kind.Ints(kinds...)}
	case SourceEvents:
		if len(kinds) == 0 {
			kinds = defaultRelatedKinds
		}
		f = nostr.Filter{Tags: nostr.TagMap{tags.Event: req.IDsOrKeys},
			Kinds: kind.Ints(kinds...)}
	case SourceIDs:
		f = nostr.Filter{IDs: req.IDsOrKeys}
		if len(kinds) > 0 {
			f.Kinds = kind.Ints(kinds...)
		}
	default:
		return log.E.Err("unknown information source '%s'", req.Source)
	}
	if !opts.IsLive {
		opts.UnsubscribeOnEOSE = true
	}
	if opts.TimeoutIn == 0 {
		opts.TimeoutIn = e.cfg.InfoTimeout
	}
	_, err = e.Subscribe(c, client.Request{Filters: nostr.Filters{f},
		Options: opts})
	return
}

// requestAsync sends an information request without waiting for the relay
// client.
func (e *Engine) requestAsync(req InformationRequest,
	opts client.SubscriptionOptions, kinds ...kind.T) {

	if len(req.IDsOrKeys) == 0 || !e.client.IsReady() {
		return
	}
	go func() {
		if err := e.RequestInformation(e.ctx, req, opts, kinds...); err != nil {
			log.D.F("requesting %s information: %v", req.Source, err)
		}
	}()
}
