package engine

import (
	"errors"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/bolt11"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/client"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tags"
	"github.com/Hubmakerlabs/feedr/pkg/store"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
)

// origin is where an event came from and who asked for it.
type origin struct {
	relay  string
	view   string
	isLive bool
}

type merger func(e *Engine, c context.T, ev *nostr.Event, o origin)

var mergers = map[kind.Class]merger{
	kind.ClassMetadata:   (*Engine).mergeMetadata,
	kind.ClassNote:       (*Engine).mergeNote,
	kind.ClassReaction:   (*Engine).mergeReaction,
	kind.ClassRepost:     (*Engine).mergeRepost,
	kind.ClassZapReceipt: (*Engine).mergeZapReceipt,
	kind.ClassContacts:   (*Engine).mergeContacts,
}

// ProcessMessage handles a relay message in arrival order with the messages
// coming from the relays and returns once it is processed.
func (e *Engine) ProcessMessage(c context.T, m client.Message) (err error) {
	return e.do(c, false, func(c context.T) { e.processMessage(c, m) })
}

func (e *Engine) processMessage(c context.T, m client.Message) {
	switch env := m.Envelope.(type) {
	case *nostr.EventEnvelope:
		e.processEvent(c, m, &env.Event)
	case *nostr.OKEnvelope:
		e.processOK(m, env)
	case *nostr.AuthEnvelope:
		e.processAuth(c, m, env)
	case nil:
	default:
		e.forward(m)
	}
}

func (e *Engine) processEvent(c context.T, m client.Message, ev *nostr.Event) {
	e.metrics.Received(m.Relay)
	if pe := e.working.get(ev.ID); pe != nil {
		pe.addRelay(m.Relay)
		e.metrics.Dropped(DropDuplicate)
		return
	}
	if !e.verify(ev) {
		log.D.F("{%s} dropping event %s with bad signature", m.Relay, ev.ID)
		e.metrics.Dropped(DropSignature)
		return
	}
	if e.blocked[ev.PubKey] {
		e.metrics.Dropped(DropBlocked)
		return
	}
	o := origin{relay: m.Relay}
	if req, ok := e.client.Subscription(m.SubscriptionID()); ok {
		o.view, o.isLive = req.Options.View, req.Options.IsLive
	}
	k := kind.T(ev.Kind)
	if merge, ok := mergers[kind.Classify(k)]; ok {
		merge(e, c, ev, o)
		e.metrics.Merged(k)
		return
	}
	log.T.F("{%s} no merge for kind %s", m.Relay, k)
}

// user returns the stored record of a pubkey, a new one if none is stored.
func (e *Engine) user(c context.T, pubkey string) (u *store.UserRecord,
	found bool) {

	var err error
	if u, err = e.store.GetUser(c, pubkey); err == nil {
		return u, true
	}
	if !errors.Is(err, store.ErrNotFound) {
		log.E.F("loading user %s: %v", pubkey, err)
	}
	return store.NewUserRecord(pubkey), false
}

func (e *Engine) saveUser(c context.T, u *store.UserRecord) {
	if err := e.store.SaveUser(c, u); err != nil {
		log.E.F("saving user %s: %v", u.User.Pubkey, err)
	}
}

// attachUser sets the author data of a processed event from the store, and
// asks the relays for it when the store has none.
func (e *Engine) attachUser(c context.T, pe *ProcessedEvent) {
	u, found := e.user(c, pe.Event.PubKey)
	if found && u.User.Data != nil {
		usr := u.User
		pe.User = &usr
		return
	}
	e.requestAsync(InformationRequest{Source: SourceUsers,
		IDsOrKeys: []string{pe.Event.PubKey}}, client.SubscriptionOptions{},
		kind.Metadata)
}

// learnRelays adds the relay an event arrived on and the p tag hints to the
// user records.
func (e *Engine) learnRelays(c context.T, ev *nostr.Event, relay string) {
	hints := map[string][]string{ev.PubKey: {relay}}
	for _, ref := range tags.References(ev.Tags, tags.Pubkey) {
		if ref.Relay != "" && !e.blocked[ref.Value] {
			hints[ref.Value] = append(hints[ref.Value], ref.Relay)
		}
	}
	for pk, urls := range hints {
		u, found := e.user(c, pk)
		if !found && pk != ev.PubKey {
			continue
		}
		changed := !found
		for _, url := range urls {
			changed = u.AddRelay(url) || changed
		}
		if changed {
			e.saveUser(c, u)
		}
	}
}

func (e *Engine) mergeMetadata(c context.T, ev *nostr.Event, o origin) {
	u, _ := e.user(c, ev.PubKey)
	if !u.ApplyMetadata(ev) {
		return
	}
	u.AddRelay(o.relay)
	e.saveUser(c, u)
	usr := u.User
	e.working.each(func(pe *ProcessedEvent) {
		if pe.Event.PubKey == ev.PubKey {
			cp := usr
			pe.User = &cp
		}
	})
	e.emit(Notification{Type: UserUpdated, View: o.view, Relay: o.relay,
		User: &usr})
}

func (e *Engine) updated(pe *ProcessedEvent, o origin) {
	l := pe.Light()
	e.emit(Notification{Type: EventUpdated, View: o.view, Relay: o.relay,
		Event: &l})
}

func (e *Engine) mergeNote(c context.T, ev *nostr.Event, o origin) {
	if tags.IsReply(ev.Tags) {
		e.mergeReply(c, ev, o)
		return
	}
	if e.following[ev.PubKey] {
		e.persist(c, ev)
		e.learnRelays(c, ev, o.relay)
	}
	if !o.isLive {
		return
	}
	pe, added := e.working.add(newProcessed(ev, o.relay))
	if !added {
		return
	}
	e.attachUser(c, pe)
	l := pe.Light()
	e.emit(Notification{Type: EventCreated, View: o.view, Relay: o.relay,
		Event: &l})
	e.notifyOfNewEvent(ev)
}

func (e *Engine) mergeReply(c context.T, ev *nostr.Event, o origin) {
	targets := tags.Targets(ev.Tags)
	for _, id := range targets {
		if !slices.ContainsFunc(e.replies[id], func(r *nostr.Event) bool {
			return r.ID == ev.ID
		}) {
			e.replies[id] = append(e.replies[id], ev)
		}
	}
	if e.following[ev.PubKey] {
		e.persist(c, ev)
	}
	for _, id := range targets {
		pe := e.working.get(id)
		if pe == nil {
			continue
		}
		if pe.addReply(Reply{ID: ev.ID, Pubkey: ev.PubKey,
			Content: ev.Content}) {
			e.updated(pe, o)
		}
	}
}

func (e *Engine) persist(c context.T, ev *nostr.Event) {
	err := e.store.SaveEvent(c, ev)
	switch {
	case err == nil:
		e.metrics.Persisted()
	case errors.Is(err, store.ErrDupEvent):
	default:
		log.E.F("saving event %s: %v", ev.ID, err)
	}
}

// target returns the in-memory event a reaction, repost or zap refers to.
func (e *Engine) target(ev *nostr.Event) (pe *ProcessedEvent) {
	id, ok := tags.ReplyTarget(ev.Tags)
	if !ok {
		return
	}
	if pe = e.working.get(id); pe == nil {
		e.metrics.Dropped(DropUntracked)
	}
	return
}

func (e *Engine) mergeReaction(c context.T, ev *nostr.Event, o origin) {
	if pe := e.target(ev); pe != nil && pe.addReaction(Reaction{ID: ev.ID,
		Pubkey: ev.PubKey, Content: ev.Content}) {
		e.updated(pe, o)
	}
}

func (e *Engine) mergeRepost(c context.T, ev *nostr.Event, o origin) {
	if pe := e.target(ev); pe != nil && pe.addRepost(Repost{ID: ev.ID,
		Pubkey: ev.PubKey}) {
		e.updated(pe, o)
	}
}

func (e *Engine) mergeZapReceipt(c context.T, ev *nostr.Event, o origin) {
	id, ok := tags.Root(ev.Tags)
	if !ok {
		return
	}
	invoice, ok := tags.First(ev.Tags, tags.Bolt11)
	if !ok {
		log.D.F("zap receipt %s without invoice", ev.ID)
		e.metrics.Dropped(DropInvoice)
		return
	}
	sats, err := bolt11.Sats(invoice)
	if err != nil {
		log.D.F("zap receipt %s: %v", ev.ID, err)
		e.metrics.Dropped(DropInvoice)
		return
	}
	pe := e.working.get(id)
	if pe == nil {
		e.metrics.Dropped(DropUntracked)
		return
	}
	if pe.addZap(ZapReceipt{ID: ev.ID, Pubkey: ev.PubKey, Amount: sats}) {
		e.updated(pe, o)
	}
}

func (e *Engine) mergeContacts(c context.T, ev *nostr.Event, o origin) {
	newest, err := e.store.SaveContacts(c, ev)
	if chk.E(err) || !newest {
		return
	}
	e.metrics.Persisted()
	if ev.PubKey != e.cfg.Pubkey {
		return
	}
	added := e.applyFollowList(c, tags.Values(ev.Tags, tags.Pubkey))
	e.requestAsync(InformationRequest{Source: SourceUsers, IDsOrKeys: added},
		client.SubscriptionOptions{View: o.view}, kind.Metadata)
}

// applyFollowList makes the local follow flags match pubkeys and returns the
// newly followed ones.
func (e *Engine) applyFollowList(c context.T, pubkeys []string) (added []string) {
	next := make(map[string]bool, len(pubkeys))
	for _, pk := range pubkeys {
		if pk == e.cfg.Pubkey || e.blocked[pk] {
			continue
		}
		next[pk] = true
		if !e.following[pk] {
			added = append(added, pk)
		}
	}
	for pk := range e.following {
		if !next[pk] {
			e.setFollowing(c, pk, false)
		}
	}
	for _, pk := range added {
		e.setFollowing(c, pk, true)
	}
	return
}

func (e *Engine) setFollowing(c context.T, pk string, following bool) {
	u, _ := e.user(c, pk)
	u.Following = following
	e.saveUser(c, u)
	if following {
		e.following[pk] = true
	} else {
		delete(e.following, pk)
	}
}
