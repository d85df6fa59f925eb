package engine

import (
	"errors"
	"sort"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/client"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/store"
	"github.com/nbd-wtf/go-nostr"
)

// FollowUser marks a user followed, stores the notes of the user already in
// memory and, with a signer, publishes the new contact list.
func (e *Engine) FollowUser(c context.T, pubkey string) (err error) {
	var contacts *nostr.Event
	var ferr error
	if err = e.do(c, true, func(c context.T) {
		if e.blocked[pubkey] {
			ferr = log.W.Err("cannot follow blocked user %s", pubkey)
			return
		}
		e.setFollowing(c, pubkey, true)
		e.working.each(func(pe *ProcessedEvent) {
			if pe.Event.PubKey == pubkey {
				e.persist(c, pe.Event)
			}
		})
		contacts = e.contactList()
	}); err != nil {
		return
	}
	if ferr != nil {
		return ferr
	}
	e.requestAsync(InformationRequest{Source: SourceUsers,
		IDsOrKeys: []string{pubkey}}, client.SubscriptionOptions{},
		kind.Metadata)
	return e.publishContacts(c, contacts)
}

// UnfollowUser clears the follow flag of a user and, with a signer,
// publishes the new contact list.
func (e *Engine) UnfollowUser(c context.T, pubkey string) (err error) {
	var contacts *nostr.Event
	if err = e.do(c, true, func(c context.T) {
		e.setFollowing(c, pubkey, false)
		contacts = e.contactList()
	}); err != nil {
		return
	}
	return e.publishContacts(c, contacts)
}

// BlockUser flags a user blocked, deletes the stored events of the user and
// evicts them from the working set. Events of the user are dropped from
// then on.
func (e *Engine) BlockUser(c context.T, pubkey string) (err error) {
	var contacts *nostr.Event
	var berr error
	if err = e.do(c, true, func(c context.T) {
		u, _ := e.user(c, pubkey)
		wasFollowing := u.Following
		u.IsBlocked, u.Following = true, false
		if berr = e.store.SaveUser(c, u); berr != nil {
			return
		}
		e.blocked[pubkey] = true
		delete(e.following, pubkey)
		var n int
		if n, berr = e.store.DeleteEventsByPubkey(c, pubkey); berr != nil {
			return
		}
		var evicted []string
		e.working.each(func(pe *ProcessedEvent) {
			if pe.Event.PubKey == pubkey {
				evicted = append(evicted, pe.Event.ID)
			}
		})
		for _, id := range evicted {
			e.working.remove(id)
		}
		log.D.F("blocked %s, deleted %d stored and %d in memory", pubkey, n,
			len(evicted))
		if wasFollowing {
			contacts = e.contactList()
		}
	}); err != nil {
		return
	}
	if berr != nil {
		return berr
	}
	return e.publishContacts(c, contacts)
}

// UnblockUser clears the block flag. Deleted events are not restored.
func (e *Engine) UnblockUser(c context.T, pubkey string) (err error) {
	var uerr error
	if err = e.do(c, true, func(c context.T) {
		u, found := e.user(c, pubkey)
		if !found {
			return
		}
		u.IsBlocked = false
		if uerr = e.store.SaveUser(c, u); uerr == nil {
			delete(e.blocked, pubkey)
		}
	}); err != nil {
		return
	}
	return uerr
}

// User returns the stored record of a user.
func (e *Engine) User(c context.T, pubkey string) (u *store.UserRecord,
	err error) {

	if u, err = e.store.GetUser(c, pubkey); errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return
}

// Following returns the followed pubkeys, sorted.
func (e *Engine) Following(c context.T) (pubkeys []string, err error) {
	err = e.do(c, true, func(c context.T) { pubkeys = e.followed() })
	return
}

func (e *Engine) followed() (pubkeys []string) {
	for pk := range e.following {
		pubkeys = append(pubkeys, pk)
	}
	sort.Strings(pubkeys)
	return
}

// contactList builds the contact list of the local user from the follow
// set, nil without a signer.
func (e *Engine) contactList() (ev *nostr.Event) {
	if e.signer == nil {
		return
	}
	ev = &nostr.Event{Kind: int(kind.Contacts), CreatedAt: e.now(),
		Tags: nostr.Tags{}}
	for _, pk := range e.followed() {
		tag := nostr.Tag{"p", pk}
		if u, err := e.store.GetUser(e.ctx, pk); err == nil &&
			len(u.RelayUrls) > 0 {
			tag = append(tag, u.RelayUrls[0])
		}
		ev.Tags = append(ev.Tags, tag)
	}
	return
}

func (e *Engine) publishContacts(c context.T, ev *nostr.Event) (err error) {
	if ev == nil {
		return
	}
	if err = e.sign(ev); err != nil {
		return
	}
	if _, err = e.store.SaveContacts(c, ev); chk.E(err) {
		return
	}
	_, err = e.SendEvent(c, SendRequest{Event: ev})
	return
}
