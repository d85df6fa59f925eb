package badger

import (
	"errors"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/store"
	"github.com/dgraph-io/badger/v4"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/binary"
)

func loadEvent(txn *badger.Txn, s ser) (ev *nostr.Event, err error) {
	var item *badger.Item
	if item, err = txn.Get(eventKey(s)); err != nil {
		return
	}
	ev = &nostr.Event{}
	err = item.Value(func(val []byte) error { return binary.Unmarshal(val, ev) })
	return
}

// findEvent looks an event up by id through the id index, comparing full
// ids since index keys only carry a prefix.
func findEvent(txn *badger.Txn, id string) (ev *nostr.Event, s ser,
	err error) {

	prefix, ok := idPrefix(id)
	if !ok {
		return nil, s, store.ErrNotFound
	}
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		s = serialFromKey(it.Item().Key())
		if ev, err = loadEvent(txn, s); chk.E(err) {
			continue
		}
		if ev.ID == id {
			return ev, s, nil
		}
	}
	return nil, s, store.ErrNotFound
}

// storeEvent writes the raw event and its index keys.
func (b *Backend) storeEvent(txn *badger.Txn, ev *nostr.Event) (err error) {
	if _, _, err = findEvent(txn, ev.ID); err == nil {
		return store.ErrDupEvent
	} else if !errors.Is(err, store.ErrNotFound) {
		return
	}
	var bin []byte
	if bin, err = binary.Marshal(ev); chk.E(err) {
		return
	}
	var s ser
	if s, err = b.serial(); err != nil {
		return
	}
	if err = txn.Set(eventKey(s), bin); err != nil {
		return
	}
	for _, k := range indexKeys(ev, s) {
		if err = txn.Set(k, nil); err != nil {
			return
		}
	}
	return
}

func removeEvent(txn *badger.Txn, ev *nostr.Event, s ser) (err error) {
	for _, k := range indexKeys(ev, s) {
		if err = txn.Delete(k); err != nil {
			return
		}
	}
	return txn.Delete(eventKey(s))
}

func (b *Backend) SaveEvent(c context.T, ev *nostr.Event) (err error) {
	if err = b.ready(); err != nil {
		return
	}
	return b.Update(func(txn *badger.Txn) error { return b.storeEvent(txn, ev) })
}

// authorKindEvents returns every stored event of one author and kind.
func authorKindEvents(txn *badger.Txn, pubkey string,
	k int) (evs []*nostr.Event, sers []ser) {

	prefix, ok := pubkeyKindPrefix(pubkey, k)
	if !ok {
		return
	}
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		s := serialFromKey(it.Item().Key())
		ev, err := loadEvent(txn, s)
		if chk.E(err) || ev.PubKey != pubkey {
			continue
		}
		evs, sers = append(evs, ev), append(sers, s)
	}
	return
}

func (b *Backend) SaveContacts(c context.T, ev *nostr.Event) (newest bool,
	err error) {

	if err = b.ready(); err != nil {
		return
	}
	defer b.lockAuthor(ev.PubKey)()
	err = b.Update(func(txn *badger.Txn) (err error) {
		evs, sers := authorKindEvents(txn, ev.PubKey, kind.Contacts.Int())
		for _, old := range evs {
			if old.ID == ev.ID || old.CreatedAt > ev.CreatedAt {
				// already stored, or superseded by a stored list
				return
			}
		}
		for i := range evs {
			if err = removeEvent(txn, evs[i], sers[i]); err != nil {
				return
			}
		}
		if err = b.storeEvent(txn, ev); err != nil {
			return
		}
		newest = true
		return
	})
	return
}

func (b *Backend) Contacts(c context.T, pubkey string) (ev *nostr.Event,
	err error) {

	if err = b.ready(); err != nil {
		return
	}
	err = b.View(func(txn *badger.Txn) error {
		evs, _ := authorKindEvents(txn, pubkey, kind.Contacts.Int())
		for _, e := range evs {
			if ev == nil || e.CreatedAt > ev.CreatedAt {
				ev = e
			}
		}
		if ev == nil {
			return store.ErrNotFound
		}
		return nil
	})
	return
}
