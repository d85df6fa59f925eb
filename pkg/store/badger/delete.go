package badger

import (
	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/dgraph-io/badger/v4"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
)

func sortNewest(evs []*nostr.Event) {
	slices.SortStableFunc(evs, func(a, b *nostr.Event) int {
		switch {
		case a.CreatedAt > b.CreatedAt:
			return -1
		case a.CreatedAt < b.CreatedAt:
			return 1
		}
		return 0
	})
}

func (b *Backend) DeleteEvent(c context.T, id string) (err error) {
	if err = b.ready(); err != nil {
		return
	}
	return b.Update(func(txn *badger.Txn) (err error) {
		ev, s, e := findEvent(txn, id)
		if e != nil {
			// nothing to delete
			return nil
		}
		return removeEvent(txn, ev, s)
	})
}

func (b *Backend) DeleteEventsByPubkey(c context.T, pubkey string) (n int,
	err error) {

	if err = b.ready(); err != nil {
		return
	}
	prefix, ok := pubkeyPrefix(pubkey)
	if !ok {
		return
	}
	var evs []*nostr.Event
	var sers []ser
	if err = b.View(func(txn *badger.Txn) error {
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
		return nil
	}); chk.E(err) {
		return
	}
	// one transaction per event keeps large authors under the txn size limit
	for i := range evs {
		if err = c.Err(); err != nil {
			return
		}
		if err = b.Update(func(txn *badger.Txn) error {
			return removeEvent(txn, evs[i], sers[i])
		}); chk.E(err) {
			return
		}
		n++
	}
	log.D.F("deleted %d events of %s", n, pubkey)
	return
}
