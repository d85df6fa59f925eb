package badger

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/store"
	"github.com/dgraph-io/badger/v4"
	"golang.org/x/exp/slices"
)

func getList(txn *badger.Txn, id string) (l *store.List, err error) {
	var item *badger.Item
	if item, err = txn.Get(listKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	} else if err != nil {
		return
	}
	l = &store.List{}
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, l) })
	return
}

// putList writes the list and rewrites its member index.
func putList(txn *badger.Txn, l *store.List, old *store.List) (err error) {
	if old != nil {
		for _, pk := range old.UserPubkeys {
			if k, ok := listMemberKey(pk, old.ID); ok {
				if err = txn.Delete(k); err != nil {
					return
				}
			}
		}
	}
	if l.UserPubkeys == nil {
		l.UserPubkeys = []string{}
	}
	for _, pk := range l.UserPubkeys {
		k, ok := listMemberKey(pk, l.ID)
		if !ok {
			return fmt.Errorf("invalid pubkey '%s' on list %s", pk, l.ID)
		}
		if err = txn.Set(k, nil); err != nil {
			return
		}
	}
	var b []byte
	if b, err = json.Marshal(l); err != nil {
		return
	}
	return txn.Set(listKey(l.ID), b)
}

func (b *Backend) GetList(c context.T, id string) (l *store.List, err error) {
	if err = b.ready(); err != nil {
		return
	}
	err = b.View(func(txn *badger.Txn) (err error) {
		l, err = getList(txn, id)
		return
	})
	return
}

func (b *Backend) SaveList(c context.T, l *store.List) (err error) {
	if err = b.ready(); err != nil {
		return
	}
	if l.ID == "" {
		return errors.New("list without id")
	}
	return b.Update(func(txn *badger.Txn) (err error) {
		old, e := getList(txn, l.ID)
		if e != nil && !errors.Is(e, store.ErrNotFound) {
			return e
		}
		return putList(txn, l, old)
	})
}

func (b *Backend) DeleteList(c context.T, id string) (err error) {
	if err = b.ready(); err != nil {
		return
	}
	return b.Update(func(txn *badger.Txn) (err error) {
		var old *store.List
		if old, err = getList(txn, id); err != nil {
			return
		}
		for _, pk := range old.UserPubkeys {
			if k, ok := listMemberKey(pk, id); ok {
				if err = txn.Delete(k); err != nil {
					return
				}
			}
		}
		return txn.Delete(listKey(id))
	})
}

func (b *Backend) Lists(c context.T) (ls []*store.List, err error) {
	if err = b.ready(); err != nil {
		return
	}
	prefix := []byte{prefixList}
	err = b.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			l := &store.List{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, l)
			}); chk.E(err) {
				continue
			}
			ls = append(ls, l)
		}
		return nil
	})
	return
}

func (b *Backend) ListsOf(c context.T, pubkey string) (ls []*store.List,
	err error) {

	if err = b.ready(); err != nil {
		return
	}
	pk, ok := hexPrefix(pubkey, ValueLen)
	if !ok {
		return
	}
	prefix := join([]byte{prefixListMember}, pk)
	err = b.View(func(txn *badger.Txn) (err error) {
		var ids []string
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		it.Close()
		for _, id := range ids {
			var l *store.List
			if l, err = getList(txn, id); chk.E(err) {
				continue
			}
			ls = append(ls, l)
		}
		return nil
	})
	return
}

func (b *Backend) AddListMember(c context.T, id, pubkey string) (err error) {
	if err = b.ready(); err != nil {
		return
	}
	if _, err = hex.DecodeString(pubkey); err != nil || len(pubkey) != 64 {
		return fmt.Errorf("invalid pubkey '%s'", pubkey)
	}
	return b.Update(func(txn *badger.Txn) (err error) {
		var l *store.List
		if l, err = getList(txn, id); err != nil {
			return
		}
		if slices.Contains(l.UserPubkeys, pubkey) {
			return store.ErrAlreadyMember
		}
		old := *l
		old.UserPubkeys = slices.Clone(l.UserPubkeys)
		l.UserPubkeys = append(l.UserPubkeys, pubkey)
		return putList(txn, l, &old)
	})
}

func (b *Backend) RemoveListMember(c context.T, id,
	pubkey string) (err error) {

	if err = b.ready(); err != nil {
		return
	}
	return b.Update(func(txn *badger.Txn) (err error) {
		var l *store.List
		if l, err = getList(txn, id); err != nil {
			return
		}
		i := slices.Index(l.UserPubkeys, pubkey)
		if i < 0 {
			return store.ErrNotMember
		}
		old := *l
		old.UserPubkeys = slices.Clone(l.UserPubkeys)
		l.UserPubkeys = slices.Delete(l.UserPubkeys, i, i+1)
		return putList(txn, l, &old)
	})
}
