package badger

import (
	"encoding/json"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/store"
	"github.com/dgraph-io/badger/v4"
)

func (b *Backend) GetUser(c context.T, pubkey string) (u *store.UserRecord,
	err error) {

	if err = b.ready(); err != nil {
		return
	}
	err = b.View(func(txn *badger.Txn) (err error) {
		u, err = getUser(txn, pubkey)
		return
	})
	return
}

func (b *Backend) SaveUser(c context.T, u *store.UserRecord) (err error) {
	if err = b.ready(); err != nil {
		return
	}
	return b.Update(func(txn *badger.Txn) error { return putUser(txn, u) })
}

func (b *Backend) Users(c context.T,
	fn func(u *store.UserRecord) bool) (us []*store.UserRecord, err error) {

	if err = b.ready(); err != nil {
		return
	}
	prefix := []byte{prefixUser}
	err = b.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			u := &store.UserRecord{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, u)
			}); chk.E(err) {
				continue
			}
			if fn == nil || fn(u) {
				us = append(us, u)
			}
		}
		return nil
	})
	return
}
