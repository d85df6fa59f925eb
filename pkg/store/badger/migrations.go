package badger

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/Hubmakerlabs/feedr/pkg/store"
	"github.com/dgraph-io/badger/v4"
)

// CurrentVersion is the layout version a freshly migrated store is at.
const CurrentVersion = 2

func (b *Backend) version(txn *badger.Txn) (version uint16, err error) {
	var item *badger.Item
	if item, err = txn.Get([]byte{dbVersionKey}); errors.Is(err,
		badger.ErrKeyNotFound) {
		return 0, nil
	} else if err != nil {
		return
	}
	err = item.Value(func(val []byte) (err error) {
		version = binary.BigEndian.Uint16(val)
		return
	})
	return
}

func (b *Backend) runMigrations() (err error) {
	return b.Update(func(txn *badger.Txn) (err error) {
		var version uint16
		if version, err = b.version(txn); chk.E(err) {
			return
		}
		// do the migrations in increasing steps (there is no rollback)
		if version < 1 {
			log.D.Ln("creating store layout version 1")
			if err = b.bumpVersion(txn, 1); chk.E(err) {
				return
			}
		}
		if version < 2 {
			log.D.Ln("migrating following collection into user records")
			if err = b.migrateFollowing(txn); chk.E(err) {
				return
			}
			if err = b.bumpVersion(txn, 2); chk.E(err) {
				return
			}
		}
		return
	})
}

// migrateFollowing turns every entry of the deprecated following collection
// into the following flag of the user record, then drops the collection.
func (b *Backend) migrateFollowing(txn *badger.Txn) (err error) {
	prefix := []byte{prefixFollowing}
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		pubkey := hex.EncodeToString(k[1:])
		var u *store.UserRecord
		if u, err = getUser(txn, pubkey); errors.Is(err, store.ErrNotFound) {
			u = store.NewUserRecord(pubkey)
		} else if chk.E(err) {
			return
		}
		u.Following = true
		if err = putUser(txn, u); chk.E(err) {
			return
		}
		if err = txn.Delete(k); chk.E(err) {
			return
		}
	}
	return
}

func (b *Backend) bumpVersion(txn *badger.Txn, version uint16) (err error) {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, version)
	return txn.Set([]byte{dbVersionKey}, buf)
}

// Version returns the layout version of the store.
func (b *Backend) Version() (version uint16, err error) {
	if err = b.ready(); err != nil {
		return
	}
	err = b.View(func(txn *badger.Txn) (err error) {
		version, err = b.version(txn)
		return
	})
	return
}

func getUser(txn *badger.Txn, pubkey string) (u *store.UserRecord, err error) {
	k, ok := userKey(pubkey)
	if !ok {
		return nil, store.ErrNotFound
	}
	var item *badger.Item
	if item, err = txn.Get(k); errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	} else if err != nil {
		return
	}
	u = &store.UserRecord{}
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, u) })
	return
}

func putUser(txn *badger.Txn, u *store.UserRecord) (err error) {
	k, ok := userKey(u.User.Pubkey)
	if !ok {
		return errors.New("user record without valid pubkey")
	}
	var b []byte
	if b, err = json.Marshal(u); err != nil {
		return
	}
	return txn.Set(k, b)
}
