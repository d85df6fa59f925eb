package badger

import (
	"container/heap"
	"math"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tags"
	"github.com/Hubmakerlabs/feedr/pkg/store"
	"github.com/dgraph-io/badger/v4"
	"github.com/nbd-wtf/go-nostr"
)

// cursor walks one time ordered index prefix backwards from until.
type cursor struct {
	it     *badger.Iterator
	prefix []byte
	since  nostr.Timestamp
	key    []byte
}

func newCursor(txn *badger.Txn, prefix []byte, since,
	until nostr.Timestamp) (c *cursor) {

	c = &cursor{
		it:     txn.NewIterator(badger.IteratorOptions{Reverse: true}),
		prefix: prefix,
		since:  since,
	}
	start := join(prefix, ts(until), []byte{0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff})
	c.it.Seek(start)
	c.load()
	return
}

// load reads the current key, clearing it at the end of the prefix or once
// past since.
func (c *cursor) load() {
	c.key = nil
	if !c.it.ValidForPrefix(c.prefix) {
		return
	}
	k := c.it.Item().KeyCopy(nil)
	if createdAtFromKey(k) < c.since {
		return
	}
	c.key = k
}

func (c *cursor) next() {
	c.it.Next()
	c.load()
}

// cursors is a max heap on created_at, then serial, of the current keys.
type cursors []*cursor

func (cs cursors) Len() int { return len(cs) }

func (cs cursors) Less(i, j int) bool {
	ti, tj := createdAtFromKey(cs[i].key), createdAtFromKey(cs[j].key)
	if ti != tj {
		return ti > tj
	}
	si, sj := serialFromKey(cs[i].key), serialFromKey(cs[j].key)
	return string(si[:]) > string(sj[:])
}

func (cs cursors) Swap(i, j int) { cs[i], cs[j] = cs[j], cs[i] }

func (cs *cursors) Push(x any) { *cs = append(*cs, x.(*cursor)) }

func (cs *cursors) Pop() any {
	old := *cs
	n := len(old)
	c := old[n-1]
	old[n-1] = nil // avoid memory leak
	*cs = old[:n-1]
	return c
}

// prefixes picks the index that narrows a filter best: author and kind
// pairs, then authors, kinds, e and p tag values, and the created_at index
// for everything else.
func prefixes(f nostr.Filter) (ps [][]byte) {
	switch {
	case len(f.Authors) > 0 && len(f.Kinds) > 0:
		for _, a := range f.Authors {
			for _, k := range f.Kinds {
				if p, ok := pubkeyKindPrefix(a, k); ok {
					ps = append(ps, p)
				}
			}
		}
		return
	case len(f.Authors) > 0:
		for _, a := range f.Authors {
			if p, ok := pubkeyPrefix(a); ok {
				ps = append(ps, p)
			}
		}
		return
	case len(f.Kinds) > 0:
		for _, k := range f.Kinds {
			ps = append(ps, kindPrefix(k))
		}
		return
	}
	for _, name := range []string{tags.Event, tags.Pubkey} {
		values, ok := f.Tags[name]
		if !ok {
			continue
		}
		for _, v := range values {
			if p, ok := tagPrefix(name, v); ok {
				ps = append(ps, p)
			}
		}
		return
	}
	return [][]byte{{prefixCreatedAt}}
}

func bounds(f nostr.Filter) (since, until nostr.Timestamp) {
	until = nostr.Timestamp(math.MaxInt64)
	if f.Since != nil {
		since = *f.Since
	}
	if f.Until != nil {
		until = *f.Until
	}
	return
}

// walk merges the cursors of the prefixes newest first and calls fn with
// every distinct event until fn returns false.
func walk(c context.T, txn *badger.Txn, ps [][]byte, since,
	until nostr.Timestamp, fn func(ev *nostr.Event) bool) (err error) {

	h := make(cursors, 0, len(ps))
	defer func() {
		for _, cur := range h {
			cur.it.Close()
		}
	}()
	for _, p := range ps {
		cur := newCursor(txn, p, since, until)
		if cur.key == nil {
			cur.it.Close()
			continue
		}
		h = append(h, cur)
	}
	heap.Init(&h)
	seen := make(map[ser]struct{})
	for h.Len() > 0 {
		if err = c.Err(); err != nil {
			return
		}
		cur := h[0]
		s := serialFromKey(cur.key)
		if cur.next(); cur.key == nil {
			cur.it.Close()
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		var ev *nostr.Event
		if ev, err = loadEvent(txn, s); chk.E(err) {
			err = nil
			continue
		}
		if !fn(ev) {
			return
		}
	}
	return
}

// isReply reports whether a timeline query leaves the event out.
func isReply(ev *nostr.Event) bool {
	return kind.T(ev.Kind).IsNote() && tags.IsReply(ev.Tags)
}

func (b *Backend) QueryEvents(c context.T, q store.Query) (res *store.Result,
	err error) {

	if err = b.ready(); err != nil {
		return
	}
	limit := q.Limit
	if limit <= 0 || limit > b.ScanCeiling {
		limit = b.ScanCeiling
	}
	res = &store.Result{}
	err = b.View(func(txn *badger.Txn) (err error) {
		if len(q.IDs) > 0 {
			for _, id := range q.IDs {
				ev, _, e := findEvent(txn, id)
				if e != nil || !q.Matches(ev) {
					continue
				}
				if _, skip := q.Exclude[ev.ID]; skip {
					continue
				}
				res.Total++
				if len(res.Events) < limit {
					res.Events = append(res.Events, ev)
				}
			}
			sortNewest(res.Events)
			return
		}
		since, until := bounds(q.Filter)
		return walk(c, txn, prefixes(q.Filter), since, until,
			func(ev *nostr.Event) bool {
				if !q.Matches(ev) {
					return true
				}
				if _, skip := q.Exclude[ev.ID]; skip {
					return true
				}
				if q.TopLevel && isReply(ev) {
					return true
				}
				if res.Total >= b.ScanCeiling {
					res.Truncated = true
					return false
				}
				res.Total++
				if len(res.Events) < limit {
					res.Events = append(res.Events, ev)
				}
				return true
			})
	})
	return
}

func (b *Backend) GetEvent(c context.T, id string) (ev *nostr.Event,
	err error) {

	if err = b.ready(); err != nil {
		return
	}
	err = b.View(func(txn *badger.Txn) (err error) {
		ev, _, err = findEvent(txn, id)
		return
	})
	return
}

func (b *Backend) RelatedEvents(c context.T, tagType, value string,
	kinds ...int) (evs []*nostr.Event, err error) {

	if err = b.ready(); err != nil {
		return
	}
	p, ok := tagPrefix(tagType, value)
	if !ok {
		return
	}
	f := nostr.Filter{Kinds: kinds, Tags: nostr.TagMap{tagType: {value}}}
	err = b.View(func(txn *badger.Txn) error {
		return walk(c, txn, [][]byte{p}, 0, nostr.Timestamp(math.MaxInt64),
			func(ev *nostr.Event) bool {
				if f.Matches(ev) {
					evs = append(evs, ev)
				}
				return true
			})
	})
	return
}

func (b *Backend) ScanEvents(c context.T, since, until nostr.Timestamp,
	fn func(ev *nostr.Event) bool) (err error) {

	if err = b.ready(); err != nil {
		return
	}
	return b.View(func(txn *badger.Txn) error {
		return walk(c, txn, [][]byte{{prefixCreatedAt}}, since, until, fn)
	})
}
