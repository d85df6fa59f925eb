// Package publish tracks every event handed to a relay for publication, one
// entry per event and relay, until the relay answers with an OK.
package publish

import (
	"os"
	"sort"
	"sync"

	"github.com/Hubmakerlabs/feedr/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
)

var log, chk = slog.New(os.Stderr)

// Entry is the publication state of one event on one relay.
type Entry struct {
	Event       *nostr.Event `json:"event"`
	RelayURL    string       `json:"relay_url"`
	Send        bool         `json:"send"`
	Accepted    *bool        `json:"accepted,omitempty"`
	Error       string       `json:"error,omitempty"`
	PowRequired int          `json:"pow_required,omitempty"`
	PowDone     bool         `json:"pow_done,omitempty"`
	Created     nostr.Timestamp
}

// Pending reports whether the relay has not answered yet.
func (e *Entry) Pending() bool { return e.Accepted == nil && e.Error == "" }

type key struct{ id, relay string }

// Queue is the set of publication entries. Entries are never dropped.
type Queue struct {
	mx      sync.Mutex
	entries map[key]*Entry
	order   []key
}

func New() *Queue { return &Queue{entries: make(map[key]*Entry)} }

// Add registers ev for relay, returning the existing entry when the pair is
// already known.
func (q *Queue) Add(ev *nostr.Event, relay string) (e Entry, added bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	k := key{ev.ID, relay}
	if ex, ok := q.entries[k]; ok {
		return *ex, false
	}
	en := &Entry{Event: ev, RelayURL: relay, Created: nostr.Now()}
	q.entries[k] = en
	q.order = append(q.order, k)
	return *en, true
}

// RequirePow records the difficulty a relay demands before accepting the
// event.
func (q *Queue) RequirePow(id, relay string, difficulty int) {
	q.update(id, relay, func(e *Entry) { e.PowRequired = difficulty })
}

// Mined swaps the entry's event for its mined version. The mined event has a
// new id so the entry is re-keyed.
func (q *Queue) Mined(oldID, relay string, mined *nostr.Event) (ok bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	k := key{oldID, relay}
	e, found := q.entries[k]
	if !found {
		return
	}
	nk := key{mined.ID, relay}
	if _, taken := q.entries[nk]; taken && nk != k {
		return
	}
	delete(q.entries, k)
	e.Event, e.PowDone = mined, true
	q.entries[nk] = e
	for i := range q.order {
		if q.order[i] == k {
			q.order[i] = nk
		}
	}
	return true
}

// Sent marks the entry as written to the relay.
func (q *Queue) Sent(id, relay string) {
	q.update(id, relay, func(e *Entry) { e.Send = true })
}

// Failed records an error for an entry that could not be sent.
func (q *Queue) Failed(id, relay, reason string) {
	q.update(id, relay, func(e *Entry) { e.Error = reason })
}

// Resolve applies an OK answer from relay to the matching entry.
func (q *Queue) Resolve(relay string, ok *nostr.OKEnvelope) (e Entry,
	found bool) {

	q.mx.Lock()
	defer q.mx.Unlock()
	en, found := q.entries[key{ok.EventID, relay}]
	if !found {
		log.D.F("OK from %s for untracked event %s", relay, ok.EventID)
		return
	}
	accepted := ok.OK
	en.Accepted = &accepted
	if !ok.OK {
		en.Error = ok.Reason
	}
	return *en, true
}

// Get returns the entry for an event on a relay.
func (q *Queue) Get(id, relay string) (e Entry, ok bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	var en *Entry
	if en, ok = q.entries[key{id, relay}]; ok {
		e = *en
	}
	return
}

// Entries returns a snapshot of all entries in insertion order.
func (q *Queue) Entries() (entries []Entry) {
	q.mx.Lock()
	defer q.mx.Unlock()
	entries = make([]Entry, 0, len(q.order))
	for _, k := range q.order {
		entries = append(entries, *q.entries[k])
	}
	return
}

// ForEvent returns the entries of one event sorted by relay.
func (q *Queue) ForEvent(id string) (entries []Entry) {
	q.mx.Lock()
	for k, e := range q.entries {
		if k.id == id {
			entries = append(entries, *e)
		}
	}
	q.mx.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelayURL < entries[j].RelayURL
	})
	return
}

func (q *Queue) update(id, relay string, fn func(e *Entry)) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if e, ok := q.entries[key{id, relay}]; ok {
		fn(e)
	}
}
