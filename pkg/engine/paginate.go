package engine

import (
	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/store"
	"github.com/nbd-wtf/go-nostr"
)

type Direction string

const (
	Older Direction = "OLDER"
	Newer Direction = "NEWER"
)

// SeenEvent is an event already returned within the current window.
type SeenEvent struct {
	ID        string          `json:"id"`
	CreatedAt nostr.Timestamp `json:"created_at"`
}

// Query is a page request and, as the Next of a Page, the continuation of
// one. Passing Next back unchanged returns the following page.
type Query struct {
	Filter nostr.Filter `json:"filters"`
	// ReqCount is the number of pages served for this query so far.
	ReqCount int `json:"reqCount"`
	// RemainInRange is how many events are left in the current window.
	RemainInRange *int `json:"remainInRange,omitempty"`
	// PrevInterval is the signed window step used by the last page.
	PrevInterval *int64 `json:"prevInterval,omitempty"`
	// StickyInterval slides the window by its span instead of anchoring it
	// at the last event returned.
	StickyInterval bool      `json:"stickyInterval"`
	Direction      Direction `json:"direction,omitempty"`
	// IsOffline reads the store only, without asking the relays.
	IsOffline bool   `json:"isOffline,omitempty"`
	View      string `json:"view,omitempty"`
	// Seen holds the events of the current window already returned.
	Seen []SeenEvent `json:"seen,omitempty"`
}

type window struct{ since, until nostr.Timestamp }

func (w window) contains(t nostr.Timestamp) bool {
	return t >= w.since && t <= w.until
}

// windowOf resolves the bounds of a query, defaulting to the day before
// now.
func windowOf(f nostr.Filter, now nostr.Timestamp) (w window, err error) {
	w.until = now
	if f.Until != nil {
		w.until = *f.Until
	}
	w.since = w.until - DefaultWindow
	if f.Since != nil {
		w.since = *f.Since
	}
	if w.since > w.until {
		return w, ErrInvalidRange
	}
	return
}

// interval is the signed step a window moves by, negative going back in
// time.
func (q *Query) interval(w window) int64 {
	span := int64(w.until - w.since)
	if q.Direction == Newer {
		return span
	}
	return -span
}

func (q *Query) withWindow(w window) {
	since, until := w.since, w.until
	q.Filter.Since, q.Filter.Until = &since, &until
}

// advance moves w past the events just returned. Sticky windows shift by
// interval, adaptive ones anchor at the last returned event.
func (q *Query) advance(w window, interval int64,
	evs []*nostr.Event) (next window) {

	span := nostr.Timestamp(absInt64(interval))
	if q.StickyInterval || len(evs) == 0 {
		next = window{w.since + nostr.Timestamp(interval),
			w.until + nostr.Timestamp(interval)}
	} else if q.Direction == Newer {
		newest := evs[0].CreatedAt
		for _, ev := range evs {
			if ev.CreatedAt > newest {
				newest = ev.CreatedAt
			}
		}
		next = window{newest, newest + span}
	} else {
		oldest := evs[len(evs)-1].CreatedAt
		for _, ev := range evs {
			if ev.CreatedAt < oldest {
				oldest = ev.CreatedAt
			}
		}
		next = window{oldest - span, oldest}
	}
	if next.since < 0 {
		next.since = 0
	}
	return
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// paginate reads one page of q from the store and computes the query for
// the next one. exclude holds ids that are not to be returned again.
func (e *Engine) paginate(c context.T, q Query,
	exclude map[string]struct{}) (evs []*nostr.Event, next Query, err error) {

	var w window
	if w, err = windowOf(q.Filter, e.now()); err != nil {
		return
	}
	interval := q.interval(w)
	sq := store.Query{Filter: q.Filter, TopLevel: true,
		Exclude: make(map[string]struct{}, len(exclude)+len(q.Seen))}
	sq.Since, sq.Until = &w.since, &w.until
	for id := range exclude {
		sq.Exclude[id] = struct{}{}
	}
	for _, s := range q.Seen {
		sq.Exclude[s.ID] = struct{}{}
	}
	var res *store.Result
	if res, err = e.store.QueryEvents(c, sq); err != nil {
		return
	}
	evs = res.Events

	next = q
	next.ReqCount = q.ReqCount + 1
	next.PrevInterval = &interval
	next.Seen = nil
	switch {
	case len(evs) == 0 && q.ReqCount == 0:
		// the relays may still deliver this window
		next.withWindow(w)
		next.RemainInRange = nil
		next.Seen = q.Seen
	case len(evs) == 0:
		next.moveTo(q.advance(w, interval, nil), q.Seen)
	default:
		remaining := res.Total - len(evs)
		if q.RemainInRange != nil {
			remaining = *q.RemainInRange - len(evs)
		}
		seen := append(append([]SeenEvent{}, q.Seen...), seenOf(evs)...)
		switch {
		case res.Truncated:
			next.withWindow(w)
			next.RemainInRange = nil
			next.Seen = seen
		case remaining > 0:
			next.withWindow(w)
			next.RemainInRange = &remaining
			next.Seen = seen
		default:
			next.moveTo(q.advance(w, interval, evs), seen)
		}
	}
	return
}

// moveTo sets the window of a continuation, keeping the seen events that
// fall into the new window.
func (q *Query) moveTo(w window, seen []SeenEvent) {
	q.withWindow(w)
	q.RemainInRange = nil
	for _, s := range seen {
		if w.contains(s.CreatedAt) {
			q.Seen = append(q.Seen, s)
		}
	}
}

func seenOf(evs []*nostr.Event) (seen []SeenEvent) {
	seen = make([]SeenEvent, len(evs))
	for i, ev := range evs {
		seen[i] = SeenEvent{ID: ev.ID, CreatedAt: ev.CreatedAt}
	}
	return
}
