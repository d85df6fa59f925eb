// Package store is the contract of the local event store: raw events with
// their indexes, a reverse index of e and p tag references, user records and
// named lists of users.
package store

import (
	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/nbd-wtf/go-nostr"
)

// DefaultScanCeiling bounds how many matching events a query counts.
const DefaultScanCeiling = 500

// Query is a filter over stored events. Since and Until of the filter are
// inclusive bounds on created_at.
type Query struct {
	nostr.Filter
	// Exclude holds ids that neither count nor get returned.
	Exclude map[string]struct{}
	// TopLevel drops replies of note kinds.
	TopLevel bool
}

// Result is a page of events, newest first.
type Result struct {
	Events []*nostr.Event
	// Total is the number of matching events found, capped at the scan
	// ceiling.
	Total int
	// Truncated is set when the scan stopped at the ceiling.
	Truncated bool
}

// Store is a persistence layer for the events, users and lists of a client.
type Store interface {
	// Init opens the storage and runs any pending migrations.
	Init() (err error)
	// Close frees the resources of the storage.
	Close()
	// SaveEvent stores an event and indexes its e and p tags, returning
	// ErrDupEvent for an event already stored.
	SaveEvent(c context.T, ev *nostr.Event) (err error)
	// GetEvent returns a stored event or ErrNotFound.
	GetEvent(c context.T, id string) (ev *nostr.Event, err error)
	// QueryEvents returns up to Limit matching events newest first.
	QueryEvents(c context.T, q Query) (res *Result, err error)
	// RelatedEvents returns the events tagging value with the given tag type,
	// newest first, restricted to kinds when given.
	RelatedEvents(c context.T, tagType, value string,
		kinds ...int) (evs []*nostr.Event, err error)
	// ScanEvents calls fn for every event created in [since, until], newest
	// first, until fn returns false.
	ScanEvents(c context.T, since, until nostr.Timestamp,
		fn func(ev *nostr.Event) bool) (err error)
	// DeleteEvent removes an event and its index entries.
	DeleteEvent(c context.T, id string) (err error)
	// DeleteEventsByPubkey removes every event of an author.
	DeleteEventsByPubkey(c context.T, pubkey string) (n int, err error)
	// SaveContacts stores a contact list unless a newer one of the same author
	// is stored, deleting older ones. It reports whether ev is now the newest.
	SaveContacts(c context.T, ev *nostr.Event) (newest bool, err error)
	// Contacts returns the newest stored contact list of an author or
	// ErrNotFound.
	Contacts(c context.T, pubkey string) (ev *nostr.Event, err error)

	GetUser(c context.T, pubkey string) (u *UserRecord, err error)
	SaveUser(c context.T, u *UserRecord) (err error)
	// Users returns the user records fn selects, all of them for a nil fn.
	Users(c context.T, fn func(u *UserRecord) bool) (us []*UserRecord,
		err error)

	GetList(c context.T, id string) (l *List, err error)
	SaveList(c context.T, l *List) (err error)
	DeleteList(c context.T, id string) (err error)
	Lists(c context.T) (ls []*List, err error)
	// ListsOf returns the lists a user is a member of.
	ListsOf(c context.T, pubkey string) (ls []*List, err error)
	AddListMember(c context.T, id, pubkey string) (err error)
	RemoveListMember(c context.T, id, pubkey string) (err error)
}
