package engine

import (
	"github.com/Hubmakerlabs/feedr/pkg/store"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
)

type Reaction struct {
	ID      string `json:"id"`
	Pubkey  string `json:"pubkey"`
	Content string `json:"content"`
}

type Repost struct {
	ID     string `json:"id"`
	Pubkey string `json:"pubkey"`
}

type Reply struct {
	ID      string `json:"id"`
	Pubkey  string `json:"pubkey"`
	Content string `json:"content"`
}

type ZapReceipt struct {
	ID     string `json:"id"`
	Pubkey string `json:"pubkey"`
	// Amount is in sats.
	Amount int64 `json:"amount"`
}

// ProcessedEvent is an event of the working set with what refers to it.
// Each list holds at most one entry per contributing event id.
type ProcessedEvent struct {
	Event          *nostr.Event
	User           *store.User
	EventRelayUrls []string
	Reactions      []Reaction
	Reposts        []Repost
	Replies        []Reply
	ZapReceipts    []ZapReceipt
}

func newProcessed(ev *nostr.Event, relay string) (pe *ProcessedEvent) {
	pe = &ProcessedEvent{Event: ev}
	pe.addRelay(relay)
	return
}

func (pe *ProcessedEvent) addRelay(url string) bool {
	if url = nostr.NormalizeURL(url); url == "" ||
		slices.Contains(pe.EventRelayUrls, url) {
		return false
	}
	pe.EventRelayUrls = append(pe.EventRelayUrls, url)
	return true
}

func (pe *ProcessedEvent) addReaction(r Reaction) bool {
	if slices.ContainsFunc(pe.Reactions, func(x Reaction) bool {
		return x.ID == r.ID
	}) {
		return false
	}
	pe.Reactions = append(pe.Reactions, r)
	return true
}

func (pe *ProcessedEvent) addRepost(r Repost) bool {
	if slices.ContainsFunc(pe.Reposts, func(x Repost) bool {
		return x.ID == r.ID
	}) {
		return false
	}
	pe.Reposts = append(pe.Reposts, r)
	return true
}

func (pe *ProcessedEvent) addReply(r Reply) bool {
	if slices.ContainsFunc(pe.Replies, func(x Reply) bool {
		return x.ID == r.ID
	}) {
		return false
	}
	pe.Replies = append(pe.Replies, r)
	return true
}

func (pe *ProcessedEvent) addZap(z ZapReceipt) bool {
	if slices.ContainsFunc(pe.ZapReceipts, func(x ZapReceipt) bool {
		return x.ID == z.ID
	}) {
		return false
	}
	pe.ZapReceipts = append(pe.ZapReceipts, z)
	return true
}

// LightProcessedEvent is the read only projection of a processed event
// handed across the engine boundary.
type LightProcessedEvent struct {
	Event            *nostr.Event   `json:"event"`
	User             *store.User    `json:"user,omitempty"`
	EventRelayUrls   []string       `json:"eventRelayUrls"`
	Reactions        map[string]int `json:"reactions"`
	ReactionCount    int            `json:"reactionCount"`
	RepostCount      int            `json:"repostCount"`
	ReplyCount       int            `json:"replyCount"`
	ZapReceiptCount  int            `json:"zapReceiptCount"`
	ZapReceiptAmount int64          `json:"zapReceiptAmount"`
}

// Light projects the processed event into a copy safe to hand out.
func (pe *ProcessedEvent) Light() (l LightProcessedEvent) {
	ev := *pe.Event
	l = LightProcessedEvent{
		Event:           &ev,
		EventRelayUrls:  slices.Clone(pe.EventRelayUrls),
		Reactions:       make(map[string]int),
		ReactionCount:   len(pe.Reactions),
		RepostCount:     len(pe.Reposts),
		ReplyCount:      len(pe.Replies),
		ZapReceiptCount: len(pe.ZapReceipts),
	}
	if pe.User != nil {
		u := *pe.User
		l.User = &u
	}
	for _, r := range pe.Reactions {
		content := r.Content
		if content == "" {
			content = "+"
		}
		l.Reactions[content]++
	}
	for _, z := range pe.ZapReceipts {
		l.ZapReceiptAmount += z.Amount
	}
	return
}

// workingSet is an arena of processed events in insertion order with an
// index by id. Once over its limit the oldest entries are evicted.
type workingSet struct {
	limit int
	arena []*ProcessedEvent
	index map[string]int
	head  int
	n     int
}

func newWorkingSet(limit int) *workingSet {
	return &workingSet{limit: limit, index: make(map[string]int)}
}

func (ws *workingSet) get(id string) *ProcessedEvent {
	if i, ok := ws.index[id]; ok {
		return ws.arena[i]
	}
	return nil
}

func (ws *workingSet) has(id string) (ok bool) {
	_, ok = ws.index[id]
	return
}

func (ws *workingSet) len() int { return ws.n }

// add inserts pe unless its id is present, returning the stored entry.
func (ws *workingSet) add(pe *ProcessedEvent) (stored *ProcessedEvent,
	added bool) {

	if ex := ws.get(pe.Event.ID); ex != nil {
		return ex, false
	}
	ws.index[pe.Event.ID] = len(ws.arena)
	ws.arena = append(ws.arena, pe)
	ws.n++
	for ws.n > ws.limit {
		ws.evictOldest()
	}
	if ws.head > 64 && ws.head > len(ws.arena)/2 {
		ws.compact()
	}
	return pe, true
}

func (ws *workingSet) evictOldest() {
	for ws.head < len(ws.arena) {
		pe := ws.arena[ws.head]
		ws.arena[ws.head] = nil
		ws.head++
		if pe != nil {
			delete(ws.index, pe.Event.ID)
			ws.n--
			return
		}
	}
}

func (ws *workingSet) remove(id string) {
	if i, ok := ws.index[id]; ok {
		ws.arena[i] = nil
		delete(ws.index, id)
		ws.n--
	}
}

func (ws *workingSet) compact() {
	arena := make([]*ProcessedEvent, 0, ws.n)
	for _, pe := range ws.arena[ws.head:] {
		if pe != nil {
			ws.index[pe.Event.ID] = len(arena)
			arena = append(arena, pe)
		}
	}
	ws.arena, ws.head = arena, 0
}

// each calls fn for every entry, oldest first.
func (ws *workingSet) each(fn func(pe *ProcessedEvent)) {
	for _, pe := range ws.arena[ws.head:] {
		if pe != nil {
			fn(pe)
		}
	}
}

// ids returns the set of ids in the working set.
func (ws *workingSet) ids() (ids map[string]struct{}) {
	ids = make(map[string]struct{}, ws.n)
	for id := range ws.index {
		ids[id] = struct{}{}
	}
	return
}

func (ws *workingSet) reset() {
	ws.arena, ws.head, ws.n = nil, 0, 0
	ws.index = make(map[string]int)
}
