package engine

import (
	"sort"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/tags"
	"github.com/nbd-wtf/go-nostr"
)

// PopularWindow is how far back CalculatePopular counts.
const PopularWindow = 24 * 60 * 60

// Popular is an event id or pubkey and how often it was referred to.
type Popular struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// CalculatePopular ranks events by the references of stored and in-memory
// events of the last day and users by the stored contact lists following
// them.
func (e *Engine) CalculatePopular(c context.T) (err error) {
	var events, users map[string]int
	var serr error
	if err = e.do(c, false, func(c context.T) {
		events, users = make(map[string]int), make(map[string]int)
		// contributions are counted once per referring event
		counted := make(map[[2]string]bool)
		count := func(target, by string) {
			k := [2]string{target, by}
			if !counted[k] {
				counted[k] = true
				events[target]++
			}
		}
		now := e.now()
		serr = e.store.ScanEvents(c, now-PopularWindow, now,
			func(ev *nostr.Event) bool {
				if e.blocked[ev.PubKey] {
					return true
				}
				switch kind.Classify(kind.T(ev.Kind)) {
				case kind.ClassContacts:
					for _, pk := range tags.Values(ev.Tags, tags.Pubkey) {
						users[pk]++
					}
				case kind.ClassNote, kind.ClassReaction, kind.ClassRepost,
					kind.ClassZapReceipt:
					for _, id := range tags.Values(ev.Tags, tags.Event) {
						count(id, ev.ID)
					}
				}
				return c.Err() == nil
			})
		e.working.each(func(pe *ProcessedEvent) {
			id := pe.Event.ID
			for _, r := range pe.Reactions {
				count(id, r.ID)
			}
			for _, r := range pe.Reposts {
				count(id, r.ID)
			}
			for _, r := range pe.Replies {
				count(id, r.ID)
			}
			for _, z := range pe.ZapReceipts {
				count(id, z.ID)
			}
		})
	}); err != nil {
		return
	}
	if serr != nil {
		return serr
	}
	e.popularMx.Lock()
	e.popularEvents, e.popularUsers = rank(events), rank(users)
	e.popularMx.Unlock()
	return
}

func rank(counts map[string]int) (ranked []Popular) {
	ranked = make([]Popular, 0, len(counts))
	for id, n := range counts {
		ranked = append(ranked, Popular{ID: id, Count: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].ID < ranked[j].ID
	})
	return
}

func top(ranked []Popular, n int) []Popular {
	if n <= 0 || n > len(ranked) {
		n = len(ranked)
	}
	return append([]Popular{}, ranked[:n]...)
}

// GetPopularEvents returns the n most referred to events of the last
// calculation, all of them for n <= 0.
func (e *Engine) GetPopularEvents(n int) []Popular {
	e.popularMx.RLock()
	defer e.popularMx.RUnlock()
	return top(e.popularEvents, n)
}

// GetPopularUsers returns the n most followed users of the last
// calculation.
func (e *Engine) GetPopularUsers(n int) []Popular {
	e.popularMx.RLock()
	defer e.popularMx.RUnlock()
	return top(e.popularUsers, n)
}
