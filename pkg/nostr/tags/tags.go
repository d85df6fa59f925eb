// Package tags derives the relations between events carried in their tags:
// e tag references with NIP-10 markers, p tag references and relay hints, and
// the NIPs a relay has to support to accept an event.
package tags

import (
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip10"
	"golang.org/x/exp/slices"
)

const (
	Event    = "e"
	Pubkey   = "p"
	Hashtag  = "t"
	Nonce    = "nonce"
	Expiry   = "expiration"
	Identity = "i" // NIP-39 external identity
	Bolt11   = "bolt11"

	MarkerRoot    = "root"
	MarkerReply   = "reply"
	MarkerMention = "mention"
)

// NIPs required by tags that relays are free not to support.
const (
	NIPProofOfWork         = 13
	NIPExternalIdentity    = 39
	NIPExpirationTimestamp = 40
)

// Reference is an e or p tag pointing at another event or user.
type Reference struct {
	Value  string
	Relay  string
	Marker string
}

// IsReply reports whether the tags make the event a reply: an e tag marked
// root or reply, or an unmarked e tag in the legacy positional convention.
// Mentions alone don't make a reply.
func IsReply(t nostr.Tags) bool { return nip10.GetImmediateReply(t) != nil }

// ReplyTarget returns the id of the event directly replied to.
func ReplyTarget(t nostr.Tags) (id string, ok bool) {
	if tag := nip10.GetImmediateReply(t); tag != nil && len(*tag) >= 2 {
		return (*tag)[1], true
	}
	return
}

// Root returns the id of the root-marked e tag, or the first unmarked e tag
// for events in the positional convention. Mentions are never the root.
func Root(t nostr.Tags) (id string, ok bool) {
	var first string
	for _, tag := range t {
		if len(tag) < 2 || tag[0] != Event || tag[1] == "" {
			continue
		}
		switch marker := markerOf(tag); {
		case marker == MarkerRoot:
			return tag[1], true
		case marker == "" && first == "":
			first = tag[1]
		}
	}
	return first, first != ""
}

func markerOf(tag nostr.Tag) string {
	if len(tag) >= 4 {
		return tag[3]
	}
	return ""
}

// Targets returns the reply target first, then the root if it differs.
func Targets(t nostr.Tags) (ids []string) {
	if id, ok := ReplyTarget(t); ok {
		ids = append(ids, id)
	}
	if id, ok := Root(t); ok && !slices.Contains(ids, id) {
		ids = append(ids, id)
	}
	return
}

// References collects all tags of the given name with a non-empty value.
func References(t nostr.Tags, name string) (refs []Reference) {
	for _, tag := range t {
		if len(tag) < 2 || tag[0] != name || tag[1] == "" {
			continue
		}
		ref := Reference{Value: tag[1]}
		if len(tag) >= 3 {
			ref.Relay = tag[2]
		}
		if len(tag) >= 4 {
			ref.Marker = tag[3]
		}
		refs = append(refs, ref)
	}
	return
}

// Values returns the distinct values of all tags of the given name.
func Values(t nostr.Tags, name string) (values []string) {
	for _, ref := range References(t, name) {
		if !slices.Contains(values, ref.Value) {
			values = append(values, ref.Value)
		}
	}
	return
}

// Has reports whether a tag with this name is present.
func Has(t nostr.Tags, name string) bool {
	return slices.ContainsFunc(t, func(tag nostr.Tag) bool {
		return len(tag) > 0 && tag[0] == name
	})
}

// First returns the value of the first tag with this name.
func First(t nostr.Tags, name string) (value string, ok bool) {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return
}

// RequiredNIPs lists the NIPs a relay must support to accept an event with
// these tags.
func RequiredNIPs(t nostr.Tags) (nips []int) {
	if Has(t, Nonce) {
		nips = append(nips, NIPProofOfWork)
	}
	if Has(t, Expiry) {
		nips = append(nips, NIPExpirationTimestamp)
	}
	if Has(t, Identity) {
		nips = append(nips, NIPExternalIdentity)
	}
	return
}
