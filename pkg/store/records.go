package store

import (
	"encoding/json"
	"strings"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/tags"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/exp/slices"
)

// Metadata is the profile content of a kind 0 event.
type Metadata struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Website     string `json:"website,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	Lud06       string `json:"lud06,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
}

// Claim is a NIP-39 external identity claimed in an i tag.
type Claim struct {
	Platform string `json:"platform"`
	Identity string `json:"identity"`
	Proof    string `json:"proof,omitempty"`
}

// ZapInfo holds the lightning addresses zaps to a user are requested from.
type ZapInfo struct {
	Lud06 string `json:"lud06,omitempty"`
	Lud16 string `json:"lud16,omitempty"`
}

// User is what is known about a pubkey.
type User struct {
	Pubkey           string    `json:"pubkey"`
	Data             *Metadata `json:"data,omitempty"`
	Claims           []Claim   `json:"claims,omitempty"`
	LightningZapInfo *ZapInfo  `json:"lightningZapInfo,omitempty"`
	// LastUpdated is the created_at of the metadata event applied last.
	LastUpdated nostr.Timestamp `json:"lastUpdated,omitempty"`
}

// UserRecord is a stored user with the relays it was seen on and the local
// follow and block flags.
type UserRecord struct {
	User      User     `json:"user"`
	RelayUrls []string `json:"relayUrls"`
	IsBlocked bool     `json:"isBlocked,omitempty"`
	Following bool     `json:"following,omitempty"`
}

// NewUserRecord creates the record of a user first seen.
func NewUserRecord(pubkey string) *UserRecord {
	return &UserRecord{User: User{Pubkey: pubkey}, RelayUrls: []string{}}
}

// AddRelay adds a relay url the user was seen on, reporting whether it was
// new.
func (u *UserRecord) AddRelay(url string) bool {
	if url = nostr.NormalizeURL(url); url == "" ||
		slices.Contains(u.RelayUrls, url) {
		return false
	}
	u.RelayUrls = append(u.RelayUrls, url)
	return true
}

// ApplyMetadata replaces the profile with the content of a kind 0 event
// unless the event is older than the one applied last. Content that does
// not parse leaves the record unchanged.
func (u *UserRecord) ApplyMetadata(ev *nostr.Event) (applied bool) {
	if u.User.Data != nil && ev.CreatedAt < u.User.LastUpdated {
		return false
	}
	md := &Metadata{}
	if err := json.Unmarshal([]byte(ev.Content), md); err != nil {
		log.D.F("metadata of %s does not parse: %v", ev.PubKey, err)
		return false
	}
	u.User.Data = md
	u.User.LastUpdated = ev.CreatedAt
	u.User.Claims = ClaimsOf(ev.Tags)
	u.User.LightningZapInfo = nil
	if md.Lud06 != "" || md.Lud16 != "" {
		u.User.LightningZapInfo = &ZapInfo{Lud06: md.Lud06, Lud16: md.Lud16}
	}
	return true
}

// ClaimsOf reads the identity claims of i tags, platform:identity proof.
func ClaimsOf(t nostr.Tags) (claims []Claim) {
	for _, ref := range tags.References(t, tags.Identity) {
		platform, identity, ok := strings.Cut(ref.Value, ":")
		if !ok || platform == "" || identity == "" {
			continue
		}
		// the proof sits where other references carry a relay hint
		claims = append(claims, Claim{Platform: platform, Identity: identity,
			Proof: ref.Relay})
	}
	return
}

// List is a named set of users.
type List struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	UserPubkeys []string `json:"userPubkeys"`
}
