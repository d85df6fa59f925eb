package relayinfo

import (
	"golang.org/x/exp/slices"
)

// Limits are the restrictions a relay advertises on what it accepts.
type Limits struct {
	MaxMessageLength int  `json:"max_message_length,omitempty"`
	MaxSubscriptions int  `json:"max_subscriptions,omitempty"`
	MaxFilters       int  `json:"max_filters,omitempty"`
	MaxLimit         int  `json:"max_limit,omitempty"`
	MaxSubidLength   int  `json:"max_subid_length,omitempty"`
	MaxEventTags     int  `json:"max_event_tags,omitempty"`
	MaxContentLength int  `json:"max_content_length,omitempty"`
	MinPowDifficulty int  `json:"min_pow_difficulty,omitempty"`
	AuthRequired     bool `json:"auth_required"`
	PaymentRequired  bool `json:"payment_required"`
	RestrictedWrites bool `json:"restricted_writes"`
}

// T is the NIP-11 relay information document.
type T struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	PubKey         string   `json:"pubkey"`
	Contact        string   `json:"contact,omitempty"`
	Nips           []int    `json:"supported_nips"`
	Software       string   `json:"software"`
	Version        string   `json:"version"`
	Limitation     Limits   `json:"limitation"`
	RelayCountries []string `json:"relay_countries,omitempty"`
	LanguageTags   []string `json:"language_tags,omitempty"`
	PostingPolicy  string   `json:"posting_policy,omitempty"`
	PaymentsURL    string   `json:"payments_url,omitempty"`
	Icon           string   `json:"icon,omitempty"`
}

// HasNIP reports whether the relay lists the NIP as supported.
func (ri *T) HasNIP(n int) bool {
	if ri == nil {
		return false
	}
	return slices.Contains(ri.Nips, n)
}

// Supports reports whether every one of the NIPs is supported. An empty set
// of NIPs is supported by every relay, even one without a document.
func (ri *T) Supports(nips ...int) bool {
	for _, n := range nips {
		if !ri.HasNIP(n) {
			return false
		}
	}
	return true
}
