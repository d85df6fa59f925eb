package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrNotConnected          = errors.New("relay not connected")
	ErrNotReady              = errors.New("no relay connected")
	ErrNoWritableRelay       = errors.New("no connected relay accepts writes for this event")
	ErrRequiredRelaysMissing = errors.New("required relays are not available")
)

// RelayConfig is the address of a relay and what it is used for.
type RelayConfig struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// ParseRelayConfig reads url[,r|w|rw]. Without a mode the relay is used both
// ways.
func ParseRelayConfig(s string) (rc RelayConfig, err error) {
	u, mode, _ := strings.Cut(strings.TrimSpace(s), ",")
	if rc.URL = nostr.NormalizeURL(u); rc.URL == "" {
		return rc, fmt.Errorf("invalid relay url '%s'", u)
	}
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "rw", "wr":
		rc.Read, rc.Write = true, true
	case "r":
		rc.Read = true
	case "w":
		rc.Write = true
	default:
		return rc, fmt.Errorf("invalid relay mode '%s' for %s", mode, rc.URL)
	}
	return
}

func (rc RelayConfig) String() (s string) {
	s = rc.URL
	switch {
	case rc.Read && !rc.Write:
		s += ",r"
	case rc.Write && !rc.Read:
		s += ",w"
	}
	return
}

// ReqType is the verb of a client to relay message.
type ReqType string

const (
	REQ   ReqType = "REQ"
	COUNT ReqType = "COUNT"
	AUTH  ReqType = "AUTH"
	CLOSE ReqType = "CLOSE"
	EVENT ReqType = "EVENT"
)

// SubscriptionOptions control the lifetime and routing of a subscription.
type SubscriptionOptions struct {
	// TimeoutIn closes the subscription once elapsed, zero means never.
	TimeoutIn time.Duration `json:"timeoutIn,omitempty"`
	// View is the token of the consumer the subscription belongs to.
	View string `json:"view,omitempty"`
	// UnsubscribeOnEOSE closes the subscription at end of stored events.
	UnsubscribeOnEOSE bool `json:"unsubscribeOnEose,omitempty"`
	// IsLive marks events of this subscription as arriving in real time.
	IsLive bool `json:"isLive,omitempty"`
}

// Request is a subscription request to every connected relay.
type Request struct {
	ID      string
	Type    ReqType
	Filters nostr.Filters
	// Event is the signed AUTH event for requests of type AUTH.
	Event   *nostr.Event
	Options SubscriptionOptions
}

// ClientSubscription is the record of a subscription held on one relay.
type ClientSubscription struct {
	ID       string              `json:"id"`
	Type     ReqType             `json:"type"`
	Relay    string              `json:"relayUrl"`
	Filters  nostr.Filters       `json:"filters,omitempty"`
	Options  SubscriptionOptions `json:"options"`
	Created  time.Time           `json:"created"`
	EOSE     bool                `json:"eose"`
	IsActive bool                `json:"isActive"`
}

// Command is an outstanding client message awaiting a relay response, keyed
// by event id for EVENT and AUTH and by subscription id for COUNT.
type Command struct {
	ID       string    `json:"id"`
	Type     ReqType   `json:"type"`
	Relay    string    `json:"relayUrl"`
	Created  time.Time `json:"created"`
	Response string    `json:"response,omitempty"`
	Success  *bool     `json:"success,omitempty"`
	Count    *int64    `json:"count,omitempty"`
}

// Done reports whether the relay has answered.
func (c Command) Done() bool { return c.Success != nil || c.Count != nil }

// Message is a relay to client message with the url of the relay it arrived
// from.
type Message struct {
	Relay    string
	Envelope nostr.Envelope
	Received time.Time
}

// Label is the message type, EVENT, EOSE, OK and so on.
func (m Message) Label() string {
	if m.Envelope == nil {
		return ""
	}
	return m.Envelope.Label()
}

// SubscriptionID returns the subscription the message refers to, if any.
func (m Message) SubscriptionID() string {
	switch env := m.Envelope.(type) {
	case *nostr.EventEnvelope:
		if env.SubscriptionID != nil {
			return *env.SubscriptionID
		}
	case *nostr.EOSEEnvelope:
		return string(*env)
	case *nostr.CountEnvelope:
		return env.SubscriptionID
	case *nostr.ClosedEnvelope:
		return env.SubscriptionID
	}
	return ""
}
