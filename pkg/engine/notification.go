package engine

import (
	"time"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/publish"
	"github.com/Hubmakerlabs/feedr/pkg/store"
)

type NotificationType string

const (
	EventCreated NotificationType = "event.created"
	EventUpdated NotificationType = "event.updated"
	UserUpdated  NotificationType = "user.updated"
	NewerEvents  NotificationType = "events.newer"
	Published    NotificationType = "event.published"
	// RelayMessage forwards EOSE, COUNT, NOTICE, AUTH and CLOSED frames.
	RelayMessage NotificationType = "relay.message"
)

// Notification is a copy of a change for the presentation side.
type Notification struct {
	Type           NotificationType     `json:"type"`
	View           string               `json:"view,omitempty"`
	Relay          string               `json:"relayUrl,omitempty"`
	Label          string               `json:"label,omitempty"`
	SubscriptionID string               `json:"subscriptionId,omitempty"`
	Message        string               `json:"message,omitempty"`
	Count          *int64               `json:"count,omitempty"`
	Event          *LightProcessedEvent `json:"event,omitempty"`
	User           *store.User          `json:"user,omitempty"`
	Entry          *publish.Entry       `json:"entry,omitempty"`
	Created        time.Time            `json:"created"`
}

func (e *Engine) emit(n Notification) {
	n.Created = time.Now()
	e.notifyMx.Lock()
	defer e.notifyMx.Unlock()
	if e.closed {
		return
	}
	select {
	case e.notifications <- n:
		e.metrics.Notified(string(n.Type))
	default:
		log.W.F("notification buffer full, dropping %s", n.Type)
	}
}

// Metrics receives counts of what the engine does with events.
type Metrics interface {
	Received(relay string)
	Dropped(reason string)
	Merged(k kind.T)
	Persisted()
	Notified(typ string)
}

type nopMetrics struct{}

func (nopMetrics) Received(string) {}
func (nopMetrics) Dropped(string)  {}
func (nopMetrics) Merged(kind.T)   {}
func (nopMetrics) Persisted()      {}
func (nopMetrics) Notified(string) {}

// reasons events are dropped
const (
	DropDuplicate = "duplicate"
	DropSignature = "signature"
	DropBlocked   = "blocked"
	DropInvoice   = "invoice"
	DropUntracked = "untracked"
)
