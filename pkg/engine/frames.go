package engine

import (
	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/client"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/nbd-wtf/go-nostr"
)

// forward passes a bookkeeping frame on to the presentation side.
func (e *Engine) forward(m client.Message) {
	n := Notification{Type: RelayMessage, Relay: m.Relay, Label: m.Label(),
		SubscriptionID: m.SubscriptionID()}
	if req, ok := e.client.Subscription(n.SubscriptionID); ok {
		n.View = req.Options.View
	}
	switch env := m.Envelope.(type) {
	case *nostr.NoticeEnvelope:
		n.Message = string(*env)
	case *nostr.ClosedEnvelope:
		n.Message = env.Reason
	case *nostr.CountEnvelope:
		n.Count = env.Count
	}
	e.emit(n)
}

// processOK correlates an OK with the publishing queue entry of the event.
func (e *Engine) processOK(m client.Message, env *nostr.OKEnvelope) {
	entry, found := e.publishing.Resolve(m.Relay, env)
	if !found {
		e.forward(m)
		return
	}
	if !env.OK {
		log.W.F("{%s} rejected %s: %s", m.Relay, env.EventID, env.Reason)
	}
	e.emit(Notification{Type: Published, Relay: m.Relay, Label: m.Label(),
		Message: env.Reason, Entry: &entry})
}

// processAuth answers an AUTH challenge with a signed kind 22242 event when
// a signer is configured.
func (e *Engine) processAuth(c context.T, m client.Message,
	env *nostr.AuthEnvelope) {

	if env.Challenge == nil {
		e.forward(m)
		return
	}
	n := Notification{Type: RelayMessage, Relay: m.Relay, Label: m.Label(),
		Message: *env.Challenge}
	e.emit(n)
	if e.signer == nil {
		log.D.F("{%s} AUTH challenge without signer", m.Relay)
		return
	}
	ev := &nostr.Event{
		PubKey:    e.signer.PublicKey(),
		CreatedAt: e.now(),
		Kind:      int(kind.ClientAuthentication),
		Tags: nostr.Tags{
			{"relay", m.Relay},
			{"challenge", *env.Challenge},
		},
	}
	if err := e.signer.Sign(ev); chk.E(err) {
		return
	}
	if err := e.client.Auth(c, m.Relay, ev); err != nil {
		log.W.F("{%s} answering AUTH: %v", m.Relay, err)
	}
}
