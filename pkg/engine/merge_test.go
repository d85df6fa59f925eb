package engine

import (
	"testing"

	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/client"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/store"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func invoice(t *testing.T, hrp string) string {
	t.Helper()
	ts := int64(1496314658)
	data := make([]byte, 7, 12)
	for i := 6; i >= 0; i-- {
		data[i] = byte(ts & 31)
		ts >>= 5
	}
	data = append(data, 1, 2, 3, 4, 5)
	s, err := bech32.Encode(hrp, data)
	require.NoError(t, err)
	return s
}

func TestAtMostOnceIngestion(t *testing.T) {
	e, fc, _ := newEngine(t, Config{})
	fc.live("live", "home", true)
	a, b := newAuthor(t), newAuthor(t)
	note := a.event(t, 1, now-10, "hello")
	deliver(t, e, relayA, "live", note)
	deliver(t, e, relayB, "live", note)
	deliver(t, e, relayA, "live", note)

	reaction := b.event(t, 7, now-5, "+", nostr.Tag{"e", note.ID})
	repost := b.event(t, 6, now-4, "", nostr.Tag{"e", note.ID})
	reply := b.event(t, 1, now-3, "hi back",
		nostr.Tag{"e", note.ID, "", "root"})
	for i := 0; i < 2; i++ {
		for _, ev := range []*nostr.Event{reaction, repost, reply} {
			deliver(t, e, relayA, "live", ev)
			deliver(t, e, relayB, "live", ev)
		}
	}

	ws := inMemory(t, e)
	require.Len(t, ws, 1, "replies are not top level")
	pe := ws[0]
	assert.Equal(t, note.ID, pe.Event.ID)
	assert.ElementsMatch(t, []string{relayA, relayB}, pe.EventRelayUrls)
	assert.Equal(t, 1, pe.ReactionCount)
	assert.Equal(t, map[string]int{"+": 1}, pe.Reactions)
	assert.Equal(t, 1, pe.RepostCount)
	assert.Equal(t, 1, pe.ReplyCount)

	ns := drain(e)
	assert.Len(t, ofType(ns, EventCreated), 1)
	for _, n := range ofType(ns, EventUpdated) {
		assert.Equal(t, "home", n.View)
	}
	assert.Len(t, ofType(ns, EventUpdated), 3)
}

func TestNonLiveNotesStayOut(t *testing.T) {
	e, fc, st := newEngine(t, Config{})
	fc.live("backfill", "home", false)
	a := newAuthor(t)
	note := a.event(t, 1, now, "old")
	deliver(t, e, relayA, "backfill", note)
	assert.Empty(t, inMemory(t, e))
	_, err := st.GetEvent(context.Bg(), note.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "unfollowed notes are not stored")
}

func TestFollowedNotesPersist(t *testing.T) {
	e, fc, st := newEngine(t, Config{})
	fc.live("backfill", "home", false)
	a := newAuthor(t)
	require.NoError(t, e.FollowUser(context.Bg(), a.pk))
	note := a.event(t, 1, now, "kept", nostr.Tag{"p", a.pk, "wss://hint.example"})
	deliver(t, e, relayA, "backfill", note)
	got, err := st.GetEvent(context.Bg(), note.ID)
	require.NoError(t, err)
	assert.Equal(t, note.Content, got.Content)

	u, err := st.GetUser(context.Bg(), a.pk)
	require.NoError(t, err)
	assert.True(t, u.Following)
	assert.ElementsMatch(t, []string{relayA, "wss://hint.example"}, u.RelayUrls)
}

func TestFollowStoresNotesInMemory(t *testing.T) {
	e, fc, st := newEngine(t, Config{})
	fc.live("live", "home", true)
	a := newAuthor(t)
	note := a.event(t, 1, now, "seen live")
	deliver(t, e, relayA, "live", note)
	_, err := st.GetEvent(context.Bg(), note.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, e.FollowUser(context.Bg(), a.pk))
	_, err = st.GetEvent(context.Bg(), note.ID)
	assert.NoError(t, err)
	following, err := e.Following(context.Bg())
	require.NoError(t, err)
	assert.Equal(t, []string{a.pk}, following)
}

func TestBadSignatureDropped(t *testing.T) {
	e, fc, _ := newEngine(t, Config{})
	fc.live("live", "", true)
	a := newAuthor(t)
	forged := a.event(t, 1, now, "original")
	forged.Content = "tampered"
	deliver(t, e, relayA, "live", forged)

	stolen := a.event(t, 1, now, "another")
	stolen.Sig = forged.Sig
	deliver(t, e, relayA, "live", stolen)
	assert.Empty(t, inMemory(t, e))
	assert.Empty(t, ofType(drain(e), EventCreated))
}

func TestZapAmountAggregation(t *testing.T) {
	e, fc, _ := newEngine(t, Config{})
	fc.live("live", "", true)
	a, wallet := newAuthor(t), newAuthor(t)
	note := a.event(t, 1, now, "zap me")
	deliver(t, e, relayA, "live", note)

	zap := func(inv string) *nostr.Event {
		return wallet.event(t, int(kind.ZapReceipt), now, "",
			nostr.Tag{"p", a.pk}, nostr.Tag{"e", note.ID},
			nostr.Tag{"bolt11", inv})
	}
	first, second := zap(invoice(t, "lnbc2500u")), zap(invoice(t, "lnbc20m"))
	deliver(t, e, relayA, "live", first)
	deliver(t, e, relayA, "live", second)
	deliver(t, e, relayB, "live", second)
	deliver(t, e, relayA, "live", zap("lnbc1notaninvoice"))
	deliver(t, e, relayA, "live", wallet.event(t, int(kind.ZapReceipt), now,
		"", nostr.Tag{"e", note.ID}))

	ws := inMemory(t, e)
	require.Len(t, ws, 1)
	assert.Equal(t, 2, ws[0].ZapReceiptCount)
	assert.Equal(t, int64(250_000+2_000_000), ws[0].ZapReceiptAmount)
}

func TestUntrackedReactionDropped(t *testing.T) {
	e, fc, _ := newEngine(t, Config{})
	fc.live("live", "", true)
	a := newAuthor(t)
	deliver(t, e, relayA, "live", a.event(t, 7, now, "+",
		nostr.Tag{"e", "ff00000000000000000000000000000000000000000000000000000000000000"}))
	assert.Empty(t, inMemory(t, e))
	assert.Empty(t, drain(e))
}

func TestMetadataLastWriteWins(t *testing.T) {
	e, fc, st := newEngine(t, Config{})
	fc.live("live", "", true)
	a := newAuthor(t)
	deliver(t, e, relayA, "live", a.event(t, 1, now, "note"))

	deliver(t, e, relayA, "live", a.event(t, 0, now-10, `{"name":"new"}`))
	deliver(t, e, relayA, "live", a.event(t, 0, now-20, `{"name":"old"}`))
	u, err := st.GetUser(context.Bg(), a.pk)
	require.NoError(t, err)
	require.NotNil(t, u.User.Data)
	assert.Equal(t, "new", u.User.Data.Name)
	assert.Equal(t, now-10, u.User.LastUpdated)

	ws := inMemory(t, e)
	require.Len(t, ws, 1)
	require.NotNil(t, ws[0].User)
	assert.Equal(t, "new", ws[0].User.Data.Name)
	assert.Len(t, ofType(drain(e), UserUpdated), 1)
}

func TestBlockedAuthorSuppressed(t *testing.T) {
	e, fc, st := newEngine(t, Config{})
	fc.live("live", "", true)
	a := newAuthor(t)
	require.NoError(t, e.FollowUser(context.Bg(), a.pk))
	stored := a.event(t, 1, now-100, "before")
	deliver(t, e, relayA, "live", stored)
	_, err := st.GetEvent(context.Bg(), stored.ID)
	require.NoError(t, err)
	require.Len(t, inMemory(t, e), 1)

	require.NoError(t, e.BlockUser(context.Bg(), a.pk))
	_, err = st.GetEvent(context.Bg(), stored.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, inMemory(t, e))

	deliver(t, e, relayA, "live", a.event(t, 0, now, `{"name":"blocked"}`))
	after := a.event(t, 1, now, "after")
	deliver(t, e, relayA, "live", after)
	assert.Empty(t, inMemory(t, e))
	_, err = st.GetEvent(context.Bg(), after.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	u, err := st.GetUser(context.Bg(), a.pk)
	require.NoError(t, err)
	assert.True(t, u.IsBlocked)
	assert.False(t, u.Following)
	assert.Nil(t, u.User.Data)
	assert.Error(t, e.FollowUser(context.Bg(), a.pk))

	require.NoError(t, e.UnblockUser(context.Bg(), a.pk))
	deliver(t, e, relayA, "live", after)
	assert.Len(t, inMemory(t, e), 1)
}

func TestContactsRecomputeFollowList(t *testing.T) {
	self := newAuthor(t)
	signer, err := NewKeySigner(self.sk)
	require.NoError(t, err)
	e, fc, st := newEngine(t, Config{}, WithSigner(signer))
	fc.live("contacts", "", false)
	x, y, z := newAuthor(t).pk, newAuthor(t).pk, newAuthor(t).pk

	deliver(t, e, relayA, "contacts", self.event(t, 3, now-100, "",
		nostr.Tag{"p", x}, nostr.Tag{"p", y}))
	following, err := e.Following(context.Bg())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{x, y}, following)

	deliver(t, e, relayA, "contacts", self.event(t, 3, now-50, "",
		nostr.Tag{"p", y}, nostr.Tag{"p", z}))
	following, _ = e.Following(context.Bg())
	assert.ElementsMatch(t, []string{y, z}, following)
	u, err := st.GetUser(context.Bg(), x)
	require.NoError(t, err)
	assert.False(t, u.Following, "removed users are kept with the flag off")

	deliver(t, e, relayA, "contacts", self.event(t, 3, now-200, "",
		nostr.Tag{"p", x}))
	following, _ = e.Following(context.Bg())
	assert.ElementsMatch(t, []string{y, z}, following, "older lists are ignored")

	other := newAuthor(t)
	deliver(t, e, relayA, "contacts", other.event(t, 3, now, "",
		nostr.Tag{"p", x}))
	following, _ = e.Following(context.Bg())
	assert.ElementsMatch(t, []string{y, z}, following)
	_, err = st.Contacts(context.Bg(), other.pk)
	assert.NoError(t, err, "contact lists of others are stored")
}

func TestFollowPublishesContacts(t *testing.T) {
	self := newAuthor(t)
	signer, err := NewKeySigner(self.sk)
	require.NoError(t, err)
	e, fc, st := newEngine(t, Config{}, WithSigner(signer))
	x := newAuthor(t).pk
	require.NoError(t, e.FollowUser(context.Bg(), x))
	fc.mx.Lock()
	sent := fc.sent[relayA]
	fc.mx.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, int(kind.Contacts), sent[0].Kind)
	assert.Equal(t, self.pk, sent[0].PubKey)
	assert.Equal(t, x, sent[0].Tags[0][1])
	stored, err := st.Contacts(context.Bg(), self.pk)
	require.NoError(t, err)
	assert.Equal(t, sent[0].ID, stored.ID)

	fc.setReady(false)
	assert.ErrorIs(t, e.UnfollowUser(context.Bg(), x), client.ErrNoWritableRelay)
	following, _ := e.Following(context.Bg())
	assert.Empty(t, following, "the local flag changes even when publishing fails")
}

func TestAuthChallenge(t *testing.T) {
	self := newAuthor(t)
	signer, err := NewKeySigner(self.sk)
	require.NoError(t, err)
	e, fc, _ := newEngine(t, Config{}, WithSigner(signer))
	challenge := "c4ll3nge"
	require.NoError(t, e.ProcessMessage(context.Bg(), client.Message{
		Relay: relayA, Envelope: &nostr.AuthEnvelope{Challenge: &challenge}}))
	fc.mx.Lock()
	defer fc.mx.Unlock()
	require.Len(t, fc.auths, 1)
	ev := fc.auths[0]
	assert.Equal(t, int(kind.ClientAuthentication), ev.Kind)
	assert.Equal(t, nostr.Tags{{"relay", relayA}, {"challenge", challenge}},
		ev.Tags)
	assert.True(t, Verify(ev))
}

func TestFramesForwarded(t *testing.T) {
	e, fc, _ := newEngine(t, Config{})
	fc.live("sub", "home", false)
	eose := nostr.EOSEEnvelope("sub")
	notice := nostr.NoticeEnvelope("slow down")
	n := int64(42)
	for _, env := range []nostr.Envelope{
		&eose, &notice,
		&nostr.CountEnvelope{SubscriptionID: "sub", Count: &n},
		&nostr.ClosedEnvelope{SubscriptionID: "sub", Reason: "error: bye"},
		&nostr.OKEnvelope{EventID: "unknown", OK: true},
	} {
		require.NoError(t, e.ProcessMessage(context.Bg(),
			client.Message{Relay: relayA, Envelope: env}))
	}
	ns := ofType(drain(e), RelayMessage)
	require.Len(t, ns, 5)
	assert.Equal(t, "EOSE", ns[0].Label)
	assert.Equal(t, "home", ns[0].View)
	assert.Equal(t, "slow down", ns[1].Message)
	assert.Equal(t, int64(42), *ns[2].Count)
	assert.Equal(t, "error: bye", ns[3].Message)
	assert.Equal(t, "OK", ns[4].Label)
	assert.Empty(t, inMemory(t, e))
}

func TestOKResolvesPublishingQueue(t *testing.T) {
	self := newAuthor(t)
	signer, err := NewKeySigner(self.sk)
	require.NoError(t, err)
	e, _, _ := newEngine(t, Config{}, WithSigner(signer))
	entries, err := e.SendEvent(context.Bg(), SendRequest{
		Event: &nostr.Event{Kind: 1, Content: "out", Tags: nostr.Tags{}}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	id := entries[0].Event.ID
	require.NoError(t, e.ProcessMessage(context.Bg(), client.Message{
		Relay: relayA, Envelope: &nostr.OKEnvelope{EventID: id, OK: true}}))

	q := e.PublishingQueue()
	require.Len(t, q, 1)
	require.NotNil(t, q[0].Accepted)
	assert.True(t, *q[0].Accepted)
	published := ofType(drain(e), Published)
	require.Len(t, published, 1)
	assert.Equal(t, relayA, published[0].Entry.RelayURL)
}

func TestMentionIsNotReplyTarget(t *testing.T) {
	e, fc, _ := newEngine(t, Config{})
	fc.live("live", "", true)
	a, b := newAuthor(t), newAuthor(t)
	mentioned := a.event(t, 1, now-20, "mentioned")
	parent := a.event(t, 1, now-10, "parent")
	deliver(t, e, relayA, "live", mentioned)
	deliver(t, e, relayA, "live", parent)
	reply := b.event(t, 1, now, "answer",
		nostr.Tag{"e", mentioned.ID, "", "mention"},
		nostr.Tag{"e", parent.ID, "", "reply"})
	deliver(t, e, relayA, "live", reply)

	counts := make(map[string]int)
	for _, l := range inMemory(t, e) {
		counts[l.Event.ID] = l.ReplyCount
	}
	assert.Equal(t, 0, counts[mentioned.ID])
	assert.Equal(t, 1, counts[parent.ID])

	replies, err := e.GetEventReplies(context.Bg(), mentioned.ID)
	require.NoError(t, err)
	assert.Empty(t, replies)
	replies, err = e.GetEventReplies(context.Bg(), parent.ID)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, reply.ID, replies[0].Event.ID)
}
