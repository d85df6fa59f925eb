package engine

import (
	"encoding/hex"

	"github.com/minio/sha256-simd"
	"github.com/nbd-wtf/go-nostr"
)

// Verify checks that the id of an event is the hash of its canonical
// serialization and that the signature is valid for it.
func Verify(ev *nostr.Event) bool {
	h := sha256.Sum256(ev.Serialize())
	if hex.EncodeToString(h[:]) != ev.ID {
		log.D.F("event %s has wrong id", ev.ID)
		return false
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		log.D.F("event %s: %v", ev.ID, err)
		return false
	}
	return ok
}

// Signer signs events on behalf of the local user.
type Signer interface {
	PublicKey() string
	Sign(ev *nostr.Event) error
}

// KeySigner signs with a hex secret key.
type KeySigner struct {
	sk, pk string
}

func NewKeySigner(sk string) (s *KeySigner, err error) {
	s = &KeySigner{sk: sk}
	if s.pk, err = nostr.GetPublicKey(sk); err != nil {
		return nil, err
	}
	return
}

func (s *KeySigner) PublicKey() string { return s.pk }

func (s *KeySigner) Sign(ev *nostr.Event) error { return ev.Sign(s.sk) }
