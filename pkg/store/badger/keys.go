package badger

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/nbd-wtf/go-nostr"
)

// Key prefixes of the record types.
const (
	prefixEvent byte = iota
	prefixCreatedAt
	prefixID
	prefixKind
	prefixPubkey
	prefixPubkeyKind
	prefixTag
	prefixUser
	prefixList
	prefixListMember
	// prefixFollowing is the deprecated following collection of version 1,
	// superseded by the following flag of user records.
	prefixFollowing
	dbVersionKey byte = 255
)

const (
	SerialLen       = 8
	TimestampLen    = 8
	IDPrefixLen     = 8
	PubkeyPrefixLen = 8
	KindLen         = 2
	ValueLen        = 32
)

// tag types with a reverse index
var indexedTags = map[string]byte{"e": 'e', "p": 'p'}

type ser [SerialLen]byte

func serialOf(n uint64) (s ser) {
	binary.BigEndian.PutUint64(s[:], n)
	return
}

func ts(t nostr.Timestamp) []byte {
	b := make([]byte, TimestampLen)
	binary.BigEndian.PutUint64(b, uint64(t))
	return b
}

func kindBytes(k int) []byte {
	b := make([]byte, KindLen)
	binary.BigEndian.PutUint16(b, uint16(k))
	return b
}

// hexPrefix decodes the first n bytes of a hex id or pubkey, ok is false for
// strings that are not hex.
func hexPrefix(s string, n int) (b []byte, ok bool) {
	if len(s) < n*2 {
		return nil, false
	}
	b = make([]byte, n)
	if _, err := hex.Decode(b, []byte(s[:n*2])); err != nil {
		return nil, false
	}
	return b, true
}

func join(parts ...[]byte) (k []byte) {
	for _, p := range parts {
		k = append(k, p...)
	}
	return
}

func eventKey(s ser) []byte { return join([]byte{prefixEvent}, s[:]) }

func idPrefix(id string) (p []byte, ok bool) {
	var b []byte
	if b, ok = hexPrefix(id, IDPrefixLen); !ok {
		return
	}
	return join([]byte{prefixID}, b), true
}

func pubkeyPrefix(pk string) (p []byte, ok bool) {
	var b []byte
	if b, ok = hexPrefix(pk, PubkeyPrefixLen); !ok {
		return
	}
	return join([]byte{prefixPubkey}, b), true
}

func pubkeyKindPrefix(pk string, k int) (p []byte, ok bool) {
	var b []byte
	if b, ok = hexPrefix(pk, PubkeyPrefixLen); !ok {
		return
	}
	return join([]byte{prefixPubkeyKind}, b, kindBytes(k)), true
}

func kindPrefix(k int) []byte { return join([]byte{prefixKind}, kindBytes(k)) }

func tagPrefix(tagType, value string) (p []byte, ok bool) {
	var t byte
	if t, ok = indexedTags[tagType]; !ok {
		return
	}
	var b []byte
	if b, ok = hexPrefix(value, ValueLen); !ok || len(value) != ValueLen*2 {
		return nil, false
	}
	return join([]byte{prefixTag, t}, b), true
}

func userKey(pk string) (k []byte, ok bool) {
	var b []byte
	if b, ok = hexPrefix(pk, ValueLen); !ok {
		return
	}
	return join([]byte{prefixUser}, b), true
}

func listKey(id string) []byte { return join([]byte{prefixList}, []byte(id)) }

func listMemberKey(pk, id string) (k []byte, ok bool) {
	var b []byte
	if b, ok = hexPrefix(pk, ValueLen); !ok {
		return
	}
	return join([]byte{prefixListMember}, b, []byte(id)), true
}

// indexKeys returns every index key of an event stored under s. Keys of
// time ordered indexes end in created_at followed by the serial.
func indexKeys(ev *nostr.Event, s ser) (keys [][]byte) {
	created := ts(ev.CreatedAt)
	keys = append(keys, join([]byte{prefixCreatedAt}, created, s[:]))
	if p, ok := idPrefix(ev.ID); ok {
		keys = append(keys, join(p, s[:]))
	}
	keys = append(keys, join(kindPrefix(ev.Kind), created, s[:]))
	if p, ok := pubkeyPrefix(ev.PubKey); ok {
		keys = append(keys, join(p, created, s[:]))
	}
	if p, ok := pubkeyKindPrefix(ev.PubKey, ev.Kind); ok {
		keys = append(keys, join(p, created, s[:]))
	}
	seen := map[string]bool{}
	for _, t := range ev.Tags {
		if len(t) < 2 {
			continue
		}
		p, ok := tagPrefix(t[0], t[1])
		if !ok || seen[string(p)] {
			continue
		}
		seen[string(p)] = true
		keys = append(keys, join(p, created, s[:]))
	}
	return
}

// serialFromKey reads the serial at the end of an index key.
func serialFromKey(k []byte) (s ser) {
	copy(s[:], k[len(k)-SerialLen:])
	return
}

// createdAtFromKey reads the timestamp in front of the serial of a time
// ordered index key.
func createdAtFromKey(k []byte) nostr.Timestamp {
	end := len(k) - SerialLen
	return nostr.Timestamp(binary.BigEndian.Uint64(k[end-TimestampLen : end]))
}
