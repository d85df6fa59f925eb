// Package kind names the event kinds the client understands and classifies
// them into the handful of merge classes the engine dispatches on.
package kind

import (
	"strconv"
)

// T is the event kind, referred to externally as kind.T.
type T int

const (
	// Metadata is the profile metadata of a user, content is a JSON object.
	Metadata T = 0
	// TextNote is a short plain text note.
	TextNote T = 1
	// RecommendRelay is a relay recommendation, obsolete.
	RecommendRelay T = 2
	// Contacts is the follow list of a user, one p tag per followed pubkey.
	Contacts T = 3
	// EncryptedDirectMessage is a NIP-04 direct message.
	EncryptedDirectMessage T = 4
	// Deletion requests deletion of the e tagged events.
	Deletion T = 5
	// Repost reposts the e tagged event.
	Repost T = 6
	// Reaction is a like, dislike or emoji reaction to the e tagged event.
	Reaction T = 7
	// GenericRepost reposts any kind of event.
	GenericRepost T = 16
	// ZapRequest is the signed request a wallet turns into a zap receipt.
	ZapRequest T = 9734
	// ZapReceipt is a lightning payment receipt for the e tagged event.
	ZapReceipt T = 9735
	// RelayList is the NIP-65 relay list metadata.
	RelayList T = 10002
	// ClientAuthentication is the NIP-42 AUTH event.
	ClientAuthentication T = 22242
	// LongFormContent is a NIP-23 article.
	LongFormContent T = 30023
)

var names = map[T]string{
	Metadata:               "Metadata",
	TextNote:               "TextNote",
	RecommendRelay:         "RecommendRelay",
	Contacts:               "Contacts",
	EncryptedDirectMessage: "EncryptedDirectMessage",
	Deletion:               "Deletion",
	Repost:                 "Repost",
	Reaction:               "Reaction",
	GenericRepost:          "GenericRepost",
	ZapRequest:             "ZapRequest",
	ZapReceipt:             "ZapReceipt",
	RelayList:              "RelayList",
	ClientAuthentication:   "ClientAuthentication",
	LongFormContent:        "LongFormContent",
}

func (k T) String() string {
	if n, ok := names[k]; ok {
		return n
	}
	return "Kind" + strconv.Itoa(int(k))
}

// Int returns the kind as the plain int used by go-nostr types.
func (k T) Int() int { return int(k) }

// Class is the merge class of a kind.
type Class int

const (
	ClassOther Class = iota
	ClassMetadata
	ClassNote
	ClassReaction
	ClassRepost
	ClassZapReceipt
	ClassContacts
)

var classNames = [...]string{
	"other", "metadata", "note", "reaction", "repost", "zap", "contacts",
}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return "unknown"
}

// Classify maps a kind onto the merge class that handles it.
func Classify(k T) Class {
	switch k {
	case Metadata:
		return ClassMetadata
	case TextNote, LongFormContent:
		return ClassNote
	case Reaction:
		return ClassReaction
	case Repost, GenericRepost:
		return ClassRepost
	case ZapReceipt:
		return ClassZapReceipt
	case Contacts:
		return ClassContacts
	default:
		return ClassOther
	}
}

// IsNote reports whether events of this kind show up in timelines.
func (k T) IsNote() bool { return Classify(k) == ClassNote }

// IsReplaceable reports whether only the newest event per author is kept.
func (k T) IsReplaceable() bool {
	return k == Metadata || k == Contacts || (k >= 10000 && k < 20000)
}

// IsEphemeral reports whether relays are expected not to store the event.
func (k T) IsEphemeral() bool { return k >= 20000 && k < 30000 }

// Ints converts a list of kinds for use in a go-nostr filter.
func Ints(kinds ...T) (ints []int) {
	ints = make([]int, len(kinds))
	for i := range kinds {
		ints[i] = int(kinds[i])
	}
	return
}

// FromInts converts go-nostr filter kinds back to kind.T.
func FromInts(ints []int) (kinds []T) {
	kinds = make([]T, len(ints))
	for i := range ints {
		kinds[i] = T(ints[i])
	}
	return
}
