// Package chatproto defines the closed set of application payloads carried
// inside a Message: NewChannel, AddUser, and ChatMessage. Per spec.md §9's
// design note, this payload set is closed and dispatched by discriminant
// switch rather than open-ended dynamic dispatch, mirroring how the
// teacher's own wire structs (server/cborplugin/client.go's Request /
// Response / Parameters / ParametersRequest) are distinguished by a CBOR
// tag rather than an interface hierarchy.
package chatproto

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// Size limits from spec.md §6.
const (
	NameMax = 128
	ChatMax = 1024
)

// Kind discriminates which variant a Payload carries.
type Kind uint8

const (
	KindNewChannel Kind = iota
	KindAddUser
	KindChatMessage
)

func (k Kind) String() string {
	switch k {
	case KindNewChannel:
		return "NewChannel"
	case KindAddUser:
		return "AddUser"
	case KindChatMessage:
		return "ChatMessage"
	default:
		return "Unknown"
	}
}

var (
	// ErrStringTooLarge is returned by constructors when a text/name field
	// exceeds its size limit.
	ErrStringTooLarge = errors.New("chatproto: string too large")
)

// NewChannel is produced by a channel's creator, exactly once, as the
// sequence-1 message of a new channel.
type NewChannel struct {
	NonceHi uint64 // high 64 bits of the u128 nonce
	NonceLo uint64 // low 64 bits of the u128 nonce
	Name    string
	Owner   []byte // raw public key bytes
}

// Marshal serializes a NewChannel to its canonical CBOR encoding; this is
// exactly the "serialized_new_channel" bytes spec.md §6 hashes to derive a
// ChannelId.
func (nc *NewChannel) Marshal() ([]byte, error) { return cbor.Marshal(nc) }

// AddUser admits a peer into the channel.
type AddUser struct {
	Name string
	Key  []byte // raw public key bytes
}

// ChatMessage carries user-authored text.
type ChatMessage struct {
	Text string
}

// Payload is the closed tagged union carried in Message.Data. Exactly one
// of NewChannelV / AddUserV / ChatMessageV is populated, selected by Kind.
type Payload struct {
	Kind        Kind
	NewChannelV *NewChannel  `cbor:",omitempty"`
	AddUserV    *AddUser     `cbor:",omitempty"`
	ChatMessageV *ChatMessage `cbor:",omitempty"`
}

// MakeNewChannel builds a Payload carrying a NewChannel variant.
func MakeNewChannel(nonceHi, nonceLo uint64, name string, owner []byte) (Payload, error) {
	if len(name) > NameMax {
		return Payload{}, ErrStringTooLarge
	}
	return Payload{Kind: KindNewChannel, NewChannelV: &NewChannel{
		NonceHi: nonceHi, NonceLo: nonceLo, Name: name, Owner: owner,
	}}, nil
}

// MakeAddUser builds a Payload carrying an AddUser variant.
func MakeAddUser(name string, key []byte) (Payload, error) {
	if len(name) > NameMax {
		return Payload{}, ErrStringTooLarge
	}
	return Payload{Kind: KindAddUser, AddUserV: &AddUser{Name: name, Key: key}}, nil
}

// MakeChatMessage builds a Payload carrying a ChatMessage variant.
func MakeChatMessage(text string) (Payload, error) {
	if len(text) > ChatMax {
		return Payload{}, ErrStringTooLarge
	}
	return Payload{Kind: KindChatMessage, ChatMessageV: &ChatMessage{Text: text}}, nil
}
