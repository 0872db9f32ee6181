// Package wire defines the transmissible data types of spec.md §3 —
// Message, the sealed Envelope, and Recipient — and their canonical CBOR
// encoding. CBOR (github.com/fxamacker/cbor/v2) is this module's Go
// analogue of the Rust source's Postcard encoding: a compact,
// schema-known, self-describing binary format, used throughout the
// teacher stack exactly this way (core/pki/descriptor.go's MixDescriptor,
// server/cborplugin/client.go's Request/Response, each a plain struct with
// Marshal/Unmarshal methods backed by cbor.Marshal/cbor.Unmarshal).
package wire

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/emberradio/emberchat/chatproto"
	"github.com/emberradio/emberchat/core/ids"
)

// Size limits from spec.md §6.
const (
	MaxSig      = 256
	MaxEnvelope = 1024 - MaxSig // 768
)

var (
	// ErrMaxEnvelope is returned when a serialized Message exceeds MaxEnvelope.
	ErrMaxEnvelope = errors.New("wire: serialized message exceeds MaxEnvelope")
	// ErrMaxSig is returned when a signature exceeds MaxSig.
	ErrMaxSig = errors.New("wire: signature exceeds MaxSig")
)

// RecipientKind discriminates a Recipient's variant.
type RecipientKind uint8

const (
	RecipientNode RecipientKind = iota
	RecipientChannel
)

// Recipient is the tagged variant Node(NodeId) | Channel(ChannelId).
type Recipient struct {
	Kind    RecipientKind
	Node    ids.NodeId    `cbor:",omitempty"`
	Channel ids.ChannelId `cbor:",omitempty"`
}

// ToNode constructs a node-addressed Recipient.
func ToNode(n ids.NodeId) Recipient { return Recipient{Kind: RecipientNode, Node: n} }

// ToChannel constructs a channel-addressed Recipient.
func ToChannel(c ids.ChannelId) Recipient { return Recipient{Kind: RecipientChannel, Channel: c} }

// Bytes returns the canonical byte identity of r, used as input to the
// signature hash (spec.md §6: "to.bytes").
func (r Recipient) Bytes() []byte {
	switch r.Kind {
	case RecipientNode:
		return r.Node[:]
	case RecipientChannel:
		return r.Channel[:]
	default:
		return nil
	}
}

// Message is the unsigned payload addressed within a channel (spec.md §3).
// Emberchat instantiates the source's generic Message<T> directly against
// the closed chatproto.Payload variant set, per spec.md §9's design note,
// rather than parameterizing over an arbitrary T.
type Message struct {
	Cause      ids.NodeId
	SenderLast uint64
	Sequence   uint64
	Data       chatproto.Payload
}

// Marshal serializes a Message to its canonical CBOR encoding.
func (m *Message) Marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

// Unmarshal deserializes a Message from its canonical CBOR encoding.
func (m *Message) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, m)
}

// Envelope is the sealed, transmissible record (spec.md §3): the canonical
// bytes of a Message plus sender, recipient, and signature.
type Envelope struct {
	From       ids.NodeId
	To         Recipient
	Serialized []byte // canonical encoding of a Message
	Signature  []byte
}

// Marshal serializes an Envelope to its canonical CBOR encoding.
func (e *Envelope) Marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

// Unmarshal deserializes an Envelope from its canonical CBOR encoding.
func (e *Envelope) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, e)
}

// SignatureInput returns the byte range that is signed/verified for this
// envelope's (from, to, serialized) triple, per spec.md §6:
// SHA-256(from.bytes || to.bytes || serialized_message_bytes) is computed
// by the caller over exactly this byte range.
func SignatureInput(from ids.NodeId, to Recipient, serialized []byte) []byte {
	buf := make([]byte, 0, ids.Size+ids.Size+len(serialized))
	buf = append(buf, from[:]...)
	buf = append(buf, to.Bytes()...)
	buf = append(buf, serialized...)
	return buf
}

// EnvelopeIDInput returns the byte range hashed to compute an EnvelopeId,
// per spec.md §6: SignatureInput || signature_bytes.
func EnvelopeIDInput(from ids.NodeId, to Recipient, serialized, signature []byte) []byte {
	buf := SignatureInput(from, to, serialized)
	buf = append(buf, signature...)
	return buf
}
