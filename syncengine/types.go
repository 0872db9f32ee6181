// Package syncengine implements C6: vector-clock-driven anti-entropy
// between two clients over a byte-oriented message transport supplied by
// carrier (C7). It also defines the three logical protocol messages C7
// fragments and reassembles: Hello, SyncRequest, and SyncResponse.
//
// syncengine depends on core/ids and on storage (for the responder's log
// cursor); it
// never imports client, so client can depend on syncengine's types without
// creating a cycle. The requester/responder algorithms below instead talk
// to a client through the small ClientFacade interface.
package syncengine

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/emberradio/emberchat/core/ids"
	"github.com/emberradio/emberchat/storage"
)

// Clock is one entry of a vector clock: a node and the highest sequence a
// party has accepted from it (spec.md §4.5).
type Clock struct {
	Node     ids.NodeId
	Sequence uint64
}

// SyncRequest is sent by a requester to start an anti-entropy session.
// ChannelID is not part of spec.md §4.5's abstract type list (which
// assumes a session is already scoped to one channel); it is added here
// so a node juggling more than one channel can route an inbound request
// to the right one once it arrives off the wire (carrier's dispatch has
// no other way to know).
type SyncRequest struct {
	ChannelID   ids.ChannelId
	SessionID   uint32
	BytesBudget uint32
	VectorClock []Clock
}

// Marshal serializes a SyncRequest to its canonical CBOR encoding.
func (r *SyncRequest) Marshal() ([]byte, error) { return cbor.Marshal(r) }

// Unmarshal deserializes a SyncRequest from its canonical CBOR encoding.
func (r *SyncRequest) Unmarshal(b []byte) error { return cbor.Unmarshal(b, r) }

// SyncResponderState is a responder's working state for one session,
// threaded across repeated fill_send_buffer calls (spec.md §4.5).
type SyncResponderState struct {
	SessionID   uint32
	BytesBudget uint32
	BytesSent   uint32
	VectorClock []Clock

	// channelID is carried so NextResponse can stamp outgoing
	// SyncResponses for dispatch routing; unexported since it is an
	// implementation detail of one responder session, not part of the
	// abstract state spec.md §4.5 describes.
	channelID ids.ChannelId

	// Cursor is the responder's log position: set on the first
	// fill_send_buffer call (computed from the global floor sequence) and
	// advanced on every subsequent call, so later calls resume exactly
	// where the previous one stopped instead of rescanning from the floor.
	// This is the concrete form of spec.md's "last_command_index".
	Cursor *storage.Cursor
}

// ChannelID reports which channel this responder session answers for, so a
// carrier dispatch layer holding only a *SyncResponderState can route
// without also threading the id through separately.
func (s *SyncResponderState) ChannelID() ids.ChannelId { return s.channelID }

// SyncResponse carries a batch of framed envelope records back to a
// requester. ChannelID is carried for the same dispatch-routing reason as
// SyncRequest.ChannelID.
type SyncResponse struct {
	ChannelID ids.ChannelId
	SessionID uint32
	Count     uint32
	Data      []byte
}

// Marshal serializes a SyncResponse to its canonical CBOR encoding.
func (r *SyncResponse) Marshal() ([]byte, error) { return cbor.Marshal(r) }

// Unmarshal deserializes a SyncResponse from its canonical CBOR encoding.
func (r *SyncResponse) Unmarshal(b []byte) error { return cbor.Unmarshal(b, r) }

// ChannelInfo is one (channel, message count) pair carried in a Hello, so a
// peer can tell at a glance whether it is behind on a channel.
type ChannelInfo struct {
	Channel      ids.ChannelId
	MessageCount uint64
}

// Hello is broadcast periodically by the carrier (spec.md §4.6) to
// advertise a node's identity, peer count, and per-channel progress.
type Hello struct {
	NodeID      ids.NodeId
	PeerCount   uint32
	ChannelInfo []ChannelInfo
}

// Marshal serializes a Hello to its canonical CBOR encoding.
func (h *Hello) Marshal() ([]byte, error) { return cbor.Marshal(h) }

// Unmarshal deserializes a Hello from its canonical CBOR encoding.
func (h *Hello) Unmarshal(b []byte) error { return cbor.Unmarshal(b, h) }

// Kind discriminates LogicalMessage's variant (spec.md §9: a closed tagged
// union dispatched by discriminant, the same pattern as chatproto.Payload).
type Kind uint8

const (
	KindHello Kind = iota
	KindSyncRequest
	KindSyncResponse
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindSyncRequest:
		return "SyncRequest"
	case KindSyncResponse:
		return "SyncResponse"
	default:
		return "Unknown"
	}
}

var ErrUnknownKind = errors.New("syncengine: unknown logical message kind")

// LogicalMessage is the one protocol message carrier (C7) fragments and
// reassembles over many MTU-sized packets.
type LogicalMessage struct {
	Kind     Kind
	HelloV   *Hello        `cbor:",omitempty"`
	RequestV *SyncRequest  `cbor:",omitempty"`
	ResponseV *SyncResponse `cbor:",omitempty"`
}

// Marshal serializes a LogicalMessage to its canonical CBOR encoding.
func (m *LogicalMessage) Marshal() ([]byte, error) { return cbor.Marshal(m) }

// Unmarshal deserializes a LogicalMessage from its canonical CBOR encoding.
func (m *LogicalMessage) Unmarshal(b []byte) error { return cbor.Unmarshal(b, m) }

// WrapHello wraps h as a LogicalMessage.
func WrapHello(h *Hello) *LogicalMessage { return &LogicalMessage{Kind: KindHello, HelloV: h} }

// WrapRequest wraps req as a LogicalMessage.
func WrapRequest(req *SyncRequest) *LogicalMessage {
	return &LogicalMessage{Kind: KindSyncRequest, RequestV: req}
}

// WrapResponse wraps resp as a LogicalMessage.
func WrapResponse(resp *SyncResponse) *LogicalMessage {
	return &LogicalMessage{Kind: KindSyncResponse, ResponseV: resp}
}
