// Package channel implements C2: per-channel hybrid causal/sender clocks,
// admission checks on receipt, and addressing of new messages (spec.md
// §4.1). ChannelState owns one sorted-by-NodeId slice of NodeSequence rows
// per channel, the same "own your own data, reference peers only by id"
// shape the teacher uses for its per-node descriptor tables
// (core/pki/descriptor.go's MixDescriptor keyed collections).
package channel

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/emberradio/emberchat/chatproto"
	"github.com/emberradio/emberchat/core/ids"
)

// MaxNodes bounds the number of NodeSequence rows a ChannelState may hold
// (spec.md §3).
const MaxNodes = 256

var (
	ErrCapacityExceeded = errors.New("channel: capacity exceeded")
	ErrNodeExists       = errors.New("channel: node already exists")
	ErrUnknownNode      = errors.New("channel: unknown node")
	ErrSequenceOverflow = errors.New("channel: sequence overflow")
	ErrAlreadyReceived  = errors.New("channel: already received")
)

// MissingFromSenderError reports that an acceptance precondition is not
// yet satisfied: the channel has not yet observed enough of node's
// history to admit the message in question (spec.md §4.1).
type MissingFromSenderError struct {
	Node    ids.NodeId
	Have    uint64
	Missing uint64
}

func (e *MissingFromSenderError) Error() string {
	return fmt.Sprintf("channel: missing from sender %s: have %d, need %d", e.Node, e.Have, e.Missing)
}

// NodeSequence is the per-node row described in spec.md §3.
type NodeSequence struct {
	PublicKey     []byte
	Node          ids.NodeId
	FirstSequence uint64
	Sequence      uint64
	ID            ids.EnvelopeId
}

// State is a channel's ordered node table plus the channel-wide newest
// cursor (spec.md §3's ChannelState).
type State struct {
	nodes  []NodeSequence // sorted by Node
	newest ids.NodeId
}

// New constructs a ChannelState with a single row for initialNode, at
// sequence 0 / first_sequence 0 / zero id.
func New(initialNode ids.NodeId, initialPublicKey []byte) (*State, error) {
	s := &State{
		nodes: make([]NodeSequence, 0, MaxNodes),
	}
	// The very first row also seeds the newest cursor, so a fresh channel's
	// addressing immediately has a well-defined cause node.
	s.nodes = append(s.nodes, NodeSequence{
		PublicKey: initialPublicKey,
		Node:      initialNode,
	})
	s.newest = initialNode
	return s, nil
}

// indexOf returns the position of node in the sorted slice, and whether it
// was found.
func (s *State) indexOf(node ids.NodeId) (int, bool) {
	i := sort.Search(len(s.nodes), func(i int) bool {
		return !s.nodes[i].Node.Less(node)
	})
	if i < len(s.nodes) && s.nodes[i].Node == node {
		return i, true
	}
	return i, false
}

// AddNode inserts a new row in key order.
func (s *State) AddNode(node ids.NodeId, publicKey []byte) error {
	i, found := s.indexOf(node)
	if found {
		return ErrNodeExists
	}
	if len(s.nodes) >= MaxNodes {
		return ErrCapacityExceeded
	}
	s.nodes = append(s.nodes, NodeSequence{})
	copy(s.nodes[i+1:], s.nodes[i:])
	s.nodes[i] = NodeSequence{PublicKey: publicKey, Node: node}
	return nil
}

// ListNodes enumerates all rows in NodeId order. The returned slice aliases
// internal storage and must not be mutated by the caller.
func (s *State) ListNodes() []NodeSequence {
	return s.nodes
}

// GetNodeKey returns the public key bound to node in this channel.
func (s *State) GetNodeKey(node ids.NodeId) ([]byte, error) {
	i, found := s.indexOf(node)
	if !found {
		return nil, ErrUnknownNode
	}
	return s.nodes[i].PublicKey, nil
}

// getCurrent returns the row the newest cursor points at.
func (s *State) getCurrent() NodeSequence {
	i, found := s.indexOf(s.newest)
	if !found {
		// Unreachable: newest always names a row inserted via New or AddNode.
		return NodeSequence{}
	}
	return s.nodes[i]
}

// Newest returns the NodeId the channel-wide newest cursor currently names.
func (s *State) Newest() ids.NodeId { return s.newest }

// Address computes the Message a sender should emit next (spec.md §4.1):
// sequence = 1 + max(sender_last, channel-newest sequence), cause = newest.
func (s *State) Address(from ids.NodeId, data chatproto.Payload) (Addressed, error) {
	i, found := s.indexOf(from)
	if !found {
		return Addressed{}, ErrUnknownNode
	}
	sender := s.nodes[i]
	newest := s.getCurrent()

	base := sender.Sequence
	if newest.Sequence > base {
		base = newest.Sequence
	}
	if base == math.MaxUint64 {
		return Addressed{}, ErrSequenceOverflow
	}
	seq := base + 1

	return Addressed{
		Cause:      newest.Node,
		SenderLast: sender.Sequence,
		Sequence:   seq,
		Data:       data,
	}, nil
}

// Addressed mirrors core/wire.Message's shape without importing that
// package, avoiding an import cycle (core/wire does not need to depend on
// channel, so channel stays the lower layer and returns plain fields;
// client assembles the concrete wire.Message from an Addressed value).
type Addressed struct {
	Cause      ids.NodeId
	SenderLast uint64
	Sequence   uint64
	Data       chatproto.Payload
}

// CheckReceive validates admissibility of an inbound message without
// mutating state (spec.md §4.1).
func (s *State) CheckReceive(from ids.NodeId, senderLast, sequence uint64, cause ids.NodeId) (int, error) {
	i, found := s.indexOf(from)
	if !found {
		return 0, ErrUnknownNode
	}
	sender := s.nodes[i]

	if sender.Sequence > senderLast {
		return 0, ErrAlreadyReceived
	}
	if sender.Sequence != senderLast {
		return 0, &MissingFromSenderError{Node: from, Have: sender.Sequence, Missing: senderLast}
	}

	required := uint64(0)
	if sequence > 0 {
		required = sequence - 1
	}
	if required > 0 {
		ci, cfound := s.indexOf(cause)
		if !cfound {
			return 0, &MissingFromSenderError{Node: cause, Have: 0, Missing: required}
		}
		if s.nodes[ci].Sequence < required {
			return 0, &MissingFromSenderError{Node: cause, Have: s.nodes[ci].Sequence, Missing: required}
		}
	}
	return i, nil
}

// Receive applies an admitted message to sender row i and updates the
// newest cursor (spec.md §4.1). Callers must have just called CheckReceive
// successfully with the same (from, senderLast, sequence, cause); Receive
// re-validates to keep the operation safe to call standalone.
func (s *State) Receive(from ids.NodeId, senderLast, sequence uint64, cause ids.NodeId, envelopeID ids.EnvelopeId) (uint64, error) {
	i, err := s.CheckReceive(from, senderLast, sequence, cause)
	if err != nil {
		return 0, err
	}

	cur := s.getCurrent()
	curSeq, curID := cur.Sequence, cur.ID

	row := &s.nodes[i]
	row.Sequence = sequence
	row.ID = envelopeID
	if row.FirstSequence == 0 {
		row.FirstSequence = sequence
	}

	advances := curSeq < sequence || (curSeq == sequence && curID.Less(envelopeID))
	if advances {
		s.newest = from
	}

	if curSeq > sequence {
		return curSeq, nil
	}
	return sequence, nil
}
