// Package ids defines the fixed-width, opaque identifiers used throughout
// emberchat: node, channel, and envelope identifiers. All three are
// structurally a [32]byte hash with a total lexicographic order, but are
// kept as distinct Go types so that a ChannelId can never be passed where a
// NodeId is expected.
package ids

import (
	"bytes"
	"encoding/hex"
)

// Size is the width, in bytes, of every identifier in emberchat.
const Size = 32

// ZeroNode, ZeroChannel and ZeroEnvelope are the all-zero sentinel
// identifiers meaning "no prior cause" or "unset".
var (
	ZeroNode    NodeId
	ZeroChannel ChannelId
	ZeroEnvelope EnvelopeId
)

// NodeId identifies a node by the hash of its public key.
type NodeId [Size]byte

// ChannelId identifies a channel by the hash of its creation message bytes.
type ChannelId [Size]byte

// EnvelopeId identifies a sealed envelope by the hash of its signed bytes.
type EnvelopeId [Size]byte

// Compare returns -1, 0, or 1 as a sorts before, equals, or sorts after b.
func (a NodeId) Compare(b NodeId) int { return bytes.Compare(a[:], b[:]) }

// Less reports whether a sorts strictly before b.
func (a NodeId) Less(b NodeId) bool { return a.Compare(b) < 0 }

// IsZero reports whether a is the all-zero sentinel.
func (a NodeId) IsZero() bool { return a == ZeroNode }

func (a NodeId) String() string { return hex.EncodeToString(a[:]) }

func (a ChannelId) Compare(b ChannelId) int { return bytes.Compare(a[:], b[:]) }
func (a ChannelId) Less(b ChannelId) bool   { return a.Compare(b) < 0 }
func (a ChannelId) IsZero() bool            { return a == ZeroChannel }
func (a ChannelId) String() string          { return hex.EncodeToString(a[:]) }

func (a EnvelopeId) Compare(b EnvelopeId) int { return bytes.Compare(a[:], b[:]) }
func (a EnvelopeId) Less(b EnvelopeId) bool   { return a.Compare(b) < 0 }
func (a EnvelopeId) IsZero() bool             { return a == ZeroEnvelope }
func (a EnvelopeId) String() string           { return hex.EncodeToString(a[:]) }

// NodeFromBytes copies a 32-byte slice into a NodeId. It panics if b is not
// exactly Size bytes, matching the programmer-error-only use sites in this
// module (callers always derive ids from a fixed-width hash output).
func NodeFromBytes(b []byte) NodeId {
	var n NodeId
	if len(b) != Size {
		panic("ids: NodeFromBytes: wrong length")
	}
	copy(n[:], b)
	return n
}

func ChannelFromBytes(b []byte) ChannelId {
	var c ChannelId
	if len(b) != Size {
		panic("ids: ChannelFromBytes: wrong length")
	}
	copy(c[:], b)
	return c
}

func EnvelopeFromBytes(b []byte) EnvelopeId {
	var e EnvelopeId
	if len(b) != Size {
		panic("ids: EnvelopeFromBytes: wrong length")
	}
	copy(e[:], b)
	return e
}

// Less reports whether (seqA, idA) sorts strictly before (seqB, idB) under
// the channel-wide total order: sequence first, envelope id breaks ties.
func Less(seqA uint64, idA EnvelopeId, seqB uint64, idB EnvelopeId) bool {
	if seqA != seqB {
		return seqA < seqB
	}
	return idA.Less(idB)
}
