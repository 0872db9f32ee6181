// Package policy implements C3: per-channel role rules governing who may
// admit members, who the initial creator is, and whether a message
// author is authorized to post (spec.md §4.2).
package policy

import (
	"errors"

	"github.com/emberradio/emberchat/chatproto"
	"github.com/emberradio/emberchat/core/ids"
)

// MaxUsers bounds the number of admitted users per channel (spec.md §3).
const MaxUsers = 256

var (
	ErrUnexpectedID     = errors.New("policy: unexpected channel id")
	ErrUninitialized    = errors.New("policy: channel has no owner yet")
	ErrUnauthorized     = errors.New("policy: unauthorized")
	ErrCapacityExceeded = errors.New("policy: capacity exceeded")
	ErrInternal         = errors.New("policy: internal error")
)

// ResultKind discriminates AcceptResult's variant.
type ResultKind uint8

const (
	// ResultNone is returned for a NewChannel acceptance.
	ResultNone ResultKind = iota
	// ResultAddUser is returned for an AddUser acceptance, carrying the
	// newly admitted public key.
	ResultAddUser
	// ResultNewMessage is returned for a ChatMessage acceptance, carrying
	// the channel's new message count.
	ResultNewMessage
)

// AcceptResult informs the client façade (C5) whether it must also insert
// a new member into the ChannelState.
type AcceptResult struct {
	Kind         ResultKind
	NewPublicKey []byte
	MessageCount uint64
}

// admittedUser is one entry of the owner-admitted user table.
type admittedUser struct {
	node ids.NodeId
	key  []byte
}

// ChatPolicy is the per-channel policy state described in spec.md §3.
type ChatPolicy struct {
	channelID    ids.ChannelId
	ownerID      *ids.NodeId
	users        []admittedUser
	messageCount uint64
}

// New constructs a ChatPolicy for channelID with no owner and no users.
func New(channelID ids.ChannelId) *ChatPolicy {
	return &ChatPolicy{channelID: channelID}
}

// ChannelID returns the channel this policy governs.
func (p *ChatPolicy) ChannelID() ids.ChannelId { return p.channelID }

// OwnerID returns the channel owner, if one has been established.
func (p *ChatPolicy) OwnerID() (ids.NodeId, bool) {
	if p.ownerID == nil {
		return ids.NodeId{}, false
	}
	return *p.ownerID, true
}

// MessageCount returns the number of ChatMessage payloads accepted so far.
func (p *ChatPolicy) MessageCount() uint64 { return p.messageCount }

// IsAdmitted reports whether node has been admitted to this channel.
func (p *ChatPolicy) IsAdmitted(node ids.NodeId) bool {
	for _, u := range p.users {
		if u.node == node {
			return true
		}
	}
	return false
}

func (p *ChatPolicy) addUser(node ids.NodeId, key []byte) error {
	if len(p.users) >= MaxUsers {
		return ErrCapacityExceeded
	}
	p.users = append(p.users, admittedUser{node: node, key: key})
	return nil
}

// NodeIDFunc computes a NodeId from a public key; injected so this package
// does not depend on core/signature's concrete scheme.
type NodeIDFunc func(pub []byte) ids.NodeId

// AcceptMessage validates and applies one payload authored by author,
// arriving on channel channelID (spec.md §4.2). nodeID computes the NodeId
// of a raw public key, used for the NewChannel owner-id and AddUser node-id
// derivations.
func (p *ChatPolicy) AcceptMessage(channelID ids.ChannelId, author ids.NodeId, payload chatproto.Payload, nodeID NodeIDFunc) (AcceptResult, error) {
	if channelID != p.channelID {
		return AcceptResult{}, ErrUnexpectedID
	}

	switch payload.Kind {
	case chatproto.KindNewChannel:
		nc := payload.NewChannelV
		if nc == nil {
			return AcceptResult{}, ErrInternal
		}
		owner := nodeID(nc.Owner)
		if err := p.addUser(owner, nc.Owner); err != nil {
			return AcceptResult{}, err
		}
		p.ownerID = &owner
		return AcceptResult{Kind: ResultNone}, nil

	case chatproto.KindAddUser:
		if p.ownerID == nil {
			return AcceptResult{}, ErrUninitialized
		}
		if author != *p.ownerID {
			return AcceptResult{}, ErrUnauthorized
		}
		au := payload.AddUserV
		if au == nil {
			return AcceptResult{}, ErrInternal
		}
		newNode := nodeID(au.Key)
		if err := p.addUser(newNode, au.Key); err != nil {
			return AcceptResult{}, err
		}
		return AcceptResult{Kind: ResultAddUser, NewPublicKey: au.Key}, nil

	case chatproto.KindChatMessage:
		if !p.IsAdmitted(author) {
			return AcceptResult{}, ErrUnauthorized
		}
		p.messageCount++
		return AcceptResult{Kind: ResultNewMessage, MessageCount: p.messageCount}, nil

	default:
		return AcceptResult{}, ErrInternal
	}
}
