// Package client implements C5: the façade binding one ChannelState (C2),
// one ChatPolicy (C3), and one Storage log (C4) per channel, and the
// common send/receive paths every message kind funnels through
// (spec.md §4.4). It is the one package that knows how to seal an
// envelope, verify one, and drive both sides of the anti-entropy sync
// engine (C6) via the ClientFacade interface that package declares.
package client

import (
	"encoding/binary"
	"errors"
	"io"

	"gopkg.in/op/go-logging.v1"

	"github.com/emberradio/emberchat/channel"
	"github.com/emberradio/emberchat/chatproto"
	"github.com/emberradio/emberchat/core/ids"
	"github.com/emberradio/emberchat/core/signature"
	"github.com/emberradio/emberchat/core/wire"
	"github.com/emberradio/emberchat/metrics"
	"github.com/emberradio/emberchat/policy"
	"github.com/emberradio/emberchat/storage"
	"github.com/emberradio/emberchat/syncengine"
)

// MaxChannels bounds the number of channels one client binds at once
// (spec.md §5's ClientChannels map, given a concrete bound here since the
// source leaves it a compile-time constant).
const MaxChannels = 64

var (
	ErrUnknownChannel          = errors.New("client: unknown channel")
	ErrChannelExists           = errors.New("client: channel already exists")
	ErrCapacityExceeded        = errors.New("client: channel capacity exceeded")
	ErrMessageIndexOutOfBounds = errors.New("client: message index out of bounds")
	ErrCorruptBuffer           = errors.New("client: corrupt sync buffer")
	ErrNotChatMessage          = errors.New("client: record at index is not a chat message")
	ErrEmptyLog                = errors.New("client: log has no records to open from")
	ErrCorruptLog              = errors.New("client: log's first record is not a channel creation")
)

// Channel is one client's binding of state+policy+log for a single
// channel id.
type Channel struct {
	ID     ids.ChannelId
	State  *channel.State
	Policy *policy.ChatPolicy
	Log    *storage.Storage
}

// Client is a node's C5 façade: one identity, one signature suite, and a
// bounded set of bound channels.
type Client struct {
	myID    ids.NodeId
	keyPair *signature.KeyPair
	suite   signature.Suite
	log     *logging.Logger
	rand    io.Reader

	// scratch is the reused 4096-byte serialization buffer spec.md §5
	// calls out ("scratch buffers... owned by the client and reused
	// serially").
	scratch []byte

	channels map[ids.ChannelId]*Channel

	// metrics is nil by default; SetMetrics opts a Client into Prometheus
	// instrumentation without forcing every test and demo caller to wire
	// a registry.
	metrics *metrics.Metrics
}

// New constructs a Client for node myID, signing with kp under suite.
func New(myID ids.NodeId, kp *signature.KeyPair, suite signature.Suite, log *logging.Logger, rand io.Reader) *Client {
	return &Client{
		myID:     myID,
		keyPair:  kp,
		suite:    suite,
		log:      log,
		rand:     rand,
		scratch:  make([]byte, 4096),
		channels: make(map[ids.ChannelId]*Channel),
	}
}

// SetMetrics opts this Client into recording slab and sync counters on m.
func (c *Client) SetMetrics(m *metrics.Metrics) { c.metrics = m }

func (c *Client) nodeIDFunc() policy.NodeIDFunc {
	return func(pub []byte) ids.NodeId { return c.suite.NodeID(signature.PublicKey(pub)) }
}

// InitChat creates a brand-new channel named name, owned by this client,
// over device, and binds it (spec.md §4.4: init_chat).
func (c *Client) InitChat(name string, device storage.BlockDevice) (ids.ChannelId, error) {
	if len(c.channels) >= MaxChannels {
		return ids.ChannelId{}, ErrCapacityExceeded
	}

	nonce, err := c.suite.NewNonce(c.rand)
	if err != nil {
		return ids.ChannelId{}, err
	}
	hi, lo := signature.NonceToUint128Parts(nonce)

	payload, err := chatproto.MakeNewChannel(hi, lo, name, append([]byte(nil), c.keyPair.Public...))
	if err != nil {
		return ids.ChannelId{}, err
	}
	ncBytes, err := payload.NewChannelV.Marshal()
	if err != nil {
		return ids.ChannelId{}, err
	}
	channelID := ids.ChannelId(c.suite.Hash(ncBytes))
	if _, exists := c.channels[channelID]; exists {
		return ids.ChannelId{}, ErrChannelExists
	}

	state, err := channel.New(c.myID, c.keyPair.Public)
	if err != nil {
		return ids.ChannelId{}, err
	}
	ch := &Channel{ID: channelID, State: state, Policy: policy.New(channelID), Log: storage.New(device)}

	if err := c.commonSend(ch, payload); err != nil {
		return ids.ChannelId{}, err
	}
	c.channels[channelID] = ch
	return channelID, nil
}

// OpenChat reconstructs a channel already persisted in device's log by
// replaying every record through verify+check+accept+receive in order
// (spec.md §4.4: open_chat). Used after a crash, or to hydrate a preloaded
// log.
func (c *Client) OpenChat(channelID ids.ChannelId, device storage.BlockDevice) error {
	if _, exists := c.channels[channelID]; exists {
		return ErrChannelExists
	}
	if len(c.channels) >= MaxChannels {
		return ErrCapacityExceeded
	}

	log := storage.New(device)
	cursor, ok, err := log.GetCursorFromSequence(0)
	if err != nil {
		return err
	}
	if !ok {
		return ErrEmptyLog
	}

	first, next, ok, err := log.Read(cursor)
	if err != nil {
		return err
	}
	if !ok {
		return ErrEmptyLog
	}

	env := new(wire.Envelope)
	if err := env.Unmarshal(first.Data); err != nil {
		return err
	}
	msg := new(wire.Message)
	if err := msg.Unmarshal(env.Serialized); err != nil {
		return err
	}
	if msg.Data.Kind != chatproto.KindNewChannel || msg.Data.NewChannelV == nil {
		return ErrCorruptLog
	}

	state, err := channel.New(env.From, msg.Data.NewChannelV.Owner)
	if err != nil {
		return err
	}
	ch := &Channel{ID: channelID, State: state, Policy: policy.New(channelID), Log: log}

	if _, err := c.applyInbound(ch, env, msg); err != nil {
		return err
	}

	for cursor = next; ; {
		rec, nxt, ok, err := log.Read(cursor)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := c.replayEnvelope(ch, rec); err != nil {
			return err
		}
		cursor = nxt
	}

	c.channels[channelID] = ch
	return nil
}

// AddChannel binds a freshly empty channel seeded with a peer-announced
// creator, for a channel this client does not yet have (spec.md §4.4:
// add_channel).
func (c *Client) AddChannel(fromPubKey []byte, channelID ids.ChannelId, device storage.BlockDevice) error {
	if _, exists := c.channels[channelID]; exists {
		return ErrChannelExists
	}
	if len(c.channels) >= MaxChannels {
		return ErrCapacityExceeded
	}
	fromNode := c.suite.NodeID(signature.PublicKey(fromPubKey))
	state, err := channel.New(fromNode, fromPubKey)
	if err != nil {
		return err
	}
	c.channels[channelID] = &Channel{ID: channelID, State: state, Policy: policy.New(channelID), Log: storage.New(device)}
	return nil
}

// SendMessage wraps text as a ChatMessage and sends it on channelID.
func (c *Client) SendMessage(channelID ids.ChannelId, text string) error {
	ch, ok := c.channels[channelID]
	if !ok {
		return ErrUnknownChannel
	}
	payload, err := chatproto.MakeChatMessage(text)
	if err != nil {
		return err
	}
	return c.commonSend(ch, payload)
}

// AddNode wraps (pubKey, name) as an AddUser and sends it on channelID.
func (c *Client) AddNode(channelID ids.ChannelId, pubKey []byte, name string) error {
	ch, ok := c.channels[channelID]
	if !ok {
		return ErrUnknownChannel
	}
	payload, err := chatproto.MakeAddUser(name, pubKey)
	if err != nil {
		return err
	}
	return c.commonSend(ch, payload)
}

// GetMessage returns the text of the index-th (1-based) ChatMessage on
// channelID.
func (c *Client) GetMessage(channelID ids.ChannelId, index uint64) (string, error) {
	ch, ok := c.channels[channelID]
	if !ok {
		return "", ErrUnknownChannel
	}
	cursor, ok, err := ch.Log.GetCursorFromIndex(index)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrMessageIndexOutOfBounds
	}
	rec, _, ok, err := ch.Log.Read(cursor)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrMessageIndexOutOfBounds
	}

	env := new(wire.Envelope)
	if err := env.Unmarshal(rec.Data); err != nil {
		return "", err
	}
	pub, err := ch.State.GetNodeKey(env.From)
	if err != nil {
		return "", err
	}
	sigInput := wire.SignatureInput(env.From, env.To, env.Serialized)
	if !c.suite.Verify(signature.PublicKey(pub), sigInput, env.Signature) {
		return "", signature.ErrVerify
	}
	msg := new(wire.Message)
	if err := msg.Unmarshal(env.Serialized); err != nil {
		return "", err
	}
	if msg.Data.Kind != chatproto.KindChatMessage || msg.Data.ChatMessageV == nil {
		return "", ErrNotChatMessage
	}
	return msg.Data.ChatMessageV.Text, nil
}

// MessageCount returns how many ChatMessage payloads channelID has
// accepted.
func (c *Client) MessageCount(channelID ids.ChannelId) (uint64, error) {
	ch, ok := c.channels[channelID]
	if !ok {
		return 0, ErrUnknownChannel
	}
	return ch.Policy.MessageCount(), nil
}

// HasChannel reports whether channelID is currently bound, so a carrier
// dispatch layer can tell a known channel's sync traffic from one it has
// never heard of without provoking ErrUnknownChannel.
func (c *Client) HasChannel(channelID ids.ChannelId) bool {
	_, ok := c.channels[channelID]
	return ok
}

// ChannelHellos builds one syncengine.ChannelInfo per bound channel, for use
// in an outgoing Hello (spec.md §4.6).
func (c *Client) ChannelHellos() []syncengine.ChannelInfo {
	infos := make([]syncengine.ChannelInfo, 0, len(c.channels))
	for id, ch := range c.channels {
		infos = append(infos, syncengine.ChannelInfo{Channel: id, MessageCount: ch.Policy.MessageCount()})
	}
	return infos
}

// ListNodes enumerates channelID's member rows in NodeId order.
func (c *Client) ListNodes(channelID ids.ChannelId) ([]channel.NodeSequence, error) {
	ch, ok := c.channels[channelID]
	if !ok {
		return nil, ErrUnknownChannel
	}
	return ch.State.ListNodes(), nil
}

// commonSend implements spec.md §4.4's common send path: address, seal,
// apply to our own state/policy as if received, then append to the log.
func (c *Client) commonSend(ch *Channel, payload chatproto.Payload) error {
	addr, err := ch.State.Address(c.myID, payload)
	if err != nil {
		return err
	}
	msg := &wire.Message{Cause: addr.Cause, SenderLast: addr.SenderLast, Sequence: addr.Sequence, Data: addr.Data}

	env, err := c.sealEnvelope(wire.ToChannel(ch.ID), msg)
	if err != nil {
		return err
	}

	maxSeq, err := c.applyInbound(ch, env, msg)
	if err != nil {
		return err
	}
	return c.appendRecord(ch, maxSeq, addr.Sequence, c.myID, env)
}

// sealEnvelope signs msg under this client's keypair, addressed to to
// (spec.md §4.4 step 2, §6's signature input).
func (c *Client) sealEnvelope(to wire.Recipient, msg *wire.Message) (*wire.Envelope, error) {
	serialized, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	if len(serialized) > wire.MaxEnvelope {
		return nil, wire.ErrMaxEnvelope
	}
	sigInput := wire.SignatureInput(c.myID, to, serialized)
	sig := c.suite.Sign(c.keyPair, sigInput)
	if len(sig) > wire.MaxSig {
		return nil, wire.ErrMaxSig
	}
	return &wire.Envelope{From: c.myID, To: to, Serialized: serialized, Signature: sig}, nil
}

// applyInbound runs verify+check_receive+accept_message+receive for an
// already-sealed envelope against ch's state and policy (spec.md §4.4
// steps 4-7, both for our own freshly sealed envelopes and for ones
// arriving over the network). It deliberately looks up the sender's key
// before doing anything else, so an unknown sender is rejected before a
// signature verification is even attempted.
func (c *Client) applyInbound(ch *Channel, env *wire.Envelope, msg *wire.Message) (uint64, error) {
	pub, err := ch.State.GetNodeKey(env.From)
	if err != nil {
		return 0, err
	}
	sigInput := wire.SignatureInput(env.From, env.To, env.Serialized)
	if !c.suite.Verify(signature.PublicKey(pub), sigInput, env.Signature) {
		return 0, signature.ErrVerify
	}
	idInput := wire.EnvelopeIDInput(env.From, env.To, env.Serialized, env.Signature)
	envelopeID := ids.EnvelopeId(c.suite.Hash(idInput))

	if _, err := ch.State.CheckReceive(env.From, msg.SenderLast, msg.Sequence, msg.Cause); err != nil {
		return 0, err
	}

	result, err := ch.Policy.AcceptMessage(ch.ID, env.From, msg.Data, c.nodeIDFunc())
	if err != nil {
		return 0, err
	}

	maxSeq, err := ch.State.Receive(env.From, msg.SenderLast, msg.Sequence, msg.Cause, envelopeID)
	if err != nil {
		return 0, err
	}

	if result.Kind == policy.ResultAddUser {
		newNode := c.suite.NodeID(signature.PublicKey(result.NewPublicKey))
		if err := ch.State.AddNode(newNode, result.NewPublicKey); err != nil {
			return 0, err
		}
	}
	return maxSeq, nil
}

// replayEnvelope re-applies one already-stored record's envelope during
// OpenChat, without appending it again.
func (c *Client) replayEnvelope(ch *Channel, rec *storage.Record) error {
	env := new(wire.Envelope)
	if err := env.Unmarshal(rec.Data); err != nil {
		return err
	}
	msg := new(wire.Message)
	if err := msg.Unmarshal(env.Serialized); err != nil {
		return err
	}
	_, err := c.applyInbound(ch, env, msg)
	return err
}

// appendRecord writes env to ch's log, transparently obtaining a fresh
// writer if the current slab is full (spec.md §4.3's SlabFull recovery:
// "writing the same record into a fresh writer succeeds").
func (c *Client) appendRecord(ch *Channel, maxSeq, sequence uint64, sender ids.NodeId, env *wire.Envelope) error {
	envBytes, err := env.Marshal()
	if err != nil {
		return err
	}
	rec := &storage.Record{MaxSequence: maxSeq, MessageCount: ch.Policy.MessageCount(), Sequence: sequence, Sender: sender, Data: envBytes}

	writer, err := ch.Log.GetWriter()
	if err != nil {
		return err
	}
	if err := writer.WriteRecord(rec); err != nil {
		if !errors.Is(err, storage.ErrSlabFull) {
			return err
		}
		if c.metrics != nil {
			c.metrics.SlabFull()
		}
		if err := writer.Commit(); err != nil {
			return err
		}
		writer, err = ch.Log.GetWriter()
		if err != nil {
			return err
		}
		if err := writer.WriteRecord(rec); err != nil {
			return err
		}
	}
	if err := writer.Commit(); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.SlabWritten()
	}
	return nil
}

// FinishSyncRequest fills req.VectorClock with one Clock per known node
// (spec.md §4.4, §4.5 requester step 2).
func (c *Client) FinishSyncRequest(channelID ids.ChannelId, req *syncengine.SyncRequest) error {
	ch, ok := c.channels[channelID]
	if !ok {
		return ErrUnknownChannel
	}
	nodes := ch.State.ListNodes()
	req.VectorClock = make([]syncengine.Clock, len(nodes))
	for i, n := range nodes {
		req.VectorClock[i] = syncengine.Clock{Node: n.Node, Sequence: n.Sequence}
	}
	return nil
}

// StartSyncResponse merges req's vector clock with ours into
// state.VectorClock (spec.md §4.5 responder step 1, the corrected merge
// per §9 design note 2): a single linear pass over two NodeId-sorted
// sequences.
func (c *Client) StartSyncResponse(channelID ids.ChannelId, state *syncengine.SyncResponderState, req *syncengine.SyncRequest) error {
	ch, ok := c.channels[channelID]
	if !ok {
		return ErrUnknownChannel
	}
	ours := ch.State.ListNodes()
	theirs := req.VectorClock

	merged := make([]syncengine.Clock, 0, len(ours)+len(theirs))
	i, j := 0, 0
	for i < len(ours) {
		n := ours[i]
		if j < len(theirs) {
			switch n.Node.Compare(theirs[j].Node) {
			case 0:
				merged = append(merged, syncengine.Clock{Node: n.Node, Sequence: theirs[j].Sequence})
				i++
				j++
				continue
			case 1:
				// Requester mentions a node we don't know about, or that
				// sorts before our cursor: we have nothing to say, so it
				// passes through verbatim.
				merged = append(merged, theirs[j])
				j++
				continue
			}
		}
		// We know of n but the requester didn't mention it: they need
		// everything from n, starting at its first accepted sequence.
		merged = append(merged, syncengine.Clock{Node: n.Node, Sequence: n.FirstSequence})
		i++
	}
	for ; j < len(theirs); j++ {
		merged = append(merged, theirs[j])
	}

	state.SessionID = req.SessionID
	state.BytesBudget = req.BytesBudget
	state.VectorClock = merged
	return nil
}

// FillSendBuffer writes framed [length:u32 BE][envelope_bytes] records
// into buf starting from the responder's current floor sequence, stopping
// when buf cannot hold the next frame or the byte budget is exhausted
// (spec.md §4.4, §4.5 responder step 2).
func (c *Client) FillSendBuffer(channelID ids.ChannelId, state *syncengine.SyncResponderState, buf []byte) (int, int, error) {
	ch, ok := c.channels[channelID]
	if !ok {
		return 0, 0, ErrUnknownChannel
	}

	if state.Cursor == nil {
		floor := minClockSequence(state.VectorClock)
		cursor, ok, err := ch.Log.GetCursorFromSequence(floor + 1)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			return 0, 0, nil
		}
		state.Cursor = cursor
	}

	count, written := 0, 0
	for !state.BudgetExhausted() {
		rec, next, ok, err := ch.Log.Read(state.Cursor)
		if err != nil {
			return count, written, err
		}
		if !ok {
			break
		}
		frame := frameRecord(rec.Data)
		if written+len(frame) > len(buf) {
			break
		}
		copy(buf[written:], frame)
		written += len(frame)
		count++
		state.Cursor = next
	}
	return count, written, nil
}

// ReceiveBuffer parses count framed envelopes out of buf and applies each
// via the common receive path, silently skipping AlreadyReceived and
// stopping on any other error (spec.md §4.4, §7).
func (c *Client) ReceiveBuffer(channelID ids.ChannelId, buf []byte, count int) error {
	ch, ok := c.channels[channelID]
	if !ok {
		return ErrUnknownChannel
	}

	off := 0
	for i := 0; i < count; i++ {
		if off+4 > len(buf) {
			return ErrCorruptBuffer
		}
		length := binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		if off+int(length) > len(buf) {
			return ErrCorruptBuffer
		}
		envBytes := buf[off : off+int(length)]
		off += int(length)

		env := new(wire.Envelope)
		if err := env.Unmarshal(envBytes); err != nil {
			return err
		}
		msg := new(wire.Message)
		if err := msg.Unmarshal(env.Serialized); err != nil {
			return err
		}

		maxSeq, err := c.applyInbound(ch, env, msg)
		if err != nil {
			if errors.Is(err, channel.ErrAlreadyReceived) {
				if c.metrics != nil {
					c.metrics.SyncRecordDuplicate()
				}
				continue
			}
			return err
		}
		if c.metrics != nil {
			c.metrics.SyncRecordIngested()
		}
		if err := c.appendRecord(ch, maxSeq, msg.Sequence, env.From, env); err != nil {
			return err
		}
	}
	return nil
}

func frameRecord(envelopeBytes []byte) []byte {
	frame := make([]byte, 4+len(envelopeBytes))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(envelopeBytes)))
	copy(frame[4:], envelopeBytes)
	return frame
}

func minClockSequence(clock []syncengine.Clock) uint64 {
	if len(clock) == 0 {
		return 0
	}
	min := clock[0].Sequence
	for _, c := range clock[1:] {
		if c.Sequence < min {
			min = c.Sequence
		}
	}
	return min
}
