package carrier

import (
	"errors"

	"github.com/klauspost/reedsolomon"

	"github.com/emberradio/emberchat/metrics"
)

// ErrIncomplete is returned by Receive while a decoder has not yet
// collected enough distinct shards to reconstruct the message.
var ErrIncomplete = errors.New("carrier: transfer incomplete")

// transferKey identifies one in-progress reassembly (spec.md §4.6:
// "an optional in-progress decoder initialized from the first packet of
// a (message_number, transfer_length) pair").
type transferKey struct {
	messageNumber  uint16
	transferLength uint16
}

// decodeState is the working state for one transferKey.
type decodeState struct {
	dataShards   int
	parityShards int
	shards       [][]byte
	have         int
}

// Reader reassembles carrier packets from one peer into logical messages.
// It is not keyed by peer itself: the caller creates one Reader per peer
// connection (cmd/emberchat-node's servePeer), so one Reader handles
// exactly one peer's packet stream (spec.md §4.6: "Reader (per peer).
// Keyed by peer address.").
type Reader struct {
	mtu          int
	parityShards int

	lastCompleted    uint16
	haveLastCompleted bool

	current transferKey
	state   *decodeState

	metrics *metrics.Metrics
}

// NewReader builds a Reader expecting packets framed with mtu and
// parityShards repair shards per transfer, matching the Writer
// configuration on the sending side.
func NewReader(mtu, parityShards int) *Reader {
	return &Reader{mtu: mtu, parityShards: parityShards}
}

// SetMetrics opts this Reader into recording dropped-packet and
// completed-transfer counters on m.
func (r *Reader) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// Receive feeds one wire packet into the reassembly state machine.
// It returns (payload, true, nil) the moment the transfer completes,
// ErrIncomplete while more shards are needed, or an error for a malformed
// or out-of-protocol packet.
//
// A packet whose message_number matches lastCompleted is silently
// dropped (spec.md §4.6). A packet for a new (message_number,
// transfer_length) pair discards any in-progress decoder and starts
// fresh (spec.md §4.6: "restarts a fresh decoder for the new pair").
func (r *Reader) Receive(buf []byte) ([]byte, bool, error) {
	pkt, err := decodePacket(buf)
	if err != nil {
		if r.metrics != nil {
			if errors.Is(err, ErrNotPacket) {
				r.metrics.CarrierPacketDropped("not_packet")
			} else {
				r.metrics.CarrierPacketDropped("short")
			}
		}
		return nil, false, err
	}

	if r.haveLastCompleted && pkt.messageNumber == r.lastCompleted {
		if r.metrics != nil {
			r.metrics.CarrierPacketDropped("duplicate")
		}
		return nil, false, nil
	}

	key := transferKey{messageNumber: pkt.messageNumber, transferLength: pkt.transferLength}
	if r.state == nil || r.current != key {
		r.current = key
		r.state = r.newDecodeState(pkt.transferLength)
	}

	st := r.state
	if int(pkt.shardIndex) >= len(st.shards) {
		return nil, false, ErrShortPacket
	}
	if st.shards[pkt.shardIndex] != nil {
		return nil, false, nil
	}
	shard := append([]byte(nil), pkt.shardData...)
	st.shards[pkt.shardIndex] = shard
	st.have++

	if st.have < st.dataShards {
		return nil, false, ErrIncomplete
	}

	if st.have < len(st.shards) && st.parityShards > 0 {
		enc, err := reedsolomon.New(st.dataShards, st.parityShards)
		if err != nil {
			return nil, false, err
		}
		if err := enc.ReconstructData(st.shards); err != nil {
			return nil, false, ErrIncomplete
		}
	}

	payload := make([]byte, 0, st.dataShards*r.shardPayloadSize())
	for i := 0; i < st.dataShards; i++ {
		payload = append(payload, st.shards[i]...)
	}
	payload = payload[:pkt.transferLength]

	r.lastCompleted = pkt.messageNumber
	r.haveLastCompleted = true
	r.state = nil

	if r.metrics != nil {
		r.metrics.CarrierTransferCompleted()
	}
	return payload, true, nil
}

func (r *Reader) shardPayloadSize() int { return r.mtu - headerSize - shardHeaderSize }

func (r *Reader) newDecodeState(transferLength uint16) *decodeState {
	shardPayload := r.shardPayloadSize()
	dataShards := (int(transferLength) + shardPayload - 1) / shardPayload
	if dataShards < 1 {
		dataShards = 1
	}
	return &decodeState{
		dataShards:   dataShards,
		parityShards: r.parityShards,
		shards:       make([][]byte, dataShards+r.parityShards),
	}
}
