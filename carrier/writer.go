package carrier

import (
	"github.com/klauspost/reedsolomon"
)

// Writer fragments one logical message into N data shards plus K parity
// shards and emits them as carrier packets, cycling through the full set
// indefinitely so a caller scheduled to transmit P packets over time can
// always produce one (spec.md §4.6: "next(buf) emits packets cyclically").
type Writer struct {
	messageNumber  uint16
	transferLength uint16
	shardPayload   int
	dataShards     int
	parityShards   int

	shards [][]byte
	cursor int
}

// NewWriter builds a Writer for payload, targeting mtu-sized packets and
// repairCount parity shards (spec.md §4.6: "configure encoder with
// mtu − 6 as per-packet payload cap"; here mtu − 8 once the shard index
// is accounted for, see packet.go's doc comment).
func NewWriter(messageNumber uint16, mtu int, payload []byte, repairCount int) (*Writer, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	shardPayload := mtu - headerSize - shardHeaderSize
	if shardPayload < 1 {
		return nil, ErrMTUTooSmall
	}

	dataShards := (len(payload) + shardPayload - 1) / shardPayload
	if dataShards < 1 {
		dataShards = 1
	}

	shards := make([][]byte, dataShards+repairCount)
	for i := 0; i < dataShards; i++ {
		shard := make([]byte, shardPayload)
		start := i * shardPayload
		end := start + shardPayload
		if end > len(payload) {
			end = len(payload)
		}
		copy(shard, payload[start:end])
		shards[i] = shard
	}
	for i := dataShards; i < dataShards+repairCount; i++ {
		shards[i] = make([]byte, shardPayload)
	}

	if repairCount > 0 {
		enc, err := reedsolomon.New(dataShards, repairCount)
		if err != nil {
			return nil, err
		}
		if err := enc.Encode(shards); err != nil {
			return nil, err
		}
	}

	return &Writer{
		messageNumber:  messageNumber,
		transferLength: uint16(len(payload)),
		shardPayload:   shardPayload,
		dataShards:     dataShards,
		parityShards:   repairCount,
		shards:         shards,
	}, nil
}

// PacketCount returns the total number of distinct shards this writer
// cycles through (spec.md §4.6: "packet_count() returns that total").
func (w *Writer) PacketCount() int { return len(w.shards) }

// Next emits the next packet in the cycle into buf, which must be at
// least headerSize+shardHeaderSize+shardPayload bytes, and returns the
// number of bytes written.
func (w *Writer) Next(buf []byte) int {
	idx := w.cursor
	w.cursor = (w.cursor + 1) % len(w.shards)
	return encodePacket(buf, w.messageNumber, w.transferLength, uint16(idx), w.shards[idx])
}
