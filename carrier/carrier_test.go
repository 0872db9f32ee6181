package carrier_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emberradio/emberchat/carrier"
)

// TestWriterReaderRoundTrip covers spec.md §8's S6: encode a message with
// repair shards, drop exactly the first packet, and confirm the reader
// still recovers a byte-identical payload from the remaining packets.
func TestWriterReaderRoundTrip(t *testing.T) {
	r := require.New(t)

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	const mtu = 250
	w, err := carrier.NewWriter(1, mtu, payload, 3)
	r.NoError(err)

	buf := make([]byte, mtu)
	packets := make([][]byte, w.PacketCount())
	for i := range packets {
		n := w.Next(buf)
		packets[i] = append([]byte(nil), buf[:n]...)
	}

	reader := carrier.NewReader(mtu, 3)

	var recovered []byte
	var done bool
	for i, pkt := range packets {
		if i == 0 {
			continue // simulate dropping the first packet
		}
		out, ok, err := reader.Receive(pkt)
		if ok {
			recovered = out
			done = true
			break
		}
		r.ErrorIs(err, carrier.ErrIncomplete)
	}

	r.True(done, "reader should complete before all packets are delivered")
	r.Equal(payload, recovered)
}

// TestReaderDropsDuplicateAfterCompletion covers the lastCompleted dedup
// rule: once a transfer completes, a further packet bearing the same
// message_number is silently dropped rather than restarting reassembly.
func TestReaderDropsDuplicateAfterCompletion(t *testing.T) {
	r := require.New(t)

	payload := []byte("hello carrier")
	const mtu = 64
	w, err := carrier.NewWriter(7, mtu, payload, 2)
	r.NoError(err)

	buf := make([]byte, mtu)
	reader := carrier.NewReader(mtu, 2)

	var recovered []byte
	for i := 0; i < w.PacketCount(); i++ {
		n := w.Next(buf)
		out, ok, err := reader.Receive(buf[:n])
		if ok {
			recovered = out
			break
		}
		r.ErrorIs(err, carrier.ErrIncomplete)
	}
	r.Equal(payload, recovered)

	n := w.Next(buf)
	out, ok, err := reader.Receive(buf[:n])
	r.NoError(err)
	r.False(ok)
	r.Nil(out)
}

// TestWrongMagicRejected covers spec.md §7: a packet whose magic word is
// not 0xA9F4 is rejected as NotPacket and must not disturb reassembly
// state.
func TestWrongMagicRejected(t *testing.T) {
	r := require.New(t)

	payload := []byte("hello carrier")
	const mtu = 64
	w, err := carrier.NewWriter(1, mtu, payload, 1)
	r.NoError(err)

	buf := make([]byte, mtu)
	n := w.Next(buf)
	buf[0] ^= 0xFF // corrupt the magic word

	reader := carrier.NewReader(mtu, 1)
	_, ok, err := reader.Receive(buf[:n])
	r.ErrorIs(err, carrier.ErrNotPacket)
	r.False(ok)
}

// TestWriterRejectsOversizedPayload covers REDESIGN FLAGS item 6: the
// reference panics above 64KiB; this carrier returns a typed error
// instead.
func TestWriterRejectsOversizedPayload(t *testing.T) {
	r := require.New(t)
	oversized := make([]byte, carrier.MaxPayload+1)
	_, err := carrier.NewWriter(1, 250, oversized, 2)
	r.ErrorIs(err, carrier.ErrPayloadTooLarge)
}

// TestWriterRejectsWraparoundPayload covers the exact boundary a u16
// transferLength cannot represent: 65536 bytes would wrap to 0 once
// narrowed, so it must be rejected even though it is only one byte past
// MaxPayload. 65535 (MaxPayload itself) is the true maximum and must be
// accepted.
func TestWriterRejectsWraparoundPayload(t *testing.T) {
	r := require.New(t)

	wraps := make([]byte, 65536)
	_, err := carrier.NewWriter(1, 250, wraps, 2)
	r.ErrorIs(err, carrier.ErrPayloadTooLarge)

	r.Equal(65535, carrier.MaxPayload)
	atMax := make([]byte, carrier.MaxPayload)
	_, err = carrier.NewWriter(1, 250, atMax, 2)
	r.NoError(err)
}
