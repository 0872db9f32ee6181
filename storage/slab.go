package storage

import (
	"encoding/binary"
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/emberradio/emberchat/core/ids"
)

var (
	ErrCorruptDB = errors.New("storage: corrupt slab")
	ErrOutOfOrder = errors.New("storage: record out of max_sequence order")
	ErrSlabFull   = errors.New("storage: slab full")
)

const slabHeaderSize = 4 + 8 // count:u32 BE, slab_max_sequence:u64 BE

// Record is one stored log record (spec.md §3): the envelope bytes plus
// the addressing metadata needed to locate and skip records without
// decoding the envelope itself.
type Record struct {
	MaxSequence  uint64
	MessageCount uint64
	Sequence     uint64
	Sender       ids.NodeId
	Data         []byte // canonical encoding of the sealed envelope
}

// Marshal serializes a Record to its canonical CBOR encoding.
func (r *Record) Marshal() ([]byte, error) { return cbor.Marshal(r) }

// Unmarshal deserializes a Record from its canonical CBOR encoding.
func (r *Record) Unmarshal(b []byte) error { return cbor.Unmarshal(b, r) }

// slabHeader is the parsed [count][slab_max_sequence] prefix of a slab.
type slabHeader struct {
	count           uint32
	slabMaxSequence uint64
}

func parseSlabHeader(b []byte) (slabHeader, error) {
	if len(b) < slabHeaderSize {
		return slabHeader{}, ErrCorruptDB
	}
	return slabHeader{
		count:           binary.BigEndian.Uint32(b[0:4]),
		slabMaxSequence: binary.BigEndian.Uint64(b[4:12]),
	}, nil
}

func encodeSlabHeader(h slabHeader) []byte {
	b := make([]byte, slabHeaderSize)
	binary.BigEndian.PutUint32(b[0:4], h.count)
	binary.BigEndian.PutUint64(b[4:12], h.slabMaxSequence)
	return b
}

// Slab is a header-parsed, read-only view of one committed slab.
type Slab struct {
	index  int
	bytes  []byte
	header slabHeader
}

// openSlab parses a slab's header from its raw bytes.
func openSlab(index int, raw []byte) (*Slab, error) {
	h, err := parseSlabHeader(raw)
	if err != nil {
		return nil, err
	}
	return &Slab{index: index, bytes: raw, header: h}, nil
}

// Index returns this slab's position in the device.
func (s *Slab) Index() int { return s.index }

// Count returns the number of records sealed into this slab.
func (s *Slab) Count() uint32 { return s.header.count }

// SlabMaxSequence returns the running max_sequence as of this slab's last
// record.
func (s *Slab) SlabMaxSequence() uint64 { return s.header.slabMaxSequence }

// readAt reads one [record_len][record_bytes] frame starting at byte
// offset off within the slab. It returns the decoded Record, the offset
// just past the frame, and whether a frame was present (a zero-length
// frame, or running past the end of committed records, both signal "no
// more records").
func (s *Slab) readAt(off int, readCount uint32) (*Record, int, bool, error) {
	if readCount >= s.header.count {
		return nil, off, false, nil
	}
	if off+4 > len(s.bytes) {
		return nil, off, false, ErrCorruptDB
	}
	recLen := binary.BigEndian.Uint32(s.bytes[off : off+4])
	if recLen == 0 {
		// Tolerates partially-written space in a slab whose header count
		// undercounts reality; treated as end of readable data.
		return nil, off, false, nil
	}
	start := off + 4
	end := start + int(recLen)
	if end > len(s.bytes) {
		return nil, off, false, ErrCorruptDB
	}
	rec := new(Record)
	if err := rec.Unmarshal(s.bytes[start:end]); err != nil {
		return nil, off, false, ErrCorruptDB
	}
	return rec, end, true, nil
}

// SlabWriter appends records into one freshly reserved, as-yet-uncommitted
// slab. Records must be appended in non-decreasing max_sequence order;
// Commit must be called to make the slab visible (spec.md §4.3).
type SlabWriter struct {
	device BlockDevice
	index  int
	offset int
	count  uint32
	maxSeq uint64
	sealed bool
}

func newSlabWriter(device BlockDevice, index int) *SlabWriter {
	return &SlabWriter{device: device, index: index, offset: slabHeaderSize}
}

// Index returns the slab index this writer is positioned in.
func (w *SlabWriter) Index() int { return w.index }

// WriteRecord appends rec to the slab, failing ErrOutOfOrder if rec's
// max_sequence regresses, or ErrSlabFull if it does not fit in the
// remaining bytes. A failed write_record leaves the slab's logical state
// unchanged: callers must Commit what fit so far and obtain a new writer
// for the remainder.
func (w *SlabWriter) WriteRecord(rec *Record) error {
	if w.sealed {
		return errors.New("storage: writer already committed")
	}
	if rec.MaxSequence < w.maxSeq {
		return ErrOutOfOrder
	}
	encoded, err := rec.Marshal()
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(encoded))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(encoded)))
	copy(frame[4:], encoded)

	if w.offset+len(frame) > w.device.SlabSize() {
		return ErrSlabFull
	}
	if err := w.device.WriteAt(w.index, w.offset, frame); err != nil {
		return err
	}
	w.offset += len(frame)
	w.count++
	w.maxSeq = rec.MaxSequence
	return nil
}

// Commit seals the slab: writes [count][slab_max_sequence] into the
// header and makes the slab visible via the underlying device's Commit,
// which (for FileDevice) is the single atomic step that can no longer be
// undone by a crash.
func (w *SlabWriter) Commit() error {
	if w.sealed {
		return nil
	}
	header := encodeSlabHeader(slabHeader{count: w.count, slabMaxSequence: w.maxSeq})
	if err := w.device.WriteAt(w.index, 0, header); err != nil {
		return err
	}
	if err := w.device.Commit(w.index); err != nil {
		return err
	}
	w.sealed = true
	return nil
}
