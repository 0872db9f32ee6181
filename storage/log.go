package storage

// Cursor addresses one record's position: which slab, the byte offset of
// its frame within that slab, and how many records have been read from
// the slab so far (needed to know when a partially-filled slab's
// committed record count has been exhausted).
type Cursor struct {
	slabIndex  int
	byteOffset int
	readCount  uint32
}

// Storage is the C4 façade described in spec.md §4.3, built over a
// BlockDevice.
type Storage struct {
	device BlockDevice
}

// New constructs a Storage façade over device.
func New(device BlockDevice) *Storage {
	return &Storage{device: device}
}

// Device returns the underlying BlockDevice, e.g. to query FreeSlabs.
func (s *Storage) Device() BlockDevice { return s.device }

// GetWriter reserves a fresh slab and returns a SlabWriter positioned past
// its header.
func (s *Storage) GetWriter() (*SlabWriter, error) {
	index, err := s.device.AppendSlab()
	if err != nil {
		return nil, err
	}
	return newSlabWriter(s.device, index), nil
}

// GetSlab returns a header-parsed, read-only view of a committed slab.
func (s *Storage) GetSlab(index int) (*Slab, error) {
	raw, err := s.device.ReadSlab(index)
	if err != nil {
		return nil, err
	}
	return openSlab(index, raw)
}

// GetCursorFromSequence scans slab headers in order; within the first slab
// whose slab_max_sequence >= seq, it scans records to find the first one
// with record.max_sequence >= seq (spec.md §4.3). Returns ok=false if no
// such record exists.
func (s *Storage) GetCursorFromSequence(seq uint64) (*Cursor, bool, error) {
	count := s.device.SlabCount()
	for i := 0; i < count; i++ {
		slab, err := s.GetSlab(i)
		if err != nil {
			return nil, false, err
		}
		if slab.SlabMaxSequence() < seq {
			continue
		}
		off := slabHeaderSize
		var readCount uint32
		for {
			rec, next, ok, err := slab.readAt(off, readCount)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				break
			}
			if rec.MaxSequence >= seq {
				return &Cursor{slabIndex: i, byteOffset: off, readCount: readCount}, true, nil
			}
			off = next
			readCount++
		}
	}
	return nil, false, nil
}

// GetCursorFromIndex returns the cursor for the first record whose stored
// message_count field equals index, i.e. the index-th (1-based) ChatMessage,
// letting callers locate the n-th ChatMessage without separately decoding and
// counting envelopes (spec.md §4.3).
func (s *Storage) GetCursorFromIndex(index uint64) (*Cursor, bool, error) {
	count := s.device.SlabCount()
	for i := 0; i < count; i++ {
		slab, err := s.GetSlab(i)
		if err != nil {
			return nil, false, err
		}
		off := slabHeaderSize
		var readCount uint32
		for {
			rec, next, ok, err := slab.readAt(off, readCount)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				break
			}
			if rec.MessageCount == index {
				return &Cursor{slabIndex: i, byteOffset: off, readCount: readCount}, true, nil
			}
			off = next
			readCount++
		}
	}
	return nil, false, nil
}

// Read reads the record at cursor and returns it along with the cursor for
// the next record, transparently rolling over to the next slab. Returns
// ok=false once past the last committed record.
func (s *Storage) Read(cursor *Cursor) (*Record, *Cursor, bool, error) {
	if cursor == nil {
		return nil, nil, false, nil
	}
	slabIndex, off, readCount := cursor.slabIndex, cursor.byteOffset, cursor.readCount

	for slabIndex < s.device.SlabCount() {
		slab, err := s.GetSlab(slabIndex)
		if err != nil {
			return nil, nil, false, err
		}
		rec, next, ok, err := slab.readAt(off, readCount)
		if err != nil {
			return nil, nil, false, err
		}
		if !ok {
			// Exhausted this slab; roll forward.
			slabIndex++
			off = slabHeaderSize
			readCount = 0
			continue
		}
		return rec, &Cursor{slabIndex: slabIndex, byteOffset: next, readCount: readCount + 1}, true, nil
	}
	return nil, nil, false, nil
}

// Truncate is unimplemented: log compaction/rotation is out of scope for
// the initial spec (spec.md §9, open question 4).
func (s *Storage) Truncate() error {
	return ErrUnimplemented
}
