package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emberradio/emberchat/core/ids"
)

func nodeFromByte(b byte) ids.NodeId {
	var n ids.NodeId
	n[0] = b
	return n
}

func writeAndCommit(t *testing.T, s *Storage, records []*Record) {
	t.Helper()
	r := require.New(t)
	w, err := s.GetWriter()
	r.NoError(err)
	for _, rec := range records {
		r.NoError(w.WriteRecord(rec))
	}
	r.NoError(w.Commit())
}

func TestLogRoundTripAppendOrder(t *testing.T) {
	r := require.New(t)
	dev := NewMemDevice(256, 8)
	s := New(dev)

	records := []*Record{
		{MaxSequence: 1, MessageCount: 0, Sequence: 1, Sender: nodeFromByte(1), Data: []byte("a")},
		{MaxSequence: 2, MessageCount: 1, Sequence: 2, Sender: nodeFromByte(1), Data: []byte("b")},
		{MaxSequence: 3, MessageCount: 2, Sequence: 3, Sender: nodeFromByte(1), Data: []byte("c")},
	}
	writeAndCommit(t, s, records)

	cursor, ok, err := s.GetCursorFromSequence(0)
	r.NoError(err)
	r.True(ok)

	var got []*Record
	for {
		rec, next, ok, err := s.Read(cursor)
		r.NoError(err)
		if !ok {
			break
		}
		got = append(got, rec)
		cursor = next
	}
	r.Len(got, 3)
	r.Equal([]byte("a"), got[0].Data)
	r.Equal([]byte("b"), got[1].Data)
	r.Equal([]byte("c"), got[2].Data)
}

func TestGetCursorFromSequenceSkipsEarlierSlabs(t *testing.T) {
	r := require.New(t)
	dev := NewMemDevice(256, 8)
	s := New(dev)

	writeAndCommit(t, s, []*Record{
		{MaxSequence: 1, MessageCount: 0, Sequence: 1, Sender: nodeFromByte(1), Data: []byte("a")},
		{MaxSequence: 5, MessageCount: 1, Sequence: 5, Sender: nodeFromByte(1), Data: []byte("b")},
	})
	writeAndCommit(t, s, []*Record{
		{MaxSequence: 6, MessageCount: 2, Sequence: 6, Sender: nodeFromByte(1), Data: []byte("c")},
		{MaxSequence: 9, MessageCount: 3, Sequence: 9, Sender: nodeFromByte(1), Data: []byte("d")},
	})

	cursor, ok, err := s.GetCursorFromSequence(6)
	r.NoError(err)
	r.True(ok)
	rec, _, ok, err := s.Read(cursor)
	r.NoError(err)
	r.True(ok)
	r.Equal([]byte("c"), rec.Data)
}

func TestGetCursorFromSequenceNotFound(t *testing.T) {
	r := require.New(t)
	dev := NewMemDevice(256, 8)
	s := New(dev)
	writeAndCommit(t, s, []*Record{
		{MaxSequence: 1, MessageCount: 0, Sequence: 1, Sender: nodeFromByte(1), Data: []byte("a")},
	})

	_, ok, err := s.GetCursorFromSequence(100)
	r.NoError(err)
	r.False(ok)
}

func TestGetCursorFromIndexMatchesMessageCount(t *testing.T) {
	r := require.New(t)
	dev := NewMemDevice(256, 8)
	s := New(dev)
	writeAndCommit(t, s, []*Record{
		{MaxSequence: 1, MessageCount: 0, Sequence: 1, Sender: nodeFromByte(1), Data: []byte("newchannel")},
		{MaxSequence: 2, MessageCount: 1, Sequence: 2, Sender: nodeFromByte(1), Data: []byte("msg1")},
		{MaxSequence: 3, MessageCount: 2, Sequence: 3, Sender: nodeFromByte(1), Data: []byte("msg2")},
	})

	cursor, ok, err := s.GetCursorFromIndex(2)
	r.NoError(err)
	r.True(ok)
	rec, _, ok, err := s.Read(cursor)
	r.NoError(err)
	r.True(ok)
	r.Equal([]byte("msg2"), rec.Data)
}

func TestWriteRecordRejectsOutOfOrder(t *testing.T) {
	r := require.New(t)
	dev := NewMemDevice(256, 8)
	w := newSlabWriter(dev, mustAppend(t, dev))

	r.NoError(w.WriteRecord(&Record{MaxSequence: 5, Sequence: 5, Sender: nodeFromByte(1), Data: []byte("a")}))
	err := w.WriteRecord(&Record{MaxSequence: 2, Sequence: 6, Sender: nodeFromByte(1), Data: []byte("b")})
	r.ErrorIs(err, ErrOutOfOrder)
}

func TestWriteRecordSlabFullRecoversWithNewWriter(t *testing.T) {
	r := require.New(t)
	dev := NewMemDevice(40, 8)
	s := New(dev)

	w, err := s.GetWriter()
	r.NoError(err)

	rec := &Record{MaxSequence: 1, Sequence: 1, Sender: nodeFromByte(1), Data: []byte("0123456789012345")}
	r.NoError(w.WriteRecord(rec))

	overflow := &Record{MaxSequence: 2, Sequence: 2, Sender: nodeFromByte(1), Data: []byte("0123456789012345")}
	err = w.WriteRecord(overflow)
	r.ErrorIs(err, ErrSlabFull)
	r.NoError(w.Commit())

	w2, err := s.GetWriter()
	r.NoError(err)
	r.NoError(w2.WriteRecord(overflow))
	r.NoError(w2.Commit())

	r.Equal(2, dev.SlabCount())
}

func mustAppend(t *testing.T, dev *MemDevice) int {
	t.Helper()
	idx, err := dev.AppendSlab()
	require.NoError(t, err)
	return idx
}

func TestFileDeviceCommitSurvivesAcrossReopen(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	path := dir + "/chat.db"

	dev, err := OpenFileDevice(path, 256, 8)
	r.NoError(err)
	s := New(dev)
	writeAndCommit(t, s, []*Record{
		{MaxSequence: 1, MessageCount: 1, Sequence: 1, Sender: nodeFromByte(7), Data: []byte("persisted")},
	})
	r.NoError(dev.Close())

	reopened, err := OpenFileDevice(path, 256, 8)
	r.NoError(err)
	defer reopened.Close()
	r.Equal(1, reopened.SlabCount())

	s2 := New(reopened)
	cursor, ok, err := s2.GetCursorFromSequence(0)
	r.NoError(err)
	r.True(ok)
	rec, _, ok, err := s2.Read(cursor)
	r.NoError(err)
	r.True(ok)
	r.Equal([]byte("persisted"), rec.Data)
}
