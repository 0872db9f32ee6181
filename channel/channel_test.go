package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emberradio/emberchat/chatproto"
	"github.com/emberradio/emberchat/core/ids"
)

func mkNode(b byte) ids.NodeId {
	var n ids.NodeId
	n[0] = b
	return n
}

func mkEnvelope(b byte) ids.EnvelopeId {
	var e ids.EnvelopeId
	e[0] = b
	return e
}

func TestNewAndAddressFirstMessage(t *testing.T) {
	r := require.New(t)
	a := mkNode(1)
	s, err := New(a, []byte("pubA"))
	r.NoError(err)

	payload, err := chatproto.MakeChatMessage("hello")
	r.NoError(err)

	addr, err := s.Address(a, payload)
	r.NoError(err)
	r.Equal(uint64(1), addr.Sequence)
	r.Equal(uint64(0), addr.SenderLast)
	r.Equal(a, addr.Cause)
}

func TestReceiveAdvancesSenderAndNewest(t *testing.T) {
	r := require.New(t)
	a := mkNode(1)
	s, err := New(a, []byte("pubA"))
	r.NoError(err)

	env1 := mkEnvelope(0xAA)
	seq, err := s.Receive(a, 0, 1, a, env1)
	r.NoError(err)
	r.Equal(uint64(1), seq)
	r.Equal(a, s.Newest())

	rows := s.ListNodes()
	r.Len(rows, 1)
	r.Equal(uint64(1), rows[0].Sequence)
	r.Equal(uint64(1), rows[0].FirstSequence)
}

func TestCheckReceiveUnknownNode(t *testing.T) {
	r := require.New(t)
	a := mkNode(1)
	s, err := New(a, []byte("pubA"))
	r.NoError(err)

	_, err = s.CheckReceive(mkNode(2), 0, 1, a)
	r.ErrorIs(err, ErrUnknownNode)
}

func TestCheckReceiveAlreadyReceived(t *testing.T) {
	r := require.New(t)
	a := mkNode(1)
	s, err := New(a, []byte("pubA"))
	r.NoError(err)

	_, err = s.Receive(a, 0, 1, a, mkEnvelope(1))
	r.NoError(err)

	_, err = s.CheckReceive(a, 0, 1, a)
	r.ErrorIs(err, ErrAlreadyReceived)
}

func TestCheckReceiveMissingFromSenderOnGap(t *testing.T) {
	r := require.New(t)
	a := mkNode(1)
	s, err := New(a, []byte("pubA"))
	r.NoError(err)

	// sender_last=5 but we have recorded 0: a gap in the sender's own history.
	_, err = s.CheckReceive(a, 5, 6, a)
	var mfs *MissingFromSenderError
	r.ErrorAs(err, &mfs)
	r.Equal(a, mfs.Node)
}

func TestCheckReceiveMissingCauseNode(t *testing.T) {
	r := require.New(t)
	a := mkNode(1)
	s, err := New(a, []byte("pubA"))
	r.NoError(err)
	r.NoError(s.AddNode(mkNode(2), []byte("pubB")))

	// b references an unknown cause at a sequence that requires one.
	_, err = s.CheckReceive(mkNode(2), 0, 5, mkNode(3))
	var mfs *MissingFromSenderError
	r.ErrorAs(err, &mfs)
	r.Equal(mkNode(3), mfs.Node)
}

func TestAddNodeDuplicateRejected(t *testing.T) {
	r := require.New(t)
	a := mkNode(1)
	s, err := New(a, []byte("pubA"))
	r.NoError(err)
	r.NoError(s.AddNode(mkNode(2), []byte("pubB")))
	r.ErrorIs(s.AddNode(mkNode(2), []byte("pubB2")), ErrNodeExists)
}

func TestListNodesSortedOrder(t *testing.T) {
	r := require.New(t)
	s, err := New(mkNode(5), []byte("p5"))
	r.NoError(err)
	r.NoError(s.AddNode(mkNode(1), []byte("p1")))
	r.NoError(s.AddNode(mkNode(9), []byte("p9")))
	r.NoError(s.AddNode(mkNode(3), []byte("p3")))

	rows := s.ListNodes()
	r.Len(rows, 4)
	for i := 1; i < len(rows); i++ {
		r.True(rows[i-1].Node.Less(rows[i].Node))
	}
}

func TestCheckReceiveDoesNotMutate(t *testing.T) {
	r := require.New(t)
	a := mkNode(1)
	s, err := New(a, []byte("pubA"))
	r.NoError(err)

	before := s.ListNodes()[0]
	_, err = s.CheckReceive(a, 5, 6, a) // deliberately invalid
	r.Error(err)
	after := s.ListNodes()[0]
	r.Equal(before, after)
}
