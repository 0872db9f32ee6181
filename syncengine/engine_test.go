package syncengine

import (
	"testing"

	"github.com/stretchr/testify/require"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/emberradio/emberchat/core/ids"
)

type fakeClient struct {
	finishCalls   int
	startCalls    int
	fillResponses [][2]int // (count, written) to return in sequence
	fillIdx       int
	receivedBufs  [][]byte
}

func (f *fakeClient) FinishSyncRequest(channelID ids.ChannelId, req *SyncRequest) error {
	f.finishCalls++
	req.VectorClock = append(req.VectorClock, Clock{Node: ids.NodeFromBytes(make([]byte, ids.Size)), Sequence: 3})
	return nil
}

func (f *fakeClient) StartSyncResponse(channelID ids.ChannelId, state *SyncResponderState, req *SyncRequest) error {
	f.startCalls++
	state.VectorClock = req.VectorClock
	return nil
}

func (f *fakeClient) FillSendBuffer(channelID ids.ChannelId, state *SyncResponderState, buf []byte) (int, int, error) {
	if f.fillIdx >= len(f.fillResponses) {
		return 0, 0, nil
	}
	r := f.fillResponses[f.fillIdx]
	f.fillIdx++
	return r[0], r[1], nil
}

func (f *fakeClient) ReceiveBuffer(channelID ids.ChannelId, buf []byte, count int) error {
	f.receivedBufs = append(f.receivedBufs, append([]byte(nil), buf...))
	return nil
}

func testLog() *logging.Logger { return logging.MustGetLogger("syncengine_test") }

func TestBeginRequestPopulatesVectorClock(t *testing.T) {
	r := require.New(t)
	fc := &fakeClient{}
	s := NewSession(fc, testLog())

	req, err := s.BeginRequest(ids.ChannelId{1}, 4096)
	r.NoError(err)
	r.Equal(uint32(1), req.SessionID)
	r.Len(req.VectorClock, 1)
	r.Equal(1, fc.finishCalls)
}

func TestHandleResponseIgnoresMismatchedSession(t *testing.T) {
	r := require.New(t)
	fc := &fakeClient{}
	s := NewSession(fc, testLog())

	cid := ids.ChannelId{1}
	_, err := s.BeginRequest(cid, 4096)
	r.NoError(err)

	err = s.HandleResponse(cid, &SyncResponse{SessionID: 99, Count: 1, Data: []byte("x")})
	r.NoError(err)
	r.Empty(fc.receivedBufs)
}

func TestHandleResponseAppliesMatchingSession(t *testing.T) {
	r := require.New(t)
	fc := &fakeClient{}
	s := NewSession(fc, testLog())

	cid := ids.ChannelId{1}
	req, err := s.BeginRequest(cid, 4096)
	r.NoError(err)

	err = s.HandleResponse(cid, &SyncResponse{SessionID: req.SessionID, Count: 1, Data: []byte("hello")})
	r.NoError(err)
	r.Len(fc.receivedBufs, 1)
	r.Equal([]byte("hello"), fc.receivedBufs[0])
}

func TestNextResponseEndsWhenCountZero(t *testing.T) {
	r := require.New(t)
	fc := &fakeClient{fillResponses: [][2]int{{2, 10}, {0, 0}}}
	s := NewSession(fc, testLog())
	cid := ids.ChannelId{1}

	req := &SyncRequest{SessionID: 7, BytesBudget: 4096}
	state, err := s.BeginResponse(cid, req)
	r.NoError(err)
	r.Equal(1, fc.startCalls)

	buf := make([]byte, 64)
	resp, ok, err := s.NextResponse(cid, state, buf)
	r.NoError(err)
	r.True(ok)
	r.Equal(uint32(2), resp.Count)
	r.Equal(uint32(10), state.BytesSent)

	_, ok, err = s.NextResponse(cid, state, buf)
	r.NoError(err)
	r.False(ok)
}
