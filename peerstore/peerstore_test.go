package peerstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emberradio/emberchat/core/ids"
)

func TestPutAndGetPeer(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	s, err := Open(dir + "/peers.db")
	r.NoError(err)
	defer s.Close()

	peer := ids.NodeFromBytes(make([]byte, ids.Size))
	now := time.Now().Truncate(time.Second)
	r.NoError(s.PutPeer(peer, PeerRecord{LastSessionID: 42, LastSeen: now}))

	got, err := s.GetPeer(peer)
	r.NoError(err)
	r.Equal(uint64(42), got.LastSessionID)
	r.True(got.LastSeen.Equal(now))
}

func TestGetPeerNotFound(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	s, err := Open(dir + "/peers.db")
	r.NoError(err)
	defer s.Close()

	_, err = s.GetPeer(ids.NodeFromBytes(make([]byte, ids.Size)))
	r.ErrorIs(err, ErrNotFound)
}

func TestHelloDebounceRoundTrip(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	s, err := Open(dir + "/peers.db")
	r.NoError(err)
	defer s.Close()

	peer := ids.NodeFromBytes(make([]byte, ids.Size))
	var chBytes [ids.Size]byte
	chBytes[0] = 1
	channel := ids.ChannelId(chBytes)

	_, err = s.GetLastHello(peer, channel)
	r.ErrorIs(err, ErrNotFound)

	now := time.Now().Truncate(time.Second)
	r.NoError(s.PutLastHello(peer, channel, now))
	got, err := s.GetLastHello(peer, channel)
	r.NoError(err)
	r.True(got.Equal(now))
}

func TestListPeers(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	s, err := Open(dir + "/peers.db")
	r.NoError(err)
	defer s.Close()

	a := ids.NodeFromBytes(make([]byte, ids.Size))
	bBytes := make([]byte, ids.Size)
	bBytes[0] = 1
	b := ids.NodeFromBytes(bBytes)

	r.NoError(s.PutPeer(a, PeerRecord{}))
	r.NoError(s.PutPeer(b, PeerRecord{}))

	peers, err := s.ListPeers()
	r.NoError(err)
	r.Len(peers, 2)
}
