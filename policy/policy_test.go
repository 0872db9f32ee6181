package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emberradio/emberchat/chatproto"
	"github.com/emberradio/emberchat/core/ids"
)

func idFromKey(pub []byte) ids.NodeId {
	var n ids.NodeId
	copy(n[:], pub)
	return n
}

func TestAcceptNewChannelSetsOwner(t *testing.T) {
	r := require.New(t)
	cid := ids.ChannelId{1}
	p := New(cid)

	payload, err := chatproto.MakeNewChannel(1, 2, "Test Chat", []byte("owner-key-bytes"))
	r.NoError(err)

	owner := idFromKey([]byte("owner-key-bytes"))
	res, err := p.AcceptMessage(cid, owner, payload, idFromKey)
	r.NoError(err)
	r.Equal(ResultNone, res.Kind)

	got, ok := p.OwnerID()
	r.True(ok)
	r.Equal(owner, got)
	r.True(p.IsAdmitted(owner))
}

func TestAcceptNewChannelWrongIDRejected(t *testing.T) {
	r := require.New(t)
	p := New(ids.ChannelId{1})
	payload, err := chatproto.MakeNewChannel(0, 0, "X", []byte("k"))
	r.NoError(err)

	_, err = p.AcceptMessage(ids.ChannelId{2}, idFromKey([]byte("k")), payload, idFromKey)
	r.ErrorIs(err, ErrUnexpectedID)
}

func TestAddUserRequiresOwner(t *testing.T) {
	r := require.New(t)
	cid := ids.ChannelId{1}
	p := New(cid)
	payload, err := chatproto.MakeAddUser("bob", []byte("bob-key"))
	r.NoError(err)

	_, err = p.AcceptMessage(cid, idFromKey([]byte("anyone")), payload, idFromKey)
	r.ErrorIs(err, ErrUninitialized)
}

func TestAddUserOnlyOwnerAuthorized(t *testing.T) {
	r := require.New(t)
	cid := ids.ChannelId{1}
	p := New(cid)
	owner := idFromKey([]byte("owner-key"))
	nc, err := chatproto.MakeNewChannel(0, 0, "X", []byte("owner-key"))
	r.NoError(err)
	_, err = p.AcceptMessage(cid, owner, nc, idFromKey)
	r.NoError(err)

	au, err := chatproto.MakeAddUser("bob", []byte("bob-key"))
	r.NoError(err)

	impostor := idFromKey([]byte("impostor"))
	_, err = p.AcceptMessage(cid, impostor, au, idFromKey)
	r.ErrorIs(err, ErrUnauthorized)

	res, err := p.AcceptMessage(cid, owner, au, idFromKey)
	r.NoError(err)
	r.Equal(ResultAddUser, res.Kind)
	r.Equal([]byte("bob-key"), res.NewPublicKey)
}

func TestChatMessageRequiresAdmission(t *testing.T) {
	r := require.New(t)
	cid := ids.ChannelId{1}
	p := New(cid)
	owner := idFromKey([]byte("owner-key"))
	nc, _ := chatproto.MakeNewChannel(0, 0, "X", []byte("owner-key"))
	_, err := p.AcceptMessage(cid, owner, nc, idFromKey)
	r.NoError(err)

	cm, err := chatproto.MakeChatMessage("hi")
	r.NoError(err)

	stranger := idFromKey([]byte("stranger"))
	_, err = p.AcceptMessage(cid, stranger, cm, idFromKey)
	r.ErrorIs(err, ErrUnauthorized)

	res, err := p.AcceptMessage(cid, owner, cm, idFromKey)
	r.NoError(err)
	r.Equal(ResultNewMessage, res.Kind)
	r.Equal(uint64(1), res.MessageCount)
}
