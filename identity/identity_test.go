package identity

import (
	"crypto/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/emberradio/emberchat/core/ids"
	"github.com/emberradio/emberchat/core/signature"
)

func testLogger() *logging.Logger {
	return logging.MustGetLogger("identity_test")
}

func TestCreateThenLoadRoundTrips(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	path := dir + "/node.state"
	suite := signature.NewEd25519Suite()

	w, st, kp, err := Create(testLogger(), path, []byte("correct horse"), rand.Reader, suite)
	r.NoError(err)
	r.NotNil(w)
	r.Equal(st.PublicKey, []byte(kp.Public))

	_, err = os.Stat(path)
	r.NoError(err)

	w2, st2, kp2, err := Load(testLogger(), path, []byte("correct horse"), rand.Reader)
	r.NoError(err)
	r.NotNil(w2)
	r.Equal(st.NodeID, st2.NodeID)
	r.Equal(st.PublicKey, st2.PublicKey)
	r.Equal(kp.Public, kp2.Public)
}

func TestLoadWrongPassphraseFails(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	path := dir + "/node.state"
	suite := signature.NewEd25519Suite()

	_, _, _, err := Create(testLogger(), path, []byte("right"), rand.Reader, suite)
	r.NoError(err)

	_, _, _, err = Load(testLogger(), path, []byte("wrong"), rand.Reader)
	r.ErrorIs(err, ErrDecryptFailed)
}

func TestSaveWritesUpdatedState(t *testing.T) {
	r := require.New(t)
	dir := t.TempDir()
	path := dir + "/node.state"
	suite := signature.NewEd25519Suite()

	w, st, _, err := Create(testLogger(), path, []byte("pw"), rand.Reader, suite)
	r.NoError(err)
	w.Start()
	defer w.Halt()

	cid := ids.ChannelFromBytes(st.NodeID[:])
	st.Channels[cid] = ChannelMeta{Name: "general"}
	r.NoError(w.Save(st))
	w.Halt()
	w.Wait()

	_, st2, _, err := Load(testLogger(), path, []byte("pw"), rand.Reader)
	r.NoError(err)
	r.Contains(st2.Channels, cid)
}
