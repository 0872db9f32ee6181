// Package identity owns a node's long-term keypair and small persisted
// configuration, encrypted at rest. It is grounded directly on disk.go's
// StateWriter: a passphrase-derived argon2 key, nacl/secretbox encryption,
// and a worker goroutine that serializes writes and commits them to disk
// with a rename-based atomic swap.
package identity

import (
	"errors"
	"io"
	"os"

	"github.com/ugorji/go/codec"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
	"gopkg.in/op/go-logging.v1"

	"github.com/emberradio/emberchat/core/ids"
	"github.com/emberradio/emberchat/core/signature"
	"github.com/emberradio/emberchat/core/worker"
)

const (
	keySize   = 32
	nonceSize = 24
)

var cborHandle = new(codec.CborHandle)

// ErrDecryptFailed is returned when a statefile cannot be decrypted under
// the supplied passphrase, e.g. it is wrong or the file is corrupt.
var ErrDecryptFailed = errors.New("identity: failed to decrypt statefile")

// ChannelMeta is what a node remembers locally about a channel it has
// joined, beyond what lives in the replicated log itself.
type ChannelMeta struct {
	Name string
}

// State is the persisted, encrypted half of a node's identity: its signing
// key and the small amount of bookkeeping it needs to resume without
// replaying the whole log.
type State struct {
	NodeID        ids.NodeId
	PublicKey     []byte
	PrivateKeyRaw []byte
	Channels      map[ids.ChannelId]ChannelMeta
}

// Writer owns a node's encrypted statefile on disk and serializes updates
// to it through a worker goroutine, exactly as disk.go's StateWriter does.
type Writer struct {
	worker.Worker

	log  *logging.Logger
	rand io.Reader

	stateCh   chan []byte
	stateFile string

	key [keySize]byte
}

// Create generates a fresh keypair, derives an encryption key from
// passphrase, and writes the initial statefile to path. It returns a
// Writer ready for Start, the decoded State, and the live KeyPair.
func Create(log *logging.Logger, path string, passphrase []byte, rand io.Reader, suite signature.Suite) (*Writer, *State, *signature.KeyPair, error) {
	kp, err := suite.GenerateKeyPair(rand)
	if err != nil {
		return nil, nil, nil, err
	}
	st := &State{
		NodeID:        suite.NodeID(kp.Public),
		PublicKey:     append([]byte(nil), kp.Public...),
		PrivateKeyRaw: kp.ExportPrivate(),
		Channels:      make(map[ids.ChannelId]ChannelMeta),
	}

	w := newWriter(log, path, passphrase, rand)
	payload, err := encodeState(st)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := w.writeState(payload); err != nil {
		return nil, nil, nil, err
	}
	return w, st, kp, nil
}

// Load decrypts an existing statefile under passphrase and returns a
// Writer ready to accept further updates, the decoded State, and the
// reconstructed KeyPair.
func Load(log *logging.Logger, path string, passphrase []byte, rand io.Reader) (*Writer, *State, *signature.KeyPair, error) {
	w := newWriter(log, path, passphrase, rand)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(raw) < nonceSize {
		return nil, nil, nil, ErrDecryptFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	ciphertext := raw[nonceSize:]

	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &w.key)
	if !ok {
		return nil, nil, nil, ErrDecryptFailed
	}

	st := new(State)
	if err := codec.NewDecoderBytes(plaintext, cborHandle).Decode(st); err != nil {
		return nil, nil, nil, err
	}
	kp, err := signature.KeyPairFromPrivate(st.PrivateKeyRaw)
	if err != nil {
		return nil, nil, nil, err
	}
	return w, st, kp, nil
}

func newWriter(log *logging.Logger, path string, passphrase []byte, rand io.Reader) *Writer {
	secret := argon2.IDKey(passphrase, nil, 1, 64*1024, 4, keySize)
	w := &Writer{
		log:       log,
		rand:      rand,
		stateCh:   make(chan []byte),
		stateFile: path,
	}
	copy(w.key[:], secret)
	return w
}

// Start starts the Writer's background save goroutine.
func (w *Writer) Start() {
	w.log.Debug("identity: statefile writer starting")
	w.Go(w.worker)
}

// Save enqueues st to be encrypted and written to disk asynchronously. It
// blocks only until the worker goroutine accepts the update, not until the
// write completes.
func (w *Writer) Save(st *State) error {
	payload, err := encodeState(st)
	if err != nil {
		return err
	}
	select {
	case w.stateCh <- payload:
		return nil
	case <-w.HaltCh():
		return errors.New("identity: writer halted")
	}
}

func encodeState(st *State) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, cborHandle)
	if err := enc.Encode(st); err != nil {
		return nil, err
	}
	return buf, nil
}

func (w *Writer) writeState(payload []byte) error {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(w.rand, nonce[:]); err != nil {
		return err
	}
	ciphertext := secretbox.Seal(nil, payload, &nonce, &w.key)
	out, err := os.OpenFile(w.stateFile+".tmp", os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	outBytes := append(nonce[:], ciphertext...)
	if _, err := out.Write(outBytes); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.stateFile + "~"); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(w.stateFile, w.stateFile+"~"); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(w.stateFile+".tmp", w.stateFile); err != nil {
		return err
	}
	if err := os.Remove(w.stateFile + "~"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (w *Writer) worker() {
	for {
		select {
		case <-w.HaltCh():
			w.log.Debug("identity: writer terminating")
			return
		case payload := <-w.stateCh:
			if err := w.writeState(payload); err != nil {
				w.log.Errorf("identity: failed to write statefile: %s", err)
			}
		}
	}
}
