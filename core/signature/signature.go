// Package signature is the concrete implementation of the "signature
// suite" that spec.md §1 names as an external collaborator: derive a
// stable node identifier from a public key, sign a byte range, verify a
// signature, hash arbitrary bytes to a fixed-width identifier, and produce
// nonces. The rest of this module only depends on the Suite interface
// below, never on this package's concrete types, so a different scheme can
// be substituted without touching C1-C7.
//
// The concrete scheme is Ed25519 via the teacher's own signature-family
// dependency, circl (core/pki imports circl/kem; circl also ships
// sign/ed25519), with the signing key's private half held in a
// memguard-locked buffer the way the teacher's go.mod pulls in memguard
// for exactly this purpose.
package signature

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"

	"github.com/awnumar/memguard"
	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/emberradio/emberchat/core/ids"
)

const (
	// PublicKeySize is the length in bytes of an Ed25519 public key.
	PublicKeySize = ed25519.PublicKeySize
	// SignatureSize is the length in bytes of an Ed25519 signature.
	SignatureSize = ed25519.SignatureSize
	// NonceSize is the length in bytes of a nonce produced by NewNonce.
	NonceSize = 16
)

var (
	// ErrVerify is returned when a signature fails to verify.
	ErrVerify = errors.New("signature: verification failed")
)

// PublicKey is a signature-suite public key, DER-wrapped only when
// computing a NodeId; on the wire it travels as raw Ed25519 bytes.
type PublicKey []byte

// KeyPair is a node's (public, private) signing key pair. The private
// half is kept off the Go heap in a memguard.LockedBuffer; Sign reads it
// in place from guarded memory for the duration of the circl call.
type KeyPair struct {
	Public  PublicKey
	private *memguard.LockedBuffer
}

// Suite is the abstract capability the rest of emberchat depends on. It is
// satisfied by *Ed25519Suite below.
type Suite interface {
	// GenerateKeyPair produces a fresh KeyPair.
	GenerateKeyPair(rand io.Reader) (*KeyPair, error)
	// NodeID derives a stable NodeId from a public key.
	NodeID(pub PublicKey) ids.NodeId
	// Sign produces a detached signature over msg under kp's private key.
	Sign(kp *KeyPair, msg []byte) []byte
	// Verify reports whether sig is a valid signature over msg under pub.
	Verify(pub PublicKey, msg, sig []byte) bool
	// Hash hashes arbitrary bytes to a fixed-width 32-byte digest.
	Hash(b ...[]byte) [32]byte
	// NewNonce produces a fresh NonceSize-byte nonce.
	NewNonce(rand io.Reader) ([NonceSize]byte, error)
}

// Ed25519Suite implements Suite using circl's Ed25519.
type Ed25519Suite struct{}

// NewEd25519Suite constructs the default signature suite.
func NewEd25519Suite() *Ed25519Suite { return &Ed25519Suite{} }

// GenerateKeyPair implements Suite.
func (Ed25519Suite) GenerateKeyPair(rand io.Reader) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	locked := memguard.NewBufferFromBytes([]byte(priv))
	return &KeyPair{Public: PublicKey(pub), private: locked}, nil
}

// KeyPairFromPrivate reconstructs a KeyPair from a raw private key,
// e.g. after decrypting it from the identity package's statefile.
func KeyPairFromPrivate(raw []byte) (*KeyPair, error) {
	if len(raw) != ed25519.PrivateKeySize {
		return nil, errors.New("signature: wrong private key size")
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	locked := memguard.NewBufferFromBytes(append([]byte(nil), raw...))
	return &KeyPair{Public: PublicKey(pub), private: locked}, nil
}

// Destroy wipes the private key from guarded memory. Call when a KeyPair
// is no longer needed for the life of the process.
func (kp *KeyPair) Destroy() {
	if kp.private != nil {
		kp.private.Destroy()
	}
}

// ExportPrivate copies the raw private key out of guarded memory, for the
// identity package's one legitimate need: encrypting it into the node's
// statefile. The returned slice is an ordinary, unguarded copy; callers
// must not retain it longer than the encryption call that consumes it.
func (kp *KeyPair) ExportPrivate() []byte {
	return append([]byte(nil), kp.private.Bytes()...)
}

// NodeID implements Suite. The digest is over the DER (PKIX) encoding of
// the public key, per spec.md §6.
func (Ed25519Suite) NodeID(pub PublicKey) ids.NodeId {
	der, err := x509.MarshalPKIXPublicKey(ed25519.PublicKey(pub))
	if err != nil {
		// A 32-byte Ed25519 public key always marshals; a failure here
		// means pub is malformed, which callers must not let happen.
		panic("signature: malformed public key: " + err.Error())
	}
	sum := sha256.Sum256(der)
	return ids.NodeId(sum)
}

// Sign implements Suite.
func (Ed25519Suite) Sign(kp *KeyPair, msg []byte) []byte {
	priv := ed25519.PrivateKey(kp.private.Bytes())
	return ed25519.Sign(priv, msg)
}

// Verify implements Suite.
func (Ed25519Suite) Verify(pub PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// Hash implements Suite, hashing the concatenation of all arguments.
func (Ed25519Suite) Hash(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NewNonce implements Suite, producing a random 128-bit nonce; the wire
// type carries it as a u128 (spec.md's NewChannel.nonce field).
func (Ed25519Suite) NewNonce(rand io.Reader) ([NonceSize]byte, error) {
	var n [NonceSize]byte
	_, err := io.ReadFull(rand, n[:])
	return n, err
}

// NonceToUint128Parts splits a NonceSize-byte nonce into the high/low
// 64-bit halves used by the CBOR-encoded NewChannel.nonce field (Go has no
// native u128; emberchat represents one as two big-endian uint64 limbs).
func NonceToUint128Parts(n [NonceSize]byte) (hi, lo uint64) {
	hi = binary.BigEndian.Uint64(n[:8])
	lo = binary.BigEndian.Uint64(n[8:])
	return hi, lo
}
