// Package peerstore is a small persistent keystore for what a node knows
// about its peers across restarts: the last session id negotiated with
// each peer, and per-channel hello bookkeeping. Unlike the chat log itself
// (storage, a fixed-slab append-only format chosen for flash-friendliness)
// this is genuinely key/value-shaped and churns independently of the log,
// so it gets its own bbolt-backed store instead of overloading the slab
// format.
package peerstore

import (
	"encoding/binary"
	"errors"
	"time"

	"go.etcd.io/bbolt"

	"github.com/emberradio/emberchat/core/ids"
)

var (
	peersBucket   = []byte("peers")
	helloBucket   = []byte("hello")
	ErrNotFound   = errors.New("peerstore: not found")
	ErrClosed     = errors.New("peerstore: store closed")
)

// PeerRecord is what's remembered about one peer between restarts.
type PeerRecord struct {
	LastSessionID uint64
	LastSeen      time.Time
}

// Store is a bbolt-backed peer and hello bookkeeping keystore.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a peerstore at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(peersBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(helloBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file lock.
func (s *Store) Close() error { return s.db.Close() }

// PutPeer records or updates what's known about peer.
func (s *Store) PutPeer(peer ids.NodeId, rec PeerRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(peersBucket)
		buf := encodePeerRecord(rec)
		return b.Put(peer[:], buf)
	})
}

// GetPeer returns what's known about peer, or ErrNotFound.
func (s *Store) GetPeer(peer ids.NodeId) (PeerRecord, error) {
	var rec PeerRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(peersBucket)
		v := b.Get(peer[:])
		if v == nil {
			return ErrNotFound
		}
		rec = decodePeerRecord(v)
		return nil
	})
	return rec, err
}

// ListPeers returns every known peer's id.
func (s *Store) ListPeers() ([]ids.NodeId, error) {
	var out []ids.NodeId
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(peersBucket)
		return b.ForEach(func(k, v []byte) error {
			out = append(out, ids.NodeFromBytes(k))
			return nil
		})
	})
	return out, err
}

// helloKey packs a (peer, channel) pair into one bbolt key.
func helloKey(peer ids.NodeId, channel ids.ChannelId) []byte {
	k := make([]byte, ids.Size*2)
	copy(k, peer[:])
	copy(k[ids.Size:], channel[:])
	return k
}

// PutLastHello records the time a hello naming channel was last received
// from peer, so the interval between a peer's hellos can be observed
// across restarts.
func (s *Store) PutLastHello(peer ids.NodeId, channel ids.ChannelId, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(helloBucket)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(at.UnixNano()))
		return b.Put(helloKey(peer, channel), buf[:])
	})
}

// GetLastHello returns the last recorded hello time, or the zero time and
// ErrNotFound if none has been recorded.
func (s *Store) GetLastHello(peer ids.NodeId, channel ids.ChannelId) (time.Time, error) {
	var at time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(helloBucket)
		v := b.Get(helloKey(peer, channel))
		if v == nil {
			return ErrNotFound
		}
		at = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
		return nil
	})
	return at, err
}

func encodePeerRecord(rec PeerRecord) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], rec.LastSessionID)
	binary.BigEndian.PutUint64(buf[8:16], uint64(rec.LastSeen.UnixNano()))
	return buf
}

func decodePeerRecord(v []byte) PeerRecord {
	if len(v) < 16 {
		return PeerRecord{}
	}
	return PeerRecord{
		LastSessionID: binary.BigEndian.Uint64(v[0:8]),
		LastSeen:      time.Unix(0, int64(binary.BigEndian.Uint64(v[8:16]))),
	}
}
