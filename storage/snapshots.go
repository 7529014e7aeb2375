package storage

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"lukechampine.com/blake3"

	coreerrors "escrowledger/core/errors"
	"escrowledger/native/escrow"
)

var snapshotPrefix = []byte("escrow/snapshot/")

// ErrSnapshotCorrupt is returned when a stored snapshot no longer matches its
// digest.
var ErrSnapshotCorrupt = fmt.Errorf("storage: snapshot digest mismatch: %w", coreerrors.ErrIntegrity)

type snapshotRecord struct {
	Digest   string          `json:"digest"`
	Snapshot json.RawMessage `json:"snapshot"`
}

// SnapshotStore persists escrow snapshots keyed by escrow id. Every record
// carries the BLAKE3 digest of its snapshot encoding, checked on load.
type SnapshotStore struct {
	db Database
}

// NewSnapshotStore wraps db.
func NewSnapshotStore(db Database) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func snapshotKey(id uint64) []byte {
	key := make([]byte, len(snapshotPrefix)+8)
	copy(key, snapshotPrefix)
	binary.BigEndian.PutUint64(key[len(snapshotPrefix):], id)
	return key
}

// SnapshotDigest returns the BLAKE3 digest of the encoded snapshot.
func SnapshotDigest(encoded []byte) [32]byte {
	return blake3.Sum256(encoded)
}

// Save verifies the snapshot invariants and stores it, replacing any
// previous snapshot of the same escrow. It returns the digest.
func (s *SnapshotStore) Save(snap *escrow.Snapshot) ([32]byte, error) {
	if err := snap.Verify(); err != nil {
		return [32]byte{}, err
	}
	encoded, err := json.Marshal(snap)
	if err != nil {
		return [32]byte{}, fmt.Errorf("storage: encode snapshot: %w", err)
	}
	digest := SnapshotDigest(encoded)
	record, err := json.Marshal(snapshotRecord{Digest: hex.EncodeToString(digest[:]), Snapshot: encoded})
	if err != nil {
		return [32]byte{}, fmt.Errorf("storage: encode record: %w", err)
	}
	if err := s.db.Put(snapshotKey(snap.Escrow.ID), record); err != nil {
		return [32]byte{}, err
	}
	return digest, nil
}

// Load returns the stored snapshot for id.
func (s *SnapshotStore) Load(id uint64) (*escrow.Snapshot, error) {
	raw, err := s.db.Get(snapshotKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("storage: escrow %d has no snapshot: %w", id, coreerrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(raw)
}

// IDs returns the ids of every stored snapshot in ascending order.
func (s *SnapshotStore) IDs() ([]uint64, error) {
	var ids []uint64
	err := s.db.Iterate(snapshotPrefix, func(key, _ []byte) bool {
		if len(key) == len(snapshotPrefix)+8 {
			ids = append(ids, binary.BigEndian.Uint64(key[len(snapshotPrefix):]))
		}
		return true
	})
	return ids, err
}

func decodeSnapshot(raw []byte) (*escrow.Snapshot, error) {
	var record snapshotRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("storage: decode record: %w", err)
	}
	digest := SnapshotDigest(record.Snapshot)
	if hex.EncodeToString(digest[:]) != record.Digest {
		return nil, ErrSnapshotCorrupt
	}
	var snap escrow.Snapshot
	if err := json.Unmarshal(record.Snapshot, &snap); err != nil {
		return nil, fmt.Errorf("storage: decode snapshot: %w", err)
	}
	return &snap, nil
}
