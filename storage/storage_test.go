package storage

import (
	"context"
	"encoding/json"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	coreerrors "escrowledger/core/errors"
	"escrowledger/native/escrow"
	"escrowledger/native/guarantor"
	"escrowledger/native/ledger"
)

func fill(b byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	require.NoError(t, db.Put([]byte("a/2"), []byte("two")))
	require.NoError(t, db.Put([]byte("a/1"), []byte("one")))
	require.NoError(t, db.Put([]byte("b/1"), []byte("other")))

	value, err := db.Get([]byte("a/1"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), value)

	_, err = db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := db.Has([]byte("b/1"))
	require.NoError(t, err)
	require.True(t, ok)

	var keys []string
	require.NoError(t, db.Iterate([]byte("a/"), func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return true
	}))
	require.Equal(t, []string{"a/1", "a/2"}, keys)

	require.NoError(t, db.Delete([]byte("a/1")))
	ok, err = db.Has([]byte("a/1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	exerciseDatabase(t, db)
	require.NoError(t, db.Close())
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	exerciseDatabase(t, db)
	require.NoError(t, db.Close())
}

func TestBoltDB(t *testing.T) {
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "escrow.bolt"), nil)
	require.NoError(t, err)
	exerciseDatabase(t, db)
	require.NoError(t, db.Close())
}

func TestOpenDatabase(t *testing.T) {
	_, err := OpenDatabase("rocks", t.TempDir())
	require.ErrorContains(t, err, "unknown backend")

	db, err := OpenDatabase(BackendMemory, "")
	require.NoError(t, err)
	require.IsType(t, &MemDB{}, db)

	path := filepath.Join(t.TempDir(), "snapshots.bolt")
	db, err = OpenDatabase(BackendBolt, path)
	require.NoError(t, err)
	snap := newSnapshot(t)
	digest, err := NewSnapshotStore(db).Save(snap)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenDatabase(BackendBolt, path)
	require.NoError(t, err)
	defer db.Close()
	store := NewSnapshotStore(db)
	loaded, err := store.Load(snap.Escrow.ID)
	require.NoError(t, err)
	require.Equal(t, "60", loaded.Escrow.TotalReleased.String())
	again, err := store.Save(loaded)
	require.NoError(t, err)
	require.Equal(t, digest, again)
}

func newSnapshot(t *testing.T) *escrow.Snapshot {
	t.Helper()
	bank := ledger.NewBank()
	registry, err := guarantor.NewRegistry(guarantor.DefaultPolicy(), bank, fill(0xE1), fill(0xE2))
	require.NoError(t, err)
	engine, err := escrow.NewEngine(escrow.Deps{Bank: bank, Vault: fill(0xE0), Registry: registry})
	require.NoError(t, err)

	creator := fill(0x01)
	require.NoError(t, bank.Deposit(creator, big.NewInt(100)))
	esc, err := engine.CreateEscrow(creator, escrow.CreateParams{
		Beneficiary: fill(0x02),
		Amounts:     []*big.Int{big.NewInt(60), big.NewInt(40)},
		Deadlines:   []int64{0, 0},
	}, big.NewInt(100))
	require.NoError(t, err)
	_, err = engine.ApproveMilestone(esc.ID, 0, creator)
	require.NoError(t, err)
	_, err = engine.ReleaseMilestone(esc.ID, 0, creator)
	require.NoError(t, err)

	snap, err := engine.Snapshot(esc.ID)
	require.NoError(t, err)
	return snap
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	store := NewSnapshotStore(NewMemDB())
	snap := newSnapshot(t)

	digest, err := store.Save(snap)
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, digest)

	loaded, err := store.Load(snap.Escrow.ID)
	require.NoError(t, err)
	require.NoError(t, loaded.Verify())
	require.Equal(t, escrow.StateActive, loaded.Escrow.State)
	require.Equal(t, int64(60), loaded.Escrow.TotalReleased.Int64())
	require.True(t, loaded.Escrow.Milestones[0].Released)

	ids, err := store.IDs()
	require.NoError(t, err)
	require.Equal(t, []uint64{snap.Escrow.ID}, ids)

	_, err = store.Load(99)
	require.ErrorIs(t, err, coreerrors.ErrNotFound)
}

func TestSnapshotStoreDetectsTampering(t *testing.T) {
	db := NewMemDB()
	store := NewSnapshotStore(db)
	snap := newSnapshot(t)
	_, err := store.Save(snap)
	require.NoError(t, err)

	raw, err := db.Get(snapshotKey(snap.Escrow.ID))
	require.NoError(t, err)
	var record snapshotRecord
	require.NoError(t, json.Unmarshal(raw, &record))
	record.Digest = "00"
	raw, err = json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, db.Put(snapshotKey(snap.Escrow.ID), raw))

	_, err = store.Load(snap.Escrow.ID)
	require.ErrorIs(t, err, ErrSnapshotCorrupt)
	require.ErrorIs(t, err, coreerrors.ErrIntegrity)
}

func TestSnapshotStoreRejectsBrokenInvariants(t *testing.T) {
	store := NewSnapshotStore(NewMemDB())
	snap := newSnapshot(t)
	snap.Escrow.TotalReleased = big.NewInt(1_000)

	_, err := store.Save(snap)
	require.ErrorIs(t, err, coreerrors.ErrIntegrity)
}

func TestAuditLog(t *testing.T) {
	log, err := OpenAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer log.Close()

	ctx := context.Background()
	_, err = log.Append(ctx, AuditEntry{Caller: "0x01", Operation: "create", EscrowID: 1, Digest: "ab"})
	require.NoError(t, err)
	_, err = log.Append(ctx, AuditEntry{Caller: "0x02", Operation: "contribute", EscrowID: 2})
	require.NoError(t, err)
	_, err = log.Append(ctx, AuditEntry{Caller: "0x01", Operation: "release", EscrowID: 1, Detail: "milestone 0"})
	require.NoError(t, err)

	entries, err := log.ForEscrow(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "create", entries[0].Operation)
	require.Equal(t, "release", entries[1].Operation)
	require.Equal(t, "milestone 0", entries[1].Detail)
	require.False(t, entries[0].OccurredAt.IsZero())
}
