package trustgraph

import (
	"testing"

	"github.com/gpgtrust/trustdb/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unknownKeyID = 0xDEADBEEFCAFEBABE

func TestUnknownSignerCreatesShadowDir(t *testing.T) {
	env := newTestEnv(t)
	k := newTestKey(0x11)
	env.ring.add("karl", selfSignedKeyblock(k, "karl"))
	env.ring.addSecret(k)
	require.NoError(t, env.db.Init(1))

	a := newTestKey(0xaa)
	kb := selfSignedKeyblock(a, "alice")
	addSig(kb, unknownKeyID, 1, 0x10, nil)
	env.ring.add("alice", kb)
	require.NoError(t, env.db.InsertTrustRecord(a))

	sdir, err := env.db.store.SearchSdir(unknownKeyID, 1)
	require.NoError(t, err)
	assert.Equal(t, sdir.Recnum, sdir.LID)

	// the deferred signature slot points at the shadow dir
	slots := sigSlots(t, env.db, a.LocalID)
	require.Len(t, slots, 1)
	assert.Equal(t, sdir.LID, slots[0].LID)
	assert.Equal(t, store.SigfNoPubkey, slots[0].Flag)

	// and the hint list names alice's dir
	require.NotZero(t, sdir.HintList)
	hlst := env.db.store.ReadHlst(sdir.HintList)
	assert.Equal(t, a.LocalID, hlst.LIDs[0])
	assert.Zero(t, hlst.Next)
}

func TestUnknownSignerHintIsNotDuplicated(t *testing.T) {
	env := newTestEnv(t)
	a := newTestKey(0xaa)
	kb := selfSignedKeyblock(a, "alice")
	addSig(kb, unknownKeyID, 1, 0x10, nil)
	env.ring.add("alice", kb)
	require.NoError(t, env.db.InsertTrustRecord(a))

	// reconciling again must not grow the hint list or the sig chain
	var modified bool
	require.NoError(t, env.db.UpdateTrustRecord(kb, &modified))

	sdir, err := env.db.store.SearchSdir(unknownKeyID, 1)
	require.NoError(t, err)
	hlst := env.db.store.ReadHlst(sdir.HintList)
	count := 0
	for _, lid := range hlst.LIDs {
		if lid != 0 {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Len(t, sigSlots(t, env.db, a.LocalID), 1)
}

func TestFailingSelfSignature(t *testing.T) {
	env := newTestEnv(t)
	a := newTestKey(0xaa)
	env.ring.add("alice", selfSignedKeyblock(a, "alice"))
	env.ver.bad[a.KeyID] = true
	require.NoError(t, env.db.InsertTrustRecord(a))

	dir := env.db.store.ReadDir(a.LocalID)
	urec := env.db.store.ReadUID(dir.UIDList)
	assert.Equal(t, store.UIDFChecked, urec.Flags)
	assert.Zero(t, urec.Flags&store.UIDFValid)
	assert.Zero(t, urec.PrefRec)
}

func TestReconcileDeletesOrphanedUIDs(t *testing.T) {
	env := newTestEnv(t)
	k := newTestKey(0x11)
	env.ring.add("karl", selfSignedKeyblock(k, "karl"))
	env.ring.addSecret(k)
	require.NoError(t, env.db.Init(1))

	a := newTestKey(0xaa)
	kb := newKeyblock(a)
	addUID(kb, "alice")
	addSig(kb, a.KeyID, a.PubkeyAlgo, 0x13, map[SubpacketType][]byte{SubpktPrefHash: {2}})
	addSig(kb, k.KeyID, k.PubkeyAlgo, 0x10, nil)
	addUID(kb, "alice@example.org")
	addSig(kb, a.KeyID, a.PubkeyAlgo, 0x13, nil)
	env.ring.add("alice", kb)
	require.NoError(t, env.db.InsertTrustRecord(a))

	dir := env.db.store.ReadDir(a.LocalID)
	first := env.db.store.ReadUID(dir.UIDList)
	require.NotZero(t, first.Next)
	droppedPref, droppedSig := first.PrefRec, first.SigList
	require.NotZero(t, droppedPref)
	require.NotZero(t, droppedSig)

	// the keyholder removed the first uid
	trimmed := selfSignedKeyblock(a, "alice@example.org")
	env.ring.add("alice", trimmed)
	var modified bool
	require.NoError(t, env.db.UpdateTrustRecord(trimmed, &modified))
	assert.True(t, modified)

	dir = env.db.store.ReadDir(a.LocalID)
	urec := env.db.store.ReadUID(dir.UIDList)
	assert.Equal(t, NameHash([]byte("alice@example.org")), urec.NameHash)
	assert.Zero(t, urec.Next)

	// the orphaned uid cascades into its pref and sig chains
	_, err := env.db.store.TryRead(first.Recnum, store.TypeAny)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.db.store.TryRead(droppedPref, store.TypeAny)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.db.store.TryRead(droppedSig, store.TypeAny)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcileKeepsUIDWithoutSignatures(t *testing.T) {
	env := newTestEnv(t)
	a := newTestKey(0xaa)
	kb := selfSignedKeyblock(a, "alice")
	addSig(kb, unknownKeyID, 1, 0x10, nil)
	env.ring.add("alice", kb)
	require.NoError(t, env.db.InsertTrustRecord(a))

	// same uid, all foreign signatures gone: the uid record survives
	trimmed := selfSignedKeyblock(a, "alice")
	env.ring.add("alice", trimmed)
	var modified bool
	require.NoError(t, env.db.UpdateTrustRecord(trimmed, &modified))

	dir := env.db.store.ReadDir(a.LocalID)
	urec := env.db.store.ReadUID(dir.UIDList)
	assert.Equal(t, NameHash([]byte("alice")), urec.NameHash)
}

func TestSelfRevocationSetsDirFlag(t *testing.T) {
	env := newTestEnv(t)
	a := newTestKey(0xaa)
	kb := newKeyblock(a)
	addSig(kb, a.KeyID, a.PubkeyAlgo, 0x20, nil)
	addUID(kb, "alice")
	addSig(kb, a.KeyID, a.PubkeyAlgo, 0x13, nil)
	env.ring.add("alice", kb)
	require.NoError(t, env.db.InsertTrustRecord(a))

	dir := env.db.store.ReadDir(a.LocalID)
	assert.NotZero(t, dir.Flags&store.DirfRevoked)

	level, err := env.db.CheckTrust(a)
	require.NoError(t, err)
	assert.NotZero(t, level&TrustFlagRevoked)
}

func TestReconcileUnknownPrimaryReportsNotFound(t *testing.T) {
	env := newTestEnv(t)
	a := newTestKey(0xaa)
	kb := selfSignedKeyblock(a, "alice")
	env.ring.add("alice", kb)

	var modified bool
	assert.ErrorIs(t, env.db.UpdateTrustRecord(kb, &modified), ErrNotFound)
	assert.False(t, modified)
}
