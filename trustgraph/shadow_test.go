package trustgraph

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gpgtrust/trustdb/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deferredKey builds the key whose keyid the deferred signatures name.
func deferredKey() *PublicKey {
	fpr := bytes.Repeat([]byte{0x42}, 12)
	fpr = append(fpr, 0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE, 0xBA, 0xBE)
	return &PublicKey{
		KeyID:       binary.BigEndian.Uint64(fpr[12:]),
		PubkeyAlgo:  1,
		Fingerprint: fpr,
	}
}

func TestShadowPromotion(t *testing.T) {
	env := newTestEnv(t)
	a := newTestKey(0xaa)
	kb := selfSignedKeyblock(a, "alice")
	addSig(kb, unknownKeyID, 1, 0x10, nil)
	env.ring.add("alice", kb)
	require.NoError(t, env.db.InsertTrustRecord(a))

	sdir, err := env.db.store.SearchSdir(unknownKeyID, 1)
	require.NoError(t, err)
	shadowLID := sdir.LID
	hintRecno := sdir.HintList

	// the deferred signer's key arrives
	d := deferredKey()
	require.Equal(t, uint64(unknownKeyID), d.KeyID)
	env.ring.add("dora", selfSignedKeyblock(d, "dora"))
	require.NoError(t, env.db.InsertTrustRecord(d))

	// the shadow dir is promoted in place
	assert.Equal(t, shadowLID, d.LocalID)
	_, err = env.db.store.SearchSdir(unknownKeyID, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	dir := env.db.store.ReadDir(shadowLID)
	assert.Equal(t, shadowLID, dir.LID)

	// the hint list is drained and the deferred slot re-verified
	_, err = env.db.store.TryRead(hintRecno, store.TypeAny)
	assert.ErrorIs(t, err, store.ErrNotFound)
	slots := sigSlots(t, env.db, a.LocalID)
	require.Len(t, slots, 1)
	assert.Equal(t, shadowLID, slots[0].LID)
	assert.Equal(t, store.SigfChecked|store.SigfValid, slots[0].Flag)
}

func TestShadowPromotionWithBadSignature(t *testing.T) {
	env := newTestEnv(t)
	a := newTestKey(0xaa)
	kb := selfSignedKeyblock(a, "alice")
	addSig(kb, unknownKeyID, 1, 0x10, nil)
	env.ring.add("alice", kb)
	require.NoError(t, env.db.InsertTrustRecord(a))

	d := deferredKey()
	env.ring.add("dora", selfSignedKeyblock(d, "dora"))
	env.ver.bad[d.KeyID] = true
	require.NoError(t, env.db.InsertTrustRecord(d))

	slots := sigSlots(t, env.db, a.LocalID)
	require.Len(t, slots, 1)
	assert.Equal(t, store.SigfChecked, slots[0].Flag)
}

func TestShadowDirSharedByMultipleSubjects(t *testing.T) {
	env := newTestEnv(t)
	a := newTestKey(0xaa)
	kba := selfSignedKeyblock(a, "alice")
	addSig(kba, unknownKeyID, 1, 0x10, nil)
	env.ring.add("alice", kba)
	require.NoError(t, env.db.InsertTrustRecord(a))

	b := newTestKey(0xbb)
	kbb := selfSignedKeyblock(b, "bob")
	addSig(kbb, unknownKeyID, 1, 0x10, nil)
	env.ring.add("bob", kbb)
	require.NoError(t, env.db.InsertTrustRecord(b))

	// one shadow dir, both subjects hinted
	sdir, err := env.db.store.SearchSdir(unknownKeyID, 1)
	require.NoError(t, err)
	hlst := env.db.store.ReadHlst(sdir.HintList)
	var lids []uint64
	for _, lid := range hlst.LIDs {
		if lid != 0 {
			lids = append(lids, lid)
		}
	}
	assert.ElementsMatch(t, []uint64{a.LocalID, b.LocalID}, lids)

	// promotion settles both deferred slots
	d := deferredKey()
	env.ring.add("dora", selfSignedKeyblock(d, "dora"))
	require.NoError(t, env.db.InsertTrustRecord(d))

	for _, subject := range []uint64{a.LocalID, b.LocalID} {
		slots := sigSlots(t, env.db, subject)
		require.Len(t, slots, 1)
		assert.Equal(t, store.SigfChecked|store.SigfValid, slots[0].Flag)
	}
}

func TestSelfSigIsNotDeferred(t *testing.T) {
	env := newTestEnv(t)
	a := newTestKey(0xaa)
	env.ring.add("alice", selfSignedKeyblock(a, "alice"))
	require.NoError(t, env.db.InsertTrustRecord(a))

	// a self-signature never produces a sig slot or a shadow dir
	assert.Empty(t, sigSlots(t, env.db, a.LocalID))
	dir := env.db.store.ReadDir(a.LocalID)
	urec := env.db.store.ReadUID(dir.UIDList)
	assert.Equal(t, store.UIDFChecked|store.UIDFValid, urec.Flags)
}
