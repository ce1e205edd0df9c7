package trustgraph

import (
	"errors"

	"github.com/gpgtrust/trustdb/log"
	"github.com/gpgtrust/trustdb/store"
)

// InsertTrustRecord creates the directory record for a key that is not yet
// in the trust database. When a shadow dir exists for the key - it has
// already signed other keys - the shadow's record number is reused so that
// every signature slot pointing at it keeps pointing at the right key, and
// the shadow's hint list is drained by re-verifying the deferred
// signatures.
func (db *DB) InsertTrustRecord(pk *PublicKey) error {
	if pk.LocalID != 0 {
		log.Crit("InsertTrustRecord called with a LID already assigned", "lid", pk.LocalID)
	}

	kb, err := db.ring.KeyblockByFingerprint(pk.Fingerprint)
	if err != nil {
		log.Error("Keyblock not found on insert", "err", err)
		return ErrGeneral
	}
	primary := kb.PrimaryKey()
	if primary == nil || primary.KeyID != pk.KeyID {
		log.Error("Insert not called with the primary key", "keyid", keyidString(pk.KeyID))
		return ErrGeneral
	}

	var hintlist uint64
	dirrec := &store.Dir{}
	sdir, err := db.store.SearchSdir(pk.KeyID, pk.PubkeyAlgo)
	switch {
	case err == nil:
		// the key has already signed other keys: promote the shadow dir,
		// keeping its record number
		hintlist = sdir.HintList
		dirrec.Recnum = sdir.Recnum
	case errors.Is(err, store.ErrNotFound):
		dirrec.Recnum = db.store.NewRecnum()
	default:
		log.Crit("Shadow dir search failed", "err", err,
			"hint", `the trust database is corrupted and must be repaired`)
	}
	dirrec.LID = dirrec.Recnum
	db.store.Write(dirrec)

	// propagate the LID into the in-memory keyblock
	pk.LocalID = dirrec.LID
	for _, node := range kb.Nodes {
		if node.Pubkey != nil {
			node.Pubkey.LocalID = dirrec.LID
		} else if node.Sig != nil {
			node.Sig.LocalID = dirrec.LID
		}
	}

	if err := db.UpdateTrustRecord(kb, nil); err != nil {
		// the promotion happened outside the reconciliation transaction;
		// undo it so the shadow dir and its hint list are not lost
		if sdir != nil {
			db.store.Write(sdir)
		} else {
			db.store.Delete(dirrec.Recnum)
		}
		pk.LocalID = 0
		db.store.Sync()
		return err
	}
	db.processHintlist(hintlist, dirrec.LID)
	db.invalidate()
	db.store.Sync()
	return nil
}
