package trustgraph

import (
	"errors"

	mapset "github.com/deckarep/golang-set"
	"github.com/gpgtrust/trustdb/log"
	"github.com/gpgtrust/trustdb/store"
)

// createShadowDir finds or creates the shadow directory record for the
// signer of sig and makes sure lid (the directory of the key carrying the
// deferred signature) is listed in its hint list. Returns the shadow dir's
// LID.
func (db *DB) createShadowDir(sig *Signature, lid uint64) uint64 {
	sdir, err := db.store.SearchSdir(sig.KeyID, sig.PubkeyAlgo)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		sdir = &store.Sdir{
			Recnum:     db.store.NewRecnum(),
			KeyID:      sig.KeyID,
			PubkeyAlgo: sig.PubkeyAlgo,
		}
		sdir.LID = sdir.Recnum
		db.store.Write(sdir)
	default:
		log.Crit("Shadow dir search failed", "err", err,
			"hint", `the trust database is corrupted and must be repaired`)
	}
	newlid := sdir.Recnum

	// Scan the hint list chain for lid, remembering the first free slot for
	// reuse. The hint list carries the LID rather than the record number of
	// the referring key: a signer usually certifies more than one user id
	// of it.
	var (
		free    *store.Hlst
		freeIdx int
		present = mapset.NewThreadUnsafeSet()
	)
	for recno := sdir.HintList; recno != 0; {
		hlst := db.store.ReadHlst(recno)
		recno = hlst.Next
		for i := range hlst.LIDs {
			if hlst.LIDs[i] == 0 {
				if free == nil {
					free = hlst
					freeIdx = i
				}
				continue
			}
			present.Add(hlst.LIDs[i])
		}
	}
	if present.Contains(lid) {
		return newlid
	}
	if free != nil {
		free.LIDs[freeIdx] = lid
		db.store.Write(free)
		return newlid
	}
	// no free slot anywhere: prepend a fresh hint list record
	hlst := &store.Hlst{Recnum: db.store.NewRecnum(), Next: sdir.HintList}
	hlst.LIDs[0] = lid
	db.store.Write(hlst)
	sdir.HintList = hlst.Recnum
	db.store.Write(sdir)
	return newlid
}

// processHintlist drains the hint list captured from a promoted shadow dir:
// for every listed key it re-verifies the signatures issued by hintOwner
// (the freshly inserted key) and deletes the hint list records.
func (db *DB) processHintlist(hintlist, hintOwner uint64) {
	for recno := hintlist; recno != 0; {
		hlst := db.store.ReadHlst(recno)
		for idx, lid := range hlst.LIDs {
			if lid == 0 {
				continue
			}
			db.checkHintedKey(lid, hintOwner, recno, idx)
		}
		next := hlst.Next
		db.store.Delete(hlst.Recnum)
		recno = next
	}
}

// checkHintedKey re-verifies all signature slots of one hinted key that
// point at hintOwner.
func (db *DB) checkHintedKey(lid, hintOwner uint64, hlstRecno uint64, hlstIdx int) {
	rec, err := db.store.TryRead(lid, store.TypeAny)
	if err != nil {
		log.Error("Hint list entry is unreadable", "hlst", hlstRecno, "idx", hlstIdx, "owner", hintOwner, "err", err)
		return
	}
	dir, ok := rec.(*store.Dir)
	if !ok {
		log.Error("Hint list entry does not point to a dir record", "hlst", hlstRecno, "idx", hlstIdx, "owner", hintOwner)
		return
	}
	if dir.Keylist == 0 {
		log.Error("Hinted key has no primary key", "lid", lid)
		return
	}
	krec := db.store.ReadKey(dir.Keylist)
	kb, err := db.ring.KeyblockByFingerprint(krec.Fingerprint)
	if err != nil {
		log.Error("Can't get keyblock of hinted key", "lid", lid, "err", err)
		return
	}
	keyid := db.ring.KeyIDFromFingerprint(krec.Fingerprint)

	for r1 := dir.UIDList; r1 != 0; {
		urec := db.store.ReadUID(r1)
		r1 = urec.Next
		for r2 := urec.SigList; r2 != 0; {
			sigrec := db.store.ReadSig(r2)
			r2 = sigrec.Next
			dirty := false
			for i := range sigrec.Sigs {
				if sigrec.Sigs[i].LID != hintOwner {
					continue
				}
				if db.checkHintSig(lid, kb, keyid, urec.NameHash, sigrec, i, hintOwner) {
					dirty = true
				}
			}
			if dirty {
				db.store.Write(sigrec)
			}
		}
	}
}

// checkHintSig verifies the one deferred signature a hint pointed at and
// rewrites the slot's flags with the real verification outcome. Reports
// whether the slot changed.
func (db *DB) checkHintSig(lid uint64, kb *Keyblock, keyid uint64, uidHash [20]byte, sigrec *store.Sig, sigidx int, hintOwner uint64) bool {
	slot := &sigrec.Sigs[sigidx]
	if slot.Flag&store.SigfChecked != 0 {
		log.Info("Sig record in hint list already marked as checked", "recnum", sigrec.Recnum, "idx", sigidx, "owner", hintOwner)
	}
	if slot.Flag&store.SigfNoPubkey == 0 {
		log.Info("Sig record in hint list not marked as missing pubkey", "recnum", sigrec.Recnum, "idx", sigidx, "owner", hintOwner)
	}

	ownerRec, err := db.store.TryRead(slot.LID, store.TypeAny)
	if err != nil {
		log.Error("Hinted sig slot is unreadable", "recnum", sigrec.Recnum, "idx", sigidx, "err", err)
		return false
	}
	ownerDir, ok := ownerRec.(*store.Dir)
	if !ok {
		log.Error("Hinted sig slot does not point to a dir record", "recnum", sigrec.Recnum, "idx", sigidx, "owner", hintOwner)
		return false
	}
	if ownerDir.Keylist == 0 {
		log.Error("Signer has no primary key", "lid", ownerDir.LID)
		return false
	}
	okrec := db.store.ReadKey(ownerDir.Keylist)
	sigKeyID := db.ring.KeyIDFromFingerprint(okrec.Fingerprint)

	// locate the matching signature packet: the uid with this namehash
	// followed by a certification by the signer
	sigIndex := -1
	var sigpkt *Signature
	state := 0
	for i, node := range kb.Nodes {
		if node.UserID != nil {
			if state != 0 {
				break
			}
			if NameHash(node.UserID.Name) == uidHash {
				state = 1
			}
		} else if state == 1 && node.Sig != nil {
			if node.Sig.KeyID == sigKeyID && node.Sig.Class&^3 == sigClassCertMask {
				sigIndex = i
				sigpkt = node.Sig
				break
			}
		}
	}
	if state == 0 {
		log.Info("User id not found in keyblock", "lid", lid)
		return false
	}
	if sigIndex < 0 {
		log.Info("User id without matching signature", "lid", lid)
		return false
	}
	if sigpkt.KeyID == keyid {
		log.Error("Self-signature in hint list", "lid", lid)
		return false
	}

	switch err := db.verifier.CheckKeySignature(kb, sigIndex); {
	case err == nil:
		if db.verbose {
			log.Info("Good signature after key insertion", "keyid", keyidString(keyid), "lid", lid, "sig", keyidString(sigpkt.KeyID))
		}
		slot.Flag = store.SigfChecked | store.SigfValid
	case errors.Is(err, ErrNoPubkey):
		log.Info("Hinted signature still has no public key", "keyid", keyidString(keyid), "lid", lid, "sig", keyidString(sigpkt.KeyID))
		slot.Flag = store.SigfNoPubkey
	default:
		log.Info("Hinted signature is invalid", "keyid", keyidString(keyid), "lid", lid, "sig", keyidString(sigpkt.KeyID), "err", err)
		slot.Flag = store.SigfChecked
	}
	return true
}
