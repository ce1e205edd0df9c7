package trustgraph

import (
	"errors"

	mapset "github.com/deckarep/golang-set"
	"github.com/gpgtrust/trustdb/log"
	"github.com/gpgtrust/trustdb/store"
)

// reconcileState carries the cursor of one keyblock walk: the directory
// record under update, the set of retained child records and the current
// user id.
type reconcileState struct {
	drec      *store.Dir
	drecDirty bool
	retained  recnoList
	keyid     uint64 // primary key id of the subject
	uidRecno  uint64
	uidHash   [20]byte
}

// UpdateTrustRecord reconciles the records of an already inserted key with
// the contents of its parsed keyblock: keys, user ids, preferences and
// signatures are upserted, orphans deleted, and the cached trust verdict
// invalidated. The whole pass runs inside one store transaction. Returns
// ErrNotFound when the primary key has no directory record yet, in which
// case the caller should insert it instead.
func (db *DB) UpdateTrustRecord(kb *Keyblock, modified *bool) error {
	if modified != nil {
		*modified = false
	}
	primary := kb.PrimaryKey()
	if primary == nil {
		return ErrGeneral
	}
	drec, err := db.getDirRecord(primary)
	if err != nil {
		return err
	}
	if primary.LocalID == 0 {
		primary.LocalID = drec.Recnum
	}

	if err := db.store.BeginTransaction(); err != nil {
		return err
	}
	before := db.store.Mutations()

	st := &reconcileState{drec: drec, keyid: primary.KeyID}
	for i, node := range kb.Nodes {
		switch {
		case node.Pubkey != nil:
			st.uidRecno = 0
			db.updKeyRecord(node.Pubkey, st)
		case node.UserID != nil:
			// write back pending dir changes before the uid's records
			db.flushDir(st)
			db.updUIDRecord(node.UserID, st)
		case node.Sig != nil:
			db.flushDir(st)
			db.updSigRecord(node.Sig, st, kb, i)
		}
	}

	db.sweepKeyChain(st)
	db.sweepUIDChain(st)

	if st.drecDirty || st.drec.Flags&store.DirfChecked != 0 {
		// any reconciliation drops the dir's cached verdict
		st.drec.Flags &^= store.DirfChecked
		db.store.Write(st.drec)
	}
	if modified != nil && db.store.Mutations() != before {
		*modified = true
	}
	if err := db.store.EndTransaction(); err != nil {
		return err
	}
	db.invalidate()
	return nil
}

func (db *DB) flushDir(st *reconcileState) {
	if st.drecDirty {
		db.store.Write(st.drec)
		st.drecDirty = false
	}
}

// updKeyRecord upserts the Key record for one (sub)key, matching by
// fingerprint.
func (db *DB) updKeyRecord(pk *PublicKey, st *reconcileState) {
	var krec *store.Key
	for recno := st.drec.Keylist; recno != 0; {
		krec = db.store.ReadKey(recno)
		if fingerprintEqual(krec.Fingerprint, pk.Fingerprint) {
			st.retained.insert(recno, store.TypeKey)
			return
		}
		recno = krec.Next
	}
	newrec := &store.Key{
		Recnum:      db.store.NewRecnum(),
		LID:         st.drec.Recnum,
		PubkeyAlgo:  pk.PubkeyAlgo,
		Fingerprint: append([]byte(nil), pk.Fingerprint...),
	}
	db.store.Write(newrec)
	st.retained.insert(newrec.Recnum, store.TypeKey)
	if st.drec.Keylist == 0 {
		st.drec.Keylist = newrec.Recnum
		st.drecDirty = true
	} else {
		// krec still holds the tail of the chain
		krec.Next = newrec.Recnum
		db.store.Write(krec)
	}
}

// updUIDRecord upserts the UID record for one user id, matching by
// namehash, and makes it the current uid for the signatures that follow.
func (db *DB) updUIDRecord(uid *UserID, st *reconcileState) {
	st.uidHash = NameHash(uid.Name)
	var urec *store.UID
	for recno := st.drec.UIDList; recno != 0; {
		urec = db.store.ReadUID(recno)
		if urec.NameHash == st.uidHash {
			st.retained.insert(recno, store.TypeUID)
			st.uidRecno = recno
			return
		}
		recno = urec.Next
	}
	newrec := &store.UID{
		Recnum:   db.store.NewRecnum(),
		LID:      st.drec.Recnum,
		NameHash: st.uidHash,
	}
	db.store.Write(newrec)
	st.retained.insert(newrec.Recnum, store.TypeUID)
	if st.drec.UIDList == 0 {
		st.drec.UIDList = newrec.Recnum
		st.drecDirty = true
	} else {
		urec.Next = newrec.Recnum
		db.store.Write(urec)
	}
	st.uidRecno = newrec.Recnum
}

// updSigRecord routes one signature packet. Certifications split into the
// self-signature and foreign-signature paths; bindings and revocations are
// recognized, but only a revocation of the subject by itself changes any
// state.
func (db *DB) updSigRecord(sig *Signature, st *reconcileState, kb *Keyblock, sigIndex int) {
	var urec *store.UID
	if st.uidRecno == 0 {
		switch sig.Class {
		case sigClassKeyBinding, sigClassKeyRevoke, sigClassSubkeyRevoke:
			// these classes do not hang off a user id
		default:
			log.Error("Signature without user id", "keyid", keyidString(st.keyid), "class", sig.Class)
			return
		}
	} else {
		urec = db.store.ReadUID(st.uidRecno)
	}

	dirty := false
	if sig.KeyID == st.keyid {
		switch {
		case sig.Class&^3 == sigClassCertMask:
			dirty = db.updSelfSig(sig, urec, st, kb, sigIndex)
		case sig.Class == sigClassKeyRevoke:
			if st.drec.Flags&store.DirfRevoked == 0 {
				st.drec.Flags |= store.DirfRevoked
				st.drecDirty = true
			}
		case sig.Class == sigClassKeyBinding, sig.Class == sigClassSubkeyRevoke, sig.Class == sigClassCertRevoke:
			// recognized, nothing recorded yet
		}
	} else {
		switch {
		case sig.Class&^3 == sigClassCertMask:
			dirty = db.updNonselfSigs(sig, urec, st, kb, sigIndex)
		case sig.Class == sigClassKeyBinding:
			log.Info("Bogus key binding", "keyid", keyidString(st.keyid), "signer", keyidString(sig.KeyID))
		case sig.Class == sigClassKeyRevoke:
			log.Info("Bogus key revocation", "keyid", keyidString(st.keyid), "signer", keyidString(sig.KeyID))
		case sig.Class == sigClassSubkeyRevoke:
			log.Info("Bogus subkey revocation", "keyid", keyidString(st.keyid), "signer", keyidString(sig.KeyID))
		case sig.Class == sigClassCertRevoke:
			log.Info("Certificate revocation by third party ignored", "keyid", keyidString(st.keyid), "signer", keyidString(sig.KeyID))
		}
	}
	if dirty {
		db.store.Write(urec)
	}
}

// updSelfSig verifies a self-signature once per uid and, when good,
// rebuilds the uid's preference chain from the signature subpackets.
// Reports whether urec needs a write back.
func (db *DB) updSelfSig(sig *Signature, urec *store.UID, st *reconcileState, kb *Keyblock, sigIndex int) bool {
	if urec == nil || urec.Flags&store.UIDFChecked != 0 {
		return false
	}
	if err := db.verifier.CheckKeySignature(kb, sigIndex); err == nil {
		if db.verbose {
			log.Info("Good self-signature", "keyid", keyidString(st.keyid), "lid", st.drec.Recnum, "uid", uidHashTag(st.uidHash))
		}
		db.updPrefRecord(sig, st.drec.Recnum, urec)
		urec.Flags = store.UIDFChecked | store.UIDFValid
	} else {
		log.Info("Invalid self-signature", "keyid", keyidString(st.keyid), "uid", uidHashTag(st.uidHash), "err", err)
		urec.Flags = store.UIDFChecked
	}
	return true
}

// maximum number of Pref records per uid; anything beyond is dropped
const maxPrefRecords = 10

// updPrefRecord replaces the uid's preference chain with the preference
// subpackets of its (verified) self-signature. The old chain is always
// deleted first; checking whether an update is needed would cost about as
// much as rewriting it.
func (db *DB) updPrefRecord(sig *Signature, lid uint64, urec *store.UID) {
	for recno := urec.PrefRec; recno != 0; {
		prec := db.store.ReadPref(recno)
		db.store.Delete(recno)
		recno = prec.Next
	}

	pairs := make([]byte, 0, 2*store.ItemsPerPrefRecord)
	for _, p := range []struct {
		subpkt   SubpacketType
		preftype byte
	}{
		{SubpktPrefSym, PrefSym},
		{SubpktPrefHash, PrefHash},
		{SubpktPrefCompr, PrefCompr},
	} {
		for _, algo := range sig.Subpacket(p.subpkt) {
			pairs = append(pairs, p.preftype, algo)
		}
	}

	var recnos []uint64
	for len(pairs) > 0 {
		if len(recnos) >= maxPrefRecords {
			log.Info("Too many preferences", "lid", lid)
			break
		}
		n := len(pairs)
		if n > store.ItemsPerPrefRecord {
			n = store.ItemsPerPrefRecord
		}
		prec := &store.Pref{
			Recnum: db.store.NewRecnum(),
			LID:    lid,
			Data:   append([]byte(nil), pairs[:n]...),
		}
		recnos = append(recnos, prec.Recnum)
		db.store.Write(prec)
		pairs = pairs[n:]
	}
	// link the chain back to front
	for i := len(recnos) - 2; i >= 0; i-- {
		prec := db.store.ReadPref(recnos[i])
		prec.Next = recnos[i+1]
		db.store.Write(prec)
	}
	if len(recnos) > 0 {
		urec.PrefRec = recnos[0]
	} else {
		urec.PrefRec = 0
	}
}

// updNonselfSigs records a certification by another key. The signature is
// verified when the signer's public key is available; otherwise the slot is
// parked on a shadow dir and flagged for deferred verification. Reports
// whether urec needs a write back.
func (db *DB) updNonselfSigs(sig *Signature, urec *store.UID, st *reconcileState, kb *Keyblock, sigIndex int) bool {
	if urec == nil {
		return false
	}
	lid := st.drec.Recnum

	// resolve the signer's LID, accepting a shadow dir stand-in so that a
	// re-reconciliation finds the deferred slot instead of adding another
	var pkLID uint64
	if pk, err := db.ring.PubkeyByKeyID(sig.KeyID); err == nil {
		if pk.LocalID != 0 {
			pkLID = pk.LocalID
		} else if dir, err := db.store.SearchDirByFingerprint(pk.Fingerprint, 0); err == nil {
			pkLID = dir.Recnum
		} else if sdir, err := db.store.SearchSdir(pk.KeyID, pk.PubkeyAlgo); err == nil {
			pkLID = sdir.Recnum
		}
	} else if sdir, err := db.store.SearchSdir(sig.KeyID, sig.PubkeyAlgo); err == nil {
		pkLID = sdir.Recnum
	}

	// sweep the existing slots: drop duplicates, check what is still
	// pending, and remember the first free slot for reuse
	var (
		free     *store.Sig
		freeIdx  int
		seen     = mapset.NewThreadUnsafeSet()
		foundSig = false
	)
	for recno := urec.SigList; recno != 0; {
		rec := db.store.ReadSig(recno)
		recno = rec.Next
		dirty := false
		for i := range rec.Sigs {
			slot := &rec.Sigs[i]
			if slot.LID == 0 {
				if free == nil {
					free = rec
					freeIdx = i
				}
				continue
			}
			if pkLID != 0 && slot.LID == pkLID {
				if seen.Contains(slot.LID) {
					log.Info("Duplicated signature - deleted", "keyid", keyidString(st.keyid), "lid", lid, "signer", keyidString(sig.KeyID))
					slot.LID = 0
					dirty = true
					continue
				}
				seen.Add(slot.LID)
				foundSig = true
			}
			if slot.Flag&store.SigfChecked != 0 || slot.Flag&store.SigfNoPubkey != 0 {
				continue
			}
			if db.recheckSlot(slot, sig, st, kb, sigIndex, rec.Recnum, i) {
				dirty = true
			}
		}
		if dirty {
			db.store.Write(rec)
		}
	}
	if foundSig {
		return false
	}

	// the signature is new: verify it now or park it on a shadow dir
	var (
		newLID  uint64
		newFlag byte
	)
	var err error
	if pkLID == 0 {
		err = ErrNoPubkey
	} else {
		err = db.verifier.CheckKeySignature(kb, sigIndex)
	}
	switch {
	case err == nil:
		if db.verbose {
			log.Info("Good signature", "keyid", keyidString(st.keyid), "lid", lid, "uid", uidHashTag(st.uidHash), "signer", keyidString(sig.KeyID))
		}
		newLID = pkLID
		newFlag = store.SigfChecked | store.SigfValid
	case errors.Is(err, ErrNoPubkey):
		newLID = db.createShadowDir(sig, lid)
		newFlag = store.SigfNoPubkey
	default:
		log.Info("Invalid signature", "keyid", keyidString(st.keyid), "lid", lid, "uid", uidHashTag(st.uidHash), "signer", keyidString(sig.KeyID), "err", err)
		newLID = pkLID
		newFlag = store.SigfChecked
	}

	if free != nil {
		free.Sigs[freeIdx] = store.SigItem{LID: newLID, Flag: newFlag}
		db.store.Write(free)
		return false
	}
	rec := &store.Sig{
		Recnum: db.store.NewRecnum(),
		LID:    lid,
		Next:   urec.SigList,
	}
	rec.Sigs[0] = store.SigItem{LID: newLID, Flag: newFlag}
	db.store.Write(rec)
	urec.SigList = rec.Recnum
	return true
}

// recheckSlot attempts to settle an unchecked slot now that its signer may
// have become resolvable. Reports whether the slot changed.
func (db *DB) recheckSlot(slot *store.SigItem, sig *Signature, st *reconcileState, kb *Keyblock, sigIndex int, recnum uint64, idx int) bool {
	rec, err := db.store.TryRead(slot.LID, store.TypeAny)
	if err != nil {
		log.Crit("Sig slot points to unreadable record", "recnum", recnum, "idx", idx, "target", slot.LID, "err", err,
			"hint", `the trust database is corrupted and must be repaired`)
	}
	switch target := rec.(type) {
	case *store.Dir:
		switch err := db.verifier.CheckKeySignature(kb, sigIndex); {
		case err == nil:
			if db.verbose {
				log.Info("Good signature", "keyid", keyidString(st.keyid), "lid", st.drec.Recnum, "signer", keyidString(sig.KeyID))
			}
			slot.Flag = store.SigfChecked | store.SigfValid
		case errors.Is(err, ErrNoPubkey):
			log.Info("Signer dir exists but public key is missing", "keyid", keyidString(st.keyid), "signer", keyidString(sig.KeyID))
			slot.Flag = store.SigfNoPubkey
		default:
			log.Info("Invalid signature", "keyid", keyidString(st.keyid), "signer", keyidString(sig.KeyID), "err", err)
			slot.Flag = store.SigfChecked
		}
		return true
	case *store.Sdir:
		if target.KeyID == sig.KeyID && (target.PubkeyAlgo == 0 || target.PubkeyAlgo == sig.PubkeyAlgo) {
			log.Info("Signature has shadow dir but is not marked", "keyid", keyidString(st.keyid), "sdir", target.Recnum)
			slot.Flag = store.SigfNoPubkey
			return true
		}
		return false
	}
	log.Crit("Sig slot points to wrong record type", "recnum", recnum, "idx", idx, "target", slot.LID, "type", rec.Kind(),
		"hint", `the trust database is corrupted and must be repaired`)
	return false
}

// sweepKeyChain deletes key records the pass did not retain.
func (db *DB) sweepKeyChain(st *reconcileState) {
	var lastRecno uint64
	for recno := st.drec.Keylist; recno != 0; {
		krec := db.store.ReadKey(recno)
		next := krec.Next
		if !st.retained.contains(recno, store.TypeKey) {
			if lastRecno == 0 {
				st.drec.Keylist = next
				st.drecDirty = true
			} else {
				prev := db.store.ReadKey(lastRecno)
				prev.Next = next
				db.store.Write(prev)
			}
			db.store.Delete(recno)
		} else {
			lastRecno = recno
		}
		recno = next
	}
}

// sweepUIDChain deletes uid records the pass did not retain, cascading into
// their preference and signature chains.
func (db *DB) sweepUIDChain(st *reconcileState) {
	var lastRecno uint64
	for recno := st.drec.UIDList; recno != 0; {
		urec := db.store.ReadUID(recno)
		next := urec.Next
		if !st.retained.contains(recno, store.TypeUID) {
			if lastRecno == 0 {
				st.drec.UIDList = next
				st.drecDirty = true
			} else {
				prev := db.store.ReadUID(lastRecno)
				prev.Next = next
				db.store.Write(prev)
			}
			for r2 := urec.PrefRec; r2 != 0; {
				prec := db.store.ReadPref(r2)
				db.store.Delete(r2)
				r2 = prec.Next
			}
			for r2 := urec.SigList; r2 != 0; {
				srec := db.store.ReadSig(r2)
				db.store.Delete(r2)
				r2 = srec.Next
			}
			db.store.Delete(recno)
		} else {
			lastRecno = recno
		}
		recno = next
	}
}
