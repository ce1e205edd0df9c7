package trustgraph

import (
	"errors"

	"github.com/gpgtrust/trustdb/log"
	"github.com/gpgtrust/trustdb/store"
)

type memoKey struct {
	lid       uint64
	remaining int
}

// verifyKey walks the certification graph from a subject key toward the
// ultimately trusted set and returns the subject's trust level. The walk is
// bounded by maxDepth; verdicts are memoized per (lid, remaining depth)
// until the next graph mutation.
func (db *DB) verifyKey(depth, maxDepth int, drec *store.Dir) int {
	if depth >= maxDepth {
		return TrustUndefined
	}
	if _, ok := db.ultikeys.lookup(drec.LID); ok {
		return TrustUltimate
	}
	key := memoKey{lid: drec.LID, remaining: maxDepth - depth}
	if v, ok := db.memo.Get(key); ok {
		return v.(int)
	}

	marginal, fully := 0, 0
	level := -1
	for rn := drec.UIDList; rn != 0 && level < 0; {
		urec := db.store.ReadUID(rn)
		rn = urec.Next
		for sn := urec.SigList; sn != 0 && level < 0; {
			srec := db.store.ReadSig(sn)
			sn = srec.Next
			for i := range srec.Sigs {
				slot := srec.Sigs[i]
				if slot.LID == 0 {
					continue
				}
				const usable = store.SigfChecked | store.SigfValid
				if slot.Flag&usable != usable {
					continue
				}
				if slot.Flag&(store.SigfExpired|store.SigfRevoked) != 0 {
					continue
				}
				signer := db.store.ReadDir(slot.LID)
				ot := int(signer.Ownertrust) & TrustMask
				if ot >= TrustFully {
					ot = TrustFully
				}
				nt := db.verifyKey(depth+1, maxDepth, signer) & TrustMask
				if nt < TrustMarginal {
					continue
				}
				if nt == TrustUltimate {
					// the user signed this key personally: the quorum
					// collapses to one and the assigned ownertrust is the
					// verdict
					level = ot
					break
				}
				if nt >= TrustFully {
					fully++
				}
				marginal++
				if fully >= db.completesNeeded || marginal >= db.marginalsNeeded {
					level = TrustFully
					break
				}
			}
		}
	}
	if level < 0 {
		if marginal > 0 {
			level = TrustMarginal
		} else {
			level = TrustUndefined
		}
	}
	db.memo.Add(key, level)
	return level
}

// doCheck evaluates a directory record, folding the revocation flag into
// the result.
func (db *DB) doCheck(drec *store.Dir) (int, error) {
	if drec.Keylist == 0 {
		log.Error("Dir record without keys", "lid", drec.LID)
		return 0, ErrGeneral
	}
	if drec.UIDList == 0 {
		log.Error("Dir record without user ids", "lid", drec.LID)
		return 0, ErrGeneral
	}
	level := db.verifyKey(1, db.maxCertDepth, drec)
	if drec.Flags&store.DirfRevoked != 0 {
		level |= TrustFlagRevoked
	}
	return level, nil
}

// CheckTrust computes the trust level of a public key, inserting it into
// the trust database first when necessary. The returned level carries
// TrustFlagRevoked when the key has been revoked by its owner.
func (db *DB) CheckTrust(pk *PublicKey) (int, error) {
	drec, err := db.getDirRecord(pk)
	if errors.Is(err, ErrNotFound) {
		if err := db.InsertTrustRecord(pk); err != nil {
			log.Error("Insert trust record failed", "keyid", keyidString(pk.KeyID), "err", err)
			return 0, err
		}
		log.Info("Key inserted into trust database", "keyid", keyidString(pk.KeyID), "lid", pk.LocalID)
		drec = db.store.ReadDir(pk.LocalID)
	} else if err != nil {
		log.Error("Dir record lookup failed", "err", err)
		return 0, err
	}

	now := db.now().Unix()
	if pk.Timestamp > now {
		log.Info("Key created in future (time warp or clock problem)", "keyid", keyidString(pk.KeyID), "lid", pk.LocalID)
		return 0, ErrTimeConflict
	}
	if pk.ExpireDate != 0 && pk.ExpireDate <= now {
		log.Info("Key expired", "keyid", keyidString(pk.KeyID), "lid", pk.LocalID)
		level := TrustExpired
		if drec.Flags&store.DirfRevoked != 0 {
			level |= TrustFlagRevoked
		}
		return level, nil
	}
	return db.doCheck(drec)
}

// QueryTrustInfo returns the single character rendering of a key's trust
// level, 'r' when revoked and '?' on error.
func (db *DB) QueryTrustInfo(pk *PublicKey) byte {
	level, err := db.CheckTrust(pk)
	if err != nil {
		return '?'
	}
	if level&TrustFlagRevoked != 0 {
		return 'r'
	}
	return FormatTrustCode(level)
}
