package trustgraph

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gpgtrust/trustdb/log"
	"github.com/gpgtrust/trustdb/store"
)

// maxListSigsDepth bounds the signature tree rendering.
const maxListSigsDepth = 20

// ListTrustDB renders trust database records. With an empty username the
// whole database is dumped; "#<lid>" selects a record by LID, anything else
// is resolved through the keyring.
func (db *DB) ListTrustDB(w io.Writer, username string) error {
	if strings.HasPrefix(username, "#") {
		lid, err := strconv.ParseUint(username[1:], 10, 64)
		if err != nil {
			return fmt.Errorf("trustgraph: bad lid %q", username)
		}
		if err := db.listRecords(w, lid); err != nil {
			return err
		}
		return db.listSigs(w, lid)
	}
	if username != "" {
		pk, err := db.ring.PubkeyByName(username)
		if err != nil {
			log.Error("User not found", "user", username, "err", err)
			return ErrNoPubkey
		}
		if err := db.QueryTrustRecord(pk); err != nil {
			log.Error("User not in trust database", "user", username, "err", err)
			return err
		}
		if err := db.listRecords(w, pk.LocalID); err != nil {
			return err
		}
		return db.listSigs(w, pk.LocalID)
	}
	fmt.Fprintf(w, "TrustDB: %s\n", db.store.Name())
	fmt.Fprintln(w, strings.Repeat("-", 9+len(db.store.Name())))
	return db.store.ForEach(func(rec store.Record) error {
		store.DumpRecord(rec, w)
		return nil
	})
}

// listRecords dumps the directory record of a key and every child record
// reachable from it.
func (db *DB) listRecords(w io.Writer, lid uint64) error {
	drec, err := db.store.TryRead(lid, store.TypeDir)
	if err != nil {
		log.Error("Read dir record failed", "lid", lid, "err", err)
		return ErrGeneral
	}
	dir := drec.(*store.Dir)
	store.DumpRecord(dir, w)

	for recno := dir.Keylist; recno != 0; {
		rec, err := db.store.TryRead(recno, store.TypeKey)
		if err != nil {
			log.Error("Read key record failed", "lid", lid, "err", err)
			return ErrGeneral
		}
		store.DumpRecord(rec, w)
		recno = rec.(*store.Key).Next
	}
	for recno := dir.UIDList; recno != 0; {
		rec, err := db.store.TryRead(recno, store.TypeUID)
		if err != nil {
			log.Error("Read uid record failed", "lid", lid, "err", err)
			return ErrGeneral
		}
		urec := rec.(*store.UID)
		store.DumpRecord(urec, w)
		for prefno := urec.PrefRec; prefno != 0; {
			prec, err := db.store.TryRead(prefno, store.TypePref)
			if err != nil {
				log.Error("Read pref record failed", "lid", lid, "err", err)
				return ErrGeneral
			}
			store.DumpRecord(prec, w)
			prefno = prec.(*store.Pref).Next
		}
		for signo := urec.SigList; signo != 0; {
			srec, err := db.store.TryRead(signo, store.TypeSig)
			if err != nil {
				log.Error("Read sig record failed", "lid", lid, "err", err)
				return ErrGeneral
			}
			store.DumpRecord(srec, w)
			signo = srec.(*store.Sig).Next
		}
		recno = urec.Next
	}
	return nil
}

func (db *DB) printKeyid(w io.Writer, lid uint64) {
	keyid, err := db.KeyidFromLID(lid)
	if err != nil || keyid == 0 {
		fmt.Fprintf(w, "????????.%d", lid)
		return
	}
	fmt.Fprintf(w, "%08X.%d", uint32(keyid), lid)
}

// listSigs renders the signature tree of a key: every certification edge,
// recursively, with cycle and revisit handling.
func (db *DB) listSigs(w io.Writer, lid uint64) error {
	keyid, err := db.KeyidFromLID(lid)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Signatures of %08X.%d\n", uint32(keyid), lid)
	fmt.Fprintln(w, "----------------------")
	lids := newLIDSet()
	lineno := uint(1)
	err = db.doListSigs(w, lid, lid, 0, lids, &lineno)
	fmt.Fprintln(w)
	return err
}

// doListSigs prints one level of the signature tree. The lids table
// memoizes at which output line a key was first expanded, so later
// occurrences print a reference instead of recursing again.
func (db *DB) doListSigs(w io.Writer, root, lid uint64, depth int, lids *lidSet, lineno *uint) error {
	it := newSigIter(db.store, lid)
	for {
		sigLID, flag, ok := it.next()
		if !ok {
			return nil
		}
		keyid, err := db.KeyidFromLID(sigLID)
		if err != nil || keyid == 0 {
			fmt.Fprintf(w, "%6d: %*s????????.%d:%s\n", *lineno, depth*4, "", sigLID, FormatSigFlags(flag))
			*lineno++
			continue
		}
		fmt.Fprintf(w, "%6d: %*s%08X.%d:%s ", *lineno, depth*4, "", uint32(keyid), sigLID, FormatSigFlags(flag))
		switch {
		case db.isUltimate(sigLID):
			fmt.Fprintln(w, "[ultimately trusted]")
			*lineno++
		case sigLID == lid:
			fmt.Fprintln(w, "[self-signature]")
			*lineno++
		case sigLID == root:
			fmt.Fprintln(w, "[closed]")
			*lineno++
		case lids.insert(sigLID, *lineno):
			refline, _ := lids.lookup(sigLID)
			fmt.Fprintf(w, "[see line %d]\n", refline)
			*lineno++
		case depth+1 >= maxListSigsDepth:
			fmt.Fprintln(w, "[too deeply nested]")
			*lineno++
		default:
			fmt.Fprintln(w)
			*lineno++
			if err := db.doListSigs(w, root, sigLID, depth+1, lids, lineno); err != nil {
				return err
			}
		}
	}
}

func (db *DB) isUltimate(lid uint64) bool {
	_, ok := db.ultikeys.lookup(lid)
	return ok
}

// ListTrustPath resolves a key by name, inserting it into the trust
// database when missing, and renders the certification paths considered by
// the evaluator up to maxDepth. A negative depth is taken by absolute
// value.
func (db *DB) ListTrustPath(w io.Writer, maxDepth int, username string) error {
	if maxDepth < 0 {
		maxDepth = -maxDepth
	}
	if maxDepth < 1 {
		maxDepth = 1
	}
	pk, err := db.ring.PubkeyByName(username)
	if err != nil {
		log.Error("User not found", "user", username, "err", err)
		return ErrNoPubkey
	}
	switch err := db.QueryTrustRecord(pk); {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		log.Info("User not in trust database - inserting", "user", username)
		if err := db.InsertTrustRecord(pk); err != nil {
			log.Error("Failed to put user into trust database", "user", username, "err", err)
			return err
		}
	default:
		return err
	}
	drec := db.store.ReadDir(pk.LocalID)
	level := db.listPaths(w, 1, maxDepth, drec)
	fmt.Fprintf(w, "trust level for %08X.%d: %c\n", uint32(pk.KeyID), pk.LocalID, FormatTrustCode(level))
	return nil
}

// listPaths mirrors the evaluator's walk while rendering each considered
// edge.
func (db *DB) listPaths(w io.Writer, depth, maxDepth int, drec *store.Dir) int {
	indent := strings.Repeat(" ", depth*3)
	fmt.Fprintf(w, "%s", indent)
	db.printKeyid(w, drec.LID)
	fmt.Fprintf(w, " ot=%c -> ", FormatTrustCode(int(drec.Ownertrust)))

	if depth >= maxDepth {
		fmt.Fprintln(w, "undefined (too deep)")
		return TrustUndefined
	}
	if db.isUltimate(drec.LID) {
		fmt.Fprintln(w, "ultimate")
		return TrustUltimate
	}
	fmt.Fprintln(w)

	marginal, fully := 0, 0
	for rn := drec.UIDList; rn != 0; {
		urec := db.store.ReadUID(rn)
		rn = urec.Next
		for sn := urec.SigList; sn != 0; {
			srec := db.store.ReadSig(sn)
			sn = srec.Next
			for i := range srec.Sigs {
				slot := srec.Sigs[i]
				if slot.LID == 0 {
					continue
				}
				const usable = store.SigfChecked | store.SigfValid
				if slot.Flag&usable != usable || slot.Flag&(store.SigfExpired|store.SigfRevoked) != 0 {
					continue
				}
				signer := db.store.ReadDir(slot.LID)
				ot := int(signer.Ownertrust) & TrustMask
				if ot >= TrustFully {
					ot = TrustFully
				}
				nt := db.listPaths(w, depth+1, maxDepth, signer) & TrustMask
				if nt < TrustMarginal {
					continue
				}
				if nt == TrustUltimate {
					fmt.Fprintf(w, "%s%c (1st level)\n", indent, FormatTrustCode(ot))
					return ot
				}
				if nt >= TrustFully {
					fully++
				}
				marginal++
				if fully >= db.completesNeeded || marginal >= db.marginalsNeeded {
					fmt.Fprintf(w, "%sfully\n", indent)
					return TrustFully
				}
			}
		}
	}
	if marginal > 0 {
		fmt.Fprintf(w, "%smarginal\n", indent)
		return TrustMarginal
	}
	fmt.Fprintf(w, "%sundefined\n", indent)
	return TrustUndefined
}
