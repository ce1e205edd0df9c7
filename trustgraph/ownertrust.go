package trustgraph

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gpgtrust/trustdb/log"
	"github.com/gpgtrust/trustdb/store"
)

// ExportOwnertrust writes every assigned ownertrust value as a
// "fingerprint:value:" line, preceded by a timestamped header comment.
func (db *DB) ExportOwnertrust(w io.Writer) error {
	fmt.Fprintf(w, "# List of assigned trustvalues, created %s\n", db.now().UTC().Format("Mon Jan  2 15:04:05 2006"))
	fmt.Fprintf(w, "# (Use \"trustdb import-ownertrust\" to restore them)\n")
	return db.store.ForEach(func(rec store.Record) error {
		dir, ok := rec.(*store.Dir)
		if !ok {
			return nil
		}
		if dir.Ownertrust == 0 {
			return nil
		}
		if dir.Keylist == 0 {
			log.Error("Dir record without primary key", "lid", dir.LID)
			return nil
		}
		krec, err := db.store.TryRead(dir.Keylist, store.TypeKey)
		if err != nil {
			log.Error("Error reading key record", "lid", dir.LID, "err", err)
			return nil
		}
		_, err = fmt.Fprintf(w, "%X:%d:\n", krec.(*store.Key).Fingerprint, dir.Ownertrust)
		return err
	})
}

// ImportOwnertrust restores assigned ownertrust values from a previous
// export. Keys not yet in the trust database are looked up in the keyring
// and inserted. "-" reads standard input.
func (db *DB) ImportOwnertrust(fname string) error {
	var r io.Reader
	if fname == "" || fname == "-" {
		r = os.Stdin
		fname = "[stdin]"
	} else {
		f, err := os.Open(fname)
		if err != nil {
			log.Error("Can't open ownertrust file", "file", fname, "err", err)
			return ErrGeneral
		}
		defer f.Close()
		r = f
	}
	err := db.importOwnertrust(r, fname)
	db.invalidate()
	db.store.Sync()
	return err
}

func (db *DB) importOwnertrust(r io.Reader, fname string) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fpr, otrust, ok := parseOwnertrustLine(line)
		if !ok {
			log.Error("Invalid ownertrust line", "file", fname)
			continue
		}
		if otrust == 0 {
			// nothing assigned, nothing to update or insert
			continue
		}
		db.applyOwnertrust(fpr, otrust, fname)
	}
	if err := sc.Err(); err != nil {
		log.Error("Read error", "file", fname, "err", err)
		return ErrGeneral
	}
	return nil
}

// parseOwnertrustLine splits a "fpr_hex:value:" line. The fingerprint must
// be 32 or 40 hex digits.
func parseOwnertrustLine(line string) ([]byte, byte, bool) {
	i := strings.IndexByte(line, ':')
	if i != 32 && i != 40 {
		return nil, 0, false
	}
	fpr, err := hex.DecodeString(line[:i])
	if err != nil {
		return nil, 0, false
	}
	rest := line[i+1:]
	j := strings.IndexByte(rest, ':')
	if j < 1 {
		return nil, 0, false
	}
	v, err := strconv.ParseUint(rest[:j], 10, 8)
	if err != nil {
		return nil, 0, false
	}
	return fpr, byte(v), true
}

func (db *DB) applyOwnertrust(fpr []byte, otrust byte, fname string) {
	for attempt := 0; attempt < 2; attempt++ {
		dir, err := db.store.SearchDirByFingerprint(fpr, 0)
		if err == nil {
			if dir.Ownertrust != 0 {
				log.Info("Changing trust", "lid", dir.LID, "from", dir.Ownertrust, "to", otrust)
			} else {
				log.Info("Setting trust", "lid", dir.LID, "to", otrust)
			}
			dir.Ownertrust = otrust
			db.store.Write(dir)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("Error finding dir record", "file", fname, "err", err)
			return
		}
		if attempt > 0 {
			log.Error("Key vanished after insert", "file", fname)
			return
		}
		log.Info("Key not in trust database, searching ring", "file", fname)
		pk, err := db.ring.PubkeyByFingerprint(fpr)
		if err != nil {
			log.Info("Key not in ring", "file", fname, "err", err)
			return
		}
		if err := db.QueryTrustRecord(pk); !errors.Is(err, ErrNotFound) {
			log.Error("Key is unexpectedly in trust database", "file", fname)
			return
		}
		if err := db.InsertTrustRecord(pk); err != nil {
			log.Error("Insert trust record failed", "file", fname, "err", err)
			return
		}
	}
}
