package trustgraph

import (
	"errors"
	"time"

	"github.com/gpgtrust/trustdb/log"
	"github.com/gpgtrust/trustdb/store"
	lru "github.com/hashicorp/golang-lru"
)

const (
	// DefaultMaxCertDepth bounds the certification graph walk.
	DefaultMaxCertDepth = 5

	memoCacheSize = 4096
)

// Config carries the tunables and collaborators of a trust database.
type Config struct {
	Ring     KeyRing
	Verifier SignatureVerifier

	// Quorum parameters: how many fully or marginally valid introducer
	// paths make a key fully valid.
	CompletesNeeded int
	MarginalsNeeded int
	MaxCertDepth    int

	// Now is the clock used for expiry and timestamp checks and for the
	// ownertrust export header. Defaults to time.Now.
	Now func() time.Time

	Verbose bool
}

// DB is a trust database: the record store plus the process-wide set of
// ultimately trusted keys and the graph maintenance and evaluation logic.
type DB struct {
	store    *store.Store
	ring     KeyRing
	verifier SignatureVerifier

	ultikeys *lidSet
	memo     *lru.ARCCache // (lid, remaining depth) -> trust level

	completesNeeded int
	marginalsNeeded int
	maxCertDepth    int
	now             func() time.Time
	verbose         bool
}

// New wraps an opened record store. Call Init to seed the ultimately
// trusted key set before evaluating trust.
func New(st *store.Store, cfg Config) *DB {
	if cfg.CompletesNeeded < 1 {
		cfg.CompletesNeeded = 1
	}
	if cfg.MarginalsNeeded < 1 {
		cfg.MarginalsNeeded = 3
	}
	if cfg.MaxCertDepth < 1 {
		cfg.MaxCertDepth = DefaultMaxCertDepth
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	memo, err := lru.NewARC(memoCacheSize)
	if err != nil {
		log.Crit("Failed to allocate trust memo cache", "err", err)
	}
	return &DB{
		store:           st,
		ring:            cfg.Ring,
		verifier:        cfg.Verifier,
		ultikeys:        newLIDSet(),
		memo:            memo,
		completesNeeded: cfg.CompletesNeeded,
		marginalsNeeded: cfg.MarginalsNeeded,
		maxCertDepth:    cfg.MaxCertDepth,
		now:             cfg.Now,
		verbose:         cfg.Verbose,
	}
}

// Open opens (or with create, creates) the trust database file at dbname
// and wraps it.
func Open(dbname string, create bool, cfg Config) (*DB, error) {
	st, err := store.Open(dbname, create)
	if err != nil {
		return nil, err
	}
	return New(st, cfg), nil
}

// Store exposes the underlying record store.
func (db *DB) Store() *store.Store { return db.store }

// Close releases the record store.
func (db *DB) Close() error { return db.store.Close() }

// Init performs the startup checks. Level 0 does nothing beyond what Open
// already did; level 1 additionally verifies that the local user's own keys
// are present in the trust database and seeds the ultimately trusted set
// from them.
func (db *DB) Init(level int) error {
	switch level {
	case 0:
		return nil
	case 1:
		return db.verifyOwnKeys()
	}
	log.Crit("Invalid trust database init level", "level", level)
	return nil
}

// verifyOwnKeys walks the local secret keys and makes sure each has a
// directory record and a slot in the ultimately trusted set.
func (db *DB) verifyOwnKeys() error {
	return db.ring.ForEachSecretKey(func(sk *SecretKey) error {
		if !sk.Protected {
			log.Info("Secret key is not protected", "keyid", keyidString(sk.KeyID))
		}
		pk, err := db.ring.PubkeyByKeyID(sk.KeyID)
		if err != nil {
			log.Info("Secret key without public key - skipped", "keyid", keyidString(sk.KeyID))
			return nil
		}
		if !fingerprintEqual(pk.Fingerprint, sk.Fingerprint) {
			log.Info("Secret and public key don't match", "keyid", keyidString(sk.KeyID))
			return nil
		}
		switch err := db.QueryTrustRecord(pk); {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			if err := db.InsertTrustRecord(pk); err != nil {
				log.Error("Can't put key into the trust database", "keyid", keyidString(sk.KeyID), "err", err)
				return nil
			}
		default:
			log.Error("Query of own key failed", "keyid", keyidString(sk.KeyID), "err", err)
			return nil
		}
		if db.ultikeys.insert(pk.LocalID, 0) {
			log.Error("Key already in secret key table", "keyid", keyidString(sk.KeyID))
		} else if db.verbose {
			log.Info("Key accepted as ultimately trusted", "keyid", keyidString(sk.KeyID), "lid", pk.LocalID)
		}
		return nil
	})
}

// invalidate drops all cached trust verdicts. Called after every mutation
// of the certification graph.
func (db *DB) invalidate() {
	db.memo.Purge()
}

// getDirRecord loads the directory record for a public key, filling in
// pk.LocalID on success. Returns ErrNotFound when the key has no record.
func (db *DB) getDirRecord(pk *PublicKey) (*store.Dir, error) {
	if pk.LocalID != 0 {
		return db.store.ReadDir(pk.LocalID), nil
	}
	dir, err := db.store.SearchDirByFingerprint(pk.Fingerprint, 0)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	pk.LocalID = dir.LID
	return dir, nil
}

// QueryTrustRecord looks the key up in the trust database and sets
// pk.LocalID. Returns ErrNotFound when the key has no directory record.
func (db *DB) QueryTrustRecord(pk *PublicKey) error {
	_, err := db.getDirRecord(pk)
	return err
}

// KeyidFromLID returns the key id of the primary key stored under a LID. A
// shadow directory yields a zero key id without error.
func (db *DB) KeyidFromLID(lid uint64) (uint64, error) {
	rec, err := db.store.TryRead(lid, store.TypeAny)
	if err != nil {
		log.Error("Error reading dir record", "lid", lid, "err", err)
		return 0, ErrGeneral
	}
	switch r := rec.(type) {
	case *store.Sdir:
		return 0, nil
	case *store.Dir:
		if r.Keylist == 0 {
			log.Error("No primary key for LID", "lid", lid)
			return 0, ErrGeneral
		}
		krec, err := db.store.TryRead(r.Keylist, store.TypeKey)
		if err != nil {
			log.Error("Error reading primary key record", "lid", lid, "err", err)
			return 0, ErrGeneral
		}
		return db.ring.KeyIDFromFingerprint(krec.(*store.Key).Fingerprint), nil
	}
	log.Error("Expected dir record", "lid", lid, "type", rec.Kind())
	return 0, ErrGeneral
}

// LIDFromKeyblock returns the LID of the keyblock's primary key, looking it
// up in the trust database if the in-memory record does not carry it yet.
func (db *DB) LIDFromKeyblock(kb *Keyblock) uint64 {
	pk := kb.PrimaryKey()
	if pk == nil {
		log.Crit("Keyblock without primary key")
	}
	if pk.LocalID == 0 {
		if _, err := db.getDirRecord(pk); err != nil && !errors.Is(err, ErrNotFound) {
			log.Error("Dir record lookup failed", "err", err)
		}
	}
	return pk.LocalID
}

// GetOwnertrust returns the raw assigned ownertrust value for a LID.
func (db *DB) GetOwnertrust(lid uint64) byte {
	return db.store.ReadDir(lid).Ownertrust
}

// GetOwnertrustInfo returns the single character rendering of the assigned
// ownertrust, '-' when none is assigned.
func (db *DB) GetOwnertrustInfo(lid uint64) byte {
	switch db.GetOwnertrust(lid) & TrustMask {
	case TrustNever:
		return 'n'
	case TrustMarginal:
		return 'm'
	case TrustFully:
		return 'f'
	case TrustUltimate:
		return 'u'
	}
	return '-'
}

// UpdateOwnertrust assigns a new ownertrust value to a LID.
func (db *DB) UpdateOwnertrust(lid uint64, trust byte) error {
	dir := db.store.ReadDir(lid)
	dir.Ownertrust = trust
	db.store.Write(dir)
	db.invalidate()
	db.store.Sync()
	return nil
}

// ClearTrustCheckedFlag drops the cached trust verdict of a key without
// touching its children, forcing the next evaluation to recompute it.
func (db *DB) ClearTrustCheckedFlag(pk *PublicKey) error {
	dir, err := db.getDirRecord(pk)
	if err != nil {
		return err
	}
	if dir.Flags&store.DirfChecked == 0 {
		return nil
	}
	dir.Flags &^= store.DirfChecked
	db.store.Write(dir)
	db.invalidate()
	db.store.Sync()
	return nil
}

// GetPrefData returns the preference items of the uid matching namehash, or
// of the first uid carrying preferences when namehash is nil.
func (db *DB) GetPrefData(lid uint64, namehash []byte) []byte {
	dir := db.store.ReadDir(lid)
	for recno := dir.UIDList; recno != 0; {
		urec := db.store.ReadUID(recno)
		recno = urec.Next
		if urec.PrefRec == 0 {
			continue
		}
		if namehash != nil && !fingerprintEqual(namehash, urec.NameHash[:]) {
			continue
		}
		var data []byte
		for prefno := urec.PrefRec; prefno != 0; {
			prec := db.store.ReadPref(prefno)
			data = append(data, prec.Data...)
			prefno = prec.Next
		}
		return data
	}
	return nil
}

// IsAlgoInPrefs reports whether (preftype, algo) appears in any preference
// record of the key.
func (db *DB) IsAlgoInPrefs(lid uint64, preftype, algo byte) bool {
	dir := db.store.ReadDir(lid)
	for recno := dir.UIDList; recno != 0; {
		urec := db.store.ReadUID(recno)
		recno = urec.Next
		for prefno := urec.PrefRec; prefno != 0; {
			prec := db.store.ReadPref(prefno)
			prefno = prec.Next
			for i := 0; i+1 < len(prec.Data); i += 2 {
				if prec.Data[i] == preftype && prec.Data[i+1] == algo {
					return true
				}
			}
		}
	}
	return false
}
