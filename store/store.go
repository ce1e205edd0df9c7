package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/gpgtrust/trustdb/log"
	"github.com/gpgtrust/trustdb/metrics"
	"github.com/gpgtrust/trustdb/tosdb"
	"github.com/gpgtrust/trustdb/tosdb/leveldb"
	"github.com/gpgtrust/trustdb/tosdb/memorydb"
)

// ErrNotFound is returned by the Try* accessors and the search helpers when
// no matching record exists.
var ErrNotFound = errors.New("store: record not found")

// ErrInTransaction is returned when a transaction is begun while another one
// is still open. Nested transactions are not supported.
var ErrInTransaction = errors.New("store: transaction already open")

// TypeError reports a record that exists but does not have the requested
// type. During normal operation this is treated as database corruption.
type TypeError struct {
	Recnum uint64
	Want   RecType
	Got    RecType
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("store: record %d has type %s, want %s", e.Recnum, e.Got, e.Want)
}

const cacheBytes = 4 * 1024 * 1024

var (
	// record values live under the 'r' prefix, keyed by big-endian record
	// number; everything else is store metadata.
	recordPrefix  = []byte("r")
	nextRecnumKey = []byte("m:nextRecnum")
)

var (
	readHitCounter  = metrics.NewCounter()
	readMissCounter = metrics.NewCounter()
)

func recordKey(recnum uint64) []byte {
	key := make([]byte, 9)
	key[0] = recordPrefix[0]
	binary.BigEndian.PutUint64(key[1:], recnum)
	return key
}

// Store is the record store façade: typed read/write/delete over numbered
// records with transaction boundaries. All I/O failures and structural type
// mismatches seen through the fatal accessors abort the process, because a
// partial update of the record graph is not safe to continue from.
type Store struct {
	db    tosdb.KeyValueStore
	cache *fastcache.Cache
	name  string

	nextRecnum uint64

	inTx      bool
	txPut     map[uint64][]byte
	txDel     map[uint64]struct{}
	mutations uint64
	dirty     bool
}

// Open opens the trust database at the given path, creating it when create
// is set. Without create, a missing database is an error.
func Open(path string, create bool) (*Store, error) {
	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("store: trust database %q: %w", path, ErrNotFound)
		}
	}
	db, err := leveldb.New(path, 16, 16, false)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	s, err := newStore(db, path)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewMemory returns a store backed by an ephemeral in-memory database. Used
// by tests and by callers that want an isolated scratch trust database.
func NewMemory() *Store {
	s, err := newStore(memorydb.New(), "[memory]")
	if err != nil {
		log.Crit("Failed to initialize in-memory trust database", "err", err)
	}
	return s
}

func newStore(db tosdb.KeyValueStore, name string) (*Store, error) {
	s := &Store{
		db:    db,
		cache: fastcache.New(cacheBytes),
		name:  name,
	}
	data, err := db.Get(nextRecnumKey)
	switch {
	case err == nil && len(data) == 8:
		s.nextRecnum = binary.BigEndian.Uint64(data)
	case err == nil:
		return nil, fmt.Errorf("store: malformed record counter in %q", name)
	default:
		// fresh database: record numbers start at 1, zero is the null
		// record
		s.nextRecnum = 1
	}
	return s, nil
}

// Name returns the path the store was opened at.
func (s *Store) Name() string { return s.name }

// Close releases the backing database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) corrupt(msg string, ctx ...any) {
	ctx = append(ctx, "db", s.name, "hint", `the trust database is corrupted and must be repaired`)
	log.Crit(msg, ctx...)
}

// NewRecnum returns a fresh, never used record number. The counter is
// persisted outside any open transaction so that a rolled back pass can
// never hand out a number twice.
func (s *Store) NewRecnum() uint64 {
	n := s.nextRecnum
	s.nextRecnum++
	if err := s.db.Put(nextRecnumKey, appendUint64(nil, s.nextRecnum)); err != nil {
		s.corrupt("Failed to persist record counter", "err", err)
	}
	return n
}

// TryRead reads a record, returning ErrNotFound when it does not exist and
// a *TypeError when expect is not TypeAny and the stored type differs.
func (s *Store) TryRead(recnum uint64, expect RecType) (Record, error) {
	if recnum == 0 {
		return nil, ErrNotFound
	}
	data, err := s.rawRead(recnum)
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(recnum, data)
	if err != nil {
		return nil, err
	}
	if expect != TypeAny && rec.Kind() != expect {
		return nil, &TypeError{Recnum: recnum, Want: expect, Got: rec.Kind()}
	}
	return rec, nil
}

func (s *Store) rawRead(recnum uint64) ([]byte, error) {
	if s.inTx {
		if _, del := s.txDel[recnum]; del {
			return nil, ErrNotFound
		}
		if data, ok := s.txPut[recnum]; ok {
			return data, nil
		}
	}
	key := recordKey(recnum)
	if data, ok := s.cache.HasGet(nil, key); ok {
		readHitCounter.Inc(1)
		return data, nil
	}
	readMissCounter.Inc(1)
	data, err := s.db.Get(key)
	if err != nil {
		return nil, ErrNotFound
	}
	s.cache.Set(key, data)
	return data, nil
}

// Read reads a record and aborts the process when it is missing, malformed
// or of the wrong type.
func (s *Store) Read(recnum uint64, expect RecType) Record {
	rec, err := s.TryRead(recnum, expect)
	if err != nil {
		s.corrupt("Failed to read trust record", "recnum", recnum, "reqtype", expect, "err", err)
	}
	return rec
}

// ReadDir, ReadKey, ReadUID, ReadPref, ReadSig, ReadSdir and ReadHlst are
// the typed projections of Read.
func (s *Store) ReadDir(recnum uint64) *Dir   { return s.Read(recnum, TypeDir).(*Dir) }
func (s *Store) ReadKey(recnum uint64) *Key   { return s.Read(recnum, TypeKey).(*Key) }
func (s *Store) ReadUID(recnum uint64) *UID   { return s.Read(recnum, TypeUID).(*UID) }
func (s *Store) ReadPref(recnum uint64) *Pref { return s.Read(recnum, TypePref).(*Pref) }
func (s *Store) ReadSig(recnum uint64) *Sig   { return s.Read(recnum, TypeSig).(*Sig) }
func (s *Store) ReadSdir(recnum uint64) *Sdir { return s.Read(recnum, TypeSdir).(*Sdir) }
func (s *Store) ReadHlst(recnum uint64) *Hlst { return s.Read(recnum, TypeHlst).(*Hlst) }

// Write stores a record, aborting the process on failure. A zero record
// number is a programming error.
func (s *Store) Write(rec Record) {
	recnum := rec.Num()
	if recnum == 0 {
		s.corrupt("Refusing to write record number zero", "type", rec.Kind())
	}
	data := rec.encode()
	s.mutations++
	s.dirty = true
	if s.inTx {
		delete(s.txDel, recnum)
		s.txPut[recnum] = data
		return
	}
	key := recordKey(recnum)
	if err := s.db.Put(key, data); err != nil {
		s.corrupt("Failed to write trust record", "recnum", recnum, "type", rec.Kind(), "err", err)
	}
	s.cache.Set(key, data)
}

// Delete removes a record, aborting the process on failure.
func (s *Store) Delete(recnum uint64) {
	s.mutations++
	s.dirty = true
	if s.inTx {
		delete(s.txPut, recnum)
		s.txDel[recnum] = struct{}{}
		return
	}
	key := recordKey(recnum)
	if err := s.db.Delete(key); err != nil {
		s.corrupt("Failed to delete trust record", "recnum", recnum, "err", err)
	}
	s.cache.Del(key)
}

// BeginTransaction starts buffering writes and deletes. Nesting is not
// supported.
func (s *Store) BeginTransaction() error {
	if s.inTx {
		return ErrInTransaction
	}
	s.inTx = true
	s.txPut = make(map[uint64][]byte)
	s.txDel = make(map[uint64]struct{})
	return nil
}

// EndTransaction atomically commits everything written since
// BeginTransaction.
func (s *Store) EndTransaction() error {
	if !s.inTx {
		return errors.New("store: no open transaction")
	}
	batch := s.db.NewBatch()
	for recnum, data := range s.txPut {
		if err := batch.Put(recordKey(recnum), data); err != nil {
			s.corrupt("Failed to stage trust record", "recnum", recnum, "err", err)
		}
	}
	for recnum := range s.txDel {
		if err := batch.Delete(recordKey(recnum)); err != nil {
			s.corrupt("Failed to stage record deletion", "recnum", recnum, "err", err)
		}
	}
	if err := batch.Write(); err != nil {
		s.corrupt("Failed to commit trust record transaction", "err", err)
	}
	for recnum, data := range s.txPut {
		s.cache.Set(recordKey(recnum), data)
	}
	for recnum := range s.txDel {
		s.cache.Del(recordKey(recnum))
	}
	s.inTx = false
	s.txPut, s.txDel = nil, nil
	return nil
}

// CancelTransaction discards everything written since BeginTransaction.
// Record numbers handed out during the transaction stay consumed.
func (s *Store) CancelTransaction() error {
	if !s.inTx {
		return errors.New("store: no open transaction")
	}
	s.inTx = false
	s.txPut, s.txDel = nil, nil
	return nil
}

// IsDirty reports whether the store has been mutated since the last Sync.
func (s *Store) IsDirty() bool { return s.dirty }

// Mutations returns a counter of write and delete operations; callers
// snapshot it around a pass to learn whether the pass changed anything.
func (s *Store) Mutations() uint64 { return s.mutations }

// Sync marks the store clean. The backing database is responsible for
// durability of already committed batches.
func (s *Store) Sync() {
	s.dirty = false
}

// ForEach calls fn for every record in ascending record number order,
// including records written by a still-open transaction. Iteration stops at
// the first error, which is returned.
func (s *Store) ForEach(fn func(Record) error) error {
	seen := make(map[uint64]struct{})
	it := s.db.NewIterator(recordPrefix, nil)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if len(key) != 9 {
			continue
		}
		recnum := binary.BigEndian.Uint64(key[1:])
		data := it.Value()
		if s.inTx {
			if _, del := s.txDel[recnum]; del {
				continue
			}
			if override, ok := s.txPut[recnum]; ok {
				data = override
			}
			seen[recnum] = struct{}{}
		}
		rec, err := decodeRecord(recnum, data)
		if err != nil {
			s.corrupt("Failed to decode trust record", "recnum", recnum, "err", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		s.corrupt("Record iteration failed", "err", err)
	}
	if !s.inTx {
		return nil
	}
	// records created inside the open transaction that are not yet in the
	// backend
	fresh := make([]uint64, 0, len(s.txPut))
	for recnum := range s.txPut {
		if _, ok := seen[recnum]; !ok {
			fresh = append(fresh, recnum)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i] < fresh[j] })
	for _, recnum := range fresh {
		rec, err := decodeRecord(recnum, s.txPut[recnum])
		if err != nil {
			s.corrupt("Failed to decode trust record", "recnum", recnum, "err", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// SearchDirByFingerprint locates the directory record owning a key record
// with the given fingerprint. A zero algo matches any algorithm.
func (s *Store) SearchDirByFingerprint(fpr []byte, algo byte) (*Dir, error) {
	var found *Key
	err := s.ForEach(func(rec Record) error {
		krec, ok := rec.(*Key)
		if !ok {
			return nil
		}
		if algo != 0 && krec.PubkeyAlgo != algo {
			return nil
		}
		if bytes.Equal(krec.Fingerprint, fpr) {
			found = krec
			return errStopIteration
		}
		return nil
	})
	if err != nil && err != errStopIteration {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return s.ReadDir(found.LID), nil
}

// SearchSdir locates the shadow directory record for the given key id. The
// record matches when its algorithm is unset or equal to algo.
func (s *Store) SearchSdir(keyid uint64, algo byte) (*Sdir, error) {
	var found *Sdir
	err := s.ForEach(func(rec Record) error {
		srec, ok := rec.(*Sdir)
		if !ok {
			return nil
		}
		if srec.KeyID == keyid && (srec.PubkeyAlgo == 0 || srec.PubkeyAlgo == algo) {
			found = srec
			return errStopIteration
		}
		return nil
	})
	if err != nil && err != errStopIteration {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

var errStopIteration = errors.New("store: stop iteration")

// DumpRecord writes a human readable rendering of a record.
func DumpRecord(rec Record, w io.Writer) {
	rec.dump(w)
}
