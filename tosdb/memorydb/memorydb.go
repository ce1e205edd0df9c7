// Package memorydb implements the in-memory key-value store used for
// scratch trust databases and tests.
package memorydb

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/gpgtrust/trustdb/tosdb"
)

// ErrMemorydbClosed is returned if a memory database was already closed at
// the time of a read or write request.
var ErrMemorydbClosed = errors.New("memorydb: database closed")

// ErrMemorydbNotFound is returned if a key is requested that is not found
// in the store.
var ErrMemorydbNotFound = errors.New("memorydb: not found")

// Database is an ephemeral key-value store. Apart from basic data storage
// functionality it also supports batch writes and iterating over the
// keyspace in binary-alphabetical order.
type Database struct {
	lock sync.RWMutex
	db   map[string][]byte
}

// New returns a wrapped map with all the required database interface methods
// implemented.
func New() *Database {
	return &Database{db: make(map[string][]byte)}
}

// Close deallocates the internal map and ensures any consecutive data access
// op fails with an error.
func (d *Database) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.db = nil
	return nil
}

// Has retrieves if a key is present in the key-value store.
func (d *Database) Has(key []byte) (bool, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	if d.db == nil {
		return false, ErrMemorydbClosed
	}
	_, ok := d.db[string(key)]
	return ok, nil
}

// Get retrieves the given key if it's present in the key-value store.
func (d *Database) Get(key []byte) ([]byte, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	if d.db == nil {
		return nil, ErrMemorydbClosed
	}
	if entry, ok := d.db[string(key)]; ok {
		return append([]byte(nil), entry...), nil
	}
	return nil, ErrMemorydbNotFound
}

// Put inserts the given value into the key-value store.
func (d *Database) Put(key []byte, value []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.db == nil {
		return ErrMemorydbClosed
	}
	d.db[string(key)] = append([]byte(nil), value...)
	return nil
}

// Delete removes the key from the key-value store.
func (d *Database) Delete(key []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.db == nil {
		return ErrMemorydbClosed
	}
	delete(d.db, string(key))
	return nil
}

// Stat returns the statistic data of the database.
func (d *Database) Stat(property string) (string, error) {
	return "", nil
}

// Compact is not supported on a memory database, but there's no need either
// as a memory database doesn't waste space anyway.
func (d *Database) Compact(start []byte, limit []byte) error {
	return nil
}

// Len returns the number of entries currently present in the memory database.
func (d *Database) Len() int {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return len(d.db)
}

// NewIterator creates a binary-alphabetical iterator over a subset of
// database content with a particular key prefix, starting at a particular
// initial key (or after, if it does not exist).
func (d *Database) NewIterator(prefix []byte, start []byte) tosdb.Iterator {
	d.lock.RLock()
	defer d.lock.RUnlock()

	var (
		pr     = string(prefix)
		st     = string(append(prefix, start...))
		keys   = make([]string, 0, len(d.db))
		values = make([][]byte, 0, len(d.db))
	)
	for key := range d.db {
		if !strings.HasPrefix(key, pr) || key < st {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		values = append(values, d.db[key])
	}
	return &iterator{keys: keys, values: values, index: -1}
}

type iterator struct {
	keys   []string
	values [][]byte
	index  int
}

func (it *iterator) Next() bool {
	if it.index < len(it.keys) {
		it.index++
	}
	return it.index < len(it.keys)
}

func (it *iterator) Error() error { return nil }

func (it *iterator) Key() []byte {
	if it.index < 0 || it.index >= len(it.keys) {
		return nil
	}
	return []byte(it.keys[it.index])
}

func (it *iterator) Value() []byte {
	if it.index < 0 || it.index >= len(it.values) {
		return nil
	}
	return it.values[it.index]
}

func (it *iterator) Release() {}

// keyvalue is a key-value tuple tagged with a deletion field to allow creating
// memory-database write batches.
type keyvalue struct {
	key    []byte
	value  []byte
	delete bool
}

// batch is a write-only memory batch that commits changes to its host
// database when Write is called. A batch cannot be used concurrently.
type batch struct {
	db     *Database
	writes []keyvalue
	size   int
}

// NewBatch creates a write-only key-value store that buffers changes to its
// host database until a final write is called.
func (d *Database) NewBatch() tosdb.Batch {
	return &batch{db: d}
}

// Put inserts the given value into the batch for later committing.
func (b *batch) Put(key, value []byte) error {
	b.writes = append(b.writes, keyvalue{append([]byte(nil), key...), append([]byte(nil), value...), false})
	b.size += len(key) + len(value)
	return nil
}

// Delete inserts the key removal into the batch for later committing.
func (b *batch) Delete(key []byte) error {
	b.writes = append(b.writes, keyvalue{append([]byte(nil), key...), nil, true})
	b.size += len(key)
	return nil
}

// ValueSize retrieves the amount of data queued up for writing.
func (b *batch) ValueSize() int {
	return b.size
}

// Write flushes any accumulated data to the memory database.
func (b *batch) Write() error {
	b.db.lock.Lock()
	defer b.db.lock.Unlock()

	for _, kv := range b.writes {
		if kv.delete {
			delete(b.db.db, string(kv.key))
			continue
		}
		b.db.db[string(kv.key)] = kv.value
	}
	return nil
}

// Reset resets the batch for reuse.
func (b *batch) Reset() {
	b.writes = b.writes[:0]
	b.size = 0
}
