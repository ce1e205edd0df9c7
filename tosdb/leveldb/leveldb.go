// Package leveldb implements the LevelDB-backed key-value store used for
// a persistent trust database file.
package leveldb

import (
	"github.com/gpgtrust/trustdb/tosdb"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Database is a persistent key-value store backed by a LevelDB handle.
// Implements the tosdb.KeyValueStore interface.
type Database struct {
	db *leveldb.DB
}

// New returns a wrapped LevelDB object, creating or opening the database
// file at the given path.
func New(file string, cache int, handles int, readonly bool) (*Database, error) {
	if cache < 16 {
		cache = 16
	}
	if handles < 16 {
		handles = 16
	}
	opts := &opt.Options{
		OpenFilesCacheCapacity: handles,
		BlockCacheCapacity:     cache / 2 * opt.MiB,
		WriteBuffer:            cache / 4 * opt.MiB,
		ReadOnly:               readonly,
	}
	db, err := leveldb.OpenFile(file, opts)
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(file, nil)
	}
	if err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

// Close flushes and closes the database.
func (d *Database) Close() error {
	return d.db.Close()
}

// Has retrieves if a key is present in the key-value store.
func (d *Database) Has(key []byte) (bool, error) {
	return d.db.Has(key, nil)
}

// Get retrieves the given key if it's present in the key-value store.
func (d *Database) Get(key []byte) ([]byte, error) {
	return d.db.Get(key, nil)
}

// Put inserts the given value into the key-value store.
func (d *Database) Put(key []byte, value []byte) error {
	return d.db.Put(key, value, nil)
}

// Delete removes the key from the key-value store.
func (d *Database) Delete(key []byte) error {
	return d.db.Delete(key, nil)
}

// NewBatch creates a write-only key-value store that buffers changes to its
// host database until a final write is called.
func (d *Database) NewBatch() tosdb.Batch {
	return &batch{db: d.db, b: new(leveldb.Batch)}
}

// Stat returns a particular internal stat of the database.
func (d *Database) Stat(property string) (string, error) {
	return d.db.GetProperty(property)
}

// Compact flattens the underlying data store for the given key range.
func (d *Database) Compact(start []byte, limit []byte) error {
	return d.db.CompactRange(util.Range{Start: start, Limit: limit})
}

// NewIterator creates a binary-alphabetical iterator over a subset of
// database content with a particular key prefix, starting at a particular
// initial key (or after, if it does not exist).
func (d *Database) NewIterator(prefix []byte, start []byte) tosdb.Iterator {
	return d.db.NewIterator(bytesPrefixRange(prefix, start), nil)
}

// bytesPrefixRange returns a key range that satisfies the given prefix and
// seek position.
func bytesPrefixRange(prefix, start []byte) *util.Range {
	r := util.BytesPrefix(prefix)
	r.Start = append(r.Start, start...)
	return r
}

// batch is a write-only leveldb batch that commits changes to its host
// database when Write is called. A batch cannot be used concurrently.
type batch struct {
	db   *leveldb.DB
	b    *leveldb.Batch
	size int
}

func (b *batch) Put(key, value []byte) error {
	b.b.Put(key, value)
	b.size += len(key) + len(value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.b.Delete(key)
	b.size += len(key)
	return nil
}

func (b *batch) ValueSize() int {
	return b.size
}

func (b *batch) Write() error {
	return b.db.Write(b.b, nil)
}

func (b *batch) Reset() {
	b.b.Reset()
	b.size = 0
}
