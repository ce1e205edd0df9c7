// Package tosdb defines the byte-oriented key-value store interfaces that
// back the record store façade (see package store): the KeyValueReader /
// KeyValueWriter / KeyValueStore split lets any of a handful of backends
// (in-memory, LevelDB, ...) sit underneath the typed record layer without
// it knowing which one it got.
package tosdb

import "io"

// KeyValueReader wraps the Has and Get methods of a backing data store.
type KeyValueReader interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
}

// KeyValueWriter wraps the Put and Delete methods of a backing data store.
type KeyValueWriter interface {
	Put(key []byte, value []byte) error
	Delete(key []byte) error
}

// KeyValueStater wraps the Stat method of a backing data store.
type KeyValueStater interface {
	Stat(property string) (string, error)
}

// Compacter wraps the Compact method of a backing data store.
type Compacter interface {
	Compact(start []byte, limit []byte) error
}

// Iterator iterates over a database's key/value pairs in ascending key
// order. Must be released after use.
type Iterator interface {
	Next() bool
	Error() error
	Key() []byte
	Value() []byte
	Release()
}

// Iteratee wraps the NewIterator method of a backing data store.
type Iteratee interface {
	// NewIterator creates a binary-alphabetical iterator over the start to
	// end keyspace, starting at the first key greater than or equal to
	// prefix+start.
	NewIterator(prefix []byte, start []byte) Iterator
}

// KeyValueStore contains all the methods required to allow handling
// different key-value data stores backing the record store façade.
type KeyValueStore interface {
	KeyValueReader
	KeyValueWriter
	KeyValueStater
	Compacter
	Batcher
	Iteratee
	io.Closer
}

// Batch is a write-only database that commits changes to its host database
// when Write is called. A batch cannot be used concurrently.
type Batch interface {
	KeyValueWriter

	// ValueSize retrieves the amount of data queued up for writing.
	ValueSize() int

	// Write flushes any accumulated data to disk.
	Write() error

	// Reset resets the batch for reuse.
	Reset()
}

// Batcher wraps the NewBatch method of a backing data store.
type Batcher interface {
	NewBatch() Batch
}
