// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package database

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("closed")
)

// KeyValueReader allows read access to a backing database.
type KeyValueReader interface {
	// Has returns whether [key] is present.
	Has(key []byte) (bool, error)

	// Get returns the value of [key], or ErrNotFound.
	Get(key []byte) ([]byte, error)
}

// KeyValueWriter allows write access to a backing database.
type KeyValueWriter interface {
	Put(key []byte, value []byte) error

	// Delete removes [key]. Deleting a missing key is not an error.
	Delete(key []byte) error
}

// Batch is a group of writes applied atomically by Write.
type Batch interface {
	KeyValueWriter

	// Size is the number of staged operations.
	Size() int

	// Write commits all staged operations to the database atomically.
	Write() error

	// Reset discards all staged operations.
	Reset()
}

// Iterator walks keys in ascending byte order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

type Database interface {
	KeyValueReader
	KeyValueWriter

	NewBatch() Batch

	// NewIteratorWithPrefix returns an iterator over every key with
	// [prefix].
	NewIteratorWithPrefix(prefix []byte) Iterator

	Close() error
}
