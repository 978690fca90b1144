// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package memdb

import (
	"bytes"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/arkrelay/gatewaygo/database"
)

var (
	_ database.Database = (*Database)(nil)
	_ database.Batch    = (*batch)(nil)
	_ database.Iterator = (*iterator)(nil)
)

// Database is an in-memory, thread-safe key-value store used in tests and
// as the ephemeral backend.
type Database struct {
	lock   sync.RWMutex
	db     map[string][]byte
	closed bool
}

func New() *Database {
	return &Database{
		db: make(map[string][]byte),
	}
}

func (db *Database) Has(key []byte) (bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.closed {
		return false, database.ErrClosed
	}
	_, ok := db.db[string(key)]
	return ok, nil
}

func (db *Database) Get(key []byte) ([]byte, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.closed {
		return nil, database.ErrClosed
	}
	if value, ok := db.db[string(key)]; ok {
		return append([]byte(nil), value...), nil
	}
	return nil, database.ErrNotFound
}

func (db *Database) Put(key []byte, value []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.closed {
		return database.ErrClosed
	}
	db.db[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *Database) Delete(key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.closed {
		return database.ErrClosed
	}
	delete(db.db, string(key))
	return nil
}

func (db *Database) NewBatch() database.Batch {
	return &batch{db: db}
}

func (db *Database) NewIteratorWithPrefix(prefix []byte) database.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.closed {
		return &iterator{err: database.ErrClosed}
	}

	keys := make([]string, 0, len(db.db))
	for key := range db.db {
		if bytes.HasPrefix([]byte(key), prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	values := make([][]byte, len(keys))
	for i, key := range keys {
		values[i] = append([]byte(nil), db.db[key]...)
	}
	return &iterator{
		keys:   keys,
		values: values,
	}
}

func (db *Database) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.closed {
		return database.ErrClosed
	}
	db.closed = true
	db.db = nil
	return nil
}

type keyValue struct {
	key    []byte
	value  []byte
	delete bool
}

type batch struct {
	db  *Database
	ops []keyValue
}

func (b *batch) Put(key []byte, value []byte) error {
	b.ops = append(b.ops, keyValue{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.ops = append(b.ops, keyValue{
		key:    append([]byte(nil), key...),
		delete: true,
	})
	return nil
}

func (b *batch) Size() int {
	return len(b.ops)
}

func (b *batch) Write() error {
	b.db.lock.Lock()
	defer b.db.lock.Unlock()

	if b.db.closed {
		return database.ErrClosed
	}
	for _, op := range b.ops {
		if op.delete {
			delete(b.db.db, string(op.key))
		} else {
			b.db.db[string(op.key)] = op.value
		}
	}
	return nil
}

func (b *batch) Reset() {
	b.ops = b.ops[:0]
}

type iterator struct {
	keys        []string
	values      [][]byte
	initialized bool
	err         error
}

func (it *iterator) Next() bool {
	if it.err != nil || len(it.keys) == 0 {
		return false
	}
	if !it.initialized {
		it.initialized = true
		return true
	}
	it.keys = it.keys[1:]
	it.values = it.values[1:]
	return len(it.keys) > 0
}

func (it *iterator) Key() []byte {
	if len(it.keys) == 0 {
		return nil
	}
	return []byte(it.keys[0])
}

func (it *iterator) Value() []byte {
	if len(it.values) == 0 {
		return nil
	}
	return it.values[0]
}

func (it *iterator) Error() error {
	return it.err
}

func (*iterator) Release() {}
