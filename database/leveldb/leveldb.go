// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package leveldb

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/arkrelay/gatewaygo/database"
)

var (
	_ database.Database = (*Database)(nil)
	_ database.Batch    = (*batch)(nil)
)

// Database wraps a goleveldb instance behind the database interfaces.
type Database struct {
	db *leveldb.DB
}

func New(path string) (*Database, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

func (db *Database) Has(key []byte) (bool, error) {
	has, err := db.db.Has(key, nil)
	return has, translateError(err)
}

func (db *Database) Get(key []byte) ([]byte, error) {
	value, err := db.db.Get(key, nil)
	return value, translateError(err)
}

func (db *Database) Put(key []byte, value []byte) error {
	return translateError(db.db.Put(key, value, nil))
}

func (db *Database) Delete(key []byte) error {
	return translateError(db.db.Delete(key, nil))
}

func (db *Database) NewBatch() database.Batch {
	return &batch{db: db.db, b: new(leveldb.Batch)}
}

func (db *Database) NewIteratorWithPrefix(prefix []byte) database.Iterator {
	return &iterator{it: db.db.NewIterator(util.BytesPrefix(prefix), nil)}
}

func (db *Database) Close() error {
	return translateError(db.db.Close())
}

func translateError(err error) error {
	switch err {
	case leveldb.ErrNotFound:
		return database.ErrNotFound
	case leveldb.ErrClosed:
		return database.ErrClosed
	default:
		return err
	}
}

type batch struct {
	db *leveldb.DB
	b  *leveldb.Batch
}

func (b *batch) Put(key []byte, value []byte) error {
	b.b.Put(key, value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.b.Delete(key)
	return nil
}

func (b *batch) Size() int {
	return b.b.Len()
}

func (b *batch) Write() error {
	return translateError(b.db.Write(b.b, nil))
}

func (b *batch) Reset() {
	b.b.Reset()
}

type iterator struct {
	it interface {
		Next() bool
		Key() []byte
		Value() []byte
		Error() error
		Release()
	}
}

func (it *iterator) Next() bool {
	return it.it.Next()
}

func (it *iterator) Key() []byte {
	return append([]byte(nil), it.it.Key()...)
}

func (it *iterator) Value() []byte {
	return append([]byte(nil), it.it.Value()...)
}

func (it *iterator) Error() error {
	return translateError(it.it.Error())
}

func (it *iterator) Release() {
	it.it.Release()
}
