/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 22 11:42:20 2019 mstenber
 * Last modified: Wed May  8 12:49:55 2019 mstenber
 * Edit time:     37 min
 *
 */

package cachestore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger"

	"github.com/fingon/go-extrescue/mlog"
)

// badgerStore keeps the payloads in a badger database directory
// named <device-basename>.ext3grep.cache.badger.
type badgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir, base string) (Store, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s.ext3grep.cache.badger", base))
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger.Open %s: %w", path, err)
	}
	return &badgerStore{db: db}, nil
}

func (self *badgerStore) Get(name string) (data []byte, ok bool) {
	self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			return nil
		}
		data, err = item.ValueCopy(nil)
		ok = err == nil
		return nil
	})
	mlog.Printf2("cachestore/badger", "bs.Get %v: %v bytes (hit:%v)", name, len(data), ok)
	return
}

func (self *badgerStore) Put(name string, data []byte) error {
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(name), data)
	})
}

func (self *badgerStore) Close() {
	self.db.Close()
}
