/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 22 11:15:48 2019 mstenber
 * Last modified: Wed May  8 12:40:13 2019 mstenber
 * Edit time:     41 min
 *
 */

package cachestore

import (
	"fmt"
	"path/filepath"

	bbolt "github.com/coreos/bbolt"

	"github.com/fingon/go-extrescue/mlog"
)

var stageBucket = []byte("stage")

// boltStore keeps the payloads in a single-file bolt database named
// <device-basename>.ext3grep.cache.db.
type boltStore struct {
	db *bbolt.DB
}

func NewBoltStore(dir, base string) (Store, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s.ext3grep.cache.db", base))
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("bbolt.Open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stageBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (self *boltStore) Get(name string) (data []byte, ok bool) {
	self.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(stageBucket).Get([]byte(name))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
			ok = true
		}
		return nil
	})
	mlog.Printf2("cachestore/bolt", "bs.Get %v: %v bytes (hit:%v)", name, len(data), ok)
	return
}

func (self *boltStore) Put(name string, data []byte) error {
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(stageBucket).Put([]byte(name), data)
	})
}

func (self *boltStore) Close() {
	self.db.Close()
}
