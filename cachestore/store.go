/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 22 10:30:02 2019 mstenber
 * Last modified: Wed May  8 12:02:51 2019 mstenber
 * Edit time:     66 min
 *
 */

package cachestore

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/fingon/go-extrescue/mlog"
)

// Store keeps named stage payloads between runs. A missing entry is
// not an error; it just means the stage has to be recomputed.
type Store interface {
	Get(name string) (data []byte, ok bool)
	Put(name string, data []byte) error
	Close()
}

// fileStore is the plain text backend: each payload is a file named
// <device-basename>.ext3grep.<stage> in the working directory, the
// classic cache format, readable with any editor.
type fileStore struct {
	dir  string
	base string
}

// NewFileStore returns the text-file backend rooted at dir.
func NewFileStore(dir, base string) Store {
	return &fileStore{dir: dir, base: base}
}

func (self *fileStore) path(name string) string {
	return filepath.Join(self.dir, fmt.Sprintf("%s.ext3grep.%s", self.base, name))
}

func (self *fileStore) Get(name string) ([]byte, bool) {
	data, err := ioutil.ReadFile(self.path(name))
	if err != nil {
		if !os.IsNotExist(err) {
			mlog.Printf2("cachestore/store", "fs.Get %v: %v", name, err)
		}
		return nil, false
	}
	return data, true
}

func (self *fileStore) Put(name string, data []byte) error {
	return ioutil.WriteFile(self.path(name), data, 0644)
}

func (self *fileStore) Close() {
}

// codecStore filters payloads of an inner store through a codec.
type codecStore struct {
	inner Store
	codec Codec
}

// NewCodecStore wraps a store so payloads are encoded on Put and
// decoded on Get. A decode failure is treated as a cache miss; the
// stage is recomputed and the entry overwritten.
func NewCodecStore(inner Store, codec Codec) Store {
	return &codecStore{inner: inner, codec: codec}
}

func (self *codecStore) Get(name string) ([]byte, bool) {
	data, ok := self.inner.Get(name)
	if !ok {
		return nil, false
	}
	decoded, err := self.codec.DecodeBytes(data)
	if err != nil {
		mlog.Printf2("cachestore/store", "cs.Get %v: decode failed: %v", name, err)
		return nil, false
	}
	return decoded, true
}

func (self *codecStore) Put(name string, data []byte) error {
	encoded, err := self.codec.EncodeBytes(data)
	if err != nil {
		return err
	}
	return self.inner.Put(name, encoded)
}

func (self *codecStore) Close() {
	self.inner.Close()
}
