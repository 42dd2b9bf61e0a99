/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 12 09:44:10 2019 mstenber
 * Last modified: Mon Apr 29 13:11:56 2019 mstenber
 * Edit time:     83 min
 *
 */

package extfs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bluele/gcache"

	"github.com/fingon/go-extrescue/mlog"
)

// defaultCacheSize is the number of decoded blocks kept around; scans
// revisit indirect and directory blocks often enough that this pays
// for itself on rotating media images.
const defaultCacheSize = 8192

// Device reads whole blocks out of a filesystem image. The image is
// never written to. Reads are positioned and idempotent; an ARC cache
// of recently read blocks sits in front of the file.
type Device struct {
	Name      string
	BlockSize int

	file  *os.File
	cache gcache.Cache
}

// OpenDevice opens the image for positioned reads. The block size is
// not yet known at this point; Meta.Init sets it after parsing the
// superblock.
func OpenDevice(path string) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	self := &Device{Name: path, file: f}
	return self, nil
}

func (self *Device) Close() {
	if self.file != nil {
		self.file.Close()
		self.file = nil
	}
}

// Basename returns the device file name without directories; cache
// files are named after it.
func (self *Device) Basename() string {
	return filepath.Base(self.Name)
}

// SetBlockSize fixes the block size and (re)creates the block cache.
func (self *Device) SetBlockSize(size, cacheSize int) {
	self.BlockSize = size
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	self.cache = gcache.New(cacheSize).ARC().Build()
}

// ReadAt is a plain positioned read, used only before the block size
// is known (superblock, group descriptor table).
func (self *Device) ReadAt(buf []byte, offset int64) error {
	n, err := self.file.ReadAt(buf, offset)
	if err != nil {
		return fmt.Errorf("reading %d bytes at %d: %w", len(buf), offset, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short read at %d: %d < %d", offset, n, len(buf))
	}
	return nil
}

// ReadBlock fills buf (block size bytes) with block nr. Block 0
// contains the 1024 bytes of boot padding plus the superblock.
func (self *Device) ReadBlock(nr uint32, buf []byte) error {
	if len(buf) != self.BlockSize {
		return fmt.Errorf("ReadBlock: buffer size %d != block size %d", len(buf), self.BlockSize)
	}
	if v, err := self.cache.GetIFPresent(nr); err == nil {
		copy(buf, v.([]byte))
		return nil
	}
	mlog.Printf2("extfs/device", "dev.ReadBlock %v", nr)
	if err := self.ReadAt(buf, int64(nr)*int64(self.BlockSize)); err != nil {
		return err
	}
	stored := make([]byte, len(buf))
	copy(stored, buf)
	self.cache.Set(nr, stored)
	return nil
}

// GetBlock is ReadBlock with allocation.
func (self *Device) GetBlock(nr uint32) ([]byte, error) {
	buf := make([]byte, self.BlockSize)
	if err := self.ReadBlock(nr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
