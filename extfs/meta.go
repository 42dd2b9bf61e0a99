/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 12 11:12:31 2019 mstenber
 * Last modified: Tue Apr 30 09:44:18 2019 mstenber
 * Edit time:     147 min
 *
 */

package extfs

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/sys/unix"

	"github.com/fingon/go-extrescue/mlog"
	"github.com/fingon/go-extrescue/util"
)

// Meta owns the superblock, the group descriptor table and the lazily
// loaded per-group metadata (bitmaps, inode tables). It is the
// explicit context threaded through the whole pipeline; nothing in
// this module is process-global.
//
// All fields are effectively immutable once the init pass that fills
// them has run; per-group loads mutate only the slot being loaded.
type Meta struct {
	Device *Device
	Super  *Superblock
	Groups []GroupDesc

	// UseMmap maps inode tables read-only instead of copying them
	// to the heap.
	UseMmap bool

	// AcceptedNames are filenames the user has declared legal even
	// though they contain unlikely characters.
	AcceptedNames map[string]bool

	blockBitmap []util.Bitmap
	inodeBitmap []util.Bitmap
	inodeTable  [][]byte
	mappings    [][]byte
}

// Init reads the superblock and the group descriptor table.
func (self *Meta) Init(dev *Device, cacheSize int) error {
	self.Device = dev
	sb := make([]byte, SuperblockSize)
	if err := dev.ReadAt(sb, SuperblockOffset); err != nil {
		return err
	}
	super, err := ParseSuperblock(sb)
	if err != nil {
		return err
	}
	self.Super = super
	dev.SetBlockSize(super.BlockSize(), cacheSize)

	groups := super.Groups()
	gdt := make([]byte, groups*groupDescSize)
	gdtBlock := super.FirstDataBlock + 1
	if err := dev.ReadAt(gdt, int64(gdtBlock)*int64(super.BlockSize())); err != nil {
		return err
	}
	self.Groups, err = ParseGroupDescs(gdt, groups)
	if err != nil {
		return err
	}
	self.blockBitmap = make([]util.Bitmap, groups)
	self.inodeBitmap = make([]util.Bitmap, groups)
	self.inodeTable = make([][]byte, groups)
	mlog.Printf2("extfs/meta", "meta.Init %s: %v", dev.Name, super)
	return nil
}

// Close releases inode table mappings, if any.
func (self *Meta) Close() {
	for _, m := range self.mappings {
		unix.Munmap(m)
	}
	self.mappings = nil
}

func (self *Meta) BlockSize() int {
	return self.Super.BlockSize()
}

func (self *Meta) IsBlockNumber(nr uint32) bool {
	return nr < self.Super.BlocksCount
}

func (self *Meta) BlockToGroup(nr uint32) int {
	return int((nr - self.Super.FirstDataBlock) / self.Super.BlocksPerGroup)
}

func (self *Meta) GroupFirstBlock(g int) uint32 {
	return self.Super.FirstDataBlock + uint32(g)*self.Super.BlocksPerGroup
}

func (self *Meta) InodeToGroup(id uint32) int {
	return int((id - 1) / self.Super.InodesPerGroup)
}

// InodeToBlock returns the block of the inode table holding inode id.
func (self *Meta) InodeToBlock(id uint32) uint32 {
	g := self.InodeToGroup(id)
	index := uint64(id-1) - uint64(g)*uint64(self.Super.InodesPerGroup)
	return self.Groups[g].InodeTable + uint32(index*uint64(self.Super.InodeSize)/uint64(self.BlockSize()))
}

// BlockToInode returns the number of the first inode in an inode
// table block. Only valid when IsInodeTableBlock(nr).
func (self *Meta) BlockToInode(nr uint32) uint32 {
	g := self.BlockToGroup(nr)
	return 1 + uint32(g)*self.Super.InodesPerGroup +
		uint32(uint64(nr-self.Groups[g].InodeTable)*uint64(self.BlockSize())/uint64(self.Super.InodeSize))
}

// IsInodeTableBlock reports whether the block is within some group's
// inode table.
func (self *Meta) IsInodeTableBlock(nr uint32) bool {
	if !self.IsBlockNumber(nr) || nr < self.Super.FirstDataBlock {
		return false
	}
	g := self.BlockToGroup(nr)
	if g < 0 || g >= len(self.Groups) {
		return false
	}
	table := self.Groups[g].InodeTable
	tableBytes := uint64(self.Super.InodesPerGroup) * uint64(self.Super.InodeSize)
	return nr >= table &&
		uint64(nr+1)*uint64(self.BlockSize()) <= uint64(table)*uint64(self.BlockSize())+tableBytes
}

// LoadGroup materializes the bitmaps and the inode table of group g.
// Subsequent calls are no-ops.
func (self *Meta) LoadGroup(g int) error {
	if self.blockBitmap[g] != nil {
		return nil
	}
	mlog.Printf2("extfs/meta", "meta.LoadGroup %v", g)
	buf, err := self.Device.GetBlock(self.Groups[g].BlockBitmap)
	if err != nil {
		return fmt.Errorf("group %d block bitmap: %w", g, err)
	}
	self.blockBitmap[g] = util.BitmapFromBytes(buf)
	buf, err = self.Device.GetBlock(self.Groups[g].InodeBitmap)
	if err != nil {
		return fmt.Errorf("group %d inode bitmap: %w", g, err)
	}
	self.inodeBitmap[g] = util.BitmapFromBytes(buf)
	return self.loadInodeTable(g)
}

func (self *Meta) loadInodeTable(g int) error {
	tableBytes := int(self.Super.InodesPerGroup) * int(self.Super.InodeSize)
	offset := int64(self.Groups[g].InodeTable) * int64(self.BlockSize())
	if self.UseMmap {
		pageSize := int64(os.Getpagesize())
		aligned := offset / pageSize * pageSize
		slack := int(offset - aligned)
		m, err := unix.Mmap(int(self.Device.file.Fd()), aligned, tableBytes+slack,
			unix.PROT_READ, unix.MAP_PRIVATE)
		if err == nil {
			self.mappings = append(self.mappings, m)
			self.inodeTable[g] = m[slack:]
			return nil
		}
		log.Printf("WARNING: mmap of group %d inode table failed (%v), reading instead", g, err)
	}
	table := make([]byte, tableBytes)
	if err := self.Device.ReadAt(table, offset); err != nil {
		return fmt.Errorf("group %d inode table: %w", g, err)
	}
	self.inodeTable[g] = table
	return nil
}

// Inode returns inode id from the loaded inode table of its group,
// loading the group first if needed.
func (self *Meta) Inode(id uint32) (Inode, error) {
	if id < 1 || id > self.Super.InodesCount {
		return Inode{}, fmt.Errorf("inode %d out of range", id)
	}
	g := self.InodeToGroup(id)
	if err := self.LoadGroup(g); err != nil {
		return Inode{}, err
	}
	index := int(id-1) - g*int(self.Super.InodesPerGroup)
	rec := self.inodeTable[g][index*int(self.Super.InodeSize):]
	return ParseInode(rec[:self.Super.InodeSize])
}

// IsAllocatedInode looks the inode up in its group's inode bitmap.
func (self *Meta) IsAllocatedInode(id uint32) bool {
	if id < 1 || id > self.Super.InodesCount {
		return false
	}
	g := self.InodeToGroup(id)
	if err := self.LoadGroup(g); err != nil {
		log.Panicf("LoadGroup %d: %v", g, err)
	}
	bit := uint(id - 1 - uint32(g)*self.Super.InodesPerGroup)
	return self.inodeBitmap[g].Get(bit)
}

// IsAllocatedBlock looks the block up in its group's block bitmap.
func (self *Meta) IsAllocatedBlock(nr uint32) bool {
	if !self.IsBlockNumber(nr) || nr < self.Super.FirstDataBlock {
		return false
	}
	g := self.BlockToGroup(nr)
	if err := self.LoadGroup(g); err != nil {
		log.Panicf("LoadGroup %d: %v", g, err)
	}
	bit := uint(nr - self.GroupFirstBlock(g))
	return self.blockBitmap[g].Get(bit)
}
