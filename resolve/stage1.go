/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 15 11:20:44 2019 mstenber
 * Last modified: Mon May  6 12:02:33 2019 mstenber
 * Edit time:     92 min
 *
 */

package resolve

import (
	"fmt"
	"log"

	"github.com/fingon/go-extrescue/extfs"
	"github.com/fingon/go-extrescue/mlog"
)

// Stage1 proposes {inode -> candidate start blocks}. Every block of
// the image that is not group metadata is classified; journal blocks
// are scanned too, because many historical directory snapshots exist
// only there. The output is DirInodeToBlock plus the list of
// extended directory blocks.
func (self *Resolver) Stage1() error {
	if self.stage1Done {
		return nil
	}
	self.stage1Done = true
	super := self.Meta.Super
	buf := make([]byte, self.Meta.BlockSize())
	for g := 0; g < super.Groups(); g++ {
		first := self.Meta.GroupFirstBlock(g)
		last := first + super.BlocksPerGroup
		if last > super.BlocksCount {
			last = super.BlocksCount
		}
		mlog.Printf2("resolve/stage1", "r.Stage1 group %v: blocks %v..%v", g, first, last)
		for block := first; block < last; block++ {
			if self.isGroupMetadata(g, block) {
				continue
			}
			if err := self.Meta.Device.ReadBlock(block, buf); err != nil {
				return fmt.Errorf("stage 1 scan: %w", err)
			}
			switch self.Meta.ClassifyDirectory(buf, block, extfs.DirClassifyOpts{CertainlyLinked: true}) {
			case extfs.DirStart:
				entry, _ := extfs.ParseDirentAt(buf, 0)
				if entry.Name != "." {
					log.Panicf("block %d classified DirStart without '.' entry", block)
				}
				self.DirInodeToBlock[entry.Inode].PushBack(block)
			case extfs.DirExtended:
				self.ExtendedBlocks = append(self.ExtendedBlocks, block)
			}
		}
	}
	return nil
}

// isGroupMetadata reports whether the block is a bitmap or inode
// table block of group g.
func (self *Resolver) isGroupMetadata(g int, block uint32) bool {
	desc := &self.Meta.Groups[g]
	if block == desc.BlockBitmap || block == desc.InodeBitmap {
		return true
	}
	return self.Meta.IsInodeTableBlock(block)
}

// ValidateAllocated applies the allocated-wins rule: an allocated
// directory inode resolves to its current first block when that
// block is among the candidates. This runs before the remaining
// disambiguation passes, also after a stage 1 cache load.
func (self *Resolver) ValidateAllocated() error {
	super := self.Meta.Super
	for i := uint32(1); i <= super.InodesCount; i++ {
		bv := &self.DirInodeToBlock[i]
		if !self.Meta.IsAllocatedInode(i) {
			continue
		}
		ino, err := self.Meta.Inode(i)
		if err != nil {
			return err
		}
		if !ino.IsDirectory() {
			continue
		}
		firstBlock := ino.Block[0]
		if firstBlock == 0 {
			log.Printf("ERROR: inode %d is an allocated directory that does not reference any block. This seems to indicate a corrupted file system.", i)
			continue
		}
		if bv.Empty() {
			log.Printf("WARNING: inode %d is an allocated inode without directory block pointing to it!", i)
			continue
		}
		found := false
		for j := 0; j < bv.Size(); j++ {
			if bv.At(j) == firstBlock {
				found = true
				break
			}
		}
		if !found {
			log.Printf("WARNING: allocated directory inode %d: current first block %d is not among the candidates; keeping candidate %d.", i, firstBlock, bv.At(0))
			continue
		}
		bv.Erase()
		bv.PushBack(firstBlock)
	}
	return nil
}
