/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 12 10:01:40 2019 mstenber
 * Last modified: Mon Apr 29 13:20:21 2019 mstenber
 * Edit time:     96 min
 *
 */

package extfs

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Superblock is the parsed primary superblock. Immutable after
// parse; a single instance lives in Meta. The log2 form of the block
// size is retained so diagnostics can print it as found on disk.
type Superblock struct {
	InodesCount    uint32
	BlocksCount    uint32
	FirstDataBlock uint32
	LogBlockSize   uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32
	Mtime          uint32
	Wtime          uint32
	Magic          uint16
	CreatorOS      uint32
	RevLevel       uint32
	FirstIno       uint32
	InodeSize      uint32
	BlockGroupNr   uint16
	FeatureCompat  uint32
	VolumeName     string
	JournalInum    uint32
	JournalDev     uint32
}

func (self *Superblock) BlockSize() int {
	return 1024 << self.LogBlockSize
}

func (self *Superblock) Groups() int {
	return int(self.InodesCount / self.InodesPerGroup)
}

// ParseSuperblock decodes the 1024 superblock bytes and performs the
// sanity checks that make the rest of the engine safe. Failures here
// are fatal format errors.
func ParseSuperblock(b []byte) (*Superblock, error) {
	if len(b) < SuperblockSize {
		return nil, fmt.Errorf("superblock: got %d bytes, need %d", len(b), SuperblockSize)
	}
	le := binary.LittleEndian
	self := &Superblock{
		InodesCount:    le.Uint32(b[0x00:]),
		BlocksCount:    le.Uint32(b[0x04:]),
		FirstDataBlock: le.Uint32(b[0x14:]),
		LogBlockSize:   le.Uint32(b[0x18:]),
		BlocksPerGroup: le.Uint32(b[0x20:]),
		InodesPerGroup: le.Uint32(b[0x28:]),
		Mtime:          le.Uint32(b[0x2C:]),
		Wtime:          le.Uint32(b[0x30:]),
		Magic:          le.Uint16(b[0x38:]),
		CreatorOS:      le.Uint32(b[0x48:]),
		RevLevel:       le.Uint32(b[0x4C:]),
		FirstIno:       le.Uint32(b[0x54:]),
		InodeSize:      uint32(le.Uint16(b[0x58:])),
		BlockGroupNr:   le.Uint16(b[0x5A:]),
		FeatureCompat:  le.Uint32(b[0x5C:]),
		JournalInum:    le.Uint32(b[0xE0:]),
		JournalDev:     le.Uint32(b[0xE4:]),
	}
	name := b[0x78:0x88]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	self.VolumeName = string(name)
	if self.RevLevel == 0 {
		self.InodeSize = 128
	}
	if self.Magic != SuperMagic {
		return nil, fmt.Errorf("superblock: bad magic 0x%04x (want 0x%04x)", self.Magic, SuperMagic)
	}
	if self.CreatorOS != 0 {
		return nil, fmt.Errorf("superblock: creator OS %d is not Linux", self.CreatorOS)
	}
	if self.BlockGroupNr != 0 {
		return nil, fmt.Errorf("superblock: not the primary copy (block group %d)", self.BlockGroupNr)
	}
	if self.InodesPerGroup == 0 || self.BlocksPerGroup == 0 {
		return nil, fmt.Errorf("superblock: zero inodes or blocks per group")
	}
	if self.InodesCount%self.InodesPerGroup != 0 {
		return nil, fmt.Errorf("superblock: %d inodes do not fill %d-inode groups", self.InodesCount, self.InodesPerGroup)
	}
	bs := uint32(self.BlockSize())
	if self.InodesPerGroup > 8*bs {
		return nil, fmt.Errorf("superblock: inode bitmap does not fit in one block")
	}
	if bs%self.InodeSize != 0 {
		return nil, fmt.Errorf("superblock: inode size %d does not pack into %d-byte blocks", self.InodeSize, bs)
	}
	return self, nil
}

func (self *Superblock) String() string {
	return fmt.Sprintf("superblock: %d blocks of %d bytes, %d inodes (%d bytes), %d groups, first data block %d, journal inode %d, volume %q, last write %s",
		self.BlocksCount, self.BlockSize(), self.InodesCount, self.InodeSize,
		self.Groups(), self.FirstDataBlock, self.JournalInum, self.VolumeName,
		time.Unix(int64(self.Wtime), 0).UTC().Format(time.RFC3339))
}

// GroupDesc holds the interesting third of an on-disk group
// descriptor: where the group keeps its bitmaps and inode table.
type GroupDesc struct {
	BlockBitmap uint32
	InodeBitmap uint32
	InodeTable  uint32
}

const groupDescSize = 32

// ParseGroupDescs decodes the group descriptor table from the block
// following the superblock.
func ParseGroupDescs(b []byte, groups int) ([]GroupDesc, error) {
	if len(b) < groups*groupDescSize {
		return nil, fmt.Errorf("group descriptor table: got %d bytes, need %d", len(b), groups*groupDescSize)
	}
	le := binary.LittleEndian
	r := make([]GroupDesc, groups)
	for g := 0; g < groups; g++ {
		d := b[g*groupDescSize:]
		r[g] = GroupDesc{
			BlockBitmap: le.Uint32(d[0x00:]),
			InodeBitmap: le.Uint32(d[0x04:]),
			InodeTable:  le.Uint32(d[0x08:]),
		}
	}
	return r, nil
}
