/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 27 09:12:02 2019 mstenber
 * Last modified: Mon May 13 14:30:26 2019 mstenber
 * Edit time:     203 min
 *
 */

// fstest synthesizes small filesystem images in memory so the engine
// can be tested end to end without fixture files. The geometry is
// fixed: one block group, 1 KiB blocks, 32 inodes of 128 bytes.
package fstest

import (
	"encoding/binary"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/fingon/go-extrescue/extfs"
)

const (
	BlockSize      = 1024
	InodesCount    = 32
	InodeSize      = 128
	FirstDataBlock = 1

	// Fixed layout of the single group.
	GDTBlock        = 2
	BlockBitmapNr   = 3
	InodeBitmapNr   = 4
	InodeTableStart = 5
	InodeTableEnd   = 9 // exclusive; 32 inodes * 128 bytes = 4 blocks

	// FirstFreeBlock is where test data conventionally starts.
	FirstFreeBlock = 9

	JournalInum = 8
)

type ImageBuilder struct {
	BlocksCount uint32
	data        []byte
}

func New(blocksCount uint32) *ImageBuilder {
	self := &ImageBuilder{
		BlocksCount: blocksCount,
		data:        make([]byte, int(blocksCount)*BlockSize),
	}
	self.writeSuperblock()
	self.writeGroupDesc()
	for b := uint32(FirstDataBlock); b < FirstFreeBlock; b++ {
		self.AllocBlock(b)
	}
	self.AllocInode(extfs.RootInode)
	return self
}

func (self *ImageBuilder) writeSuperblock() {
	le := binary.LittleEndian
	sb := self.data[1024:]
	le.PutUint32(sb[0x00:], InodesCount)
	le.PutUint32(sb[0x04:], self.BlocksCount)
	le.PutUint32(sb[0x14:], FirstDataBlock)
	le.PutUint32(sb[0x18:], 0) // 1 KiB blocks
	le.PutUint32(sb[0x20:], 8192)
	le.PutUint32(sb[0x28:], InodesCount)
	le.PutUint16(sb[0x38:], extfs.SuperMagic)
	le.PutUint32(sb[0x48:], 0) // Linux
	le.PutUint32(sb[0x4C:], 1)
	le.PutUint32(sb[0x54:], 11)
	le.PutUint16(sb[0x58:], InodeSize)
	le.PutUint16(sb[0x5A:], 0)
	le.PutUint32(sb[0xE0:], JournalInum)
}

func (self *ImageBuilder) writeGroupDesc() {
	le := binary.LittleEndian
	gd := self.data[GDTBlock*BlockSize:]
	le.PutUint32(gd[0x00:], BlockBitmapNr)
	le.PutUint32(gd[0x04:], InodeBitmapNr)
	le.PutUint32(gd[0x08:], InodeTableStart)
}

func (self *ImageBuilder) AllocBlock(nr uint32) {
	bit := nr - FirstDataBlock
	self.data[BlockBitmapNr*BlockSize+int(bit/8)] |= 1 << (bit % 8)
}

func (self *ImageBuilder) AllocInode(id uint32) {
	bit := id - 1
	self.data[InodeBitmapNr*BlockSize+int(bit/8)] |= 1 << (bit % 8)
}

// SetBlock fills block nr with data (shorter data leaves the rest
// zero).
func (self *ImageBuilder) SetBlock(nr uint32, data []byte) {
	copy(self.data[int(nr)*BlockSize:(int(nr)+1)*BlockSize], data)
}

// InodeSpec describes one inode to encode; zero values are written
// as-is.
type InodeSpec struct {
	Mode   uint16
	UID    uint16
	GID    uint16
	Size   uint32
	Atime  uint32
	Ctime  uint32
	Mtime  uint32
	Dtime  uint32
	Links  uint16
	Blocks uint32 // 512-byte units
	Block  [extfs.NBlocks]uint32
	// InlineTarget, when set, overrides the pointer array bytes
	// (symlink targets).
	InlineTarget string
}

// SetInode encodes the inode into the inode table.
func (self *ImageBuilder) SetInode(id uint32, spec InodeSpec) {
	le := binary.LittleEndian
	offset := InodeTableStart*BlockSize + int(id-1)*InodeSize
	b := self.data[offset : offset+InodeSize]
	for i := range b {
		b[i] = 0
	}
	le.PutUint16(b[0x00:], spec.Mode)
	le.PutUint16(b[0x02:], spec.UID)
	le.PutUint32(b[0x04:], spec.Size)
	le.PutUint32(b[0x08:], spec.Atime)
	le.PutUint32(b[0x0C:], spec.Ctime)
	le.PutUint32(b[0x10:], spec.Mtime)
	le.PutUint32(b[0x14:], spec.Dtime)
	le.PutUint16(b[0x18:], spec.GID)
	le.PutUint16(b[0x1A:], spec.Links)
	le.PutUint32(b[0x1C:], spec.Blocks)
	if spec.InlineTarget != "" {
		copy(b[0x28:0x64], spec.InlineTarget)
	} else {
		for i := 0; i < extfs.NBlocks; i++ {
			le.PutUint32(b[0x28+i*4:], spec.Block[i])
		}
	}
}

// EncodeInodeBytes encodes an inode record as SetInode would,
// returning the raw bytes (for journaled inode table snapshots).
func EncodeInodeBytes(spec InodeSpec) []byte {
	le := binary.LittleEndian
	b := make([]byte, InodeSize)
	le.PutUint16(b[0x00:], spec.Mode)
	le.PutUint16(b[0x02:], spec.UID)
	le.PutUint32(b[0x04:], spec.Size)
	le.PutUint32(b[0x08:], spec.Atime)
	le.PutUint32(b[0x0C:], spec.Ctime)
	le.PutUint32(b[0x10:], spec.Mtime)
	le.PutUint32(b[0x14:], spec.Dtime)
	le.PutUint16(b[0x18:], spec.GID)
	le.PutUint16(b[0x1A:], spec.Links)
	le.PutUint32(b[0x1C:], spec.Blocks)
	if spec.InlineTarget != "" {
		copy(b[0x28:0x64], spec.InlineTarget)
	} else {
		for i := 0; i < extfs.NBlocks; i++ {
			le.PutUint32(b[0x28+i*4:], spec.Block[i])
		}
	}
	return b
}

// Dirent is one entry for DirBlock. RecLen 0 means "just enough";
// the final entry is always stretched to the block end.
type Dirent struct {
	Inode    uint32
	Name     string
	FileType uint8
	RecLen   uint16
}

// DirBlock packs the entries into one directory block.
func DirBlock(entries ...Dirent) []byte {
	le := binary.LittleEndian
	b := make([]byte, BlockSize)
	offset := 0
	for i, e := range entries {
		recLen := int(e.RecLen)
		if recLen == 0 {
			recLen = extfs.DirentRecLen(len(e.Name))
		}
		if i == len(entries)-1 {
			recLen = BlockSize - offset
		}
		le.PutUint32(b[offset:], e.Inode)
		le.PutUint16(b[offset+4:], uint16(recLen))
		b[offset+6] = uint8(len(e.Name))
		b[offset+7] = e.FileType
		copy(b[offset+8:], e.Name)
		offset += recLen
	}
	return b
}

// DirStartBlock is DirBlock with the canonical "." and ".." entries
// in front.
func DirStartBlock(selfInode, parentInode uint32, entries ...Dirent) []byte {
	all := []Dirent{
		{Inode: selfInode, Name: ".", FileType: extfs.FtDir, RecLen: 12},
		{Inode: parentInode, Name: "..", FileType: extfs.FtDir},
	}
	all = append(all, entries...)
	return DirBlock(all...)
}

// Journal building. The journal inode gets the given blocks as
// direct pointers; block content is up to the test.

// SetJournalInode points the journal inode at the given blocks.
func (self *ImageBuilder) SetJournalInode(blocks []uint32) {
	spec := InodeSpec{
		Mode:   extfs.ModeRegular | 0600,
		Size:   uint32(len(blocks) * BlockSize),
		Atime:  1,
		Mtime:  1,
		Links:  1,
		Blocks: uint32(len(blocks) * (BlockSize / 512)),
	}
	if len(blocks) > extfs.NDirBlocks {
		panic("fstest journal limited to direct blocks")
	}
	for i, nr := range blocks {
		spec.Block[i] = nr
		self.AllocBlock(nr)
	}
	self.SetInode(JournalInum, spec)
	self.AllocInode(JournalInum)
}

// SimpleJournal installs a journal whose first block (the journal
// superblock) sits at start, followed by the given content blocks.
// Returns the filesystem block numbers used.
func (self *ImageBuilder) SimpleJournal(start uint32, content ...[]byte) []uint32 {
	if len(content) == 0 {
		content = [][]byte{make([]byte, BlockSize)}
	}
	blocks := make([]uint32, 0, len(content)+1)
	self.SetBlock(start, JournalSuperblock(uint32(len(content)+1), 1, 1))
	blocks = append(blocks, start)
	for i, c := range content {
		nr := start + 1 + uint32(i)
		self.SetBlock(nr, c)
		blocks = append(blocks, nr)
	}
	self.SetJournalInode(blocks)
	return blocks
}

// JournalSuperblock builds the journal superblock content.
func JournalSuperblock(maxLen, first, sequence uint32) []byte {
	be := binary.BigEndian
	b := make([]byte, BlockSize)
	be.PutUint32(b[0:], 0xC03B3998)
	be.PutUint32(b[4:], 4) // superblock v2
	be.PutUint32(b[8:], 0)
	be.PutUint32(b[12:], BlockSize)
	be.PutUint32(b[16:], maxLen)
	be.PutUint32(b[20:], first)
	be.PutUint32(b[24:], sequence)
	be.PutUint32(b[28:], first)
	return b
}

// TagSpec is one tag of a descriptor block.
type TagSpec struct {
	BlockNr uint32
	Flags   uint32
}

const (
	flagSameUUID = 2
	flagLastTag  = 8
)

// JournalDescriptorBlock builds a descriptor block for the tags; the
// SAME_UUID and LAST_TAG flags are managed here.
func JournalDescriptorBlock(sequence uint32, tags ...TagSpec) []byte {
	be := binary.BigEndian
	b := make([]byte, BlockSize)
	be.PutUint32(b[0:], 0xC03B3998)
	be.PutUint32(b[4:], 1) // descriptor
	be.PutUint32(b[8:], sequence)
	offset := 12
	for i, t := range tags {
		flags := t.Flags | flagSameUUID
		if i == len(tags)-1 {
			flags |= flagLastTag
		}
		be.PutUint32(b[offset:], t.BlockNr)
		be.PutUint32(b[offset+4:], flags)
		offset += 8
	}
	return b
}

// JournalCommitBlock builds a commit block.
func JournalCommitBlock(sequence uint32) []byte {
	be := binary.BigEndian
	b := make([]byte, BlockSize)
	be.PutUint32(b[0:], 0xC03B3998)
	be.PutUint32(b[4:], 2) // commit
	be.PutUint32(b[8:], sequence)
	return b
}

// JournalRevokeBlock builds a revoke block for the given filesystem
// blocks.
func JournalRevokeBlock(sequence uint32, blocks ...uint32) []byte {
	be := binary.BigEndian
	b := make([]byte, BlockSize)
	be.PutUint32(b[0:], 0xC03B3998)
	be.PutUint32(b[4:], 5) // revoke
	be.PutUint32(b[8:], sequence)
	be.PutUint32(b[12:], uint32(16+4*len(blocks)))
	offset := 16
	for _, nr := range blocks {
		be.PutUint32(b[offset:], nr)
		offset += 4
	}
	return b
}

// Write saves the image into dir and returns its path.
func (self *ImageBuilder) Write(t *testing.T, dir string) string {
	path := filepath.Join(dir, "image.img")
	if err := ioutil.WriteFile(path, self.data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// Open writes the image to a temporary file and initializes the
// metadata loader on it.
func (self *ImageBuilder) Open(t *testing.T) *extfs.Meta {
	path := self.Write(t, t.TempDir())
	dev, err := extfs.OpenDevice(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dev.Close)
	meta := &extfs.Meta{}
	if err = meta.Init(dev, 64); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(meta.Close)
	return meta
}
