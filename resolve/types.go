/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 15 09:31:02 2019 mstenber
 * Last modified: Mon May  6 11:14:28 2019 mstenber
 * Edit time:     188 min
 *
 */

// resolve reconstructs the directory tree out of the candidate
// blocks found on disk and in the journal: stage 1 proposes
// inode-to-block mappings, stage 2 disambiguates them and assembles
// the namespace, and the file index derives the final path-to-inode
// map.
package resolve

import (
	"sort"

	"github.com/fingon/go-extrescue/extfs"
	"github.com/fingon/go-extrescue/journal"
	"github.com/fingon/go-extrescue/mlog"
	"github.com/fingon/go-extrescue/util"
)

// DirEntry is one parsed entry of a DirectoryBlock, live or deleted.
// Index is the position of the entry within the block in memory
// order; Next is the Index of the entry its record length points at,
// or zero when it points at the block end.
type DirEntry struct {
	Index    int
	Next     int
	Inode    uint32
	Name     string
	FileType uint8

	Deleted     bool
	Allocated   bool
	Reallocated bool
	ZeroInode   bool
	Linked      bool
}

// ExactlyEqual is positional equality: same inode, name, file type
// and chain successor.
func (self *DirEntry) ExactlyEqual(other *DirEntry) bool {
	return self.Inode == other.Inode && self.Name == other.Name &&
		self.FileType == other.FileType && self.Next == other.Next
}

func (self *DirEntry) IsDot() bool {
	return self.Name == "."
}

func (self *DirEntry) IsDotDot() bool {
	return self.Name == ".."
}

// DirectoryBlock is the parsed view of one on-disk directory block.
type DirectoryBlock struct {
	Block   uint32
	Entries []DirEntry
}

// ExactlyEqual compares entry lists pairwise.
func (self *DirectoryBlock) ExactlyEqual(other *DirectoryBlock) bool {
	if len(self.Entries) != len(other.Entries) {
		return false
	}
	for i := range self.Entries {
		if !self.Entries[i].ExactlyEqual(&other.Entries[i]) {
			return false
		}
	}
	return true
}

// Directory is a reconstructed directory: its inode and the
// directory blocks resolved or grafted to it. Directories live in
// the resolver's path-keyed arena (AllDirectories); neither a
// directory nor an entry holds a pointer to another directory.
type Directory struct {
	InodeNr uint32
	Blocks  []DirectoryBlock
}

func (self *Directory) FirstBlock() uint32 {
	if len(self.Blocks) == 0 {
		return 0
	}
	return self.Blocks[0].Block
}

// Locator is the optional external oracle consulted when two
// reconstructed paths claim the same inode, and for parent inference
// of orphaned extended blocks. A nil Locator answers nothing.
type Locator interface {
	// PathExists reports whether the oracle knows the path.
	PathExists(path string) bool
	// ParentDirectory proposes the path of the directory that
	// contained the given file names, or "" if unknown.
	ParentDirectory(names []string) string
}

// Resolver carries all reconstruction state. It is built in passes
// (Stage1, Stage2, BuildFileIndex) and read-only between them.
type Resolver struct {
	Meta    *extfs.Meta
	Journal *journal.Index
	Locator Locator

	// MaxDepth bounds the recursive namespace descent.
	MaxDepth int

	// Stage 1 output.
	DirInodeToBlock []util.BlockNrVector // indexed 1..InodesCount
	ExtendedBlocks  []uint32
	stage1Done      bool

	// Stage 2 output.
	AllDirectories   map[string]*Directory
	InodeToDirectory map[uint32]string

	// File index output.
	PathToInode     map[string]uint32
	InodeToDirEntry map[uint32][]DirEntryRef
}

// DirEntryRef names one directory entry occurrence: which directory
// path and block mention the inode, and as what.
type DirEntryRef struct {
	Dir   string
	Block uint32
	Name  string
}

const defaultMaxDepth = 10000

func (self *Resolver) Init(meta *extfs.Meta, jnl *journal.Index) {
	self.Meta = meta
	self.Journal = jnl
	if self.MaxDepth == 0 {
		self.MaxDepth = defaultMaxDepth
	}
	self.DirInodeToBlock = make([]util.BlockNrVector, meta.Super.InodesCount+1)
}

// FirstBlockFor returns the resolved (or first remaining candidate)
// start block for a directory inode, or 0 when there is none.
func (self *Resolver) FirstBlockFor(inodeNr uint32) uint32 {
	if inodeNr < 1 || inodeNr > self.Meta.Super.InodesCount {
		return 0
	}
	bv := &self.DirInodeToBlock[inodeNr]
	if bv.Empty() {
		return 0
	}
	return bv.At(0)
}

// rawEntry is a directory entry before index assignment.
type rawEntry struct {
	extfs.RawDirent
	deleted bool
	linked  bool
}

// scanDirectoryEntries walks the live record-length chain of the
// block, then sweeps backwards on 4-byte boundaries for deleted
// entries whose chains still validate.
func (self *Resolver) scanDirectoryEntries(buf []byte, blockNr uint32) (ret []rawEntry) {
	blockSize := len(buf)
	seen := make([]bool, blockSize/4+1)
	offset := 0
	for offset < blockSize {
		entry, ok := extfs.ParseDirentAt(buf, offset)
		if !ok || entry.RecLen == 0 || int(entry.RecLen)&3 != 0 {
			break
		}
		ret = append(ret, rawEntry{RawDirent: entry, deleted: false, linked: true})
		seen[offset/4] = true
		offset += int(entry.RecLen)
	}
	for offset = blockSize - extfs.DirentRecLen(1); offset > 0; offset -= 4 {
		if seen[offset/4] {
			continue
		}
		cls := self.Meta.ClassifyDirectory(buf, blockNr, extfs.DirClassifyOpts{
			CertainlyLinked: false,
			Offset:          offset,
		})
		if cls == extfs.DirNone {
			continue
		}
		entry, ok := extfs.ParseDirentAt(buf, offset)
		if !ok {
			continue
		}
		ret = append(ret, rawEntry{RawDirent: entry, deleted: true, linked: false})
	}
	return
}

// ReadDirectoryBlock parses the block into a DirectoryBlock,
// including deleted entries, with allocation state resolved.
func (self *Resolver) ReadDirectoryBlock(blockNr uint32) (*DirectoryBlock, error) {
	buf, err := self.Meta.Device.GetBlock(blockNr)
	if err != nil {
		return nil, err
	}
	raw := self.scanDirectoryEntries(buf, blockNr)
	// Memory order, as the record chains lie in the block.
	sort.Slice(raw, func(i, j int) bool { return raw[i].Offset < raw[j].Offset })

	db := &DirectoryBlock{Block: blockNr, Entries: make([]DirEntry, len(raw))}
	offsetToIndex := make(map[int]int, len(raw))
	for i, r := range raw {
		offsetToIndex[r.Offset] = i
	}
	for i, r := range raw {
		e := DirEntry{
			Index:    i,
			Inode:    r.Inode,
			Name:     r.Name,
			FileType: r.FileType & 7,
			Deleted:  r.deleted,
			Linked:   r.linked,
		}
		if next, ok := offsetToIndex[r.Offset+int(r.RecLen)]; ok && next != i {
			e.Next = next
		}
		e.ZeroInode = r.Inode == 0
		if !e.ZeroInode && r.Inode <= self.Meta.Super.InodesCount {
			ino, err := self.Meta.Inode(r.Inode)
			if err == nil {
				e.Allocated = self.Meta.IsAllocatedInode(r.Inode)
				e.Reallocated = (e.Deleted && e.Allocated) ||
					(e.Deleted && ino.Dtime == 0) ||
					!extfs.ModeMatchesFileType(ino.Mode, r.FileType)
				e.Deleted = e.Deleted || ino.Dtime != 0
			}
		}
		db.Entries[i] = e
	}
	mlog.Printf2("resolve/types", "r.ReadDirectoryBlock %v: %d entries", blockNr, len(db.Entries))
	return db, nil
}
