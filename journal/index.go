/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 14 10:02:09 2019 mstenber
 * Last modified: Fri May  3 10:55:41 2019 mstenber
 * Edit time:     233 min
 *
 */

package journal

import (
	"fmt"
	"log"
	"sort"

	"github.com/fingon/go-extrescue/extfs"
	"github.com/fingon/go-extrescue/mlog"
	"github.com/fingon/go-extrescue/util"
)

// DescriptorKind tells what a Descriptor was parsed from.
type DescriptorKind int

const (
	KindTag DescriptorKind = iota
	KindRevoke
	KindCommit
)

func (self DescriptorKind) String() string {
	switch self {
	case KindTag:
		return "TAG"
	case KindRevoke:
		return "REVOKE"
	case KindCommit:
		return "COMMIT"
	}
	return "*UNKNOWN*"
}

// Descriptor is one indexed journal record. For a tag, JournalBlock
// is the filesystem block number of the journal block holding the
// snapshot and Target the snapshotted filesystem block; for revokes
// and commits JournalBlock is the header block itself.
type Descriptor struct {
	Kind         DescriptorKind
	JournalBlock uint32
	Sequence     uint32
	Target       uint32
	Flags        uint32
	Revoked      []uint32
}

// Transaction is the set of descriptors sharing a sequence number.
// Committed is set when the commit block of the sequence was seen.
type Transaction struct {
	Sequence    uint32
	Block       uint32
	Committed   bool
	Descriptors []*Descriptor
}

// ContainsTagFor reports whether the transaction snapshotted block nr.
func (self *Transaction) ContainsTagFor(nr uint32) bool {
	for _, d := range self.Descriptors {
		if d.Kind == KindTag && d.Target == nr {
			return true
		}
	}
	return false
}

// InodeCopy is one historical copy of an inode, read from a
// journaled inode table block.
type InodeCopy struct {
	Sequence uint32
	Inode    extfs.Inode
}

// Index is the replay index over the whole journal. Built once by
// Init; read-only afterwards.
type Index struct {
	Meta  *extfs.Meta
	Super *Superblock

	// Block range [MinBlock, MaxBlock) covering all blocks of the
	// journal inode, with two bitmaps over it.
	MinBlock uint32
	MaxBlock uint32

	// WrappedSequence is nonzero if a transaction ran past the end
	// of the journal; its tail blocks are gone.
	WrappedSequence uint32

	MinSequence uint32
	MaxSequence uint32

	inJournal         util.Bitmap
	indirectInJournal util.Bitmap

	// blockMap maps journal-relative block numbers to filesystem
	// block numbers, in journal file order.
	blockMap []uint32

	all                    []*Descriptor
	transactions           map[uint32]*Transaction
	blockDescriptors       map[uint32][]*Descriptor
	journalBlockDescriptor map[uint32]*Descriptor
	blockToDirInode        map[uint32]uint32
}

// Init locates the journal inode, reads the journal superblock, and
// indexes every descriptor, revoke and commit in the journal.
func (self *Index) Init(meta *extfs.Meta) error {
	self.Meta = meta
	if meta.Super.JournalDev != 0 {
		return fmt.Errorf("journal: external journal devices are not supported")
	}
	if !meta.IsAllocatedInode(meta.Super.JournalInum) {
		return fmt.Errorf("journal: journal inode %d is not allocated", meta.Super.JournalInum)
	}
	ino, err := meta.Inode(meta.Super.JournalInum)
	if err != nil {
		return err
	}
	if ino.Block[0] == 0 {
		return fmt.Errorf("journal: journal inode has no first block")
	}
	buf, err := meta.Device.GetBlock(ino.Block[0])
	if err != nil {
		return err
	}
	self.Super, err = ParseSuperblock(buf)
	if err != nil {
		return err
	}
	if err = self.initBlockRange(&ino); err != nil {
		return err
	}
	if err = self.initDescriptors(); err != nil {
		return err
	}
	if err = self.initDirInodeMap(); err != nil {
		return err
	}
	mlog.Printf2("journal/index", "j.Init: %d descriptors, sequences %d..%d, journal blocks %d..%d",
		len(self.all), self.MinSequence, self.MaxSequence, self.MinBlock, self.MaxBlock)
	if self.WrappedSequence != 0 {
		log.Printf("Journal transaction %d wraps around, some data blocks might have been lost of this transaction.", self.WrappedSequence)
	}
	return nil
}

// initBlockRange walks the journal inode and fills the journal block
// bitmaps plus the journal-order block map.
func (self *Index) initBlockRange(ino *extfs.Inode) error {
	min := self.Meta.Super.BlocksCount
	max := uint32(0)
	r, err := self.Meta.WalkBlocks(ino, extfs.WalkDirect|extfs.WalkIndirect, func(nr uint32) bool {
		if nr < min {
			min = nr
		}
		if nr > max {
			max = nr
		}
		return false
	})
	if err != nil {
		return err
	}
	if r != extfs.WalkClean {
		return fmt.Errorf("journal: journal inode has reused or corrupted indirect blocks")
	}
	if min >= max {
		return fmt.Errorf("journal: journal inode owns no block range")
	}
	self.MinBlock = min
	self.MaxBlock = max + 1
	bits := int(self.MaxBlock - self.MinBlock)
	self.inJournal = util.NewBitmap(bits)
	self.indirectInJournal = util.NewBitmap(bits)
	if _, err = self.Meta.WalkBlocks(ino, extfs.WalkDirect|extfs.WalkIndirect, func(nr uint32) bool {
		self.inJournal.Set(uint(nr - self.MinBlock))
		return false
	}); err != nil {
		return err
	}
	if _, err = self.Meta.WalkBlocks(ino, extfs.WalkIndirect, func(nr uint32) bool {
		self.indirectInJournal.Set(uint(nr - self.MinBlock))
		return false
	}); err != nil {
		return err
	}
	self.blockMap = make([]uint32, 0, self.Super.MaxLen)
	if _, err = self.Meta.WalkBlocks(ino, extfs.WalkDirect, func(nr uint32) bool {
		self.blockMap = append(self.blockMap, nr)
		return false
	}); err != nil {
		return err
	}
	if uint32(len(self.blockMap)) > self.Super.MaxLen {
		self.blockMap = self.blockMap[:self.Super.MaxLen]
	}
	return nil
}

// initDescriptors iterates the journal in on-disk order and sorts
// the result into transactions and reverse maps.
func (self *Index) initDescriptors() error {
	self.transactions = make(map[uint32]*Transaction)
	self.blockDescriptors = make(map[uint32][]*Descriptor)
	self.journalBlockDescriptor = make(map[uint32]*Descriptor)
	self.MinSequence = ^uint32(0)

	if err := self.iterate(); err != nil {
		return err
	}
	for _, d := range self.all {
		if d.Sequence < self.MinSequence {
			self.MinSequence = d.Sequence
		}
		if d.Sequence > self.MaxSequence {
			self.MaxSequence = d.Sequence
		}
	}
	// Ascending sequence; insertion order preserved within one
	// sequence, which keeps maps in ascending order too.
	sort.SliceStable(self.all, func(i, j int) bool {
		return self.all[i].Sequence < self.all[j].Sequence
	})
	for _, d := range self.all {
		t := self.transactions[d.Sequence]
		switch d.Kind {
		case KindTag, KindRevoke:
			if t == nil {
				t = &Transaction{Sequence: d.Sequence, Block: d.JournalBlock}
				self.transactions[d.Sequence] = t
			}
			t.Descriptors = append(t.Descriptors, d)
			self.addBlockDescriptors(d)
		case KindCommit:
			if t == nil {
				// A commit with no descriptors; possibly the
				// tail of a wrapped transaction. Not
				// interesting either way.
				continue
			}
			t.Committed = true
		}
	}
	return nil
}

func (self *Index) addBlockDescriptors(d *Descriptor) {
	switch d.Kind {
	case KindTag:
		self.blockDescriptors[d.Target] = append(self.blockDescriptors[d.Target], d)
	case KindRevoke:
		for _, b := range d.Revoked {
			self.blockDescriptors[b] = append(self.blockDescriptors[b], d)
		}
	}
	if _, exists := self.journalBlockDescriptor[d.JournalBlock]; exists {
		log.Panicf("journal block %d claimed twice", d.JournalBlock)
	}
	self.journalBlockDescriptor[d.JournalBlock] = d
}

func (self *Index) iterate() error {
	jbn := self.Super.First
	maxLen := uint32(len(self.blockMap))
	for jbn < maxLen {
		fs := self.blockMap[jbn]
		buf, err := self.Meta.Device.GetBlock(fs)
		if err != nil {
			return err
		}
		h, ok := ParseHeader(buf)
		if ok {
			switch h.BlockType {
			case BlockTypeDescriptor:
				off := headerSize
				for {
					tag, tok := parseTag(buf[off:])
					if !tok {
						return fmt.Errorf("journal: truncated descriptor block %d", fs)
					}
					jbn++
					if jbn >= maxLen {
						self.WrappedSequence = h.Sequence
						return nil
					}
					self.all = append(self.all, &Descriptor{
						Kind:         KindTag,
						JournalBlock: self.blockMap[jbn],
						Sequence:     h.Sequence,
						Target:       tag.BlockNr,
						Flags:        tag.Flags,
					})
					off += tagSize
					if tag.Flags&FlagSameUUID == 0 {
						off += tagUUIDSize
					}
					if tag.Flags&FlagLastTag != 0 {
						break
					}
				}
			case BlockTypeCommit:
				self.all = append(self.all, &Descriptor{
					Kind:         KindCommit,
					JournalBlock: fs,
					Sequence:     h.Sequence,
				})
			case BlockTypeRevoke:
				blocks, err := parseRevokedBlocks(buf, self.Meta.BlockSize())
				if err != nil {
					return err
				}
				self.all = append(self.all, &Descriptor{
					Kind:         KindRevoke,
					JournalBlock: fs,
					Sequence:     h.Sequence,
					Revoked:      blocks,
				})
			case BlockTypeSuperblockV1, BlockTypeSuperblockV2:
				// The superblock sits at journal block 0;
				// nothing to index.
			default:
				log.Printf("WARNING: unexpected journal block type (%d). Journal corrupt?", h.BlockType)
				return nil
			}
		}
		jbn++
	}
	return nil
}

// initDirInodeMap replays every journaled inode table snapshot and,
// for each directory inode that looks live in it, records which data
// blocks it claimed. Descriptors are processed in ascending sequence
// so the last writer wins.
func (self *Index) initDirInodeMap() error {
	self.blockToDirInode = make(map[uint32]uint32)
	inodeSize := int(self.Meta.Super.InodeSize)
	for _, d := range self.all {
		if d.Kind != KindTag || !self.Meta.IsInodeTableBlock(d.Target) {
			continue
		}
		buf, err := self.Meta.Device.GetBlock(d.JournalBlock)
		if err != nil {
			return err
		}
		inodeNr := self.Meta.BlockToInode(d.Target)
		for off := 0; off+inodeSize <= len(buf); off, inodeNr = off+inodeSize, inodeNr+1 {
			ino, err := extfs.ParseInode(buf[off : off+inodeSize])
			if err != nil {
				continue
			}
			if !ino.IsDirectory() {
				continue
			}
			if ino.Dtime != 0 || ino.Atime == 0 || ino.Block[0] == 0 {
				continue
			}
			nr := inodeNr
			r, err := self.Meta.WalkBlocks(&ino, extfs.WalkDirect, func(b uint32) bool {
				self.blockToDirInode[b] = nr
				return false
			})
			if err != nil {
				return err
			}
			if r == extfs.WalkCorrupted {
				log.Printf("Note: Block %d in the journal contains a copy of inode %d which is a directory, but this directory has reused or corrupted (double/triple) indirect blocks.", d.JournalBlock, inodeNr)
			}
		}
	}
	return nil
}

// IsInJournal reports whether the block sits in the journal's block
// range at all.
func (self *Index) IsInJournal(nr uint32) bool {
	return nr >= self.MinBlock && nr < self.MaxBlock
}

// IsJournalBlock reports whether the block belongs to the journal
// inode (data or indirect pointer).
func (self *Index) IsJournalBlock(nr uint32) bool {
	return self.IsInJournal(nr) && self.inJournal.Get(uint(nr-self.MinBlock))
}

// IsIndirectBlockInJournal reports whether the block is one of the
// journal inode's indirect pointer blocks.
func (self *Index) IsIndirectBlockInJournal(nr uint32) bool {
	return self.IsInJournal(nr) && self.indirectInJournal.Get(uint(nr-self.MinBlock))
}

// JournalBlockContainsInodes returns the inode table block the given
// journal block snapshots, or 0.
func (self *Index) JournalBlockContainsInodes(nr uint32) uint32 {
	d := self.journalBlockDescriptor[nr]
	if d == nil || d.Kind != KindTag {
		return 0
	}
	if !self.Meta.IsInodeTableBlock(d.Target) {
		return 0
	}
	return d.Target
}

// IsInodeBlock reports whether the block holds inode records, either
// within a group's inode table or as a journal snapshot of one.
func (self *Index) IsInodeBlock(nr uint32) bool {
	if self.Meta.IsInodeTableBlock(nr) {
		return true
	}
	if !self.IsJournalBlock(nr) || self.IsIndirectBlockInJournal(nr) {
		return false
	}
	return self.JournalBlockContainsInodes(nr) != 0
}

// DescriptorsForBlock returns the descriptors that reference the
// filesystem block, in ascending sequence order.
func (self *Index) DescriptorsForBlock(nr uint32) []*Descriptor {
	return self.blockDescriptors[nr]
}

// HighestSequenceForBlock returns the sequence of the newest
// descriptor referencing the block, or 0.
func (self *Index) HighestSequenceForBlock(nr uint32) uint32 {
	ds := self.blockDescriptors[nr]
	if len(ds) == 0 {
		return 0
	}
	return ds[len(ds)-1].Sequence
}

// DescriptorForJournalBlock returns the descriptor owning a journal
// block, or nil.
func (self *Index) DescriptorForJournalBlock(nr uint32) *Descriptor {
	return self.journalBlockDescriptor[nr]
}

// TransactionFor returns the transaction with the given sequence, or
// nil.
func (self *Index) TransactionFor(sequence uint32) *Transaction {
	return self.transactions[sequence]
}

// Sequences returns all transaction sequence numbers in ascending
// order.
func (self *Index) Sequences() []uint32 {
	ret := make([]uint32, 0, len(self.transactions))
	for seq := range self.transactions {
		ret = append(ret, seq)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// DirInodeForBlock returns the directory inode that, according to
// the newest journaled inode snapshot, owned the block; 0 if none.
func (self *Index) DirInodeForBlock(nr uint32) uint32 {
	return self.blockToDirInode[nr]
}

// InodesFor returns all historical copies of the inode found in
// journaled inode table snapshots, newest first.
func (self *Index) InodesFor(id uint32) (ret []InodeCopy, err error) {
	block := self.Meta.InodeToBlock(id)
	offset := int(id-self.Meta.BlockToInode(block)) * int(self.Meta.Super.InodeSize)
	ds := self.blockDescriptors[block]
	for i := len(ds) - 1; i >= 0; i-- {
		d := ds[i]
		if d.Kind != KindTag {
			continue
		}
		buf, err := self.Meta.Device.GetBlock(d.JournalBlock)
		if err != nil {
			return nil, err
		}
		ino, err := extfs.ParseInode(buf[offset : offset+int(self.Meta.Super.InodeSize)])
		if err != nil {
			continue
		}
		ret = append(ret, InodeCopy{Sequence: d.Sequence, Inode: ino})
	}
	return
}
