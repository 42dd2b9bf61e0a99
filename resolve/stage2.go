/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 18 09:05:17 2019 mstenber
 * Last modified: Tue May  7 15:42:09 2019 mstenber
 * Edit time:     341 min
 *
 */

package resolve

import (
	"fmt"
	"log"

	"github.com/fingon/go-extrescue/extfs"
	"github.com/fingon/go-extrescue/mlog"
)

// Disambiguate collapses multi-candidate inodes. The passes run in a
// fixed order and the order is observable: allocated-wins (see
// ValidateAllocated), journal purge, highest journal sequence, exact
// coalescing. An inode that still has several candidates afterwards
// is logged and its first candidate used.
func (self *Resolver) Disambiguate() error {
	if err := self.ValidateAllocated(); err != nil {
		return err
	}
	for i := uint32(1); i <= self.Meta.Super.InodesCount; i++ {
		bv := &self.DirInodeToBlock[i]
		if bv.Size() <= 1 {
			continue
		}
		if err := self.disambiguateInode(i); err != nil {
			return err
		}
		if bv.Size() > 1 {
			log.Printf("WARNING: inode %d is still referenced by %d directory blocks %v; choosing block %d.",
				i, bv.Size(), bv.All(), bv.At(0))
		}
	}
	return nil
}

func (self *Resolver) disambiguateInode(inodeNr uint32) error {
	bv := &self.DirInodeToBlock[inodeNr]
	blocks := bv.All()
	dirs := make([]*DirectoryBlock, 0, len(blocks))
	for _, b := range blocks {
		db, err := self.ReadDirectoryBlock(b)
		if err != nil {
			return err
		}
		dirs = append(dirs, db)
	}

	// Journal purge: journal candidates lose against non-journal
	// ones; if everything is in the journal, only the highest
	// sequence survives.
	var highestSequence uint32
	journalCount := 0
	for _, db := range dirs {
		if self.Journal.IsJournalBlock(db.Block) {
			journalCount++
			d := self.Journal.DescriptorForJournalBlock(db.Block)
			if d == nil {
				log.Printf("Cannot find block %d (in journal) in the journal block descriptor map!", db.Block)
				continue
			}
			if d.Sequence > highestSequence {
				highestSequence = d.Sequence
			}
		}
	}
	keepOneJournal := journalCount == len(dirs)
	remaining := make([]*DirectoryBlock, 0, len(dirs))
	for _, db := range dirs {
		if self.Journal.IsJournalBlock(db.Block) {
			if keepOneJournal {
				d := self.Journal.DescriptorForJournalBlock(db.Block)
				if d != nil && d.Sequence == highestSequence {
					remaining = append(remaining, db)
					continue
				}
			}
			bv.Remove(db.Block)
			continue
		}
		remaining = append(remaining, db)
	}
	dirs = remaining
	if len(dirs) <= 1 {
		mlog.Printf2("resolve/stage2", "r.disambiguateInode %v: journal purge resolved to %v", inodeNr, bv.At(0))
		return nil
	}

	// Highest journal sequence: among the survivors, a block the
	// journal has tagged most recently wins.
	bestBlock := uint32(0)
	var maxSequence uint32
	haveBest := false
	for _, db := range dirs {
		if seq := self.Journal.HighestSequenceForBlock(db.Block); seq > maxSequence {
			maxSequence = seq
			bestBlock = db.Block
			haveBest = true
		}
	}
	if haveBest {
		remaining = make([]*DirectoryBlock, 0, len(dirs))
		for _, db := range dirs {
			if db.Block == bestBlock {
				remaining = append(remaining, db)
				continue
			}
			bv.Remove(db.Block)
		}
		dirs = remaining
	}
	if len(dirs) <= 1 {
		return nil
	}

	// Coalesce exactly equal blocks; the first occurrence stays.
	kept := make([]*DirectoryBlock, 0, len(dirs))
	for _, db := range dirs {
		duplicate := false
		for _, db2 := range kept {
			if db.ExactlyEqual(db2) {
				duplicate = true
				break
			}
		}
		if duplicate {
			bv.Remove(db.Block)
			continue
		}
		kept = append(kept, db)
	}
	return nil
}

// parentFrame is one ancestor on the namespace descent path. The
// chain of frames doubles as the loop-detection breadcrumb stack.
type parentFrame struct {
	parent  *parentFrame
	name    string
	inodeNr uint32
	dtime   uint32
}

// dirname is the root-relative path of the frame; the root frame
// carries the empty name (or a whole path, when descent resumes from
// a grafted extended block).
func (self *parentFrame) dirname() string {
	if self.parent == nil {
		return self.name
	}
	prefix := self.parent.dirname()
	if prefix == "" {
		return self.name
	}
	return prefix + "/" + self.name
}

func (self *parentFrame) onPath(inodeNr uint32) bool {
	for p := self; p != nil; p = p.parent {
		if p.inodeNr == inodeNr {
			return true
		}
	}
	return false
}

// nearestDtime walks ancestors until a nonzero dtime is found.
func (self *parentFrame) nearestDtime() uint32 {
	for p := self; p != nil; p = p.parent {
		if p.dtime != 0 {
			return p.dtime
		}
	}
	return 0
}

// Stage2 disambiguates the stage 1 candidates and assembles the
// namespace, starting from the root inode, then grafts the extended
// blocks onto their owners.
func (self *Resolver) Stage2() error {
	if err := self.Stage1(); err != nil {
		return err
	}
	if err := self.Disambiguate(); err != nil {
		return err
	}
	self.AllDirectories = make(map[string]*Directory)
	self.InodeToDirectory = make(map[uint32]string)

	rootBlock := self.FirstBlockFor(extfs.RootInode)
	if rootBlock == 0 {
		return fmt.Errorf("stage 2: no directory block found for the root inode")
	}
	rootInode, err := self.Meta.Inode(extfs.RootInode)
	if err != nil {
		return err
	}
	root := &parentFrame{name: "", inodeNr: extfs.RootInode, dtime: rootInode.Dtime}
	if err = self.descendBlock(root, rootBlock, 0); err != nil {
		return err
	}
	return self.graftExtendedBlocks()
}

// descendBlock iterates the entries of one directory block of the
// directory described by parent.
func (self *Resolver) descendBlock(parent *parentFrame, blockNr uint32, depth int) error {
	db, err := self.ReadDirectoryBlock(blockNr)
	if err != nil {
		return err
	}
	return self.descendEntries(parent, db, depth)
}

func (self *Resolver) descendEntries(parent *parentFrame, db *DirectoryBlock, depth int) error {
	for i := range db.Entries {
		if err := self.descendEntry(parent, &db.Entries[i], depth); err != nil {
			return err
		}
	}
	return nil
}

func (self *Resolver) descendEntry(parent *parentFrame, e *DirEntry, depth int) error {
	if e.ZeroInode {
		return nil
	}
	if e.IsDot() {
		self.registerDirectory(parent, e.Inode)
		return nil
	}
	if e.IsDotDot() || e.FileType != extfs.FtDir {
		return nil
	}
	if _, visited := self.InodeToDirectory[e.Inode]; visited {
		return nil
	}
	if depth >= self.MaxDepth {
		return nil
	}
	// Break loops as soon as an ancestor inode shows up again.
	if parent.onPath(e.Inode) {
		log.Printf("Detected loop for inode %d (%s).", e.Inode, parent.dirname()+"/"+e.Name)
		return nil
	}
	ino, err := self.Meta.Inode(e.Inode)
	if err != nil {
		return err
	}
	frame := &parentFrame{parent: parent, name: e.Name, inodeNr: e.Inode, dtime: ino.Dtime}

	if !e.Deleted && e.Allocated && !e.Reallocated {
		// Existing directory; all of its blocks are reachable
		// through the inode.
		r, werr := self.Meta.WalkBlocks(&ino, extfs.WalkDirect, func(nr uint32) bool {
			if err = self.descendBlock(frame, nr, depth+1); err != nil {
				return true
			}
			return false
		})
		if err != nil {
			return err
		}
		if werr != nil {
			return werr
		}
		if r == extfs.WalkCorrupted {
			log.Printf("WARNING: existing directory %s has reused or corrupted indirect blocks.", frame.dirname())
		}
		return nil
	}

	// Deleted directory: only the first block is known, which is
	// enough to construct the tree.
	blockNr := self.FirstBlockFor(e.Inode)
	if blockNr == 0 {
		log.Printf("Cannot find a directory block for inode %d.", e.Inode)
		return nil
	}
	// A parent can be stamped deleted just before its
	// subdirectories are (rm -rf); allow 60 seconds of slack
	// before declaring the child a stale entry.
	if dtime := parent.nearestDtime(); dtime != 0 && dtime+60 < ino.Dtime {
		log.Printf("The directory \"%s\" is lost.", frame.dirname())
		return nil
	}
	buf, err := self.Meta.Device.GetBlock(blockNr)
	if err != nil {
		return err
	}
	dot, ok := extfs.ParseDirentAt(buf, 0)
	if !ok || !dotEntryValid(&dot, ".") {
		log.Printf("WARNING: block %d resolved for inode %d does not start with a '.' entry.", blockNr, e.Inode)
		return nil
	}
	dotdot, ok := extfs.ParseDirentAt(buf, int(dot.RecLen))
	if !ok || !dotEntryValid(&dotdot, "..") {
		log.Printf("WARNING: block %d resolved for inode %d has no '..' entry.", blockNr, e.Inode)
		return nil
	}
	if dotdot.Inode != parent.inodeNr {
		log.Printf("The directory \"%s\" is lost.", frame.dirname())
		return nil
	}
	return self.descendBlock(frame, blockNr, depth+1)
}

func dotEntryValid(e *extfs.RawDirent, name string) bool {
	return e.Name == name && e.Inode != 0
}

// registerDirectory stores the directory under the accumulated path
// and the inverse inode mapping. Returns true when nothing new was
// registered: the (inode, first block) pair is already known, the
// inode has no first block, or that block cannot be read. Descent
// into an already registered inode is stopped by descendEntry.
func (self *Resolver) registerDirectory(parent *parentFrame, inodeNr uint32) bool {
	path := parent.dirname()
	firstBlock := self.FirstBlockFor(inodeNr)
	if firstBlock == 0 {
		log.Printf("Cannot find a directory block for inode %d.", inodeNr)
		return true
	}
	existing := self.AllDirectories[path]
	if existing != nil {
		if existing.InodeNr == inodeNr && existing.FirstBlock() == firstBlock {
			return true
		}
		log.Printf("Directory %s is linked to both inode/block %d/%d as well as %d/%d!",
			path, inodeNr, firstBlock, existing.InodeNr, existing.FirstBlock())
	} else {
		db, err := self.ReadDirectoryBlock(firstBlock)
		if err != nil {
			log.Printf("WARNING: reading directory block %d for inode %d: %v", firstBlock, inodeNr, err)
			return true
		}
		self.AllDirectories[path] = &Directory{InodeNr: inodeNr, Blocks: []DirectoryBlock{*db}}
	}
	oldPath, claimed := self.InodeToDirectory[inodeNr]
	if !claimed {
		self.InodeToDirectory[inodeNr] = path
		return false
	}
	if oldPath == path {
		return true
	}
	// Two distinct paths claim the inode; ask the oracle, if any.
	log.Printf("Inode number %d is linked to both, %s as well as %s!", inodeNr, path, oldPath)
	if self.Locator != nil {
		newExists := self.Locator.PathExists(path)
		oldExists := self.Locator.PathExists(oldPath)
		switch {
		case newExists && !oldExists:
			log.Printf("Using \"%s\" as \"%s\" doesn't exist in the locate database.", path, oldPath)
			self.InodeToDirectory[inodeNr] = path
		case !newExists && oldExists:
			log.Printf("Keeping \"%s\" as \"%s\" doesn't exist in the locate database.", oldPath, path)
		case !newExists && !oldExists:
			log.Printf("Neither exist in the locate database. Keeping \"%s\".", oldPath)
		default:
			log.Printf("Both exist in the locate database. Keeping \"%s\".", oldPath)
		}
	}
	return false
}

// graftExtendedBlocks attaches each extended directory block to the
// directory that owns it: majority vote over the `..` entries of the
// directories its entries lead to, then filename heuristics, then
// the journal's block-to-directory-inode hint.
func (self *Resolver) graftExtendedBlocks() error {
	for _, blockNr := range self.ExtendedBlocks {
		if err := self.graftExtendedBlock(blockNr); err != nil {
			return err
		}
	}
	return nil
}

func (self *Resolver) graftExtendedBlock(blockNr uint32) error {
	inodeFromJournal := self.Journal.DirInodeForBlock(blockNr)
	db, err := self.ReadDirectoryBlock(blockNr)
	if err != nil {
		return err
	}
	linkedVotes := make(map[uint32]int)
	unlinkedVotes := make(map[uint32]int)
	for i := range db.Entries {
		e := &db.Entries[i]
		if e.ZeroInode || e.FileType != extfs.FtDir {
			continue
		}
		childBlock := self.FirstBlockFor(e.Inode)
		if childBlock == 0 {
			mlog.Printf2("resolve/stage2", "r.graftExtendedBlock %v: no block for inode %v", blockNr, e.Inode)
			continue
		}
		buf, err := self.Meta.Device.GetBlock(childBlock)
		if err != nil {
			return err
		}
		dot, ok := extfs.ParseDirentAt(buf, 0)
		if !ok || !dotEntryValid(&dot, ".") || dot.Inode != e.Inode {
			continue
		}
		dotdot, ok := extfs.ParseDirentAt(buf, int(dot.RecLen))
		if !ok || !dotEntryValid(&dotdot, "..") {
			continue
		}
		if e.Linked {
			linkedVotes[dotdot.Inode]++
		} else {
			unlinkedVotes[dotdot.Inode]++
		}
	}
	votes := linkedVotes
	kind := "linked"
	if len(votes) == 0 {
		votes = unlinkedVotes
		kind = "unlinked"
	}
	if len(votes) > 0 {
		winner, count, unique := majority(votes)
		if !unique {
			if _, tied := votes[inodeFromJournal]; tied && inodeFromJournal != 0 {
				winner = inodeFromJournal
			} else {
				log.Printf("Extended directory at %d has no majority parent vote %v; disregarding its contents.", blockNr, votes)
				return nil
			}
		}
		log.Printf("Extended directory at %d belongs to inode %d (from %d %s directories).", blockNr, winner, count, kind)
		if inodeFromJournal != 0 && inodeFromJournal != winner {
			log.Printf("WARNING: according to the journal it should have been inode %d!?", inodeFromJournal)
		}
		return self.linkExtendedBlock(db, winner)
	}
	// No directory entries gave a vote; try the filenames.
	var names []string
	for i := range db.Entries {
		if !db.Entries[i].ZeroInode {
			names = append(names, db.Entries[i].Name)
		}
	}
	if len(names) == 0 {
		if inodeFromJournal != 0 {
			log.Printf("Extended directory at %d belongs to inode %d (empty; from journal).", blockNr, inodeFromJournal)
			return self.linkExtendedBlock(db, inodeFromJournal)
		}
		log.Printf("Could not find an inode for empty extended directory at %d", blockNr)
		return nil
	}
	if self.Locator != nil {
		if dir := self.Locator.ParentDirectory(names); dir != "" {
			if owner := self.AllDirectories[dir]; owner != nil {
				log.Printf("Extended directory at %d belongs to inode %d", blockNr, owner.InodeNr)
				if inodeFromJournal != 0 && inodeFromJournal != owner.InodeNr {
					log.Printf("WARNING: according to the journal it should have been inode %d!?", inodeFromJournal)
				}
				return self.linkExtendedBlock(db, owner.InodeNr)
			}
			log.Printf("Extended directory at %d belongs to directory %s but that directory doesn't exist!", blockNr, dir)
		}
	}
	if inodeFromJournal != 0 {
		log.Printf("Extended directory at %d belongs to inode %d (fall back to journal).", blockNr, inodeFromJournal)
		return self.linkExtendedBlock(db, inodeFromJournal)
	}
	log.Printf("Could not find an inode for extended directory at %d, disregarding it's contents.", blockNr)
	return nil
}

// linkExtendedBlock adds the block to the owning directory and
// resumes the namespace descent through its entries.
func (self *Resolver) linkExtendedBlock(db *DirectoryBlock, inodeNr uint32) error {
	path, ok := self.InodeToDirectory[inodeNr]
	if !ok {
		log.Printf("WARNING: Can't link block %d to inode %d because that inode cannot be found in the inode_to_directory map!", db.Block, inodeNr)
		return nil
	}
	dir := self.AllDirectories[path]
	dir.Blocks = append(dir.Blocks, *db)
	ino, err := self.Meta.Inode(inodeNr)
	if err != nil {
		return err
	}
	frame := &parentFrame{name: path, inodeNr: inodeNr, dtime: ino.Dtime}
	return self.descendEntries(frame, db, 0)
}

// majority returns the key with the single highest count.
func majority(votes map[uint32]int) (winner uint32, count int, unique bool) {
	for k, v := range votes {
		switch {
		case v > count:
			winner, count, unique = k, v, true
		case v == count:
			unique = false
		}
	}
	return
}
