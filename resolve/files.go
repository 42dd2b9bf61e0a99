/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 20 10:12:55 2019 mstenber
 * Last modified: Tue May  7 16:30:48 2019 mstenber
 * Edit time:     144 min
 *
 */

package resolve

import (
	"log"
	"sort"

	"github.com/fingon/go-extrescue/extfs"
	"github.com/fingon/go-extrescue/journal"
	"github.com/fingon/go-extrescue/mlog"
)

// BuildFileIndex derives the final path-to-inode map. Per directory,
// the directory blocks are ordered newest first by their last
// journal tag sequence, and for every distinct filename the inode
// from the newest block that still mentions the name wins. The
// inode-to-dir-entry reverse map is filled along the way.
func (self *Resolver) BuildFileIndex() {
	self.PathToInode = make(map[string]uint32)
	self.InodeToDirEntry = make(map[uint32][]DirEntryRef)
	paths := make([]string, 0, len(self.AllDirectories))
	for path := range self.AllDirectories {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		self.indexDirectory(path, self.AllDirectories[path])
	}
}

type sortedBlock struct {
	sequence uint32
	block    *DirectoryBlock
}

// blockSequences computes the "last journal tag sequence" of every
// directory block: for an on-disk block the newest tag referencing
// it (0 when never journaled), for a block living inside the journal
// the owning descriptor's own sequence.
func (self *Resolver) blockSequences(dir *Directory) (ret []sortedBlock) {
	for i := range dir.Blocks {
		db := &dir.Blocks[i]
		if self.Journal.IsInJournal(db.Block) {
			d := self.Journal.DescriptorForJournalBlock(db.Block)
			if d == nil || d.Kind != journal.KindTag {
				log.Printf("WARNING: directory block %d lives in the journal but has no tag descriptor; skipping it.", db.Block)
				continue
			}
			ret = append(ret, sortedBlock{sequence: d.Sequence, block: db})
			continue
		}
		var sequence uint32
		for _, d := range self.Journal.DescriptorsForBlock(db.Block) {
			if d.Kind == journal.KindTag {
				sequence = d.Sequence
			}
		}
		ret = append(ret, sortedBlock{sequence: sequence, block: db})
	}
	sort.SliceStable(ret, func(i, j int) bool {
		return ret[i].sequence > ret[j].sequence
	})
	return
}

func (self *Resolver) indexDirectory(path string, dir *Directory) {
	blocks := self.blockSequences(dir)
	mlog.Printf2("resolve/files", "r.indexDirectory %q: %d blocks", path, len(blocks))
	chosen := make(map[string]uint32)
	order := []string{}
	for _, sb := range blocks {
		for i := range sb.block.Entries {
			e := &sb.block.Entries[i]
			if e.ZeroInode || e.Reallocated || e.FileType == extfs.FtDir {
				continue
			}
			self.InodeToDirEntry[e.Inode] = append(self.InodeToDirEntry[e.Inode],
				DirEntryRef{Dir: path, Block: sb.block.Block, Name: e.Name})
			if _, have := chosen[e.Name]; !have {
				chosen[e.Name] = e.Inode
				order = append(order, e.Name)
			}
		}
	}
	for _, name := range order {
		full := name
		if path != "" {
			full = path + "/" + name
		}
		self.PathToInode[full] = chosen[name]
	}
}
