/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 13 09:50:12 2019 mstenber
 * Last modified: Tue Apr 30 10:31:42 2019 mstenber
 * Edit time:     166 min
 *
 */

package extfs

import (
	"encoding/binary"
	"fmt"
	"log"
	"strings"

	"github.com/fingon/go-extrescue/mlog"
)

// DirClass is the verdict on whether a block holds directory entries.
type DirClass int

const (
	DirNone DirClass = iota
	DirStart
	DirExtended
)

func (self DirClass) String() string {
	switch self {
	case DirStart:
		return "start"
	case DirExtended:
		return "extended"
	}
	return "no"
}

// DirClassifyOpts tunes ClassifyDirectory. StartOnly demotes
// extended blocks to DirNone without walking them fully, which the
// tree walk uses for speed. CertainlyLinked is true when the block is
// known to be referenced by an inode; a zero-inode entry with a sane
// name is then reported with a warning (it is accepted either way).
// Offset classifies a chain starting mid-block (the
// deleted-entry sweep).
type DirClassifyOpts struct {
	StartOnly       bool
	CertainlyLinked bool
	Offset          int
}

type nameCharClass int

const (
	charOK nameCharClass = iota
	charUnlikely
	charIllegal
)

func classifyNameChar(c byte) nameCharClass {
	if c < 32 || c > 126 || c == '/' {
		return charIllegal
	}
	switch c {
	case '"', '*', ';', '<', '>', '?', '\\', '`', '|':
		return charUnlikely
	}
	return charOK
}

// ClassifyDirectory decides whether the block holds the start of a
// directory (`.` and `..` first), a continuation of one, or no
// directory at all. The record-length chain must terminate exactly at
// block end; everything in between has to look sane.
func (self *Meta) ClassifyDirectory(block []byte, blockNr uint32, opts DirClassifyOpts) DirClass {
	ret := self.classifyDirChain(block, blockNr, opts.StartOnly, opts.CertainlyLinked, opts.Offset, nil)
	mlog.Printf2("extfs/classify", "cls.ClassifyDirectory %v offset %v: %v", blockNr, opts.Offset, ret)
	return ret
}

func (self *Meta) classifyDirChain(block []byte, blockNr uint32, startOnly, certainlyLinked bool, offset int, delayed *string) DirClass {
	blockSize := len(block)
	if offset&direntRound != 0 {
		return DirNone
	}
	if offset+DirentRecLen(1) > blockSize {
		return DirNone
	}
	entry, ok := ParseDirentAt(block, offset)
	if !ok {
		return DirNone
	}
	// The first block of a directory has "." and ".." at the start.
	isStart := false
	if offset == 0 {
		parent, pok := ParseDirentAt(block, DirentRecLen(1))
		isStart = pok &&
			entry.NameLen == 1 && entry.Name == "." &&
			int(entry.RecLen) == DirentRecLen(1) &&
			entry.FileType&7 == FtDir &&
			parent.NameLen == 2 && parent.Name == ".." &&
			parent.FileType&7 == FtDir
	}
	if startOnly && !isStart {
		// Might still be DirExtended, but the caller asked for
		// start blocks only.
		return DirNone
	}
	// The inode of a deleted entry is not overwritten, so the range
	// check holds even for deleted directories. A zero inode with a
	// nonsense name rejects the block; a zero inode with a sane name
	// is only worth a warning, and only when the entry was expected
	// to be live.
	var localDelayed string
	if delayed == nil {
		delayed = &localDelayed
	}
	if entry.Inode == 0 && entry.NameLen > 0 {
		for i := 0; i < len(entry.Name); i++ {
			if classifyNameChar(entry.Name[i]) == charIllegal {
				return DirNone
			}
		}
		if certainlyLinked && (offset != 0 || startOnly) {
			*delayed += fmt.Sprintf("WARNING: zero inode (name: %q; block: %d; offset 0x%x)\n",
				entry.Name, blockNr, offset)
		}
	}
	if entry.Inode > self.Super.InodesCount {
		return DirNone
	}
	if entry.NameLen == 0 {
		return DirNone
	}
	if int(entry.RecLen)&direntRound != 0 ||
		int(entry.RecLen) < DirentRecLen(int(entry.NameLen)) ||
		offset+int(entry.RecLen) > blockSize {
		return DirNone
	}
	// Extra paranoia for a block that consists of one single entry:
	// symbol tables and similar byte soup love to look like that.
	if int(entry.RecLen) == blockSize &&
		(entry.FileType&7 == FtUnknown ||
			entry.FileType >= FtMax ||
			entry.NameLen == 1 ||
			strings.HasPrefix(entry.Name, "_Z")) {
		return DirNone
	}
	// The chain must continue to the exact end of the block.
	next := offset + int(entry.RecLen)
	if next != blockSize &&
		self.classifyDirChain(block, blockNr, false, certainlyLinked, next, delayed) == DirNone {
		return DirNone
	}
	// Only certain characters may appear in the name. Unlikely but
	// legal characters are accepted only when the user said so.
	nameOK := true
	for i := 0; i < len(entry.Name); i++ {
		cls := classifyNameChar(entry.Name[i])
		if cls == charOK {
			continue
		}
		if cls == charIllegal {
			return DirNone
		}
		// Names ending in '&nbsp;' occur in the wild; accept the ';'.
		if i == len(entry.Name)-1 && len(entry.Name) > 6 &&
			strings.HasSuffix(entry.Name, "&nbsp;") {
			continue
		}
		if self.AcceptedNames[entry.Name] {
			continue
		}
		nameOK = false
		break
	}
	if !nameOK {
		log.Printf("WARNING: Rejecting possible directory (block #%d) because an entry contains legal but unlikely characters: '%s'.", blockNr, entry.Name)
		log.Printf("If this looks like a filename to you, you must add --accept='%s' as commandline parameter!", entry.Name)
		return DirNone
	}
	if delayed == &localDelayed && localDelayed != "" {
		log.Print(localDelayed)
	}
	if isStart {
		return DirStart
	}
	return DirExtended
}

// ClassifyIndirect reports whether the block contents look like an
// indirect pointer block: every non-zero 32-bit word is a valid block
// number, and once a zero word appears, the rest are zero too.
func (self *Meta) ClassifyIndirect(block []byte) bool {
	le := binary.LittleEndian
	n := len(block) / 4
	seenZero := false
	for i := 0; i < n; i++ {
		v := le.Uint32(block[i*4:])
		if v == 0 {
			seenZero = true
			continue
		}
		if seenZero {
			return false
		}
		if !self.IsBlockNumber(v) {
			return false
		}
	}
	return true
}

// ClassifyDoubleIndirect additionally reads each referenced block and
// requires it to classify as an indirect block.
func (self *Meta) ClassifyDoubleIndirect(block []byte) (bool, error) {
	return self.classifyIndirectDepth(block, 2)
}

// ClassifyTripleIndirect goes one level deeper still.
func (self *Meta) ClassifyTripleIndirect(block []byte) (bool, error) {
	return self.classifyIndirectDepth(block, 3)
}

func (self *Meta) classifyIndirectDepth(block []byte, depth int) (bool, error) {
	if !self.ClassifyIndirect(block) {
		return false, nil
	}
	if depth == 1 {
		return true, nil
	}
	le := binary.LittleEndian
	n := len(block) / 4
	for i := 0; i < n; i++ {
		v := le.Uint32(block[i*4:])
		if v == 0 {
			break
		}
		sub, err := self.Device.GetBlock(v)
		if err != nil {
			return false, err
		}
		ok, err := self.classifyIndirectDepth(sub, depth-1)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}
