/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 13 11:04:17 2019 mstenber
 * Last modified: Tue Apr 30 11:20:55 2019 mstenber
 * Edit time:     121 min
 *
 */

package extfs

import (
	"encoding/binary"

	"github.com/fingon/go-extrescue/mlog"
)

// Walk mask bits: which kinds of blocks the visitor wants to see.
const (
	WalkDirect   = 1
	WalkIndirect = 2
)

// WalkResult tells how a block walk ended. Corrupted means an
// indirect pointer block no longer classified as one; everything
// visited before that point was still reported.
type WalkResult int

const (
	WalkClean WalkResult = iota
	WalkCorrupted
	WalkAborted
)

// Visitor receives block numbers during a walk. Returning true
// aborts the walk.
type Visitor func(nr uint32) bool

type blockWalker struct {
	meta  *Meta
	mask  int
	visit Visitor
}

// WalkBlocks iterates over the inode's data blocks: twelve direct
// pointers, then the single, double and triple indirect chains. The
// mask selects whether data blocks, indirect pointer blocks or both
// are reported. A symlink with zero block count is skipped; its
// pointer array holds text.
func (self *Meta) WalkBlocks(ino *Inode, mask int, visit Visitor) (WalkResult, error) {
	if ino.IsSymlink() && ino.Blocks == 0 {
		return WalkClean, nil
	}
	w := blockWalker{meta: self, mask: mask, visit: visit}
	if mask&WalkDirect != 0 {
		for i := 0; i < NDirBlocks; i++ {
			if ino.Block[i] != 0 && visit(ino.Block[i]) {
				return WalkAborted, nil
			}
		}
	}
	if nr := ino.Block[IndBlock]; nr != 0 {
		if mask&WalkIndirect != 0 && visit(nr) {
			return WalkAborted, nil
		}
		if mask&WalkDirect != 0 {
			if r, err := w.indirect(nr, 1); r != WalkClean || err != nil {
				return r, err
			}
		}
	}
	if nr := ino.Block[DIndBlock]; nr != 0 {
		if mask&WalkIndirect != 0 && visit(nr) {
			return WalkAborted, nil
		}
		if r, err := w.indirect(nr, 2); r != WalkClean || err != nil {
			return r, err
		}
	}
	if nr := ino.Block[TIndBlock]; nr != 0 {
		if mask&WalkIndirect != 0 && visit(nr) {
			return WalkAborted, nil
		}
		if r, err := w.indirect(nr, 3); r != WalkClean || err != nil {
			return r, err
		}
	}
	return WalkClean, nil
}

// indirect walks one indirect pointer block of the given depth. The
// block must still classify as an indirect block; if it does not, it
// has been reused by something else and the walk is over.
func (self *blockWalker) indirect(nr uint32, depth int) (WalkResult, error) {
	buf, err := self.meta.Device.GetBlock(nr)
	if err != nil {
		return WalkClean, err
	}
	if !self.meta.ClassifyIndirect(buf) {
		mlog.Printf2("extfs/walk", "w.indirect %v depth %v: no longer an indirect block", nr, depth)
		return WalkCorrupted, nil
	}
	le := binary.LittleEndian
	n := len(buf) / 4
	for i := 0; i < n; i++ {
		v := le.Uint32(buf[i*4:])
		if v == 0 {
			break
		}
		if depth == 1 {
			if self.mask&WalkDirect != 0 && self.visit(v) {
				return WalkAborted, nil
			}
			continue
		}
		if self.mask&WalkIndirect != 0 && self.visit(v) {
			return WalkAborted, nil
		}
		if r, err := self.indirect(v, depth-1); r != WalkClean || err != nil {
			return r, err
		}
	}
	return WalkClean, nil
}

// FindBlock reports whether the inode's data blocks include nr.
func (self *Meta) FindBlock(ino *Inode, nr uint32) (bool, error) {
	found := false
	_, err := self.WalkBlocks(ino, WalkDirect, func(b uint32) bool {
		if b == nr {
			found = true
			return true
		}
		return false
	})
	return found, err
}
