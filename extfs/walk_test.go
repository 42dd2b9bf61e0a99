/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 28 11:02:14 2019 mstenber
 * Last modified: Mon May 13 16:10:05 2019 mstenber
 * Edit time:     74 min
 *
 */

package extfs_test

import (
	"encoding/binary"
	"testing"

	"github.com/stvp/assert"

	"github.com/fingon/go-extrescue/extfs"
	"github.com/fingon/go-extrescue/fstest"
)

func indirectBlock(ptrs ...uint32) []byte {
	b := make([]byte, fstest.BlockSize)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(b[i*4:], p)
	}
	return b
}

func collectBlocks(t *testing.T, meta *extfs.Meta, ino *extfs.Inode, mask int) ([]uint32, extfs.WalkResult) {
	var blocks []uint32
	r, err := meta.WalkBlocks(ino, mask, func(nr uint32) bool {
		blocks = append(blocks, nr)
		return false
	})
	assert.Nil(t, err)
	return blocks, r
}

func TestWalkDirectAndIndirect(t *testing.T) {
	b := fstest.New(64)
	b.SetBlock(30, indirectBlock(40, 41))
	spec := fstest.InodeSpec{
		Mode:   extfs.ModeRegular | 0644,
		Size:   14 * fstest.BlockSize,
		Blocks: 15 * 2,
	}
	for i := 0; i < 12; i++ {
		spec.Block[i] = uint32(10 + i)
	}
	spec.Block[extfs.IndBlock] = 30
	b.SetInode(13, spec)
	meta := b.Open(t)

	ino, err := meta.Inode(13)
	assert.Nil(t, err)

	blocks, r := collectBlocks(t, meta, &ino, extfs.WalkDirect)
	assert.Equal(t, r, extfs.WalkClean)
	want := []uint32{10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 40, 41}
	assert.Equal(t, blocks, want)

	// Indirect-only mask sees just the pointer block.
	blocks, r = collectBlocks(t, meta, &ino, extfs.WalkIndirect)
	assert.Equal(t, r, extfs.WalkClean)
	assert.Equal(t, blocks, []uint32{30})
}

func TestWalkCorruptedDoubleIndirect(t *testing.T) {
	b := fstest.New(64)
	b.SetBlock(30, indirectBlock(40, 41))
	// The double indirect block has been reused as a directory.
	b.SetBlock(31, fstest.DirStartBlock(12, 2))
	spec := fstest.InodeSpec{
		Mode:   extfs.ModeRegular | 0644,
		Size:   20 * fstest.BlockSize,
		Blocks: 40,
		Block:  [extfs.NBlocks]uint32{10, 11, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 30, 31},
	}
	b.SetInode(13, spec)
	meta := b.Open(t)

	ino, err := meta.Inode(13)
	assert.Nil(t, err)

	// Direct and single indirect data still comes out; the walk
	// ends Corrupted at the double indirect level.
	blocks, r := collectBlocks(t, meta, &ino, extfs.WalkDirect)
	assert.Equal(t, r, extfs.WalkCorrupted)
	assert.Equal(t, blocks, []uint32{10, 11, 40, 41})
}

func TestWalkEmptyIndirect(t *testing.T) {
	b := fstest.New(64)
	// First word zero: the level is empty, not corrupt.
	b.SetBlock(30, indirectBlock())
	spec := fstest.InodeSpec{
		Mode:   extfs.ModeRegular | 0644,
		Size:   fstest.BlockSize,
		Blocks: 4,
		Block:  [extfs.NBlocks]uint32{10, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 30},
	}
	b.SetInode(13, spec)
	meta := b.Open(t)

	ino, err := meta.Inode(13)
	assert.Nil(t, err)
	blocks, r := collectBlocks(t, meta, &ino, extfs.WalkDirect)
	assert.Equal(t, r, extfs.WalkClean)
	assert.Equal(t, blocks, []uint32{10})
}

func TestWalkSymlinkSkipped(t *testing.T) {
	b := fstest.New(64)
	b.SetInode(14, fstest.InodeSpec{
		Mode:         extfs.ModeSymlink | 0777,
		Size:         4,
		InlineTarget: "dest",
	})
	meta := b.Open(t)

	ino, err := meta.Inode(14)
	assert.Nil(t, err)
	blocks, r := collectBlocks(t, meta, &ino, extfs.WalkDirect|extfs.WalkIndirect)
	assert.Equal(t, r, extfs.WalkClean)
	assert.Equal(t, len(blocks), 0)
}

func TestWalkAbortAndFindBlock(t *testing.T) {
	b := fstest.New(64)
	spec := fstest.InodeSpec{
		Mode:   extfs.ModeRegular | 0644,
		Size:   3 * fstest.BlockSize,
		Blocks: 6,
		Block:  [extfs.NBlocks]uint32{10, 11, 12},
	}
	b.SetInode(13, spec)
	meta := b.Open(t)

	ino, err := meta.Inode(13)
	assert.Nil(t, err)

	var seen []uint32
	r, err := meta.WalkBlocks(&ino, extfs.WalkDirect, func(nr uint32) bool {
		seen = append(seen, nr)
		return nr == 11
	})
	assert.Nil(t, err)
	assert.Equal(t, r, extfs.WalkAborted)
	assert.Equal(t, seen, []uint32{10, 11})

	found, err := meta.FindBlock(&ino, 12)
	assert.Nil(t, err)
	assert.True(t, found)
	found, err = meta.FindBlock(&ino, 50)
	assert.Nil(t, err)
	assert.True(t, !found)
}
