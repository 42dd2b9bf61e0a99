/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 28 09:31:20 2019 mstenber
 * Last modified: Mon May 13 15:40:12 2019 mstenber
 * Edit time:     126 min
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

func classify(t *testing.T, meta *extfs.Meta, nr uint32, opts extfs.DirClassifyOpts) extfs.DirClass {
	buf, err := meta.Device.GetBlock(nr)
	assert.Nil(t, err)
	return meta.ClassifyDirectory(buf, nr, opts)
}

func TestClassifyDirStart(t *testing.T) {
	b := fstest.New(64)
	b.SetBlock(20, fstest.DirStartBlock(12, 2,
		fstest.Dirent{Inode: 13, Name: "file", FileType: extfs.FtRegular}))
	meta := b.Open(t)

	assert.Equal(t, classify(t, meta, 20, extfs.DirClassifyOpts{CertainlyLinked: true}), extfs.DirStart)
	// Idempotence: re-reading and re-classifying does not change
	// the verdict.
	assert.Equal(t, classify(t, meta, 20, extfs.DirClassifyOpts{CertainlyLinked: true}), extfs.DirStart)
}

func TestClassifyDirExtended(t *testing.T) {
	b := fstest.New(64)
	b.SetBlock(21, fstest.DirBlock(
		fstest.Dirent{Inode: 15, Name: "alpha", FileType: extfs.FtRegular},
		fstest.Dirent{Inode: 16, Name: "beta", FileType: extfs.FtDir}))
	meta := b.Open(t)

	assert.Equal(t, classify(t, meta, 21, extfs.DirClassifyOpts{}), extfs.DirExtended)
	// StartOnly demotes extended blocks.
	assert.Equal(t, classify(t, meta, 21, extfs.DirClassifyOpts{StartOnly: true}), extfs.DirNone)
}

func TestClassifyChainMustReachBlockEnd(t *testing.T) {
	b := fstest.New(64)
	block := fstest.DirBlock(
		fstest.Dirent{Inode: 15, Name: "alpha", FileType: extfs.FtRegular},
		fstest.Dirent{Inode: 16, Name: "beta", FileType: extfs.FtRegular})
	// Shrink the final record length by 4: the chain now stops
	// just short of the block end.
	recLen := binary.LittleEndian.Uint16(block[16+4:])
	binary.LittleEndian.PutUint16(block[16+4:], recLen-4)
	b.SetBlock(22, block)
	meta := b.Open(t)

	assert.Equal(t, classify(t, meta, 22, extfs.DirClassifyOpts{}), extfs.DirNone)
}

func TestClassifyRejectsNotDir(t *testing.T) {
	b := fstest.New(64)
	junk := make([]byte, fstest.BlockSize)
	for i := range junk {
		junk[i] = byte(i * 7)
	}
	b.SetBlock(23, junk)
	// A whole-block single entry whose name starts with "_Z"
	// (symbol table heuristic).
	sym := fstest.DirBlock(fstest.Dirent{Inode: 15, Name: "_Zfoobar", FileType: extfs.FtRegular})
	b.SetBlock(24, sym)
	meta := b.Open(t)

	assert.Equal(t, classify(t, meta, 23, extfs.DirClassifyOpts{}), extfs.DirNone)
	assert.Equal(t, classify(t, meta, 24, extfs.DirClassifyOpts{}), extfs.DirNone)
}

func TestClassifyUnlikelyCharacters(t *testing.T) {
	b := fstest.New(64)
	b.SetBlock(25, fstest.DirBlock(
		fstest.Dirent{Inode: 15, Name: "weird*name", FileType: extfs.FtRegular},
		fstest.Dirent{Inode: 16, Name: "normal", FileType: extfs.FtRegular}))
	meta := b.Open(t)

	// Rejected without the user's blessing...
	assert.Equal(t, classify(t, meta, 25, extfs.DirClassifyOpts{}), extfs.DirNone)
	// ...accepted with it.
	meta.AcceptedNames = map[string]bool{"weird*name": true}
	assert.Equal(t, classify(t, meta, 25, extfs.DirClassifyOpts{}), extfs.DirExtended)
}

func TestClassifyNbspTolerance(t *testing.T) {
	b := fstest.New(64)
	b.SetBlock(26, fstest.DirBlock(
		fstest.Dirent{Inode: 15, Name: "picture&nbsp;", FileType: extfs.FtRegular},
		fstest.Dirent{Inode: 16, Name: "normal", FileType: extfs.FtRegular}))
	meta := b.Open(t)

	assert.Equal(t, classify(t, meta, 26, extfs.DirClassifyOpts{}), extfs.DirExtended)
}

func TestClassifyZeroInode(t *testing.T) {
	b := fstest.New(64)
	// Zero inode with a sane name: not a reason to reject.
	b.SetBlock(27, fstest.DirBlock(
		fstest.Dirent{Inode: 0, Name: "deleted", FileType: extfs.FtRegular},
		fstest.Dirent{Inode: 16, Name: "normal", FileType: extfs.FtRegular}))
	// Zero inode with a nonsense name: reject.
	bad := fstest.DirBlock(
		fstest.Dirent{Inode: 0, Name: "x\x01y", FileType: extfs.FtRegular},
		fstest.Dirent{Inode: 16, Name: "normal", FileType: extfs.FtRegular})
	b.SetBlock(28, bad)
	meta := b.Open(t)

	assert.Equal(t, classify(t, meta, 27, extfs.DirClassifyOpts{CertainlyLinked: true}), extfs.DirExtended)
	assert.Equal(t, classify(t, meta, 28, extfs.DirClassifyOpts{CertainlyLinked: true}), extfs.DirNone)
}

func TestClassifyIndirect(t *testing.T) {
	b := fstest.New(64)
	meta := b.Open(t)
	le := binary.LittleEndian

	block := make([]byte, fstest.BlockSize)
	le.PutUint32(block[0:], 20)
	le.PutUint32(block[4:], 21)
	assert.True(t, meta.ClassifyIndirect(block))

	// All zero: an empty indirect block.
	assert.True(t, meta.ClassifyIndirect(make([]byte, fstest.BlockSize)))

	// Zero followed by non-zero: the run is not terminal.
	le.PutUint32(block[8:], 0)
	le.PutUint32(block[12:], 22)
	assert.True(t, !meta.ClassifyIndirect(block))

	// Out-of-range block number.
	block2 := make([]byte, fstest.BlockSize)
	le.PutUint32(block2[0:], 100000)
	assert.True(t, !meta.ClassifyIndirect(block2))
}

func TestClassifyDoubleIndirect(t *testing.T) {
	b := fstest.New(64)
	le := binary.LittleEndian
	ind := make([]byte, fstest.BlockSize)
	le.PutUint32(ind[0:], 30)
	b.SetBlock(29, ind)
	dind := make([]byte, fstest.BlockSize)
	le.PutUint32(dind[0:], 29)
	b.SetBlock(31, dind)
	// Not an indirect block at all.
	b.SetBlock(32, fstest.DirStartBlock(12, 2))
	meta := b.Open(t)

	buf, err := meta.Device.GetBlock(31)
	assert.Nil(t, err)
	ok, err := meta.ClassifyDoubleIndirect(buf)
	assert.Nil(t, err)
	assert.True(t, ok)

	bad := make([]byte, fstest.BlockSize)
	le.PutUint32(bad[0:], 32)
	ok, err = meta.ClassifyDoubleIndirect(bad)
	assert.Nil(t, err)
	assert.True(t, !ok)
}
