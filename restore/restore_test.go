/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Mar  5 10:40:12 2019 mstenber
 * Last modified: Wed May 15 15:48:31 2019 mstenber
 * Edit time:     241 min
 *
 */

package restore_test

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stvp/assert"

	"github.com/fingon/go-extrescue/extfs"
	"github.com/fingon/go-extrescue/fstest"
	"github.com/fingon/go-extrescue/journal"
	"github.com/fingon/go-extrescue/resolve"
	"github.com/fingon/go-extrescue/restore"
)

type env struct {
	meta *extfs.Meta
	jnl  *journal.Index
	res  *resolve.Resolver
	rst  *restore.Restorer
	out  string
}

func setup(t *testing.T, b *fstest.ImageBuilder) *env {
	meta := b.Open(t)
	jnl := &journal.Index{}
	assert.Nil(t, jnl.Init(meta))
	res := &resolve.Resolver{}
	res.Init(meta, jnl)
	assert.Nil(t, res.Stage2())
	res.BuildFileIndex()
	out := filepath.Join(t.TempDir(), "RESTORED_FILES")
	rst := &restore.Restorer{OutputDir: out, Report: restore.NewReport()}
	rst.Init(meta, jnl, res)
	return &env{meta: meta, jnl: jnl, res: res, rst: rst, out: out}
}

func fillBlock(value byte) []byte {
	b := make([]byte, fstest.BlockSize)
	for i := range b {
		b[i] = value
	}
	return b
}

func rootWithA(b *fstest.ImageBuilder, aEntries ...fstest.Dirent) {
	b.SetInode(extfs.RootInode, fstest.InodeSpec{
		Mode: extfs.ModeDirectory | 0755, Size: fstest.BlockSize,
		Atime: 10, Ctime: 10, Mtime: 10, Links: 3, Blocks: 2,
		Block: [extfs.NBlocks]uint32{10},
	})
	b.AllocBlock(10)
	b.SetBlock(10, fstest.DirStartBlock(extfs.RootInode, extfs.RootInode,
		fstest.Dirent{Inode: 12, Name: "A", FileType: extfs.FtDir}))
	b.SetInode(12, fstest.InodeSpec{
		Mode: extfs.ModeDirectory | 0750, Size: fstest.BlockSize,
		Atime: 100, Ctime: 200, Mtime: 300, Links: 2, Blocks: 2,
		Block: [extfs.NBlocks]uint32{11},
	})
	b.AllocInode(12)
	b.AllocBlock(11)
	b.SetBlock(11, fstest.DirStartBlock(12, extfs.RootInode, aEntries...))
}

// Round trip of a regular file: the directory entry survives, the
// inode was never deleted; content comes back byte for byte with a
// short final block.
func TestRestoreRegularFile(t *testing.T) {
	b := fstest.New(64)
	rootWithA(b, fstest.Dirent{Inode: 13, Name: "f", FileType: extfs.FtRegular})
	size := uint32(fstest.BlockSize + 476)
	b.SetInode(13, fstest.InodeSpec{
		Mode: extfs.ModeRegular | 0640, Size: size,
		Atime: 1000, Ctime: 2000, Mtime: 3000, Links: 1, Blocks: 4,
		Block: [extfs.NBlocks]uint32{40, 41},
	})
	b.SetBlock(40, fillBlock('x'))
	b.SetBlock(41, fillBlock('y'))
	b.SimpleJournal(20)

	e := setup(t, b)
	assert.Nil(t, e.rst.RestoreFile("A/f"))

	data, err := ioutil.ReadFile(filepath.Join(e.out, "A/f"))
	assert.Nil(t, err)
	assert.Equal(t, len(data), int(size))
	assert.True(t, bytes.Equal(data[:fstest.BlockSize], fillBlock('x')))
	assert.True(t, bytes.Equal(data[fstest.BlockSize:], fillBlock('y')[:476]))

	st, err := os.Stat(filepath.Join(e.out, "A/f"))
	assert.Nil(t, err)
	assert.Equal(t, st.Mode().Perm(), os.FileMode(0640))

	// The ancestor directory was restored with its metadata.
	st, err = os.Stat(filepath.Join(e.out, "A"))
	assert.Nil(t, err)
	assert.True(t, st.IsDir())
	assert.Equal(t, st.Mode().Perm(), os.FileMode(0750))
}

// The current inode is deleted; the journal holds an older copy with
// dtime zero and intact block pointers. The higher-sequence copy is
// the one restored from.
func TestRestoreFromJournalInode(t *testing.T) {
	b := fstest.New(64)
	rootWithA(b, fstest.Dirent{Inode: 13, Name: "f", FileType: extfs.FtRegular})
	// Current inode: deleted, pointers wiped.
	b.SetInode(13, fstest.InodeSpec{
		Mode: extfs.ModeRegular | 0644, Dtime: 5000, Atime: 1000, Mtime: 3000,
	})
	b.SetBlock(40, fillBlock('1'))
	b.SetBlock(41, fillBlock('2'))
	// Two journal copies of inode table block 6: sequence 7 points
	// at block 40, sequence 8 at block 41. The newer must win.
	oldSnap := make([]byte, fstest.BlockSize)
	copy(oldSnap[4*fstest.InodeSize:], fstest.EncodeInodeBytes(fstest.InodeSpec{
		Mode: extfs.ModeRegular | 0644, Size: 8, Atime: 1000, Mtime: 3000, Links: 1,
		Blocks: 2, Block: [extfs.NBlocks]uint32{40},
	}))
	newSnap := make([]byte, fstest.BlockSize)
	copy(newSnap[4*fstest.InodeSize:], fstest.EncodeInodeBytes(fstest.InodeSpec{
		Mode: extfs.ModeRegular | 0644, Size: 8, Atime: 1100, Mtime: 3100, Links: 1,
		Blocks: 2, Block: [extfs.NBlocks]uint32{41},
	}))
	b.SimpleJournal(20,
		fstest.JournalDescriptorBlock(7, fstest.TagSpec{BlockNr: 6}), // 21
		oldSnap,                      // 22
		fstest.JournalCommitBlock(7), // 23
		fstest.JournalDescriptorBlock(8, fstest.TagSpec{BlockNr: 6}), // 24
		newSnap,                      // 25
		fstest.JournalCommitBlock(8), // 26
	)

	e := setup(t, b)
	assert.Nil(t, e.rst.RestoreFile("A/f"))
	data, err := ioutil.ReadFile(filepath.Join(e.out, "A/f"))
	assert.Nil(t, err)
	assert.Equal(t, string(data), "22222222")
}

func TestRestoreTooOldAndMissing(t *testing.T) {
	b := fstest.New(64)
	rootWithA(b, fstest.Dirent{Inode: 13, Name: "f", FileType: extfs.FtRegular})
	b.SetInode(13, fstest.InodeSpec{
		Mode: extfs.ModeRegular | 0644, Dtime: 5000, Atime: 1000, Mtime: 3000,
	})
	// The only journal copy is deleted too, before the floor.
	snap := make([]byte, fstest.BlockSize)
	copy(snap[4*fstest.InodeSize:], fstest.EncodeInodeBytes(fstest.InodeSpec{
		Mode: extfs.ModeRegular | 0644, Size: 8, Dtime: 4000, Atime: 1000, Mtime: 3000,
	}))
	b.SimpleJournal(20,
		fstest.JournalDescriptorBlock(9, fstest.TagSpec{BlockNr: 6}), // 21
		snap,                         // 22
		fstest.JournalCommitBlock(9), // 23
	)

	e := setup(t, b)
	e.rst.After = 4500
	err := e.rst.RestoreFile("A/f")
	assert.Equal(t, err, restore.ErrTooOld)

	e.rst.After = 0
	err = e.rst.RestoreFile("A/f")
	assert.Equal(t, err, restore.ErrNoInode)
}

// Corrupted double indirect chain: the direct blocks are written
// out, the corruption is reported, the partial file is kept.
func TestRestorePartialOnCorruption(t *testing.T) {
	b := fstest.New(64)
	rootWithA(b, fstest.Dirent{Inode: 13, Name: "big", FileType: extfs.FtRegular})
	spec := fstest.InodeSpec{
		Mode: extfs.ModeRegular | 0644, Size: 30 * fstest.BlockSize,
		Atime: 1000, Mtime: 3000, Links: 1, Blocks: 60,
	}
	for i := 0; i < 12; i++ {
		spec.Block[i] = uint32(30 + i)
		b.SetBlock(uint32(30+i), fillBlock(byte('a'+i)))
	}
	// The double indirect pointer leads to a reused block.
	spec.Block[extfs.DIndBlock] = 42
	b.SetBlock(42, fstest.DirStartBlock(12, 2))
	b.SetInode(13, spec)
	b.SimpleJournal(20)

	e := setup(t, b)
	assert.Nil(t, e.rst.RestoreFile("A/big"))
	data, err := ioutil.ReadFile(filepath.Join(e.out, "A/big"))
	assert.Nil(t, err)
	assert.Equal(t, len(data), 12*fstest.BlockSize)
	assert.Equal(t, data[0], byte('a'))
	assert.Equal(t, data[11*fstest.BlockSize], byte('l'))
}

func TestRestoreSymlinks(t *testing.T) {
	b := fstest.New(64)
	rootWithA(b,
		fstest.Dirent{Inode: 14, Name: "short", FileType: extfs.FtSymlink},
		fstest.Dirent{Inode: 15, Name: "long", FileType: extfs.FtSymlink},
		fstest.Dirent{Inode: 16, Name: "empty", FileType: extfs.FtSymlink})
	b.SetInode(14, fstest.InodeSpec{
		Mode: extfs.ModeSymlink | 0777, Size: 6, Atime: 1000, Ctime: 2000,
		InlineTarget: "target",
	})
	target := make([]byte, fstest.BlockSize)
	copy(target, "over/there")
	b.SetBlock(43, target)
	b.SetInode(15, fstest.InodeSpec{
		Mode: extfs.ModeSymlink | 0777, Size: 10, Atime: 1000, Ctime: 2000,
		Blocks: 2, Block: [extfs.NBlocks]uint32{43},
	})
	b.SetInode(16, fstest.InodeSpec{
		Mode: extfs.ModeSymlink | 0777, Size: 0, Atime: 1000, Ctime: 2000,
	})
	b.SimpleJournal(20)

	e := setup(t, b)
	assert.Nil(t, e.rst.RestoreFile("A/short"))
	got, err := os.Readlink(filepath.Join(e.out, "A/short"))
	assert.Nil(t, err)
	assert.Equal(t, got, "target")

	assert.Nil(t, e.rst.RestoreFile("A/long"))
	got, err = os.Readlink(filepath.Join(e.out, "A/long"))
	assert.Nil(t, err)
	assert.Equal(t, got, "over/there")

	// Zero length symlink: warned about and skipped.
	assert.Nil(t, e.rst.RestoreFile("A/empty"))
	_, err = os.Lstat(filepath.Join(e.out, "A/empty"))
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreUnsupportedType(t *testing.T) {
	b := fstest.New(64)
	rootWithA(b, fstest.Dirent{Inode: 17, Name: "dev", FileType: extfs.FtCharDev})
	b.SetInode(17, fstest.InodeSpec{
		Mode: extfs.ModeCharDev | 0644, Atime: 1000, Mtime: 3000, Links: 1,
	})
	b.SimpleJournal(20)

	e := setup(t, b)
	err := e.rst.RestoreFile("A/dev")
	assert.Equal(t, err, restore.ErrUnsupportedType)
}

func TestRestoreAllAndReport(t *testing.T) {
	b := fstest.New(64)
	rootWithA(b, fstest.Dirent{Inode: 13, Name: "f", FileType: extfs.FtRegular})
	b.SetInode(13, fstest.InodeSpec{
		Mode: extfs.ModeRegular | 0644, Size: 4,
		Atime: 1000, Ctime: 2000, Mtime: 3000, Links: 1, Blocks: 2,
		Block: [extfs.NBlocks]uint32{40},
	})
	data := make([]byte, fstest.BlockSize)
	copy(data, "data")
	b.SetBlock(40, data)
	b.SimpleJournal(20)

	e := setup(t, b)
	e.rst.RestoreAll()
	assert.Nil(t, e.rst.Report.Write(e.out))

	_, err := os.Stat(filepath.Join(e.out, "A/f"))
	assert.Nil(t, err)
	report, err := ioutil.ReadFile(filepath.Join(e.out, ".extrescue-report"))
	assert.Nil(t, err)
	assert.True(t, bytes.Contains(report, []byte("A/f")))
	// SHA-256 of "data".
	assert.True(t, bytes.Contains(report, []byte("3a6eb0790f39ac87c94f3856b2dd2c5d110e6811602261a9a923d3bb23adc8b7")))
}
