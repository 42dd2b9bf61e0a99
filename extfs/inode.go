/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 12 10:40:02 2019 mstenber
 * Last modified: Mon Apr 29 14:02:47 2019 mstenber
 * Edit time:     108 min
 *
 */

package extfs

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Inode is one parsed inode record. BlockBytes keeps the raw pointer
// array because symlinks shorter than 60 bytes store their target
// there as text.
type Inode struct {
	Mode       uint16
	UID        uint16
	Size       uint64
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GID        uint16
	LinksCount uint16
	Blocks     uint32 // in 512-byte units
	Flags      uint32
	Block      [NBlocks]uint32
	Generation uint32
	BlockBytes [NBlocks * 4]byte
}

// ParseInode decodes one inode record of at least 128 bytes.
func ParseInode(b []byte) (ret Inode, err error) {
	if len(b) < 128 {
		err = fmt.Errorf("inode record: got %d bytes, need 128", len(b))
		return
	}
	le := binary.LittleEndian
	ret.Mode = le.Uint16(b[0x00:])
	ret.UID = le.Uint16(b[0x02:])
	ret.Size = uint64(le.Uint32(b[0x04:]))
	ret.Atime = le.Uint32(b[0x08:])
	ret.Ctime = le.Uint32(b[0x0C:])
	ret.Mtime = le.Uint32(b[0x10:])
	ret.Dtime = le.Uint32(b[0x14:])
	ret.GID = le.Uint16(b[0x18:])
	ret.LinksCount = le.Uint16(b[0x1A:])
	ret.Blocks = le.Uint32(b[0x1C:])
	ret.Flags = le.Uint32(b[0x20:])
	copy(ret.BlockBytes[:], b[0x28:0x64])
	for i := 0; i < NBlocks; i++ {
		ret.Block[i] = le.Uint32(ret.BlockBytes[i*4:])
	}
	ret.Generation = le.Uint32(b[0x64:])
	if ret.Mode&ModeTypeMask == ModeRegular {
		ret.Size |= uint64(le.Uint32(b[0x6C:])) << 32
	}
	return
}

func (self *Inode) IsDirectory() bool {
	return self.Mode&ModeTypeMask == ModeDirectory
}

func (self *Inode) IsRegular() bool {
	return self.Mode&ModeTypeMask == ModeRegular
}

func (self *Inode) IsSymlink() bool {
	return self.Mode&ModeTypeMask == ModeSymlink
}

// TypeString names the inode type for diagnostics.
func (self *Inode) TypeString() string {
	switch self.Mode & ModeTypeMask {
	case ModeFifo:
		return "FIFO"
	case ModeCharDev:
		return "character device"
	case ModeDirectory:
		return "directory"
	case ModeBlockDev:
		return "block device"
	case ModeRegular:
		return "regular file"
	case ModeSymlink:
		return "symbolic link"
	case ModeSocket:
		return "UNIX socket"
	}
	return "*unknown*"
}

// InlineSymlinkTarget decodes the symlink target stored in the block
// pointer array of a symlink whose block count is zero, stopping at
// the first NUL or at size.
func (self *Inode) InlineSymlinkTarget() string {
	n := int(self.Size)
	if n > len(self.BlockBytes) {
		n = len(self.BlockBytes)
	}
	b := self.BlockBytes[:n]
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (self *Inode) String() string {
	return fmt.Sprintf("%s mode %04o uid/gid %d/%d size %d blocks %d links %d mtime %s dtime %d",
		self.TypeString(), self.Mode&^uint16(ModeTypeMask), self.UID, self.GID,
		self.Size, self.Blocks, self.LinksCount,
		time.Unix(int64(self.Mtime), 0).UTC().Format(time.RFC3339), self.Dtime)
}
