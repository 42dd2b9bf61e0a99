/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Feb 13 09:21:54 2019 mstenber
 * Last modified: Mon Apr 29 14:40:31 2019 mstenber
 * Edit time:     49 min
 *
 */

package extfs

import "encoding/binary"

// RawDirent is one on-disk directory entry: header plus name. Offset
// is where it sat within its block, which the resolver needs for the
// deleted-entry sweep and for exact-equality comparison.
type RawDirent struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
	Offset   int
}

// ParseDirentAt decodes the directory entry at offset, without any
// validation beyond bounds checking.
func ParseDirentAt(block []byte, offset int) (ret RawDirent, ok bool) {
	if offset < 0 || offset+direntHeaderSize > len(block) {
		return
	}
	le := binary.LittleEndian
	ret.Inode = le.Uint32(block[offset:])
	ret.RecLen = le.Uint16(block[offset+4:])
	ret.NameLen = block[offset+6]
	ret.FileType = block[offset+7]
	ret.Offset = offset
	end := offset + direntHeaderSize + int(ret.NameLen)
	if end > len(block) {
		return
	}
	ret.Name = string(block[offset+direntHeaderSize : end])
	ok = true
	return
}

// ModeMatchesFileType reports whether an inode mode agrees with a
// directory entry's file type hint.
func ModeMatchesFileType(mode uint16, fileType uint8) bool {
	ft := fileType & 7
	return direntModes[ft] == mode&ModeTypeMask
}
