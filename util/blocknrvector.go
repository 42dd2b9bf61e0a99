/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 11 11:02:33 2019 mstenber
 * Last modified: Fri Apr 12 14:21:07 2019 mstenber
 * Edit time:     71 min
 *
 */

package util

// BlockNrVector is a space-optimized set of block numbers. Most
// inodes are referenced by zero or one directory block, so the common
// cases are packed into a single word: zero means empty, and one block
// number is stored shifted left by one with the low bit set. Two or
// more block numbers live in the separate many slice instead.
//
// Readers cannot tell the single-entry and multi-entry
// representations apart; Size/At behave identically for both.
type BlockNrVector struct {
	single uint64
	many   []uint32
}

func (self *BlockNrVector) Empty() bool {
	return self.single == 0 && self.many == nil
}

func (self *BlockNrVector) Size() int {
	if self.many != nil {
		return len(self.many)
	}
	if self.single != 0 {
		return 1
	}
	return 0
}

func (self *BlockNrVector) At(i int) uint32 {
	if self.many != nil {
		return self.many[i]
	}
	if i != 0 || self.single == 0 {
		panic("BlockNrVector.At out of range")
	}
	return uint32(self.single >> 1)
}

func (self *BlockNrVector) PushBack(nr uint32) {
	switch {
	case self.many != nil:
		self.many = append(self.many, nr)
	case self.single != 0:
		self.many = []uint32{uint32(self.single >> 1), nr}
		self.single = 0
	default:
		self.single = uint64(nr)<<1 | 1
	}
}

// Remove drops the first occurrence of nr. Removing from a
// single-entry vector or removing a missing number is a programming
// error.
func (self *BlockNrVector) Remove(nr uint32) {
	if self.many == nil {
		panic("BlockNrVector.Remove on non-vector")
	}
	found := -1
	for i, v := range self.many {
		if v == nr {
			found = i
			break
		}
	}
	if found == -1 {
		panic("BlockNrVector.Remove: not present")
	}
	self.many = append(self.many[:found], self.many[found+1:]...)
	if len(self.many) == 1 {
		self.single = uint64(self.many[0])<<1 | 1
		self.many = nil
	}
}

func (self *BlockNrVector) Erase() {
	self.single = 0
	self.many = nil
}

// Assign replaces the contents with the given numbers.
func (self *BlockNrVector) Assign(nrs []uint32) {
	self.Erase()
	for _, nr := range nrs {
		self.PushBack(nr)
	}
}

// All returns the contents as a slice (nil when empty).
func (self *BlockNrVector) All() []uint32 {
	n := self.Size()
	if n == 0 {
		return nil
	}
	r := make([]uint32, n)
	for i := 0; i < n; i++ {
		r[i] = self.At(i)
	}
	return r
}
