/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 11 11:40:02 2019 mstenber
 * Last modified: Fri Apr 12 14:30:19 2019 mstenber
 * Edit time:     38 min
 *
 */

package util

import (
	"testing"

	"github.com/stvp/assert"
)

func TestMaskRoundTrip(t *testing.T) {
	t.Parallel()

	// bit_of(ptr_of(b)) == b for a whole block worth of bits
	for b := uint(0); b < 8*4096; b++ {
		p := Mask(b)
		assert.Equal(t, p.Mask, uint64(1)<<(b&63))
		back := uint(p.Index)*64 + 0
		m := p.Mask
		for m != 1 {
			m >>= 1
			back++
		}
		assert.Equal(t, back, b)
	}
}

func TestBitmapFromBytes(t *testing.T) {
	t.Parallel()

	b := make([]byte, 16)
	b[0] = 0x01 // bit 0
	b[1] = 0x80 // bit 15
	b[9] = 0x02 // bit 73
	bm := BitmapFromBytes(b)
	assert.True(t, bm.Get(0))
	assert.True(t, bm.Get(15))
	assert.True(t, bm.Get(73))
	assert.True(t, !bm.Get(1))
	assert.True(t, !bm.Get(72))
}

func TestBitmapSetGet(t *testing.T) {
	t.Parallel()

	bm := NewBitmap(1000)
	bm.Set(0)
	bm.Set(63)
	bm.Set(64)
	bm.Set(999)
	assert.True(t, bm.Get(0))
	assert.True(t, bm.Get(63))
	assert.True(t, bm.Get(64))
	assert.True(t, bm.Get(999))
	assert.True(t, !bm.Get(1))
	assert.True(t, !bm.Get(998))
}

func TestBlockNrVector(t *testing.T) {
	t.Parallel()

	var v BlockNrVector
	assert.True(t, v.Empty())
	assert.Equal(t, v.Size(), 0)

	v.PushBack(100)
	assert.True(t, !v.Empty())
	assert.Equal(t, v.Size(), 1)
	assert.Equal(t, v.At(0), uint32(100))

	v.PushBack(200)
	v.PushBack(300)
	assert.Equal(t, v.Size(), 3)
	assert.Equal(t, v.At(0), uint32(100))
	assert.Equal(t, v.At(1), uint32(200))
	assert.Equal(t, v.At(2), uint32(300))

	v.Remove(200)
	assert.Equal(t, v.Size(), 2)
	assert.Equal(t, v.All(), []uint32{100, 300})

	// Collapsing back to the single representation must be
	// invisible to readers.
	v.Remove(300)
	assert.Equal(t, v.Size(), 1)
	assert.Equal(t, v.At(0), uint32(100))

	v.Erase()
	assert.True(t, v.Empty())

	v.Assign([]uint32{7, 8, 9})
	assert.Equal(t, v.All(), []uint32{7, 8, 9})
}
