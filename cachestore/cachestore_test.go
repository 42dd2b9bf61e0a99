/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Mar  6 09:15:28 2019 mstenber
 * Last modified: Wed May 15 16:40:19 2019 mstenber
 * Edit time:     92 min
 *
 */

package cachestore

import (
	"bytes"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stvp/assert"
)

var testPayload = bytes.Repeat([]byte("# Stage 1 data for image\n12 : 100 101\n"), 100)

func prodCodec(t *testing.T, c Codec) {
	encoded, err := c.EncodeBytes(testPayload)
	assert.Nil(t, err)
	decoded, err := c.DecodeBytes(encoded)
	assert.Nil(t, err)
	assert.Equal(t, decoded, testPayload)
}

func TestCompressingCodec(t *testing.T) {
	t.Parallel()

	for _, algo := range []string{"", "snappy", "lz4"} {
		c := &CompressingCodec{Algorithm: algo}
		prodCodec(t, c)
		// Repetitive payload should actually shrink.
		encoded, err := c.EncodeBytes(testPayload)
		assert.Nil(t, err)
		assert.True(t, len(encoded) < len(testPayload))
	}

	// Incompressible input falls back to the plain marker.
	c := &CompressingCodec{}
	random := make([]byte, 64)
	for i := range random {
		random[i] = byte(i*37 + 11)
	}
	encoded, err := c.EncodeBytes(random)
	assert.Nil(t, err)
	assert.Equal(t, encoded[0], byte(compressionPlain))
	decoded, err := c.DecodeBytes(encoded)
	assert.Nil(t, err)
	assert.Equal(t, decoded, random)
}

func TestEncryptingCodec(t *testing.T) {
	t.Parallel()

	c := EncryptingCodec{}.Init([]byte("secret"), []byte("salt"), 100)
	prodCodec(t, c)

	encoded, err := c.EncodeBytes(testPayload)
	assert.Nil(t, err)
	// Wrong password cannot decode.
	c2 := EncryptingCodec{}.Init([]byte("wrong"), []byte("salt"), 100)
	_, err = c2.DecodeBytes(encoded)
	assert.True(t, err != nil)
}

func TestCodecChain(t *testing.T) {
	t.Parallel()

	chain := CodecChain{}.Init(
		EncryptingCodec{}.Init([]byte("secret"), []byte("salt"), 100),
		&CompressingCodec{})
	prodCodec(t, chain)
}

func prodStore(t *testing.T, s Store) {
	_, ok := s.Get("stage1")
	assert.True(t, !ok)
	assert.Nil(t, s.Put("stage1", testPayload))
	data, ok := s.Get("stage1")
	assert.True(t, ok)
	assert.Equal(t, data, testPayload)
	_, ok = s.Get("stage2")
	assert.True(t, !ok)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir, "image.img")
	defer s.Close()
	prodStore(t, s)

	// The payload lands verbatim in the classic cache file.
	data, err := ioutil.ReadFile(filepath.Join(dir, "image.img.ext3grep.stage1"))
	assert.Nil(t, err)
	assert.Equal(t, data, testPayload)
}

func TestBoltStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir, "image.img")
	assert.Nil(t, err)
	defer s.Close()
	prodStore(t, s)
}

func TestBadgerStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBadgerStore(dir, "image.img")
	assert.Nil(t, err)
	defer s.Close()
	prodStore(t, s)
}

func TestFactory(t *testing.T) {
	assert.Equal(t, List(), []string{"badger", "bolt", "text"})

	_, err := New(Config{Backend: "nonsense"})
	assert.True(t, err != nil)

	dir := t.TempDir()
	s, err := New(Config{Backend: "bolt", Directory: dir, Basename: "image.img",
		Password: "hunter2", Salt: "pepper"})
	assert.Nil(t, err)
	prodStore(t, s)
	s.Close()

	// The stored payload is not the plaintext.
	raw, err := NewBoltStore(dir, "image.img")
	assert.Nil(t, err)
	defer raw.Close()
	stored, ok := raw.Get("stage1")
	assert.True(t, ok)
	assert.True(t, !bytes.Equal(stored, testPayload))
}
