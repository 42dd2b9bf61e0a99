/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 22 09:10:31 2019 mstenber
 * Last modified: Wed May  8 11:31:40 2019 mstenber
 * Edit time:     97 min
 *
 */

// cachestore persists the analysis stage payloads between runs. The
// codec layer transforms payload bytes on the way in and out:
// compressing, encrypting, or a chain of both. Codecs are given in
// decoding order; the chain encodes through them in reverse.
package cachestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"log"

	"github.com/golang/snappy"
	sha256 "github.com/minio/sha256-simd"
	"github.com/pierrec/lz4"
	"golang.org/x/crypto/pbkdf2"
)

// Codec is a single reversible transformation of byte slices.
type Codec interface {
	EncodeBytes(data []byte) (ret []byte, err error)
	DecodeBytes(data []byte) (ret []byte, err error)
}

// Compression algorithm markers; the first byte of a compressed
// payload.
const (
	compressionPlain  = 0
	compressionSnappy = 1
	compressionLZ4    = 2
)

// CompressingCodec compresses with snappy or lz4. If compression
// does not help, the payload is marked plain and passed as-is at the
// cost of one byte.
type CompressingCodec struct {
	// Algorithm is "snappy" (default) or "lz4".
	Algorithm string
}

func (self *CompressingCodec) EncodeBytes(data []byte) (ret []byte, err error) {
	var compressed []byte
	var marker byte
	switch self.Algorithm {
	case "", "snappy":
		marker = compressionSnappy
		compressed = snappy.Encode(nil, data)
	case "lz4":
		marker = compressionLZ4
		buf := make([]byte, len(data))
		var n int
		n, err = lz4.CompressBlock(data, buf, 0)
		if err != nil {
			return
		}
		compressed = buf[:n]
	default:
		err = fmt.Errorf("unknown compression algorithm %q", self.Algorithm)
		return
	}
	if len(compressed) == 0 || len(compressed) >= len(data) {
		ret = append([]byte{compressionPlain}, data...)
		return
	}
	ret = append([]byte{marker}, compressed...)
	return
}

func (self *CompressingCodec) DecodeBytes(data []byte) (ret []byte, err error) {
	if len(data) == 0 {
		err = fmt.Errorf("empty compressed payload")
		return
	}
	body := data[1:]
	switch data[0] {
	case compressionPlain:
		ret = body
	case compressionSnappy:
		ret, err = snappy.Decode(nil, body)
	case compressionLZ4:
		size := 4 * len(body)
		for {
			buf := make([]byte, size)
			var n int
			n, err = lz4.UncompressBlock(body, buf, 0)
			if err == lz4.ErrShortBuffer {
				size *= 2
				continue
			}
			if err != nil {
				return
			}
			ret = buf[:n]
			return
		}
	default:
		err = fmt.Errorf("unknown compression marker %d", data[0])
	}
	return
}

// EncryptingCodec is an AES-GCM encrypting and authenticating codec.
// The key is derived from password and salt with PBKDF2 over
// SHA-256. Payload framing is nonce followed by ciphertext.
type EncryptingCodec struct {
	gcm cipher.AEAD
}

func (self EncryptingCodec) Init(password, salt []byte, iter int) *EncryptingCodec {
	mk := pbkdf2.Key(password, salt, iter, 32, sha256.New)
	block, err := aes.NewCipher(mk)
	if err != nil {
		log.Fatal(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Fatal(err)
	}
	self.gcm = gcm
	return &self
}

func (self *EncryptingCodec) EncodeBytes(data []byte) (ret []byte, err error) {
	nonce := make([]byte, self.gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return
	}
	ret = self.gcm.Seal(nonce, nonce, data, nil)
	return
}

func (self *EncryptingCodec) DecodeBytes(data []byte) (ret []byte, err error) {
	ns := self.gcm.NonceSize()
	if len(data) < ns {
		err = fmt.Errorf("encrypted payload shorter than nonce")
		return
	}
	ret, err = self.gcm.Open(nil, data[:ns], data[ns:], nil)
	return
}

// CodecChain combines codecs; they are given in decoding order, so
// an encrypting codec goes before a compressing one.
type CodecChain struct {
	codecs []Codec
}

func (self CodecChain) Init(codecs ...Codec) *CodecChain {
	self.codecs = codecs
	return &self
}

func (self *CodecChain) EncodeBytes(data []byte) (ret []byte, err error) {
	ret = data
	for i := len(self.codecs) - 1; i >= 0; i-- {
		ret, err = self.codecs[i].EncodeBytes(ret)
		if err != nil {
			return
		}
	}
	return
}

func (self *CodecChain) DecodeBytes(data []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.codecs {
		ret, err = c.DecodeBytes(ret)
		if err != nil {
			return
		}
	}
	return
}
