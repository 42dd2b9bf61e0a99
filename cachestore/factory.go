/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Fri Feb 22 12:02:17 2019 mstenber
 * Last modified: Wed May  8 13:10:34 2019 mstenber
 * Edit time:     48 min
 *
 */

package cachestore

import (
	"fmt"
	"sort"

	"github.com/fingon/go-extrescue/mlog"
)

// Config selects and parameterizes a cache backend. The text backend
// stores payloads verbatim; the database backends pass them through
// a compressing codec and, when a password is set, an encrypting one.
type Config struct {
	// Backend is one of List().
	Backend string
	// Directory the cache lives in (the working directory, normally).
	Directory string
	// Basename of the device; cache names derive from it.
	Basename string
	// Compression is "snappy" (default) or "lz4".
	Compression string
	// Password enables payload encryption (not for "text").
	Password string
	Salt     string
	// Iterations of key derivation; a sane default is applied.
	Iterations int
}

type factoryCallback func(config Config) (Store, error)

var backendFactories = map[string]factoryCallback{
	"text": func(config Config) (Store, error) {
		return NewFileStore(config.Directory, config.Basename), nil
	},
	"bolt": func(config Config) (Store, error) {
		return NewBoltStore(config.Directory, config.Basename)
	},
	"badger": func(config Config) (Store, error) {
		return NewBadgerStore(config.Directory, config.Basename)
	},
}

// List returns the known backend names.
func List() []string {
	keys := make([]string, 0, len(backendFactories))
	for k := range backendFactories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// New creates the configured store. Everything except the text
// backend gets the codec chain in front of it.
func New(config Config) (Store, error) {
	mlog.Printf2("cachestore/factory", "f.New %v", config.Backend)
	cb := backendFactories[config.Backend]
	if cb == nil {
		return nil, fmt.Errorf("unknown cache backend %q (possible: %v)", config.Backend, List())
	}
	store, err := cb(config)
	if err != nil {
		return nil, err
	}
	if config.Backend == "text" {
		return store, nil
	}
	codecs := []Codec{}
	if config.Password != "" {
		iterations := config.Iterations
		if iterations == 0 {
			iterations = 12345
		}
		codecs = append(codecs,
			EncryptingCodec{}.Init([]byte(config.Password), []byte(config.Salt), iterations))
	}
	codecs = append(codecs, &CompressingCodec{Algorithm: config.Compression})
	return NewCodecStore(store, CodecChain{}.Init(codecs...)), nil
}
