/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 26 09:02:19 2019 mstenber
 * Last modified: Fri May 10 15:50:33 2019 mstenber
 * Edit time:     44 min
 *
 */

// config holds the run configuration, optionally loaded from a YAML
// file so that accepted filenames and cache settings survive the
// repeated runs a recovery session consists of. Command line flags
// override file values.
package config

import (
	"fmt"
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Accept lists filenames that contain unlikely characters but
	// are nevertheless legal.
	Accept []string `yaml:"accept"`
	// After is the oldest acceptable deletion time (unix seconds)
	// when restoring from journal copies only.
	After int64 `yaml:"after"`
	// OutputDir is the restore root.
	OutputDir string `yaml:"output_dir"`
	// Depth bounds the recursive namespace descent.
	Depth int `yaml:"depth"`
	// BlockCacheSize is the number of blocks the device cache holds.
	BlockCacheSize int `yaml:"block_cache_size"`
	// Mmap maps inode tables instead of reading them.
	Mmap bool `yaml:"mmap"`

	CacheBackend     string `yaml:"cache_backend"`
	CacheCompression string `yaml:"cache_compression"`
	CachePassword    string `yaml:"cache_password"`
	CacheSalt        string `yaml:"cache_salt"`
}

// Load reads the configuration file. A missing file yields the zero
// configuration without error unless the path was given explicitly.
func Load(path string, explicit bool) (*Config, error) {
	self := &Config{}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return self, nil
		}
		return nil, err
	}
	if err = yaml.Unmarshal(data, self); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return self, nil
}

// AcceptedNames returns the accept list as the set the classifier
// wants.
func (self *Config) AcceptedNames() map[string]bool {
	if len(self.Accept) == 0 {
		return nil
	}
	ret := make(map[string]bool, len(self.Accept))
	for _, name := range self.Accept {
		ret[name] = true
	}
	return ret
}
