/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 26 09:40:55 2019 mstenber
 * Last modified: Tue Feb 26 10:02:12 2019 mstenber
 * Edit time:     16 min
 *
 */

package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stvp/assert"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "extrescue.yaml")
	body := `
accept:
  - "weird*name"
  - "an|other"
after: 1234567890
output_dir: OUT
depth: 500
cache_backend: bolt
cache_password: hunter2
`
	assert.Nil(t, ioutil.WriteFile(path, []byte(body), 0644))
	conf, err := Load(path, true)
	assert.Nil(t, err)
	assert.Equal(t, conf.After, int64(1234567890))
	assert.Equal(t, conf.OutputDir, "OUT")
	assert.Equal(t, conf.Depth, 500)
	assert.Equal(t, conf.CacheBackend, "bolt")
	names := conf.AcceptedNames()
	assert.True(t, names["weird*name"])
	assert.True(t, names["an|other"])
}

func TestLoadMissing(t *testing.T) {
	t.Parallel()

	conf, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), false)
	assert.Nil(t, err)
	assert.Equal(t, len(conf.Accept), 0)

	_, err = Load(filepath.Join(t.TempDir(), "nope.yaml"), true)
	assert.True(t, err != nil)
}
