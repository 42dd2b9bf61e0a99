/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 11 10:50:13 2019 mstenber
 * Last modified: Mon Feb 11 11:01:40 2019 mstenber
 * Edit time:     14 min
 *
 */

package mlog

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/stvp/assert"
)

func TestPrintf2(t *testing.T) {
	var buf bytes.Buffer
	undoLogger := SetLogger(log.New(&buf, "", 0))
	defer undoLogger()
	undoPattern := SetPattern("resolve/")
	defer undoPattern()

	assert.True(t, IsEnabled())
	Printf2("resolve/stage1", "hello %d", 42)
	Printf2("extfs/device", "not this one")
	out := buf.String()
	assert.True(t, strings.Contains(out, "hello 42"))
	assert.True(t, !strings.Contains(out, "not this one"))
}

func TestDisabled(t *testing.T) {
	var buf bytes.Buffer
	undoLogger := SetLogger(log.New(&buf, "", 0))
	defer undoLogger()
	undoPattern := SetPattern("")
	defer undoPattern()

	assert.True(t, !IsEnabled())
	Printf2("resolve/stage1", "nothing")
	assert.Equal(t, buf.String(), "")
}
