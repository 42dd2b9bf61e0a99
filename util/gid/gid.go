/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 11 10:11:02 2019 mstenber
 * Last modified: Mon Feb 11 10:14:55 2019 mstenber
 * Edit time:     3 min
 *
 */

package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

// GetGoroutineID parses the current goroutine id out of the stack
// header. From http://blog.sgmansfield.com/2015/12/goroutine-ids/
func GetGoroutineID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	n, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return n
}
