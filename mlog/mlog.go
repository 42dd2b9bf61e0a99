/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 11 10:02:44 2019 mstenber
 * Last modified: Wed Mar 27 11:40:12 2019 mstenber
 * Edit time:     61 min
 *
 */

// mlog is maybe-log. It is a small wrapper around the standard 'log'
// which prints only what has been asked for, selected by a regular
// expression matched against the source file providing the log
// statement. What is not matched costs next to nothing.
//
// Enable with the EXTRESCUE_MLOG environment variable or the -mlog
// flag, e.g. EXTRESCUE_MLOG=resolve/ to trace the resolver only.
//
// Call stack depth is used to indent output automatically, which
// makes following the recursive directory walks bearable.
package mlog

import (
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/fingon/go-extrescue/util/gid"
)

var logger = log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)

var flagPattern = flag.String("mlog", "", "Enable logging based on the given file/line regular expression")

const maxDepth = 100

var mutex sync.Mutex

// Everything below must be accessed only with mutex held.
var initialized bool
var enabled bool
var patternRegexp *regexp.Regexp
var fileMatch map[string]bool
var minDepth = maxDepth
var callers = make([]uintptr, maxDepth)

func initialize() {
	initialized = true
	pattern := os.Getenv("EXTRESCUE_MLOG")
	if *flagPattern != "" {
		pattern = *flagPattern
	}
	setPattern(pattern)
}

func setPattern(pattern string) {
	if pattern == "" {
		enabled = false
		return
	}
	patternRegexp = regexp.MustCompile(pattern)
	fileMatch = make(map[string]bool)
	enabled = true
}

// SetPattern sets the mlog pattern by hand, overriding the
// environment variable-provided value. The returned undo function
// restores the old state.
func SetPattern(p string) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	oldEnabled, oldRegexp, oldMatch := enabled, patternRegexp, fileMatch
	initialized = true
	setPattern(p)
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		enabled, patternRegexp, fileMatch = oldEnabled, oldRegexp, oldMatch
	}
}

// SetLogger overrides the logger used as output. The returned undo
// function restores the old one.
func SetLogger(l *log.Logger) (undo func()) {
	mutex.Lock()
	defer mutex.Unlock()
	old := logger
	logger = l
	return func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = old
	}
}

// IsEnabled can be used to check if mlog is in use at all before
// doing something expensive just to produce log arguments.
func IsEnabled() bool {
	mutex.Lock()
	defer mutex.Unlock()
	if !initialized {
		initialize()
	}
	return enabled
}

// Printf is a drop-in replacement of log.Printf. It performs
// runtime.Caller() even when disabled; prefer Printf2.
func Printf(format string, args ...interface{}) {
	_, file, _, ok := runtime.Caller(1)
	if !ok {
		return
	}
	Printf2(file, format, args...)
}

// Printf2 is the premier choice instead of Printf. It is supplied
// with the name of the file, and therefore has no runtime penalty to
// speak of when the pattern does not match.
func Printf2(file string, format string, args ...interface{}) {
	mutex.Lock()
	defer mutex.Unlock()
	if !initialized {
		initialize()
	}
	if !enabled {
		return
	}
	match, seen := fileMatch[file]
	if !seen {
		match = patternRegexp.FindString(file) != ""
		fileMatch[file] = match
	}
	if !match {
		return
	}
	depth := runtime.Callers(1, callers)
	if depth < minDepth {
		minDepth = depth
	}
	depth -= minDepth
	if depth > 0 {
		format = strings.Repeat(".", depth) + format
	}
	format = fmt.Sprintf("%8d %s", gid.GetGoroutineID(), format)
	logger.Printf(format, args...)
}
