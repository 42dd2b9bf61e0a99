/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Thu Feb 21 09:40:31 2019 mstenber
 * Last modified: Wed May  8 10:12:26 2019 mstenber
 * Edit time:     176 min
 *
 */

package resolve

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/fingon/go-extrescue/cachestore"
	"github.com/fingon/go-extrescue/mlog"
)

// Stage result caching. The payload formats are plain text:
//
// Stage 1 - '#' comment lines, then one record per inode as
// "INODE : BLOCK [BLOCK ...]", a separating comment, then one
// extended block number per line.
//
// Stage 2 - comment header, then one record per inode as
// "INODE 'PATH' BLOCK [BLOCK ...]". The path is single-quoted and
// may contain any byte except the quote itself; the empty path is
// the root.
//
// Where the payloads live (plain files, bolt, badger) is the
// cachestore's business.

const (
	stage1Name = "stage1"
	stage2Name = "stage2"
)

// Stage1Cached runs stage 1, or loads its cached output.
func (self *Resolver) Stage1Cached(store cachestore.Store) error {
	if data, ok := store.Get(stage1Name); ok {
		log.Printf("Loading cached stage 1 data...")
		if err := self.ParseStage1(data); err != nil {
			return fmt.Errorf("stage 1 cache: %w", err)
		}
		return nil
	}
	log.Printf("Finding all blocks that might be directories.")
	if err := self.Stage1(); err != nil {
		return err
	}
	log.Printf("Writing stage 1 analysis to the cache. Delete it if you want to do this stage again.")
	return store.Put(stage1Name, self.SerializeStage1())
}

// Stage2Cached runs stage 2 (plus stage 1 if needed), or loads the
// cached namespace.
func (self *Resolver) Stage2Cached(store cachestore.Store) error {
	if data, ok := store.Get(stage2Name); ok {
		log.Printf("Loading cached stage 2 data...")
		if err := self.ParseStage2(data); err != nil {
			return fmt.Errorf("stage 2 cache: %w", err)
		}
		return nil
	}
	if err := self.Stage1Cached(store); err != nil {
		return err
	}
	if err := self.Stage2(); err != nil {
		return err
	}
	log.Printf("Writing stage 2 analysis to the cache. Delete it if you want to do this stage again.")
	return store.Put(stage2Name, self.SerializeStage2())
}

func (self *Resolver) SerializeStage1() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Stage 1 data for %s.\n", self.Meta.Device.Name)
	fmt.Fprintf(&b, "# Inodes and directory start blocks that use it for dir entry '.'.\n")
	fmt.Fprintf(&b, "# INODE : BLOCK [BLOCK ...]\n")
	for i := uint32(1); i <= self.Meta.Super.InodesCount; i++ {
		bv := &self.DirInodeToBlock[i]
		if bv.Empty() {
			continue
		}
		fmt.Fprintf(&b, "%d :", i)
		for j := 0; j < bv.Size(); j++ {
			fmt.Fprintf(&b, " %d", bv.At(j))
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "# Extended directory blocks.\n")
	for _, block := range self.ExtendedBlocks {
		fmt.Fprintf(&b, "%d\n", block)
	}
	return b.Bytes()
}

func (self *Resolver) ParseStage1(data []byte) error {
	self.ExtendedBlocks = nil
	self.stage1Done = true
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		if i := strings.IndexByte(line, ':'); i >= 0 {
			inodeNr, err := strconv.ParseUint(strings.TrimSpace(line[:i]), 10, 32)
			if err != nil {
				return fmt.Errorf("bad inode number in %q", line)
			}
			if inodeNr < 1 || uint32(inodeNr) > self.Meta.Super.InodesCount {
				return fmt.Errorf("inode %d out of range", inodeNr)
			}
			blocks, err := parseBlockList(line[i+1:])
			if err != nil {
				return err
			}
			self.DirInodeToBlock[inodeNr].Assign(blocks)
			continue
		}
		block, err := strconv.ParseUint(line, 10, 32)
		if err != nil {
			return fmt.Errorf("bad extended block in %q", line)
		}
		self.ExtendedBlocks = append(self.ExtendedBlocks, uint32(block))
	}
	return scanner.Err()
}

func (self *Resolver) SerializeStage2() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Stage 2 data for %s.\n", self.Meta.Device.Name)
	fmt.Fprintf(&b, "# Inodes path and directory blocks.\n")
	fmt.Fprintf(&b, "# INODE PATH BLOCK [BLOCK ...]\n")
	// Deterministic order: by inode.
	inodes := make([]uint32, 0, len(self.InodeToDirectory))
	for i := range self.InodeToDirectory {
		inodes = append(inodes, i)
	}
	sort.Slice(inodes, func(i, j int) bool { return inodes[i] < inodes[j] })
	for _, i := range inodes {
		path := self.InodeToDirectory[i]
		dir := self.AllDirectories[path]
		fmt.Fprintf(&b, "%d '%s'", i, path)
		for j := range dir.Blocks {
			fmt.Fprintf(&b, " %d", dir.Blocks[j].Block)
		}
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func (self *Resolver) ParseStage2(data []byte) error {
	self.AllDirectories = make(map[string]*Directory)
	self.InodeToDirectory = make(map[uint32]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed[0] == '#' {
			continue
		}
		space := strings.IndexByte(line, ' ')
		if space < 0 {
			return fmt.Errorf("malformed stage 2 record %q", line)
		}
		inodeNr, err := strconv.ParseUint(line[:space], 10, 32)
		if err != nil {
			return fmt.Errorf("bad inode number in %q", line)
		}
		rest := line[space+1:]
		if len(rest) == 0 || rest[0] != '\'' {
			return fmt.Errorf("missing path quote in %q", line)
		}
		end := strings.IndexByte(rest[1:], '\'')
		if end < 0 {
			return fmt.Errorf("unterminated path in %q", line)
		}
		path := rest[1 : 1+end]
		blocks, err := parseBlockList(rest[2+end:])
		if err != nil {
			return err
		}
		if len(blocks) == 0 {
			return fmt.Errorf("stage 2 record without blocks: %q", line)
		}
		dir := &Directory{InodeNr: uint32(inodeNr)}
		for _, block := range blocks {
			db, err := self.ReadDirectoryBlock(block)
			if err != nil {
				return err
			}
			dir.Blocks = append(dir.Blocks, *db)
		}
		self.AllDirectories[path] = dir
		self.InodeToDirectory[uint32(inodeNr)] = path
		self.DirInodeToBlock[inodeNr].Assign(blocks)
	}
	mlog.Printf2("resolve/cache", "r.ParseStage2: %d directories", len(self.AllDirectories))
	return scanner.Err()
}

func parseBlockList(s string) (ret []uint32, err error) {
	for _, f := range strings.Fields(s) {
		v, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad block number %q", f)
		}
		ret = append(ret, uint32(v))
	}
	return
}

