/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Tue Feb 26 10:30:55 2019 mstenber
 * Last modified: Mon May 13 11:41:22 2019 mstenber
 * Edit time:     182 min
 *
 */

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/pprof"
	"sort"
	"strings"

	"github.com/fingon/go-extrescue/cachestore"
	"github.com/fingon/go-extrescue/config"
	"github.com/fingon/go-extrescue/extfs"
	"github.com/fingon/go-extrescue/journal"
	"github.com/fingon/go-extrescue/resolve"
	"github.com/fingon/go-extrescue/restore"
)

type stringList []string

func (self *stringList) String() string {
	return strings.Join(*self, ",")
}

func (self *stringList) Set(v string) error {
	*self = append(*self, v)
	return nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n\n%s [options] IMAGE\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	showSuperblock := flag.Bool("superblock", false, "Print the superblock and exit")
	showJournal := flag.Bool("journal", false, "Print the journal superblock and transaction summary")
	dumpNames := flag.Bool("dump-names", false, "List all recovered paths")
	restoreAll := flag.Bool("restore-all", false, "Restore all recovered paths")
	showHardlinks := flag.Bool("show-hardlinks", false, "Show inodes claimed by more than one path")
	journalInodes := flag.Uint("journal-inodes", 0, "Show all journal copies of the given inode")
	dirInode := flag.Uint("dir-inode", 0, "Show the resolved directory blocks of the given inode")
	showInode := flag.Uint("inode", 0, "Print the given inode")
	showBlock := flag.Uint("block", 0, "Classify and print the given block")
	after := flag.Int64("after", 0, "Only undelete files deleted at or after this unix time")
	depth := flag.Int("depth", 0, "Maximum directory recursion depth")
	outputDir := flag.String("output-dir", "", "Directory to restore files under")
	cacheBackend := flag.String("cache-backend", "",
		fmt.Sprintf("Cache backend to use (possible: %v)", cachestore.List()))
	cachePassword := flag.String("cache-password", "", "Encrypt database cache payloads with this password")
	configPath := flag.String("config", ".extrescue.yaml", "Configuration file")
	useMmap := flag.Bool("mmap", false, "Memory-map inode tables instead of reading them")
	cpuprofile := flag.String("cpuprofile", "", "CPU profile file")
	memprofile := flag.String("memprofile", "", "Memory profile file")
	var restoreFiles stringList
	flag.Var(&restoreFiles, "restore-file", "Restore the given path (may be repeated)")
	var accept stringList
	flag.Var(&accept, "accept", "Accept the given filename even though it contains unlikely characters (may be repeated)")

	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	configExplicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			configExplicit = true
		}
	})
	conf, err := config.Load(*configPath, configExplicit)
	if err != nil {
		log.Fatal(err)
	}
	// Flags override file configuration.
	conf.Accept = append(conf.Accept, accept...)
	if *after != 0 {
		conf.After = *after
	}
	if *depth != 0 {
		conf.Depth = *depth
	}
	if *outputDir != "" {
		conf.OutputDir = *outputDir
	}
	if *cacheBackend != "" {
		conf.CacheBackend = *cacheBackend
	}
	if *cachePassword != "" {
		conf.CachePassword = *cachePassword
	}
	if conf.CacheBackend == "" {
		conf.CacheBackend = "text"
	}
	if conf.OutputDir == "" {
		conf.OutputDir = restore.DefaultOutputDir
	}
	conf.Mmap = conf.Mmap || *useMmap

	dev, err := extfs.OpenDevice(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	defer dev.Close()

	meta := &extfs.Meta{UseMmap: conf.Mmap, AcceptedNames: conf.AcceptedNames()}
	if err = meta.Init(dev, conf.BlockCacheSize); err != nil {
		log.Fatal(err)
	}
	defer meta.Close()

	if *showSuperblock {
		fmt.Println(meta.Super)
		return
	}
	if *showInode != 0 {
		ino, err := meta.Inode(uint32(*showInode))
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("inode %d: %s (allocated: %v)\n", *showInode, &ino, meta.IsAllocatedInode(uint32(*showInode)))
		return
	}

	jnl := &journal.Index{}
	if err = jnl.Init(meta); err != nil {
		log.Fatal(err)
	}
	if *showJournal {
		printJournal(jnl)
		return
	}
	if *showBlock != 0 {
		printBlock(meta, jnl, uint32(*showBlock))
		return
	}
	if *journalInodes != 0 {
		printJournalInodes(jnl, uint32(*journalInodes))
		return
	}

	res := &resolve.Resolver{MaxDepth: conf.Depth}
	res.Init(meta, jnl)
	store, err := cachestore.New(cachestore.Config{
		Backend:     conf.CacheBackend,
		Directory:   ".",
		Basename:    dev.Basename(),
		Compression: conf.CacheCompression,
		Password:    conf.CachePassword,
		Salt:        conf.CacheSalt,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	if err = res.Stage2Cached(store); err != nil {
		log.Fatal(err)
	}
	res.BuildFileIndex()

	if *dirInode != 0 {
		printDirInode(res, uint32(*dirInode))
		return
	}

	rst := &restore.Restorer{OutputDir: conf.OutputDir, After: conf.After, Report: restore.NewReport()}
	rst.Init(meta, jnl, res)

	switch {
	case *dumpNames:
		for _, path := range rst.AllPaths() {
			fmt.Println(path)
		}
	case *showHardlinks:
		printHardlinks(res)
	case *restoreAll:
		rst.RestoreAll()
		if err = rst.Report.Write(conf.OutputDir); err != nil {
			log.Printf("WARNING: writing restore report: %v", err)
		}
	case len(restoreFiles) > 0:
		for _, path := range restoreFiles {
			if err := rst.RestoreFile(path); err != nil {
				log.Printf("Failed to recover %s: %v", path, err)
			}
		}
		if err = rst.Report.Write(conf.OutputDir); err != nil {
			log.Printf("WARNING: writing restore report: %v", err)
		}
	default:
		fmt.Printf("Resolved %d directories and %d files.\n",
			len(res.AllDirectories), len(res.PathToInode))
		fmt.Println("Use -dump-names, -restore-file or -restore-all to recover content.")
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.WriteHeapProfile(f)
		f.Close()
	}
}

func printJournal(jnl *journal.Index) {
	fmt.Printf("journal superblock: blocksize %d maxlen %d first %d sequence %d start %d\n",
		jnl.Super.BlockSize, jnl.Super.MaxLen, jnl.Super.First, jnl.Super.Sequence, jnl.Super.Start)
	fmt.Printf("journal blocks %d..%d, sequences %d..%d\n",
		jnl.MinBlock, jnl.MaxBlock, jnl.MinSequence, jnl.MaxSequence)
	for _, seq := range jnl.Sequences() {
		t := jnl.TransactionFor(seq)
		fmt.Printf("transaction %d (journal block %d, committed %v): %d descriptors\n",
			t.Sequence, t.Block, t.Committed, len(t.Descriptors))
	}
	if jnl.WrappedSequence != 0 {
		fmt.Printf("transaction %d wrapped around the end of the journal\n", jnl.WrappedSequence)
	}
}

func printBlock(meta *extfs.Meta, jnl *journal.Index, nr uint32) {
	buf, err := meta.Device.GetBlock(nr)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("block %d: allocated %v, journal %v, inode block %v\n",
		nr, meta.IsAllocatedBlock(nr), jnl.IsJournalBlock(nr), jnl.IsInodeBlock(nr))
	cls := meta.ClassifyDirectory(buf, nr, extfs.DirClassifyOpts{CertainlyLinked: true})
	fmt.Printf("directory classification: %s\n", cls)
	if meta.ClassifyIndirect(buf) {
		fmt.Println("looks like an indirect pointer block")
	}
	for _, d := range jnl.DescriptorsForBlock(nr) {
		fmt.Printf("journal %s sequence %d at journal block %d\n", d.Kind, d.Sequence, d.JournalBlock)
	}
}

func printJournalInodes(jnl *journal.Index, inodeNr uint32) {
	copies, err := jnl.InodesFor(inodeNr)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Copies of inode %d found in the journal:\n", inodeNr)
	lastMtime := ^uint32(0)
	for _, c := range copies {
		if c.Inode.Mtime == lastMtime {
			continue
		}
		lastMtime = c.Inode.Mtime
		fmt.Printf("sequence %d: %s\n", c.Sequence, &c.Inode)
	}
}

func printDirInode(res *resolve.Resolver, inodeNr uint32) {
	path, ok := res.InodeToDirectory[inodeNr]
	if !ok {
		fmt.Printf("There is no directory associated with inode %d.\n", inodeNr)
		return
	}
	dir := res.AllDirectories[path]
	fmt.Printf("Inode %d is directory %q with first block %d.\n", inodeNr, path, dir.FirstBlock())
	for i := range dir.Blocks {
		db := &dir.Blocks[i]
		fmt.Printf("Directory block %d:\n", db.Block)
		for j := range db.Entries {
			e := &db.Entries[j]
			flags := ""
			if e.Deleted {
				flags += "D"
			}
			if e.Reallocated {
				flags += "R"
			}
			fmt.Printf("%4d %4d %8d %-2s %s\n", e.Index, e.Next, e.Inode, flags, e.Name)
		}
	}
}

func printHardlinks(res *resolve.Resolver) {
	inodePaths := make(map[uint32][]string)
	for path, inodeNr := range res.PathToInode {
		inodePaths[inodeNr] = append(inodePaths[inodeNr], path)
	}
	inodes := make([]uint32, 0, len(inodePaths))
	for inodeNr, paths := range inodePaths {
		if len(paths) > 1 {
			inodes = append(inodes, inodeNr)
		}
	}
	sort.Slice(inodes, func(i, j int) bool { return inodes[i] < inodes[j] })
	for _, inodeNr := range inodes {
		paths := inodePaths[inodeNr]
		sort.Strings(paths)
		fmt.Printf("Inode %d:\n", inodeNr)
		for _, path := range paths {
			fmt.Printf("  %s\n", path)
		}
	}
}
