/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 25 09:20:13 2019 mstenber
 * Last modified: Fri May 10 14:55:02 2019 mstenber
 * Edit time:     287 min
 *
 */

// restore writes recovered files back out: for each requested path
// the best surviving inode copy is chosen (the current table, or the
// newest journal snapshot that is not deleted), its block pointers
// walked, and the content, permissions and timestamps recreated
// under the output root.
package restore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/fingon/go-extrescue/extfs"
	"github.com/fingon/go-extrescue/journal"
	"github.com/fingon/go-extrescue/mlog"
	"github.com/fingon/go-extrescue/resolve"
)

// DefaultOutputDir is where restored trees go unless configured
// otherwise.
const DefaultOutputDir = "RESTORED_FILES"

var (
	// ErrNoInode means no surviving undeleted copy of the inode
	// exists anywhere.
	ErrNoInode = errors.New("no undeleted inode found")
	// ErrTooOld means that, going through the journal copies newest
	// first, a copy deleted before the configured floor came before
	// any undeleted copy.
	ErrTooOld = errors.New("inode deleted before the configured time floor")
	// ErrUnsupportedType means the inode is a device, fifo or
	// socket, which are not recreated.
	ErrUnsupportedType = errors.New("unsupported inode type")
)

// InodeOrigin tells where the restored inode copy came from.
type InodeOrigin int

const (
	OriginTable InodeOrigin = iota
	OriginJournal
)

// Restorer writes recovered content under OutputDir. After (unix
// seconds, 0 = off) is the oldest acceptable deletion time when only
// journal copies remain.
type Restorer struct {
	Meta     *extfs.Meta
	Journal  *journal.Index
	Resolver *resolve.Resolver

	OutputDir string
	After     int64

	Report *Report
}

func (self *Restorer) Init(meta *extfs.Meta, jnl *journal.Index, res *resolve.Resolver) {
	self.Meta = meta
	self.Journal = jnl
	self.Resolver = res
	if self.OutputDir == "" {
		self.OutputDir = DefaultOutputDir
	}
}

// UndeletedInode picks the inode copy to restore from: the current
// table entry when its dtime is zero, otherwise the newest journal
// snapshot with dtime zero.
func (self *Restorer) UndeletedInode(inodeNr uint32) (ino extfs.Inode, origin InodeOrigin, sequence uint32, err error) {
	ino, err = self.Meta.Inode(inodeNr)
	if err != nil {
		return
	}
	if ino.Dtime == 0 {
		origin = OriginTable
		return
	}
	copies, err := self.Journal.InodesFor(inodeNr)
	if err != nil {
		return
	}
	for _, c := range copies {
		if c.Inode.Dtime == 0 {
			return c.Inode, OriginJournal, c.Sequence, nil
		}
		if self.After != 0 && int64(c.Inode.Dtime) < self.After {
			err = ErrTooOld
			return
		}
	}
	err = ErrNoInode
	return
}

// RestoreFile restores one path (relative to the reconstructed
// root). Missing ancestor directories are restored first.
func (self *Restorer) RestoreFile(path string) error {
	if path == "" || path[0] == '/' {
		return fmt.Errorf("restore: path %q must be root-relative", path)
	}
	inodeNr, ok := self.Resolver.PathToInode[path]
	if !ok {
		if dir := self.Resolver.AllDirectories[path]; dir != nil {
			inodeNr = dir.InodeNr
		} else {
			return fmt.Errorf("restore: cannot find an inode number for file %q", path)
		}
	}
	if err := self.restoreAncestors(path); err != nil {
		return err
	}
	outPath := filepath.Join(self.OutputDir, path)
	real, err := self.Meta.Inode(inodeNr)
	if err != nil {
		return err
	}
	if real.IsDirectory() {
		return self.restoreDirectory(path, outPath, &real)
	}
	ino, origin, sequence, err := self.UndeletedInode(inodeNr)
	if err != nil {
		if errors.Is(err, ErrTooOld) {
			log.Printf("Not undeleting %q because it was deleted before %d.", path, self.After)
		} else if errors.Is(err, ErrNoInode) {
			log.Printf("Cannot find an undeleted inode for file %q.", path)
		}
		return err
	}
	switch {
	case ino.IsRegular():
		err = self.restoreRegular(path, outPath, inodeNr, &ino, origin, sequence)
	case ino.IsSymlink():
		err = self.restoreSymlink(path, outPath, inodeNr, &ino, origin, sequence)
	default:
		log.Printf("WARNING: Not recovering %q, which is a %s", path, ino.TypeString())
		err = ErrUnsupportedType
	}
	return err
}

// restoreAncestors makes sure the parent directory chain exists
// under the output root, restoring it with metadata when known.
func (self *Restorer) restoreAncestors(path string) error {
	slash := strings.LastIndexByte(path, '/')
	if slash < 0 {
		return os.MkdirAll(self.OutputDir, 0755)
	}
	dirname := path[:slash]
	st, err := os.Lstat(filepath.Join(self.OutputDir, dirname))
	if err == nil {
		if !st.IsDir() {
			return fmt.Errorf("restore: %s exists but is not a directory", filepath.Join(self.OutputDir, dirname))
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	if err := self.RestoreFile(dirname); err != nil {
		// A lost directory should not block everything under
		// it; create a bare ancestor and continue.
		mlog.Printf2("restore/restore", "r.restoreAncestors %q: %v", dirname, err)
		return os.MkdirAll(filepath.Join(self.OutputDir, dirname), 0755)
	}
	return nil
}

func (self *Restorer) restoreDirectory(path, outPath string, ino *extfs.Inode) error {
	if err := os.MkdirAll(self.OutputDir, 0755); err != nil {
		return err
	}
	if err := os.Mkdir(outPath, inodeFileMode(ino.Mode)); err != nil && !os.IsExist(err) {
		return fmt.Errorf("restore: mkdir %s: %w", outPath, err)
	}
	os.Chmod(outPath, inodeFileMode(ino.Mode))
	self.setTimes(outPath, ino, false)
	self.report(path, OriginTable, 0, "directory", "")
	return nil
}

func (self *Restorer) restoreRegular(path, outPath string, inodeNr uint32, ino *extfs.Inode, origin InodeOrigin, sequence uint32) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	log.Printf("Restoring %s", path)
	digest := newDigestWriter(out)
	remaining := int64(ino.Size)
	blockSize := int64(self.Meta.BlockSize())
	buf := make([]byte, blockSize)
	var readErr error
	result, err := self.Meta.WalkBlocks(ino, extfs.WalkDirect, func(nr uint32) bool {
		if remaining <= 0 {
			return true
		}
		if readErr = self.Meta.Device.ReadBlock(nr, buf); readErr != nil {
			return true
		}
		n := blockSize
		if remaining < n {
			n = remaining
		}
		if _, readErr = digest.Write(buf[:n]); readErr != nil {
			return true
		}
		remaining -= n
		return false
	})
	closeErr := out.Close()
	if readErr != nil {
		return readErr
	}
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	if result == extfs.WalkCorrupted {
		log.Printf("WARNING: Failed to restore %s completely: encountered a reused or corrupted (double/triple) indirect block! Keeping the partial file.", path)
	}
	if err := os.Chmod(outPath, inodeFileMode(ino.Mode)); err != nil {
		log.Printf("WARNING: failed to set file mode on %s: %v", outPath, err)
	}
	self.setTimes(outPath, ino, false)
	self.report(path, origin, sequence, "file", digest.Sum())
	return nil
}

func (self *Restorer) restoreSymlink(path, outPath string, inodeNr uint32, ino *extfs.Inode, origin InodeOrigin, sequence uint32) error {
	target, err := self.symlinkTarget(ino)
	if err != nil {
		return err
	}
	if target == "" {
		log.Printf("WARNING: Failed to recover %s: symlink has zero length!", path)
		return nil
	}
	if err = os.Symlink(target, outPath); err != nil && !os.IsExist(err) {
		log.Printf("WARNING: symlink: %s: %v", outPath, err)
		return err
	}
	self.setTimes(outPath, ino, true)
	self.report(path, origin, sequence, "symlink", "")
	return nil
}

// symlinkTarget reads the link target: inline from the pointer array
// when the block count is zero, otherwise a NUL-terminated string in
// the single data block.
func (self *Restorer) symlinkTarget(ino *extfs.Inode) (string, error) {
	if ino.Blocks == 0 {
		return ino.InlineSymlinkTarget(), nil
	}
	if ino.Block[0] == 0 {
		return "", fmt.Errorf("restore: symlink with blocks but no first block")
	}
	buf, err := self.Meta.Device.GetBlock(ino.Block[0])
	if err != nil {
		return "", err
	}
	end := len(buf)
	for i, c := range buf {
		if c == 0 {
			end = i
			break
		}
	}
	return string(buf[:end]), nil
}

// setTimes applies access and modification times from the inode; for
// symlinks the link-aware call is used.
func (self *Restorer) setTimes(outPath string, ino *extfs.Inode, symlink bool) {
	tv := []unix.Timeval{
		{Sec: int64(ino.Atime)},
		{Sec: int64(ino.Ctime)},
	}
	var err error
	if symlink {
		err = unix.Lutimes(outPath, tv)
	} else {
		err = unix.Utimes(outPath, tv)
	}
	if err != nil {
		log.Printf("WARNING: Failed to set access and modification time on %s: %v", outPath, err)
	}
}

// inodeFileMode maps inode permission bits (with setuid/setgid/
// sticky) to an os.FileMode.
func inodeFileMode(mode uint16) os.FileMode {
	ret := os.FileMode(mode & 0777)
	if mode&04000 != 0 {
		ret |= os.ModeSetuid
	}
	if mode&02000 != 0 {
		ret |= os.ModeSetgid
	}
	if mode&01000 != 0 {
		ret |= os.ModeSticky
	}
	return ret
}

// AllPaths lists every recovered path: all directories plus all
// files from the path-to-inode map, sorted.
func (self *Restorer) AllPaths() []string {
	seen := make(map[string]bool)
	for path := range self.Resolver.AllDirectories {
		if path != "" {
			seen[path] = true
		}
	}
	for path := range self.Resolver.PathToInode {
		seen[path] = true
	}
	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// RestoreAll restores every recovered path, continuing past
// individual failures so one bad inode does not stop the run.
func (self *Restorer) RestoreAll() {
	for _, path := range self.AllPaths() {
		if err := self.RestoreFile(path); err != nil {
			mlog.Printf2("restore/restore", "r.RestoreAll %q: %v", path, err)
		}
	}
}

func (self *Restorer) report(path string, origin InodeOrigin, sequence uint32, kind, digest string) {
	if self.Report == nil {
		return
	}
	self.Report.Add(path, origin, sequence, kind, digest)
}
