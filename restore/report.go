/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Mon Feb 25 14:10:42 2019 mstenber
 * Last modified: Fri May 10 15:21:17 2019 mstenber
 * Edit time:     58 min
 *
 */

package restore

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sha256 "github.com/minio/sha256-simd"
)

// Report records what a restore run produced: one line per restored
// path with its origin and, for regular files, a SHA-256 digest of
// the written content. Stamped with a run id so separate runs over
// the same image can be told apart.
type Report struct {
	RunID uuid.UUID
	lines []string
}

func NewReport() *Report {
	return &Report{RunID: uuid.New()}
}

func (self *Report) Add(path string, origin InodeOrigin, sequence uint32, kind, digest string) {
	src := "table"
	if origin == OriginJournal {
		src = fmt.Sprintf("journal:%d", sequence)
	}
	line := fmt.Sprintf("%s\t%s\t%s", kind, src, path)
	if digest != "" {
		line += "\t" + digest
	}
	self.lines = append(self.lines, line)
}

// Write saves the report under the output directory.
func (self *Report) Write(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	body := fmt.Sprintf("# extrescue run %s at %s\n", self.RunID, time.Now().UTC().Format(time.RFC3339))
	for _, l := range self.lines {
		body += l + "\n"
	}
	return ioutil.WriteFile(filepath.Join(outputDir, ".extrescue-report"), []byte(body), 0644)
}

// digestWriter tees written bytes into a SHA-256 state.
type digestWriter struct {
	out io.Writer
	h   hash.Hash
}

func newDigestWriter(out io.Writer) *digestWriter {
	return &digestWriter{out: out, h: sha256.New()}
}

func (self *digestWriter) Write(p []byte) (int, error) {
	n, err := self.out.Write(p)
	self.h.Write(p[:n])
	return n, err
}

func (self *digestWriter) Sum() string {
	return hex.EncodeToString(self.h.Sum(nil))
}
