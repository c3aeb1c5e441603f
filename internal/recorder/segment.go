package recorder

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tradecore/internal/errors"
)

const segmentExt = ".wal"

// segment is the open file the writer appends frames to. Names sort in
// write order: prefix, UTC open time, then a per-writer sequence.
type segment struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	size   int64
	opened time.Time
}

func createSegment(cfg Config, seq *uint64, now time.Time) (*segment, error) {
	stamp := now.UTC().Format("20060102-150405")
	for {
		*seq++
		path := filepath.Join(cfg.Dir, fmt.Sprintf("%s-%s-%06d%s", cfg.FilePrefix, stamp, *seq, segmentExt))
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "create segment %s", path)
		}
		return &segment{
			path:   path,
			file:   file,
			buf:    bufio.NewWriterSize(file, cfg.BufferSize),
			opened: now,
		}, nil
	}
}

// full reports whether adding n bytes would break a rotation limit.
func (s *segment) full(cfg Config, now time.Time, n int64) bool {
	if cfg.MaxSegmentBytes > 0 && s.size > 0 && s.size+n > cfg.MaxSegmentBytes {
		return true
	}
	return cfg.MaxSegmentAge > 0 && now.Sub(s.opened) >= cfg.MaxSegmentAge
}

func (s *segment) write(frame []byte) error {
	if _, err := s.buf.Write(frame); err != nil {
		return errors.Wrapf(err, "write segment %s", s.path)
	}
	s.size += int64(len(frame))
	return nil
}

func (s *segment) flush() error {
	return s.buf.Flush()
}

func (s *segment) sync() error {
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *segment) close() error {
	err := s.sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// listSegments returns the segment files for prefix in dir, oldest first.
func listSegments(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list segments in %s", dir)
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}
