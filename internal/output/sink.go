package output

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/hel/internal/hconfig"
)

// innerSink is the final destination for NDJSON lines: stdout or a rotating
// file. Ported from original_source/src/output.rs's EventSink trait.
type innerSink interface {
	writeLine(line []byte) error
	flush() error
	close() error
}

// stdoutSink writes to stdout. A broken pipe (consumer exited) is fatal per
// output.rs, surfaced to the caller so the process can exit non-zero.
type stdoutSink struct {
	mu  sync.Mutex
	out *bufio.Writer
}

func newStdoutSink(bufSize int) *stdoutSink {
	if bufSize <= 0 {
		bufSize = 4096
	}
	return &stdoutSink{out: bufio.NewWriterSize(os.Stdout, bufSize)}
}

func (s *stdoutSink) writeLine(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(line); err != nil {
		return classifyWriteErr(err)
	}
	if err := s.out.WriteByte('\n'); err != nil {
		return classifyWriteErr(err)
	}
	return classifyWriteErr(s.out.Flush())
}

func (s *stdoutSink) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return classifyWriteErr(s.out.Flush())
}

func (s *stdoutSink) close() error {
	return s.flush()
}

func classifyWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrClosed) || strings.Contains(err.Error(), "broken pipe") {
		return fmt.Errorf("broken pipe (SIGPIPE): consumer exited: %w", err)
	}
	return err
}

// fileSink writes to a file with optional daily or size-based rotation.
type fileSink struct {
	mu sync.Mutex

	path          string
	rotation      hconfig.RotationMode
	segmentBytes  int64
	file          *os.File
	bytesWritten  int64
	openDate      string // YYYY-MM-DD, only tracked for daily rotation
	rotationIndex int    // highest path.N suffix seen, for size rotation
}

func newFileSink(path string, rotation hconfig.RotationMode, segmentMB int) (*fileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create output dir for %s: %w", path, err)
	}
	s := &fileSink{path: path, rotation: rotation, segmentBytes: int64(segmentMB) * 1024 * 1024}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open output file %s: %w", s.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat output file %s: %w", s.path, err)
	}
	s.file = f
	s.bytesWritten = info.Size()
	if s.rotation == hconfig.RotationDaily {
		s.openDate = time.Now().UTC().Format("2006-01-02")
	}
	return nil
}

// maybeRotate renames the current file aside when the configured policy
// says it's time, matching output.rs's maybe_rotate. Size rotation triggers
// at bytes_written >= max (decided in DESIGN.md over a strict >).
func (s *fileSink) maybeRotate() error {
	var shouldRotate bool
	switch s.rotation {
	case hconfig.RotationDaily:
		today := time.Now().UTC().Format("2006-01-02")
		shouldRotate = s.openDate != "" && s.openDate != today
	case hconfig.RotationSize:
		shouldRotate = s.segmentBytes > 0 && s.bytesWritten >= s.segmentBytes
	default:
		shouldRotate = false
	}
	if !shouldRotate {
		return nil
	}

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}

	var rotated string
	switch s.rotation {
	case hconfig.RotationDaily:
		rotated = s.path + "." + s.openDate
	case hconfig.RotationSize:
		s.rotationIndex++
		rotated = s.path + "." + strconv.Itoa(s.rotationIndex)
	}
	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, rotated); err != nil {
			return fmt.Errorf("rotate output file %s: %w", s.path, err)
		}
	}
	return s.open()
}

func (s *fileSink) writeLine(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.maybeRotate(); err != nil {
		return err
	}
	n, err := s.file.Write(line)
	if err != nil {
		return err
	}
	m, err := s.file.Write([]byte{'\n'})
	if err != nil {
		return err
	}
	s.bytesWritten += int64(n + m)
	return nil
}

func (s *fileSink) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

func (s *fileSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// newInnerSink builds the configured inner sink.
func newInnerSink(cfg hconfig.OutputConfig) (innerSink, error) {
	switch cfg.Sink {
	case hconfig.SinkFile:
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("global.output.file_path is required for sink=file")
		}
		return newFileSink(cfg.FilePath, cfg.Rotation, cfg.SegmentSizeMB)
	case hconfig.SinkStdout, "":
		return newStdoutSink(cfg.StdoutBufferSize), nil
	default:
		return nil, fmt.Errorf("unknown output sink %q", cfg.Sink)
	}
}
