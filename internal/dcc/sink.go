package dcc

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"shelfseeker/internal/helpers"

	log "github.com/sirupsen/logrus"
)

// Sink receives a transfer's bytes. Exactly one of Commit or Discard is
// called once the transfer ends.
type Sink interface {
	Write(p []byte) (int, error)
	// Commit finalises the data and returns where it ended up ("" for
	// in-memory sinks).
	Commit() (string, error)
	// Discard throws away everything written so far.
	Discard() error
}

// PartSuffix marks in-progress files; the clean command removes leftovers.
const PartSuffix = ".part"

// FileSink writes into a temporary file next to the target and renames it
// into place on Commit, so a failed transfer never leaves a short file
// under the final name.
type FileSink struct {
	dir  string
	name string
	file *os.File
}

func NewFileSink(dir, filename string) (*FileSink, error) {
	name := helpers.SanitizeFilename(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating download directory %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, name+".*"+PartSuffix)
	if err != nil {
		return nil, fmt.Errorf("creating temporary file for %s: %w", name, err)
	}
	return &FileSink{dir: dir, name: name, file: f}, nil
}

func (s *FileSink) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

func (s *FileSink) Commit() (string, error) {
	tmp := s.file.Name()
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := s.file.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("closing %s: %w", tmp, err)
	}
	final := helpers.AvailablePath(s.dir, s.name)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("moving %s to %s: %w", tmp, final, err)
	}
	log.Debugf("Committed transfer to %s", final)
	return final, nil
}

func (s *FileSink) Discard() error {
	tmp := s.file.Name()
	_ = s.file.Close()
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing partial file %s: %w", tmp, err)
	}
	return nil
}

// ErrSinkFull is returned when a MemorySink's limit would be exceeded.
var ErrSinkFull = errors.New("memory sink limit exceeded")

// MemorySink buffers a transfer in memory, used for search manifests.
type MemorySink struct {
	buf   bytes.Buffer
	limit int
}

// NewMemorySink creates a sink holding at most limit bytes (0 for no limit).
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

func (s *MemorySink) Write(p []byte) (int, error) {
	if s.limit > 0 && s.buf.Len()+len(p) > s.limit {
		return 0, ErrSinkFull
	}
	return s.buf.Write(p)
}

func (s *MemorySink) Commit() (string, error) { return "", nil }

func (s *MemorySink) Discard() error {
	s.buf.Reset()
	return nil
}

// Bytes returns the buffered data.
func (s *MemorySink) Bytes() []byte {
	return s.buf.Bytes()
}
