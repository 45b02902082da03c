// Package bytesource provides the positioned-read capability that every
// reader in this repository consumes: "read N bytes at absolute offset O".
// A source may be a plain file handle or a memory-mapped region; callers
// must never assume a mapping is present.
package bytesource

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/mmap"
)

// Source is the narrow interface between on-disk containers and their
// readers. Implementations are safe for concurrent ReadAt calls.
type Source interface {
	io.ReaderAt
	io.Closer

	// Size returns the total length of the underlying bytes.
	Size() int64
}

// Open opens path as a plain file-backed Source.
func Open(path string) (Source, error) {
	empty, err := isEmptyFile(path)
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, fmt.Errorf("file is empty: %s", path)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &fileSource{file: file, size: stat.Size()}, nil
}

// OpenMMAP opens path as a read-only memory-mapped Source.
func OpenMMAP(path string) (Source, error) {
	empty, err := isEmptyFile(path)
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, fmt.Errorf("file is empty: %s", path)
	}
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmapSource{ra: ra}, nil
}

func isEmptyFile(path string) (bool, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return stat.Size() == 0, nil
}

type fileSource struct {
	file *os.File
	size int64
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.file.ReadAt(p, off) }
func (s *fileSource) Size() int64                             { return s.size }
func (s *fileSource) Close() error                            { return s.file.Close() }

type mmapSource struct {
	ra *mmap.ReaderAt
}

func (s *mmapSource) ReadAt(p []byte, off int64) (int, error) { return s.ra.ReadAt(p, off) }
func (s *mmapSource) Size() int64                             { return int64(s.ra.Len()) }
func (s *mmapSource) Close() error                            { return s.ra.Close() }

// FromBytes wraps an in-memory buffer as a Source. Used by tests and by
// callers that already hold the whole container in memory.
func FromBytes(b []byte) Source {
	return &bytesSource{b: b}
}

type bytesSource struct {
	b []byte
}

func (s *bytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(s.b)) {
		return 0, io.EOF
	}
	n := copy(p, s.b[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (s *bytesSource) Size() int64 { return int64(len(s.b)) }
func (s *bytesSource) Close() error {
	s.b = nil
	return nil
}

// ReadExactAt reads exactly len(p) bytes from src at off.
func ReadExactAt(src Source, p []byte, off int64) error {
	n, err := src.ReadAt(p, off)
	if err != nil && (err != io.EOF || n < len(p)) {
		return err
	}
	if n < len(p) {
		return io.ErrUnexpectedEOF
	}
	return nil
}
