package petrel

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Spool is the disk backing file for a message in transit. A spool has a
// single owner at any time; Release closes and deletes the file and is safe
// to call from every exit path, the file is removed exactly once.
type Spool struct {
	file *os.File
	size int64

	releaseOnce sync.Once
	releaseErr  error
	released    bool
}

// NewSpool creates a backing file in dir, or the system temp directory when
// dir is empty.
func NewSpool(dir string) (*Spool, error) {
	file, err := os.CreateTemp(dir, "petrel-*.eml")
	if err != nil {
		return nil, fmt.Errorf("smtp: create spool: %w", err)
	}
	return &Spool{file: file}, nil
}

// File exposes the underlying file for writing message content.
func (s *Spool) File() *os.File {
	return s.file
}

// SetSize records the final message size after writing completes.
func (s *Spool) SetSize(n int64) {
	s.size = n
}

// Size returns the message size in bytes.
func (s *Spool) Size() int64 {
	return s.size
}

// Path returns the backing file location.
func (s *Spool) Path() string {
	return s.file.Name()
}

// Truncate trims the file to n bytes. Used to drop the DATA terminator after
// the body has been streamed through.
func (s *Spool) Truncate(n int64) error {
	if err := s.file.Truncate(n); err != nil {
		return fmt.Errorf("smtp: truncate spool: %w", err)
	}
	s.size = n
	return nil
}

// Reader positions the file at the start and returns it for reading.
func (s *Spool) Reader() (io.Reader, error) {
	if s.released {
		return nil, ErrSpoolReleased
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("smtp: seek spool: %w", err)
	}
	return s.file, nil
}

// Headers parses the RFC 5322 header section from the start of the spool.
// Folded headers are unfolded. A spool without a blank separator line is
// treated as all headers up to EOF.
func (s *Spool) Headers() (Headers, error) {
	r, err := s.Reader()
	if err != nil {
		return nil, err
	}

	var headers Headers
	var currentName, currentValue string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			break
		}

		if line[0] == ' ' || line[0] == '\t' {
			if currentName != "" {
				currentValue += " " + strings.TrimSpace(line)
			}
			continue
		}

		if currentName != "" {
			headers = append(headers, Header{Name: currentName, Value: currentValue})
		}

		if name, value, found := strings.Cut(line, ":"); found {
			currentName = strings.TrimSpace(name)
			currentValue = strings.TrimSpace(value)
		} else {
			currentName, currentValue = "", ""
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("smtp: read spool headers: %w", err)
	}

	if currentName != "" {
		headers = append(headers, Header{Name: currentName, Value: currentValue})
	}

	return headers, nil
}

// Release closes and deletes the backing file. Safe to call more than once.
func (s *Spool) Release() error {
	s.releaseOnce.Do(func() {
		s.released = true
		name := s.file.Name()
		if err := s.file.Close(); err != nil {
			s.releaseErr = err
		}
		if err := os.Remove(name); err != nil && s.releaseErr == nil {
			s.releaseErr = err
		}
	})
	return s.releaseErr
}

// Released reports whether the backing file has been removed.
func (s *Spool) Released() bool {
	return s.released
}
