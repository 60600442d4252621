// Package fileslot owns the single sparse on-disk file backing one
// cached resource: one writer, any number of readers.
package fileslot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("fileslot: closed")

// Manager is the per-resource wrapper over a sparse file. It holds one
// writer handle and one reader handle; Read, Write, Sync, Size and Close
// all serialize on one mutex. A written range becomes visible to cache
// reads only once the caller (cachecore) records it in the range set,
// not as soon as bytes land on disk.
type Manager struct {
	mu     sync.Mutex
	path   string
	writer *os.File
	reader *os.File
	closed bool
}

// Open creates the parent directory and an empty file if missing, and
// acquires one writer handle and one reader handle.
func Open(path string) (*Manager, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("fileslot: mkdir %s: %w", dir, err)
	}

	w, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("fileslot: open writer %s: %w", path, err)
	}
	r, err := os.Open(path)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("fileslot: open reader %s: %w", path, err)
	}
	return &Manager{path: path, writer: w, reader: r}, nil
}

// Path returns the backing file path.
func (m *Manager) Path() string {
	return m.path
}

// Read reads up to len(p) bytes starting at offset, returning the bytes
// actually read (which may be short at EOF).
func (m *Manager) Read(offset int64, p []byte) (int, error) {
	m.mu.Lock()
	reader := m.reader
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	n, err := reader.ReadAt(p, offset)
	if err != nil && errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

// Write seeks and writes all of data at offset. On failure, it retries
// once via a full rewrite of the affected region (open fresh handle,
// write, close) as a last-resort recovery path; persistent failure past
// that is a hard error.
func (m *Manager) Write(offset int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, err := m.writer.WriteAt(data, offset); err != nil {
		if fallbackErr := m.fallbackWrite(offset, data); fallbackErr != nil {
			return fmt.Errorf("fileslot: write %s at %d (fallback also failed: %v): %w", m.path, offset, fallbackErr, err)
		}
	}
	return nil
}

// fallbackWrite reopens the file fresh and retries the write once. This
// is the last-resort recovery path for a WriteAt that failed on the
// long-lived handle (e.g. the descriptor was invalidated by an external
// event).
func (m *Manager) fallbackWrite(offset int64, data []byte) error {
	f, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return err
	}
	return f.Sync()
}

// Sync fsyncs the writer handle.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := m.writer.Sync(); err != nil {
		return fmt.Errorf("fileslot: sync %s: %w", m.path, err)
	}
	return nil
}

// Size returns the current on-disk size of the file.
func (m *Manager) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	info, err := m.writer.Stat()
	if err != nil {
		return 0, fmt.Errorf("fileslot: stat %s: %w", m.path, err)
	}
	return info.Size(), nil
}

// Close fsyncs then closes both handles. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	syncErr := m.writer.Sync()
	writerErr := m.writer.Close()
	readerErr := m.reader.Close()
	if syncErr != nil {
		return fmt.Errorf("fileslot: sync on close %s: %w", m.path, syncErr)
	}
	if writerErr != nil {
		return fmt.Errorf("fileslot: close writer %s: %w", m.path, writerErr)
	}
	if readerErr != nil {
		return fmt.Errorf("fileslot: close reader %s: %w", m.path, readerErr)
	}
	return nil
}

// Remove deletes the backing file at path; a missing file is not an
// error. It does not close a Manager open on that path.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fileslot: remove %s: %w", path, err)
	}
	return nil
}

// Stat returns the size of the file at path and whether it exists,
// without requiring it to be open. It implements metadata.FileStat when
// adapted by the caller (see cachecore).
func Stat(path string) (size int64, exists bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return info.Size(), true, nil
}
