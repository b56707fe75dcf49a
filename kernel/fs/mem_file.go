package fs

import (
	"errors"
	"io"
	"sync"
)

var (
	errNegativeOffset = errors.New("negative offset")
	errInvalidWhence  = errors.New("invalid whence")
	errClosed         = errors.New("file already closed")
)

// memInode holds the contents shared by every handle of a MemFile.
type memInode struct {
	mu   sync.RWMutex
	data []byte
}

// MemFile is a File whose contents live in host memory.
type MemFile struct {
	inode  *memInode
	pos    int64
	closed bool
}

// NewMemFile returns a handle to a new in-memory file initialized with a
// copy of data.
func NewMemFile(data []byte) *MemFile {
	return &MemFile{inode: &memInode{data: append([]byte(nil), data...)}}
}

// Read reads up to len(p) bytes from the current position.
func (f *MemFile) Read(p []byte) (int, error) {
	if f.closed {
		return 0, errClosed
	}

	f.inode.mu.RLock()
	defer f.inode.mu.RUnlock()

	if f.pos >= int64(len(f.inode.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.inode.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

// Write writes p at the current position, growing the file if needed.
func (f *MemFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, errClosed
	}

	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()

	if end := f.pos + int64(len(p)); end > int64(len(f.inode.data)) {
		grown := make([]byte, end)
		copy(grown, f.inode.data)
		f.inode.data = grown
	}
	n := copy(f.inode.data[f.pos:], p)
	f.pos += int64(n)
	return n, nil
}

// Seek sets the position for the next Read or Write.
func (f *MemFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = f.Length()
	default:
		return 0, errInvalidWhence
	}

	if base+offset < 0 {
		return 0, errNegativeOffset
	}
	f.pos = base + offset
	return f.pos, nil
}

// Length returns the file size in bytes.
func (f *MemFile) Length() int64 {
	f.inode.mu.RLock()
	defer f.inode.mu.RUnlock()
	return int64(len(f.inode.data))
}

// Reopen returns a new handle to the same contents.
func (f *MemFile) Reopen() (File, error) {
	return &MemFile{inode: f.inode}, nil
}

// Close marks the handle as closed.
func (f *MemFile) Close() error {
	if f.closed {
		return errClosed
	}
	f.closed = true
	return nil
}

// Bytes returns a copy of the file contents.
func (f *MemFile) Bytes() []byte {
	f.inode.mu.RLock()
	defer f.inode.mu.RUnlock()
	return append([]byte(nil), f.inode.data...)
}
