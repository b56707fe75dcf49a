// Package fs defines the open-file interface the memory manager consumes
// from the filesystem, together with in-memory and host-backed files.
package fs

import "io"

// File is an open file handle. Each handle keeps its own file position;
// handles obtained through Reopen share the file contents but not the
// position.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer

	// Length returns the file size in bytes.
	Length() int64

	// Reopen returns a new, independent handle to the same file.
	Reopen() (File, error)
}

// ReadAt seeks f to off and reads exactly len(p) bytes. It is the
// seek-then-read sequence used to load a page from a file.
func ReadAt(f File, p []byte, off int64) (int, error) {
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(f, p)
}

// WriteAt seeks f to off and writes p.
func WriteAt(f File, p []byte, off int64) (int, error) {
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return f.Write(p)
}
