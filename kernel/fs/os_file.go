package fs

import "os"

// OSFile is a File backed by a host file.
type OSFile struct {
	*os.File
}

// OpenOSFile opens the host file at path for reading and writing.
func OpenOSFile(path string) (*OSFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &OSFile{File: f}, nil
}

// Length returns the file size in bytes or 0 if it cannot be determined.
func (f *OSFile) Length() int64 {
	info, err := f.File.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// Reopen opens the same host file again.
func (f *OSFile) Reopen() (File, error) {
	reopened, err := OpenOSFile(f.File.Name())
	if err != nil {
		return nil, err
	}
	return reopened, nil
}
