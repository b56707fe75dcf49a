package block

import (
	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// The following functions are used by tests to inject host I/O
	// failures.
	preadFn  = unix.Pread
	pwriteFn = unix.Pwrite

	errOpenImage = &kernel.Error{Module: "block", Message: "could not open disk image"}
)

// FileDevice is a block device backed by a host disk image file. Sectors
// are accessed with positioned reads and writes so concurrent requests do
// not share a file offset.
type FileDevice struct {
	file    *os.File
	path    string
	sectors uint32
}

// OpenFileDevice opens (creating it if needed) the disk image at path and
// sizes it to hold exactly sectors sectors.
func OpenFileDevice(path string, sectors uint32) (*FileDevice, *kernel.Error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		kfmt.Printf("[block] open %s: %s\n", path, err.Error())
		return nil, errOpenImage
	}

	if err = unix.Ftruncate(int(f.Fd()), int64(sectors)*SectorSize); err != nil {
		kfmt.Printf("[block] truncate %s: %s\n", path, err.Error())
		_ = f.Close()
		return nil, errOpenImage
	}

	return &FileDevice{file: f, path: path, sectors: sectors}, nil
}

// DriverName returns the name of the driver.
func (d *FileDevice) DriverName() string { return "file_block" }

// DriverVersion returns the driver version.
func (d *FileDevice) DriverVersion() (uint16, uint16, uint16) { return 0, 0, 1 }

// DriverInit initializes the device driver.
func (d *FileDevice) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "disk image %s: %d sectors\n", d.path, d.sectors)
	return nil
}

// SectorCount returns the number of sectors on the device.
func (d *FileDevice) SectorCount() uint32 { return d.sectors }

// ReadSector reads the contents of sector into buf.
func (d *FileDevice) ReadSector(sector uint32, buf []byte) *kernel.Error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}

	n, err := preadFn(int(d.file.Fd()), buf, int64(sector)*SectorSize)
	if err != nil || n != SectorSize {
		kfmt.Printf("[block] read sector %d of %s failed (%d bytes): %v\n", sector, d.path, n, err)
		return ErrIO
	}
	return nil
}

// WriteSector writes buf to sector.
func (d *FileDevice) WriteSector(sector uint32, buf []byte) *kernel.Error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}

	n, err := pwriteFn(int(d.file.Fd()), buf, int64(sector)*SectorSize)
	if err != nil || n != SectorSize {
		kfmt.Printf("[block] write sector %d of %s failed (%d bytes): %v\n", sector, d.path, n, err)
		return ErrIO
	}
	return nil
}

// Close releases the disk image.
func (d *FileDevice) Close() *kernel.Error {
	if err := d.file.Close(); err != nil {
		return ErrIO
	}
	return nil
}
