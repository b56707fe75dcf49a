// Package block provides sector-addressed block devices. The swap area is
// the main consumer: it treats a block device as a raw array of sectors.
package block

import (
	"gophervm/kernel"
	"gophervm/kernel/device"
)

// SectorSize is the size in bytes of a block device sector.
const SectorSize = 512

var (
	// ErrSectorOutOfRange is returned when accessing a sector beyond the
	// end of the device.
	ErrSectorOutOfRange = &kernel.Error{Module: "block", Message: "sector index out of range"}

	// ErrBadBufferSize is returned when the supplied buffer is not exactly
	// one sector long.
	ErrBadBufferSize = &kernel.Error{Module: "block", Message: "buffer size must equal the sector size"}

	// ErrIO is returned when the underlying storage reports an error.
	ErrIO = &kernel.Error{Module: "block", Message: "device I/O error"}
)

// Device is a block device that reads and writes whole sectors.
type Device interface {
	device.Driver

	// SectorCount returns the number of sectors on the device.
	SectorCount() uint32

	// ReadSector reads the contents of sector into buf, which must be
	// exactly SectorSize bytes long.
	ReadSector(sector uint32, buf []byte) *kernel.Error

	// WriteSector writes buf, which must be exactly SectorSize bytes long,
	// to sector.
	WriteSector(sector uint32, buf []byte) *kernel.Error
}

func checkAccess(dev Device, sector uint32, buf []byte) *kernel.Error {
	switch {
	case sector >= dev.SectorCount():
		return ErrSectorOutOfRange
	case len(buf) != SectorSize:
		return ErrBadBufferSize
	default:
		return nil
	}
}
