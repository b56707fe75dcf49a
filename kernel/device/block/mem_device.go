package block

import (
	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"io"
	"sync"
)

// MemDevice is a block device backed by host memory. Its contents do not
// survive a restart.
type MemDevice struct {
	mu      sync.Mutex
	sectors uint32
	data    []byte
}

// NewMemDevice returns a zero-filled in-memory device with the given number
// of sectors.
func NewMemDevice(sectors uint32) *MemDevice {
	return &MemDevice{
		sectors: sectors,
		data:    make([]byte, int(sectors)*SectorSize),
	}
}

// DriverName returns the name of the driver.
func (d *MemDevice) DriverName() string { return "mem_block" }

// DriverVersion returns the driver version.
func (d *MemDevice) DriverVersion() (uint16, uint16, uint16) { return 0, 0, 1 }

// DriverInit initializes the device driver.
func (d *MemDevice) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "ram disk: %d sectors\n", d.sectors)
	return nil
}

// SectorCount returns the number of sectors on the device.
func (d *MemDevice) SectorCount() uint32 { return d.sectors }

// ReadSector reads the contents of sector into buf.
func (d *MemDevice) ReadSector(sector uint32, buf []byte) *kernel.Error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}

	d.mu.Lock()
	copy(buf, d.data[int(sector)*SectorSize:])
	d.mu.Unlock()
	return nil
}

// WriteSector writes buf to sector.
func (d *MemDevice) WriteSector(sector uint32, buf []byte) *kernel.Error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}

	d.mu.Lock()
	copy(d.data[int(sector)*SectorSize:], buf)
	d.mu.Unlock()
	return nil
}
