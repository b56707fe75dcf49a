// Package swap manages the swap area: a raw block device partitioned into
// page-sized slots whose occupancy is tracked by an in-memory bitmap.
package swap

import (
	"gophervm/kernel"
	"gophervm/kernel/device/block"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/bitmap"
	"sync"
)

// SectorsPerSlot is the number of consecutive device sectors that hold one
// page.
const SectorsPerSlot = uint32(mm.PageSize / block.SectorSize)

// Slot identifies a page-sized region of the swap device.
type Slot uint32

// NoSlot is used by anonymous pages that have never been written to swap.
const NoSlot = ^Slot(0)

// Valid returns true if s refers to an actual swap slot.
func (s Slot) Valid() bool {
	return s != NoSlot
}

var (
	// kernelPanicFn is mocked by tests.
	kernelPanicFn = kfmt.Panic

	// ErrSwapFull is returned by Store when every slot is in use.
	ErrSwapFull = &kernel.Error{Module: "swap", Message: "swap area exhausted"}

	// ErrSlotNotInUse is raised when loading or freeing a slot whose bitmap
	// bit is clear. It indicates corrupted bookkeeping.
	ErrSlotNotInUse = &kernel.Error{Module: "swap", Message: "swap slot is not marked as used"}

	errBadPageSize = &kernel.Error{Module: "swap", Message: "page buffer must be exactly one page long"}
	errNoSlots     = &kernel.Error{Module: "swap", Message: "swap device too small to hold a single page"}
)

// Stats describes the swap area occupancy.
type Stats struct {
	Slots     uint32
	UsedSlots uint32
	Stores    uint64
	Loads     uint64
}

// Manager hands out swap slots and moves pages to and from the swap device.
// A single lock serializes bitmap updates and device I/O.
type Manager struct {
	mu     sync.Mutex
	dev    block.Device
	used   *bitmap.Bitmap
	stores uint64
	loads  uint64
	log    *kfmt.PrefixWriter
}

// New returns a Manager that uses every whole page-sized slot of dev.
func New(dev block.Device) (*Manager, *kernel.Error) {
	slots := dev.SectorCount() / SectorsPerSlot
	if slots == 0 {
		return nil, errNoSlots
	}

	mgr := &Manager{
		dev:  dev,
		used: bitmap.New(slots),
		log:  kfmt.NewPrefixWriter("swap"),
	}
	mgr.log.Printf("%d slots on %s\n", slots, dev.DriverName())
	return mgr, nil
}

// Store writes the page src to the first free slot, marks the slot as used
// and returns its index. ErrSwapFull is returned if no slot is available.
func (m *Manager) Store(src []byte) (Slot, *kernel.Error) {
	if uintptr(len(src)) != mm.PageSize {
		return NoSlot, errBadPageSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	index, ok := m.used.ScanAndSet()
	if !ok {
		return NoSlot, ErrSwapFull
	}

	slot := Slot(index)
	firstSector := uint32(slot) * SectorsPerSlot
	for i := uint32(0); i < SectorsPerSlot; i++ {
		if err := m.dev.WriteSector(firstSector+i, src[i*block.SectorSize:(i+1)*block.SectorSize]); err != nil {
			m.used.Clear(index)
			return NoSlot, err
		}
	}

	m.stores++
	return slot, nil
}

// Load reads the page held in slot into dst and marks the slot as free.
// Loading a slot that is not in use is an invariant violation that halts
// the kernel. Device errors leave the slot allocated and are returned.
func (m *Manager) Load(slot Slot, dst []byte) *kernel.Error {
	if uintptr(len(dst)) != mm.PageSize {
		return errBadPageSize
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.used.Test(uint32(slot)) {
		kernelPanicFn(ErrSlotNotInUse)
		return ErrSlotNotInUse
	}

	firstSector := uint32(slot) * SectorsPerSlot
	for i := uint32(0); i < SectorsPerSlot; i++ {
		if err := m.dev.ReadSector(firstSector+i, dst[i*block.SectorSize:(i+1)*block.SectorSize]); err != nil {
			return err
		}
	}

	m.used.Clear(uint32(slot))
	m.loads++
	return nil
}

// Free releases slot without reading it back. It is used when a page that
// lives in swap is discarded.
func (m *Manager) Free(slot Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.used.Clear(uint32(slot)) {
		kernelPanicFn(ErrSlotNotInUse)
	}
}

// Stats returns a snapshot of the swap area occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Slots:     m.used.Len(),
		UsedSlots: m.used.Used(),
		Stores:    m.stores,
		Loads:     m.loads,
	}
}
