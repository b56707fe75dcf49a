package vm

import (
	"gophervm/kernel/fs"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/swap"
	"sync"
	"sync/atomic"
)

// PageKind describes where the contents of a non-resident page live.
type PageKind uint8

const (
	// FilePage is backed by a region of an executable or other file. Dirty
	// file pages are never written back to the file; they move to swap.
	FilePage PageKind = iota

	// SwapPage is an anonymous page whose contents live in a swap slot or,
	// when it has never been written to swap, are all zeroes.
	SwapPage

	// MmapPage is backed by a memory-mapped file and is written back to it
	// when evicted or unmapped while dirty.
	MmapPage
)

// String implements fmt.Stringer for PageKind.
func (k PageKind) String() string {
	switch k {
	case FilePage:
		return "file"
	case SwapPage:
		return "swap"
	case MmapPage:
		return "mmap"
	default:
		return "unknown"
	}
}

// Backing is implemented by the per-kind descriptions of a page's
// contents.
type Backing interface {
	Kind() PageKind
}

// FileBacking describes a page whose first ReadBytes bytes are read from
// File at Offset; the remaining ZeroBytes bytes are zero-filled.
type FileBacking struct {
	File      fs.File
	Offset    int64
	ReadBytes uint32
	ZeroBytes uint32
}

// Kind implements Backing.
func (FileBacking) Kind() PageKind { return FilePage }

// MmapBacking describes a page of a memory-mapped file.
type MmapBacking struct {
	FileBacking

	// Mapping identifies the mapping the page belongs to.
	Mapping MapID
}

// Kind implements Backing.
func (MmapBacking) Kind() PageKind { return MmapPage }

// SwapBacking describes an anonymous page. Slot is swap.NoSlot while the
// page has no copy on the swap device.
type SwapBacking struct {
	Slot swap.Slot
}

// Kind implements Backing.
func (SwapBacking) Kind() PageKind { return SwapPage }

// fileRegion returns the file description of file and mmap backings.
func fileRegion(b Backing) (FileBacking, bool) {
	switch b := b.(type) {
	case FileBacking:
		return b, true
	case MmapBacking:
		return b.FileBacking, true
	default:
		return FileBacking{}, false
	}
}

// Entry tracks a single user page of an address space: where its contents
// come from and whether it is currently installed in a physical frame.
type Entry struct {
	// mu serializes population, eviction and release of the page.
	mu sync.Mutex

	page     mm.Page
	writable bool
	backing  Backing

	// frame is only meaningful while inMemory is set.
	frame    mm.Frame
	inMemory bool
	released bool

	// pinned counts the outstanding leases on the page. The clock never
	// selects a frame whose entry is pinned.
	pinned atomic.Int32
}

func newEntry(page mm.Page, writable bool, backing Backing) *Entry {
	return &Entry{
		page:     page,
		writable: writable,
		backing:  backing,
		frame:    mm.InvalidFrame,
	}
}

// Address returns the page-aligned user address of the entry.
func (e *Entry) Address() uintptr {
	return e.page.Address()
}

// Writable returns true if user code may write to the page.
func (e *Entry) Writable() bool {
	return e.writable
}

// Kind returns the current kind of the page. An evicted file page becomes a
// SwapPage.
func (e *Entry) Kind() PageKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backing.Kind()
}

// Backing returns a copy of the current backing description.
func (e *Entry) Backing() Backing {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backing
}

// InMemory returns true if the page is installed in a physical frame.
func (e *Entry) InMemory() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inMemory
}

// Frame returns the frame holding the page or mm.InvalidFrame.
func (e *Entry) Frame() mm.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.inMemory {
		return mm.InvalidFrame
	}
	return e.frame
}

// Pinned returns true if at least one lease keeps the page resident.
func (e *Entry) Pinned() bool {
	return e.pinned.Load() > 0
}

// Lease keeps a page pinned until it is released. Releasing a lease more
// than once has no effect.
type Lease struct {
	entry *Entry
	once  sync.Once
}

func (e *Entry) pin() *Lease {
	e.pinned.Add(1)
	return &Lease{entry: e}
}

// Entry returns the pinned entry.
func (l *Lease) Entry() *Entry {
	return l.entry
}

// Release unpins the page.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() { l.entry.pinned.Add(-1) })
}

// Leases is a set of leases acquired together.
type Leases []*Lease

// Release unpins every page in the set.
func (ls Leases) Release() {
	for _, l := range ls {
		l.Release()
	}
}
