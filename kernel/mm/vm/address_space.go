// Package vm implements demand paging for user address spaces: the
// supplemental page table that describes every legal user page, the frame
// table that tracks resident pages and evicts them with the clock
// algorithm, the page fault handler and memory-mapped files.
package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/fs"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/swap"
	"gophervm/kernel/mm/vmm"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

const (
	// UserTop is the first address above user space.
	UserTop = uintptr(0xC0000000)

	// StackSlack is how far below the stack pointer a fault may land and
	// still count as stack growth. PUSHA writes 32 bytes below esp before
	// adjusting it.
	StackSlack = uintptr(32)

	// DefaultMaxStackSize is the stack limit used when none is configured.
	DefaultMaxStackSize = 8 * mm.Mb

	// ExitFailure is the exit status of a process terminated by the
	// kernel.
	ExitFailure = -1

	// StdinFD and StdoutFD are the console descriptors; they can neither
	// be closed nor mapped.
	StdinFD  = 0
	StdoutFD = 1
)

var (
	errBadAddress     = &kernel.Error{Module: "vm", Message: "address is not a page-aligned user address"}
	errBadPageLayout  = &kernel.Error{Module: "vm", Message: "read and zero byte counts must add up to a page"}
	errDuplicateEntry = &kernel.Error{Module: "vm", Message: "page is already tracked"}
	errEntryNotFound  = &kernel.Error{Module: "vm", Message: "entry does not belong to this address space"}
	errBadFD          = &kernel.Error{Module: "vm", Message: "bad file descriptor"}
)

// ExitFn is invoked once when the kernel terminates a process.
type ExitFn func(pid int, status int)

// Options configures an address space.
type Options struct {
	// MaxStackSize bounds automatic stack growth. Zero selects
	// DefaultMaxStackSize.
	MaxStackSize mm.Size

	// Exit is invoked when the process is terminated by the kernel.
	Exit ExitFn
}

// AddressSpace is the user memory of a single process.
type AddressSpace struct {
	pid    int
	frames *FrameTable
	pdt    *vmm.PageDirectoryTable
	pages  *PageTable

	maxStack uintptr
	esp      atomic.Uintptr

	// faults collapses concurrent faults on the same page.
	faults singleflight.Group

	filesMu sync.Mutex
	files   map[int]fs.File
	nextFD  int

	mapsMu    sync.Mutex
	maps      map[MapID]*mapping
	nextMapID MapID

	exitFn     ExitFn
	exitOnce   sync.Once
	exitStatus atomic.Int64
	terminated atomic.Bool
}

// NewAddressSpace returns an empty address space for process pid whose
// pages are backed by frames.
func NewAddressSpace(pid int, frames *FrameTable, opts Options) *AddressSpace {
	maxStack := opts.MaxStackSize
	if maxStack == 0 {
		maxStack = DefaultMaxStackSize
	}

	return &AddressSpace{
		pid:       pid,
		frames:    frames,
		pdt:       vmm.NewPageDirectoryTable(),
		pages:     newPageTable(),
		maxStack:  uintptr(maxStack),
		files:     make(map[int]fs.File),
		nextFD:    StdoutFD + 1,
		maps:      make(map[MapID]*mapping),
		nextMapID: 1,
		exitFn:    opts.Exit,
	}
}

// PID returns the id of the owning process.
func (as *AddressSpace) PID() int {
	return as.pid
}

// PageDirectory returns the hardware page directory of the process.
func (as *AddressSpace) PageDirectory() *vmm.PageDirectoryTable {
	return as.pdt
}

// Pages returns the supplemental page table of the process.
func (as *AddressSpace) Pages() *PageTable {
	return as.pages
}

// SetStackPointer records the user stack pointer used to validate stack
// growth for faults raised by Read and Write.
func (as *AddressSpace) SetStackPointer(esp uintptr) {
	as.esp.Store(esp)
}

// StackPointer returns the last recorded user stack pointer.
func (as *AddressSpace) StackPointer() uintptr {
	return as.esp.Load()
}

// CreateFilePage registers a page at addr whose first readBytes bytes come
// from file at offset and whose remaining zeroBytes bytes are zero. A
// non-zero mapID makes it a page of that memory mapping.
func (as *AddressSpace) CreateFilePage(addr uintptr, file fs.File, readBytes, zeroBytes uint32, offset int64, writable bool, mapID MapID) (*Entry, *kernel.Error) {
	if !isUserPage(addr) {
		return nil, errBadAddress
	}
	if uintptr(readBytes)+uintptr(zeroBytes) != mm.PageSize {
		return nil, errBadPageLayout
	}

	var backing Backing = FileBacking{File: file, Offset: offset, ReadBytes: readBytes, ZeroBytes: zeroBytes}
	if mapID != NoMapping {
		backing = MmapBacking{FileBacking: backing.(FileBacking), Mapping: mapID}
	}

	e := newEntry(mm.PageFromAddress(addr), writable, backing)
	if !as.pages.insert(e) {
		return nil, errDuplicateEntry
	}
	return e, nil
}

// CreateAnonymousPage registers a writable zero-filled page at addr.
func (as *AddressSpace) CreateAnonymousPage(addr uintptr) (*Entry, *kernel.Error) {
	if !isUserPage(addr) {
		return nil, errBadAddress
	}

	e := newEntry(mm.PageFromAddress(addr), true, SwapBacking{Slot: swap.NoSlot})
	if !as.pages.insert(e) {
		return nil, errDuplicateEntry
	}
	return e, nil
}

// FindEntry returns the entry covering addr or nil.
func (as *AddressSpace) FindEntry(addr uintptr) *Entry {
	return as.pages.Find(addr)
}

// ReleaseEntry removes e from the page table and releases its frame and
// swap slot. Dirty pages of a memory mapping are written back first.
func (as *AddressSpace) ReleaseEntry(e *Entry) *kernel.Error {
	if !as.pages.remove(e) {
		return errEntryNotFound
	}
	return as.drop(e)
}

// drop releases the resources of an entry that is no longer reachable
// through the page table. It waits for in-flight population or eviction of
// the page to complete.
func (as *AddressSpace) drop(e *Entry) *kernel.Error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return nil
	}
	e.released = true

	if e.inMemory {
		if b, ok := e.backing.(MmapBacking); ok && e.writable && as.pdt.IsDirty(e.page) {
			if err := as.frames.writeBack(b.FileBacking, as.frames.alloc.FrameData(e.frame)); err != nil {
				kernelPanicFn(err)
				return err
			}
			as.frames.writebacks.Add(1)
		}

		err := as.frames.Free(e.frame)
		e.inMemory, e.frame = false, mm.InvalidFrame
		return err
	}

	if b, ok := e.backing.(SwapBacking); ok && b.Slot.Valid() {
		as.frames.swap.Free(b.Slot)
		e.backing = SwapBacking{Slot: swap.NoSlot}
	}
	return nil
}

// OpenFile installs f in the descriptor table and returns its descriptor.
func (as *AddressSpace) OpenFile(f fs.File) int {
	as.filesMu.Lock()
	defer as.filesMu.Unlock()

	fd := as.nextFD
	as.nextFD++
	as.files[fd] = f
	return fd
}

// File returns the open file for fd or nil.
func (as *AddressSpace) File(fd int) fs.File {
	as.filesMu.Lock()
	defer as.filesMu.Unlock()
	return as.files[fd]
}

// CloseFile closes fd. Mappings created from fd remain valid.
func (as *AddressSpace) CloseFile(fd int) *kernel.Error {
	as.filesMu.Lock()
	f, ok := as.files[fd]
	delete(as.files, fd)
	as.filesMu.Unlock()

	if !ok {
		return errBadFD
	}

	as.closeFile(f)
	return nil
}

// Terminate kills the process with the supplied exit status. Only the
// first call has an effect.
func (as *AddressSpace) Terminate(status int) {
	as.exitOnce.Do(func() {
		as.exitStatus.Store(int64(status))
		as.terminated.Store(true)
		kfmt.Printf("pid %d: exit(%d)\n", as.pid, status)
		if as.exitFn != nil {
			as.exitFn(as.pid, status)
		}
	})
}

// Terminated returns true if the process has been terminated.
func (as *AddressSpace) Terminated() bool {
	return as.terminated.Load()
}

// ExitStatus returns the status passed to Terminate.
func (as *AddressSpace) ExitStatus() int {
	return int(as.exitStatus.Load())
}

// Destroy tears down the address space: every memory mapping is unmapped
// with write-back, every remaining page is released along with its frame
// and swap slot and every open file is closed.
func (as *AddressSpace) Destroy() {
	for _, id := range as.Mappings() {
		_ = as.Munmap(id)
	}

	as.pages.Range(func(e *Entry) bool {
		_ = as.ReleaseEntry(e)
		return true
	})

	as.filesMu.Lock()
	files := as.files
	as.files = make(map[int]fs.File)
	as.filesMu.Unlock()

	as.frames.fsLock.Lock()
	for _, f := range files {
		_ = f.Close()
	}
	as.frames.fsLock.Unlock()

	as.pdt.Destroy()
}

// mapFlags returns the page directory flags for the entry.
func (e *Entry) mapFlags() vmm.PageTableEntryFlag {
	if e.writable {
		return vmm.FlagRW
	}
	return 0
}

func isUserPage(addr uintptr) bool {
	return addr != 0 && addr < UserTop && mm.IsPageAligned(addr)
}
