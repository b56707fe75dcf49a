package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/fs"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/pmm"
	"gophervm/kernel/mm/swap"
	"gophervm/kernel/mm/vmm"
	ksync "gophervm/kernel/sync"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	// kernelPanicFn is mocked by tests.
	kernelPanicFn = kfmt.Panic

	// yieldFn is invoked before an allocation that found no frame to
	// reclaim yet is retried. It is mocked by tests.
	yieldFn = runtime.Gosched

	// mapPageFn is mocked by tests.
	mapPageFn = (*vmm.PageDirectoryTable).Map

	// ErrNoEvictableFrame is raised when physical memory is exhausted and
	// every resident frame is pinned.
	ErrNoEvictableFrame = &kernel.Error{Module: "vm", Message: "no evictable frame"}

	// ErrFrameListEmpty is raised when the physical allocator reports
	// exhaustion although no frame is tracked by the frame table.
	ErrFrameListEmpty = &kernel.Error{Module: "vm", Message: "frame list empty while physical memory is exhausted"}

	// ErrPageOutFailed is raised when an evicted page could not be saved
	// to swap or to its backing file.
	ErrPageOutFailed = &kernel.Error{Module: "vm", Message: "unable to page out frame"}

	errFrameNotTracked = &kernel.Error{Module: "vm", Message: "frame is not tracked by the frame table"}
	errFileWrite       = &kernel.Error{Module: "vm", Message: "write to backing file failed"}

	// errEvictRetry is returned by evict when no victim is available right
	// now but frames are in flight or busy.
	errEvictRetry = &kernel.Error{Module: "vm", Message: "eviction candidates are busy"}
)

// PageAllocator reserves and releases the physical frames the frame table
// hands out.
type PageAllocator interface {
	AllocFrame(zeroed bool) (mm.Frame, *kernel.Error)
	FreeFrame(mm.Frame) *kernel.Error
	FrameData(mm.Frame) []byte
	FrameCount() uint32
}

// SwapStore moves anonymous pages to and from the swap area. A successful
// Load releases the slot.
type SwapStore interface {
	Store(src []byte) (swap.Slot, *kernel.Error)
	Load(slot swap.Slot, dst []byte) *kernel.Error
	Free(slot swap.Slot)
}

// FrameStats is a snapshot of the frame table counters.
type FrameStats struct {
	Allocations uint64
	Evictions   uint64
	SwapOuts    uint64
	Writebacks  uint64
	Resident    int
}

// frameSlot holds the frame table metadata for one physical frame.
type frameSlot struct {
	// lock is held while the frame contents are being populated or paged
	// out.
	lock ksync.Spinlock

	owner *AddressSpace
	entry *Entry
	live  bool

	// next and prev link the resident frames into the clock list.
	next, prev mm.Frame
}

// FrameTable tracks every resident user frame and reclaims frames with the
// clock algorithm once the physical allocator is exhausted.
type FrameTable struct {
	// mu protects the clock list, the hand and the owner/entry fields of
	// every slot.
	mu    sync.Mutex
	slots []frameSlot
	hand  mm.Frame
	live  int

	// pending counts frames taken from the allocator that are not in the
	// clock list: frames being populated, paged out or released.
	pending int

	alloc PageAllocator
	swap  SwapStore

	// fsLock serializes filesystem access.
	fsLock sync.Locker

	allocations atomic.Uint64
	evictions   atomic.Uint64
	swapOuts    atomic.Uint64
	writebacks  atomic.Uint64

	log *kfmt.PrefixWriter
}

// NewFrameTable returns a frame table that draws frames from alloc and
// evicts anonymous pages to swapStore. fsLock guards every file access the
// frame table and the address spaces using it perform; if nil, a private
// lock is used.
func NewFrameTable(alloc PageAllocator, swapStore SwapStore, fsLock sync.Locker) *FrameTable {
	if fsLock == nil {
		fsLock = new(sync.Mutex)
	}

	return &FrameTable{
		slots:  make([]frameSlot, alloc.FrameCount()),
		hand:   mm.InvalidFrame,
		alloc:  alloc,
		swap:   swapStore,
		fsLock: fsLock,
		log:    kfmt.NewPrefixWriter("vm"),
	}
}

// Allocate reserves a frame for entry, which belongs to owner. If physical
// memory is exhausted a resident page is evicted and its frame reused; while
// frames are in flight or the candidates are busy the allocation is
// retried. If zeroed is set the frame contents are cleared.
//
// The frame is returned locked so that it cannot be chosen for eviction
// before the caller has populated it; the caller must invoke Unlock.
func (ft *FrameTable) Allocate(owner *AddressSpace, entry *Entry, zeroed bool) (mm.Frame, *kernel.Error) {
	var (
		frame mm.Frame
		err   *kernel.Error
	)

	for {
		ft.mu.Lock()
		if frame, err = ft.alloc.AllocFrame(false); err == nil {
			ft.pending++
			ft.mu.Unlock()
			ft.slots[frame].lock.Acquire()
			break
		}
		if err != pmm.ErrOutOfMemory {
			ft.mu.Unlock()
			return mm.InvalidFrame, err
		}

		// evict releases ft.mu.
		if frame, err = ft.evict(); err == nil {
			break
		}
		if err != errEvictRetry {
			kernelPanicFn(err)
			return mm.InvalidFrame, err
		}
		yieldFn()
	}

	if zeroed {
		clear(ft.alloc.FrameData(frame))
	}

	ft.mu.Lock()
	ft.pending--
	ft.attach(frame, owner, entry)
	ft.mu.Unlock()

	ft.allocations.Add(1)
	return frame, nil
}

// Unlock releases a frame returned by Allocate.
func (ft *FrameTable) Unlock(frame mm.Frame) {
	ft.slots[frame].lock.Release()
}

// Free detaches frame from its entry, removes the page mapping of the
// owning address space and returns the frame to the physical allocator.
// The caller must hold the mutex of the entry the frame belongs to.
func (ft *FrameTable) Free(frame mm.Frame) *kernel.Error {
	if uint64(frame) >= uint64(len(ft.slots)) {
		return errFrameNotTracked
	}

	ft.slots[frame].lock.Acquire()
	return ft.release(frame)
}

// release is Free for a frame whose lock is held by the caller. The lock is
// released before returning.
func (ft *FrameTable) release(frame mm.Frame) *kernel.Error {
	slot := &ft.slots[frame]
	defer slot.lock.Release()

	ft.mu.Lock()
	if !slot.live {
		ft.mu.Unlock()
		return errFrameNotTracked
	}
	owner, entry := slot.owner, slot.entry
	ft.detach(frame)
	ft.pending++
	ft.mu.Unlock()

	// A frame being released before its population completed is not
	// mapped yet.
	_, _ = owner.pdt.Unmap(entry.page)

	err := ft.alloc.FreeFrame(frame)
	ft.mu.Lock()
	ft.pending--
	ft.mu.Unlock()
	return err
}

// Stats returns a snapshot of the frame table counters.
func (ft *FrameTable) Stats() FrameStats {
	ft.mu.Lock()
	resident := ft.live
	ft.mu.Unlock()

	return FrameStats{
		Allocations: ft.allocations.Load(),
		Evictions:   ft.evictions.Load(),
		SwapOuts:    ft.swapOuts.Load(),
		Writebacks:  ft.writebacks.Load(),
		Resident:    resident,
	}
}

// evict runs the clock algorithm, pages out the selected victim and
// returns its frame locked. It is called with ft.mu held, after the
// allocator reported exhaustion, and releases it.
//
// errEvictRetry is returned when no victim is available but frames are
// still in flight or unpinned frames were passed over because they were
// busy; the allocation should then be retried.
func (ft *FrameTable) evict() (mm.Frame, *kernel.Error) {
	if !ft.hand.Valid() {
		err := ErrFrameListEmpty
		if ft.pending > 0 {
			err = errEvictRetry
		}
		ft.mu.Unlock()
		return mm.InvalidFrame, err
	}

	victim, busy := ft.selectVictim()
	if !victim.Valid() {
		err := ErrNoEvictableFrame
		if busy || ft.pending > 0 {
			err = errEvictRetry
		}
		ft.mu.Unlock()
		return mm.InvalidFrame, err
	}

	slot := &ft.slots[victim]
	owner, entry := slot.owner, slot.entry
	ft.detach(victim)
	ft.pending++
	ft.mu.Unlock()

	err := ft.pageOut(owner, entry, victim)
	if err != nil {
		// Put the page back so its contents are not lost.
		if mapErr := mapPageFn(owner.pdt, entry.page, victim, entry.mapFlags()); mapErr != nil {
			err = mapErr
		} else {
			owner.pdt.SetDirty(entry.page, true)
		}
		ft.mu.Lock()
		ft.pending--
		ft.attach(victim, owner, entry)
		ft.mu.Unlock()
		entry.mu.Unlock()
		slot.lock.Release()
		return mm.InvalidFrame, err
	}

	entry.inMemory = false
	entry.frame = mm.InvalidFrame
	entry.mu.Unlock()

	ft.evictions.Add(1)
	return victim, nil
}

// selectVictim advances the clock hand until it finds a frame whose
// accessed bit is clear and returns it with both the frame lock and the
// entry mutex held. Frames whose accessed bit is set get it cleared and are
// passed over. Pinned frames and frames that are locked by a concurrent
// population or release are skipped. After two full sweeps without a
// candidate InvalidFrame is returned; busy reports whether any unpinned
// frame was seen. ft.mu must be held.
func (ft *FrameTable) selectVictim() (victim mm.Frame, busy bool) {
	for scanned := 0; scanned < 2*ft.live; scanned++ {
		frame := ft.hand
		slot := &ft.slots[frame]
		ft.hand = slot.next

		entry := slot.entry
		if entry.Pinned() {
			continue
		}
		busy = true

		if !slot.lock.TryToAcquire() {
			continue
		}
		if !entry.mu.TryLock() {
			slot.lock.Release()
			continue
		}

		if entry.Pinned() || slot.owner.pdt.TestAndClearAccessed(entry.page) {
			entry.mu.Unlock()
			slot.lock.Release()
			continue
		}

		return frame, false
	}

	return mm.InvalidFrame, busy
}

// pageOut removes the mapping of a victim page and saves its contents
// according to the entry kind. The caller holds the frame lock and the
// entry mutex.
func (ft *FrameTable) pageOut(owner *AddressSpace, entry *Entry, frame mm.Frame) *kernel.Error {
	flags, err := owner.pdt.Unmap(entry.page)
	if err != nil {
		return err
	}

	var (
		dirty = flags&vmm.FlagDirty != 0
		data  = ft.alloc.FrameData(frame)
	)

	switch b := entry.backing.(type) {
	case MmapBacking:
		if !dirty || !entry.writable {
			return nil
		}
		if err := ft.writeBack(b.FileBacking, data); err != nil {
			return err
		}
		ft.writebacks.Add(1)
	case FileBacking:
		if !dirty || !entry.writable {
			return nil
		}
		return ft.swapOut(entry, data)
	case SwapBacking:
		// Anonymous pages that were never written still read as zeroes.
		if !dirty {
			return nil
		}
		return ft.swapOut(entry, data)
	}

	return nil
}

func (ft *FrameTable) swapOut(entry *Entry, data []byte) *kernel.Error {
	slot, err := ft.swap.Store(data)
	if err != nil {
		ft.log.Printf("unable to swap out page 0x%x: %s\n", entry.page.Address(), err.Error())
		return ErrPageOutFailed
	}

	entry.backing = SwapBacking{Slot: slot}
	ft.swapOuts.Add(1)
	return nil
}

// writeBack writes the file part of a page back to its file.
func (ft *FrameTable) writeBack(b FileBacking, data []byte) *kernel.Error {
	ft.fsLock.Lock()
	_, err := fs.WriteAt(b.File, data[:b.ReadBytes], b.Offset)
	ft.fsLock.Unlock()

	if err != nil {
		ft.log.Printf("write back of %d bytes at offset %d failed: %s\n", b.ReadBytes, b.Offset, err.Error())
		return errFileWrite
	}
	return nil
}

// attach links frame into the clock list just behind the hand, so that it
// is the last frame the hand reaches. ft.mu must be held.
func (ft *FrameTable) attach(frame mm.Frame, owner *AddressSpace, entry *Entry) {
	slot := &ft.slots[frame]
	slot.owner, slot.entry, slot.live = owner, entry, true

	if !ft.hand.Valid() {
		slot.next, slot.prev = frame, frame
		ft.hand = frame
	} else {
		next := ft.hand
		prev := ft.slots[next].prev
		slot.next, slot.prev = next, prev
		ft.slots[prev].next = frame
		ft.slots[next].prev = frame
	}
	ft.live++
}

// detach unlinks frame from the clock list, moving the hand to the next
// frame if it points to frame. ft.mu must be held.
func (ft *FrameTable) detach(frame mm.Frame) {
	slot := &ft.slots[frame]

	if slot.next == frame {
		ft.hand = mm.InvalidFrame
	} else {
		ft.slots[slot.prev].next = slot.next
		ft.slots[slot.next].prev = slot.prev
		if ft.hand == frame {
			ft.hand = slot.next
		}
	}

	slot.owner, slot.entry, slot.live = nil, nil, false
	slot.next, slot.prev = mm.InvalidFrame, mm.InvalidFrame
	ft.live--
}
