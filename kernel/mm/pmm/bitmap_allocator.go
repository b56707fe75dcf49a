// Package pmm implements the physical page allocator that hands out and
// reclaims whole page frames from a fixed pool.
package pmm

import (
	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/bitmap"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// The following functions are used by tests to mock calls to the host
	// memory mapping syscalls.
	mmapFn   = unix.Mmap
	munmapFn = unix.Munmap

	// ErrOutOfMemory is returned by AllocFrame when every frame in the pool
	// is in use.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	errInvalidFrameCount = &kernel.Error{Module: "pmm", Message: "frame pool must contain at least one frame"}
	errArenaReserve      = &kernel.Error{Module: "pmm", Message: "could not reserve physical memory arena"}
	errFrameNotAllocated = &kernel.Error{Module: "pmm", Message: "attempted to free a frame that is not allocated"}
	errAllocatorClosed   = &kernel.Error{Module: "pmm", Message: "allocator has been shut down"}
)

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations in a bitmap. The frame contents live in a host memory arena
// obtained with an anonymous private mapping; frame N occupies bytes
// [N*PageSize, (N+1)*PageSize) of the arena.
type BitmapAllocator struct {
	mu sync.Mutex

	// arena holds the contents of every physical frame.
	arena []byte

	// frameCount is the total number of frames in the pool.
	frameCount uint32

	// freeBitmap tracks used/free frames in the pool.
	freeBitmap *bitmap.Bitmap
}

// NewBitmapAllocator reserves a pool of frameCount physical frames.
func NewBitmapAllocator(frameCount uint32) (*BitmapAllocator, *kernel.Error) {
	if frameCount == 0 {
		return nil, errInvalidFrameCount
	}

	arena, err := mmapFn(-1, 0, int(uintptr(frameCount)*mm.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		kfmt.Printf("[pmm] mmap of %d frames failed: %s\n", frameCount, err.Error())
		return nil, errArenaReserve
	}

	alloc := &BitmapAllocator{
		arena:      arena,
		frameCount: frameCount,
		freeBitmap: bitmap.New(frameCount),
	}

	kfmt.Printf("[pmm] physical memory: %d frames (%d KB)\n", frameCount, (uintptr(frameCount)*mm.PageSize)>>10)
	return alloc, nil
}

// AllocFrame reserves the first free physical frame. If zeroed is true, the
// frame contents are cleared before it is returned. AllocFrame returns
// ErrOutOfMemory if the pool is exhausted.
func (alloc *BitmapAllocator) AllocFrame(zeroed bool) (mm.Frame, *kernel.Error) {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	if alloc.arena == nil {
		return mm.InvalidFrame, errAllocatorClosed
	}

	index, ok := alloc.freeBitmap.ScanAndSet()
	if !ok {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	frame := mm.Frame(index)
	if zeroed {
		clear(alloc.frameData(frame))
	}

	return frame, nil
}

// FreeFrame releases a frame previously reserved via AllocFrame.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	if !frame.Valid() || uintptr(frame) >= uintptr(alloc.frameCount) || !alloc.freeBitmap.Clear(uint32(frame)) {
		return errFrameNotAllocated
	}

	return nil
}

// FrameData returns a slice that aliases the contents of the given frame.
// The slice remains valid until Close is invoked.
func (alloc *BitmapAllocator) FrameData(frame mm.Frame) []byte {
	return alloc.frameData(frame)
}

func (alloc *BitmapAllocator) frameData(frame mm.Frame) []byte {
	start := frame.Address()
	return alloc.arena[start : start+mm.PageSize : start+mm.PageSize]
}

// FrameCount returns the total number of frames managed by the allocator.
func (alloc *BitmapAllocator) FrameCount() uint32 {
	return alloc.frameCount
}

// FreeCount returns the number of frames that are currently not reserved.
func (alloc *BitmapAllocator) FreeCount() uint32 {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()
	return alloc.freeBitmap.Free()
}

// Close releases the physical memory arena. Any further allocation requests
// will fail.
func (alloc *BitmapAllocator) Close() *kernel.Error {
	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	if alloc.arena == nil {
		return nil
	}

	if err := munmapFn(alloc.arena); err != nil {
		kfmt.Printf("[pmm] munmap failed: %s\n", err.Error())
		return errArenaReserve
	}
	alloc.arena = nil
	return nil
}
