package vm

import (
	"bytes"
	"gophervm/kernel"
	"gophervm/kernel/device/block"
	"gophervm/kernel/fs"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/pmm"
	"gophervm/kernel/mm/swap"
	"sync"
	"testing"
)

// testKernel bundles the collaborators of a frame table.
type testKernel struct {
	alloc  *pmm.BitmapAllocator
	swap   *swap.Manager
	frames *FrameTable
}

// newTestKernel sets up a frame table with frameCount frames and
// swapSlots swap slots. Kernel panics fail the test unless a test installs
// its own kernelPanicFn.
func newTestKernel(t *testing.T, frameCount, swapSlots uint32) *testKernel {
	t.Helper()

	alloc, err := pmm.NewBitmapAllocator(frameCount)
	if err != nil {
		t.Fatal(err)
	}

	swapMgr, err := swap.New(block.NewMemDevice(swapSlots * swap.SectorsPerSlot))
	if err != nil {
		t.Fatal(err)
	}

	origPanicFn := kernelPanicFn
	kernelPanicFn = func(e interface{}) {
		t.Errorf("unexpected kernel panic: %v", e)
	}

	t.Cleanup(func() {
		kernelPanicFn = origPanicFn
		_ = alloc.Close()
	})

	return &testKernel{
		alloc:  alloc,
		swap:   swapMgr,
		frames: NewFrameTable(alloc, swapMgr, nil),
	}
}

// exitRecorder captures the status passed to an ExitFn.
type exitRecorder struct {
	mu       sync.Mutex
	statuses map[int]int
}

func (r *exitRecorder) exit(pid, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[int]int)
	}
	r.statuses[pid] = status
}

func (r *exitRecorder) status(pid int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.statuses[pid]
	return status, ok
}

func (k *testKernel) newAddressSpace(pid int, rec *exitRecorder) *AddressSpace {
	var opts Options
	if rec != nil {
		opts.Exit = rec.exit
	}
	return NewAddressSpace(pid, k.frames, opts)
}

// anonPages registers count consecutive anonymous pages starting at base.
func anonPages(t *testing.T, as *AddressSpace, base uintptr, count int) []*Entry {
	t.Helper()

	entries := make([]*Entry, count)
	for i := range entries {
		e, err := as.CreateAnonymousPage(base + uintptr(i)*mm.PageSize)
		if err != nil {
			t.Fatal(err)
		}
		entries[i] = e
	}
	return entries
}

func populate(t *testing.T, as *AddressSpace, entries ...*Entry) {
	t.Helper()
	for _, e := range entries {
		if _, err := as.Populate(e, false); err != nil {
			t.Fatalf("populating page 0x%x: %v", e.Address(), err)
		}
	}
}

// pagePattern returns a page filled with a pattern derived from seed.
func pagePattern(seed byte) []byte {
	page := make([]byte, mm.PageSize)
	for i := range page {
		page[i] = seed ^ byte(i) ^ byte(i>>8)
	}
	return page
}

// checkFrameInvariants verifies that live frames and resident entries of
// the supplied address spaces are in one-to-one correspondence and that
// every resident entry is mapped in its page directory.
func checkFrameInvariants(t *testing.T, ft *FrameTable, spaces ...*AddressSpace) {
	t.Helper()

	ft.mu.Lock()
	defer ft.mu.Unlock()

	live := make(map[*Entry]mm.Frame)
	if ft.hand.Valid() {
		frame := ft.hand
		for {
			slot := &ft.slots[frame]
			if !slot.live || slot.entry == nil {
				t.Fatalf("frame %d is in the clock list but not live", frame)
			}
			if _, dup := live[slot.entry]; dup {
				t.Fatalf("entry 0x%x owns more than one frame", slot.entry.Address())
			}
			live[slot.entry] = frame

			if frame = slot.next; frame == ft.hand {
				break
			}
		}
	}

	if ft.pending != 0 {
		t.Fatalf("expected no frames in flight; got %d", ft.pending)
	}
	if len(live) != ft.live {
		t.Fatalf("clock list holds %d frames; frame table counts %d", len(live), ft.live)
	}

	resident := 0
	for _, as := range spaces {
		as.pages.Range(func(e *Entry) bool {
			e.mu.Lock()
			defer e.mu.Unlock()

			if !e.inMemory {
				if _, ok := live[e]; ok {
					t.Errorf("entry 0x%x owns a frame but is not resident", e.Address())
				}
				return true
			}

			resident++
			if frame, ok := live[e]; !ok || frame != e.frame {
				t.Errorf("resident entry 0x%x records frame %d; frame table has %d (tracked: %t)", e.Address(), e.frame, frame, ok)
			}
			if frame, _, ok := as.pdt.Lookup(e.page); !ok || frame != e.frame {
				t.Errorf("resident entry 0x%x is not mapped to frame %d", e.Address(), e.frame)
			}
			return true
		})
	}

	if resident != len(live) {
		t.Fatalf("expected %d resident entries to match %d live frames", resident, len(live))
	}
}

// countingFile counts the writes issued to a file and its reopened
// handles.
type countingFile struct {
	fs.File
	mu     *sync.Mutex
	writes *[]int64
}

func newCountingFile(data []byte) *countingFile {
	return &countingFile{File: fs.NewMemFile(data), mu: new(sync.Mutex), writes: new([]int64)}
}

func (f *countingFile) Write(p []byte) (int, error) {
	pos, err := f.File.Seek(0, 1)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	*f.writes = append(*f.writes, pos)
	f.mu.Unlock()
	return f.File.Write(p)
}

func (f *countingFile) Reopen() (fs.File, error) {
	inner, err := f.File.Reopen()
	if err != nil {
		return nil, err
	}
	return &countingFile{File: inner, mu: f.mu, writes: f.writes}, nil
}

// writeOffsets returns the file offsets of every write so far.
func (f *countingFile) writeOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), (*f.writes)...)
}

func (f *countingFile) Bytes() []byte {
	return f.File.(*fs.MemFile).Bytes()
}

func expectError(t *testing.T, exp, got *kernel.Error) {
	t.Helper()
	if got != exp {
		t.Fatalf("expected error %v; got %v", exp, got)
	}
}

func expectBytes(t *testing.T, exp, got []byte) {
	t.Helper()
	if !bytes.Equal(exp, got) {
		t.Fatalf("memory contents mismatch")
	}
}
