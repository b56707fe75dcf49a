package main

import (
	"bytes"
	"fmt"
	"gophervm/kernel/fs"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/kmain"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/vm"
	"math/rand"
)

const (
	codeBase = uintptr(0x08048000)
	heapBase = uintptr(0x10000000)
	mmapBase = uintptr(0x20000000)

	stackPages = 4
)

// workload simulates a user process: a read-only code page and a writable
// data page loaded from an executable image, an anonymous heap, a growing
// stack and a memory-mapped data file.
type workload struct {
	pid       int
	heapPages int
	rounds    int
	seed      int64
}

func (w *workload) run(k *kmain.Kernel) error {
	as, kerr := k.NewAddressSpace(w.pid)
	if kerr != nil {
		return kerr
	}

	err := w.exercise(as)
	status := 0
	if err != nil {
		status = vm.ExitFailure
	}
	_ = k.Exit(w.pid, status)
	return err
}

func (w *workload) exercise(as *vm.AddressSpace) error {
	rng := rand.New(rand.NewSource(w.seed))

	if err := w.loadImage(as, rng); err != nil {
		return err
	}
	if err := w.churnHeap(as, rng); err != nil {
		return err
	}
	if err := w.growStack(as); err != nil {
		return err
	}
	return w.mapFile(as, rng)
}

// loadImage registers the code and data pages of a fake executable and
// verifies their contents.
func (w *workload) loadImage(as *vm.AddressSpace, rng *rand.Rand) error {
	image := make([]byte, mm.PageSize+mm.PageSize/2)
	rng.Read(image)
	file := fs.NewMemFile(image)

	if _, err := as.CreateFilePage(codeBase, file, uint32(mm.PageSize), 0, 0, false, vm.NoMapping); err != nil {
		return err
	}
	dataBytes := uint32(len(image)) - uint32(mm.PageSize)
	if _, err := as.CreateFilePage(codeBase+mm.PageSize, file, dataBytes, uint32(mm.PageSize)-dataBytes, int64(mm.PageSize), true, vm.NoMapping); err != nil {
		return err
	}

	buf := make([]byte, 2*mm.PageSize)
	if err := as.Read(codeBase, buf); err != nil {
		return err
	}
	if !bytes.Equal(buf[:len(image)], image) {
		return fmt.Errorf("pid %d: executable image mismatch", w.pid)
	}

	// The data segment is writable; the image itself must not change.
	if err := as.Write(codeBase+mm.PageSize, []byte("initialized data")); err != nil {
		return err
	}
	if !bytes.Equal(file.Bytes(), image) {
		return fmt.Errorf("pid %d: writes to the data segment reached the executable", w.pid)
	}
	return nil
}

// churnHeap performs random writes and verified reads over the heap.
func (w *workload) churnHeap(as *vm.AddressSpace, rng *rand.Rand) error {
	shadow := make([][]byte, w.heapPages)
	for i := range shadow {
		shadow[i] = make([]byte, mm.PageSize)
		if _, err := as.CreateAnonymousPage(heapBase + uintptr(i)*mm.PageSize); err != nil {
			return err
		}
	}

	chunk := make([]byte, 256)
	for round := 0; round < w.rounds; round++ {
		page := rng.Intn(w.heapPages)
		offset := rng.Intn(int(mm.PageSize) - len(chunk))
		rng.Read(chunk)

		if err := as.Write(heapBase+uintptr(page)*mm.PageSize+uintptr(offset), chunk); err != nil {
			return err
		}
		copy(shadow[page][offset:], chunk)

		check := rng.Intn(w.heapPages)
		got := make([]byte, mm.PageSize)
		if err := as.Read(heapBase+uintptr(check)*mm.PageSize, got); err != nil {
			return err
		}
		if !bytes.Equal(got, shadow[check]) {
			return fmt.Errorf("pid %d: heap page %d corrupted in round %d", w.pid, check, round)
		}
	}
	return nil
}

// growStack pushes frames onto the stack one page at a time the way a
// recursive call chain would.
func (w *workload) growStack(as *vm.AddressSpace) error {
	esp := vm.UserTop
	for depth := 0; depth < stackPages; depth++ {
		esp -= mm.PageSize
		as.SetStackPointer(esp)

		frame := bytes.Repeat([]byte{byte(depth + 1)}, 64)
		if err := as.Write(esp, frame); err != nil {
			return err
		}
	}

	for depth := 0; depth < stackPages; depth++ {
		got := make([]byte, 64)
		if err := as.Read(vm.UserTop-uintptr(depth+1)*mm.PageSize, got); err != nil {
			return err
		}
		if got[0] != byte(depth+1) {
			return fmt.Errorf("pid %d: stack frame %d corrupted", w.pid, depth)
		}
	}
	return nil
}

// mapFile maps a data file, updates a few bytes through memory and checks
// that unmapping writes them back.
func (w *workload) mapFile(as *vm.AddressSpace, rng *rand.Rand) error {
	contents := make([]byte, 3*mm.PageSize+mm.PageSize/4)
	rng.Read(contents)
	file := fs.NewMemFile(contents)

	fd := as.OpenFile(file)
	id, err := as.Mmap(fd, mmapBase)
	if err != nil {
		return err
	}
	if err := as.CloseFile(fd); err != nil {
		return err
	}

	patch := []byte(fmt.Sprintf("pid %d was here", w.pid))
	offset := 2*mm.PageSize + 100
	if err := as.Write(mmapBase+offset, patch); err != nil {
		return err
	}
	if err := as.Munmap(id); err != nil {
		return err
	}

	copy(contents[offset:], patch)
	if !bytes.Equal(file.Bytes(), contents) {
		return fmt.Errorf("pid %d: mapped file was not written back", w.pid)
	}

	kfmt.Printf("[vmsim] pid %d: workload complete\n", w.pid)
	return nil
}
