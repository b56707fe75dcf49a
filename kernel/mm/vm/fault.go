package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/fs"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/swap"
	"gophervm/kernel/mm/vmm"
	"strconv"
)

var (
	// ErrSegmentationFault is returned by Read and Write when the access
	// terminated the process.
	ErrSegmentationFault = &kernel.Error{Module: "vm", Message: "segmentation fault"}

	// ErrEntryReleased is returned when populating a page that has been
	// removed from its address space.
	ErrEntryReleased = &kernel.Error{Module: "vm", Message: "page has been released"}

	errFileRead = &kernel.Error{Module: "vm", Message: "read from backing file failed"}
	errBadRange = &kernel.Error{Module: "vm", Message: "range is not mapped in user space"}
)

// HandlePageFault services a fault at addr raised by the process whose
// user stack pointer is esp. It returns true if the faulting access can be
// retried. Otherwise the process has been terminated with ExitFailure.
func (as *AddressSpace) HandlePageFault(addr, esp uintptr, write bool) bool {
	if as.Terminated() {
		return false
	}
	if addr == 0 || addr >= UserTop {
		as.Terminate(ExitFailure)
		return false
	}

	page := mm.PageFromAddress(addr)
	e := as.pages.Find(addr)
	if e == nil {
		if !as.isStackAccess(addr, esp) {
			as.Terminate(ExitFailure)
			return false
		}

		var err *kernel.Error
		if e, err = as.CreateAnonymousPage(page.Address()); err == errDuplicateEntry {
			// Another thread grew the stack first.
			e = as.pages.Find(addr)
		}
		if e == nil {
			as.Terminate(ExitFailure)
			return false
		}
	}

	if write && !e.writable {
		as.Terminate(ExitFailure)
		return false
	}

	_, err, _ := as.faults.Do(strconv.FormatUint(uint64(page), 16), func() (interface{}, error) {
		if _, err := as.Populate(e, false); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		as.Terminate(ExitFailure)
		return false
	}
	return true
}

// isStackAccess returns true if a fault at addr is a legitimate stack
// access that should grow the stack. A zero esp means the process has no
// user stack yet.
func (as *AddressSpace) isStackAccess(addr, esp uintptr) bool {
	return esp != 0 &&
		addr+StackSlack >= esp &&
		addr < UserTop &&
		UserTop-mm.PageFromAddress(addr).Address() <= as.maxStack
}

// Populate makes e resident if it is not. The page is pinned while it is
// being populated. If pin is set the page stays pinned and the returned
// lease must be released by the caller; otherwise the lease is nil.
func (as *AddressSpace) Populate(e *Entry, pin bool) (*Lease, *kernel.Error) {
	lease := e.pin()

	e.mu.Lock()
	err := as.load(e)
	e.mu.Unlock()

	if err != nil || !pin {
		lease.Release()
		return nil, err
	}
	return lease, nil
}

// load installs the contents of e in a frame. e.mu must be held.
func (as *AddressSpace) load(e *Entry) *kernel.Error {
	switch {
	case e.released:
		return ErrEntryReleased
	case e.inMemory:
		return nil
	}

	var (
		ft       = as.frames
		anon, _  = e.backing.(SwapBacking)
		isAnon   = e.backing.Kind() == SwapPage
		zeroFill = isAnon && !anon.Slot.Valid()
		dirty    bool
	)

	frame, err := ft.Allocate(as, e, zeroFill)
	if err != nil {
		return err
	}
	data := ft.alloc.FrameData(frame)

	if region, ok := fileRegion(e.backing); ok {
		ft.fsLock.Lock()
		_, rerr := fs.ReadAt(region.File, data[:region.ReadBytes], region.Offset)
		ft.fsLock.Unlock()
		if rerr != nil {
			ft.log.Printf("pid %d: load of page 0x%x failed: %s\n", as.pid, e.page.Address(), rerr.Error())
			_ = ft.release(frame)
			return errFileRead
		}
		clear(data[region.ReadBytes:])
	} else if !zeroFill {
		if err = ft.swap.Load(anon.Slot, data); err != nil {
			_ = ft.release(frame)
			return err
		}
		e.backing = SwapBacking{Slot: swap.NoSlot}

		// Loading released the slot; the page must be written out again if
		// it is evicted.
		dirty = true
	}

	if err = mapPageFn(as.pdt, e.page, frame, e.mapFlags()); err != nil {
		_ = ft.release(frame)
		return err
	}
	if dirty {
		as.pdt.SetDirty(e.page, true)
	}

	e.frame, e.inMemory = frame, true
	ft.Unlock(frame)
	return nil
}

// PinRange faults in every page overlapping [addr, addr+size) and pins
// them. Kernel code uses it to keep user buffers resident while accessing
// them on behalf of the process. On failure no page remains pinned.
func (as *AddressSpace) PinRange(addr, size uintptr, write bool) (Leases, *kernel.Error) {
	if size == 0 {
		return nil, nil
	}
	if addr == 0 || addr+size < addr || addr+size > UserTop {
		return nil, errBadRange
	}

	var leases Leases
	for page := mm.PageFromAddress(addr); page <= mm.PageFromAddress(addr+size-1); page++ {
		e := as.pages.Find(page.Address())
		if e == nil || (write && !e.writable) {
			leases.Release()
			return nil, errBadRange
		}

		lease, err := as.Populate(e, true)
		if err != nil {
			leases.Release()
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

// Read copies len(buf) bytes of user memory starting at addr into buf,
// faulting pages in as needed.
func (as *AddressSpace) Read(addr uintptr, buf []byte) *kernel.Error {
	return as.access(addr, buf, false)
}

// Write copies data into user memory starting at addr, faulting pages in
// as needed.
func (as *AddressSpace) Write(addr uintptr, data []byte) *kernel.Error {
	return as.access(addr, data, true)
}

// access performs a user-mode access the way the CPU would: translate each
// page through the page directory and raise a page fault on a miss. A
// faulting access is retried after the fault has been serviced.
func (as *AddressSpace) access(addr uintptr, buf []byte, write bool) *kernel.Error {
	for done := 0; done < len(buf); {
		var (
			cur   = addr + uintptr(done)
			chunk = min(len(buf)-done, int(mm.PageSize-mm.PageOffset(cur)))
		)

		if as.Terminated() || cur < addr || cur >= UserTop {
			as.Terminate(ExitFailure)
			return ErrSegmentationFault
		}

		err := as.pdt.Access(cur, write, func(frame mm.Frame, offset uintptr) {
			mem := as.frames.alloc.FrameData(frame)[offset : offset+uintptr(chunk)]
			if write {
				copy(mem, buf[done:done+chunk])
			} else {
				copy(buf[done:done+chunk], mem)
			}
		})

		switch err {
		case nil:
			done += chunk
		case vmm.ErrInvalidMapping:
			if !as.HandlePageFault(cur, as.StackPointer(), write) {
				return ErrSegmentationFault
			}
		default:
			as.Terminate(ExitFailure)
			return ErrSegmentationFault
		}
	}
	return nil
}
