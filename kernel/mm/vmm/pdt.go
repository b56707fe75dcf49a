// Package vmm provides the per-process page directory that translates user
// virtual pages to physical frames and records the accessed and dirty bits
// the MMU sets on every access.
package vmm

import (
	"gophervm/kernel"
	"gophervm/kernel/mm"
	"sync"
)

var errMapFlags = &kernel.Error{Module: "vmm", Message: "mapping flags may not include accessed/dirty bits"}

// PageDirectoryTable holds the page table entries of a single address space.
// The owning process installs and removes mappings while the frame
// allocator inspects and clears the accessed/dirty bits from other threads,
// so every operation is serialized by the table's lock.
type PageDirectoryTable struct {
	mu      sync.Mutex
	entries map[mm.Page]pageTableEntry
}

// NewPageDirectoryTable returns an empty page directory.
func NewPageDirectoryTable() *PageDirectoryTable {
	return &PageDirectoryTable{
		entries: make(map[mm.Page]pageTableEntry),
	}
}

// Map establishes a mapping between a virtual page and a physical memory
// frame, overwriting any previous mapping for the page. The present and
// user-accessible flags are implied; the accessed and dirty bits of the new
// entry start cleared.
func (pdt *PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if flags&(FlagAccessed|FlagDirty) != 0 {
		return errMapFlags
	}

	var pte pageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | FlagUserAccessible | flags)

	pdt.mu.Lock()
	pdt.entries[page] = pte
	pdt.mu.Unlock()
	return nil
}

// Unmap removes the mapping for page and returns the flags the entry had
// just before removal; callers use them to learn whether the page was
// modified. Unmapping a page that is not mapped returns ErrInvalidMapping.
func (pdt *PageDirectoryTable) Unmap(page mm.Page) (PageTableEntryFlag, *kernel.Error) {
	pdt.mu.Lock()
	defer pdt.mu.Unlock()

	pte, ok := pdt.entries[page]
	if !ok || !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	delete(pdt.entries, page)
	return pte.Flags(), nil
}

// Lookup returns the frame mapped at page and its flags. The last return
// value is false if no mapping exists.
func (pdt *PageDirectoryTable) Lookup(page mm.Page) (mm.Frame, PageTableEntryFlag, bool) {
	pdt.mu.Lock()
	defer pdt.mu.Unlock()

	pte, ok := pdt.entries[page]
	if !ok {
		return mm.InvalidFrame, 0, false
	}
	return pte.Frame(), pte.Flags(), true
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical page.
func (pdt *PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, _, ok := pdt.Lookup(mm.PageFromAddress(virtAddr))
	if !ok {
		return 0, ErrInvalidMapping
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return frame.Address() + mm.PageOffset(virtAddr), nil
}

// IsDirty returns true if the page is mapped and has been written to since
// it was mapped or since its dirty bit was last cleared.
func (pdt *PageDirectoryTable) IsDirty(page mm.Page) bool {
	return pdt.hasFlags(page, FlagDirty)
}

// IsAccessed returns true if the page is mapped and has been accessed since
// its accessed bit was last cleared.
func (pdt *PageDirectoryTable) IsAccessed(page mm.Page) bool {
	return pdt.hasFlags(page, FlagAccessed)
}

// TestAndClearAccessed clears the accessed bit of a mapped page and reports
// whether it was set. The check and the update happen atomically with
// respect to concurrent accesses.
func (pdt *PageDirectoryTable) TestAndClearAccessed(page mm.Page) bool {
	pdt.mu.Lock()
	defer pdt.mu.Unlock()

	pte, ok := pdt.entries[page]
	if !ok || !pte.HasFlags(FlagAccessed) {
		return false
	}

	pte.ClearFlags(FlagAccessed)
	pdt.entries[page] = pte
	return true
}

// SetAccessed sets or clears the accessed bit of a mapped page.
func (pdt *PageDirectoryTable) SetAccessed(page mm.Page, accessed bool) {
	pdt.updateFlags(page, FlagAccessed, accessed)
}

// SetDirty sets or clears the dirty bit of a mapped page.
func (pdt *PageDirectoryTable) SetDirty(page mm.Page, dirty bool) {
	pdt.updateFlags(page, FlagDirty, dirty)
}

// Access emulates a user-mode memory access to virtAddr the way the MMU
// performs it: the page must be present and user accessible, and writes
// require FlagRW. On success the accessed bit (and, for writes, the dirty
// bit) is set and fn is invoked with the backing frame and the offset
// within it. fn runs with the table locked so the mapping cannot be torn
// down while the access is in flight; it must not call back into pdt.
func (pdt *PageDirectoryTable) Access(virtAddr uintptr, write bool, fn func(frame mm.Frame, offset uintptr)) *kernel.Error {
	page := mm.PageFromAddress(virtAddr)

	pdt.mu.Lock()
	defer pdt.mu.Unlock()

	pte, ok := pdt.entries[page]
	switch {
	case !ok || !pte.HasFlags(FlagPresent):
		return ErrInvalidMapping
	case !pte.HasFlags(FlagUserAccessible), write && !pte.HasFlags(FlagRW):
		return ErrProtectionViolation
	}

	pte.SetFlags(FlagAccessed)
	if write {
		pte.SetFlags(FlagDirty)
	}
	pdt.entries[page] = pte

	if fn != nil {
		fn(pte.Frame(), mm.PageOffset(virtAddr))
	}
	return nil
}

// Len returns the number of installed mappings.
func (pdt *PageDirectoryTable) Len() int {
	pdt.mu.Lock()
	defer pdt.mu.Unlock()
	return len(pdt.entries)
}

// Destroy drops every mapping in the table.
func (pdt *PageDirectoryTable) Destroy() {
	pdt.mu.Lock()
	pdt.entries = make(map[mm.Page]pageTableEntry)
	pdt.mu.Unlock()
}

func (pdt *PageDirectoryTable) hasFlags(page mm.Page, flags PageTableEntryFlag) bool {
	pdt.mu.Lock()
	defer pdt.mu.Unlock()

	pte, ok := pdt.entries[page]
	return ok && pte.HasFlags(FlagPresent|flags)
}

func (pdt *PageDirectoryTable) updateFlags(page mm.Page, flags PageTableEntryFlag, set bool) {
	pdt.mu.Lock()
	defer pdt.mu.Unlock()

	pte, ok := pdt.entries[page]
	if !ok {
		return
	}

	if set {
		pte.SetFlags(flags)
	} else {
		pte.ClearFlags(flags)
	}
	pdt.entries[page] = pte
}
