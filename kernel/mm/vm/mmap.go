package vm

import (
	"gophervm/kernel"
	"gophervm/kernel/fs"
	"gophervm/kernel/mm"
)

// MapID identifies a memory mapping within an address space.
type MapID int

// NoMapping is the MapID of pages that do not belong to a memory mapping.
const NoMapping = MapID(0)

var (
	errBadMmapAddress = &kernel.Error{Module: "vm", Message: "mapping address must be a page-aligned user address"}
	errConsoleFD      = &kernel.Error{Module: "vm", Message: "console descriptors cannot be mapped"}
	errEmptyFile      = &kernel.Error{Module: "vm", Message: "cannot map an empty file"}
	errMmapOverlap    = &kernel.Error{Module: "vm", Message: "mapping overlaps existing pages"}
	errMmapReopen     = &kernel.Error{Module: "vm", Message: "unable to reopen file for mapping"}
	errBadMapID       = &kernel.Error{Module: "vm", Message: "no such mapping"}
)

// mapping is a file mapped into consecutive pages of an address space.
type mapping struct {
	id      MapID
	file    fs.File
	addr    uintptr
	entries []*Entry
}

// Mmap maps the whole file open as fd at addr. The file is reopened so the
// mapping is unaffected by a later close of fd. The last page is
// zero-filled past the end of the file.
func (as *AddressSpace) Mmap(fd int, addr uintptr) (MapID, *kernel.Error) {
	if !isUserPage(addr) {
		return NoMapping, errBadMmapAddress
	}
	if fd == StdinFD || fd == StdoutFD {
		return NoMapping, errConsoleFD
	}

	f := as.File(fd)
	if f == nil {
		return NoMapping, errBadFD
	}

	as.frames.fsLock.Lock()
	length := f.Length()
	var (
		reopened fs.File
		err      error
	)
	if length > 0 {
		reopened, err = f.Reopen()
	}
	as.frames.fsLock.Unlock()

	switch {
	case length <= 0:
		return NoMapping, errEmptyFile
	case err != nil:
		as.frames.log.Printf("pid %d: reopen of fd %d failed: %s\n", as.pid, fd, err.Error())
		return NoMapping, errMmapReopen
	}

	pageCount := mm.PageCount(uint64(length))
	if end := addr + pageCount*mm.PageSize; end < addr || end > UserTop {
		as.closeFile(reopened)
		return NoMapping, errBadMmapAddress
	}

	as.mapsMu.Lock()
	id := as.nextMapID
	as.nextMapID++
	as.mapsMu.Unlock()

	entries := make([]*Entry, 0, pageCount)
	for i := uintptr(0); i < pageCount; i++ {
		var (
			offset    = int64(i * mm.PageSize)
			readBytes = uint32(min(int64(mm.PageSize), length-offset))
		)
		entries = append(entries, newEntry(mm.PageFromAddress(addr)+mm.Page(i), true, MmapBacking{
			FileBacking: FileBacking{
				File:      reopened,
				Offset:    offset,
				ReadBytes: readBytes,
				ZeroBytes: uint32(mm.PageSize) - readBytes,
			},
			Mapping: id,
		}))
	}

	if !as.pages.insertAll(entries) {
		as.closeFile(reopened)
		return NoMapping, errMmapOverlap
	}

	as.mapsMu.Lock()
	as.maps[id] = &mapping{id: id, file: reopened, addr: addr, entries: entries}
	as.mapsMu.Unlock()

	return id, nil
}

// Munmap removes the mapping id. Dirty resident pages are written back to
// the file before their frames are released.
func (as *AddressSpace) Munmap(id MapID) *kernel.Error {
	as.mapsMu.Lock()
	m := as.maps[id]
	delete(as.maps, id)
	as.mapsMu.Unlock()

	if m == nil {
		return errBadMapID
	}

	// Once removed from the page table no new fault can reach the entries.
	for _, e := range m.entries {
		as.pages.remove(e)
	}

	var firstErr *kernel.Error
	for _, e := range m.entries {
		if err := as.drop(e); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	as.closeFile(m.file)
	return firstErr
}

// Mappings returns the ids of the active mappings.
func (as *AddressSpace) Mappings() []MapID {
	as.mapsMu.Lock()
	defer as.mapsMu.Unlock()

	ids := make([]MapID, 0, len(as.maps))
	for id := range as.maps {
		ids = append(ids, id)
	}
	return ids
}

func (as *AddressSpace) closeFile(f fs.File) {
	as.frames.fsLock.Lock()
	_ = f.Close()
	as.frames.fsLock.Unlock()
}
