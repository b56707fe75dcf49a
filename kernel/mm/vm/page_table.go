package vm

import (
	"gophervm/kernel/mm"
	"sort"
	"sync"
)

// PageTable is the supplemental page table of an address space. It maps
// every user page the process may legitimately touch to the Entry that
// describes it, regardless of whether the page is resident.
type PageTable struct {
	mu      sync.Mutex
	entries map[mm.Page]*Entry
}

func newPageTable() *PageTable {
	return &PageTable{entries: make(map[mm.Page]*Entry)}
}

// Find returns the entry covering addr or nil.
func (pt *PageTable) Find(addr uintptr) *Entry {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.entries[mm.PageFromAddress(addr)]
}

// Len returns the number of entries in the table.
func (pt *PageTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.entries)
}

// Range invokes fn for each entry in ascending address order until fn
// returns false. fn is invoked on a snapshot and may modify the table.
func (pt *PageTable) Range(fn func(*Entry) bool) {
	for _, e := range pt.snapshot() {
		if !fn(e) {
			return
		}
	}
}

func (pt *PageTable) snapshot() []*Entry {
	pt.mu.Lock()
	list := make([]*Entry, 0, len(pt.entries))
	for _, e := range pt.entries {
		list = append(list, e)
	}
	pt.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].page < list[j].page })
	return list
}

// insert adds e to the table. It returns false if the page is already
// tracked.
func (pt *PageTable) insert(e *Entry) bool {
	return pt.insertAll([]*Entry{e})
}

// insertAll adds every entry in list or none of them if any page is
// already tracked.
func (pt *PageTable) insertAll(list []*Entry) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	for _, e := range list {
		if _, exists := pt.entries[e.page]; exists {
			return false
		}
	}
	for _, e := range list {
		pt.entries[e.page] = e
	}
	return true
}

// remove deletes e from the table. It returns false if e is not the entry
// tracked for its page.
func (pt *PageTable) remove(e *Entry) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.entries[e.page] != e {
		return false
	}
	delete(pt.entries, e.page)
	return true
}
