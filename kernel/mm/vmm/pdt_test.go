package vmm

import (
	"fmt"
	"gophervm/kernel/mm"
	"testing"
)

func TestMapUnmap(t *testing.T) {
	var (
		pdt   = NewPageDirectoryTable()
		page  = mm.PageFromAddress(0x08048000)
		frame = mm.Frame(3)
	)

	if err := pdt.Map(page, frame, FlagDirty); err != errMapFlags {
		t.Fatalf("expected errMapFlags; got %v", err)
	}

	if err := pdt.Map(page, frame, FlagRW); err != nil {
		t.Fatal(err)
	}

	gotFrame, flags, ok := pdt.Lookup(page)
	if !ok || gotFrame != frame {
		t.Fatalf("expected page to map frame %d; got %d (present: %t)", frame, gotFrame, ok)
	}
	if exp := FlagPresent | FlagUserAccessible | FlagRW; flags != exp {
		t.Fatalf("expected flags %x; got %x", exp, flags)
	}

	if pdt.IsDirty(page) || pdt.IsAccessed(page) {
		t.Fatal("expected a fresh mapping to have accessed/dirty bits cleared")
	}

	physAddr, err := pdt.Translate(page.Address() + 0x123)
	if err != nil {
		t.Fatal(err)
	}
	if exp := frame.Address() + 0x123; physAddr != exp {
		t.Fatalf("expected Translate to return 0x%x; got 0x%x", exp, physAddr)
	}

	pdt.SetDirty(page, true)
	prevFlags, err := pdt.Unmap(page)
	if err != nil {
		t.Fatal(err)
	}
	if prevFlags&FlagDirty == 0 {
		t.Fatal("expected Unmap to report the dirty bit of the removed entry")
	}

	if _, err := pdt.Unmap(page); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
	if _, err := pdt.Translate(page.Address()); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
	if pdt.Len() != 0 {
		t.Fatalf("expected table to be empty; got %d entries", pdt.Len())
	}
}

func TestAccess(t *testing.T) {
	var (
		pdt     = NewPageDirectoryTable()
		roPage  = mm.Page(10)
		rwPage  = mm.Page(11)
		missing = mm.Page(12)
	)

	_ = pdt.Map(roPage, mm.Frame(1), 0)
	_ = pdt.Map(rwPage, mm.Frame(2), FlagRW)

	specs := []struct {
		page        mm.Page
		write       bool
		expErr      error
		expAccessed bool
		expDirty    bool
	}{
		{missing, false, ErrInvalidMapping, false, false},
		{roPage, true, ErrProtectionViolation, false, false},
		{roPage, false, nil, true, false},
		{rwPage, false, nil, true, false},
		{rwPage, true, nil, true, true},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			pdt.SetAccessed(spec.page, false)
			pdt.SetDirty(spec.page, false)

			var (
				gotFrame  = mm.InvalidFrame
				gotOffset uintptr
			)
			err := pdt.Access(spec.page.Address()+8, spec.write, func(frame mm.Frame, offset uintptr) {
				gotFrame, gotOffset = frame, offset
			})

			if spec.expErr != nil {
				if err != spec.expErr {
					t.Fatalf("expected error %v; got %v", spec.expErr, err)
				}
				if gotFrame.Valid() {
					t.Fatal("expected access callback not to be invoked on a fault")
				}
				return
			}

			if err != nil {
				t.Fatal(err)
			}
			if !gotFrame.Valid() || gotOffset != 8 {
				t.Fatalf("expected callback with a valid frame and offset 8; got %d/%d", gotFrame, gotOffset)
			}
			if got := pdt.IsAccessed(spec.page); got != spec.expAccessed {
				t.Errorf("expected accessed bit to be %t; got %t", spec.expAccessed, got)
			}
			if got := pdt.IsDirty(spec.page); got != spec.expDirty {
				t.Errorf("expected dirty bit to be %t; got %t", spec.expDirty, got)
			}
		})
	}

	pdt.SetAccessed(rwPage, true)
	if !pdt.TestAndClearAccessed(rwPage) {
		t.Fatal("expected TestAndClearAccessed to report the accessed bit")
	}
	if pdt.TestAndClearAccessed(rwPage) || pdt.IsAccessed(rwPage) {
		t.Fatal("expected TestAndClearAccessed to clear the accessed bit")
	}
	if pdt.TestAndClearAccessed(missing) {
		t.Fatal("expected TestAndClearAccessed to return false for unmapped pages")
	}

	pdt.Destroy()
	if pdt.Len() != 0 {
		t.Fatal("expected Destroy to drop all mappings")
	}
}
