package vmm

import (
	"gophervm/kernel/mm"
	"testing"
)

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 11)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.ClearFlags(flag1 | flag2)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       pageTableEntry
		physFrame = mm.Frame(123)
	)

	pte.SetFlags(FlagPresent | FlagRW | FlagDirty)
	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}

	if exp, got := FlagPresent|FlagRW|FlagDirty, pte.Flags(); got != exp {
		t.Fatalf("expected pte.Flags() to return %x; got %x", exp, got)
	}

	pte.SetFrame(mm.Frame(7))
	if !pte.HasFlags(FlagPresent|FlagRW|FlagDirty) || pte.Frame() != mm.Frame(7) {
		t.Fatal("expected SetFrame to update the frame while preserving the flags")
	}
}
