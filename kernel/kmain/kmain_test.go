package kmain

import (
	"bytes"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/vm"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBootAndShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameCount = 4
	cfg.SwapSlots = 16

	k, err := Boot(cfg)
	if err != nil {
		t.Fatal(err)
	}

	as, err := k.NewAddressSpace(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := k.NewAddressSpace(1); err != errDuplicatePID {
		t.Fatalf("expected errDuplicatePID; got %v", err)
	}

	// Touch more pages than there are frames.
	for i := uintptr(0); i < 8; i++ {
		if _, err := as.CreateAnonymousPage(0x10000000 + i*mm.PageSize); err != nil {
			t.Fatal(err)
		}
		if err := as.Write(0x10000000+i*mm.PageSize, []byte{byte(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}
	if k.FreeFrames() != 0 || k.SwapStats().UsedSlots != 4 {
		t.Fatalf("expected all frames in use and 4 pages in swap; got %d free frames, %+v", k.FreeFrames(), k.SwapStats())
	}

	// A wild access terminates the process.
	victim, err := k.NewAddressSpace(2)
	if err != nil {
		t.Fatal(err)
	}
	if err := victim.Read(0x40000000, make([]byte, 1)); err != vm.ErrSegmentationFault {
		t.Fatalf("expected ErrSegmentationFault; got %v", err)
	}
	if status, ok := k.ExitStatus(2); !ok || status != vm.ExitFailure {
		t.Fatalf("expected pid 2 to exit with %d; got %d (exited: %t)", vm.ExitFailure, status, ok)
	}
	if err := k.Exit(2, 0); err != nil {
		t.Fatal(err)
	}
	if status, _ := k.ExitStatus(2); status != vm.ExitFailure {
		t.Fatalf("expected the kernel-assigned exit status to be kept; got %d", status)
	}
	if err := k.Exit(2, 0); err != errNoProcess {
		t.Fatalf("expected errNoProcess; got %v", err)
	}

	k.Shutdown()
	if status, ok := k.ExitStatus(1); !ok || status != 0 {
		t.Fatalf("expected Shutdown to exit pid 1 with status 0; got %d (exited: %t)", status, ok)
	}
	if k.SwapStats().UsedSlots != 0 {
		t.Fatal("expected Shutdown to release every swap slot")
	}
	if _, err := k.NewAddressSpace(3); err != errShutdown {
		t.Fatalf("expected errShutdown; got %v", err)
	}

	// Shutting down twice is harmless.
	k.Shutdown()
}

func TestBootWithSwapImageAndLogFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.FrameCount = 2
	cfg.SwapSlots = 4
	cfg.SwapDevice = filepath.Join(dir, "swap.img")
	cfg.LogFile = filepath.Join(dir, "kernel.log")

	k, err := Boot(cfg)
	if err != nil {
		t.Fatal(err)
	}

	info, statErr := os.Stat(cfg.SwapDevice)
	if statErr != nil {
		t.Fatal(statErr)
	}
	if exp := int64(cfg.SwapSlots) * int64(mm.PageSize); info.Size() != exp {
		t.Fatalf("expected swap image of %d bytes; got %d", exp, info.Size())
	}

	as, _ := k.NewAddressSpace(1)
	for i := uintptr(0); i < 3; i++ {
		_, _ = as.CreateAnonymousPage(0x10000000 + i*mm.PageSize)
		if err := as.Write(0x10000000+i*mm.PageSize, bytes.Repeat([]byte{byte(i)}, 16)); err != nil {
			t.Fatal(err)
		}
	}
	buf := make([]byte, 16)
	if err := as.Read(0x10000000, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, make([]byte, 16)) {
		t.Fatal("expected page 0 to round-trip through the swap image")
	}

	k.Shutdown()

	if kfmt.GetOutputSink() != nil {
		t.Fatal("expected Shutdown to restore the previous output sink")
	}

	logData, readErr := os.ReadFile(cfg.LogFile)
	if readErr != nil {
		t.Fatal(readErr)
	}
	for _, exp := range []string{
		"[kmain] file_block(0.0.1): disk image",
		"[kmain] file_block(0.0.1): initialized",
		"[swap] 4 slots on file_block",
		"[kmain] virtual memory online",
		"[kmain] shutdown:",
	} {
		if !strings.Contains(string(logData), exp) {
			t.Errorf("expected log to contain %q; got:\n%s", exp, logData)
		}
	}
}

func TestBootErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameCount = 0
	if _, err := Boot(cfg); err != errConfigValue {
		t.Fatalf("expected errConfigValue; got %v", err)
	}

	cfg = DefaultConfig()
	cfg.LogFile = filepath.Join(t.TempDir(), "missing", "kernel.log")
	if _, err := Boot(cfg); err != errLogFile {
		t.Fatalf("expected errLogFile; got %v", err)
	}
}
