// Package kmain boots the virtual memory subsystem: it reserves physical
// memory, brings up the swap device and hands out process address spaces.
package kmain

import (
	"bytes"
	"gophervm/kernel"
	"gophervm/kernel/device/block"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm/pmm"
	"gophervm/kernel/mm/swap"
	"gophervm/kernel/mm/vm"
	"io"
	"os"
	"sort"
	"sync"
)

var (
	errLogFile      = &kernel.Error{Module: "kmain", Message: "unable to open log file"}
	errDuplicatePID = &kernel.Error{Module: "kmain", Message: "process id already in use"}
	errNoProcess    = &kernel.Error{Module: "kmain", Message: "no such process"}
	errShutdown     = &kernel.Error{Module: "kmain", Message: "kernel has been shut down"}
)

// Kernel owns the physical memory pool, the swap area and the frame table
// shared by every process.
type Kernel struct {
	cfg Config

	alloc   *pmm.BitmapAllocator
	swapDev block.Device
	swap    *swap.Manager
	frames  *vm.FrameTable

	// fsLock serializes every filesystem access made by the VM subsystem.
	fsLock sync.Mutex

	logFile  *os.File
	prevSink io.Writer

	mu       sync.Mutex
	spaces   map[int]*vm.AddressSpace
	exits    map[int]int
	shutdown bool
}

// Boot brings up the virtual memory subsystem described by cfg.
func Boot(cfg Config) (*Kernel, *kernel.Error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:      cfg,
		spaces:   make(map[int]*vm.AddressSpace),
		exits:    make(map[int]int),
		prevSink: kfmt.GetOutputSink(),
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			kfmt.Printf("[kmain] open %s: %s\n", cfg.LogFile, err.Error())
			return nil, errLogFile
		}
		k.logFile = f
		kfmt.SetOutputSink(f)
	}

	var err *kernel.Error
	if k.alloc, err = pmm.NewBitmapAllocator(cfg.FrameCount); err != nil {
		k.teardown()
		return nil, err
	}
	kfmt.Printf("[kmain] %d physical frames reserved\n", cfg.FrameCount)

	sectors := cfg.SwapSlots * swap.SectorsPerSlot
	if cfg.SwapDevice == "" {
		k.swapDev = block.NewMemDevice(sectors)
	} else if k.swapDev, err = openSwapImage(cfg.SwapDevice, sectors); err != nil {
		k.teardown()
		return nil, err
	}

	if err = initDriver(k.swapDev); err != nil {
		k.teardown()
		return nil, err
	}

	if k.swap, err = swap.New(k.swapDev); err != nil {
		k.teardown()
		return nil, err
	}

	k.frames = vm.NewFrameTable(k.alloc, k.swap, &k.fsLock)
	kfmt.Printf("[kmain] virtual memory online\n")
	return k, nil
}

// openSwapImage wraps block.OpenFileDevice so the nil device pointer is not
// returned inside a non-nil interface.
func openSwapImage(path string, sectors uint32) (block.Device, *kernel.Error) {
	dev, err := block.OpenFileDevice(path, sectors)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// initDriver initializes drv, tagging its output with the driver name and
// version.
func initDriver(drv block.Device) *kernel.Error {
	var strBuf bytes.Buffer

	major, minor, patch := drv.DriverVersion()
	kfmt.Fprintf(&strBuf, "[kmain] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
	w := kfmt.PrefixWriter{Prefix: strBuf.Bytes()}

	if err := drv.DriverInit(&w); err != nil {
		kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
		return err
	}

	kfmt.Fprintf(&w, "initialized\n")
	return nil
}

// Config returns the configuration the kernel booted with.
func (k *Kernel) Config() Config {
	return k.cfg
}

// Frames returns the frame table shared by all processes.
func (k *Kernel) Frames() *vm.FrameTable {
	return k.frames
}

// SwapStats returns the swap area occupancy.
func (k *Kernel) SwapStats() swap.Stats {
	return k.swap.Stats()
}

// FreeFrames returns the number of physical frames not handed out.
func (k *Kernel) FreeFrames() uint32 {
	return k.alloc.FreeCount()
}

// NewAddressSpace creates the address space of process pid.
func (k *Kernel) NewAddressSpace(pid int) (*vm.AddressSpace, *kernel.Error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch {
	case k.shutdown:
		return nil, errShutdown
	case k.spaces[pid] != nil:
		return nil, errDuplicatePID
	}

	as := vm.NewAddressSpace(pid, k.frames, vm.Options{
		MaxStackSize: k.cfg.MaxStackSize,
		Exit:         k.onExit,
	})
	k.spaces[pid] = as
	delete(k.exits, pid)
	return as, nil
}

// onExit records the status of a process terminated by the VM subsystem.
func (k *Kernel) onExit(pid, status int) {
	k.mu.Lock()
	k.exits[pid] = status
	k.mu.Unlock()
}

// Exit terminates process pid with status, unless the kernel already did,
// and releases its address space.
func (k *Kernel) Exit(pid, status int) *kernel.Error {
	k.mu.Lock()
	as := k.spaces[pid]
	delete(k.spaces, pid)
	k.mu.Unlock()

	if as == nil {
		return errNoProcess
	}

	as.Terminate(status)
	as.Destroy()
	return nil
}

// ExitStatus returns the exit status of a terminated process.
func (k *Kernel) ExitStatus(pid int) (int, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	status, ok := k.exits[pid]
	return status, ok
}

// Shutdown destroys every remaining address space and releases the
// physical memory pool and the swap device.
func (k *Kernel) Shutdown() {
	k.mu.Lock()
	if k.shutdown {
		k.mu.Unlock()
		return
	}
	k.shutdown = true

	pids := make([]int, 0, len(k.spaces))
	for pid := range k.spaces {
		pids = append(pids, pid)
	}
	k.mu.Unlock()

	sort.Ints(pids)
	for _, pid := range pids {
		_ = k.Exit(pid, 0)
	}

	stats := k.frames.Stats()
	kfmt.Printf("[kmain] shutdown: %d allocations, %d evictions, %d swap outs, %d write backs\n",
		stats.Allocations, stats.Evictions, stats.SwapOuts, stats.Writebacks)
	k.teardown()
}

func (k *Kernel) teardown() {
	if dev, ok := k.swapDev.(*block.FileDevice); ok {
		_ = dev.Close()
	}
	if k.alloc != nil {
		_ = k.alloc.Close()
	}
	if k.logFile != nil {
		kfmt.SetOutputSink(k.prevSink)
		_ = k.logFile.Close()
	}
}
