// Package kmain boots the memory management subsystem.
package kmain

import (
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/vm"
	"vmcore/kernel/mm/vm/store"
)

var (
	// The following functions are used by tests to mock the backing
	// stores and the physical memory arena.
	newArenaFn       = pmm.NewArena
	createSwapFileFn = store.CreateSwapFile

	errNoMemory = &kernel.Error{Module: "kmain", Message: "memory map does not contain any available frames"}
)

// BootInfo describes the machine the subsystem is booted on.
type BootInfo struct {
	// Config holds the tuning parameters.
	Config vm.Config

	// FrameCount is the number of physical frames to map.
	FrameCount uint64

	// MemoryMap lists the physical memory regions. If empty, all frames
	// are available.
	MemoryMap []mm.MemoryRegion

	// SwapPath and SwapSize select an optional swap file.
	SwapPath string
	SwapSize int64
}

// System is a booted memory management subsystem.
type System struct {
	Manager *vm.Manager
	Arena   *pmm.Arena
	Swap    *store.SwapFile
}

// Kmain maps the physical memory, builds the page registry and queues,
// initializes the reservation subsystem, installs the swap store and starts
// the background workers, in that order.
func Kmain(info BootInfo) (*System, *kernel.Error) {
	regions := info.MemoryMap
	if len(regions) == 0 {
		regions = mm.DefaultMemoryMap(info.FrameCount)
	}

	available := false
	mm.VisitMemRegions(regions, func(region *mm.MemoryRegion) bool {
		available = available || (region.Type == mm.MemAvailable && region.Length >= uint64(mm.PageSize))
		return !available
	})
	if !available {
		return nil, errNoMemory
	}

	arena, err := newArenaFn(info.FrameCount)
	if err != nil {
		return nil, err
	}

	mgr, err := vm.NewManager(info.Config, arena, regions)
	if err != nil {
		arena.Close()
		return nil, err
	}

	sys := &System{Manager: mgr, Arena: arena}
	if info.SwapPath != "" {
		if sys.Swap, err = createSwapFileFn(info.SwapPath, info.SwapSize); err != nil {
			arena.Close()
			return nil, err
		}
		mgr.SetSwapStore(sys.Swap)
	}

	mgr.Start()
	kfmt.Printf("[kmain] memory management subsystem up: %s of physical memory\n", arena.Size())
	return sys, nil
}

// Shutdown stops the background workers and releases the host resources.
func (s *System) Shutdown() {
	s.Manager.Stop()
	if s.Swap != nil {
		s.Swap.Close()
	}
	s.Arena.Close()
}
