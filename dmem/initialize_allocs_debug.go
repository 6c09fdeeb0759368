//go:build debug_init_allocs

package dmem

import (
	"fmt"
	"unsafe"

	"github.com/rivermesh/devmem/dmem/internal/device"
	"github.com/rivermesh/devmem/driver"
)

const (
	// InitializeAllocs causes all new allocations to be filled with deterministic data.
	// If you are concerned that nondeterministic initialization of memory is causing a bug,
	// you can activate this to help diagnose the issue. It impacts performance and should
	// generally be left deactivated.
	InitializeAllocs bool = true
)

func (a *Allocation) fillAllocation(pattern uint8) {
	if !InitializeAllocs || !a.IsMappingAllowed() ||
		a.parentAllocator.deviceMemory.MemoryTypeProperties(a.memoryTypeIndex).PropertyFlags&driver.MemoryPropertyHostVisible == 0 {
		// Don't fill allocations that can't be filled, or if memory debugging is turned off
		return
	}

	data, err := a.mapUnsynchronized()
	if err != nil {
		panic(fmt.Sprintf("failed when attempting to map memory during debug pattern fill: %+v", err))
	}

	dataSlice := ([]uint8)(unsafe.Slice((*uint8)(data), a.size))
	for i := 0; i < a.size; i++ {
		dataSlice[i] = pattern
	}
	err = a.flushOrInvalidate(0, -1, device.CacheOperationFlush)
	if err != nil {
		panic(fmt.Sprintf("failed when attempting to flush host cache during debug pattern fill: %+v", err))
	}

	a.mapCount--
	err = a.memory.Unmap(1)
	if err != nil {
		panic(fmt.Sprintf("failed when attempting to unmap memory during debug pattern fill: %+v", err))
	}
}
