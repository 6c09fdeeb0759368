package device

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/rivermesh/devmem/dmem/internal/utils"
	"github.com/rivermesh/devmem/driver"
)

// SynchronizedMemory wraps a single device memory block with ref-counted host mapping.
// Many suballocations share one block, so each Map call from a consumer only reaches the
// Provider when the block is not already mapped.
type SynchronizedMemory struct {
	// Mapping data
	mapReferences int
	mapData       unsafe.Pointer

	// Hysteresis data- if we're calling map/unmap a lot more than suballoc/subfree then
	// maintain a persistent mapping to save time
	delayCounter  uint32
	statusCounter int32
	extraMapping  bool

	mapMutex utils.OptionalMutex
	handle   driver.BlockHandle
	provider driver.Provider
}

func allocateSynchronizedMemory(provider driver.Provider, useMutex bool, memoryTypeIndex int, size int) (*SynchronizedMemory, error) {
	handle, err := provider.AllocateBlock(memoryTypeIndex, size)
	if err != nil {
		return nil, err
	}

	return &SynchronizedMemory{
		handle:   handle,
		provider: provider,
		mapMutex: utils.OptionalMutex{
			UseMutex: useMutex,
		},
	}, nil
}

// BlockHandle returns the Provider handle for the underlying block
func (m *SynchronizedMemory) BlockHandle() driver.BlockHandle {
	return m.handle
}

func (m *SynchronizedMemory) References() int {
	refs := m.mapReferences
	if m.extraMapping {
		refs++
	}
	return refs
}

func (m *SynchronizedMemory) MappedData() unsafe.Pointer {
	return m.mapData
}

// MapDelay is the number of map/unmap/suballoc/subfree events that pass between
// mapping-hysteresis decisions
const MapDelay uint32 = 7

func (m *SynchronizedMemory) postMapUnmap() bool {
	m.delayCounter++
	m.statusCounter++

	if m.delayCounter >= MapDelay {
		m.delayCounter = 0
		if m.statusCounter >= 1 {
			m.statusCounter = 0
			m.extraMapping = true
			return true
		}
	}

	return false
}

// RecordSuballocSubfree reports a suballocation or free event to the mapping hysteresis.
// When frees dominate mapping traffic, the persistent extra mapping is dropped.
func (m *SynchronizedMemory) RecordSuballocSubfree() bool {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	m.delayCounter++
	m.statusCounter--

	if m.delayCounter >= MapDelay {
		m.delayCounter = 0
		if m.statusCounter <= -2 {
			m.statusCounter = 0
			m.extraMapping = false
			return true
		}
	}

	return false
}

// Map adds the requested number of mapping references to the block and returns the
// block's base address, mapping it through the Provider if no mapping is live yet
func (m *SynchronizedMemory) Map(references int) (unsafe.Pointer, error) {
	if references == 0 {
		return nil, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	oldRefCount := m.References()
	_ = m.postMapUnmap()

	if oldRefCount > 0 {
		m.mapReferences += references
		if m.mapData == nil {
			return nil, errors.New("the block is showing existing memory mapping references, but no mapped memory")
		}

		return m.mapData, nil
	}

	mappedData, err := m.provider.Map(m.handle)
	if err != nil {
		return nil, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, nil
}

// Unmap removes mapping references from the block, unmapping it through the Provider
// when no references remain
func (m *SynchronizedMemory) Unmap(references int) error {
	if m.mapReferences == 0 {
		return nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences < references {
		return errors.New("device memory block has more references being unmapped than are currently mapped")
	}

	m.mapReferences -= references
	if m.mapReferences < 0 {
		m.mapReferences = 0
	}
	m.postMapUnmap()

	if m.References() <= 0 {
		m.provider.Unmap(m.handle)
		m.mapData = nil
	}

	return nil
}

// FreeMemory returns the block to the Provider, dropping any live mapping first
func (m *SynchronizedMemory) FreeMemory(size int) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapData != nil {
		m.provider.Unmap(m.handle)
		m.mapData = nil
		m.mapReferences = 0
		m.extraMapping = false
	}

	m.provider.FreeBlock(m.handle, size)
}
