package dmem

import "github.com/rivermesh/devmem/driver"

type AllocateDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory driver.BlockHandle,
	size int,
	userData interface{},
)

type FreeDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory driver.BlockHandle,
	size int,
	userData interface{},
)

type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(
	memoryType int,
	memory driver.BlockHandle,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, memoryType, memory, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	memoryType int,
	memory driver.BlockHandle,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, memoryType, memory, size, c.Callbacks.UserData)
	}
}
