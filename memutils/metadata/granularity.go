package metadata

// GranularityCheck is a consumer-provided hook that lets a BlockMetadata account for coarse
// alignment requirements between allocations of incompatible types sharing a block, such as the
// buffer-image granularity of a device. Memory systems without such requirements can provide a
// no-op implementation.
type GranularityCheck interface {
	// AllocPages informs the handler that an allocation of the provided type was committed at the
	// provided offset and size
	AllocPages(allocType uint32, offset, size int)
	// FreePages informs the handler that the allocation at the provided offset and size was freed
	FreePages(offset, size int)
	// Clear resets the handler to its initial state
	Clear()
	// CheckConflictAndAlignUp adjusts a candidate allocation offset to avoid granularity conflicts
	// with neighboring allocations. It returns the adjusted offset and a boolean indicating whether
	// an unresolvable conflict exists.
	CheckConflictAndAlignUp(allocOffset, allocSize, blockOffset, blockSize int, allocType uint32) (int, bool)
	// RoundUpAllocRequest adjusts a requested size and alignment for granularity requirements
	RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint)
	// AllocationsConflict returns whether two allocation types may not share a granularity page
	AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool

	StartValidation() any
	Validate(ctx any, offset, size int) error
	FinishValidation(ctx any) error
}
