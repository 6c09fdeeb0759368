package metadata

import "math"

// BlockAllocationHandle is a numeric handle identifying a single suballocation within a block's
// metadata. Handle values are only meaningful to the metadata that produced them.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation describes one live region within a block: its placement, the consumer's userdata,
// and the consumer-defined allocation type. A Type of 0 marks a free region.
type Suballocation struct {
	Offset   int
	Size     int
	UserData any
	Type     uint32
}
