package defrag

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/rivermesh/devmem/memutils"
)

type DefragmentationFlags uint32

const (
	DefragmentationFlagAlgorithmFast DefragmentationFlags = 1 << iota
	DefragmentationFlagAlgorithmBalanced
	DefragmentationFlagAlgorithmFull
	DefragmentationFlagAlgorithmExtensive

	DefragmentationFlagAlgorithmMask = DefragmentationFlagAlgorithmFast |
		DefragmentationFlagAlgorithmBalanced |
		DefragmentationFlagAlgorithmFull |
		DefragmentationFlagAlgorithmExtensive
)

var defragmentationFlagsMapping = map[DefragmentationFlags]string{
	DefragmentationFlagAlgorithmFast:      "DefragmentationFlagAlgorithmFast",
	DefragmentationFlagAlgorithmBalanced:  "DefragmentationFlagAlgorithmBalanced",
	DefragmentationFlagAlgorithmFull:      "DefragmentationFlagAlgorithmFull",
	DefragmentationFlagAlgorithmExtensive: "DefragmentationFlagAlgorithmExtensive",
}

func (f DefragmentationFlags) String() string {
	return defragmentationFlagsMapping[f]
}

// AlgorithmFromFlags maps the algorithm bits of a DefragmentationFlags value to an
// Algorithm. At most one algorithm bit may be set; no bits selects AlgorithmBalanced.
func AlgorithmFromFlags(flags DefragmentationFlags) (Algorithm, error) {
	algoFlags := flags & DefragmentationFlagAlgorithmMask
	if bits.OnesCount32(uint32(algoFlags)) > 1 {
		return 0, errors.Mark(errors.Newf("more than one defragmentation algorithm flag was provided: %s", algoFlags), memutils.ErrInvalidArgument)
	}

	switch algoFlags {
	case DefragmentationFlagAlgorithmFast:
		return AlgorithmFast, nil
	case DefragmentationFlagAlgorithmFull:
		return AlgorithmFull, nil
	case DefragmentationFlagAlgorithmExtensive:
		return AlgorithmExtensive, nil
	default:
		return AlgorithmBalanced, nil
	}
}

// DefragmentationInfo contains the scope-independent options for a defragmentation run
type DefragmentationInfo struct {
	Flags DefragmentationFlags

	MaxBytesPerPass       int
	MaxAllocationsPerPass int
}

type defragCounterStatus uint32

const (
	defragCounterPass defragCounterStatus = iota
	defragCounterIgnore
	defragCounterEnd
)

var defragCounterStatusMapping = map[defragCounterStatus]string{
	defragCounterPass:   "defragCounterPass",
	defragCounterIgnore: "defragCounterIgnore",
	defragCounterEnd:    "defragCounterEnd",
}

func (s defragCounterStatus) String() string {
	return defragCounterStatusMapping[s]
}
