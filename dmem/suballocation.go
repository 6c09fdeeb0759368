package dmem

// SuballocationType is the resource kind occupying an allocation, used to apply
// buffer-image granularity conflict rules between neighbors in a Block
type SuballocationType uint32

const (
	// SuballocationFree marks an unoccupied region
	SuballocationFree SuballocationType = iota
	// SuballocationUnknown is a resource of unknown kind. It conflicts with everything,
	// so prefer a specific kind whenever one is known.
	SuballocationUnknown
	// SuballocationBuffer is a linear buffer resource
	SuballocationBuffer
	// SuballocationImageUnknown is an image resource whose tiling is not known
	SuballocationImageUnknown
	// SuballocationImageLinear is an image resource with linear tiling
	SuballocationImageLinear
	// SuballocationImageOptimal is an image resource with device-optimal tiling
	SuballocationImageOptimal
)

var suballocationTypeMapping = map[SuballocationType]string{
	SuballocationFree:         "SuballocationFree",
	SuballocationUnknown:      "SuballocationUnknown",
	SuballocationBuffer:       "SuballocationBuffer",
	SuballocationImageUnknown: "SuballocationImageUnknown",
	SuballocationImageLinear:  "SuballocationImageLinear",
	SuballocationImageOptimal: "SuballocationImageOptimal",
}

func (s SuballocationType) String() string {
	str, ok := suballocationTypeMapping[s]
	if !ok {
		return "unknown SuballocationType"
	}

	return str
}
