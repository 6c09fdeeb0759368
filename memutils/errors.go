package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// Sentinel errors classifying every failure this module can return. Concrete
// errors wrap one of these, so consumers should classify with errors.Is (or
// the Is* helpers below) rather than comparing directly.
var (
	// ErrInvalidArgument indicates a caller-provided size, alignment, or flag
	// combination that can never succeed
	ErrInvalidArgument error = errors.New("invalid argument")
	// ErrOutOfDeviceMemory indicates the device memory provider refused a
	// block allocation for lack of device memory
	ErrOutOfDeviceMemory error = errors.New("out of device memory")
	// ErrOutOfHostMemory indicates the device memory provider refused a
	// block allocation for lack of host memory
	ErrOutOfHostMemory error = errors.New("out of host memory")
	// ErrOutOfBudget indicates an allocation requested budget-aware admission
	// and the projected usage would exceed the heap's budget
	ErrOutOfBudget error = errors.New("allocation would exceed memory budget")
	// ErrFeatureNotPresent indicates no memory type satisfies the request's
	// required properties, or a capability the request relies on was not
	// enabled at construction
	ErrFeatureNotPresent error = errors.New("feature not present")
	// ErrCorruption indicates a corruption-detection margin around an
	// allocation no longer holds its magic value
	ErrCorruption error = errors.New("memory corruption detected")
	// ErrInvalidState indicates an operation was called out of sequence, such
	// as completing a defragmentation pass that was never begun
	ErrInvalidState error = errors.New("operation called in invalid state")
)

func IsInvalidArgument(err error) bool   { return errors.Is(err, ErrInvalidArgument) }
func IsOutOfDeviceMemory(err error) bool { return errors.Is(err, ErrOutOfDeviceMemory) }
func IsOutOfHostMemory(err error) bool   { return errors.Is(err, ErrOutOfHostMemory) }
func IsOutOfBudget(err error) bool       { return errors.Is(err, ErrOutOfBudget) }
func IsFeatureNotPresent(err error) bool { return errors.Is(err, ErrFeatureNotPresent) }
func IsCorruption(err error) bool        { return errors.Is(err, ErrCorruption) }
func IsInvalidState(err error) bool      { return errors.Is(err, ErrInvalidState) }
