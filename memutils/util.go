package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

// CheckPow2 returns an error wrapping PowerOfTwoError if the provided number
// is not a power of two. The name is included in the error message.
func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// NextPow2 returns the smallest power of two that is greater than or equal
// to value. value must be positive.
func NextPow2(value int) int {
	if value <= 1 {
		return 1
	}

	pow := 1
	for pow < value {
		pow <<= 1
	}
	return pow
}

const (
	// CreatedFillPattern is the byte written over a new allocation's contents when debug
	// fills are active
	CreatedFillPattern uint8 = 0xDC
	// DestroyedFillPattern is the byte written over a freed allocation's contents when debug
	// fills are active
	DestroyedFillPattern uint8 = 0xEF
)

// PrevPow2 returns the largest power of two that is less than or equal to
// value. value must be positive.
func PrevPow2(value int) int {
	pow := 1
	for pow<<1 <= value && pow<<1 > 0 {
		pow <<= 1
	}
	return pow
}
