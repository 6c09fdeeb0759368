package memutils

import (
	"strings"

	"golang.org/x/exp/constraints"
)

// FlagStringMapping maintains a registry of names for the bits of a flag type, which it
// uses to format combined flag values for logs and error messages
type FlagStringMapping[T constraints.Integer] struct {
	names map[T]string
	bits  []T
}

func NewFlagStringMapping[T constraints.Integer]() *FlagStringMapping[T] {
	return &FlagStringMapping[T]{
		names: make(map[T]string),
	}
}

// Register assigns a name to a single flag bit. Bits are formatted in registration order.
func (m *FlagStringMapping[T]) Register(flag T, name string) {
	if _, ok := m.names[flag]; !ok {
		m.bits = append(m.bits, flag)
	}
	m.names[flag] = name
}

// FlagsToString formats a combined flag value as the pipe-separated names of its set bits
func (m *FlagStringMapping[T]) FlagsToString(flags T) string {
	var sb strings.Builder

	for _, bit := range m.bits {
		if flags&bit != 0 {
			if sb.Len() > 0 {
				sb.WriteRune('|')
			}
			sb.WriteString(m.names[bit])
		}
	}

	return sb.String()
}
