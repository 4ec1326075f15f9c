package cmp

import "bytes"

// Comparator is the total order used by the index. Name is persisted in the
// root so a disk is never opened with a different order.
type Comparator interface {
	Compare(a, b []byte) int
	Name() string
}

// ByteComparator orders keys bytewise. It is the default.
type ByteComparator struct{}

func (ByteComparator) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

func (ByteComparator) Name() string {
	return "bytewise"
}

// ByName returns the built-in comparator registered under name.
func ByName(name string) (Comparator, bool) {
	switch name {
	case ByteComparator{}.Name():
		return ByteComparator{}, true
	case IntComparator{}.Name():
		return IntComparator{}, true
	}
	return nil, false
}
