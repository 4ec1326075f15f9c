package cmp

import "bytes"

// IntComparator orders decimal keys numerically, falling back to bytewise
// order for keys with the same numeric value ("7" < "07" is decided bytewise).
// Non-digit bytes sort after every numeric key.
type IntComparator struct{}

func (cmp IntComparator) Compare(a, b []byte) int {
	na, oka := calc(a)
	nb, okb := calc(b)
	switch {
	case oka && !okb:
		return -1
	case !oka && okb:
		return 1
	case !oka && !okb:
		return bytes.Compare(a, b)
	}
	if na == nb {
		return bytes.Compare(a, b)
	}
	if na < nb {
		return -1
	}
	return 1
}

func (IntComparator) Name() string {
	return "decimal"
}

// calc parses key as an unsigned decimal of at most 19 digits.
func calc(key []byte) (uint64, bool) {
	if len(key) == 0 || len(key) > 19 {
		return 0, false
	}
	var value uint64
	for _, c := range key {
		if c < '0' || c > '9' {
			return 0, false
		}
		value = value*10 + uint64(c-'0')
	}
	return value, true
}
