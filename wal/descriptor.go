package wal

import "sealdisk/file"

// Descriptor locates a log on the device. Logical block numbers (LBN) run
// across the concatenated extents starting at BaseLBN and only ever grow,
// also across log generations. Tail is a durable lower bound: every record
// before it was flushed when the descriptor was persisted.
type Descriptor struct {
	Extents []file.Extent `json:"extents"`
	BaseLBN uint64        `json:"base_lbn"`
	Head    uint64        `json:"head"`
	Tail    uint64        `json:"tail"`
}

// Capacity is the number of blocks across all extents.
func (d Descriptor) Capacity() uint64 {
	var n uint64
	for _, e := range d.Extents {
		n += e.Count
	}
	return n
}

// End is one past the last LBN the extents can hold.
func (d Descriptor) End() uint64 {
	return d.BaseLBN + d.Capacity()
}

// locate maps an LBN to its physical block.
func (d Descriptor) locate(lbn uint64) (uint64, bool) {
	if lbn < d.BaseLBN {
		return 0, false
	}
	off := lbn - d.BaseLBN
	for _, e := range d.Extents {
		if off < e.Count {
			return e.Start + off, true
		}
		off -= e.Count
	}
	return 0, false
}

func (d Descriptor) clone() Descriptor {
	d.Extents = append([]file.Extent(nil), d.Extents...)
	return d
}
