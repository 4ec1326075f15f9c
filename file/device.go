package file

// BlockSize is the fixed size of every device block.
const BlockSize = 4096

// Device is the raw block device the engine runs on. Implementations need no
// caching; Flush is the durability barrier.
type Device interface {
	ReadBlock(idx uint64, buf []byte) error
	WriteBlock(idx uint64, buf []byte) error
	BlockCount() uint64
	Flush() error
	Close() error
}

// Extent is a run of contiguous blocks.
type Extent struct {
	Start uint64 `json:"start"`
	Count uint64 `json:"count"`
}

// End is one past the last block of the extent.
func (e Extent) End() uint64 {
	return e.Start + e.Count
}

func (e Extent) Empty() bool {
	return e.Count == 0
}
