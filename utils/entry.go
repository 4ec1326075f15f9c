package utils

// BitDelete marks an entry as a tombstone.
const BitDelete byte = 1 << 0

// Entry is one index record. Value holds an encoded Location for live keys
// and is empty for tombstones.
type Entry struct {
	Key   []byte
	Value []byte
	Seq   uint64
	Meta  byte
}

func NewEntry(key, value []byte) *Entry {
	return &Entry{Key: key, Value: value}
}

// Entry lets *Entry serve as an Item.
func (e *Entry) Entry() *Entry {
	return e
}

func (e *Entry) Deleted() bool {
	return e.Meta&BitDelete != 0
}

// Size is the memtable accounting size of the entry.
func (e *Entry) Size() int64 {
	return int64(len(e.Key) + len(e.Value) + 9)
}

type Item interface {
	Entry() *Entry
}

// Iterator walks entries in comparator order.
type Iterator interface {
	Next()
	Valid() bool
	Rewind()
	Item() Item
	Close() error
	Seek(key []byte)
}
