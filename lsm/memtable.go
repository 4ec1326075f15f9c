package lsm

import (
	"sealdisk/utils"
	"sealdisk/utils/cmp"
)

type Table = utils.SkipList

// memTable buffers the newest index entries. Durability comes from the
// journal, so it has no log of its own.
type memTable struct {
	table  *Table
	maxSeq uint64
}

func newMemTable(c cmp.Comparator) *memTable {
	return &memTable{table: utils.NewSkipList(c)}
}

func (m *memTable) set(e *utils.Entry) {
	m.table.Add(e)
	if e.Seq > m.maxSeq {
		m.maxSeq = e.Seq
	}
}

// get returns the entry for key, tombstones included, or nil.
func (m *memTable) get(key []byte) *utils.Entry {
	return m.table.Search(key)
}

func (m *memTable) Size() int64 {
	return m.table.Size()
}

func (m *memTable) empty() bool {
	return m.table.Len() == 0
}

func (m *memTable) NewIterator() utils.Iterator {
	return m.table.NewIterator()
}
