package lsm

import (
	"sealdisk/utils"
	"sealdisk/utils/cmp"
)

// MergeIterator merges sorted iterators given newest first. For a key present
// in several of them only the newest entry is visible.
type MergeIterator struct {
	list []utils.Iterator
	curr int
	cmp  cmp.Comparator
}

func NewMergeIterator(iters []utils.Iterator, c cmp.Comparator) *MergeIterator {
	return &MergeIterator{list: iters, curr: -1, cmp: c}
}

func (iter *MergeIterator) key(i int) []byte {
	return iter.list[i].Item().Entry().Key
}

// pick selects the smallest key; ties go to the newest iterator.
func (iter *MergeIterator) pick() {
	iter.curr = -1
	for i, it := range iter.list {
		if !it.Valid() {
			continue
		}
		if iter.curr < 0 || iter.cmp.Compare(iter.key(i), iter.key(iter.curr)) < 0 {
			iter.curr = i
		}
	}
}

func (iter *MergeIterator) Rewind() {
	for _, it := range iter.list {
		it.Rewind()
	}
	iter.pick()
}

func (iter *MergeIterator) Seek(key []byte) {
	for _, it := range iter.list {
		it.Seek(key)
	}
	iter.pick()
}

func (iter *MergeIterator) Valid() bool {
	return iter.curr >= 0
}

func (iter *MergeIterator) Item() utils.Item {
	return iter.list[iter.curr].Item()
}

// Next skips the current key in every input.
func (iter *MergeIterator) Next() {
	if iter.curr < 0 {
		return
	}
	key := iter.key(iter.curr)
	for _, it := range iter.list {
		for it.Valid() && iter.cmp.Compare(it.Item().Entry().Key, key) == 0 {
			it.Next()
		}
	}
	iter.pick()
}

// Err returns the first error reported by an input. An input that fails
// stops early, so callers check Err once iteration ends.
func (iter *MergeIterator) Err() error {
	for _, it := range iter.list {
		if e, ok := it.(interface{ Err() error }); ok && e.Err() != nil {
			return e.Err()
		}
	}
	return nil
}

func (iter *MergeIterator) Close() error {
	for _, it := range iter.list {
		it.Close()
	}
	return nil
}
