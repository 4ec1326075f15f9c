package lsm

import (
	"sealdisk/sstable"
	"sealdisk/utils"
	"sealdisk/utils/cmp"
	"sealdisk/utils/errs"
)

// levelHandler is one level of an immutable levelManager snapshot. Level 0
// keeps its runs newest first; deeper levels hold at most one run.
type levelHandler struct {
	levelNum  int
	tables    []*sstable.Table
	totalSize int64
}

func newLevelHandler(level int, tables []*sstable.Table) *levelHandler {
	lh := &levelHandler{levelNum: level, tables: tables}
	for _, t := range tables {
		lh.totalSize += int64(t.Meta().Size())
	}
	return lh
}

func (lh *levelHandler) numTables() int {
	return len(lh.tables)
}

func (lh *levelHandler) getTotalSize() int64 {
	return lh.totalSize
}

// Get returns the newest entry for key in this level, or ErrNotFound.
func (lh *levelHandler) Get(key []byte, c cmp.Comparator) (*utils.Entry, error) {
	for _, t := range lh.tables {
		m := t.Meta()
		if c.Compare(key, m.Smallest) < 0 || c.Compare(key, m.Largest) > 0 {
			continue
		}
		e, err := t.Search(key)
		if err == nil {
			return e, nil
		}
		if !errs.Is(err, errs.ErrNotFound) {
			return nil, err
		}
	}
	return nil, errs.ErrNotFound
}
