package lsm

import (
	"sealdisk/sstable"
	"sealdisk/utils"
	"sealdisk/utils/cmp"
	"sealdisk/utils/errs"
)

// levelManager is a copy-on-write snapshot of the run levels. Published
// snapshots are never modified.
type levelManager struct {
	levels []*levelHandler
}

func newLevelManager(maxLevels int) *levelManager {
	lm := &levelManager{levels: make([]*levelHandler, maxLevels)}
	for i := range lm.levels {
		lm.levels[i] = newLevelHandler(i, nil)
	}
	return lm
}

func (lm *levelManager) clone() *levelManager {
	next := &levelManager{levels: make([]*levelHandler, len(lm.levels))}
	copy(next.levels, lm.levels)
	return next
}

// withL0 returns a snapshot with t as the newest level 0 run.
func (lm *levelManager) withL0(t *sstable.Table) *levelManager {
	next := lm.clone()
	tables := make([]*sstable.Table, 0, lm.levels[0].numTables()+1)
	tables = append(tables, t)
	tables = append(tables, lm.levels[0].tables...)
	next.levels[0] = newLevelHandler(0, tables)
	return next
}

// merged returns a snapshot where level and level+1 are replaced by out at
// level+1. out may be nil when every entry was dropped.
func (lm *levelManager) merged(level int, out *sstable.Table) *levelManager {
	next := lm.clone()
	next.levels[level] = newLevelHandler(level, nil)
	var tables []*sstable.Table
	if out != nil {
		tables = []*sstable.Table{out}
	}
	next.levels[level+1] = newLevelHandler(level+1, tables)
	return next
}

func (lm *levelManager) Get(key []byte, c cmp.Comparator) (*utils.Entry, error) {
	for _, lh := range lm.levels {
		e, err := lh.Get(key, c)
		if err == nil {
			return e, nil
		}
		if !errs.Is(err, errs.ErrNotFound) {
			return nil, err
		}
	}
	return nil, errs.ErrNotFound
}

// emptyBelow reports whether no level deeper than level holds a run.
func (lm *levelManager) emptyBelow(level int) bool {
	for _, lh := range lm.levels[level+1:] {
		if lh.numTables() > 0 {
			return false
		}
	}
	return true
}

// tables lists every run, newest first.
func (lm *levelManager) tables() []*sstable.Table {
	var out []*sstable.Table
	for _, lh := range lm.levels {
		out = append(out, lh.tables...)
	}
	return out
}

func (lm *levelManager) metas() []sstable.Meta {
	var out []sstable.Meta
	for _, t := range lm.tables() {
		out = append(out, *t.Meta())
	}
	return out
}
