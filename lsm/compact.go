package lsm

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sealdisk/sstable"
	"sealdisk/utils"
	"sealdisk/utils/errs"
)

// Flush writes the memtable out as a new level 0 run. A failed flush keeps
// the immutable memtable, and the next Flush retries it.
func (l *LSM) Flush() error {
	l.maintMu.Lock()
	defer l.maintMu.Unlock()

	l.mu.Lock()
	if l.imm == nil {
		if l.memTable.empty() {
			l.mu.Unlock()
			return nil
		}
		l.imm = l.memTable
		l.memTable = newMemTable(l.opt.Comparator)
	}
	imm, lm := l.imm, l.lm
	l.mu.Unlock()

	b := sstable.NewBuilder(l.opt.BloomFalsePositive)
	it := imm.NewIterator()
	for it.Rewind(); it.Valid(); it.Next() {
		b.Add(it.Item().Entry())
	}
	id := l.nextRunID
	t, err := l.writeRun(b, id, 0)
	if err != nil {
		return err
	}
	next := lm.withL0(t)
	seq := max(l.checkpointSeq, imm.maxSeq)
	if err := l.checkpoint(l.manifestFor(next, seq, id+1)); err != nil {
		return err
	}

	l.mu.Lock()
	l.lm = next
	l.imm = nil
	l.checkpointSeq = seq
	l.nextRunID = id + 1
	l.mu.Unlock()
	l.logger.Info("memtable flushed",
		zap.Uint64("run", id),
		zap.Uint32("entries", t.Meta().Entries),
		zap.Uint64("checkpoint_seq", seq))
	return nil
}

// Merge merges every run of level with the run of level+1 into a single run
// at level+1. Tombstones are dropped when nothing lies below the output.
func (l *LSM) Merge(level int) error {
	if level < 0 || level+1 >= l.opt.MaxLevelNum {
		return errors.Wrapf(errs.ErrInvalidArgs, "merge level %d", level)
	}
	l.maintMu.Lock()
	defer l.maintMu.Unlock()

	l.mu.RLock()
	lm := l.lm
	l.mu.RUnlock()
	top, bottom := lm.levels[level], lm.levels[level+1]
	if top.numTables() == 0 {
		return nil
	}
	inputs := append(append([]*sstable.Table(nil), top.tables...), bottom.tables...)
	iters := make([]utils.Iterator, 0, len(inputs))
	for _, t := range inputs {
		iters = append(iters, t.NewIterator())
	}
	dropTombstones := lm.emptyBelow(level + 1)

	b := sstable.NewBuilder(l.opt.BloomFalsePositive)
	it := NewMergeIterator(iters, l.opt.Comparator)
	for it.Rewind(); it.Valid(); it.Next() {
		e := it.Item().Entry()
		if dropTombstones && e.Deleted() {
			continue
		}
		b.Add(e)
	}
	if err := it.Err(); err != nil {
		return err
	}

	id := l.nextRunID
	var out *sstable.Table
	if !b.Empty() {
		var err error
		if out, err = l.writeRun(b, id, level+1); err != nil {
			return err
		}
	}
	next := lm.merged(level, out)
	if err := l.checkpoint(l.manifestFor(next, l.checkpointSeq, id+1)); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.lm = next
	l.nextRunID = id + 1
	for _, t := range inputs {
		if err := t.Release(); err != nil {
			l.logger.Warn("release merged run", zap.Uint64("run", t.ID()), zap.Error(err))
		}
	}
	l.logger.Info("levels merged",
		zap.Int("level", level),
		zap.Int("inputs", len(inputs)),
		zap.Bool("dropped_tombstones", dropTombstones))
	return nil
}

func (l *LSM) writeRun(b *sstable.Builder, id uint64, level int) (*sstable.Table, error) {
	meta, err := sstable.Write(l.store, l.versions, b, id, level)
	if err != nil {
		return nil, err
	}
	t, err := sstable.Open(l.store, meta, l.opt.Cache, l.opt.Comparator)
	if err != nil {
		l.store.Blocks().FreeExtent(meta.Extent)
		return nil, err
	}
	return t, nil
}

// checkpoint persists m. When it fails the new run is not freed: the failed
// write may still have reached the device, and the next open rebuilds the
// allocator from whichever root survived.
func (l *LSM) checkpoint(m *Manifest) error {
	if l.opt.Checkpoint == nil {
		return nil
	}
	if err := l.opt.Checkpoint(m); err != nil {
		l.logger.Error("index checkpoint failed", zap.Error(err))
		return errors.WithMessage(err, "index checkpoint")
	}
	return nil
}

// Work reports what MaybeCompact did.
type Work struct {
	Flushed bool
	Merges  int
}

// MaybeCompact flushes a full memtable through flush (Flush when nil) and
// merges until no level is over its budget.
func (l *LSM) MaybeCompact(flush func() error) (Work, error) {
	var w Work
	if flush == nil {
		flush = l.Flush
	}
	if l.NeedsFlush() {
		if err := flush(); err != nil {
			return w, err
		}
		w.Flushed = true
	}
	for i := 0; i < l.opt.MaxLevelNum; i++ {
		level, ok := l.PickMerge()
		if !ok {
			break
		}
		if err := l.Merge(level); err != nil {
			return w, err
		}
		w.Merges++
	}
	return w, nil
}
