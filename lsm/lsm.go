package lsm

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sealdisk/cache"
	"sealdisk/seal"
	"sealdisk/sstable"
	"sealdisk/utils"
	"sealdisk/utils/cmp"
	"sealdisk/utils/errs"
)

// Checkpointer durably records a manifest. It is called before a new level
// snapshot is published; on error the snapshot is dropped.
type Checkpointer func(m *Manifest) error

type Options struct {
	Comparator          cmp.Comparator
	MemTableSize        int64
	MaxLevelNum         int
	L0CompactionTrigger int
	// BaseLevelSize is the byte budget of level 1; each deeper level gets ten
	// times the one above.
	BaseLevelSize int64
	// BloomFalsePositive is the false positive probability of run filters.
	BloomFalsePositive float64
	Cache              *cache.Cache
	Checkpoint         Checkpointer
	Logger             *zap.Logger
}

func (opt *Options) init() {
	if opt.Comparator == nil {
		opt.Comparator = cmp.ByteComparator{}
	}
	if opt.MemTableSize <= 0 {
		opt.MemTableSize = 1 << 20
	}
	if opt.MaxLevelNum < 2 {
		opt.MaxLevelNum = 7
	}
	if opt.L0CompactionTrigger <= 0 {
		opt.L0CompactionTrigger = 4
	}
	if opt.BaseLevelSize <= 0 {
		opt.BaseLevelSize = 10 << 20
	}
	if opt.BloomFalsePositive <= 0 || opt.BloomFalsePositive >= 1 {
		opt.BloomFalsePositive = 0.01
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
}

// LSM maps keys to value locations. Writes must be serialized by the caller;
// reads may run concurrently with writes and maintenance.
type LSM struct {
	mu       sync.RWMutex
	memTable *memTable
	imm      *memTable
	lm       *levelManager

	// maintMu serializes Flush and Merge.
	maintMu       sync.Mutex
	checkpointSeq uint64
	nextRunID     uint64

	store    *seal.Store
	versions seal.VersionSource
	opt      Options
	logger   *zap.Logger
}

// NewLSM returns an empty index. Recover loads persisted runs into it.
func NewLSM(store *seal.Store, versions seal.VersionSource, opt Options) *LSM {
	opt.init()
	return &LSM{
		memTable:  newMemTable(opt.Comparator),
		lm:        newLevelManager(opt.MaxLevelNum),
		nextRunID: 1,
		store:     store,
		versions:  versions,
		opt:       opt,
		logger:    opt.Logger,
	}
}

// Recover opens the runs named by m. It must run before any other call.
func (l *LSM) Recover(m *Manifest) error {
	byLevel := make([][]*sstable.Table, l.opt.MaxLevelNum)
	for i := range m.Runs {
		meta := m.Runs[i]
		if meta.Level < 0 || meta.Level >= l.opt.MaxLevelNum {
			return errors.Wrapf(errs.ErrIntegrity, "run %d at level %d", meta.ID, meta.Level)
		}
		t, err := sstable.Open(l.store, &meta, l.opt.Cache, l.opt.Comparator)
		if err != nil {
			return err
		}
		byLevel[meta.Level] = append(byLevel[meta.Level], t)
	}
	lm := newLevelManager(l.opt.MaxLevelNum)
	for level, tables := range byLevel {
		if level > 0 && len(tables) > 1 {
			return errors.Wrapf(errs.ErrIntegrity, "%d runs at level %d", len(tables), level)
		}
		// run ids grow with age, newest first
		sort.Slice(tables, func(i, j int) bool { return tables[i].ID() > tables[j].ID() })
		lm.levels[level] = newLevelHandler(level, tables)
	}
	l.maintMu.Lock()
	defer l.maintMu.Unlock()
	l.mu.Lock()
	l.lm = lm
	l.checkpointSeq = m.CheckpointSeq
	l.nextRunID = max(m.NextRunID, 1)
	l.mu.Unlock()
	l.logger.Info("index recovered",
		zap.Int("runs", len(m.Runs)),
		zap.Uint64("checkpoint_seq", m.CheckpointSeq))
	return nil
}

func (l *LSM) Put(key []byte, loc utils.Location, seq uint64) error {
	if len(key) == 0 {
		return errs.ErrEmptyKey
	}
	e := &utils.Entry{Key: append([]byte(nil), key...), Value: loc.Encode(), Seq: seq}
	l.mu.Lock()
	l.memTable.set(e)
	l.mu.Unlock()
	return nil
}

func (l *LSM) Delete(key []byte, seq uint64) error {
	if len(key) == 0 {
		return errs.ErrEmptyKey
	}
	e := &utils.Entry{Key: append([]byte(nil), key...), Seq: seq, Meta: utils.BitDelete}
	l.mu.Lock()
	l.memTable.set(e)
	l.mu.Unlock()
	return nil
}

// Get returns the newest location of key. Absent and deleted keys report
// ErrNotFound.
func (l *LSM) Get(key []byte) (utils.Location, error) {
	e, err := l.getEntry(key)
	if err != nil {
		return utils.Location{}, err
	}
	if e.Deleted() {
		return utils.Location{}, errs.ErrNotFound
	}
	return utils.DecodeLocation(e.Value)
}

// getEntry holds the read lock for the whole lookup so that no run it may
// touch is released underneath it.
func (l *LSM) getEntry(key []byte) (*utils.Entry, error) {
	if len(key) == 0 {
		return nil, errs.ErrEmptyKey
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e := l.memTable.get(key); e != nil {
		return e, nil
	}
	if l.imm != nil {
		if e := l.imm.get(key); e != nil {
			return e, nil
		}
	}
	return l.lm.Get(key, l.opt.Comparator)
}

// NeedsFlush reports whether the memtable reached its size budget or an
// earlier flush left an immutable memtable behind.
func (l *LSM) NeedsFlush() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.imm != nil || l.memTable.Size() >= l.opt.MemTableSize
}

// PickMerge returns the level most in need of merging into the next one.
func (l *LSM) PickMerge() (int, bool) {
	l.mu.RLock()
	lm := l.lm
	l.mu.RUnlock()
	if lm.levels[0].numTables() >= l.opt.L0CompactionTrigger {
		return 0, true
	}
	limit := l.opt.BaseLevelSize
	// the last level has nowhere to go
	for level := 1; level < len(lm.levels)-1; level++ {
		if lm.levels[level].getTotalSize() > limit {
			return level, true
		}
		limit *= 10
	}
	return 0, false
}

// Manifest describes the currently published runs.
func (l *LSM) Manifest() *Manifest {
	l.maintMu.Lock()
	defer l.maintMu.Unlock()
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.manifestFor(l.lm, l.checkpointSeq, l.nextRunID)
}

func (l *LSM) manifestFor(lm *levelManager, seq, nextID uint64) *Manifest {
	return &Manifest{Runs: lm.metas(), CheckpointSeq: seq, NextRunID: nextID}
}

// Runs lists the metadata of every published run.
func (l *LSM) Runs() []sstable.Meta {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lm.metas()
}

// Iterate calls fn for every live key in order with its newest entry.
// Writers and maintenance must be quiescent.
func (l *LSM) Iterate(fn func(e *utils.Entry) error) error {
	l.mu.RLock()
	iters := []utils.Iterator{l.memTable.NewIterator()}
	if l.imm != nil {
		iters = append(iters, l.imm.NewIterator())
	}
	for _, t := range l.lm.tables() {
		iters = append(iters, t.NewIterator())
	}
	l.mu.RUnlock()

	it := NewMergeIterator(iters, l.opt.Comparator)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		e := it.Item().Entry()
		if e.Deleted() {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return it.Err()
}

type LevelStats struct {
	Runs  int   `json:"runs"`
	Bytes int64 `json:"bytes"`
}

type Stats struct {
	MemTableBytes int64        `json:"memtable_bytes"`
	MemTableKeys  int          `json:"memtable_keys"`
	Immutable     bool         `json:"immutable"`
	CheckpointSeq uint64       `json:"checkpoint_seq"`
	Levels        []LevelStats `json:"levels"`
}

func (l *LSM) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Stats{
		MemTableBytes: l.memTable.Size(),
		MemTableKeys:  l.memTable.table.Len(),
		Immutable:     l.imm != nil,
		CheckpointSeq: l.checkpointSeq,
	}
	for _, lh := range l.lm.levels {
		s.Levels = append(s.Levels, LevelStats{Runs: lh.numTables(), Bytes: lh.getTotalSize()})
	}
	return s
}
