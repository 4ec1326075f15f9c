package wal

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"sealdisk/file"
	"sealdisk/seal"
	"sealdisk/utils"
	"sealdisk/utils/errs"
)

const (
	blockHeaderSize  = 16
	recordHeaderSize = 12
	// BlockData is the record payload carried by one log block.
	BlockData = seal.PayloadSize - blockHeaderSize
	// MaxRecordSize bounds a single record.
	MaxRecordSize = 1 << 20
	// MaxRecordBlocks is the longest span of one record.
	MaxRecordBlocks = (MaxRecordSize + recordHeaderSize + BlockData - 1) / BlockData

	DefaultInitialBlocks = 16
	DefaultMaxExtents    = 24
	DefaultMaxGrowBlocks = 4096
)

type Options struct {
	InitialBlocks uint64
	MaxExtents    int
	MaxGrowBlocks uint64
	// OnGrow must persist the new descriptor before the log writes into
	// the new extent.
	OnGrow func(Descriptor) error
	Logger *zap.Logger
}

func (opt *Options) init() {
	if opt.InitialBlocks == 0 {
		opt.InitialBlocks = DefaultInitialBlocks
	}
	if opt.MaxExtents == 0 {
		opt.MaxExtents = DefaultMaxExtents
	}
	if opt.MaxGrowBlocks == 0 {
		opt.MaxGrowBlocks = DefaultMaxGrowBlocks
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
}

// Log is an append-only sequence of records sealed in the journal domain.
//
// Every append starts on a fresh block and never rewrites a committed one.
// Each block carries its own LBN and the LBN where its append began:
//
//	block:  | lbn u64 | first u64 | data |
//	record: | length u32 | xxh3 u64 | payload |
//
// The offset of a record is the LBN of its first block.
type Log struct {
	mu       sync.Mutex
	store    *seal.Store
	versions seal.VersionSource
	opt      Options
	desc     Descriptor
	ready    bool
}

// Create allocates a fresh log whose first LBN is base.
func Create(store *seal.Store, versions seal.VersionSource, base, blocks uint64, opt Options) (*Log, error) {
	opt.init()
	if blocks < opt.InitialBlocks {
		blocks = opt.InitialBlocks
	}
	ext, err := store.Blocks().AllocExtent(blocks)
	if err != nil {
		return nil, err
	}
	return &Log{
		store:    store,
		versions: versions,
		opt:      opt,
		desc:     Descriptor{Extents: []file.Extent{ext}, BaseLBN: base, Head: base, Tail: base},
		ready:    true,
	}, nil
}

// Open attaches to a persisted log. Recover must run before Append.
func Open(store *seal.Store, versions seal.VersionSource, desc Descriptor, opt Options) *Log {
	opt.init()
	return &Log{store: store, versions: versions, opt: opt, desc: desc.clone()}
}

// SetOnGrow replaces the growth hook.
func (l *Log) SetOnGrow(fn func(Descriptor) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opt.OnGrow = fn
}

func (l *Log) Descriptor() Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.desc.clone()
}

func (l *Log) Head() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.desc.Head
}

func (l *Log) Tail() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.desc.Tail
}

// BlocksFor is the number of log blocks a record of n bytes occupies.
func BlocksFor(n int) uint64 {
	return uint64((n + recordHeaderSize + BlockData - 1) / BlockData)
}

// Append writes rec and flushes the device. The record is durable when
// Append returns; a failed append leaves nothing a replay would accept.
func (l *Log) Append(rec []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		return 0, errors.Wrap(errs.ErrInvalidArgs, "append to unrecovered log")
	}
	if len(rec) > MaxRecordSize {
		return 0, errors.Wrapf(errs.ErrInvalidArgs, "record of %d bytes", len(rec))
	}
	n := BlocksFor(len(rec))
	if err := l.ensure(n); err != nil {
		return 0, err
	}

	frame := make([]byte, int(n)*BlockData)
	utils.PutUint32(frame[0:], uint32(len(rec)))
	utils.PutUint64(frame[4:], xxh3.Hash(rec))
	copy(frame[recordHeaderSize:], rec)

	first := l.desc.Tail
	for i := uint64(0); i < n; i++ {
		v, err := l.versions.Next()
		if err != nil {
			return 0, err
		}
		payload := make([]byte, blockHeaderSize+BlockData)
		utils.PutUint64(payload[0:], first+i)
		utils.PutUint64(payload[8:], first)
		copy(payload[blockHeaderSize:], frame[i*BlockData:(i+1)*BlockData])
		pos, _ := l.desc.locate(first + i)
		if err := l.store.WriteSealed(pos, payload, v); err != nil {
			return 0, err
		}
	}
	if err := l.store.Blocks().Flush(); err != nil {
		return 0, err
	}
	l.desc.Tail = first + n
	return first, nil
}

// ensure grows the log until n more blocks fit after the tail.
func (l *Log) ensure(n uint64) error {
	for l.desc.End() < l.desc.Tail+n {
		if len(l.desc.Extents) >= l.opt.MaxExtents {
			return errors.Wrapf(errs.ErrLogFull, "%d extents", len(l.desc.Extents))
		}
		need := l.desc.Tail + n - l.desc.End()
		size := l.opt.InitialBlocks
		if k := len(l.desc.Extents); k > 0 {
			size = l.desc.Extents[k-1].Count * 2
		}
		if size > l.opt.MaxGrowBlocks {
			size = l.opt.MaxGrowBlocks
		}
		if size < need {
			size = need
		}
		ext, err := l.store.Blocks().AllocExtent(size)
		if errors.Is(err, errs.ErrNoSpace) && size > need {
			ext, err = l.store.Blocks().AllocExtent(need)
		}
		if err != nil {
			return err
		}
		next := l.desc.clone()
		if len(next.Extents) == 0 {
			next.BaseLBN = next.Tail
		}
		next.Extents = append(next.Extents, ext)
		if l.opt.OnGrow != nil {
			if err := l.opt.OnGrow(next); err != nil {
				l.store.Blocks().FreeExtent(ext)
				return err
			}
		}
		l.opt.Logger.Debug("log grown", zap.Uint64("start", ext.Start), zap.Uint64("blocks", ext.Count))
		l.desc = next
	}
	return nil
}

// Recover replays the log from its head, establishes the tail and makes
// the log appendable. A torn tail ends the replay without error.
func (l *Log) Recover(fn func(off uint64, rec []byte) error) error {
	l.mu.Lock()
	desc := l.desc.clone()
	l.mu.Unlock()

	end, err := l.scan(desc, desc.Head, fn)
	if err != nil {
		return err
	}
	if end < desc.Tail {
		return errors.Wrapf(errs.ErrIntegrity, "log ends at %d before durable tail %d", end, desc.Tail)
	}
	if end > desc.Tail {
		l.opt.Logger.Debug("log recovered", zap.Uint64("head", desc.Head), zap.Uint64("tail", end))
	}
	l.mu.Lock()
	l.desc.Tail = end
	l.ready = true
	l.mu.Unlock()
	return nil
}

// ReadFrom calls fn for every record from off to the end of the log, in
// order. It is finite and may be called again to restart.
func (l *Log) ReadFrom(off uint64, fn func(off uint64, rec []byte) error) error {
	l.mu.Lock()
	desc := l.desc.clone()
	l.mu.Unlock()
	if off < desc.Head {
		return errors.Wrapf(errs.ErrInvalidArgs, "read from %d before head %d", off, desc.Head)
	}
	_, err := l.scan(desc, off, fn)
	return err
}

// ReadRecord reads the record at off.
func (l *Log) ReadRecord(off uint64) ([]byte, error) {
	l.mu.Lock()
	desc := l.desc.clone()
	l.mu.Unlock()
	rec, _, _, ok, err := l.readRecord(desc, off, 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(errs.ErrIntegrity, "no valid record at %d", off)
	}
	return rec, nil
}

func (l *Log) scan(desc Descriptor, lbn uint64, fn func(uint64, []byte) error) (uint64, error) {
	var prev uint64
	for lbn < desc.End() {
		rec, next, last, ok, err := l.readRecord(desc, lbn, prev)
		if err != nil {
			return 0, err
		}
		if !ok {
			later, err := l.laterAppend(desc, lbn, prev)
			if err != nil {
				return 0, err
			}
			if later {
				return 0, errors.Wrapf(errs.ErrIntegrity, "corrupt record at %d followed by valid appends", lbn)
			}
			return lbn, nil
		}
		if err := fn(lbn, rec); err != nil {
			return 0, err
		}
		lbn, prev = next, last
	}
	return lbn, nil
}

// readBlock opens the block at lbn and checks its header. ok is false for a
// block that does not belong to the append starting at first.
func (l *Log) readBlock(desc Descriptor, lbn, first, min uint64) (data []byte, version uint64, ok bool, err error) {
	pos, found := desc.locate(lbn)
	if !found {
		return nil, 0, false, nil
	}
	plain, v, err := l.store.ReadSealedAtLeast(pos, min)
	if err != nil {
		if errors.Is(err, errs.ErrIntegrity) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	if utils.Uint64(plain[0:]) != lbn || utils.Uint64(plain[8:]) != first {
		return nil, 0, false, nil
	}
	return plain[blockHeaderSize:], v, true, nil
}

// readRecord reads one record at lbn whose blocks must all be newer than prev.
func (l *Log) readRecord(desc Descriptor, lbn, prev uint64) (rec []byte, next, last uint64, ok bool, err error) {
	data, v, ok, err := l.readBlock(desc, lbn, lbn, prev+1)
	if !ok || err != nil {
		return nil, 0, 0, false, err
	}
	length := utils.Uint32(data[0:])
	sum := utils.Uint64(data[4:])
	if length > MaxRecordSize {
		return nil, 0, 0, false, nil
	}
	n := BlocksFor(int(length))
	buf := make([]byte, 0, int(n)*BlockData)
	buf = append(buf, data...)
	last = v
	for i := uint64(1); i < n; i++ {
		data, v, ok, err = l.readBlock(desc, lbn+i, lbn, last+1)
		if !ok || err != nil {
			return nil, 0, 0, false, err
		}
		buf = append(buf, data...)
		last = v
	}
	rec = buf[recordHeaderSize : recordHeaderSize+int(length)]
	if xxh3.Hash(rec) != sum {
		return nil, 0, 0, false, nil
	}
	return rec, lbn + n, last, true, nil
}

// laterAppend looks past a bad block at x for a valid block written by an
// append that began after x. Such a block proves x was once committed.
func (l *Log) laterAppend(desc Descriptor, x, prev uint64) (bool, error) {
	for k := uint64(1); k <= MaxRecordBlocks; k++ {
		lbn := x + k
		pos, found := desc.locate(lbn)
		if !found {
			return false, nil
		}
		plain, _, err := l.store.ReadSealedAtLeast(pos, prev+1)
		if err != nil {
			if errors.Is(err, errs.ErrIntegrity) {
				continue
			}
			return false, err
		}
		if utils.Uint64(plain[0:]) == lbn && utils.Uint64(plain[8:]) > x {
			return true, nil
		}
	}
	return false, nil
}

// TruncateBefore drops every record before off and frees the extents that
// lie wholly before it. The caller must already have persisted a root that
// no longer needs them.
func (l *Log) TruncateBefore(off uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if off < l.desc.Head || off > l.desc.Tail {
		return errors.Wrapf(errs.ErrInvalidArgs, "truncate at %d outside [%d, %d]", off, l.desc.Head, l.desc.Tail)
	}
	l.desc.Head = off
	for len(l.desc.Extents) > 0 && l.desc.BaseLBN+l.desc.Extents[0].Count <= off {
		ext := l.desc.Extents[0]
		if err := l.store.Blocks().FreeExtent(ext); err != nil {
			return err
		}
		l.desc.BaseLBN += ext.Count
		l.desc.Extents = l.desc.Extents[1:]
	}
	return nil
}

// Release frees every extent of the log. The log is unusable afterwards.
func (l *Log) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ext := range l.desc.Extents {
		if err := l.store.Blocks().FreeExtent(ext); err != nil {
			return err
		}
	}
	l.desc.Extents = nil
	l.ready = false
	return nil
}
