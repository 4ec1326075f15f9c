package sealdisk

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sealdisk/cache"
	"sealdisk/file"
	"sealdisk/journal"
	"sealdisk/lsm"
	"sealdisk/seal"
	"sealdisk/utils"
	"sealdisk/utils/errs"
	"sealdisk/wal"
)

// Disk is an encrypted, crash-consistent key-value disk over one block
// device.
//
// Lock order: writeMu, then mu; journal and index locks, then versions.mu,
// then rootMu.
type Disk struct {
	// mu orders readers against the application of committed groups and
	// the freeing of superseded value blocks.
	mu sync.RWMutex
	// writeMu serializes commits and memtable flushes.
	writeMu sync.Mutex

	rootMu sync.Mutex
	sb     superblock
	// lastGen is the highest generation ever attempted.
	lastGen uint64

	dev        file.Device
	blocks     *file.BlockStore
	rootSealer *seal.Sealer
	journalSt  *seal.Store
	indexSt    *seal.Store
	dataSt     *seal.Store
	versions   *versionSource
	cache      *cache.Cache
	journal    *journal.Journal
	lsm        *lsm.LSM

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	opt     Options
	logger  *zap.Logger
	lastSeq atomic.Uint64
	closed  atomic.Bool
	stats   counters

	maintChan chan struct{}
	closeChan chan struct{}
	wg        sync.WaitGroup
	maintErr  atomic.Pointer[error]
}

func newDisk(dev file.Device, opt Options) (*Disk, error) {
	opt.init()
	if len(opt.Key) == 0 {
		return nil, errors.Wrap(errs.ErrInvalidArgs, "missing master key")
	}
	if dev.BlockCount() <= rootSlots {
		return nil, errors.Wrapf(errs.ErrInvalidArgs, "device of %d blocks", dev.BlockCount())
	}
	rootKey, err := seal.RootKey(opt.Key)
	if err != nil {
		return nil, err
	}
	rootSealer, err := seal.NewSealer(rootKey, seal.DomainRoot)
	if err != nil {
		return nil, err
	}
	d := &Disk{
		dev:        dev,
		blocks:     file.NewBlockStore(dev),
		rootSealer: rootSealer,
		cache:      cache.NewCache(opt.BlockCacheSize),
		opt:        opt,
		logger:     opt.Logger.Named("disk"),
		maintChan:  make(chan struct{}, 1),
		closeChan:  make(chan struct{}),
	}
	if err := d.blocks.Reserve(rootSlots); err != nil {
		return nil, err
	}
	if opt.Compression {
		if d.encoder, err = zstd.NewWriter(nil); err != nil {
			return nil, errors.Wrap(err, "zstd encoder")
		}
	}
	// values written with compression stay readable when it is turned off
	if d.decoder, err = zstd.NewReader(nil); err != nil {
		return nil, errors.Wrap(err, "zstd decoder")
	}
	return d, nil
}

// setupStores derives the domain keys of disk id.
func (d *Disk) setupStores(id uuid.UUID) error {
	keys, err := seal.DeriveKeys(d.opt.Key, id)
	if err != nil {
		return err
	}
	store := func(key []byte, domain seal.Domain) (*seal.Store, error) {
		s, err := seal.NewSealer(key, domain)
		if err != nil {
			return nil, err
		}
		return seal.NewStore(d.blocks, s), nil
	}
	if d.journalSt, err = store(keys.Journal, seal.DomainJournal); err != nil {
		return err
	}
	if d.indexSt, err = store(keys.Index, seal.DomainIndex); err != nil {
		return err
	}
	d.dataSt, err = store(keys.Data, seal.DomainData)
	return err
}

func (d *Disk) journalOptions() journal.Options {
	return journal.Options{
		Policy:  d.opt.CompactPolicy,
		Persist: d.persistJournal,
		Log:     wal.Options{InitialBlocks: d.opt.JournalBlocks},
		Logger:  d.opt.Logger.Named("journal"),
	}
}

func (d *Disk) lsmOptions() lsm.Options {
	return lsm.Options{
		Comparator:          d.opt.Comparator,
		MemTableSize:        d.opt.MemTableSize,
		MaxLevelNum:         d.opt.MaxLevelNum,
		L0CompactionTrigger: d.opt.L0CompactionTrigger,
		BaseLevelSize:       d.opt.BaseLevelSize,
		BloomFalsePositive:  d.opt.BloomFalsePositive,
		Cache:               d.cache,
		Checkpoint:          d.checkpoint,
		Logger:              d.opt.Logger.Named("lsm"),
	}
}

// Format initializes an empty disk on dev, destroying what it held, and
// returns it open. The capacity is the device's block count.
func Format(dev file.Device, opt Options) (*Disk, error) {
	d, err := newDisk(dev, opt)
	if err != nil {
		return nil, err
	}
	last, err := lastGeneration(d.blocks)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	if err := d.setupStores(id); err != nil {
		return nil, err
	}
	d.sb = superblock{
		Magic:         magic,
		FormatVersion: formatVersion,
		DiskID:        id,
		Generation:    last,
		Comparator:    d.opt.Comparator.Name(),
		BlockSize:     file.BlockSize,
		Capacity:      dev.BlockCount(),
		Index:         indexRoot{NextRunID: 1},
	}
	d.lastGen = last
	d.versions = newVersionSource(1, d.opt.VersionReserve, d.persistReserve)

	// The journal persists through the root, so the root must be complete
	// before the first persist.
	j, err := journal.Create(d.journalSt, d.versions, d.journalOptions())
	if err != nil {
		return nil, err
	}
	d.journal = j
	d.lsm = lsm.NewLSM(d.indexSt, d.versions, d.lsmOptions())
	// both slots, so no root of an earlier format survives
	for i := 0; i < rootSlots; i++ {
		if err := d.updateRoot(func(sb *superblock) {
			sb.Journal = j.Root()
		}); err != nil {
			return nil, err
		}
	}
	d.logger.Info("disk formatted",
		zap.Stringer("id", id),
		zap.Uint64("blocks", dev.BlockCount()),
		zap.String("comparator", d.sb.Comparator))
	d.start()
	return d, nil
}

// Open mounts a formatted disk: it reads the newest authentic root, replays
// the journal into the index, rebuilds the allocator and resumes an
// interrupted journal compaction.
func Open(dev file.Device, opt Options) (*Disk, error) {
	d, err := newDisk(dev, opt)
	if err != nil {
		return nil, err
	}
	sb, err := readSuperblock(d.blocks, d.rootSealer)
	if err != nil {
		return nil, err
	}
	if err := sb.verify(dev, &d.opt); err != nil {
		return nil, err
	}
	// a torn root write may have left a higher generation behind
	last, err := lastGeneration(d.blocks)
	if err != nil {
		return nil, err
	}
	d.sb, d.lastGen = *sb, max(sb.Generation, last)
	if err := d.setupStores(sb.DiskID); err != nil {
		return nil, err
	}
	if err := d.recover(); err != nil {
		return nil, err
	}
	d.start()
	return d, nil
}

func (d *Disk) recover() error {
	sb := &d.sb
	d.versions = newVersionSource(sb.VersionReserve, d.opt.VersionReserve, d.persistReserve)

	for _, ext := range sb.Journal.Active.Extents {
		if err := d.blocks.MarkUsed(ext); err != nil {
			return errors.Wrapf(errs.ErrRecovery, "journal extent: %v", err)
		}
	}
	manifest, err := d.loadManifest()
	if err != nil {
		return err
	}
	d.lsm = lsm.NewLSM(d.indexSt, d.versions, d.lsmOptions())
	if err := d.lsm.Recover(manifest); err != nil {
		return err
	}
	for _, r := range manifest.Runs {
		if err := d.blocks.MarkUsed(r.Extent); err != nil {
			return errors.Wrapf(errs.ErrRecovery, "run %d: %v", r.ID, err)
		}
	}

	d.journal = journal.Open(d.journalSt, d.versions, sb.Journal, d.journalOptions())
	d.journal.SetCheckpoint(manifest.CheckpointSeq)
	replayed := 0
	last := max(sb.TxnCounter, manifest.CheckpointSeq)
	err = d.journal.Recover(func(g *journal.EditGroup) error {
		if g.Seq <= manifest.CheckpointSeq {
			return nil
		}
		replayed++
		last = max(last, g.Seq)
		return d.apply(g, false)
	})
	if err != nil {
		return err
	}
	d.lastSeq.Store(last)

	err = d.lsm.Iterate(func(e *utils.Entry) error {
		loc, err := utils.DecodeLocation(e.Value)
		if err != nil {
			return err
		}
		return d.blocks.MarkUsed(locExtent(loc))
	})
	if err != nil {
		return errors.WithMessage(err, "rebuild allocator")
	}

	// versions handed out before the crash all lie below the old reservation
	if err := d.versions.extend(); err != nil {
		return err
	}
	if sb.Journal.State == journal.StateCompacting {
		if err := d.journal.ResumeCompaction(); err != nil {
			return err
		}
	}
	d.logger.Info("disk opened",
		zap.Stringer("id", d.sb.DiskID),
		zap.Uint64("generation", d.sb.Generation),
		zap.Int("replayed_groups", replayed),
		zap.Uint64("free_blocks", d.blocks.Free()))
	return nil
}

func (d *Disk) loadManifest() (*lsm.Manifest, error) {
	ir := d.sb.Index
	if ir.Manifest.Empty() {
		return &lsm.Manifest{NextRunID: max(ir.NextRunID, 1), CheckpointSeq: ir.CheckpointSeq}, nil
	}
	if err := d.blocks.MarkUsed(ir.Manifest); err != nil {
		return nil, errors.Wrapf(errs.ErrRecovery, "manifest extent: %v", err)
	}
	buf, err := d.indexSt.ReadBlob(ir.Manifest, ir.Version, int(ir.Length))
	if err != nil {
		return nil, errors.Wrapf(errs.ErrRecovery, "read manifest: %v", err)
	}
	m, err := lsm.UnmarshalManifest(buf)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrRecovery, "%v", err)
	}
	if m.CheckpointSeq != ir.CheckpointSeq {
		return nil, errors.Wrapf(errs.ErrRecovery, "manifest checkpoint %d, root says %d", m.CheckpointSeq, ir.CheckpointSeq)
	}
	return m, nil
}

// updateRoot writes a new root built from the current one. The slot not
// holding the newest durable root is always the one overwritten, and a
// generation is never reused, even when a write fails.
func (d *Disk) updateRoot(fn func(sb *superblock)) error {
	d.rootMu.Lock()
	defer d.rootMu.Unlock()
	next := d.sb
	fn(&next)
	gen := d.lastGen + 1
	if gen%rootSlots == d.sb.Generation%rootSlots {
		gen++
	}
	d.lastGen = gen
	next.Generation = gen
	next.TxnCounter = max(next.TxnCounter, d.lastSeq.Load())
	if err := writeSuperblock(d.blocks, d.rootSealer, &next); err != nil {
		d.logger.Error("root write failed", zap.Uint64("generation", gen), zap.Error(err))
		return err
	}
	d.sb = next
	d.stats.rootWrites.Add(1)
	d.logger.Debug("root written", zap.Uint64("generation", gen), zap.Uint64("slot", next.slot()))
	return nil
}

// persistJournal runs under the journal lock.
func (d *Disk) persistJournal(r journal.Root) error {
	return d.updateRoot(func(sb *superblock) {
		sb.Journal = r
	})
}

// persistReserve runs under the version source lock.
func (d *Disk) persistReserve(limit uint64) error {
	return d.updateRoot(func(sb *superblock) {
		sb.VersionReserve = max(sb.VersionReserve, limit)
	})
}

// checkpoint records a new index manifest: the blob is sealed into a fresh
// extent, the root is swapped to it, and then the journal learns that every
// group up to the checkpoint is obsolete.
func (d *Disk) checkpoint(m *lsm.Manifest) error {
	buf, err := m.Marshal()
	if err != nil {
		return errors.Wrap(err, "encode manifest")
	}
	ext, err := d.blocks.AllocExtent(seal.BlocksFor(len(buf)))
	if err != nil {
		return err
	}
	version, err := d.versions.Next()
	if err == nil {
		err = d.indexSt.WriteBlob(ext, buf, version)
	}
	if err == nil {
		err = d.blocks.Flush()
	}
	if err != nil {
		d.blocks.FreeExtent(ext)
		return err
	}
	var old file.Extent
	err = d.updateRoot(func(sb *superblock) {
		old = sb.Index.Manifest
		sb.Index = indexRoot{
			Manifest:      ext,
			Version:       version,
			Length:        uint32(len(buf)),
			CheckpointSeq: m.CheckpointSeq,
			NextRunID:     m.NextRunID,
		}
	})
	if err != nil {
		// the root may have reached the device; keep the blob until reopen
		return err
	}
	if !old.Empty() {
		if err := d.blocks.FreeExtent(old); err != nil {
			d.logger.Warn("free old manifest", zap.Error(err))
		}
	}
	d.journal.SetCheckpoint(m.CheckpointSeq)
	return nil
}

func (d *Disk) start() {
	if !d.opt.Background {
		return
	}
	d.wg.Add(1)
	go d.maintenanceWorker()
}

// Close stops background maintenance and releases the device. Committed
// groups are already durable, so nothing is flushed.
func (d *Disk) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return errs.ErrClosed
	}
	close(d.closeChan)
	d.wg.Wait()

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.encoder != nil {
		d.encoder.Close()
	}
	d.decoder.Close()
	d.logger.Info("disk closed", zap.Uint64("last_seq", d.lastSeq.Load()))
	return d.dev.Close()
}

func (d *Disk) checkOpen() error {
	if d.closed.Load() {
		return errs.ErrClosed
	}
	return nil
}
