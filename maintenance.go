package sealdisk

import (
	"sync/atomic"

	"go.uber.org/zap"

	"sealdisk/journal"
	"sealdisk/lsm"
)

// afterCommit runs with writeMu held.
func (d *Disk) afterCommit() {
	if d.opt.Background {
		select {
		case d.maintChan <- struct{}{}:
		default:
		}
		return
	}
	if err := d.maintain(d.lsm.Flush); err != nil {
		d.recordMaintenanceError(err)
	}
}

func (d *Disk) maintenanceWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.closeChan:
			return
		case <-d.maintChan:
			if err := d.maintain(d.lockedFlush); err != nil {
				d.recordMaintenanceError(err)
			}
		}
	}
}

func (d *Disk) lockedFlush() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.lsm.Flush()
}

// maintain flushes a full memtable, merges levels over their budget and
// compacts the journal when its policy asks for it.
func (d *Disk) maintain(flush func() error) error {
	work, err := d.lsm.MaybeCompact(flush)
	if work.Flushed {
		d.stats.flushes.Add(1)
	}
	d.stats.merges.Add(uint64(work.Merges))
	if err != nil {
		return err
	}
	compacted, err := d.journal.MaybeCompact()
	if compacted && err == nil {
		d.stats.compactions.Add(1)
	}
	return err
}

func (d *Disk) recordMaintenanceError(err error) {
	d.maintErr.Store(&err)
	d.logger.Warn("maintenance failed", zap.Error(err))
}

// Flush writes the memtable out as a run and checkpoints it.
func (d *Disk) Flush() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if err := d.lockedFlush(); err != nil {
		return err
	}
	d.stats.flushes.Add(1)
	return nil
}

// Merge pushes every level down until all runs form one run in the deepest
// level.
func (d *Disk) Merge() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	for level := 0; level < d.opt.MaxLevelNum-1; level++ {
		if d.lsm.Stats().Levels[level].Runs == 0 {
			continue
		}
		if err := d.lsm.Merge(level); err != nil {
			return err
		}
		d.stats.merges.Add(1)
	}
	return nil
}

// CompactJournal rewrites the journal without the groups already covered by
// an index checkpoint.
func (d *Disk) CompactJournal() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if err := d.journal.Compact(); err != nil {
		return err
	}
	d.stats.compactions.Add(1)
	return nil
}

type counters struct {
	reads        atomic.Uint64
	commits      atomic.Uint64
	edits        atomic.Uint64
	bytesWritten atomic.Uint64
	flushes      atomic.Uint64
	merges       atomic.Uint64
	compactions  atomic.Uint64
	rootWrites   atomic.Uint64
}

type Stats struct {
	DiskID         string       `json:"disk_id"`
	Generation     uint64       `json:"generation"`
	LastSeq        uint64       `json:"last_seq"`
	VersionReserve uint64       `json:"version_reserve"`
	TotalBlocks    uint64       `json:"total_blocks"`
	FreeBlocks     uint64       `json:"free_blocks"`
	Journal        journal.Meta `json:"journal"`
	Index          lsm.Stats    `json:"index"`
	CacheHits      uint64       `json:"cache_hits"`
	CacheMisses    uint64       `json:"cache_misses"`
	Reads          uint64       `json:"reads"`
	Commits        uint64       `json:"commits"`
	Edits          uint64       `json:"edits"`
	BytesWritten   uint64       `json:"bytes_written"`
	Flushes        uint64       `json:"flushes"`
	Merges         uint64       `json:"merges"`
	Compactions    uint64       `json:"compactions"`
	RootWrites     uint64       `json:"root_writes"`
	MaintenanceErr string       `json:"maintenance_error,omitempty"`
}

func (d *Disk) Stats() Stats {
	d.rootMu.Lock()
	id, gen := d.sb.DiskID, d.sb.Generation
	d.rootMu.Unlock()
	hits, misses := d.cache.Stats()
	s := Stats{
		DiskID:         id.String(),
		Generation:     gen,
		LastSeq:        d.lastSeq.Load(),
		VersionReserve: d.versions.reserved(),
		TotalBlocks:    d.blocks.BlockCount(),
		FreeBlocks:     d.blocks.Free(),
		Journal:        d.journal.Meta(),
		Index:          d.lsm.Stats(),
		CacheHits:      hits,
		CacheMisses:    misses,
		Reads:          d.stats.reads.Load(),
		Commits:        d.stats.commits.Load(),
		Edits:          d.stats.edits.Load(),
		BytesWritten:   d.stats.bytesWritten.Load(),
		Flushes:        d.stats.flushes.Load(),
		Merges:         d.stats.merges.Load(),
		Compactions:    d.stats.compactions.Load(),
		RootWrites:     d.stats.rootWrites.Load(),
	}
	if p := d.maintErr.Load(); p != nil {
		s.MaintenanceErr = (*p).Error()
	}
	return s
}
