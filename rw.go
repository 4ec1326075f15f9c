package sealdisk

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"sealdisk/file"
	"sealdisk/journal"
	"sealdisk/seal"
	"sealdisk/utils"
	"sealdisk/utils/errs"
)

func locExtent(loc utils.Location) file.Extent {
	return file.Extent{Start: loc.Block, Count: uint64(loc.Count)}
}

// Read returns the value of key, or ErrNotFound.
func (d *Disk) Read(key []byte) ([]byte, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	d.stats.reads.Add(1)
	d.mu.RLock()
	defer d.mu.RUnlock()
	loc, err := d.lsm.Get(key)
	if err != nil {
		return nil, err
	}
	return d.readValue(loc)
}

// Has reports whether key holds a value.
func (d *Disk) Has(key []byte) (bool, error) {
	if err := d.checkOpen(); err != nil {
		return false, err
	}
	if err := validateKey(key); err != nil {
		return false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, err := d.lsm.Get(key)
	if errs.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Write durably maps key to value and returns the sequence number of its
// edit group.
func (d *Disk) Write(key, value []byte) (uint64, error) {
	return d.CommitBatch(d.NewBatch().Put(key, value))
}

// Delete durably removes key. Deleting an absent key is not an error.
func (d *Disk) Delete(key []byte) (uint64, error) {
	return d.CommitBatch(d.NewBatch().Delete(key))
}

// CommitBatch applies b atomically: after a crash either every operation of
// b is visible or none is. It returns once the group is durable.
//
// When the journal append fails with anything but ErrLogFull, ErrNoSpace or
// ErrInvalidArgs, the group may still be replayed after a restart. The disk
// then rejects further commits until it is reopened, which settles the
// outcome.
func (d *Disk) CommitBatch(b *Batch) (uint64, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}
	if err := d.validate(b); err != nil {
		return 0, err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var written []file.Extent
	release := func() {
		for _, ext := range written {
			d.blocks.FreeExtent(ext)
		}
	}
	edits := make([]journal.Edit, 0, len(b.ops))
	for _, op := range b.ops {
		e := journal.Edit{Op: op.op, Key: op.key}
		if op.op == journal.OpPut {
			loc, err := d.writeValue(op.value)
			if err != nil {
				release()
				return 0, err
			}
			written = append(written, locExtent(loc))
			e.Location = loc
		}
		edits = append(edits, e)
	}
	if len(written) > 0 {
		if err := d.blocks.Flush(); err != nil {
			release()
			return 0, err
		}
	}
	seq, err := d.journal.AppendGroup(edits)
	if err != nil {
		if errs.Is(err, errs.ErrLogFull, errs.ErrNoSpace, errs.ErrInvalidArgs) {
			release()
		} else {
			// the group may still be replayed, so its blocks stay taken
			// until the next open rebuilds the allocator
			d.logger.Warn("journal append failed", zap.Error(err))
		}
		return 0, err
	}

	d.mu.Lock()
	err = d.apply(&journal.EditGroup{Seq: seq, Edits: edits}, true)
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	d.lastSeq.Store(seq)
	d.stats.commits.Add(1)
	d.stats.edits.Add(uint64(len(edits)))
	d.afterCommit()
	return seq, nil
}

// apply hands a committed group to the index. With free set, blocks of the
// values it supersedes are released.
func (d *Disk) apply(g *journal.EditGroup, free bool) error {
	for _, e := range g.Edits {
		if free {
			old, err := d.lsm.Get(e.Key)
			switch {
			case err == nil:
				if err := d.blocks.FreeExtent(locExtent(old)); err != nil {
					d.logger.Warn("free superseded value", zap.ByteString("key", e.Key), zap.Error(err))
				}
			case !errs.Is(err, errs.ErrNotFound):
				d.logger.Warn("superseded value not freed", zap.ByteString("key", e.Key), zap.Error(err))
			}
		}
		var err error
		switch e.Op {
		case journal.OpPut:
			err = d.lsm.Put(e.Key, e.Location, g.Seq)
		case journal.OpDelete:
			err = d.lsm.Delete(e.Key, g.Seq)
		default:
			err = errors.Wrapf(errs.ErrIntegrity, "edit op %d", e.Op)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeValue seals value into a fresh extent under one new version.
func (d *Disk) writeValue(value []byte) (utils.Location, error) {
	data, flags := value, uint8(0)
	if d.encoder != nil && len(value) > 0 {
		if c := d.encoder.EncodeAll(value, nil); len(c) < len(value) {
			data, flags = c, utils.FlagCompressed
		}
	}
	ext, err := d.blocks.AllocExtent(seal.BlocksFor(len(data)))
	if err != nil {
		return utils.Location{}, err
	}
	version, err := d.versions.Next()
	if err == nil {
		err = d.dataSt.WriteBlob(ext, data, version)
	}
	if err != nil {
		d.blocks.FreeExtent(ext)
		return utils.Location{}, err
	}
	d.stats.bytesWritten.Add(uint64(len(data)))
	return utils.Location{
		Block:   ext.Start,
		Count:   uint32(ext.Count),
		Length:  uint32(len(data)),
		Version: version,
		Flags:   flags,
	}, nil
}

func (d *Disk) readValue(loc utils.Location) ([]byte, error) {
	data, err := d.dataSt.ReadBlob(locExtent(loc), loc.Version, int(loc.Length))
	if err != nil {
		if errs.Is(err, errs.ErrIntegrity) {
			d.logger.Error("value failed authentication", zap.Uint64("block", loc.Block), zap.Error(err))
		}
		return nil, err
	}
	if loc.Flags&utils.FlagCompressed == 0 {
		return data, nil
	}
	out, err := d.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrIntegrity, "decompress value: %v", err)
	}
	return out, nil
}

// Sync flushes the device. Commits are already durable when they return.
func (d *Disk) Sync() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.blocks.Flush()
}
