package sealdisk

import (
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"sealdisk/file"
	"sealdisk/journal"
	"sealdisk/seal"
	"sealdisk/utils"
	"sealdisk/utils/errs"
)

const (
	magic         = "sealdisk"
	formatVersion = 1
	// rootSlots are the two alternating root blocks at the start of the
	// device.
	rootSlots = 2
)

// indexRoot points at the sealed manifest blob of the index.
type indexRoot struct {
	Manifest      file.Extent `json:"manifest"`
	Version       uint64      `json:"version"`
	Length        uint32      `json:"length"`
	CheckpointSeq uint64      `json:"checkpoint_seq"`
	NextRunID     uint64      `json:"next_run_id"`
}

// superblock is the root metadata. It is written to slot Generation%2
// sealed under the root key with Generation as version, so the newest
// authentic slot wins at open.
type superblock struct {
	Magic          string       `json:"magic"`
	FormatVersion  uint32       `json:"format_version"`
	DiskID         uuid.UUID    `json:"disk_id"`
	Generation     uint64       `json:"generation"`
	Comparator     string       `json:"comparator"`
	BlockSize      uint32       `json:"block_size"`
	Capacity       uint64       `json:"capacity"`
	TxnCounter     uint64       `json:"txn_counter"`
	VersionReserve uint64       `json:"version_reserve"`
	Journal        journal.Root `json:"journal"`
	Index          indexRoot    `json:"index"`
}

func (sb *superblock) slot() uint64 {
	return sb.Generation % rootSlots
}

func (sb *superblock) encode() ([]byte, error) {
	body, err := json.Marshal(sb)
	if err != nil {
		return nil, errors.Wrap(err, "encode root")
	}
	if 4+len(body) > seal.PayloadSize {
		return nil, errors.Wrapf(errs.ErrInvalidArgs, "root of %d bytes does not fit a block", len(body))
	}
	buf := make([]byte, 4+len(body))
	utils.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}

func decodeSuperblock(buf []byte) (*superblock, error) {
	if len(buf) < 4 {
		return nil, errors.Wrap(errs.ErrIntegrity, "short root")
	}
	n := int(utils.Uint32(buf))
	if 4+n > len(buf) {
		return nil, errors.Wrapf(errs.ErrIntegrity, "root length %d", n)
	}
	sb := &superblock{}
	if err := json.Unmarshal(buf[4:4+n], sb); err != nil {
		return nil, errors.Wrapf(errs.ErrIntegrity, "decode root: %v", err)
	}
	return sb, nil
}

// writeSuperblock seals sb into its slot and flushes the device.
func writeSuperblock(blocks *file.BlockStore, sealer *seal.Sealer, sb *superblock) error {
	buf, err := sb.encode()
	if err != nil {
		return err
	}
	block, err := sealer.Seal(buf, sb.slot(), sb.Generation)
	if err != nil {
		return err
	}
	if err := blocks.WriteBlock(sb.slot(), block); err != nil {
		return err
	}
	return blocks.Flush()
}

// readSuperblock returns the newest authentic root. A slot that fails to
// authenticate is skipped: it may hold a torn root write.
func readSuperblock(blocks *file.BlockStore, sealer *seal.Sealer) (*superblock, error) {
	var (
		best    *superblock
		lastErr error
	)
	for slot := uint64(0); slot < rootSlots; slot++ {
		sb, err := readSlot(blocks, sealer, slot)
		if err != nil {
			lastErr = err
			continue
		}
		if best == nil || sb.Generation > best.Generation {
			best = sb
		}
	}
	if best == nil {
		return nil, errors.Wrapf(errs.ErrRecovery, "no valid root: %v", lastErr)
	}
	return best, nil
}

func readSlot(blocks *file.BlockStore, sealer *seal.Sealer, slot uint64) (*superblock, error) {
	raw, err := blocks.ReadBlock(slot)
	if err != nil {
		return nil, err
	}
	plain, version, err := sealer.OpenAtLeast(raw, slot, 1)
	if err != nil {
		return nil, err
	}
	sb, err := decodeSuperblock(plain)
	if err != nil {
		return nil, err
	}
	if sb.Generation != version || sb.slot() != slot {
		return nil, errors.Wrapf(errs.ErrIntegrity, "root generation %d in slot %d sealed as %d", sb.Generation, slot, version)
	}
	return sb, nil
}

// lastGeneration is the highest version embedded in either slot, authentic
// or not. A new format starts above it so no root nonce repeats.
func lastGeneration(blocks *file.BlockStore) (uint64, error) {
	var last uint64
	for slot := uint64(0); slot < rootSlots; slot++ {
		raw, err := blocks.ReadBlock(slot)
		if err != nil {
			return 0, err
		}
		last = max(last, seal.EmbeddedVersion(raw))
	}
	return last, nil
}

func (sb *superblock) verify(dev file.Device, opt *Options) error {
	switch {
	case sb.Magic != magic:
		return errors.Wrapf(errs.ErrRecovery, "bad magic %q", sb.Magic)
	case sb.FormatVersion != formatVersion:
		return errors.Wrapf(errs.ErrRecovery, "format version %d, want %d", sb.FormatVersion, formatVersion)
	case sb.BlockSize != file.BlockSize:
		return errors.Wrapf(errs.ErrRecovery, "block size %d, want %d", sb.BlockSize, file.BlockSize)
	case sb.Capacity != dev.BlockCount():
		return errors.Wrapf(errs.ErrRecovery, "capacity %d, device has %d blocks", sb.Capacity, dev.BlockCount())
	case sb.Comparator != opt.Comparator.Name():
		return errors.Wrapf(errs.ErrRecovery, "formatted with comparator %q, opened with %q", sb.Comparator, opt.Comparator.Name())
	}
	return nil
}
