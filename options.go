package sealdisk

import (
	"go.uber.org/zap"

	"sealdisk/journal"
	"sealdisk/utils/cmp"
)

const (
	// MaxKeySize bounds keys so that any entry fits one run block.
	MaxKeySize = 1024
	// MaxBatchOps bounds a batch so that its edit group fits one journal record.
	MaxBatchOps = 512
)

// Options configure a Disk. Zero fields take the defaults of DefaultOptions.
type Options struct {
	// Key is the master key. Every domain key is derived from it.
	Key []byte
	// Comparator orders keys. It must match the one the disk was formatted
	// with.
	Comparator cmp.Comparator

	MemTableSize        int64
	MaxLevelNum         int
	L0CompactionTrigger int
	BaseLevelSize       int64
	// BloomFalsePositive is the false positive probability of run filters.
	BloomFalsePositive float64
	// BlockCacheSize is the number of decoded run blocks kept in memory.
	BlockCacheSize int

	CompactPolicy journal.CompactPolicy
	// JournalBlocks is the size of a fresh journal extent.
	JournalBlocks uint64

	// Compression stores values zstd-compressed when that makes them smaller.
	Compression  bool
	MaxValueSize int
	// Background moves flush, merge and journal compaction to a worker
	// goroutine instead of running them on the write path.
	Background bool
	// VersionReserve is how many versions are reserved per root write.
	VersionReserve uint64

	Logger *zap.Logger
}

func DefaultOptions(key []byte) Options {
	return Options{
		Key:                 key,
		Comparator:          cmp.ByteComparator{},
		MemTableSize:        1 << 20,
		MaxLevelNum:         7,
		L0CompactionTrigger: 4,
		BaseLevelSize:       10 << 20,
		BloomFalsePositive:  0.01,
		BlockCacheSize:      1024,
		CompactPolicy:       journal.DefaultCompactPolicy(),
		JournalBlocks:       64,
		MaxValueSize:        4 << 20,
		VersionReserve:      1 << 16,
		Logger:              zap.NewNop(),
	}
}

func (opt *Options) init() {
	def := DefaultOptions(opt.Key)
	if opt.Comparator == nil {
		opt.Comparator = def.Comparator
	}
	if opt.MemTableSize <= 0 {
		opt.MemTableSize = def.MemTableSize
	}
	if opt.MaxLevelNum < 2 {
		opt.MaxLevelNum = def.MaxLevelNum
	}
	if opt.L0CompactionTrigger <= 0 {
		opt.L0CompactionTrigger = def.L0CompactionTrigger
	}
	if opt.BaseLevelSize <= 0 {
		opt.BaseLevelSize = def.BaseLevelSize
	}
	if opt.BloomFalsePositive <= 0 || opt.BloomFalsePositive >= 1 {
		opt.BloomFalsePositive = def.BloomFalsePositive
	}
	if opt.BlockCacheSize < 0 {
		opt.BlockCacheSize = 0
	}
	if opt.CompactPolicy == (journal.CompactPolicy{}) {
		opt.CompactPolicy = def.CompactPolicy
	}
	if opt.JournalBlocks == 0 {
		opt.JournalBlocks = def.JournalBlocks
	}
	if opt.MaxValueSize <= 0 {
		opt.MaxValueSize = def.MaxValueSize
	}
	if opt.VersionReserve == 0 {
		opt.VersionReserve = def.VersionReserve
	}
	if opt.Logger == nil {
		opt.Logger = def.Logger
	}
}
