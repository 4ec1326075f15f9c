package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealdisk/journal"
	"sealdisk/utils/cmp"
	"sealdisk/utils/errs"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Addr)
	assert.Equal(t, uint64(1<<16), cfg.Blocks)
	assert.Equal(t, "bytewise", cfg.Comparator)
	assert.True(t, cfg.Background)

	_, err = cfg.DiskOptions()
	assert.ErrorIs(t, err, errs.ErrInvalidArgs)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("SEALDISK_KEY", testKey)
	t.Setenv("SEALDISK_DEVICE_PATH", "/tmp/disk.img")
	t.Setenv("SEALDISK_COMPARATOR", "decimal")
	t.Setenv("SEALDISK_COMPRESSION", "true")
	t.Setenv("SEALDISK_COMPACT_POLICY", "never")
	t.Setenv("SEALDISK_MEMTABLE_SIZE", "4096")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/disk.img", cfg.DevicePath)

	opt, err := cfg.DiskOptions()
	require.NoError(t, err)
	assert.Len(t, opt.Key, 32)
	assert.Equal(t, byte(0x1f), opt.Key[31])
	assert.Equal(t, cmp.IntComparator{}, opt.Comparator)
	assert.True(t, opt.Compression)
	assert.Equal(t, journal.NeverCompactPolicy(), opt.CompactPolicy)
	assert.Equal(t, int64(4096), opt.MemTableSize)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sealdisk.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":9000\"\nblocks: 2048\nlog_level: debug\n"), 0o600))
	t.Setenv("SEALDISK_BLOCKS", "4096")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, uint64(4096), cfg.Blocks)

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	logger.Debug("configured")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestInvalidSettings(t *testing.T) {
	cfg := &Config{Key: "zz", Comparator: "bytewise"}
	_, err := cfg.DiskOptions()
	assert.ErrorIs(t, err, errs.ErrInvalidArgs)

	cfg = &Config{Key: testKey, Comparator: "reverse"}
	_, err = cfg.DiskOptions()
	assert.ErrorIs(t, err, errs.ErrInvalidArgs)

	cfg = &Config{Key: testKey, Comparator: "bytewise", CompactPolicy: "sometimes"}
	_, err = cfg.DiskOptions()
	assert.ErrorIs(t, err, errs.ErrInvalidArgs)

	cfg = &Config{LogLevel: "loud"}
	_, err = cfg.NewLogger()
	assert.Error(t, err)
}
